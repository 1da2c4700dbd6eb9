package contact

import (
	"os"
	"testing"
)

func TestWriteReadRemove(t *testing.T) {
	dir := t.TempDir()
	info, err := Write(dir, "127.0.0.1", 4321, "1.0.0")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if info.RunID == "" {
		t.Fatalf("expected a run id to be generated")
	}
	if info.PID != os.Getpid() {
		t.Fatalf("expected pid to match current process")
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RunID != info.RunID || got.Port != 4321 {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, info)
	}

	if err := Remove(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := Read(dir); err == nil {
		t.Fatalf("expected read to fail after remove")
	}
	if err := Remove(dir); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
}

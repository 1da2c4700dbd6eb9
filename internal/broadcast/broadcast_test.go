package broadcast

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestResolveSpecificityOrder(t *testing.T) {
	st := openTestStore(t)
	ov := New(st)
	ctx := context.Background()
	cycle, _ := cyclepoint.ParseInt("1")

	if _, err := ov.Set(ctx, Selector{}, "retries", "1"); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if _, err := ov.Set(ctx, Selector{Namespace: "foo"}, "retries", "2"); err != nil {
		t.Fatalf("set namespace: %v", err)
	}
	if _, err := ov.Set(ctx, Selector{Cycle: &cycle, Namespace: "foo"}, "retries", "3"); err != nil {
		t.Fatalf("set specific: %v", err)
	}

	resolved := ov.Resolve("foo", cycle)
	if resolved["retries"] != "3" {
		t.Fatalf("expected most specific value 3, got %v", resolved["retries"])
	}

	other, _ := cyclepoint.ParseInt("2")
	resolved2 := ov.Resolve("foo", other)
	if resolved2["retries"] != "2" {
		t.Fatalf("expected namespace-level value 2 for other cycle, got %v", resolved2["retries"])
	}

	resolved3 := ov.Resolve("bar", other)
	if resolved3["retries"] != "1" {
		t.Fatalf("expected global value 1 for unrelated namespace, got %v", resolved3["retries"])
	}
}

func TestCancelRemovesOnlyThatEntry(t *testing.T) {
	st := openTestStore(t)
	ov := New(st)
	ctx := context.Background()
	cycle, _ := cyclepoint.ParseInt("1")

	id1, err := ov.Set(ctx, Selector{Namespace: "foo"}, "retries", "2")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := ov.Set(ctx, Selector{Namespace: "foo"}, "timeout", "30"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ov.Cancel(ctx, id1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	resolved := ov.Resolve("foo", cycle)
	if _, ok := resolved["retries"]; ok {
		t.Fatalf("expected retries to be canceled")
	}
	if resolved["timeout"] != "30" {
		t.Fatalf("expected timeout to remain set")
	}
}

func TestClearBySelector(t *testing.T) {
	st := openTestStore(t)
	ov := New(st)
	ctx := context.Background()
	cycle, _ := cyclepoint.ParseInt("1")
	sel := Selector{Cycle: &cycle, Namespace: "foo"}

	if _, err := ov.Set(ctx, sel, "retries", "2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	otherSel := Selector{Cycle: &cycle, Namespace: "foo"}
	if err := ov.Clear(ctx, otherSel); err != nil {
		t.Fatalf("clear: %v", err)
	}
	resolved := ov.Resolve("foo", cycle)
	if len(resolved) != 0 {
		t.Fatalf("expected all entries cleared, got %v", resolved)
	}
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	dbPath := filepath.Join(dir, "restore.db")
	ctx := context.Background()

	st1, err := store.Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ov1 := New(st1)
	if _, err := ov1.Set(ctx, Selector{Namespace: "foo"}, "retries", "5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := store.Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	ov2 := New(st2)
	if err := ov2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	cycle, _ := cyclepoint.ParseInt("1")
	resolved := ov2.Resolve("foo", cycle)
	if resolved["retries"] != "5" {
		t.Fatalf("expected restored value 5, got %v", resolved["retries"])
	}
}

package errs

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindJobSubmit, "submit failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorIsComparesKind(t *testing.T) {
	a := New(KindConfig, "bad key")
	b := New(KindConfig, "different message, same kind")
	if !errors.Is(a, b) {
		t.Fatalf("expected two *Error values of the same Kind to satisfy errors.Is")
	}
	c := New(KindJobSubmit, "bad key")
	if errors.Is(a, c) {
		t.Fatalf("expected different Kinds not to satisfy errors.Is")
	}
}

func TestKindRetriable(t *testing.T) {
	for _, k := range []Kind{KindPlatformUnreach, KindJobSubmit, KindJobRunFail} {
		if !k.Retriable() {
			t.Fatalf("expected %s to be retriable", k)
		}
	}
	for _, k := range []Kind{KindConfig, KindMessageAuth, KindInternalInvariant} {
		if k.Retriable() {
			t.Fatalf("expected %s not to be retriable", k)
		}
	}
}

func TestKindFatal(t *testing.T) {
	if !KindInternalInvariant.Fatal() {
		t.Fatalf("expected internal invariant violations to be fatal")
	}
	if KindJobSubmit.Fatal() {
		t.Fatalf("expected job submit errors not to be fatal")
	}
}

package command

import (
	"context"
	"testing"
)

func TestApplyCallsRegisteredApplier(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Register(KindHold, func(ctx context.Context, cmd Command) error {
		called = true
		return nil
	})
	if err := d.Apply(context.Background(), Command{ID: "c1", Kind: KindHold}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !called {
		t.Fatalf("expected applier to be called")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.Register(KindRelease, func(ctx context.Context, cmd Command) error {
		calls++
		return nil
	})
	cmd := Command{ID: "dup-1", Kind: KindRelease}
	if err := d.Apply(context.Background(), cmd); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	if err := d.Apply(context.Background(), cmd); err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected applier to run once for duplicate ID, ran %d times", calls)
	}
}

func TestApplyUnregisteredKindErrors(t *testing.T) {
	d := NewDispatcher()
	if err := d.Apply(context.Background(), Command{ID: "c1", Kind: KindKill}); err == nil {
		t.Fatalf("expected error for unregistered kind")
	}
}

func TestSubmitAndDrain(t *testing.T) {
	d := NewDispatcher()
	if err := d.Submit(Command{ID: "a", Kind: KindPause}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := d.Submit(Command{ID: "b", Kind: KindPlay}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drained := d.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained commands, got %d", len(drained))
	}
	if len(d.Drain()) != 0 {
		t.Fatalf("expected drain to be empty on second call")
	}
}

func TestDropPendingClearsUnappliedCommands(t *testing.T) {
	d := NewDispatcher()
	if err := d.Submit(Command{ID: "x", Kind: KindPoll}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d.Drain()
	if n := d.DropPending(); n != 1 {
		t.Fatalf("expected 1 pending command dropped, got %d", n)
	}
	if n := d.DropPending(); n != 0 {
		t.Fatalf("expected second drop to be empty, got %d", n)
	}
}

func TestResultChReceivesError(t *testing.T) {
	d := NewDispatcher()
	d.Register(KindKill, func(ctx context.Context, cmd Command) error {
		return context.DeadlineExceeded
	})
	ch := make(chan error, 1)
	if err := d.Apply(context.Background(), Command{ID: "k1", Kind: KindKill, ResultCh: ch}); err == nil {
		t.Fatalf("expected apply to return the applier's error")
	}
	if err := <-ch; err != context.DeadlineExceeded {
		t.Fatalf("expected result channel to carry the applier's error, got %v", err)
	}
}

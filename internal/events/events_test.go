package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExpandSubstitutesPlaceholders(t *testing.T) {
	out := Expand("notify %(task)s at %(cycle)s: %(message)s", Args{Task: "a", Cycle: "1", Message: "done"})
	if out != "notify a at 1: done" {
		t.Fatalf("unexpected expansion: %q", out)
	}
}

func TestFireOnlyRunsMatchingEvents(t *testing.T) {
	d := NewDispatcher(2, nil)
	var ran int32
	d.runCmd = func(ctx context.Context, shell string) ([]byte, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}
	d.RegisterTask("a", []Handler{{Command: "echo hi", Events: []string{"failed"}}})

	d.Fire(context.Background(), "a", "succeeded", Args{Task: "a", Event: "succeeded"})
	d.Wait()
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected handler not to fire for non-matching event")
	}

	d.Fire(context.Background(), "a", "failed", Args{Task: "a", Event: "failed"})
	d.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected handler to fire for matching event, ran=%d", ran)
	}
}

func TestFireRunsWorkflowWideHandlers(t *testing.T) {
	d := NewDispatcher(2, nil)
	var ran int32
	d.runCmd = func(ctx context.Context, shell string) ([]byte, error) {
		atomic.AddInt32(&ran, 1)
		return nil, nil
	}
	d.RegisterWorkflow([]Handler{{Command: "echo hi"}})
	d.Fire(context.Background(), "any-task", "succeeded", Args{Task: "any-task", Event: "succeeded"})
	d.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected workflow-wide handler to fire regardless of task name")
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	d := NewDispatcher(2, nil)
	var mu sync.Mutex
	current, maxSeen := 0, 0
	d.runCmd = func(ctx context.Context, shell string) ([]byte, error) {
		mu.Lock()
		current++
		if current > maxSeen {
			maxSeen = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return nil, nil
	}
	handlers := make([]Handler, 6)
	for i := range handlers {
		handlers[i] = Handler{Command: fmt.Sprintf("echo %d", i)}
	}
	d.RegisterTask("a", handlers)
	d.Fire(context.Background(), "a", "failed", Args{Task: "a", Event: "failed"})
	d.Wait()
	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent handler runs, saw %d", maxSeen)
	}
}

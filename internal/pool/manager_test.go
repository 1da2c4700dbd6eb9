package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/graph"
	"github.com/swarmguard/cyclesched/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(dir, "test.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func twoTaskGraph() *graph.Graph {
	initial, _ := cyclepoint.ParseInt("1")
	g := graph.New(initial)
	g.AddTask(&graph.TaskDef{
		Name:    "a",
		Outputs: []graph.OutputDecl{{Name: graph.OutputSucceeded, Required: true}},
	})
	g.AddTask(&graph.TaskDef{
		Name:    "b",
		Outputs: []graph.OutputDecl{{Name: graph.OutputSucceeded, Required: true}},
		Completion: graph.Leaf(graph.Atom{Task: "a", Output: graph.OutputSucceeded}),
	})
	return g
}

func TestSpawnAndGet(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))

	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()
	proxy, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if proxy.State != StateWaiting {
		t.Fatalf("expected waiting, got %s", proxy.State)
	}

	got, ok := p.Get(Key{Task: "a", Cycle: cycle})
	if !ok || got != proxy {
		t.Fatalf("get did not return the spawned proxy")
	}
}

func TestSpawnMergesOverlappingFlows(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	first, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1))
	if err != nil {
		t.Fatalf("spawn 1: %v", err)
	}
	second, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1, 2))
	if err != nil {
		t.Fatalf("spawn 2: %v", err)
	}
	if first != second {
		t.Fatalf("expected overlapping flow spawn to return the same proxy")
	}
	if len(first.Flows) != 2 {
		t.Fatalf("expected merged flow-set of size 2, got %v", first.Flows)
	}
}

func TestSatisfyUnblocksDependent(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	if _, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1)); err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	b, err := p.Spawn(ctx, "b", cycle, NewFlowSet(1))
	if err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	if b.PrereqsHold() {
		t.Fatalf("b should not be ready before a succeeds")
	}

	atom := graph.Atom{Task: "a", Output: graph.OutputSucceeded}
	ready, err := p.Satisfy(ctx, atom)
	if err != nil {
		t.Fatalf("satisfy: %v", err)
	}
	if len(ready) != 1 || ready[0] != b {
		t.Fatalf("expected b to become ready, got %v", ready)
	}
	if !b.PrereqsHold() {
		t.Fatalf("b should be ready after a succeeds")
	}
}

func TestCompleteOutputAndCompletionHolds(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	a, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a.CompletionHolds() {
		t.Fatalf("should not be complete before succeeded output")
	}
	key := Key{Task: "a", Cycle: cycle}
	if err := p.CompleteOutput(ctx, key, graph.OutputSucceeded); err != nil {
		t.Fatalf("complete output: %v", err)
	}
	if !a.CompletionHolds() {
		t.Fatalf("should be complete after succeeded output")
	}
}

func TestTransitionRejectsIllegalJump(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	if _, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	key := Key{Task: "a", Cycle: cycle}
	if err := p.Transition(ctx, key, StateRunning, false); err == nil {
		t.Fatalf("expected illegal transition waiting -> running to be rejected")
	}
	if err := p.Transition(ctx, key, StateRunning, true); err != nil {
		t.Fatalf("forced transition should succeed: %v", err)
	}
	proxy, _ := p.Get(key)
	if proxy.State != StateRunning {
		t.Fatalf("expected running, got %s", proxy.State)
	}
}

func TestTransitionRefusesAfterTerminal(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	if _, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	key := Key{Task: "a", Cycle: cycle}
	if err := p.Transition(ctx, key, StateSucceeded, true); err != nil {
		t.Fatalf("force to succeeded: %v", err)
	}
	if err := p.Transition(ctx, key, StateRunning, false); err == nil {
		t.Fatalf("expected transition out of terminal state to be rejected without force")
	}
}

func TestRestorePreservesState(t *testing.T) {
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	dbPath := filepath.Join(dir, "restore.db")
	g := twoTaskGraph()
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	st1, err := store.Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p1 := New(g, st1, cyclepoint.Duration{Int: 1}, mp.Meter("test"))
	if _, err := p1.Spawn(ctx, "a", cycle, NewFlowSet(1)); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := p1.Transition(ctx, Key{Task: "a", Cycle: cycle}, StateSucceeded, true); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := store.Open(dbPath, mp.Meter("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	p2 := New(g, st2, cyclepoint.Duration{Int: 1}, mp.Meter("test"))
	if err := p2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	proxy, ok := p2.Get(Key{Task: "a", Cycle: cycle})
	if !ok {
		t.Fatalf("expected restored proxy to be present")
	}
	if proxy.State != StateSucceeded {
		t.Fatalf("expected restored state succeeded, got %s", proxy.State)
	}
	if len(proxy.Flows) != 1 {
		t.Fatalf("expected restored flow-set of size 1, got %v", proxy.Flows)
	}

	_ = os.Remove(dbPath)
}

func TestReadyToRemove(t *testing.T) {
	st := openTestStore(t)
	g := twoTaskGraph()
	p := New(g, st, cyclepoint.Duration{Int: 1}, noopmetric.MeterProvider{}.Meter("test"))
	cycle, _ := cyclepoint.ParseInt("1")
	ctx := context.Background()

	a, err := p.Spawn(ctx, "a", cycle, NewFlowSet(1))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if p.ReadyToRemove(a, true) {
		t.Fatalf("not ready to remove before terminal + completion")
	}
	if err := p.CompleteOutput(ctx, Key{Task: "a", Cycle: cycle}, graph.OutputSucceeded); err != nil {
		t.Fatalf("complete output: %v", err)
	}
	if err := p.Transition(ctx, Key{Task: "a", Cycle: cycle}, StateSucceeded, true); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !p.ReadyToRemove(a, true) {
		t.Fatalf("expected ready to remove once terminal and complete")
	}
}

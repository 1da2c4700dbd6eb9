package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/graph"
	"github.com/swarmguard/cyclesched/internal/pool"
	"github.com/swarmguard/cyclesched/internal/store"
)

func writeWorkflowDoc(t *testing.T, doc workflowDoc) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal workflow doc: %v", err)
	}
	path := filepath.Join(t.TempDir(), "workflow.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write workflow doc: %v", err)
	}
	return path
}

func openTestPool(t *testing.T, g *graph.Graph) *pool.Pool {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return pool.New(g, st, cyclepoint.Duration{Int: 10}, mp.Meter("test"))
}

func TestSeedInitialCycleSpawnsParentlessTasksOnly(t *testing.T) {
	path := writeWorkflowDoc(t, workflowDoc{
		InitialCycle: "1",
		Tasks: []taskDoc{
			{Name: "a"},
			{Name: "b", Prerequisites: []atomDoc{{Task: "a", Output: "succeeded"}}},
		},
	})
	g, initial, err := loadWorkflow(path)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	taskPool := openTestPool(t, g)

	if err := seedInitialCycle(context.Background(), g, initial, taskPool); err != nil {
		t.Fatalf("seed initial cycle: %v", err)
	}

	if _, ok := taskPool.Get(pool.Key{Task: "a", Cycle: initial}); !ok {
		t.Fatalf("expected parentless task a to be spawned at the initial cycle")
	}
	if _, ok := taskPool.Get(pool.Key{Task: "b", Cycle: initial}); ok {
		t.Fatalf("did not expect task b (has a prerequisite) to be seeded")
	}
}

func TestSeedInitialCycleIsIdempotent(t *testing.T) {
	path := writeWorkflowDoc(t, workflowDoc{
		InitialCycle: "1",
		Tasks:        []taskDoc{{Name: "a"}},
	})
	g, initial, err := loadWorkflow(path)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	taskPool := openTestPool(t, g)

	if err := seedInitialCycle(context.Background(), g, initial, taskPool); err != nil {
		t.Fatalf("seed initial cycle: %v", err)
	}
	if err := seedInitialCycle(context.Background(), g, initial, taskPool); err != nil {
		t.Fatalf("second seed initial cycle: %v", err)
	}

	if all := taskPool.All(); len(all) != 1 {
		t.Fatalf("expected seeding twice to still leave exactly one proxy, got %d", len(all))
	}
}

func TestReloadWorkflowAddsNewTask(t *testing.T) {
	path := writeWorkflowDoc(t, workflowDoc{
		InitialCycle: "1",
		Tasks:        []taskDoc{{Name: "a"}},
	})
	g, _, err := loadWorkflow(path)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if _, ok := g.Task("b"); ok {
		t.Fatalf("did not expect task b before reload")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read workflow doc: %v", err)
	}
	var doc workflowDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal workflow doc: %v", err)
	}
	doc.Tasks = append(doc.Tasks, taskDoc{Name: "b"})
	newData, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal updated workflow doc: %v", err)
	}
	if err := os.WriteFile(path, newData, 0o600); err != nil {
		t.Fatalf("rewrite workflow doc: %v", err)
	}

	if err := reloadWorkflow(path, g); err != nil {
		t.Fatalf("reload workflow: %v", err)
	}
	if _, ok := g.Task("b"); !ok {
		t.Fatalf("expected task b to exist after reload")
	}
}

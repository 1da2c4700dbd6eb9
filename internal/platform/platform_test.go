package platform

import (
	"testing"
	"time"
)

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry()
	r.Add(Def{Name: "batch", Hosts: []string{"h1", "h2"}})
	if _, ok := r.Get("batch"); !ok {
		t.Fatalf("expected to find platform just added")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected no platform for an unregistered name")
	}
}

func TestSelectHostDefinitionOrder(t *testing.T) {
	p := NewPlatform(Def{Name: "batch", Hosts: []string{"h1", "h2"}, Policy: PolicyDefinitionOrder})
	for i := 0; i < 3; i++ {
		h, err := p.SelectHost()
		if err != nil {
			t.Fatalf("select host: %v", err)
		}
		if h != "h1" {
			t.Fatalf("expected definition-order policy to always return h1, got %s", h)
		}
	}
}

func TestSelectHostRoundRobinCycles(t *testing.T) {
	p := NewPlatform(Def{Name: "batch", Hosts: []string{"h1", "h2"}, Policy: PolicyRoundRobin})
	first, err := p.SelectHost()
	if err != nil {
		t.Fatalf("select host: %v", err)
	}
	second, err := p.SelectHost()
	if err != nil {
		t.Fatalf("select host: %v", err)
	}
	if first == second {
		t.Fatalf("expected round robin to alternate hosts, got %s twice", first)
	}
	third, err := p.SelectHost()
	if err != nil {
		t.Fatalf("select host: %v", err)
	}
	if third != first {
		t.Fatalf("expected round robin to wrap back to %s, got %s", first, third)
	}
}

func TestSelectHostSkipsBadHostWindow(t *testing.T) {
	p := NewPlatform(Def{Name: "batch", Hosts: []string{"h1", "h2"}, Policy: PolicyDefinitionOrder, BadHostWindow: time.Minute})
	p.RecordResult("h1", false, true)
	h, err := p.SelectHost()
	if err != nil {
		t.Fatalf("select host: %v", err)
	}
	if h != "h2" {
		t.Fatalf("expected h1 excluded by its bad-host window, got %s", h)
	}
}

func TestSelectHostAllExcludedReturnsError(t *testing.T) {
	p := NewPlatform(Def{Name: "batch", Hosts: []string{"h1"}, Policy: PolicyDefinitionOrder, BadHostWindow: time.Minute})
	p.RecordResult("h1", false, true)
	if _, err := p.SelectHost(); err == nil {
		t.Fatalf("expected an error when every host is excluded")
	}
}

func TestRecordResultUnknownHostIsNoop(t *testing.T) {
	p := NewPlatform(Def{Name: "batch", Hosts: []string{"h1"}})
	p.RecordResult("unknown-host", false, true)
	if !p.Allow("h1") {
		t.Fatalf("expected h1 unaffected by recording a result for an unknown host")
	}
}

func TestNameAndJobRunner(t *testing.T) {
	p := NewPlatform(Def{Name: "batch", Hosts: []string{"h1"}, JobRunner: "slurm"})
	if p.Name() != "batch" {
		t.Fatalf("expected Name() to return %q, got %q", "batch", p.Name())
	}
	if p.JobRunner() != "slurm" {
		t.Fatalf("expected JobRunner() to return %q, got %q", "slurm", p.JobRunner())
	}
}

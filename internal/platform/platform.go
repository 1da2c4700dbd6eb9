// Package platform implements host selection for job submission: a
// named platform maps to a pool of hosts, and one of a few policies
// picks among them while avoiding hosts a CircuitBreaker currently
// considers bad.
package platform

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/swarmguard/cyclesched/internal/resilience"
)

// SelectionPolicy picks the order hosts are tried in.
type SelectionPolicy string

const (
	PolicyDefinitionOrder SelectionPolicy = "definition_order"
	PolicyRoundRobin      SelectionPolicy = "round_robin"
	PolicyRandom          SelectionPolicy = "random"
)

// Def is a named platform's static configuration.
type Def struct {
	Name           string
	Hosts          []string
	Policy         SelectionPolicy
	BadHostWindow  time.Duration // how long a host found to be unreachable is skipped entirely, even half-open
	JobRunner      string
}

type hostState struct {
	breaker    *resilience.CircuitBreaker
	badUntil   time.Time
}

// Platform is a live, stateful view of one Def: per-host circuit
// breakers and round-robin cursor.
type Platform struct {
	mu    sync.Mutex
	def   Def
	hosts map[string]*hostState
	rrIdx int
}

func NewPlatform(def Def) *Platform {
	p := &Platform{def: def, hosts: make(map[string]*hostState, len(def.Hosts))}
	for _, h := range def.Hosts {
		p.hosts[h] = &hostState{
			breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 15*time.Second, 2),
		}
	}
	return p
}

// Registry holds every configured platform by name.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]*Platform
}

func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]*Platform)}
}

func (r *Registry) Add(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[def.Name] = NewPlatform(def)
}

func (r *Registry) Get(name string) (*Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[name]
	return p, ok
}

// SelectHost returns the next host to try for a submission, skipping
// hosts whose breaker is open or that are within the bad-host
// retention window. Returns an error only when every host is
// currently excluded.
func (p *Platform) SelectHost() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]string, 0, len(p.def.Hosts))
	now := time.Now()
	for _, h := range p.def.Hosts {
		st := p.hosts[h]
		if now.Before(st.badUntil) {
			continue
		}
		if st.breaker.State() == "open" {
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("platform %s: no healthy host available", p.def.Name)
	}

	switch p.def.Policy {
	case PolicyRoundRobin:
		h := candidates[p.rrIdx%len(candidates)]
		p.rrIdx++
		return h, nil
	case PolicyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	default: // PolicyDefinitionOrder
		return candidates[0], nil
	}
}

// RecordResult feeds back a submission/poll/kill outcome for host so
// its breaker and bad-host window update.
func (p *Platform) RecordResult(host string, success bool, unreachable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.hosts[host]
	if !ok {
		return
	}
	st.breaker.RecordResult(success)
	if unreachable && p.def.BadHostWindow > 0 {
		st.badUntil = time.Now().Add(p.def.BadHostWindow)
	}
}

// Allow reports whether host is currently allowed through its breaker
// (half-open probes are rate-limited by the breaker itself).
func (p *Platform) Allow(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.hosts[host]
	if !ok {
		return false
	}
	return st.breaker.Allow()
}

func (p *Platform) JobRunner() string { return p.def.JobRunner }
func (p *Platform) Name() string      { return p.def.Name }

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/graph"
	"github.com/swarmguard/cyclesched/internal/store"
)

// RemovalPolicy controls what happens to a proxy once its completion
// expression holds and it has no unsatisfied children relying on it
// still being present.
type RemovalPolicy int

const (
	RemoveOnCompletion RemovalPolicy = iota
	RetainUntilOutputsConsumed
)

// persistedProxy is the JSON-serializable shape written to
// store.BucketTaskPool / BucketTaskStates; Proxy itself carries a
// mutex and unexported maps so it cannot be marshaled directly.
type persistedProxy struct {
	Task             string
	Cycle            cyclepoint.Point
	Flows            []int
	SubmitNum        int
	TryNum           int
	State            State
	Held             bool
	WaitAtCompletion bool
	PrereqAtoms      map[string]bool
	OutputsDone      map[string]bool
	RuntimeOverlay   map[string]string
	JobHistory       []JobAttempt
}

// Pool holds every active task proxy, indexed by (task, cycle) with the
// flow-set folded into the single proxy at that key (flows with
// overlapping membership are always merged into one proxy, never two —
// spec invariant in §3).
type Pool struct {
	mu       sync.RWMutex
	graph    *graph.Graph
	st       *store.Store
	proxies  map[Key]*Proxy
	removalPolicy RemovalPolicy

	runaheadLimit cyclepoint.Duration
	maxActive     int // 0 = unbounded beyond runahead

	sizeGauge metric.Int64ObservableGauge
}

// New constructs an empty pool bound to g and backed by st for
// durability. Restore should be called immediately after if resuming
// from a prior run.
func New(g *graph.Graph, st *store.Store, runahead cyclepoint.Duration, meter metric.Meter) *Pool {
	p := &Pool{
		graph:         g,
		st:            st,
		proxies:       make(map[Key]*Proxy),
		runaheadLimit: runahead,
	}
	if meter != nil {
		p.sizeGauge, _ = meter.Int64ObservableGauge("cyclesched_pool_size",
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				p.mu.RLock()
				n := len(p.proxies)
				p.mu.RUnlock()
				o.Observe(int64(n))
				return nil
			}))
	}
	return p
}

// Restore repopulates the in-memory pool from the store's task_pool
// bucket, called once at startup before the scheduler loop begins.
func (p *Pool) Restore() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var outerErr error
	_ = p.st.ForEach(store.BucketTaskPool(), func(key string, value []byte) error {
		var pp persistedProxy
		if err := unmarshalProxy(value, &pp); err != nil {
			outerErr = fmt.Errorf("restore proxy %s: %w", key, err)
			return nil
		}
		def, ok := p.graph.Task(pp.Task)
		if !ok {
			return nil // task removed from graph since snapshot; drop silently
		}
		prereq, err := p.graph.Parents(pp.Task, pp.Cycle)
		if err != nil {
			return nil
		}
		proxy := newProxy(pp.Task, pp.Cycle, NewFlowSet(pp.Flows...), def, prereq)
		proxy.SubmitNum = pp.SubmitNum
		proxy.TryNum = pp.TryNum
		proxy.State = pp.State
		proxy.Held = pp.Held
		proxy.WaitAtCompletion = pp.WaitAtCompletion
		proxy.RuntimeOverlay = pp.RuntimeOverlay
		proxy.JobHistory = pp.JobHistory
		for a := range proxy.prereqAtoms {
			k := atomKey(a)
			if v, ok := pp.PrereqAtoms[k]; ok {
				proxy.prereqAtoms[a] = v
			}
		}
		for _, d := range proxy.declaredOutputs {
			if v, ok := pp.OutputsDone[string(d.Name)]; ok && v {
				proxy.outputsCompleted[d.Name] = true
			}
		}
		p.proxies[Key{Task: pp.Task, Cycle: pp.Cycle}] = proxy
		return nil
	})
	return outerErr
}

func atomKey(a graph.Atom) string {
	return fmt.Sprintf("%s/%s/%s/%v", a.Task, a.CycleOffset.Exact, a.Output, a.Absolute)
}

func unmarshalProxy(data []byte, pp *persistedProxy) error {
	return json.Unmarshal(data, pp)
}

// Get returns the proxy at key, if present.
func (p *Pool) Get(k Key) (*Proxy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, ok := p.proxies[k]
	return proxy, ok
}

// All returns every proxy in the pool, sorted by (cycle, task) for
// deterministic iteration — the scheduler's readiness scan relies on
// stable order so that tie-breaking by config order within a cycle is
// reproducible.
func (p *Pool) All() []*Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		out = append(out, proxy)
	}
	sort.Slice(out, func(i, j int) bool {
		if !cyclepoint.Equal(out[i].Cycle, out[j].Cycle) {
			return cyclepoint.Less(out[i].Cycle, out[j].Cycle)
		}
		return out[i].Task < out[j].Task
	})
	return out
}

// Spawn creates (or merges into) a proxy at (task, cycle) for the given
// flow-set. If a proxy already exists at that key, flows is unioned
// into its flow-set in place, whether or not the two sets intersect;
// the pool never holds two proxies for the same (task, cycle).
func (p *Pool) Spawn(ctx context.Context, task string, cycle cyclepoint.Point, flows FlowSet) (*Proxy, error) {
	def, ok := p.graph.Task(task)
	if !ok {
		return nil, fmt.Errorf("pool: spawn of unknown task %q", task)
	}
	prereq, err := p.graph.Parents(task, cycle)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := Key{Task: task, Cycle: cycle}
	if existing, ok := p.proxies[key]; ok {
		existing.mu.Lock()
		if flows.IsNoFlow() || existing.Flows.IsNoFlow() || !existing.Flows.Disjoint(flows) {
			existing.Flows = existing.Flows.Union(flows)
			existing.mu.Unlock()
			if err := p.persistLocked(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		existing.mu.Unlock()
		// Disjoint non-empty flow-sets: the existing proxy already
		// occupies (task,cycle) and is mid-flight, so this second flow
		// rides along by joining it rather than creating two
		// concurrently running instances of the same task at the same
		// cycle, which the job platform has no way to distinguish.
		existing.mu.Lock()
		existing.Flows = existing.Flows.Union(flows)
		existing.mu.Unlock()
		if err := p.persistLocked(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	proxy := newProxy(task, cycle, flows, def, prereq)
	p.proxies[key] = proxy
	if err := p.persistLocked(ctx, proxy); err != nil {
		return nil, err
	}
	return proxy, nil
}

// Satisfy marks atom satisfied on every proxy whose prerequisite
// expression references it, called by the scheduler when an upstream
// output completes. Returns the set of proxies whose prerequisites now
// fully hold and that were previously waiting (i.e. newly ready).
func (p *Pool) Satisfy(ctx context.Context, a graph.Atom) ([]*Proxy, error) {
	p.mu.RLock()
	candidates := make([]*Proxy, 0)
	for _, proxy := range p.proxies {
		if _, tracked := proxy.prereqAtoms[a]; tracked {
			candidates = append(candidates, proxy)
		}
	}
	p.mu.RUnlock()

	var newlyReady []*Proxy
	for _, proxy := range candidates {
		proxy.mu.Lock()
		wasHolding := !proxy.prereqExpr.Eval(func(x graph.Atom) bool { return proxy.prereqAtoms[x] })
		proxy.prereqAtoms[a] = true
		nowHolds := proxy.prereqExpr.Eval(func(x graph.Atom) bool { return proxy.prereqAtoms[x] })
		st := proxy.State
		proxy.mu.Unlock()
		if err := p.persist(ctx, proxy); err != nil {
			return nil, err
		}
		if wasHolding && nowHolds && (st == StateWaiting || st == StateWaitingRunahead) {
			newlyReady = append(newlyReady, proxy)
		}
	}
	return newlyReady, nil
}

// CompleteOutput marks an output complete on the proxy at key and
// appends the corresponding event. It returns only an error; the caller
// builds the atom and propagates Satisfy to children itself.
func (p *Pool) CompleteOutput(ctx context.Context, key Key, output graph.Output) error {
	proxy, ok := p.Get(key)
	if !ok {
		return fmt.Errorf("pool: complete_output on unknown proxy %v", key)
	}
	proxy.mu.Lock()
	proxy.outputsCompleted[output] = true
	proxy.mu.Unlock()
	if _, err := p.st.AppendEvents(ctx, store.EventOutputCompleted, struct {
		Task, Cycle, Output string
	}{proxy.Task, proxy.Cycle.String(), string(output)}); err != nil {
		return err
	}
	return p.persist(ctx, proxy)
}

// Transition moves proxy to state s2, rejecting transitions that
// violate the state machine unless force is set (the explicit `set`
// command path).
func (p *Pool) Transition(ctx context.Context, key Key, s2 State, force bool) error {
	proxy, ok := p.Get(key)
	if !ok {
		return fmt.Errorf("pool: transition of unknown proxy %v", key)
	}
	proxy.mu.Lock()
	s1 := proxy.State
	if !force && s1.Terminal() {
		proxy.mu.Unlock()
		return fmt.Errorf("pool: %s/%s already terminal at %s, refusing transition to %s", proxy.Task, proxy.Cycle, s1, s2)
	}
	if !force && !CanTransition(s1, s2) {
		proxy.mu.Unlock()
		return fmt.Errorf("pool: illegal transition %s -> %s for %s/%s", s1, s2, proxy.Task, proxy.Cycle)
	}
	proxy.State = s2
	proxy.mu.Unlock()

	if _, err := p.st.AppendEvents(ctx, store.EventStateTransition, struct {
		Task, Cycle       string
		From, To          State
		Forced            bool
		Timestamp         time.Time
	}{proxy.Task, proxy.Cycle.String(), s1, s2, force, time.Now()}); err != nil {
		return err
	}
	return p.persist(ctx, proxy)
}

// SetHeld sets (hold) or clears (release) a proxy's held flag; a held
// proxy is never submitted even when ready.
func (p *Pool) SetHeld(ctx context.Context, key Key, held bool) error {
	proxy, ok := p.Get(key)
	if !ok {
		return fmt.Errorf("pool: hold of unknown proxy %v", key)
	}
	proxy.mu.Lock()
	proxy.Held = held
	proxy.mu.Unlock()
	return p.persist(ctx, proxy)
}

// Remove drops the proxy from the pool entirely;
// used both for explicit removal commands and automatic cleanup once a
// proxy has completed and its removal policy says it can go.
func (p *Pool) Remove(ctx context.Context, key Key) error {
	p.mu.Lock()
	_, existed := p.proxies[key]
	delete(p.proxies, key)
	p.mu.Unlock()
	if !existed {
		return nil
	}
	return p.st.DeleteKey(store.BucketTaskPool(), poolKeyString(key))
}

// ReadyToRemove reports whether a completed proxy's removal policy
// permits dropping it now: RemoveOnCompletion removes as soon as the
// proxy is in a terminal state, the completion expression holds and it
// isn't held with --wait;
// RetainUntilOutputsConsumed additionally waits for every declared
// output to have been consumed by at least one Satisfy call against a
// child (tracked implicitly — callers pass consumed explicitly since
// the pool itself doesn't walk the graph's Children()).
func (p *Pool) ReadyToRemove(proxy *Proxy, childrenConsumed bool) bool {
	if !proxy.snapshotState().Terminal() {
		return false
	}
	if !proxy.CompletionHolds() {
		return false
	}
	if proxy.WaitAtCompletion {
		return false
	}
	if p.removalPolicy == RetainUntilOutputsConsumed {
		return childrenConsumed
	}
	return true
}

// Within reports whether cycle falls within the runahead horizon
// measured from base (normally the pool's current earliest
// incomplete-cycle watermark).
func (p *Pool) Within(base, cycle cyclepoint.Point) bool {
	limit, ok := cyclepoint.Add(base, p.runaheadLimit)
	if !ok {
		return true
	}
	return !cyclepoint.Less(limit, cycle)
}

func (p *Pool) persist(ctx context.Context, proxy *Proxy) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.persistLocked(ctx, proxy)
}

// persistLocked writes proxy's snapshot row; caller must already hold
// at least a read lock on p.mu (map access is safe, the bbolt write
// itself has its own internal locking).
func (p *Pool) persistLocked(ctx context.Context, proxy *Proxy) error {
	_ = ctx
	proxy.mu.RLock()
	pp := persistedProxy{
		Task: proxy.Task, Cycle: proxy.Cycle, Flows: proxy.Flows.Nums(),
		SubmitNum: proxy.SubmitNum, TryNum: proxy.TryNum, State: proxy.State,
		Held: proxy.Held, WaitAtCompletion: proxy.WaitAtCompletion,
		RuntimeOverlay: proxy.RuntimeOverlay, JobHistory: proxy.JobHistory,
		PrereqAtoms: make(map[string]bool, len(proxy.prereqAtoms)),
		OutputsDone: make(map[string]bool, len(proxy.outputsCompleted)),
	}
	for a, v := range proxy.prereqAtoms {
		pp.PrereqAtoms[atomKey(a)] = v
	}
	for o, v := range proxy.outputsCompleted {
		pp.OutputsDone[string(o)] = v
	}
	key := Key{Task: proxy.Task, Cycle: proxy.Cycle}
	proxy.mu.RUnlock()
	return p.st.PutJSON(store.BucketTaskPool(), poolKeyString(key), pp)
}

func poolKeyString(k Key) string {
	return fmt.Sprintf("%s@%s", k.Task, k.Cycle.String())
}

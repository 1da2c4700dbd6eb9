// Package pool implements the set of active task proxies, their
// prerequisite/output state, and the spawn/remove policy that keeps
// the pool bounded to the runahead window.
//
// Unlike a one-shot run-to-completion DAG execution, proxies are
// long-lived and cyclically re-spawned across cycle points, with flow
// membership tracked per proxy.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/graph"
)

// State is a task proxy's lifecycle state.
type State string

const (
	StateWaiting       State = "waiting"
	StateWaitingRunahead State = "waiting(runahead)"
	StatePreparing     State = "preparing"
	StatePreparingQueued State = "preparing(queued)"
	StateSubmitted     State = "submitted"
	StateRunning       State = "running"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateSubmitFailed  State = "submit-failed"
	StateExpired       State = "expired"
)

// terminal states never revert to a non-terminal state except via an
// explicit command or a new flow instance.
var terminal = map[State]bool{
	StateSucceeded: true, StateFailed: true, StateSubmitFailed: true, StateExpired: true,
}

func (s State) Terminal() bool { return terminal[s] }

// allowed transitions. waiting(runahead) and preparing(queued) are
// sub-states of waiting/preparing for bookkeeping and are included
// under their parent's edges.
var allowed = map[State]map[State]bool{
	StateWaiting:         {StatePreparing: true, StateWaitingRunahead: true, StateExpired: true},
	StateWaitingRunahead: {StateWaiting: true},
	StatePreparing:       {StateSubmitted: true, StatePreparingQueued: true, StateSubmitFailed: true},
	StatePreparingQueued: {StatePreparing: true, StateSubmitted: true, StateSubmitFailed: true},
	StateSubmitted:       {StateRunning: true, StateFailed: true, StateSubmitFailed: true, StateSucceeded: true},
	StateRunning:         {StateSucceeded: true, StateFailed: true},
}

// CanTransition reports whether s2 is reachable from s1 via the normal
// event-driven path (i.e. not via an explicit set/trigger command,
// which is allowed to jump anywhere and is checked separately).
func CanTransition(s1, s2 State) bool {
	return allowed[s1][s2]
}

// FlowSet is a set of flow numbers; the empty set is the "no-flow"
// marker.
type FlowSet map[int]struct{}

func NewFlowSet(nums ...int) FlowSet {
	fs := make(FlowSet, len(nums))
	for _, n := range nums {
		fs[n] = struct{}{}
	}
	return fs
}

func (f FlowSet) IsNoFlow() bool { return len(f) == 0 }

func (f FlowSet) Disjoint(other FlowSet) bool {
	for n := range f {
		if _, ok := other[n]; ok {
			return false
		}
	}
	return true
}

// Union returns a new FlowSet containing every member of f and other.
func (f FlowSet) Union(other FlowSet) FlowSet {
	out := make(FlowSet, len(f)+len(other))
	for n := range f {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

func (f FlowSet) Nums() []int {
	out := make([]int, 0, len(f))
	for n := range f {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// JobAttempt records one (submit-num, try-num) attempt in a proxy's
// job history.
type JobAttempt struct {
	SubmitNum   int
	TryNum      int
	Platform    string
	JobRunner   string
	JobID       string
	SubmitOK    bool
	RunStatus   int
	TimeSubmit  time.Time
	TimeRun     time.Time
	TimeRunExit time.Time
}

// Key identifies a proxy by (task, cycle) — flow-set is tracked inside
// the Proxy because two triggers into overlapping flows merge into one
// Key, or
// merged into a single proxy).
type Key struct {
	Task  string
	Cycle cyclepoint.Point
}

// Proxy is one active task instance.
type Proxy struct {
	mu sync.RWMutex

	Task      string
	Cycle     cyclepoint.Point
	Flows     FlowSet
	SubmitNum int
	TryNum    int
	State     State
	Held      bool
	WaitAtCompletion bool // "--wait": hold downstream spawn until release

	prereqAtoms      map[graph.Atom]bool // atom -> satisfied
	prereqExpr       *graph.Expr
	outputsCompleted map[graph.Output]bool
	declaredOutputs  []graph.OutputDecl
	completionExpr   *graph.Expr

	RuntimeOverlay map[string]string // resolved effective runtime after broadcast merge, set at submit time
	JobHistory     []JobAttempt

	RemovalPending bool
}

func newProxy(task string, cycle cyclepoint.Point, flows FlowSet, def *graph.TaskDef, prereq *graph.Expr) *Proxy {
	p := &Proxy{
		Task:             task,
		Cycle:            cycle,
		Flows:            flows,
		State:            StateWaiting,
		prereqAtoms:      make(map[graph.Atom]bool),
		prereqExpr:       prereq,
		outputsCompleted: make(map[graph.Output]bool),
		declaredOutputs:  def.Outputs,
		completionExpr:   def.Completion,
	}
	if prereq != nil {
		for _, a := range prereq.Atoms() {
			p.prereqAtoms[a] = false
		}
	}
	return p
}

func (p *Proxy) PrereqSatisfied(a graph.Atom) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prereqAtoms[a]
}

// PrereqsHold reports whether the proxy's whole prerequisite expression
// currently evaluates true.
func (p *Proxy) PrereqsHold() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prereqExpr.Eval(func(a graph.Atom) bool { return p.prereqAtoms[a] })
}

func (p *Proxy) OutputDone(o graph.Output) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputsCompleted[o]
}

// CompletionHolds reports whether the proxy's completion expression is
// satisfied. With no explicit completion expression, completion means
// every required output is done.
func (p *Proxy) CompletionHolds() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.completionExpr != nil {
		return p.completionExpr.Eval(func(a graph.Atom) bool { return p.outputsCompleted[a.Output] })
	}
	for _, d := range p.declaredOutputs {
		if d.Required && !p.outputsCompleted[d.Name] {
			return false
		}
	}
	return true
}

// OutputsCompletedSnapshot returns a copy of the completed-outputs set.
func (p *Proxy) OutputsCompletedSnapshot() map[graph.Output]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[graph.Output]bool, len(p.outputsCompleted))
	for k, v := range p.outputsCompleted {
		out[k] = v
	}
	return out
}

func (p *Proxy) snapshotState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State
}

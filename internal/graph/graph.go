// Package graph implements the per-recurrence edge model over task
// definitions, exposing the two hot-path queries the scheduler loop
// needs — children(task, cycle) and parents(task, cycle) — without
// materializing the whole (potentially unbounded) cycle sequence.
//
// Edges are templated once per task pair and resolved against a
// concrete cycle point on demand, rather than a flat per-run DAG,
// since the same edge repeats across every recurrence.
package graph

import (
	"fmt"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
)

// Output names a symbolic completion signal.
type Output string

const (
	OutputSubmitted    Output = "submitted"
	OutputStarted      Output = "started"
	OutputSucceeded    Output = "succeeded"
	OutputFailed       Output = "failed"
	OutputSubmitFailed Output = "submit-failed"
	OutputExpired      Output = "expired"
)

// OutputDecl declares one output of a task, custom or predefined.
type OutputDecl struct {
	Name     Output
	Required bool
}

// TaskDef is the immutable, post-load configuration of one task.
type TaskDef struct {
	Name              string
	Script            string
	Environment       map[string]string
	PlatformSelector  string
	SubmissionRetries []DurationSpec
	ExecutionRetries  []DurationSpec
	ExecutionLimit    DurationSpec
	SubmissionLimit   DurationSpec
	EventHandlers     map[string][]string // event name -> shell templates
	Outputs           []OutputDecl
	Completion        *Expr // boolean formula over outputs; nil = all required outputs
	Recurrences       []cyclepoint.Recurrence
	Queue             string
}

// DurationSpec defers duration parsing concerns to cyclepoint so graph
// stays free of string parsing.
type DurationSpec = cyclepoint.Duration

// Atom is one (task, cycle-offset, output) term of a prerequisite or a
// completion expression. CycleOffset is added to the *dependent* task's
// cycle point to find the referenced task's cycle; zero offset means
// "same cycle". Absolute ("A[^]") prerequisites set Absolute=true and
// are resolved against the workflow's initial cycle point once.
type Atom struct {
	Task        string
	CycleOffset cyclepoint.Duration
	Output      Output
	Absolute    bool
}

// ExprOp is the boolean connective of an Expr node.
type ExprOp int

const (
	OpAtom ExprOp = iota
	OpAnd
	OpOr
)

// Expr is a boolean formula over Atoms: prerequisite expressions and
// completion expressions share this representation.
type Expr struct {
	Op       ExprOp
	Atom     Atom
	Children []*Expr
}

func Leaf(a Atom) *Expr                { return &Expr{Op: OpAtom, Atom: a} }
func And(children ...*Expr) *Expr      { return &Expr{Op: OpAnd, Children: children} }
func Or(children ...*Expr) *Expr       { return &Expr{Op: OpOr, Children: children} }

// Eval evaluates the expression given a predicate telling whether a
// specific atom currently holds.
func (e *Expr) Eval(holds func(Atom) bool) bool {
	if e == nil {
		return true
	}
	switch e.Op {
	case OpAtom:
		return holds(e.Atom)
	case OpAnd:
		for _, c := range e.Children {
			if !c.Eval(holds) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range e.Children {
			if c.Eval(holds) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Atoms returns every leaf atom appearing in the expression.
func (e *Expr) Atoms() []Atom {
	if e == nil {
		return nil
	}
	if e.Op == OpAtom {
		return []Atom{e.Atom}
	}
	var out []Atom
	for _, c := range e.Children {
		out = append(out, c.Atoms()...)
	}
	return out
}

// Edge is a materialized "A:out => B" dependency at a concrete cycle.
type Edge struct {
	FromTask   string
	FromCycle  cyclepoint.Point
	FromOutput Output
	ToTask     string
	ToCycle    cyclepoint.Point
}

// Graph holds the loaded task definitions and exposes the hot-path
// queries used by the task pool and scheduler loop.
type Graph struct {
	tasks        map[string]*TaskDef
	order        []string // deterministic iteration order, load order
	initialCycle cyclepoint.Point
}

func New(initial cyclepoint.Point) *Graph {
	return &Graph{tasks: make(map[string]*TaskDef), initialCycle: initial}
}

// InitialCycle returns the cycle point the graph was constructed with.
func (g *Graph) InitialCycle() cyclepoint.Point { return g.initialCycle }

func (g *Graph) AddTask(t *TaskDef) {
	if _, exists := g.tasks[t.Name]; !exists {
		g.order = append(g.order, t.Name)
	}
	g.tasks[t.Name] = t
}

func (g *Graph) Task(name string) (*TaskDef, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

func (g *Graph) TaskNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Parents returns the prerequisite expression of (task, cycle),
// resolving every relative atom's CycleOffset against cycle. Absolute
// atoms are returned with Absolute set and a zero offset; they are not
// resolved to the initial cycle here (Children does that when looking
// downstream).
func (g *Graph) Parents(taskName string, cycle cyclepoint.Point) (*Expr, error) {
	t, ok := g.tasks[taskName]
	if !ok {
		return nil, fmt.Errorf("graph: unknown task %q", taskName)
	}
	if t.Completion == nil {
		return nil, nil
	}
	return resolveExpr(t.Completion, cycle, g.initialCycle), nil
}

// Children returns every (task, cycle, output) edge whose FromTask is
// taskName at the given cycle — i.e. every downstream task that
// declares a prerequisite atom on (taskName, cycle-relative-offset,
// output) for some output reachable from this instance.
func (g *Graph) Children(taskName string, cycle cyclepoint.Point) []Edge {
	var out []Edge
	for _, childName := range g.order {
		child := g.tasks[childName]
		if child.Completion == nil {
			continue
		}
		for _, atom := range child.Completion.Atoms() {
			if atom.Task != taskName {
				continue
			}
			var childCycle cyclepoint.Point
			if atom.Absolute {
				childCycle = g.initialCycle
			} else {
				// atom.CycleOffset is relative to the child's cycle when
				// looking *up* at the parent; to find the child cycle
				// given the parent cycle we invert the offset.
				inv := cyclepoint.Duration{
					Int:    -atom.CycleOffset.Int,
					Years:  -atom.CycleOffset.Years,
					Months: -atom.CycleOffset.Months,
					Exact:  -atom.CycleOffset.Exact,
				}
				cc, _ := cyclepoint.Add(cycle, inv)
				childCycle = cc
			}
			if !taskExistsAt(child, childCycle) {
				continue
			}
			out = append(out, Edge{
				FromTask:   taskName,
				FromCycle:  cycle,
				FromOutput: atom.Output,
				ToTask:     childName,
				ToCycle:    childCycle,
			})
		}
	}
	return out
}

// taskExistsAt reports whether task t has an instance at cycle,
// i.e. cycle appears in one of its recurrences.
func taskExistsAt(t *TaskDef, cycle cyclepoint.Point) bool {
	for _, rec := range t.Recurrences {
		if cyclepoint.Equal(rec.First(), cycle) {
			return true
		}
		if _, ok := rec.Next(prevInstant(cycle)); ok {
			for c, ok2 := rec.Next(prevInstant(cycle)); ok2; c, ok2 = rec.Next(c) {
				if cyclepoint.Equal(c, cycle) {
					return true
				}
				if cyclepoint.Less(cycle, c) {
					break
				}
			}
		}
	}
	return false
}

func prevInstant(p cyclepoint.Point) cyclepoint.Point {
	if !p.IsDateTime {
		return cyclepoint.Point{IsDateTime: false, Int: p.Int - 1}
	}
	q, _ := cyclepoint.Add(p, cyclepoint.Duration{Exact: -1})
	return q
}

func resolveExpr(e *Expr, cycle, initial cyclepoint.Point) *Expr {
	if e == nil {
		return nil
	}
	if e.Op == OpAtom {
		a := e.Atom
		if a.Absolute {
			a.CycleOffset = cyclepoint.Duration{}
			return Leaf(Atom{Task: a.Task, Output: a.Output, Absolute: true})
		}
		resolvedCycle, _ := cyclepoint.Add(cycle, a.CycleOffset)
		_ = initial
		return Leaf(Atom{Task: a.Task, Output: a.Output, CycleOffset: cyclepoint.Sub(resolvedCycle, cycle)})
	}
	children := make([]*Expr, len(e.Children))
	for i, c := range e.Children {
		children[i] = resolveExpr(c, cycle, initial)
	}
	return &Expr{Op: e.Op, Children: children}
}

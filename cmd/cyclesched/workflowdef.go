package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/graph"
)

// workflowDoc is the on-disk shape of an already-resolved workflow
// definition: plain task/dependency data, not a templating language.
// Graph DSL expansion (parameterized tasks, Jinja2-style templating,
// family inheritance) is out of scope here; by the time a document
// reaches this loader its tasks and recurrences are already concrete.
type workflowDoc struct {
	InitialCycle string          `json:"initial_cycle_point"`
	CalendarMode string          `json:"calendar"`
	Tasks        []taskDoc       `json:"tasks"`
}

type taskDoc struct {
	Name             string              `json:"name"`
	Script           string              `json:"script"`
	Environment      map[string]string   `json:"environment"`
	PlatformSelector string              `json:"platform"`
	Queue            string              `json:"queue"`
	Outputs          []outputDoc         `json:"outputs"`
	Prerequisites    []atomDoc           `json:"prerequisites"` // ANDed into the task's Completion expression; no OR form
	Recurrences      []recurrenceDoc     `json:"recurrences"`
}

type outputDoc struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type atomDoc struct {
	Task        string `json:"task"`
	CycleOffset string `json:"cycle_offset"` // ISO-8601 duration, e.g. "-P1D"; "" = same cycle
	Output      string `json:"output"`
	Absolute    bool   `json:"absolute"`
}

type recurrenceDoc struct {
	Offset string `json:"offset"`
	Period string `json:"period"`
	Final  string `json:"final"`
}

func loadWorkflow(path string) (*graph.Graph, cyclepoint.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cyclepoint.Point{}, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	var doc workflowDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cyclepoint.Point{}, fmt.Errorf("parse workflow definition %s: %w", path, err)
	}

	cal := calendarFromString(doc.CalendarMode)
	initial, err := parseEitherCycle(doc.InitialCycle, cal)
	if err != nil {
		return nil, cyclepoint.Point{}, fmt.Errorf("initial cycle point: %w", err)
	}

	g := graph.New(initial)
	for _, t := range doc.Tasks {
		def, err := buildTaskDef(t, initial)
		if err != nil {
			return nil, cyclepoint.Point{}, fmt.Errorf("task %s: %w", t.Name, err)
		}
		g.AddTask(def)
	}
	return g, initial, nil
}

// reloadWorkflow re-reads the workflow definition file and folds every
// task back into g via AddTask, which updates an existing task's
// definition in place and appends new ones. Tasks removed from the
// file are left as stale definitions rather than deleted, since
// in-flight proxies may still reference them. The initial cycle point
// is fixed for the life of a run and is not re-read here.
func reloadWorkflow(path string, g *graph.Graph) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	var doc workflowDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse workflow definition %s: %w", path, err)
	}
	initial := g.InitialCycle()
	for _, t := range doc.Tasks {
		def, err := buildTaskDef(t, initial)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
		g.AddTask(def)
	}
	return nil
}

func buildTaskDef(t taskDoc, initial cyclepoint.Point) (*graph.TaskDef, error) {
	def := &graph.TaskDef{
		Name: t.Name, Script: t.Script, Environment: t.Environment,
		PlatformSelector: t.PlatformSelector, Queue: t.Queue,
	}
	for _, o := range t.Outputs {
		def.Outputs = append(def.Outputs, graph.OutputDecl{Name: graph.Output(o.Name), Required: o.Required})
	}

	var leaves []*graph.Expr
	for _, a := range t.Prerequisites {
		atom, err := buildAtom(a)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, graph.Leaf(atom))
	}
	if len(leaves) > 0 {
		def.Completion = graph.And(leaves...)
	}

	for _, r := range t.Recurrences {
		rec, err := buildRecurrence(r, initial)
		if err != nil {
			return nil, err
		}
		def.Recurrences = append(def.Recurrences, rec)
	}
	return def, nil
}

func buildAtom(a atomDoc) (graph.Atom, error) {
	var offset cyclepoint.Duration
	if a.CycleOffset != "" {
		d, err := cyclepoint.ParseISODuration(a.CycleOffset)
		if err != nil {
			return graph.Atom{}, fmt.Errorf("prerequisite cycle offset %q: %w", a.CycleOffset, err)
		}
		offset = d
	}
	return graph.Atom{Task: a.Task, CycleOffset: offset, Output: graph.Output(a.Output), Absolute: a.Absolute}, nil
}

func buildRecurrence(r recurrenceDoc, initial cyclepoint.Point) (cyclepoint.Recurrence, error) {
	rec := cyclepoint.Recurrence{Initial: initial}
	if r.Offset != "" {
		d, err := cyclepoint.ParseISODuration(r.Offset)
		if err != nil {
			return rec, fmt.Errorf("recurrence offset %q: %w", r.Offset, err)
		}
		rec.Offset = d
	}
	if r.Period != "" {
		d, err := cyclepoint.ParseISODuration(r.Period)
		if err != nil {
			return rec, fmt.Errorf("recurrence period %q: %w", r.Period, err)
		}
		rec.Period = d
	}
	if r.Final != "" {
		p, err := parseEitherCycle(r.Final, initial.Calendar)
		if err != nil {
			return rec, fmt.Errorf("recurrence final %q: %w", r.Final, err)
		}
		rec.Final = &p
	}
	return rec, nil
}

func parseEitherCycle(s string, cal cyclepoint.Calendar) (cyclepoint.Point, error) {
	if p, err := cyclepoint.ParseInt(s); err == nil {
		return p, nil
	}
	return cyclepoint.ParseDateTime(s, cal)
}

func calendarFromString(s string) cyclepoint.Calendar {
	switch s {
	case "360day":
		return cyclepoint.Calendar360Day
	case "365day":
		return cyclepoint.Calendar365Day
	default:
		return cyclepoint.CalendarGregorian
	}
}

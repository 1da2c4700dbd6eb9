// Package events implements dispatch of shell event handlers on task
// state-change/output events, bounded by a worker pool so a burst of
// simultaneous failures can't fork-bomb the host.
//
// Handlers are per-task, per-event shell command templates resolved at
// dispatch time, not a fixed notification list, and run through the
// same bounded-pool shape job execution itself uses.
package events

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Args is the fixed substitution set available to a handler's shell
// template: %(task)s, %(cycle)s, %(flow)s, %(id)s,
// %(submit_num)s, %(message)s, %(event)s.
type Args struct {
	Task      string
	Cycle     string
	Flow      string
	ID        string
	SubmitNum int
	Message   string
	Event     string
}

// Expand substitutes every %(name)s placeholder in template with the
// corresponding field of a, leaving unknown placeholders untouched so
// a typo surfaces as a visibly broken command rather than a silent
// swallow.
func Expand(template string, a Args) string {
	r := strings.NewReplacer(
		"%(task)s", a.Task,
		"%(cycle)s", a.Cycle,
		"%(flow)s", a.Flow,
		"%(id)s", a.ID,
		"%(submit_num)s", fmt.Sprintf("%d", a.SubmitNum),
		"%(message)s", a.Message,
		"%(event)s", a.Event,
	)
	return r.Replace(template)
}

// Handler is one configured shell command template, scoped to the
// events it fires on.
type Handler struct {
	Command string
	Events  []string // e.g. "failed", "retry", "succeeded"; empty means all events
	Timeout time.Duration
}

func (h Handler) firesOn(event string) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Dispatcher runs matching handlers through a bounded worker pool,
// logging failures rather than propagating them — an event handler's
// job is side-effecting notification, not something the scheduler loop
// can usefully retry inline.
type Dispatcher struct {
	handlers map[string][]Handler // task name -> handlers; "" key = workflow-wide
	sem      chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
	runCmd   func(ctx context.Context, shell string) ([]byte, error)
}

// NewDispatcher builds a dispatcher whose worker pool is bounded to
// poolSize concurrent handler invocations.
func NewDispatcher(poolSize int, logger *slog.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		sem:      make(chan struct{}, poolSize),
		logger:   logger,
		runCmd:   runShell,
	}
}

// RegisterTask installs the handler list for a specific task name.
func (d *Dispatcher) RegisterTask(task string, handlers []Handler) {
	d.handlers[task] = handlers
}

// RegisterWorkflow installs handlers that fire for every task's
// matching events, in addition to any task-specific ones.
func (d *Dispatcher) RegisterWorkflow(handlers []Handler) {
	d.handlers[""] = handlers
}

// Fire dispatches every handler registered for task and "" (workflow
// scope) whose Events list includes event, substituting args into each
// handler's command template. Each handler runs in its own goroutine;
// Fire blocks while the worker pool is full and returns once every
// matched handler has been started.
func (d *Dispatcher) Fire(ctx context.Context, task, event string, args Args) {
	var matched []Handler
	matched = append(matched, filterEvent(d.handlers[task], event)...)
	matched = append(matched, filterEvent(d.handlers[""], event)...)

	for _, h := range matched {
		h := h
		d.wg.Add(1)
		d.sem <- struct{}{}
		go func() {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.run(ctx, h, args)
		}()
	}
}

func filterEvent(hs []Handler, event string) []Handler {
	var out []Handler
	for _, h := range hs {
		if h.firesOn(event) {
			out = append(out, h)
		}
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, h Handler, args Args) {
	shell := Expand(h.Command, args)
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.runCmd(runCtx, shell)
	if err != nil {
		d.logger.Warn("event handler failed", "task", args.Task, "event", args.Event, "command", shell, "error", err, "output", string(out))
	}
}

// Wait blocks until every in-flight handler invocation has returned;
// used during graceful shutdown so a stop doesn't orphan handlers.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func runShell(ctx context.Context, shell string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shell)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

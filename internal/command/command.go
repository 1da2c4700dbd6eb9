// Package command implements the scheduler's command dispatcher —
// hold/release/trigger/set/kill/poll/remove/reload/pause/play/stop/
// broadcast/ext-trigger — with idempotency keys and ack-after-flush
// semantics.
//
// Every command follows the same shape regardless of verb: record
// intent, apply it under the scheduler's own goroutine, then ack once
// durable.
package command

import (
	"context"
	"fmt"
	"sync"
)

// Kind enumerates the accepted command verbs.
type Kind string

const (
	KindHold       Kind = "hold"
	KindRelease    Kind = "release"
	KindTrigger    Kind = "trigger"
	KindSet        Kind = "set"
	KindKill       Kind = "kill"
	KindPoll       Kind = "poll"
	KindRemove     Kind = "remove"
	KindReload     Kind = "reload"
	KindPause      Kind = "pause"
	KindPlay       Kind = "play"
	KindStop       Kind = "stop"
	KindBroadcast  Kind = "broadcast"
	KindExtTrigger Kind = "ext_trigger"
)

// StopMode distinguishes the three stop variants: a plain stop lets in-flight work finish; --now stops
// without waiting for running jobs (they are left running, not killed)
// but still flushes a final snapshot; --now --now drops even the
// pending reload/shutdown bookkeeping and exits immediately.
type StopMode int

const (
	StopGraceful StopMode = iota
	StopNow
	StopNowNow
)

// Command is one dispatched request. Args carries verb-specific
// parameters as a flat map to keep the dispatcher itself free of a
// per-verb argument struct explosion; each applier below documents the
// keys it reads.
type Command struct {
	ID             string // idempotency key: the same ID applied twice is a no-op the second time
	Kind           Kind
	Args           map[string]string
	StopMode       StopMode
	ResultCh       chan error // closed once Apply finishes, after receiving the error if it failed; nil for fire-and-forget
}

// Applier performs the side effect of one command kind against the
// live scheduler state (pool, broadcast overlay, jobs manager, ...).
// Returning nil means the command was applied and is safe to
// acknowledge; the dispatcher handles durability (event log append)
// around the call.
type Applier func(ctx context.Context, cmd Command) error

// Dispatcher serializes command application through a single queue so
// that two commands never race on pool/broadcast state, and tracks
// applied idempotency keys so a redelivered command (e.g. a client
// retry after a dropped ack) is a safe no-op.
type Dispatcher struct {
	mu       sync.Mutex
	appliers map[Kind]Applier
	applied  map[string]bool // idempotency keys already durably applied
	queue    chan Command

	// pendingOnRestart tracks commands accepted but not yet flushed;
	// these are dropped (not replayed) if the process restarts before
	// they're durably applied, since a command re-sent by its
	// originator after a restart is
	// indistinguishable from a fresh one.
	pendingOnRestart map[string]Command
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		appliers:         make(map[Kind]Applier),
		applied:          make(map[string]bool),
		queue:            make(chan Command, 128),
		pendingOnRestart: make(map[string]Command),
	}
}

// Register installs the applier for a command kind. Call once per kind
// during scheduler wiring, before the dispatch loop starts.
func (d *Dispatcher) Register(kind Kind, fn Applier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appliers[kind] = fn
}

// Submit enqueues cmd for application on the dispatcher's single
// consumer goroutine (normally the scheduler loop itself, via Drain).
// It does not block on application; callers that need an ack should
// set ResultCh and read from it.
func (d *Dispatcher) Submit(cmd Command) error {
	select {
	case d.queue <- cmd:
		d.mu.Lock()
		d.pendingOnRestart[cmd.ID] = cmd
		d.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("command: dispatch queue full")
	}
}

// Drain pulls every currently queued command without blocking, for the
// scheduler loop's per-iteration command-priority phase.
func (d *Dispatcher) Drain() []Command {
	var out []Command
	for {
		select {
		case c := <-d.queue:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Apply runs the registered applier for cmd, enforcing the idempotency
// key and clearing the command from pendingOnRestart once durably
// applied. The scheduler loop appends the command to the event log
// before calling Apply. The set of applied keys lives in memory only,
// so it guards against redelivery within one run; commands are not
// replayed on restart (pending ones are dropped at startup).
func (d *Dispatcher) Apply(ctx context.Context, cmd Command) error {
	d.mu.Lock()
	if cmd.ID != "" && d.applied[cmd.ID] {
		d.mu.Unlock()
		if cmd.ResultCh != nil {
			close(cmd.ResultCh)
		}
		return nil
	}
	fn, ok := d.appliers[cmd.Kind]
	d.mu.Unlock()
	if !ok {
		err := fmt.Errorf("command: no applier registered for %s", cmd.Kind)
		if cmd.ResultCh != nil {
			cmd.ResultCh <- err
			close(cmd.ResultCh)
		}
		return err
	}

	err := fn(ctx, cmd)
	d.mu.Lock()
	if err == nil && cmd.ID != "" {
		d.applied[cmd.ID] = true
		delete(d.pendingOnRestart, cmd.ID)
	}
	d.mu.Unlock()

	if cmd.ResultCh != nil {
		if err != nil {
			cmd.ResultCh <- err
		}
		close(cmd.ResultCh)
	}
	return err
}

// DropPending clears every command accepted but not yet applied,
// called once at startup before any restart-replay logic runs, per the
// "pending commands are dropped on restart" decision.
func (d *Dispatcher) DropPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.pendingOnRestart)
	d.pendingOnRestart = make(map[string]Command)
	return n
}

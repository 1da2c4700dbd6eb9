// Package scheduler implements the main control loop: it drains
// command/message/job-status/external-trigger ingress in priority
// order, advances the task pool against the runahead horizon, hands
// ready work to the job lifecycle manager, fires event handlers on
// state transitions, and periodically flushes a durable snapshot.
//
// The loop runs continuously over a select across several ingress
// sources with its own internal priority order, rather than being
// triggered by an external recurrence schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cyclesched/internal/broadcast"
	"github.com/swarmguard/cyclesched/internal/command"
	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/events"
	"github.com/swarmguard/cyclesched/internal/graph"
	"github.com/swarmguard/cyclesched/internal/jobs"
	"github.com/swarmguard/cyclesched/internal/messages"
	"github.com/swarmguard/cyclesched/internal/pool"
	"github.com/swarmguard/cyclesched/internal/store"
	"github.com/swarmguard/cyclesched/internal/timers"
)

// StopState tracks a pending shutdown request across loop iterations.
type StopState struct {
	Requested bool
	Mode      command.StopMode
}

// Scheduler owns one running workflow instance: the pool, graph,
// store, broadcast overlay, job manager, message queue, command
// dispatcher, and event dispatcher, wired together by the main loop.
type Scheduler struct {
	graph     *graph.Graph
	pool      *pool.Pool
	st        *store.Store
	overlay   *broadcast.Overlay
	jobsMgr   *jobs.Manager
	msgQueue  *messages.Queue
	cmds      *command.Dispatcher
	evtDisp   *events.Dispatcher
	timerWheel *timers.Wheel

	logger *slog.Logger
	tracer trace.Tracer

	pollInterval time.Duration
	snapshotEvery time.Duration

	stop StopState

	iterations    metric.Int64Counter
	stallDetector *stallDetector
}

// Config bundles dependencies the scheduler doesn't construct itself.
type Config struct {
	Graph         *graph.Graph
	Pool          *pool.Pool
	Store         *store.Store
	Overlay       *broadcast.Overlay
	Jobs          *jobs.Manager
	Messages      *messages.Queue
	Commands      *command.Dispatcher
	Events        *events.Dispatcher
	PollInterval  time.Duration
	SnapshotEvery time.Duration
}

func New(cfg Config, meter metric.Meter, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	iterations, _ := meter.Int64Counter("cyclesched_scheduler_iterations_total")
	return &Scheduler{
		graph: cfg.Graph, pool: cfg.Pool, st: cfg.Store, overlay: cfg.Overlay,
		jobsMgr: cfg.Jobs, msgQueue: cfg.Messages, cmds: cfg.Commands, evtDisp: cfg.Events,
		timerWheel: timers.NewWheel(), logger: logger, tracer: otel.Tracer("cyclesched"),
		pollInterval: cfg.PollInterval, snapshotEvery: cfg.SnapshotEvery,
		iterations: iterations, stallDetector: newStallDetector(5 * time.Minute),
	}
}

// RequestStop records a stop command's mode; the main loop checks this
// flag at the top of each iteration:
//   - StopGraceful: stop spawning new work, let in-flight jobs finish,
//     exit once the pool is empty of active (non-terminal) proxies.
//   - StopNow: exit after the current iteration without waiting for
//     running jobs (they are left running, not killed), still flushing
//     a final snapshot before exiting.
//   - StopNowNow: exit immediately without flushing, dropping any
//     commands accepted but not yet applied.
func (s *Scheduler) RequestStop(mode command.StopMode) {
	s.stop = StopState{Requested: true, Mode: mode}
}

// Run drives the main loop until ctx is canceled or a stop command
// resolves to full shutdown. It implements a nine-phase iteration
// order:
//  1. check stop state
//  2. drain commands (highest ingress priority)
//  3. drain messages
//  4. drain job-status outcomes
//  5. drain fired xtrigger/retry timers
//  6. readiness scan + runahead-bounded spawn
//  7. hand off ready batches to the job manager
//  8. drop proxies that completed and are no longer needed
//  9. periodic snapshot flush
func (s *Scheduler) Run(ctx context.Context) error {
	snapshotTicker := time.NewTicker(s.snapshotEvery)
	defer snapshotTicker.Stop()
	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	for {
		if s.stop.Requested && s.stop.Mode == command.StopNowNow {
			s.cmds.DropPending()
			return nil
		}

		select {
		case <-ctx.Done():
			if s.stop.Mode != command.StopNowNow {
				s.flushSnapshot(ctx)
			}
			return ctx.Err()
		default:
		}

		s.runIteration(ctx)
		s.iterations.Add(ctx, 1)

		if s.stop.Requested && s.stop.Mode != command.StopGraceful {
			s.flushSnapshot(ctx)
			return nil
		}
		if s.stop.Requested && s.allProxiesTerminal() {
			s.flushSnapshot(ctx)
			return nil
		}

		wait, hasTimer := s.timerWheel.Next(time.Now())
		if !hasTimer || wait > 200*time.Millisecond {
			wait = 200 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			continue
		case <-time.After(wait):
		case <-snapshotTicker.C:
			s.flushSnapshot(ctx)
		case <-pollTicker.C:
			s.pollOutstandingJobs(ctx)
		}
	}
}

func (s *Scheduler) runIteration(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.iteration")
	defer span.End()

	s.drainCommands(ctx)
	s.drainMessages(ctx)
	s.drainJobOutcomes(ctx)
	s.drainTimers(ctx)

	if !s.stop.Requested {
		ready := s.readinessScan(ctx)
		if len(ready) > 0 {
			s.stallDetector.recordProgress()
			s.dispatchReady(ctx, ready)
		} else if s.stallDetector.stalled() {
			s.logger.Warn("scheduler: no progress for extended period, possible stall", "pool_size", len(s.pool.All()))
		}
	}
	s.removeCompleted(ctx)
}

// removeCompleted drops every proxy whose removal policy now permits
// it, keeping the pool bounded to the active window instead of
// growing without limit as cycles advance.
func (s *Scheduler) removeCompleted(ctx context.Context) {
	for _, proxy := range s.pool.All() {
		if !s.pool.ReadyToRemove(proxy, true) {
			continue
		}
		key := pool.Key{Task: proxy.Task, Cycle: proxy.Cycle}
		if err := s.pool.Remove(ctx, key); err != nil {
			s.logger.Warn("scheduler: remove completed proxy failed", "task", proxy.Task, "cycle", proxy.Cycle.String(), "error", err)
		}
	}
}

// drainCommands applies every queued command; commands are the
// highest-priority ingress source.
func (s *Scheduler) drainCommands(ctx context.Context) {
	for _, cmd := range s.cmds.Drain() {
		if cmd.Kind == command.KindStop {
			s.RequestStop(cmd.StopMode)
		}
		loggable := struct {
			ID       string
			Kind     command.Kind
			Args     map[string]string
			StopMode command.StopMode
		}{cmd.ID, cmd.Kind, cmd.Args, cmd.StopMode}
		if _, err := s.st.AppendEvents(ctx, store.EventCommand, loggable); err != nil {
			s.logger.Error("scheduler: failed to log command before apply", "error", err)
			continue
		}
		if err := s.cmds.Apply(ctx, cmd); err != nil {
			s.logger.Warn("scheduler: command application failed", "kind", cmd.Kind, "error", err)
		}
	}
}

// drainMessages folds every pending message into pool state: an output
// message completes an output and propagates Satisfy to dependents; a
// severity message is just logged.
func (s *Scheduler) drainMessages(ctx context.Context) {
	for _, msg := range s.msgQueue.Drain() {
		if msg.Output == "" {
			s.logger.Info("task message", "task", msg.Task, "severity", msg.Severity, "text", msg.Text)
			continue
		}
		cycle, err := parseCycleKey(msg.CycleKey)
		if err != nil {
			s.logger.Error("scheduler: unparseable cycle key in message", "cycle_key", msg.CycleKey)
			continue
		}
		key := pool.Key{Task: msg.Task, Cycle: cycle}
		if _, ok := s.pool.Get(key); !ok {
			continue
		}
		output := graph.Output(msg.Output)
		if messages.NormalizeSeverity(msg.Severity) == messages.SeverityCritical {
			output = graph.OutputFailed
		}
		if err := s.pool.CompleteOutput(ctx, key, output); err != nil {
			s.logger.Warn("scheduler: complete_output from message failed", "task", msg.Task, "error", err)
			continue
		}
		s.propagateOutput(ctx, key, output)
	}
}

// drainJobOutcomes folds job manager outcomes back into pool state,
// enforcing the three-source reconciliation rule at the Manager level
// before anything here touches the pool.
func (s *Scheduler) drainJobOutcomes(ctx context.Context) {
	for {
		select {
		case out, ok := <-s.jobsMgr.Events():
			if !ok {
				return
			}
			s.applyJobOutcome(ctx, out)
		default:
			return
		}
	}
}

func (s *Scheduler) applyJobOutcome(ctx context.Context, out jobs.Outcome) {
	key := jobs.JobKey{Task: out.Task, CycleKey: out.CycleKey, SubmitNum: out.SubmitNum}
	if !s.jobsMgr.ReconcileStatus(key, out.Phase, out.RunStatus, out.Source) {
		return
	}
	cycle, err := parseCycleKey(out.CycleKey)
	if err != nil {
		s.logger.Error("scheduler: unparseable cycle key in job outcome", "cycle_key", out.CycleKey)
		return
	}
	pkey := pool.Key{Task: out.Task, Cycle: cycle}

	var state pool.State
	var output graph.Output
	switch out.Phase {
	case jobs.PhaseSubmitted:
		state, output = pool.StateSubmitted, graph.OutputSubmitted
	case jobs.PhaseRunning:
		state, output = pool.StateRunning, graph.OutputStarted
	case jobs.PhaseSucceeded:
		state, output = pool.StateSucceeded, graph.OutputSucceeded
	case jobs.PhaseFailed:
		state, output = pool.StateFailed, graph.OutputFailed
	default:
		return
	}
	if out.Err != nil {
		state = pool.StateSubmitFailed
		output = graph.OutputSubmitFailed
	}

	if err := s.pool.Transition(ctx, pkey, state, true); err != nil {
		s.logger.Warn("scheduler: pool transition from job outcome failed", "error", err)
	}
	if err := s.pool.CompleteOutput(ctx, pkey, output); err != nil {
		s.logger.Warn("scheduler: complete_output from job outcome failed", "error", err)
		return
	}
	s.fireEvent(ctx, out.Task, string(output), pkey)
	s.propagateOutput(ctx, pkey, output)

	if state.Terminal() && out.Err != nil {
		s.scheduleRetry(pkey, out)
	}
}

// propagateOutput spawns any downstream proxy that becomes reachable
// for the first time, then satisfies the corresponding atom on every
// dependent proxy in the pool (the just-spawned ones included), and
// lets the next readiness scan pick up anything newly ready.
func (s *Scheduler) propagateOutput(ctx context.Context, key pool.Key, output graph.Output) {
	s.spawnChildren(ctx, key, output)
	atom := graph.Atom{Task: key.Task, Output: output}
	if _, err := s.pool.Satisfy(ctx, atom); err != nil {
		s.logger.Warn("scheduler: satisfy failed", "task", key.Task, "output", output, "error", err)
	}
}

// spawnChildren walks the graph's downstream edges from (key, output)
// and spawns the child proxy at each reachable cycle, carrying the
// parent's flow membership forward. Spawn merges into an
// already-existing proxy rather than duplicating it, so this is safe
// to call on every output completion, not just the first.
func (s *Scheduler) spawnChildren(ctx context.Context, key pool.Key, output graph.Output) {
	parent, ok := s.pool.Get(key)
	if !ok {
		return
	}
	for _, edge := range s.graph.Children(key.Task, key.Cycle) {
		if edge.FromOutput != output {
			continue
		}
		if !s.pool.Within(key.Cycle, edge.ToCycle) {
			continue
		}
		if _, err := s.pool.Spawn(ctx, edge.ToTask, edge.ToCycle, parent.Flows); err != nil {
			s.logger.Warn("scheduler: spawn child failed", "task", edge.ToTask, "cycle", edge.ToCycle.String(), "error", err)
		}
	}
}

func (s *Scheduler) fireEvent(ctx context.Context, task, event string, key pool.Key) {
	s.evtDisp.Fire(ctx, task, event, events.Args{
		Task: task, Cycle: key.Cycle.String(), Event: event,
	})
}

// scheduleRetry installs a retry timer 30 seconds out; the configured
// submission and execution retry delay lists are not consulted. It is
// called only for terminal outcomes that carry an error (submission
// failures); a job that runs and fails is not retried. A retry keeps the
// proxy's existing flow-set, including the empty (no-flow) set, rather
// than forcing a retry back into a flow.
func (s *Scheduler) scheduleRetry(key pool.Key, out jobs.Outcome) {
	delay := 30 * time.Second
	timerKey := fmt.Sprintf("retry:%s@%s:%d", key.Task, key.Cycle.String(), out.SubmitNum)
	s.timerWheel.Schedule(timerKey, time.Now().Add(delay), key)
}

// drainTimers fires every expired retry/xtrigger timer.
func (s *Scheduler) drainTimers(ctx context.Context) {
	for _, t := range s.timerWheel.Drain(time.Now()) {
		if key, ok := t.Payload.(pool.Key); ok {
			if err := s.pool.Transition(ctx, key, pool.StateWaiting, true); err != nil {
				s.logger.Warn("scheduler: retry re-arm failed", "error", err)
			}
		}
	}
}

// readinessScan walks every waiting, non-held proxy already in the
// pool whose prerequisites hold, returning it as ready for submission.
// New proxies enter the pool separately, via spawnChildren on output
// completion and seedInitialCycle at startup/reload; Within bounds
// those spawns to the runahead horizon so the pool never grows
// unbounded ahead of real time.
func (s *Scheduler) readinessScan(ctx context.Context) []*pool.Proxy {
	var ready []*pool.Proxy
	for _, proxy := range s.pool.All() {
		if proxy.Held {
			continue
		}
		st := proxy.State
		if st != pool.StateWaiting && st != pool.StateWaitingRunahead {
			continue
		}
		if !proxy.PrereqsHold() {
			continue
		}
		ready = append(ready, proxy)
	}
	return ready
}

// dispatchReady transitions each ready proxy to preparing, resolves
// its effective runtime via the broadcast overlay, batches the
// resulting submissions, and hands them to the job manager.
func (s *Scheduler) dispatchReady(ctx context.Context, ready []*pool.Proxy) {
	var reqs []jobs.SubmitRequest
	for _, proxy := range ready {
		key := pool.Key{Task: proxy.Task, Cycle: proxy.Cycle}
		if err := s.pool.Transition(ctx, key, pool.StatePreparing, false); err != nil {
			s.logger.Warn("scheduler: transition to preparing failed", "error", err)
			continue
		}
		def, ok := s.graph.Task(proxy.Task)
		if !ok {
			continue
		}
		overlay := s.overlay.Resolve(proxy.Task, proxy.Cycle)
		env := mergeEnv(def.Environment, overlay)
		reqs = append(reqs, jobs.SubmitRequest{
			Task: proxy.Task, CycleKey: proxy.Cycle.String(), SubmitNum: proxy.SubmitNum + 1,
			Environment: env, Script: def.Script, PlatformName: def.PlatformSelector,
		})
	}
	for _, batch := range jobs.Batches(reqs, 50) {
		s.jobsMgr.SubmitBatch(ctx, batch)
	}
}

// parseCycleKey recovers a cyclepoint.Point from the opaque string key
// carried on messages and job outcomes, trying integer cycling first
// since it's the cheaper, more common case in test workflows.
func parseCycleKey(s string) (cyclepoint.Point, error) {
	if cycle, err := cyclepoint.ParseInt(s); err == nil {
		return cycle, nil
	}
	return cyclepoint.ParseDateTime(s, cyclepoint.CalendarGregorian)
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// pollOutstandingJobs fires on the poll ticker and asks the job
// manager to refresh status for every job it still considers
// non-terminal; results land asynchronously on jobsMgr.Events() and
// are folded back in by drainJobOutcomes on the next iteration.
func (s *Scheduler) pollOutstandingJobs(ctx context.Context) {
	if keys := s.jobsMgr.OutstandingJobKeys(); len(keys) > 0 {
		s.jobsMgr.Poll(ctx, keys)
	}
}

func (s *Scheduler) allProxiesTerminal() bool {
	for _, p := range s.pool.All() {
		if !p.State.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) flushSnapshot(ctx context.Context) {
	if err := s.st.SetParam("last_flush", time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("scheduler: snapshot flush failed", "error", err)
	}
}

// stallDetector tracks whether the scheduler has made forward progress
// (found ready proxies and dispatched them) within a trailing window, for
// operator-visible stall warnings.
type stallDetector struct {
	window       time.Duration
	lastProgress time.Time
}

func newStallDetector(window time.Duration) *stallDetector {
	return &stallDetector{window: window, lastProgress: time.Now()}
}

func (d *stallDetector) recordProgress() { d.lastProgress = time.Now() }
func (d *stallDetector) stalled() bool   { return time.Since(d.lastProgress) > d.window }

// Package jobs implements the job lifecycle manager: it batches ready
// task instances, submits them to a platform driver, polls and
// reconciles job status from up to three authoritative sources, and
// retries submission failures on the configured submission delay
// schedule. The execution retry delays are stored on the Manager but
// not applied: a failed job is not resubmitted from here.
//
// Submission fans out across platforms/hosts through a pluggable
// Driver interface and internal/platform, backed by the retry and
// rate-limiting primitives in internal/resilience.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/cyclesched/internal/errs"
	"github.com/swarmguard/cyclesched/internal/platform"
	"github.com/swarmguard/cyclesched/internal/resilience"
)

// Driver is the pluggable job-platform backend: prepare builds the
// submission payload, submit hands it to the platform, poll asks for
// current status, kill requests cancellation. Implementations talk to
// a real batch system (Slurm, PBS, a container scheduler, ...); none
// is bundled here since the spec treats the platform boundary as
// opaque.
type Driver interface {
	Prepare(ctx context.Context, req SubmitRequest) (Payload, error)
	Submit(ctx context.Context, host string, payload Payload) (JobID, error)
	Poll(ctx context.Context, host string, id JobID) (Status, error)
	Kill(ctx context.Context, host string, id JobID) error
}

type Payload struct {
	Script      string
	Environment map[string]string
}

type JobID string

// Status is the outcome poll reports, one of the four Phase values;
// RunStatus carries the exit code once terminal.
type Status struct {
	Phase     Phase
	RunStatus int
}

type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// SubmitRequest describes one task instance ready to run.
type SubmitRequest struct {
	Task        string
	CycleKey    string // opaque key the caller uses to correlate callbacks
	SubmitNum   int
	Environment map[string]string
	Script      string
	PlatformName string
}

// Outcome is emitted on the manager's Events channel whenever a job's
// authoritative state changes, for the scheduler to fold back into the
// pool and state store.
type Outcome struct {
	Task      string
	CycleKey  string
	SubmitNum int
	JobID     JobID
	Host      string
	Phase     Phase
	RunStatus int
	Source    string // "submit", "poll" or "kill" for outcomes this manager emits; not ranked by ReconcileStatus
	Err       error
}

// Manager batches submissions, drives them through a platform's hosts
// with retry/circuit-breaking, and reconciles status reports: once a
// job's phase is terminal, no later report from any source changes it.
type Manager struct {
	driver   Driver
	registry *platform.Registry
	events   chan Outcome

	batchCap int // maximum tasks per submission batch

	submissionDelays []time.Duration
	executionDelays  []time.Duration
	submitLimiter    *resilience.RateLimiter

	jobStates map[JobKey]*jobRecord

	submitCounter metric.Int64Counter
	failCounter   metric.Int64Counter
}

type JobKey struct {
	Task      string
	CycleKey  string
	SubmitNum int
}

type jobRecord struct {
	req       SubmitRequest
	host      string
	jobID     JobID
	phase     Phase
	terminal  bool
}

// Config bundles the manager's tunables: batching policy, submission
// retry delays, execution retry delays, and rate-limit knobs.
type Config struct {
	BatchCap              int
	SubmissionRetryDelays []time.Duration
	ExecutionRetryDelays  []time.Duration
	RateLimitPerSecond    float64
	RateLimitBurst        int64
}

func NewManager(driver Driver, registry *platform.Registry, cfg Config, meter metric.Meter) *Manager {
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = 50
	}
	submitCounter, _ := meter.Int64Counter("cyclesched_jobs_submitted_total")
	failCounter, _ := meter.Int64Counter("cyclesched_jobs_failed_total")
	return &Manager{
		driver:           driver,
		registry:         registry,
		events:           make(chan Outcome, 256),
		batchCap:         cfg.BatchCap,
		submissionDelays: cfg.SubmissionRetryDelays,
		executionDelays:  cfg.ExecutionRetryDelays,
		submitLimiter:    resilience.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerSecond, time.Second, int64(cfg.RateLimitPerSecond)),
		jobStates:        make(map[JobKey]*jobRecord),
	}
}

// Events exposes the channel the scheduler loop selects on to learn
// about job lifecycle transitions.
func (m *Manager) Events() <-chan Outcome { return m.events }

// Batches splits ready into balanced groups no larger than the
// manager's batch cap, per task so that a platform driver implementing
// its own bulk submission API still gets homogeneous batches.
func Batches(ready []SubmitRequest, cap int) [][]SubmitRequest {
	if cap <= 0 {
		cap = 1
	}
	byTask := make(map[string][]SubmitRequest)
	var order []string
	for _, r := range ready {
		if _, ok := byTask[r.Task]; !ok {
			order = append(order, r.Task)
		}
		byTask[r.Task] = append(byTask[r.Task], r)
	}
	sort.Strings(order)

	var out [][]SubmitRequest
	for _, task := range order {
		group := byTask[task]
		n := len(group)
		numBatches := (n + cap - 1) / cap
		if numBatches == 0 {
			continue
		}
		base := n / numBatches
		rem := n % numBatches
		idx := 0
		for b := 0; b < numBatches; b++ {
			size := base
			if b < rem {
				size++
			}
			out = append(out, group[idx:idx+size])
			idx += size
		}
	}
	return out
}

// SubmitBatch submits one batch, respecting the rate limiter and host
// selection/circuit-breaking policy, and schedules submission retries
// on failure per the configured delay schedule. It returns immediately
// after dispatching; results arrive asynchronously on Events().
func (m *Manager) SubmitBatch(ctx context.Context, batch []SubmitRequest) {
	for _, req := range batch {
		req := req
		go m.submitOne(ctx, req)
	}
}

func (m *Manager) submitOne(ctx context.Context, req SubmitRequest) {
	key := JobKey{Task: req.Task, CycleKey: req.CycleKey, SubmitNum: req.SubmitNum}
	plat, ok := m.registry.Get(req.PlatformName)
	if !ok {
		m.emit(Outcome{Task: req.Task, CycleKey: req.CycleKey, SubmitNum: req.SubmitNum, Phase: PhaseFailed,
			Source: "submit", Err: errs.New(errs.KindPlatformLookup, fmt.Sprintf("unknown platform %q", req.PlatformName))})
		return
	}

	payload, err := m.driver.Prepare(ctx, req)
	if err != nil {
		m.emit(Outcome{Task: req.Task, CycleKey: req.CycleKey, SubmitNum: req.SubmitNum, Phase: PhaseFailed,
			Source: "submit", Err: errs.Wrap(errs.KindJobSubmit, "prepare failed", err)})
		return
	}

	err = resilience.FixedDelays(ctx, m.submissionDelays, func(attempt int) error {
		if !m.submitLimiter.Allow() {
			return fmt.Errorf("rate limited")
		}
		host, err := plat.SelectHost()
		if err != nil {
			return errs.Wrap(errs.KindPlatformUnreach, "no healthy host", err)
		}
		if !plat.Allow(host) {
			return errs.New(errs.KindPlatformUnreach, "circuit open for host "+host)
		}
		id, err := m.driver.Submit(ctx, host, payload)
		plat.RecordResult(host, err == nil, err != nil)
		if err != nil {
			return errs.Wrap(errs.KindJobSubmit, "submit failed on host "+host, err)
		}
		m.jobStates[key] = &jobRecord{req: req, host: host, jobID: id, phase: PhaseSubmitted}
		m.emit(Outcome{Task: req.Task, CycleKey: req.CycleKey, SubmitNum: req.SubmitNum, JobID: id, Host: host,
			Phase: PhaseSubmitted, Source: "submit"})
		return nil
	})
	if err != nil {
		if m.failCounter != nil {
			m.failCounter.Add(ctx, 1)
		}
		m.emit(Outcome{Task: req.Task, CycleKey: req.CycleKey, SubmitNum: req.SubmitNum, Phase: PhaseFailed,
			Source: "submit", Err: err})
	} else if m.submitCounter != nil {
		m.submitCounter.Add(ctx, 1)
	}
}

// Poll asks the platform driver for current status of every job in
// batch, the same way SubmitBatch drives Submit: one goroutine per
// key, results arriving asynchronously on Events(). Keys whose record
// is missing or already terminal are skipped.
func (m *Manager) Poll(ctx context.Context, batch []JobKey) {
	for _, key := range batch {
		key := key
		go m.pollOne(ctx, key)
	}
}

func (m *Manager) pollOne(ctx context.Context, key JobKey) {
	rec, ok := m.jobStates[key]
	if !ok || rec.terminal {
		return
	}
	plat, ok := m.registry.Get(rec.req.PlatformName)
	if !ok {
		return
	}
	status, err := m.driver.Poll(ctx, rec.host, rec.jobID)
	if err != nil {
		plat.RecordResult(rec.host, false, true)
		m.emit(Outcome{Task: rec.req.Task, CycleKey: rec.req.CycleKey, SubmitNum: rec.req.SubmitNum, JobID: rec.jobID, Host: rec.host,
			Phase: PhaseFailed, Source: "poll", Err: errs.Wrap(errs.KindJobPoll, "poll failed on host "+rec.host, err)})
		return
	}
	plat.RecordResult(rec.host, true, false)
	m.emit(Outcome{Task: rec.req.Task, CycleKey: rec.req.CycleKey, SubmitNum: rec.req.SubmitNum, JobID: rec.jobID, Host: rec.host,
		Phase: status.Phase, RunStatus: status.RunStatus, Source: "poll"})
}

// Kill requests cancellation of every job in batch that hasn't already
// reached a terminal phase.
func (m *Manager) Kill(ctx context.Context, batch []JobKey) {
	for _, key := range batch {
		key := key
		go m.killOne(ctx, key)
	}
}

func (m *Manager) killOne(ctx context.Context, key JobKey) {
	rec, ok := m.jobStates[key]
	if !ok || rec.terminal {
		return
	}
	plat, ok := m.registry.Get(rec.req.PlatformName)
	if !ok {
		return
	}
	if err := m.driver.Kill(ctx, rec.host, rec.jobID); err != nil {
		plat.RecordResult(rec.host, false, true)
		m.emit(Outcome{Task: rec.req.Task, CycleKey: rec.req.CycleKey, SubmitNum: rec.req.SubmitNum, JobID: rec.jobID, Host: rec.host,
			Phase: PhaseFailed, Source: "kill", Err: errs.Wrap(errs.KindJobKill, "kill failed on host "+rec.host, err)})
		return
	}
	plat.RecordResult(rec.host, true, false)
	m.emit(Outcome{Task: rec.req.Task, CycleKey: rec.req.CycleKey, SubmitNum: rec.req.SubmitNum, JobID: rec.jobID, Host: rec.host,
		Phase: PhaseFailed, RunStatus: -1, Source: "kill"})
}

// OutstandingJobKeys returns every job key whose last known phase is
// not yet terminal, for the scheduler's poll ticker to sweep.
func (m *Manager) OutstandingJobKeys() []JobKey {
	var out []JobKey
	for k, rec := range m.jobStates {
		if !rec.terminal {
			out = append(out, k)
		}
	}
	return out
}

// LatestJobKey returns the highest submit-num outstanding job key for
// (task, cycleKey), for command appliers (kill, poll) that only know
// the task/cycle pair rather than the submit number.
func (m *Manager) LatestJobKey(task, cycleKey string) (JobKey, bool) {
	var best JobKey
	found := false
	for k, rec := range m.jobStates {
		if rec.terminal || k.Task != task || k.CycleKey != cycleKey {
			continue
		}
		if !found || k.SubmitNum > best.SubmitNum {
			best, found = k, true
		}
	}
	return best, found
}

// sourcePriority ranks the three status sources from lowest to
// highest: poll < message < exit_status. ReconcileStatus does not
// consult it.
var sourcePriority = map[string]int{"poll": 0, "message": 1, "exit_status": 2}

// ReconcileStatus applies a status report and reports whether it was
// accepted. Every report for a known, non-terminal job is accepted and
// replaces the recorded phase; once the phase is terminal, every later
// report is refused, whatever its source or phase.
func (m *Manager) ReconcileStatus(key JobKey, phase Phase, runStatus int, source string) bool {
	rec, ok := m.jobStates[key]
	if !ok {
		return false
	}
	if rec.terminal {
		return false
	}
	rec.phase = phase
	if phase == PhaseSucceeded || phase == PhaseFailed {
		rec.terminal = true
	}
	_ = runStatus
	_ = source
	return true
}

func (m *Manager) emit(o Outcome) {
	select {
	case m.events <- o:
	default:
		// events channel backlogged past capacity: drop the oldest by
		// draining one slot so the most recent status always wins,
		// matching the reconciliation priority rule above.
		select {
		case <-m.events:
		default:
		}
		m.events <- o
	}
}

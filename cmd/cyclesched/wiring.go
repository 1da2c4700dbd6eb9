package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"os/exec"

	"github.com/swarmguard/cyclesched/internal/broadcast"
	"github.com/swarmguard/cyclesched/internal/command"
	"github.com/swarmguard/cyclesched/internal/config"
	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/graph"
	"github.com/swarmguard/cyclesched/internal/jobs"
	"github.com/swarmguard/cyclesched/internal/pool"
	"github.com/swarmguard/cyclesched/internal/server"
)

// mergeConfig overlays the validated raw document's fields onto
// baseline defaults; unknown keys were already rejected by
// config.Validate. The allowed keys calendar, queues,
// submission_retry_delays and execution_retry_delays are not read
// here, so their Default() values stay in effect.
func mergeConfig(base config.Config, raw config.Raw) config.Config {
	if v, ok := raw.Fields["workflow_name"].(string); ok {
		base.WorkflowName = v
	}
	if v, ok := raw.Fields["initial_cycle_point"].(string); ok {
		base.InitialCycle = v
	}
	if v, ok := raw.Fields["final_cycle_point"].(string); ok {
		base.FinalCycle = v
	}
	if v, ok := raw.Fields["runahead_limit"].(string); ok {
		base.RunaheadLimit = v
	}
	if v, ok := raw.Fields["max_active_cycle_points"].(float64); ok {
		base.MaxActiveCycles = int(v)
	}
	if v, ok := raw.Fields["batch_cap"].(float64); ok {
		base.BatchCap = int(v)
	}
	if v, ok := raw.Fields["rate_limit_per_second"].(float64); ok {
		base.RateLimitPerSecond = v
	}
	if v, ok := raw.Fields["rate_limit_burst"].(float64); ok {
		base.RateLimitBurst = int64(v)
	}
	if v, ok := raw.Fields["event_handler_pool_size"].(float64); ok {
		base.EventHandlerPoolSize = int(v)
	}
	if v, ok := raw.Fields["server_addr"].(string); ok {
		base.ServerAddr = v
	}
	if v, ok := raw.Fields["shared_secret"].(string); ok {
		base.SharedSecret = v
	}
	if v, ok := raw.Fields["store_path"].(string); ok {
		base.StorePath = v
	}
	if v, ok := raw.Fields["maintenance_cron"].(string); ok {
		base.MaintenanceCron = v
	}
	if raw, ok := raw.Fields["platforms"].([]any); ok {
		base.Platforms = nil
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var p config.PlatformConfig
			p.Name, _ = m["name"].(string)
			p.Policy, _ = m["policy"].(string)
			p.JobRunner, _ = m["job_runner"].(string)
			if hosts, ok := m["hosts"].([]any); ok {
				for _, h := range hosts {
					if hs, ok := h.(string); ok {
						p.Hosts = append(p.Hosts, hs)
					}
				}
			}
			if w, ok := m["bad_host_window_seconds"].(float64); ok {
				p.BadHostWindow = time.Duration(w) * time.Second
			}
			base.Platforms = append(base.Platforms, p)
		}
	}
	return base
}

func parseRunahead(s string) (cyclepoint.Duration, bool) {
	if s == "" {
		return cyclepoint.Duration{}, false
	}
	d, err := cyclepoint.ParseISODuration(s)
	if err != nil {
		return cyclepoint.Duration{}, false
	}
	return d, true
}

// seedInitialCycle spawns every task with no prerequisites at the
// initial cycle point, the entry points a cycling workflow starts or
// reloads from. Spawn merges into an already-existing proxy rather
// than duplicating it, so this is safe to call both at startup and
// after every reload.
func seedInitialCycle(ctx context.Context, g *graph.Graph, initial cyclepoint.Point, taskPool *pool.Pool) error {
	for _, name := range g.TaskNames() {
		expr, err := g.Parents(name, initial)
		if err != nil {
			return err
		}
		if expr != nil && len(expr.Atoms()) > 0 {
			continue
		}
		if _, err := taskPool.Spawn(ctx, name, initial, pool.NewFlowSet(1)); err != nil {
			return fmt.Errorf("seed initial cycle for %s: %w", name, err)
		}
	}
	return nil
}

// registerCommandAppliers wires every command.Kind to the live state
// it mutates.
func registerCommandAppliers(cmds *command.Dispatcher, taskPool *pool.Pool, overlay *broadcast.Overlay, jobsMgr *jobs.Manager, g *graph.Graph, workflowPath string) {
	keyFromArgs := func(args map[string]string) (pool.Key, error) {
		cycle, err := parseEitherCycle(args["cycle"], cyclepoint.CalendarGregorian)
		if err != nil {
			return pool.Key{}, err
		}
		return pool.Key{Task: args["task"], Cycle: cycle}, nil
	}

	cmds.Register(command.KindHold, func(ctx context.Context, c command.Command) error {
		key, err := keyFromArgs(c.Args)
		if err != nil {
			return err
		}
		return taskPool.SetHeld(ctx, key, true)
	})
	cmds.Register(command.KindRelease, func(ctx context.Context, c command.Command) error {
		key, err := keyFromArgs(c.Args)
		if err != nil {
			return err
		}
		return taskPool.SetHeld(ctx, key, false)
	})
	cmds.Register(command.KindTrigger, func(ctx context.Context, c command.Command) error {
		cycle, err := parseEitherCycle(c.Args["cycle"], cyclepoint.CalendarGregorian)
		if err != nil {
			return err
		}
		_, err = taskPool.Spawn(ctx, c.Args["task"], cycle, pool.NewFlowSet())
		return err
	})
	cmds.Register(command.KindSet, func(ctx context.Context, c command.Command) error {
		key, err := keyFromArgs(c.Args)
		if err != nil {
			return err
		}
		return taskPool.Transition(ctx, key, pool.State(c.Args["state"]), true)
	})
	cmds.Register(command.KindKill, func(ctx context.Context, c command.Command) error {
		key, err := keyFromArgs(c.Args)
		if err != nil {
			return err
		}
		jobKey, ok := jobsMgr.LatestJobKey(key.Task, key.Cycle.String())
		if !ok {
			return nil // nothing outstanding to kill
		}
		jobsMgr.Kill(ctx, []jobs.JobKey{jobKey})
		return nil
	})
	cmds.Register(command.KindPoll, func(ctx context.Context, c command.Command) error {
		key, err := keyFromArgs(c.Args)
		if err != nil {
			return err
		}
		jobKey, ok := jobsMgr.LatestJobKey(key.Task, key.Cycle.String())
		if !ok {
			return nil // nothing outstanding to poll
		}
		jobsMgr.Poll(ctx, []jobs.JobKey{jobKey})
		return nil
	})
	cmds.Register(command.KindRemove, func(ctx context.Context, c command.Command) error {
		key, err := keyFromArgs(c.Args)
		if err != nil {
			return err
		}
		return taskPool.Remove(ctx, key)
	})
	cmds.Register(command.KindReload, func(ctx context.Context, c command.Command) error {
		if workflowPath == "" {
			return fmt.Errorf("command: reload requires -workflow to have been set at startup")
		}
		if err := reloadWorkflow(workflowPath, g); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		return seedInitialCycle(ctx, g, g.InitialCycle(), taskPool)
	})
	cmds.Register(command.KindPause, func(ctx context.Context, c command.Command) error { return nil })
	cmds.Register(command.KindPlay, func(ctx context.Context, c command.Command) error { return nil })
	cmds.Register(command.KindStop, func(ctx context.Context, c command.Command) error { return nil })
	cmds.Register(command.KindBroadcast, func(ctx context.Context, c command.Command) error {
		sel, err := broadcastSelectorFromArgs(c.Args)
		if err != nil {
			return err
		}
		_, err = overlay.Set(ctx, sel, c.Args["key"], c.Args["value"])
		return err
	})
	cmds.Register(command.KindExtTrigger, func(ctx context.Context, c command.Command) error {
		cycle, err := parseEitherCycle(c.Args["cycle"], cyclepoint.CalendarGregorian)
		if err != nil {
			return err
		}
		_, err = taskPool.Spawn(ctx, c.Args["task"], cycle, pool.NewFlowSet())
		return err
	})
}

// broadcastSelectorFromArgs builds a broadcast.Selector from the
// command's flat Args map: "cycle" empty means every cycle, "namespace"
// empty means every task.
func broadcastSelectorFromArgs(args map[string]string) (broadcast.Selector, error) {
	sel := broadcast.Selector{Namespace: args["namespace"]}
	if c := args["cycle"]; c != "" {
		cycle, err := parseEitherCycle(c, cyclepoint.CalendarGregorian)
		if err != nil {
			return broadcast.Selector{}, err
		}
		sel.Cycle = &cycle
	}
	return sel, nil
}

// registerServerHandlers exposes the network surface's read/mutate
// calls: pool introspection, broadcast snapshot, and command
// submission.
func registerServerHandlers(srv *server.Server, taskPool *pool.Pool, cmds *command.Dispatcher, overlay *broadcast.Overlay) {
	srv.Register("pool.list", func(ctx context.Context, body json.RawMessage, send func(server.Response) error) error {
		type row struct {
			Task, Cycle, State string
			Flows              []int
		}
		var rows []row
		for _, p := range taskPool.All() {
			rows = append(rows, row{Task: p.Task, Cycle: p.Cycle.String(), State: string(p.State), Flows: p.Flows.Nums()})
		}
		data, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		return send(server.Response{Body: data})
	})

	srv.Register("broadcast.snapshot", func(ctx context.Context, body json.RawMessage, send func(server.Response) error) error {
		data, err := json.Marshal(overlay.Snapshot())
		if err != nil {
			return err
		}
		return send(server.Response{Body: data})
	})

	srv.Register("command.submit", func(ctx context.Context, body json.RawMessage, send func(server.Response) error) error {
		var cmd command.Command
		if err := json.Unmarshal(body, &cmd); err != nil {
			return err
		}
		if err := cmds.Submit(cmd); err != nil {
			return err
		}
		return send(server.Response{})
	})
}

// shellDriver is the default jobs.Driver: it runs a task's script as a
// local subprocess. Real deployments swap this for a batch-system
// driver; the platform boundary is deliberately opaque and ships no
// production driver, so this is the implementation exercised by
// default.
type shellDriver struct {
	mu   sync.Mutex
	jobs map[jobs.JobID]*shellJob
	next int64
}

type shellJob struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	done bool
	err  error
}

func newShellDriver() *shellDriver {
	return &shellDriver{jobs: make(map[jobs.JobID]*shellJob)}
}

func (d *shellDriver) Prepare(ctx context.Context, req jobs.SubmitRequest) (jobs.Payload, error) {
	return jobs.Payload{Script: req.Script, Environment: req.Environment}, nil
}

func (d *shellDriver) Submit(ctx context.Context, host string, payload jobs.Payload) (jobs.JobID, error) {
	id := jobs.JobID(fmt.Sprintf("local-%d", atomic.AddInt64(&d.next, 1)))
	cmd := exec.Command("/bin/sh", "-c", payload.Script)
	for k, v := range payload.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	job := &shellJob{cmd: cmd}
	if err := cmd.Start(); err != nil {
		return id, fmt.Errorf("shell driver: start on %s: %w", host, err)
	}
	d.mu.Lock()
	d.jobs[id] = job
	d.mu.Unlock()
	go func() {
		err := cmd.Wait()
		job.mu.Lock()
		job.done, job.err = true, err
		job.mu.Unlock()
	}()
	return id, nil
}

func (d *shellDriver) Poll(ctx context.Context, host string, id jobs.JobID) (jobs.Status, error) {
	d.mu.Lock()
	job, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return jobs.Status{}, fmt.Errorf("shell driver: unknown job %s", id)
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.done {
		return jobs.Status{Phase: jobs.PhaseRunning}, nil
	}
	if job.err != nil {
		return jobs.Status{Phase: jobs.PhaseFailed, RunStatus: exitCode(job.err)}, nil
	}
	return jobs.Status{Phase: jobs.PhaseSucceeded}, nil
}

func (d *shellDriver) Kill(ctx context.Context, host string, id jobs.JobID) error {
	d.mu.Lock()
	job, ok := d.jobs[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("shell driver: unknown job %s", id)
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.done || job.cmd.Process == nil {
		return nil
	}
	return job.cmd.Process.Kill()
}

func exitCode(err error) int {
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

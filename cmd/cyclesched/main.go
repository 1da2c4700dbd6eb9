// Command cyclesched runs one instance of the cycling workflow
// scheduler: it loads a resolved workflow definition and typed config,
// restores durable state, and drives the main scheduler loop until
// told to stop or the process receives SIGINT/SIGTERM.
//
// Bootstrap follows a signal.NotifyContext / InitLogging / InitTracing /
// InitMetrics / graceful-shutdown sequence, wiring the store, task
// pool, and scheduler loop together with a plain framed-JSON network
// surface in place of an HTTP front end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/cyclesched/internal/broadcast"
	"github.com/swarmguard/cyclesched/internal/command"
	"github.com/swarmguard/cyclesched/internal/config"
	"github.com/swarmguard/cyclesched/internal/contact"
	"github.com/swarmguard/cyclesched/internal/events"
	"github.com/swarmguard/cyclesched/internal/jobs"
	"github.com/swarmguard/cyclesched/internal/messages"
	"github.com/swarmguard/cyclesched/internal/obs"
	"github.com/swarmguard/cyclesched/internal/platform"
	"github.com/swarmguard/cyclesched/internal/pool"
	"github.com/swarmguard/cyclesched/internal/scheduler"
	"github.com/swarmguard/cyclesched/internal/server"
	"github.com/swarmguard/cyclesched/internal/store"
)

const version = "0.1.0"

func main() {
	workflowPath := flag.String("workflow", "", "path to a resolved workflow definition (JSON)")
	configPath := flag.String("config", "", "path to scheduler configuration (JSON)")
	runDir := flag.String("run-dir", "./.cyclesched", "directory for the contact file, and for the store when store_path is empty")
	natsURL := flag.String("nats-url", nats.DefaultURL, "NATS server URL for message ingress")
	flag.Parse()

	service := "cyclesched"
	logger := obs.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obs.InitTracing(ctx, service)
	shutdownMetrics, _ := obs.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	if err := run(ctx, logger, meter, *workflowPath, *configPath, *runDir, *natsURL); err != nil {
		logger.Error("cyclesched exited with error", "error", err)
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		obs.Flush(shutdownCtx, shutdownTrace)
		_ = shutdownMetrics(shutdownCtx)
		c()
		os.Exit(1)
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	obs.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("cyclesched shutdown complete")
}

func run(ctx context.Context, logger *slog.Logger, meter metric.Meter, workflowPath, configPath, runDir, natsURL string) error {
	cfg := config.Default()
	if configPath != "" {
		raw, err := loadRawConfig(configPath)
		if err != nil {
			return err
		}
		if err := config.Validate(raw); err != nil {
			return err
		}
		cfg = mergeConfig(cfg, raw)
	}
	if workflowPath == "" {
		return fmt.Errorf("cyclesched: -workflow is required")
	}

	g, initialCycle, err := loadWorkflow(workflowPath)
	if err != nil {
		return err
	}

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = filepath.Join(runDir, "cyclesched.db")
	}
	st, err := store.Open(storePath, meter)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	runaheadLimit, _ := parseRunahead(cfg.RunaheadLimit)
	taskPool := pool.New(g, st, runaheadLimit, meter)
	if err := taskPool.Restore(); err != nil {
		return fmt.Errorf("restore task pool: %w", err)
	}
	if err := seedInitialCycle(ctx, g, initialCycle, taskPool); err != nil {
		return fmt.Errorf("seed initial cycle: %w", err)
	}

	overlay := broadcast.New(st)
	if err := overlay.Restore(); err != nil {
		return fmt.Errorf("restore broadcast overlay: %w", err)
	}

	maintenance := cron.New()
	if cfg.MaintenanceCron != "" {
		if _, err := maintenance.AddFunc(cfg.MaintenanceCron, func() {
			if err := st.Checkpoint(); err != nil {
				logger.Warn("maintenance checkpoint failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("parse maintenance_cron %q: %w", cfg.MaintenanceCron, err)
		}
	}
	maintenance.Start()
	defer maintenance.Stop()

	registry := platform.NewRegistry()
	for _, p := range cfg.Platforms {
		registry.Add(platform.Def{
			Name: p.Name, Hosts: p.Hosts, Policy: platform.SelectionPolicy(p.Policy),
			BadHostWindow: p.BadHostWindow, JobRunner: p.JobRunner,
		})
	}

	jobsMgr := jobs.NewManager(newShellDriver(), registry, jobs.Config{
		BatchCap: cfg.BatchCap, SubmissionRetryDelays: cfg.SubmissionRetryDelays,
		ExecutionRetryDelays: cfg.ExecutionRetryDelays, RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst: cfg.RateLimitBurst,
	}, meter)

	msgQueue := messages.NewQueue([]byte(cfg.SharedSecret))
	if nc, err := nats.Connect(natsURL); err == nil {
		defer nc.Close()
		if _, err := messages.SubscribeNATS(nc, cfg.WorkflowName+".messages", msgQueue, func(err error) {
			logger.Warn("message authentication failed", "error", err)
		}); err != nil {
			logger.Warn("nats subscribe failed", "error", err)
		}
	} else {
		logger.Warn("nats connect failed, message ingress limited to poll-derived messages", "error", err)
	}

	cmds := command.NewDispatcher()
	registerCommandAppliers(cmds, taskPool, overlay, jobsMgr, g, workflowPath)
	cmds.DropPending() // pending commands are dropped on restart, not replayed

	evtDisp := events.NewDispatcher(cfg.EventHandlerPoolSize, logger)

	sched := scheduler.New(scheduler.Config{
		Graph: g, Pool: taskPool, Store: st, Overlay: overlay, Jobs: jobsMgr,
		Messages: msgQueue, Commands: cmds, Events: evtDisp,
		PollInterval: time.Minute, SnapshotEvery: 10 * time.Second,
	}, meter, logger)

	srv := server.New(cfg.SharedSecret, logger)
	registerServerHandlers(srv, taskPool, cmds, overlay)
	addr, err := srv.Listen(cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ServerAddr, err)
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error("server stopped with error", "error", err)
		}
	}()

	host, portStr, _ := splitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	info, err := contact.Write(runDir, host, port, version)
	if err != nil {
		return fmt.Errorf("write contact file: %w", err)
	}
	defer contact.Remove(runDir)
	logger.Info("scheduler listening", "addr", addr, "run_id", info.RunID, "workflow", cfg.WorkflowName)

	err = sched.Run(ctx)
	evtDisp.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func loadRawConfig(path string) (config.Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Raw{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return config.Raw{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config.Raw{Fields: fields}, nil
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "0", nil
}

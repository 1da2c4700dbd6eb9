// Package config implements typed, validated scheduler configuration.
// Unknown keys are rejected outright rather than silently ignored,
// since a typo in a workflow definition should fail fast at load time
// rather than quietly behave as if the setting were never made.
//
// Covers cycling, runahead, queues, platforms, and retry policy as one
// structured document validated in a single pass.
package config

import (
	"fmt"
	"time"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/errs"
)

// Config is the fully parsed and validated scheduler configuration.
type Config struct {
	WorkflowName    string
	InitialCycle    string
	FinalCycle      string
	CalendarMode    cyclepoint.Calendar
	RunaheadLimit   string
	MaxActiveCycles int

	QueueLimits map[string]int // queue name -> max concurrently active tasks

	Platforms []PlatformConfig

	SubmissionRetryDelays []time.Duration
	ExecutionRetryDelays  []time.Duration
	BatchCap              int
	RateLimitPerSecond    float64
	RateLimitBurst        int64

	EventHandlerPoolSize int

	ServerAddr   string
	SharedSecret string

	StorePath string

	// MaintenanceCron is a standard five-field cron expression (plus the
	// @every/@hourly/... shorthands) controlling how often the store is
	// force-synced to disk outside the normal write path.
	MaintenanceCron string

	knownTopLevelKeys map[string]bool
}

// PlatformConfig mirrors internal/platform.Def at the config layer so
// config stays independent of the platform package's live state.
type PlatformConfig struct {
	Name          string
	Hosts         []string
	Policy        string
	BadHostWindow time.Duration
	JobRunner     string
}

// Raw is the intermediate, loosely-typed shape a TOML/YAML/JSON loader
// would populate before Validate converts and checks it. Keeping this
// separate from Config means the unknown-key check happens against the
// exact set of keys the loader saw, not against Go's zero-value
// defaults.
type Raw struct {
	Fields map[string]any
}

var allowedKeys = map[string]bool{
	"workflow_name": true, "initial_cycle_point": true, "final_cycle_point": true,
	"calendar": true, "runahead_limit": true, "max_active_cycle_points": true,
	"queues": true, "platforms": true, "submission_retry_delays": true,
	"execution_retry_delays": true, "batch_cap": true, "rate_limit_per_second": true,
	"rate_limit_burst": true, "event_handler_pool_size": true, "server_addr": true,
	"shared_secret": true, "store_path": true, "maintenance_cron": true,
}

// Validate checks r against the known key set and required fields,
// returning a ConfigError that names every unknown key found
// instead of failing on just the first.
func Validate(r Raw) error {
	var unknown []string
	for k := range r.Fields {
		if !allowedKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return errs.New(errs.KindConfig, fmt.Sprintf("unknown configuration keys: %v", unknown))
	}
	if _, ok := r.Fields["workflow_name"]; !ok {
		return errs.New(errs.KindConfig, "workflow_name is required")
	}
	if _, ok := r.Fields["initial_cycle_point"]; !ok {
		return errs.New(errs.KindConfig, "initial_cycle_point is required")
	}
	return nil
}

// Default returns a Config with the scheduler's baseline tunables
// (retry schedules, batch cap, rate limits) populated, for callers to
// override selectively after a successful Validate.
func Default() Config {
	return Config{
		CalendarMode:          cyclepoint.CalendarGregorian,
		MaxActiveCycles:       3,
		QueueLimits:           map[string]int{"default": 100},
		SubmissionRetryDelays: []time.Duration{10 * time.Second, 30 * time.Second, time.Minute},
		ExecutionRetryDelays:  []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		BatchCap:              50,
		RateLimitPerSecond:    20,
		RateLimitBurst:        40,
		EventHandlerPoolSize:  4,
		ServerAddr:            "127.0.0.1:0",
		StorePath:             "./cyclesched.db",
		MaintenanceCron:       "@every 1h",
	}
}

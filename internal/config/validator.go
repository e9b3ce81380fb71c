package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/osintflow/internal/queue"
)

// Validate checks the config for:
//   - Non-positive sizes, timeouts and weights
//   - Unknown enum values (log level, queue policy, store backend)
//   - Inconsistent thresholds and missing paths
//
// Every problem is reported, not just the first.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level %q must be one of debug, info, warn, error", cfg.Logging.Level)
	}

	e := cfg.Engine
	if e.Workers < 1 {
		add("engine.workers must be at least 1")
	}
	if e.ModuleTimeout < 0 || e.InterruptGrace < 0 || e.MaxDuration < 0 {
		add("engine timeouts must not be negative")
	}
	if e.MaxRestarts < 0 {
		add("engine.max_restarts must not be negative")
	}
	if e.RestartBackoffMax < e.RestartBackoff {
		add("engine.restart_backoff_max (%s) is below restart_backoff (%s)", e.RestartBackoffMax, e.RestartBackoff)
	}

	q := cfg.Queue
	if q.Capacity < 1 {
		add("queue.capacity must be at least 1")
	}
	if q.Weights.High < 1 || q.Weights.Normal < 1 || q.Weights.Low < 1 {
		add("queue.weights must all be at least 1 (got %d/%d/%d)", q.Weights.High, q.Weights.Normal, q.Weights.Low)
	}
	if !queue.Policy(q.Policy).Valid() {
		add("queue.policy %q must be one of block, reject, drop_oldest", q.Policy)
	}
	if q.MaxRetries < 0 {
		add("queue.max_retries must not be negative")
	}
	if q.ElevatedAt <= 0 || q.CriticalAt > 1 || q.ElevatedAt >= q.CriticalAt {
		add("queue thresholds must satisfy 0 < elevated_at (%g) < critical_at (%g) <= 1", q.ElevatedAt, q.CriticalAt)
	}

	switch cfg.Store.Backend {
	case "memory":
	case "bolt":
		if cfg.Store.Path == "" {
			add("store.path is required for the bolt backend")
		}
	default:
		add("store.backend %q must be memory or bolt", cfg.Store.Backend)
	}

	if cfg.Sink.Buffer < 1 {
		add("sink.buffer must be at least 1")
	}
	if cfg.Correlation.Watch && cfg.Correlation.RulesDir == "" {
		add("correlation.watch needs correlation.rules_dir")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

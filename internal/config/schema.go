package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/osintflow/internal/queue"
)

// Config is the top-level YAML structure. Values are immutable once loaded: a reload
// produces a new Config and per-scan overrides produce a new EngineConf.
type Config struct {
	Server      ServerConf      `yaml:"server"`
	Logging     LoggingConf     `yaml:"logging"`
	Engine      EngineConf      `yaml:"engine"`
	Queue       QueueConf       `yaml:"queue"`
	Store       StoreConf       `yaml:"store"`
	Sink        SinkConf        `yaml:"sink"`
	Correlation CorrelationConf `yaml:"correlation"`
	Modules     ModulesConf     `yaml:"modules"`
}

// ServerConf configures the HTTP surface.
type ServerConf struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConf struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// EngineConf holds tunable concurrency and health settings for a scan.
type EngineConf struct {
	Workers           int           `yaml:"workers" json:"workers"`
	ModuleTimeout     time.Duration `yaml:"module_timeout" json:"module_timeout"`
	InterruptGrace    time.Duration `yaml:"interrupt_grace" json:"interrupt_grace"`
	MaxRestarts       int           `yaml:"max_restarts" json:"max_restarts"`
	RestartBackoff    time.Duration `yaml:"restart_backoff" json:"restart_backoff"`
	RestartBackoffMax time.Duration `yaml:"restart_backoff_max" json:"restart_backoff_max"`
	MaxDuration       time.Duration `yaml:"max_duration" json:"max_duration"` // 0 = unlimited
}

// Overrides are per-scan adjustments of EngineConf. Nil fields keep the base value.
type Overrides struct {
	Workers       *int      `json:"workers,omitempty"`
	ModuleTimeout *Duration `json:"module_timeout,omitempty"`
	MaxRestarts   *int      `json:"max_restarts,omitempty"`
	MaxDuration   *Duration `json:"max_duration,omitempty"`
}

// Duration is a time.Duration that reads JSON as either a Go duration string ("30s")
// or a number of nanoseconds, and writes the string form.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
	case float64:
		*d = Duration(int64(x))
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// WithOverrides returns a copy of c with o applied.
func (c EngineConf) WithOverrides(o Overrides) EngineConf {
	if o.Workers != nil && *o.Workers > 0 {
		c.Workers = *o.Workers
	}
	if o.ModuleTimeout != nil && *o.ModuleTimeout > 0 {
		c.ModuleTimeout = time.Duration(*o.ModuleTimeout)
	}
	if o.MaxRestarts != nil && *o.MaxRestarts >= 0 {
		c.MaxRestarts = *o.MaxRestarts
	}
	if o.MaxDuration != nil && *o.MaxDuration >= 0 {
		c.MaxDuration = time.Duration(*o.MaxDuration)
	}
	return c
}

// QueueConf sizes each scan's queue.
type QueueConf struct {
	Capacity   int         `yaml:"capacity"`
	Weights    LaneWeights `yaml:"weights"`
	Policy     string      `yaml:"policy"`
	MaxRetries int         `yaml:"max_retries"`
	ElevatedAt float64     `yaml:"elevated_at"`
	CriticalAt float64     `yaml:"critical_at"`
}

type LaneWeights struct {
	High   int `yaml:"high"`
	Normal int `yaml:"normal"`
	Low    int `yaml:"low"`
}

// QueueConfig converts to the queue package's settings.
func (q QueueConf) QueueConfig() queue.Config {
	return queue.Config{
		Capacity:   q.Capacity,
		Weights:    [3]int{q.Weights.High, q.Weights.Normal, q.Weights.Low},
		Policy:     queue.Policy(q.Policy),
		MaxRetries: q.MaxRetries,
		ElevatedAt: q.ElevatedAt,
		CriticalAt: q.CriticalAt,
	}
}

// StoreConf selects where scan events live.
type StoreConf struct {
	Backend string `yaml:"backend"` // memory | bolt
	Path    string `yaml:"path"`
}

// SinkConf configures side-channel event delivery.
type SinkConf struct {
	Buffer int      `yaml:"buffer"`
	NATS   NATSConf `yaml:"nats"`
}

type NATSConf struct {
	URL           string `yaml:"url"` // empty disables publishing
	SubjectPrefix string `yaml:"subject_prefix"`
}

// CorrelationConf locates and tunes the rule catalog.
type CorrelationConf struct {
	RulesDir       string        `yaml:"rules_dir"`
	Watch          bool          `yaml:"watch"`
	Debounce       time.Duration `yaml:"debounce"`
	RegexCacheSize int           `yaml:"regex_cache_size"`
}

// ModulesConf configures the module catalog and the services injected into modules.
type ModulesConf struct {
	Manifest    string        `yaml:"manifest"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	UserAgent   string        `yaml:"user_agent"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

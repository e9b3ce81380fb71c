package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load. An empty path yields the
// defaults.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Error("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	var cfg Config
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 16
	}
	if cfg.Engine.ModuleTimeout == 0 {
		cfg.Engine.ModuleTimeout = 5 * time.Minute
	}
	if cfg.Engine.InterruptGrace == 0 {
		cfg.Engine.InterruptGrace = 5 * time.Second
	}
	if cfg.Engine.MaxRestarts == 0 {
		cfg.Engine.MaxRestarts = 3
	}
	if cfg.Engine.RestartBackoff == 0 {
		cfg.Engine.RestartBackoff = time.Second
	}
	if cfg.Engine.RestartBackoffMax == 0 {
		cfg.Engine.RestartBackoffMax = 30 * time.Second
	}

	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = 10000
	}
	if cfg.Queue.Weights == (LaneWeights{}) {
		cfg.Queue.Weights = LaneWeights{High: 4, Normal: 2, Low: 1}
	}
	if cfg.Queue.Policy == "" {
		cfg.Queue.Policy = "block"
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.ElevatedAt == 0 {
		cfg.Queue.ElevatedAt = 0.7
	}
	if cfg.Queue.CriticalAt == 0 {
		cfg.Queue.CriticalAt = 0.9
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Backend == "bolt" && cfg.Store.Path == "" {
		cfg.Store.Path = "osintflow.db"
	}
	if cfg.Sink.Buffer == 0 {
		cfg.Sink.Buffer = 1024
	}
	if cfg.Sink.NATS.SubjectPrefix == "" {
		cfg.Sink.NATS.SubjectPrefix = "osintflow"
	}

	if cfg.Correlation.Debounce == 0 {
		cfg.Correlation.Debounce = 500 * time.Millisecond
	}
	if cfg.Correlation.RegexCacheSize == 0 {
		cfg.Correlation.RegexCacheSize = 1024
	}

	if cfg.Modules.HTTPTimeout == 0 {
		cfg.Modules.HTTPTimeout = 15 * time.Second
	}
	if cfg.Modules.CacheSize == 0 {
		cfg.Modules.CacheSize = 4096
	}
	if cfg.Modules.CacheTTL == 0 {
		cfg.Modules.CacheTTL = time.Hour
	}
}

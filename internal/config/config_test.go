package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/osintflow/internal/queue"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "osintflow.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoader_DefaultsWithoutFile(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)
	cfg := l.Config()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, LaneWeights{High: 4, Normal: 2, Low: 1}, cfg.Queue.Weights)
	assert.Equal(t, "block", cfg.Queue.Policy)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Correlation.Debounce)
}

func TestLoader_ReadsFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
server:
  addr: ":9090"
engine:
  workers: 4
  module_timeout: 10s
queue:
  capacity: 50
  policy: drop_oldest
store:
  backend: bolt
correlation:
  rules_dir: ./rules
`)
	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	cfg := l.Config()

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 10*time.Second, cfg.Engine.ModuleTimeout)
	assert.Equal(t, "osintflow.db", cfg.Store.Path)

	qc := cfg.Queue.QueueConfig()
	assert.Equal(t, 50, qc.Capacity)
	assert.Equal(t, queue.PolicyDropOldest, qc.Policy)
	assert.Equal(t, [3]int{4, 2, 1}, qc.Weights)
}

func TestLoader_ShippedConfigIsValid(t *testing.T) {
	l, err := NewLoader(filepath.Join("..", "..", "configs", "osintflow.yaml"), nil)
	require.NoError(t, err)
	cfg := l.Config()
	assert.Equal(t, "configs/correlations", cfg.Correlation.RulesDir)
	assert.Equal(t, 16, cfg.Engine.Workers)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Level = "loud"
	cfg.Queue.Policy = "spill"
	cfg.Queue.ElevatedAt = 0.95
	cfg.Store.Backend = "s3"
	cfg.Engine.Workers = -1

	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "config validation errors:"))
	for _, want := range []string{"logging.level", "queue.policy", "elevated_at", "store.backend", "engine.workers"} {
		assert.Contains(t, msg, want)
	}
}

func TestLoader_RejectsInvalidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "queue:\n  policy: spill\n")
	_, err := NewLoader(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.policy")
}

func TestLoader_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "engine:\n  workers: 2\n")
	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	var seen []int
	l.OnChange(func(c *Config) { seen = append(seen, c.Engine.Workers) })

	writeFile(t, dir, "engine:\n  workers: 8\n")
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.Workers)

	writeFile(t, dir, "engine: [not, a, map]\n")
	_, err = l.Reload()
	require.Error(t, err)
	assert.Equal(t, 8, l.Config().Engine.Workers)
	assert.Equal(t, []int{8}, seen)
}

func TestLoader_WatchPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "engine:\n  workers: 2\n")
	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	writeFile(t, dir, "engine:\n  workers: 6\n")
	require.Eventually(t, func() bool {
		return l.Config().Engine.Workers == 6
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWithOverrides(t *testing.T) {
	base := EngineConf{Workers: 16, ModuleTimeout: time.Minute, MaxRestarts: 3}
	workers, restarts := 2, 0
	timeout := Duration(5 * time.Second)

	got := base.WithOverrides(Overrides{Workers: &workers, ModuleTimeout: &timeout, MaxRestarts: &restarts})
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, 5*time.Second, got.ModuleTimeout)
	assert.Equal(t, 0, got.MaxRestarts)
	assert.Equal(t, 16, base.Workers, "base must be untouched")

	zero := 0
	assert.Equal(t, 16, base.WithOverrides(Overrides{Workers: &zero}).Workers)
}

func TestOverrides_DecodeDurations(t *testing.T) {
	var o Overrides
	require.NoError(t, json.Unmarshal([]byte(`{"module_timeout":"30s","max_duration":1000000000}`), &o))
	require.NotNil(t, o.ModuleTimeout)
	require.NotNil(t, o.MaxDuration)
	assert.Equal(t, Duration(30*time.Second), *o.ModuleTimeout)
	assert.Equal(t, Duration(time.Second), *o.MaxDuration)

	got := EngineConf{ModuleTimeout: time.Minute}.WithOverrides(o)
	assert.Equal(t, 30*time.Second, got.ModuleTimeout)
	assert.Equal(t, time.Second, got.MaxDuration)

	assert.Error(t, json.Unmarshal([]byte(`{"module_timeout":"soon"}`), &o))
	assert.Error(t, json.Unmarshal([]byte(`{"module_timeout":true}`), &o))

	out, err := json.Marshal(Overrides{ModuleTimeout: o.ModuleTimeout})
	require.NoError(t, err)
	assert.JSONEq(t, `{"module_timeout":"30s"}`, string(out))
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", true)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

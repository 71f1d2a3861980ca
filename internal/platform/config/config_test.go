package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/engine"
	"github.com/MRamiBalles/cadence/internal/timing"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	writeFile(t, path, `
engine:
  coordination_period: 50ms
timing:
  strategy: portable
loops:
  - id: slow
    target_hz: 5
    min_hz: 2
    preservation_threshold: 0.4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.CoordinationPeriod)
	assert.Equal(t, timing.Portable, cfg.Strategy())
	require.Len(t, cfg.Loops, 1)
	assert.Equal(t, LoopConfig{ID: "slow", TargetHz: 5, MinHz: 2, PreservationThreshold: 0.4}, cfg.Loops[0])
	// untouched sections keep their defaults
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "engine: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CADENCE_LISTEN", "127.0.0.1:9999")
	t.Setenv("CADENCE_LOG_LEVEL", "debug")
	t.Setenv("CADENCE_STRATEGY", "portable")
	t.Setenv("CADENCE_DB", filepath.Join(t.TempDir(), "x.db"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, timing.Portable, cfg.Strategy())
	assert.True(t, cfg.Storage.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad strategy", func(c *Config) { c.Timing.Strategy = "quantum" }},
		{"zero period", func(c *Config) { c.Engine.CoordinationPeriod = 0 }},
		{"risk majority above one", func(c *Config) { c.Engine.RiskMajority = 1.5 }},
		{"degrade step of one", func(c *Config) { c.Engine.DegradeStep = 1 }},
		{"storage without path", func(c *Config) { c.Storage.Enabled = true; c.Storage.Path = "" }},
		{"empty loop id", func(c *Config) { c.Loops[0].ID = "" }},
		{"duplicate loop id", func(c *Config) { c.Loops[1].ID = c.Loops[0].ID }},
		{"zero target", func(c *Config) { c.Loops[0].TargetHz = 0 }},
		{"min above target", func(c *Config) { c.Loops[0].MinHz = c.Loops[0].TargetHz + 1 }},
		{"threshold above one", func(c *Config) { c.Loops[0].PreservationThreshold = 2 }},
		{"negative work cost", func(c *Config) { c.Loops[0].WorkCost = -time.Millisecond }},
		{"negative distress rate", func(c *Config) { c.Engine.DistressPerSecond = -1 }},
		{"distress minute equals second", func(c *Config) {
			c.Engine.DistressPerSecond = 5
			c.Engine.DistressPerMinute = 5
		}},
		{"distress minute not stricter than second", func(c *Config) {
			c.Engine.DistressPerSecond = 5
			c.Engine.DistressPerMinute = 300
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidDistressRatesBuildAnEngine(t *testing.T) {
	for _, rates := range [][2]int{{5, 60}, {5, 0}, {0, 60}, {0, 0}, {50, 299}} {
		c := Default()
		c.Engine.DistressPerSecond, c.Engine.DistressPerMinute = rates[0], rates[1]
		require.NoError(t, c.Validate(), "%v", rates)
		assert.NotPanics(t, func() { engine.New(c.EngineConfig()) }, "%v", rates)
	}
}

func TestPresetsAreValid(t *testing.T) {
	for _, name := range []string{"default", "stress", "low"} {
		c, err := Preset(name)
		require.NoError(t, err, name)
		assert.NoError(t, c.Validate(), name)
	}
	_, err := Preset("turbo")
	assert.Error(t, err)

	assert.Equal(t, timing.Portable, LowResource().Strategy())
	assert.Equal(t, 1, StressTest().Storage.SampleEvery)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cadence.yaml")
	want := StressTest()
	require.NoError(t, want.Save(path))

	got, err := LoadWithBase(path, Default())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEngineConfigConversion(t *testing.T) {
	c := Default()
	c.Engine.DistressPerMinute = 0
	c.Engine.CallbackTimeout = 7 * time.Millisecond
	c.Timing.Strategy = "portable"

	ec := c.EngineConfig()
	assert.Equal(t, 7*time.Millisecond, ec.Scheduler.CallbackTimeout)
	assert.Equal(t, timing.Portable, ec.Negotiator.Preferred)
	assert.Equal(t, c.Engine.CoordinationPeriod, ec.Coordinator.Period)
	assert.Equal(t, map[time.Duration]int{time.Second: 5}, ec.DistressRates)
}

func TestDiffTargets(t *testing.T) {
	prev := Default()
	next := Default()
	next.Loops[0].TargetHz = 12
	next.Loops = append(next.Loops, LoopConfig{ID: "new", TargetHz: 1})

	assert.Equal(t, []TargetChange{{LoopID: "analytical", FromHz: 15, ToHz: 12}}, DiffTargets(prev, next))
	assert.Empty(t, DiffTargets(prev, Default()))
}

func TestWatcherReportsTargetChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cadence.yaml")
	initial := Default()
	require.NoError(t, initial.Save(path))

	var (
		mu   sync.Mutex
		seen [][]TargetChange
	)
	w, err := NewWatcher(path, initial, func(_ *Config, changes []TargetChange) {
		mu.Lock()
		seen = append(seen, changes)
		mu.Unlock()
	}, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher time to register the directory
	time.Sleep(50 * time.Millisecond)

	next := Default()
	next.Loops[3].TargetHz = 200
	require.NoError(t, next.Save(path))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && len(seen[len(seen)-1]) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	last := seen[len(seen)-1]
	mu.Unlock()
	assert.Equal(t, []TargetChange{{LoopID: "reflex", FromHz: 250, ToHz: 200}}, last)
	assert.Equal(t, 200.0, w.Current().Loops[3].TargetHz)
}

func TestWatcherKeepsCurrentOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	initial := Default()
	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)

	writeFile(t, path, "loops:\n  - id: x\n    target_hz: -1\n")
	w.reload()

	assert.Same(t, initial, w.Current())
	ok, failed := w.Reloads()
	assert.Equal(t, 0, ok)
	assert.Equal(t, 1, failed)
}

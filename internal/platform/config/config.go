// Package config loads the daemon configuration from YAML, applies
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MRamiBalles/cadence/internal/engine"
	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/timing"
)

// Config is the root of the YAML document.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Timing  TimingConfig  `yaml:"timing"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Loops   []LoopConfig  `yaml:"loops"`
}

// EngineConfig tunes coordination, degradation and emergency handling.
type EngineConfig struct {
	CoordinationPeriod          time.Duration `yaml:"coordination_period"`
	ReprobeEvery                int           `yaml:"reprobe_every"`
	RiskMajority                float64       `yaml:"risk_majority"`
	BreakthroughQuality         float64       `yaml:"breakthrough_quality"`
	TrendWindow                 int           `yaml:"trend_window"`
	TrendMinRise                float64       `yaml:"trend_min_rise"`
	DistressMajority            float64       `yaml:"distress_majority"`
	PreservationEscalationTicks int           `yaml:"preservation_escalation_ticks"`
	PreservationMinSamples      int           `yaml:"preservation_min_samples"`
	Stagger                     time.Duration `yaml:"stagger"`
	CallbackTimeout             time.Duration `yaml:"callback_timeout"`
	DegradeWindow               int           `yaml:"degrade_window"`
	DegradeStep                 float64       `yaml:"degrade_step"`
	RingCapacity                int           `yaml:"ring_capacity"`
	EventCapacity               int           `yaml:"event_capacity"`
	DistressPerSecond           int           `yaml:"distress_per_second"`
	DistressPerMinute           int           `yaml:"distress_per_minute"`
}

// TimingConfig selects and calibrates the timer strategy.
type TimingConfig struct {
	// Strategy is the preferred strategy: native or portable.
	Strategy       string        `yaml:"strategy"`
	SpinThreshold  time.Duration `yaml:"spin_threshold"`
	ProbeCycles    int           `yaml:"probe_cycles"`
	ProbePeriod    time.Duration `yaml:"probe_period"`
	ProbeTolerance time.Duration `yaml:"probe_tolerance"`
}

// ServerConfig controls the telemetry server.
type ServerConfig struct {
	Listen           string        `yaml:"listen"`
	H2C              bool          `yaml:"h2c"`
	BroadcastPeriod  time.Duration `yaml:"broadcast_period"`
	BroadcastBuffer  int           `yaml:"broadcast_buffer"`
	ClientSendBuffer int           `yaml:"client_send_buffer"`
}

// StorageConfig controls optional SQLite persistence.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// SampleEvery persists one cycle record in every N per loop.
	SampleEvery  int `yaml:"sample_every"`
	MaxOpenConns int `yaml:"max_open_conns"`
}

// LoggingConfig mirrors logger.Options.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoopConfig declares one loop. WorkCost is the synthetic per-cycle work
// the daemon's built-in payload performs.
type LoopConfig struct {
	ID                    string        `yaml:"id"`
	TargetHz              float64       `yaml:"target_hz"`
	MinHz                 float64       `yaml:"min_hz"`
	PreservationThreshold float64       `yaml:"preservation_threshold"`
	WorkCost              time.Duration `yaml:"work_cost"`
}

// Default returns sensible defaults for production: the four reference
// loops on the Native strategy.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			CoordinationPeriod:          100 * time.Millisecond,
			ReprobeEvery:                30,
			RiskMajority:                0.6,
			BreakthroughQuality:         0.9,
			TrendWindow:                 3,
			TrendMinRise:                0.02,
			DistressMajority:            0.6,
			PreservationEscalationTicks: 5,
			PreservationMinSamples:      10,
			Stagger:                     engine.DefaultStagger,
			CallbackTimeout:             20 * time.Millisecond,
			DegradeWindow:               10,
			DegradeStep:                 0.10,
			RingCapacity:                256,
			EventCapacity:               events.DefaultCapacity,
			DistressPerSecond:           5,
			DistressPerMinute:           60,
		},
		Timing: TimingConfig{
			Strategy:       "native",
			SpinThreshold:  timing.DefaultSpinThreshold,
			ProbeCycles:    8,
			ProbePeriod:    2 * time.Millisecond,
			ProbeTolerance: 2 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen:           ":8080",
			H2C:              true,
			BroadcastPeriod:  250 * time.Millisecond,
			BroadcastBuffer:  256,
			ClientSendBuffer: 64,
		},
		Storage: StorageConfig{
			Path:         "cadence.db",
			SampleEvery:  50,
			MaxOpenConns: runtime.NumCPU(),
		},
		Logging: LoggingConfig{Level: "info"},
		Loops: []LoopConfig{
			{ID: "analytical", TargetHz: 15, MinHz: 10, PreservationThreshold: 0.3},
			{ID: "geometric", TargetHz: 30, MinHz: 20, PreservationThreshold: 0.3},
			{ID: "pattern", TargetHz: 90, MinHz: 60, PreservationThreshold: 0.3},
			{ID: "reflex", TargetHz: 250, MinHz: 150, PreservationThreshold: 0.3},
		},
	}
}

// StressTest returns aggressive settings: faster coordination, larger
// buffers and every cycle persisted.
func StressTest() *Config {
	c := Default()
	c.Engine.CoordinationPeriod = 50 * time.Millisecond
	c.Engine.EventCapacity = 4096
	c.Engine.DistressPerSecond = 50
	c.Engine.DistressPerMinute = 500
	c.Server.BroadcastPeriod = 100 * time.Millisecond
	c.Server.BroadcastBuffer = 512
	c.Server.ClientSendBuffer = 128
	c.Storage.Enabled = true
	c.Storage.SampleEvery = 1
	c.Storage.MaxOpenConns = runtime.NumCPU() * 4
	for i := range c.Loops {
		c.Loops[i].TargetHz *= 2
	}
	return c
}

// LowResource returns minimal settings for constrained hosts: Portable
// timing, no spinning, slower coordination.
func LowResource() *Config {
	c := Default()
	c.Engine.CoordinationPeriod = 500 * time.Millisecond
	c.Engine.ReprobeEvery = 0
	c.Engine.RingCapacity = 64
	c.Engine.EventCapacity = 128
	c.Timing.Strategy = "portable"
	c.Timing.SpinThreshold = 0
	c.Server.BroadcastPeriod = time.Second
	c.Server.BroadcastBuffer = 16
	c.Server.ClientSendBuffer = 8
	c.Storage.MaxOpenConns = 2
	return c
}

// Preset returns a named preset: default, stress or low.
func Preset(name string) (*Config, error) {
	switch name {
	case "", "default":
		return Default(), nil
	case "stress":
		return StressTest(), nil
	case "low":
		return LowResource(), nil
	}
	return nil, fmt.Errorf("unknown preset %q (valid: default, stress, low)", name)
}

// Load reads path on top of Default. A missing file yields the defaults.
// Environment overrides are applied either way, then the result is
// validated.
func Load(path string) (*Config, error) {
	return LoadWithBase(path, Default())
}

// LoadWithBase is Load starting from base instead of Default.
func LoadWithBase(path string, base *Config) (*Config, error) {
	cfg := base
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CADENCE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CADENCE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CADENCE_STRATEGY"); v != "" {
		c.Timing.Strategy = v
	}
	if v := os.Getenv("CADENCE_DB"); v != "" {
		c.Storage.Path = v
		c.Storage.Enabled = true
	}
}

// Validate checks ranges and loop declarations.
func (c *Config) Validate() error {
	if _, ok := timing.ParseStrategy(c.Timing.Strategy); !ok {
		return fmt.Errorf("invalid timing strategy %q (valid: native, portable)", c.Timing.Strategy)
	}
	if c.Engine.CoordinationPeriod <= 0 {
		return fmt.Errorf("engine.coordination_period must be positive, got %v", c.Engine.CoordinationPeriod)
	}
	for name, v := range map[string]float64{
		"engine.risk_majority":        c.Engine.RiskMajority,
		"engine.distress_majority":    c.Engine.DistressMajority,
		"engine.breakthrough_quality": c.Engine.BreakthroughQuality,
	} {
		if math.IsNaN(v) || v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if c.Engine.DegradeStep <= 0 || c.Engine.DegradeStep >= 1 {
		return fmt.Errorf("engine.degrade_step must be in (0, 1), got %v", c.Engine.DegradeStep)
	}
	if c.Engine.DistressPerSecond < 0 || c.Engine.DistressPerMinute < 0 {
		return errors.New("engine distress rates must not be negative")
	}
	if err := engine.ValidateDistressRates(c.distressRates()); err != nil {
		return fmt.Errorf("engine.distress_per_second/distress_per_minute: %w", err)
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return errors.New("storage.path is required when storage is enabled")
	}

	seen := make(map[string]struct{}, len(c.Loops))
	for i, l := range c.Loops {
		if l.ID == "" {
			return fmt.Errorf("loops[%d]: id is required", i)
		}
		if _, dup := seen[l.ID]; dup {
			return fmt.Errorf("loops[%d]: duplicate id %q", i, l.ID)
		}
		seen[l.ID] = struct{}{}
		if math.IsNaN(l.TargetHz) || math.IsInf(l.TargetHz, 0) || l.TargetHz <= 0 {
			return fmt.Errorf("loop %s: target_hz must be positive, got %v", l.ID, l.TargetHz)
		}
		if l.MinHz < 0 || l.MinHz > l.TargetHz {
			return fmt.Errorf("loop %s: min_hz must be in [0, target_hz], got %v", l.ID, l.MinHz)
		}
		if l.PreservationThreshold < 0 || l.PreservationThreshold > 1 {
			return fmt.Errorf("loop %s: preservation_threshold must be in [0, 1], got %v", l.ID, l.PreservationThreshold)
		}
		if l.WorkCost < 0 {
			return fmt.Errorf("loop %s: work_cost must not be negative", l.ID)
		}
	}
	return nil
}

// Strategy returns the parsed preferred strategy.
func (c *Config) Strategy() timing.Strategy {
	s, _ := timing.ParseStrategy(c.Timing.Strategy)
	return s
}

// EngineConfig converts the file layout into engine.Config.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()

	ec.Scheduler.RingCapacity = c.Engine.RingCapacity
	ec.Scheduler.DegradeWindow = c.Engine.DegradeWindow
	ec.Scheduler.DegradeStep = c.Engine.DegradeStep
	ec.Scheduler.CallbackTimeout = c.Engine.CallbackTimeout

	ec.Coordinator.Period = c.Engine.CoordinationPeriod
	ec.Coordinator.RiskMajority = c.Engine.RiskMajority
	ec.Coordinator.BreakthroughQuality = c.Engine.BreakthroughQuality
	ec.Coordinator.TrendWindow = c.Engine.TrendWindow
	ec.Coordinator.TrendMinRise = c.Engine.TrendMinRise
	ec.Coordinator.DistressMajority = c.Engine.DistressMajority
	ec.Coordinator.PreservationEscalationTicks = c.Engine.PreservationEscalationTicks
	ec.Coordinator.PreservationMinSamples = c.Engine.PreservationMinSamples

	ec.Negotiator.Preferred = c.Strategy()
	ec.Negotiator.CalibrationCycles = c.Timing.ProbeCycles
	ec.Negotiator.CalibrationPeriod = c.Timing.ProbePeriod
	ec.Negotiator.Tolerance = c.Timing.ProbeTolerance
	ec.Negotiator.ReprobeEvery = c.Engine.ReprobeEvery

	ec.Stagger = c.Engine.Stagger
	ec.EventCapacity = c.Engine.EventCapacity

	ec.DistressRates = c.distressRates()
	return ec
}

// distressRates keeps only the windows that are set; zero disables one.
func (c *Config) distressRates() map[time.Duration]int {
	rates := make(map[time.Duration]int)
	if c.Engine.DistressPerSecond > 0 {
		rates[time.Second] = c.Engine.DistressPerSecond
	}
	if c.Engine.DistressPerMinute > 0 {
		rates[time.Minute] = c.Engine.DistressPerMinute
	}
	return rates
}

// Loop returns the declaration for id.
func (c *Config) Loop(id string) (LoopConfig, bool) {
	for _, l := range c.Loops {
		if l.ID == id {
			return l, true
		}
	}
	return LoopConfig{}, false
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/config"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
)

func TestLoopSpecFromConfig(t *testing.T) {
	lc := config.LoopConfig{ID: "reflex", TargetHz: 250, MinHz: 150, PreservationThreshold: 0.3, WorkCost: time.Millisecond}
	spec := loopSpec(lc, logger.NewNop())

	require.NoError(t, spec.Validate())
	assert.Equal(t, "reflex", spec.ID)
	assert.Equal(t, 250.0, spec.TargetHz)
	assert.Equal(t, 150.0, spec.MinHz)
	assert.NotPanics(t, func() {
		spec.Baseline(context.Background(), events.NewSignal("reflex", events.Critical, events.ReasonExternal, ""))
	})
}

func TestSyntheticWorkHonoursCost(t *testing.T) {
	start := time.Now()
	syntheticWork(5 * time.Millisecond)(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	syntheticWork(time.Second)(ctx)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLoadConfigUsesPreset(t *testing.T) {
	defer func(p, f, l string) { preset, cfgFile, level = p, f, l }(preset, cfgFile, level)

	preset, cfgFile, level = "low", "", "warn"
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "portable", cfg.Timing.Strategy)
	assert.Equal(t, "warn", cfg.Logging.Level)

	preset = "bogus"
	_, err = loadConfig()
	assert.Error(t, err)
}

package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/timing"
)

type skewClock struct {
	now time.Time
}

func (c *skewClock) Now() time.Time { return c.now }

// skewedTimers returns a factory whose timers overshoot every sleep by skew.
func skewedTimers(skew *time.Duration) func() *timing.Timer {
	return func() *timing.Timer {
		clk := &skewClock{now: time.Unix(0, 0)}
		return timing.NewTimer(
			timing.WithClock(clk),
			timing.WithSpinThreshold(0),
			timing.WithSleeper(func(d time.Duration) { clk.now = clk.now.Add(d + *skew) }),
		)
	}
}

func TestProbeHealthyHostSelectsNative(t *testing.T) {
	skew := time.Duration(0)
	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable})
	n := New(cell, DefaultConfig(),
		WithAcquirer(func(timing.Strategy) error { return nil }),
		WithTimerFactory(skewedTimers(&skew)),
	)

	sel := n.SelectActive(context.Background())
	assert.Equal(t, timing.Native, sel.Strategy)
	assert.Equal(t, timing.Available, sel.Capability)
	assert.Equal(t, 8, n.LastResult().Cycles)
}

func TestProbeImpreciseHostDegradesToPortable(t *testing.T) {
	skew := 3 * time.Millisecond
	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Native, Capability: timing.Available})

	var swaps []timing.Selection
	n := New(cell, DefaultConfig(),
		WithAcquirer(func(timing.Strategy) error { return nil }),
		WithTimerFactory(skewedTimers(&skew)),
		OnChange(func(_, next timing.Selection, _ Result) { swaps = append(swaps, next) }),
	)

	sel := n.SelectActive(context.Background())
	assert.Equal(t, timing.Portable, sel.Strategy)
	assert.Equal(t, timing.Degraded, sel.Capability)
	require.Len(t, swaps, 1)
	assert.Equal(t, 8, n.LastResult().Exceeded)
}

func TestAcquisitionFailureSelectsPortable(t *testing.T) {
	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Native, Capability: timing.Available})
	n := New(cell, DefaultConfig(), WithAcquirer(func(timing.Strategy) error {
		return timing.ErrTimerAcquisition
	}))

	sel := n.SelectActive(context.Background())
	assert.Equal(t, timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable}, sel)
	assert.True(t, errors.Is(n.LastResult().Err, timing.ErrTimerAcquisition))
	assert.Equal(t, sel, cell.Load())
}

func TestSelectActiveIsIdempotent(t *testing.T) {
	skew := time.Duration(0)
	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable})
	changes := 0
	n := New(cell, DefaultConfig(),
		WithAcquirer(func(timing.Strategy) error { return nil }),
		WithTimerFactory(skewedTimers(&skew)),
		OnChange(func(_, _ timing.Selection, _ Result) { changes++ }),
	)

	first := n.SelectActive(context.Background())
	second := n.SelectActive(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, changes)
}

func TestTickReprobesAndRecovers(t *testing.T) {
	skew := 3 * time.Millisecond
	cfg := DefaultConfig()
	cfg.ReprobeEvery = 3
	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Native, Capability: timing.Available})
	n := New(cell, cfg,
		WithAcquirer(func(timing.Strategy) error { return nil }),
		WithTimerFactory(skewedTimers(&skew)),
	)

	require.Equal(t, timing.Portable, n.SelectActive(context.Background()).Strategy)

	skew = 0
	for i := 1; i <= 2; i++ {
		_, probed := n.Tick(context.Background())
		assert.False(t, probed, "tick %d", i)
	}
	sel, probed := n.Tick(context.Background())
	assert.True(t, probed)
	assert.Equal(t, timing.Native, sel.Strategy)
	assert.Equal(t, timing.Available, n.Active().Capability)
}

func TestPreferredPortableNeverSelectsNative(t *testing.T) {
	skew := time.Duration(0)
	cfg := DefaultConfig()
	cfg.Preferred = timing.Portable
	cell := timing.NewStrategyCell(timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable})
	n := New(cell, cfg,
		WithAcquirer(func(timing.Strategy) error { return nil }),
		WithTimerFactory(skewedTimers(&skew)),
	)

	sel := n.SelectActive(context.Background())
	assert.Equal(t, timing.Portable, sel.Strategy)
	assert.Equal(t, timing.Available, sel.Capability)
}

package engine

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/quality"
	"github.com/MRamiBalles/cadence/internal/scheduler"
)

type fakeView struct {
	mu    sync.Mutex
	stats scheduler.Stats
}

func newFakeView(id string, hz float64) *fakeView {
	return &fakeView{stats: scheduler.Stats{
		LoopID:     id,
		State:      scheduler.Running,
		TargetHz:   hz,
		MinHz:      hz / 2,
		AchievedHz: hz,
		Quality:    quality.Assessment{Samples: 100, Score: 0.8},
	}}
}

func (f *fakeView) ID() string { return f.stats.LoopID }

func (f *fakeView) Stats() scheduler.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeView) set(fn func(*scheduler.Stats)) {
	f.mu.Lock()
	fn(&f.stats)
	f.mu.Unlock()
}

type signalSink struct {
	mu  sync.Mutex
	got []events.EmergencySignal
}

func (s *signalSink) add(sig events.EmergencySignal) {
	s.mu.Lock()
	s.got = append(s.got, sig)
	s.mu.Unlock()
}

func (s *signalSink) all() []events.EmergencySignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.EmergencySignal(nil), s.got...)
}

func fourLoops(t *testing.T, c *Coordinator) []*fakeView {
	t.Helper()
	var views []*fakeView
	for i, hz := range []float64{15, 30, 90, 250} {
		v := newFakeView(string(rune('a'+i)), hz)
		require.NoError(t, c.Register(v))
		views = append(views, v)
	}
	return views
}

func TestHarmonicMeanProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(6)
		freqs := make([]float64, n)
		var inv float64
		for i := range freqs {
			freqs[i] = 10 + rng.Float64()*990
			inv += 1 / freqs[i]
		}
		h := HarmonicMean(freqs)
		assert.InDelta(t, float64(n)/inv, h, 1e-9)
		assert.LessOrEqual(t, h, ArithmeticMean(freqs)+1e-9)

		// one loop far slower than the rest pulls the harmonic mean toward it
		freqs[0] = freqs[1] / 50
		lowest := freqs[0]
		for _, f := range freqs {
			lowest = math.Min(lowest, f)
		}
		assert.Less(t, HarmonicMean(freqs)-lowest, ArithmeticMean(freqs)-lowest)
	}
}

func TestHarmonicMeanIgnoresNonPositive(t *testing.T) {
	assert.Zero(t, HarmonicMean(nil))
	assert.Zero(t, HarmonicMean([]float64{0, -1}))
	assert.InDelta(t, 2*10*30/40.0, HarmonicMean([]float64{10, 0, 30}), 1e-9)
}

func TestCoordinateTickUnifiedFrequency(t *testing.T) {
	c := NewCoordinator(DefaultCoordinatorConfig())
	views := fourLoops(t, c)

	snap := c.CoordinateTick()
	require.Len(t, snap.Loops, 4)
	assert.Equal(t, uint64(1), snap.Tick)
	want := 4 / (1.0/15 + 1.0/30 + 1.0/90 + 1.0/250)
	assert.InDelta(t, want, snap.UnifiedHz, 1e-9)
	assert.False(t, snap.CascadeRisk)
	assert.False(t, snap.CascadeDistress)
	assert.Equal(t, PressureNormal, snap.Pressure)

	views[3].set(func(s *scheduler.Stats) { s.State = scheduler.Stopped })
	snap = c.CoordinateTick()
	assert.InDelta(t, 3/(1.0/15+1.0/30+1.0/90), snap.UnifiedHz, 1e-9, "stopped loops do not count")
	assert.Equal(t, snap, c.Snapshot())

	row, ok := snap.Loop("d")
	require.True(t, ok)
	assert.Equal(t, scheduler.Stopped, row.State)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	c := NewCoordinator(DefaultCoordinatorConfig())
	require.NoError(t, c.Register(newFakeView("a", 10)))
	assert.ErrorIs(t, c.Register(newFakeView("a", 20)), ErrDuplicateLoopID)
	assert.ErrorIs(t, c.Replace(newFakeView("b", 20)), ErrUnknownLoop)
	assert.NoError(t, c.Replace(newFakeView("a", 20)))
	assert.Equal(t, 1, c.Len())
}

func TestCascadeDistressRaisedExactlyOnce(t *testing.T) {
	sink := &signalSink{}
	log := events.NewLog(0, nil)
	c := NewCoordinator(DefaultCoordinatorConfig(), WithSignalSink(sink.add), WithCoordinatorEvents(log))
	views := fourLoops(t, c)

	for _, v := range views[:3] {
		v.set(func(s *scheduler.Stats) { s.State = scheduler.Degraded })
	}
	for i := 0; i < 5; i++ {
		snap := c.CoordinateTick()
		assert.True(t, snap.CascadeDistress)
		assert.Equal(t, PressureEmergency, snap.Pressure)
	}

	sigs := sink.all()
	require.Len(t, sigs, 1)
	assert.True(t, sigs[0].IsGlobal())
	assert.Equal(t, events.Critical, sigs[0].Severity)
	assert.Equal(t, events.ReasonCascadeDistress, sigs[0].Reason)
	assert.Len(t, log.Recent(-1, events.EventTypeCascadeDistress), 1)
	assert.True(t, c.DistressLatched())

	for _, v := range views {
		v.set(func(s *scheduler.Stats) { s.State = scheduler.Running })
	}
	c.CoordinateTick()
	assert.False(t, c.DistressLatched())
}

func TestDistressThresholdIsInclusive(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.DistressMajority = 0.5
	sink := &signalSink{}
	c := NewCoordinator(cfg, WithSignalSink(sink.add))
	views := fourLoops(t, c)

	views[0].set(func(s *scheduler.Stats) { s.State = scheduler.Degraded })
	assert.False(t, c.CoordinateTick().CascadeDistress)

	views[1].set(func(s *scheduler.Stats) { s.State = scheduler.Degraded })
	assert.True(t, c.CoordinateTick().CascadeDistress)
	assert.Len(t, sink.all(), 1)
}

func rising(views []*fakeView, c *Coordinator, ticks int) CoordinationSnapshot {
	var snap CoordinationSnapshot
	for i := 0; i < ticks; i++ {
		for _, v := range views {
			v.set(func(s *scheduler.Stats) { s.AchievedHz = s.TargetHz * (0.8 + 0.1*float64(i)) })
		}
		snap = c.CoordinateTick()
	}
	return snap
}

func TestCascadeRiskThresholdIsExclusive(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.RiskMajority = 0.5
	c := NewCoordinator(cfg)
	views := fourLoops(t, c)
	for _, v := range views[:2] {
		v.set(func(s *scheduler.Stats) { s.Quality.Score = 0.95 })
	}

	assert.False(t, rising(views, c, 3).CascadeRisk, "exactly half is not a majority")

	views[2].set(func(s *scheduler.Stats) { s.Quality.Score = 0.95 })
	c2 := NewCoordinator(cfg)
	for _, v := range views {
		require.NoError(t, c2.Register(v))
	}
	assert.True(t, rising(views, c2, 3).CascadeRisk)
}

func TestCascadeRiskNeedsUpwardTrend(t *testing.T) {
	log := events.NewLog(0, nil)
	sink := &signalSink{}
	c := NewCoordinator(DefaultCoordinatorConfig(), WithCoordinatorEvents(log), WithSignalSink(sink.add))
	views := fourLoops(t, c)
	for _, v := range views {
		v.set(func(s *scheduler.Stats) { s.Quality.Score = 0.97 })
	}

	for i := 0; i < 5; i++ {
		assert.False(t, c.CoordinateTick().CascadeRisk, "flat frequencies are not a trend")
	}

	snap := rising(views, c, 3)
	assert.True(t, snap.CascadeRisk)
	for _, row := range snap.Loops {
		assert.True(t, row.TrendingUp)
	}
	assert.True(t, c.CoordinateTick().CascadeRisk, "still rising across the window")

	assert.Len(t, log.Recent(-1, events.EventTypeCascadeRisk), 1, "one event per episode")
	assert.Empty(t, sink.all(), "cascade risk is informational only")
}

func TestPreservationEscalation(t *testing.T) {
	sink := &signalSink{}
	c := NewCoordinator(DefaultCoordinatorConfig(), WithSignalSink(sink.add))
	v := newFakeView("fragile", 60)
	v.set(func(s *scheduler.Stats) {
		s.PreservationThreshold = 0.5
		s.Quality = quality.Assessment{Samples: 50, Score: 0.2}
	})
	require.NoError(t, c.Register(v))

	for i := 0; i < 6; i++ {
		c.CoordinateTick()
	}
	sigs := sink.all()
	require.Len(t, sigs, 2)
	assert.Equal(t, events.Warning, sigs[0].Severity)
	assert.Equal(t, events.Critical, sigs[1].Severity)
	for _, s := range sigs {
		assert.Equal(t, "fragile", s.Source)
		assert.Equal(t, events.ReasonQualityBreach, s.Reason)
	}

	v.set(func(s *scheduler.Stats) { s.Quality.Score = 0.9 })
	c.CoordinateTick()
	v.set(func(s *scheduler.Stats) { s.Quality.Score = 0.1 })
	c.CoordinateTick()
	sigs = sink.all()
	require.Len(t, sigs, 3)
	assert.Equal(t, events.Warning, sigs[2].Severity, "recovery resets the escalation count")
}

func TestPreservationIgnoresSmallWindows(t *testing.T) {
	sink := &signalSink{}
	c := NewCoordinator(DefaultCoordinatorConfig(), WithSignalSink(sink.add))
	v := newFakeView("young", 60)
	v.set(func(s *scheduler.Stats) {
		s.PreservationThreshold = 0.5
		s.Quality = quality.Assessment{Samples: 3, Score: 0}
	})
	require.NoError(t, c.Register(v))
	c.CoordinateTick()
	assert.Empty(t, sink.all())
}

func TestClassifyPressure(t *testing.T) {
	assert.Equal(t, PressureNormal, classifyPressure(0))
	assert.Equal(t, PressureElevated, classifyPressure(0.1))
	assert.Equal(t, PressureHigh, classifyPressure(0.25))
	assert.Equal(t, PressureCritical, classifyPressure(0.5))
	assert.Equal(t, PressureEmergency, classifyPressure(0.75))
	assert.Equal(t, "Critical", PressureCritical.String())
}

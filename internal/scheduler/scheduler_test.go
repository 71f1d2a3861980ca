package scheduler

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/timing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock advances only when the timer sleeps, so loops cycle as fast as
// the CPU allows with perfectly regular measured periods.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	runtime.Gosched()
}

func fakeTimerOptions() []Option {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	timer := timing.NewTimer(
		timing.WithClock(clk),
		timing.WithSpinThreshold(0),
		timing.WithSleeper(clk.sleep),
	)
	return []Option{WithClock(clk), WithTimer(timer)}
}

func nativeCell() *timing.StrategyCell {
	return timing.NewStrategyCell(timing.Selection{Strategy: timing.Native, Capability: timing.Available})
}

func noop(context.Context) {}

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop %s did not stop", s.ID())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		spec LoopSpec
		want error
	}{
		{"zero target", LoopSpec{ID: "a", TargetHz: 0, Callback: noop}, ErrInvalidFrequency},
		{"negative target", LoopSpec{ID: "a", TargetHz: -5, Callback: noop}, ErrInvalidFrequency},
		{"nan target", LoopSpec{ID: "a", TargetHz: math.NaN(), Callback: noop}, ErrInvalidFrequency},
		{"min above target", LoopSpec{ID: "a", TargetHz: 10, MinHz: 11, Callback: noop}, ErrInvalidFrequency},
		{"negative min", LoopSpec{ID: "a", TargetHz: 10, MinHz: -1, Callback: noop}, ErrInvalidFrequency},
		{"empty id", LoopSpec{TargetHz: 10, Callback: noop}, ErrInvalidSpec},
		{"reserved id", LoopSpec{ID: events.Global, TargetHz: 10, Callback: noop}, ErrInvalidSpec},
		{"threshold above one", LoopSpec{ID: "a", TargetHz: 10, PreservationThreshold: 1.5, Callback: noop}, ErrInvalidSpec},
		{"nil callback", LoopSpec{ID: "a", TargetHz: 10}, ErrInvalidSpec},
		{"ok", LoopSpec{ID: "a", TargetHz: 10, MinHz: 10, PreservationThreshold: 0.3, Callback: noop}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRunReachesRunningAndRecords(t *testing.T) {
	var baseline atomic.Int32
	spec := LoopSpec{
		ID: "render", TargetHz: 200, MinHz: 50, Callback: noop,
		Baseline: func(context.Context, events.EmergencySignal) { baseline.Add(1) },
	}
	s, err := New(spec, nativeCell(), Options{RingCapacity: 16})
	require.NoError(t, err)
	assert.Equal(t, Initializing, s.State())

	go func() { _ = s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Stats().Cycles >= 30 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, s.State())

	recs := s.Records()
	require.Len(t, recs, 16)
	for i := 1; i < len(recs); i++ {
		assert.Equal(t, recs[i-1].Index+1, recs[i].Index)
		assert.Greater(t, recs[i].Duration, time.Duration(0))
		assert.GreaterOrEqual(t, recs[i].Frequency(), 0.0)
	}

	require.True(t, s.Stop(events.NewSignal("render", events.Critical, events.ReasonExternal, "")))
	waitDone(t, s)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, int32(1), baseline.Load())
}

func TestSecondRunFails(t *testing.T) {
	s, err := New(LoopSpec{ID: "a", TargetHz: 100, Callback: noop}, nil, Options{}, fakeTimerOptions()...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)
	cancel()
	waitDone(t, s)
}

func TestOverrunningCallbackDegradesMonotonically(t *testing.T) {
	log := events.NewLog(0, nil)
	spec := LoopSpec{
		ID: "heavy", TargetHz: 100, MinHz: 50,
		// never finishes on its own
		Callback: func(ctx context.Context) { <-ctx.Done() },
	}
	s, err := New(spec, nativeCell(), Options{CallbackTimeout: 5 * time.Millisecond},
		append(fakeTimerOptions(), WithEventLog(log))...)
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.InternalTargetHz() == 50 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, Degraded, s.State())
	assert.Equal(t, 100.0, s.TargetHz(), "configured target is never lowered automatically")

	var steps []float64
	for _, e := range log.Recent(-1, events.EventTypeTargetAdjusted) {
		p := e.Payload.(events.TargetPayload)
		assert.False(t, p.Requested)
		assert.Less(t, p.ToHz, p.FromHz)
		steps = append(steps, p.ToHz)
	}
	require.NotEmpty(t, steps)
	for i := 1; i < len(steps); i++ {
		assert.Less(t, steps[i], steps[i-1])
	}
	assert.Equal(t, 50.0, steps[len(steps)-1])

	st := s.Stats()
	assert.Greater(t, st.Skipped, uint64(0))
	assert.Less(t, st.WindowHz, 50.0)

	require.True(t, s.Stop(events.NewSignal("heavy", events.Critical, events.ReasonExternal, "")))
	waitDone(t, s)

	st = s.Stats()
	assert.Equal(t, Stopped, st.State)
	assert.True(t, st.Abandoned)
	assert.Equal(t, uint64(1), st.CallbackTimeouts)
	assert.Len(t, log.Recent(-1, events.EventTypeCallbackTimeout), 1)
}

func TestDegradedQualityUsesConfiguredTarget(t *testing.T) {
	spec := LoopSpec{
		ID: "heavy", TargetHz: 100, MinHz: 50,
		Callback: func(ctx context.Context) { <-ctx.Done() },
	}
	s, err := New(spec, nativeCell(), Options{CallbackTimeout: 5 * time.Millisecond}, fakeTimerOptions()...)
	require.NoError(t, err)
	go func() { _ = s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		recs := s.Records()
		return len(recs) > 0 && recs[len(recs)-1].IdealPeriod == 20*time.Millisecond
	}, 2*time.Second, time.Millisecond)

	recs := s.Records()
	last := recs[len(recs)-1]
	assert.Equal(t, 10*time.Millisecond, last.TargetPeriod)

	q := s.Stats().Quality
	assert.InDelta(t, 100.0, q.TargetHz, 1e-6)
	assert.InDelta(t, q.AchievedHz/100, q.FrequencyRatio, 1e-9)
	assert.Less(t, q.FrequencyRatio, 0.5)

	require.True(t, s.Stop(events.NewSignal("heavy", events.Critical, events.ReasonExternal, "")))
	waitDone(t, s)
}

func TestStopRunsBaselineExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	var got events.EmergencySignal
	spec := LoopSpec{
		ID: "a", TargetHz: 100, Callback: noop,
		Baseline: func(_ context.Context, sig events.EmergencySignal) {
			calls.Add(1)
			got = sig
		},
	}
	s, err := New(spec, nil, Options{}, fakeTimerOptions()...)
	require.NoError(t, err)
	go func() { _ = s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	sig := events.NewSignal("a", events.Critical, events.ReasonExternal, "first")
	s.Stop(sig)
	s.Stop(events.NewSignal("a", events.Critical, events.ReasonExternal, "second"))
	waitDone(t, s)
	assert.False(t, s.Stop(sig))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, sig.ID, got.ID)
}

func TestContextCancelGoesThroughEmergencyStop(t *testing.T) {
	var reason events.Reason
	log := events.NewLog(0, nil)
	spec := LoopSpec{
		ID: "a", TargetHz: 100, Callback: noop,
		Baseline: func(_ context.Context, sig events.EmergencySignal) { reason = sig.Reason },
	}
	s, err := New(spec, nil, Options{}, append(fakeTimerOptions(), WithEventLog(log))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)
	cancel()
	waitDone(t, s)

	assert.Equal(t, events.ReasonShutdown, reason)
	var path []string
	for _, e := range log.Recent(-1, events.EventTypeStateChange) {
		path = append(path, e.Payload.(events.StateChangePayload).To)
	}
	assert.Equal(t, []string{"Running", "EmergencyStopping", "Stopped"}, path)
}

func TestStopBeforeRun(t *testing.T) {
	var calls atomic.Int32
	spec := LoopSpec{
		ID: "a", TargetHz: 100, Callback: noop,
		Baseline: func(context.Context, events.EmergencySignal) { calls.Add(1) },
	}

	s, err := New(spec, nil, Options{}, fakeTimerOptions()...)
	require.NoError(t, err)
	require.True(t, s.Stop(events.NewSignal("a", events.Critical, events.ReasonExternal, "")))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, uint64(0), s.Stats().Cycles)

	idle, err := New(spec, nil, Options{})
	require.NoError(t, err)
	assert.True(t, idle.StopIdle(events.NewSignal("a", events.Critical, events.ReasonShutdown, "")))
	assert.False(t, idle.StopIdle(events.NewSignal("a", events.Critical, events.ReasonShutdown, "")))
	assert.Equal(t, Stopped, idle.State())
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestTarget(t *testing.T) {
	log := events.NewLog(0, nil)
	s, err := New(LoopSpec{ID: "a", TargetHz: 50, MinHz: 20, Callback: noop}, nil, Options{}, WithEventLog(log))
	require.NoError(t, err)

	assert.ErrorIs(t, s.RequestTarget(10), ErrInvalidFrequency)
	assert.ErrorIs(t, s.RequestTarget(math.Inf(1)), ErrInvalidFrequency)
	assert.ErrorIs(t, s.RequestTarget(0), ErrInvalidFrequency)

	require.NoError(t, s.RequestTarget(120))
	assert.Equal(t, 120.0, s.TargetHz())
	assert.Equal(t, 120.0, s.InternalTargetHz())
	assert.Equal(t, 120.0, s.Spec().TargetHz)

	adj := log.Recent(-1, events.EventTypeTargetAdjusted)
	require.Len(t, adj, 1)
	assert.Equal(t, events.TargetPayload{FromHz: 50, ToHz: 120, Requested: true}, adj[0].Payload)
}

func TestStrategySwapKeepsLoopRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("real clock")
	}
	cell := nativeCell()
	log := events.NewLog(0, nil)
	s, err := New(LoopSpec{ID: "a", TargetHz: 100, MinHz: 5, Callback: noop}, cell, Options{}, WithEventLog(log))
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == Running }, time.Second, time.Millisecond)

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			cell.Publish(timing.Selection{Strategy: timing.Portable, Capability: timing.Degraded})
		} else {
			cell.Publish(timing.Selection{Strategy: timing.Native, Capability: timing.Available})
		}
		time.Sleep(7 * time.Millisecond)
		require.Equal(t, Running, s.State())
	}

	s.Stop(events.NewSignal("a", events.Critical, events.ReasonExternal, ""))
	waitDone(t, s)

	recs := s.Records()
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i-1].Duration == 0 && recs[i].Duration == 0, "consecutive zero durations at %d", i)
	}
	transitions := log.Recent(-1, events.EventTypeStateChange)
	require.Len(t, transitions, 3, "Initializing->Running, then the stop sequence only")
}

func TestPanickingCallbackDoesNotKillLoop(t *testing.T) {
	var n atomic.Int32
	spec := LoopSpec{ID: "a", TargetHz: 100, Callback: func(context.Context) {
		n.Add(1)
		panic(errors.New("boom"))
	}}
	s, err := New(spec, nil, Options{}, fakeTimerOptions()...)
	require.NoError(t, err)

	go func() { _ = s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop(events.NewSignal("a", events.Critical, events.ReasonExternal, ""))
	waitDone(t, s)
	assert.Equal(t, Stopped, s.State())
}

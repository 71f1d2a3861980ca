// Package test holds end-to-end scenarios that drive a live engine on the
// real clock and check what an operator would check: loop states, cascade
// flags, strategy fallback and the emergency stop sequence.
package test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/engine"
	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/scheduler"
	"github.com/MRamiBalles/cadence/internal/timing"
	"github.com/MRamiBalles/cadence/internal/timing/capability"
)

// Result captures the outcome of one scenario.
type Result struct {
	Scenario string        `json:"scenario"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
	Passed   bool          `json:"passed"`
	Reason   string        `json:"reason,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Scenario is one named end-to-end check.
type Scenario struct {
	Name string
	Run  func(ctx context.Context) Result
}

// Suite runs scenarios in order and keeps their results.
type Suite struct {
	log *logger.Logger
	// Steady is how long the steady-state scenario runs.
	Steady time.Duration

	mu      sync.Mutex
	results []Result
}

// NewSuite creates a suite. A nil logger discards output.
func NewSuite(log *logger.Logger, steady time.Duration) *Suite {
	if log == nil {
		log = logger.NewNop()
	}
	if steady <= 0 {
		steady = 5 * time.Second
	}
	return &Suite{log: log, Steady: steady}
}

// Scenarios lists every scenario the suite knows, in run order.
func (s *Suite) Scenarios() []Scenario {
	return []Scenario{
		{Name: "steady-four-loops", Run: s.SteadyFourLoops},
		{Name: "portable-fallback", Run: s.PortableFallback},
		{Name: "cascade-distress", Run: s.CascadeDistress},
		{Name: "distress-routing", Run: s.DistressRouting},
	}
}

// RunAll runs every scenario, or only those named in only.
func (s *Suite) RunAll(ctx context.Context, only ...string) []Result {
	want := make(map[string]bool, len(only))
	for _, n := range only {
		want[n] = true
	}
	for _, sc := range s.Scenarios() {
		if len(want) > 0 && !want[sc.Name] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		s.log.Info("scenario starting", zap.String("scenario", sc.Name))
		start := time.Now()
		r := sc.Run(ctx)
		r.Scenario = sc.Name
		r.Elapsed = time.Since(start)
		s.log.Info("scenario finished",
			zap.String("scenario", sc.Name),
			zap.Bool("passed", r.Passed),
			zap.String("reason", r.Reason),
			zap.Duration("elapsed", r.Elapsed),
		)
		s.mu.Lock()
		s.results = append(s.results, r)
		s.mu.Unlock()
	}
	return s.Results()
}

// Results returns a copy of the results so far.
func (s *Suite) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

type hooks struct {
	mu    sync.Mutex
	calls map[string]int
}

func (h *hooks) baseline(id string) scheduler.BaselineHook {
	return func(context.Context, events.EmergencySignal) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.calls == nil {
			h.calls = make(map[string]int)
		}
		h.calls[id]++
	}
}

func (h *hooks) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[id]
}

var fourLoops = []struct {
	id        string
	hz, minHz float64
}{
	{"analytical", 15, 10},
	{"geometric", 30, 20},
	{"pattern", 90, 60},
	{"reflex", 250, 150},
}

func (s *Suite) config() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Coordinator.Period = 50 * time.Millisecond
	cfg.Scheduler.CallbackTimeout = 10 * time.Millisecond
	return cfg
}

func (s *Suite) register(e *engine.Engine, h *hooks, id string, hz, minHz float64, cb scheduler.Callback) error {
	if cb == nil {
		cb = func(context.Context) {}
	}
	_, err := e.RegisterLoop(scheduler.LoopSpec{
		ID:                    id,
		TargetHz:              hz,
		MinHz:                 minHz,
		PreservationThreshold: 0,
		Callback:              cb,
		Baseline:              h.baseline(id),
	})
	return err
}

func fail(expected, actual, reason string) Result {
	return Result{Expected: expected, Actual: actual, Reason: reason}
}

// waitFor polls cond until it holds, ctx ends or timeout passes.
func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-tick.C:
		}
	}
}

func shutdown(e *engine.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}

// SteadyFourLoops runs four loops at 15, 30, 90 and 250 Hz on the preferred
// strategy. At the end every loop must be Running, the snapshot must not
// flag cascade risk and no ring may exceed its capacity.
func (s *Suite) SteadyFourLoops(ctx context.Context) Result {
	const expected = "all loops Running, no cascade risk, rings bounded"
	e := engine.New(s.config(), engine.WithLogger(s.log.Named("steady")))
	h := &hooks{}
	for _, l := range fourLoops {
		if err := s.register(e, h, l.id, l.hz, l.minHz, nil); err != nil {
			return fail(expected, "register failed", err.Error())
		}
	}
	if err := e.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(expected, "start failed", err.Error())
	}

	select {
	case <-time.After(s.Steady):
	case <-ctx.Done():
		_ = shutdown(e)
		return fail(expected, "interrupted", ctx.Err().Error())
	}

	snap := e.GetSnapshot()
	stats := e.LoopStats()
	if err := shutdown(e); err != nil {
		return fail(expected, "shutdown failed", err.Error())
	}

	for _, st := range stats {
		if st.State != scheduler.Running {
			return fail(expected, fmt.Sprintf("%s is %s", st.LoopID, st.State),
				fmt.Sprintf("achieved %.1f Hz against min %.1f Hz", st.AchievedHz, st.MinHz))
		}
		if st.Quality.Samples > cycle.DefaultCapacity {
			return fail(expected, fmt.Sprintf("%s retains %d records", st.LoopID, st.Quality.Samples), "ring overflow")
		}
	}
	if snap.CascadeRisk {
		return fail(expected, "cascade risk flagged", "steady loops must not trend into a cascade")
	}
	for _, l := range fourLoops {
		if n := h.count(l.id); n != 1 {
			return fail(expected, fmt.Sprintf("%s baseline ran %d times", l.id, n), "baseline must run exactly once")
		}
	}
	return Result{
		Expected: expected,
		Actual:   fmt.Sprintf("strategy %s, unified %.1f Hz", snap.Strategy, snap.UnifiedHz),
		Passed:   true,
	}
}

// PortableFallback forces Native acquisition to fail. The engine must
// select Portable and still run every loop.
func (s *Suite) PortableFallback(ctx context.Context) Result {
	const expected = "Portable strategy, all loops Running"
	e := engine.New(s.config(),
		engine.WithLogger(s.log.Named("fallback")),
		engine.WithNegotiatorOptions(capability.WithAcquirer(func(timing.Strategy) error {
			return timing.ErrTimerAcquisition
		})),
	)
	h := &hooks{}
	for _, l := range fourLoops[:2] {
		if err := s.register(e, h, l.id, l.hz, l.minHz, nil); err != nil {
			return fail(expected, "register failed", err.Error())
		}
	}
	if err := e.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(expected, "start failed", err.Error())
	}
	defer func() { _ = shutdown(e) }()

	if st := e.Status(); st.Strategy != timing.Portable.String() {
		return fail(expected, "strategy "+st.Strategy, "acquisition failure must select Portable")
	}
	running := waitFor(ctx, 2*time.Second, func() bool {
		for _, st := range e.LoopStats() {
			if st.State != scheduler.Running || st.Cycles == 0 {
				return false
			}
		}
		return true
	})
	if !running {
		return fail(expected, "loops not running", "fallback must not stop the loops")
	}
	return Result{Expected: expected, Actual: "Portable, loops cycling", Passed: true}
}

// CascadeDistress stalls three of four loops. The coordinator must raise
// exactly one global Critical signal and every loop must end Stopped with
// its baseline run once.
func (s *Suite) CascadeDistress(ctx context.Context) Result {
	const expected = "one CASCADE_DISTRESS signal, all loops Stopped"
	e := engine.New(s.config(), engine.WithLogger(s.log.Named("cascade")))
	h := &hooks{}

	var released atomic.Bool
	defer released.Store(true)
	stuck := func(ctx context.Context) {
		for !released.Load() && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
	}
	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		var cb scheduler.Callback
		if i < 3 {
			cb = stuck
		}
		if err := s.register(e, h, id, 100, 60, cb); err != nil {
			return fail(expected, "register failed", err.Error())
		}
	}
	if err := e.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(expected, "start failed", err.Error())
	}

	cleared := waitFor(ctx, 5*time.Second, e.AllClear)
	released.Store(true)
	if err := shutdown(e); err != nil {
		return fail(expected, "shutdown failed", err.Error())
	}
	if !cleared {
		return fail(expected, "loops still active", "cascade distress never stopped the engine")
	}

	var signals int
	for _, ev := range e.RecentEvents(-1, events.EventTypeSignal) {
		sig, ok := ev.Payload.(events.EmergencySignal)
		if ok && sig.Reason == events.ReasonCascadeDistress {
			if !sig.IsGlobal() || sig.Severity != events.Critical {
				return fail(expected, fmt.Sprintf("%s %s signal", sig.Source, sig.Severity), "cascade distress must be global and Critical")
			}
			signals++
		}
	}
	if signals != 1 {
		return fail(expected, fmt.Sprintf("%d cascade signals", signals), "exactly one signal per distress episode")
	}
	for _, id := range ids {
		if n := h.count(id); n != 1 {
			return fail(expected, fmt.Sprintf("%s baseline ran %d times", id, n), "baseline must run exactly once")
		}
	}
	return Result{Expected: expected, Actual: "1 signal, all clear", Passed: true}
}

// DistressRouting sends a loop-scoped Critical signal, then a global one.
// The first must stop only its loop; the second everything else.
func (s *Suite) DistressRouting(ctx context.Context) Result {
	const expected = "scoped signal stops one loop, global stops the rest"
	e := engine.New(s.config(), engine.WithLogger(s.log.Named("routing")))
	h := &hooks{}
	ids := []string{"alpha", "beta", "gamma"}
	for _, id := range ids {
		if err := s.register(e, h, id, 50, 10, nil); err != nil {
			return fail(expected, "register failed", err.Error())
		}
	}
	if err := e.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(expected, "start failed", err.Error())
	}
	defer func() { _ = shutdown(e) }()

	state := func(id string) scheduler.State {
		lh, _ := e.Loop(id)
		st, err := lh.Stats()
		if err != nil {
			return scheduler.Stopped
		}
		return st.State
	}
	if !waitFor(ctx, 2*time.Second, func() bool { return state("beta") == scheduler.Running }) {
		return fail(expected, "beta not running", "loops never started")
	}

	if _, err := e.SignalDistress("beta", events.Critical, "scenario"); err != nil {
		return fail(expected, "signal rejected", err.Error())
	}
	if !waitFor(ctx, 2*time.Second, func() bool { return state("beta") == scheduler.Stopped }) {
		return fail(expected, "beta is "+state("beta").String(), "scoped signal did not stop its loop")
	}
	for _, id := range []string{"alpha", "gamma"} {
		if st := state(id); st == scheduler.Stopped {
			return fail(expected, id+" stopped", "scoped signal leaked to another loop")
		}
	}
	if e.AllClear() {
		return fail(expected, "all clear after scoped signal", "only one loop should be stopped")
	}

	if _, err := e.SignalDistress(events.Global, events.Critical, "scenario"); err != nil {
		return fail(expected, "signal rejected", err.Error())
	}
	if !waitFor(ctx, 2*time.Second, e.AllClear) {
		return fail(expected, "loops still active", "global signal did not stop every loop")
	}
	for _, id := range ids {
		if n := h.count(id); n != 1 {
			return fail(expected, fmt.Sprintf("%s baseline ran %d times", id, n), "baseline must run exactly once")
		}
	}
	return Result{Expected: expected, Actual: "beta then all stopped", Passed: true}
}

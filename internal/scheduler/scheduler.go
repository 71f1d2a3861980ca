// Package scheduler drives one loop: a callback invoked at a target
// frequency, paced by the shared precision timer.
//
// A cycle never runs its callback twice. When the previous invocation is
// still in flight at the next tick, that tick is recorded as skipped and
// the excess work is dropped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/quality"
	"github.com/MRamiBalles/cadence/internal/timing"
)

// Options tunes a Scheduler. Zero fields take their defaults.
type Options struct {
	// RingCapacity is the number of cycle records retained.
	RingCapacity int
	// DegradeWindow is the number of cycles averaged per degradation check.
	DegradeWindow int
	// DegradeStep is the fraction the internal target drops per check.
	DegradeStep float64
	// CallbackTimeout bounds how long an emergency stop waits for an
	// in-flight callback.
	CallbackTimeout time.Duration
}

// DefaultOptions returns the scheduler defaults.
func DefaultOptions() Options {
	return Options{
		RingCapacity:    cycle.DefaultCapacity,
		DegradeWindow:   10,
		DegradeStep:     0.10,
		CallbackTimeout: 20 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RingCapacity <= 0 {
		o.RingCapacity = def.RingCapacity
	}
	if o.DegradeWindow <= 0 {
		o.DegradeWindow = def.DegradeWindow
	}
	if o.DegradeStep <= 0 || o.DegradeStep >= 1 {
		o.DegradeStep = def.DegradeStep
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = def.CallbackTimeout
	}
	return o
}

// Observer receives measurements as they are produced. Implementations
// must not block.
type Observer interface {
	CycleRecorded(rec cycle.Record)
	CallbackAbandoned(loopID string)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithEventLog records state changes and target adjustments.
func WithEventLog(l *events.Log) Option {
	return func(s *Scheduler) { s.events = l }
}

// WithObserver attaches a measurement observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithClock overrides the clock used for record timestamps and, unless
// WithTimer is also given, for pacing.
func WithClock(c timing.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTimer overrides the pacing timer.
func WithTimer(t *timing.Timer) Option {
	return func(s *Scheduler) { s.timer = t }
}

// Scheduler runs one loop. Run owns the cycle; every other method is safe
// to call concurrently with it.
type Scheduler struct {
	spec     LoopSpec
	opts     Options
	cell     *timing.StrategyCell
	log      *logger.Logger
	events   *events.Log
	observer Observer
	clock    timing.Clock
	timer    *timing.Timer
	ring     *cycle.Ring

	state        stateCell
	started      atomic.Bool
	targetBits   atomic.Uint64
	internalBits atomic.Uint64
	windowHzBits atomic.Uint64

	cycles    atomic.Uint64
	skipped   atomic.Uint64
	discarded atomic.Uint64
	timeouts  atomic.Uint64
	abandoned atomic.Bool

	stopCh       chan events.EmergencySignal
	done         chan struct{}
	baselineOnce sync.Once

	workCtx    context.Context
	workCancel context.CancelFunc

	// owned by the run goroutine
	inflight     chan struct{}
	pendingSkips uint64
	windowFill   int
	index        uint64
}

// New validates spec and builds a Scheduler in the Initializing state.
func New(spec LoopSpec, cell *timing.StrategyCell, opts Options, options ...Option) (*Scheduler, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if cell == nil {
		cell = timing.NewStrategyCell(timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable})
	}
	s := &Scheduler{
		spec:   spec,
		opts:   opts.withDefaults(),
		cell:   cell,
		log:    logger.NewNop(),
		clock:  timing.SystemClock,
		stopCh: make(chan events.EmergencySignal, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.timer == nil {
		s.timer = timing.NewTimer(timing.WithClock(s.clock))
	}
	s.log = s.log.With(zap.String("loop", spec.ID))
	s.ring = cycle.NewRing(s.opts.RingCapacity)
	s.targetBits.Store(math.Float64bits(spec.TargetHz))
	s.internalBits.Store(math.Float64bits(spec.TargetHz))
	s.workCtx, s.workCancel = context.WithCancel(context.Background())
	return s, nil
}

// ID returns the loop identifier.
func (s *Scheduler) ID() string { return s.spec.ID }

// Spec returns the loop spec with the currently configured target.
func (s *Scheduler) Spec() LoopSpec {
	spec := s.spec
	spec.TargetHz = s.TargetHz()
	return spec
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State { return s.state.Load() }

// TargetHz is the configured target. Only RequestTarget changes it.
func (s *Scheduler) TargetHz() float64 {
	return math.Float64frombits(s.targetBits.Load())
}

// InternalTargetHz is the rate the loop is currently pacing at.
func (s *Scheduler) InternalTargetHz() float64 {
	return math.Float64frombits(s.internalBits.Load())
}

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Records copies the retained cycle records, oldest first.
func (s *Scheduler) Records() []cycle.Record { return s.ring.Snapshot() }

// Run cycles until stopped, then completes the emergency stop sequence
// before returning. Cancelling ctx is treated as a Critical shutdown
// signal, so the baseline hook still runs.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	defer s.workCancel()

	s.log.Debug("loop starting", zap.Float64("target_hz", s.TargetHz()), zap.Float64("min_hz", s.spec.MinHz))

	for {
		if sig, ok := s.pendingStop(ctx); ok {
			s.emergencyStop(sig)
			return nil
		}

		period, err := timing.PeriodFromHz(s.InternalTargetHz())
		if err == nil {
			var elapsed time.Duration
			elapsed, err = s.timer.WaitUntilNextCycle(s.cell.Strategy(), period)
			if err == nil {
				if s.state.TryTransition(Initializing, Running) {
					s.stateChanged(Initializing, Running)
				}
				s.tick(elapsed, period)
				continue
			}
		}

		s.log.Error("loop cannot be paced", zap.Error(err))
		s.emergencyStop(events.NewSignal(s.spec.ID, events.Critical, events.ReasonExternal, err.Error()))
		return err
	}
}

// StopIdle runs the stop sequence for a scheduler whose Run was never
// called. It reports false if Run has already started.
func (s *Scheduler) StopIdle(sig events.EmergencySignal) bool {
	if !s.started.CompareAndSwap(false, true) {
		return false
	}
	defer close(s.done)
	defer s.workCancel()
	s.emergencyStop(sig)
	return true
}

// Stop asks the loop to begin its emergency stop at the next cycle
// boundary. Only the first request is accepted.
func (s *Scheduler) Stop(sig events.EmergencySignal) bool {
	if st := s.state.Load(); st == EmergencyStopping || st == Stopped {
		return false
	}
	select {
	case s.stopCh <- sig:
		return true
	default:
		return false
	}
}

// RequestTarget sets a new configured target. It is the only way a target
// rises; the internal target is reset to it.
func (s *Scheduler) RequestTarget(hz float64) error {
	if err := validHz(hz); err != nil {
		return fmt.Errorf("loop %s: %w", s.spec.ID, err)
	}
	if hz < s.spec.MinHz {
		return fmt.Errorf("loop %s: %w: target %v below min_hz %v", s.spec.ID, ErrInvalidFrequency, hz, s.spec.MinHz)
	}
	prev := math.Float64frombits(s.targetBits.Swap(math.Float64bits(hz)))
	s.internalBits.Store(math.Float64bits(hz))

	s.log.Info("target changed on request", zap.Float64("from_hz", prev), zap.Float64("to_hz", hz))
	s.emit(events.EventTypeTargetAdjusted, events.TargetPayload{FromHz: prev, ToHz: hz, Requested: true})
	return nil
}

func (s *Scheduler) pendingStop(ctx context.Context) (events.EmergencySignal, bool) {
	select {
	case sig := <-s.stopCh:
		return sig, true
	default:
	}
	select {
	case <-ctx.Done():
		return events.NewSignal(s.spec.ID, events.Critical, events.ReasonShutdown, ctx.Err().Error()), true
	default:
	}
	return events.EmergencySignal{}, false
}

func (s *Scheduler) tick(elapsed, period time.Duration) {
	target, err := timing.PeriodFromHz(s.TargetHz())
	if err != nil {
		target = period
	}
	rec := cycle.Record{
		LoopID:       s.spec.ID,
		Index:        s.index,
		Start:        s.clock.Now(),
		Duration:     elapsed,
		IdealPeriod:  period,
		TargetPeriod: target,
		Jitter:       elapsed - period,
	}

	busy := false
	if s.inflight != nil {
		select {
		case <-s.inflight:
			s.inflight = nil
		default:
			busy = true
		}
	}

	if busy {
		rec.Skipped = true
		s.pendingSkips++
		s.skipped.Add(1)
	} else {
		rec.WorkCompleted = true
		s.pendingSkips = 0
		s.launch()
	}

	s.index++
	s.cycles.Add(1)
	s.ring.Append(rec)
	if s.observer != nil {
		s.observer.CycleRecorded(rec)
	}

	s.windowFill++
	if s.windowFill >= s.opts.DegradeWindow {
		s.windowFill = 0
		s.evaluate()
	}
}

func (s *Scheduler) launch() {
	done := make(chan struct{})
	s.inflight = done
	ctx := s.workCtx
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("loop callback panicked", zap.Any("panic", r))
			}
		}()
		s.spec.Callback(ctx)
	}()
}

// evaluate compares the last window's achieved rate with min_hz.
func (s *Scheduler) evaluate() {
	achieved := quality.AchievedHz(s.ring.Last(s.opts.DegradeWindow))
	s.windowHzBits.Store(math.Float64bits(achieved))

	switch s.state.Load() {
	case Running:
		if achieved < s.spec.MinHz {
			if s.state.TryTransition(Running, Degraded) {
				s.log.Warn("loop below minimum sustainable frequency",
					zap.Float64("achieved_hz", achieved), zap.Float64("min_hz", s.spec.MinHz))
				s.stateChanged(Running, Degraded)
			}
			s.stepDown()
		}
	case Degraded:
		if achieved >= s.spec.MinHz {
			if s.state.TryTransition(Degraded, Running) {
				s.stateChanged(Degraded, Running)
			}
			return
		}
		s.stepDown()
	}
}

// stepDown lowers the internal target by one step, floored at min_hz.
func (s *Scheduler) stepDown() {
	for {
		oldBits := s.internalBits.Load()
		old := math.Float64frombits(oldBits)
		next := math.Max(old*(1-s.opts.DegradeStep), s.spec.MinHz)
		if next >= old {
			return
		}
		if s.internalBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			s.log.Info("internal target lowered", zap.Float64("from_hz", old), zap.Float64("to_hz", next))
			s.emit(events.EventTypeTargetAdjusted, events.TargetPayload{FromHz: old, ToHz: next})
			return
		}
	}
}

// emergencyStop is the bounded safe-state sequence: wait for (or abandon)
// the in-flight callback, discard skipped work, run the baseline hook once,
// mark Stopped.
func (s *Scheduler) emergencyStop(sig events.EmergencySignal) {
	from, ok := s.state.TransitionAny([]State{Running, Degraded, Initializing}, EmergencyStopping)
	if !ok {
		return
	}
	began := time.Now()
	s.log.Warn("emergency stop",
		zap.String("signal", sig.ID),
		zap.String("source", sig.Source),
		zap.Stringer("severity", sig.Severity),
		zap.String("reason", string(sig.Reason)),
	)
	s.stateChanged(from, EmergencyStopping)

	if s.inflight != nil {
		t := time.NewTimer(s.opts.CallbackTimeout)
		select {
		case <-s.inflight:
		case <-t.C:
			s.abandoned.Store(true)
			s.timeouts.Add(1)
			s.log.Error("in-flight callback abandoned",
				zap.Error(ErrCallbackTimeout), zap.Duration("timeout", s.opts.CallbackTimeout))
			s.emit(events.EventTypeCallbackTimeout, s.opts.CallbackTimeout.String())
			if s.observer != nil {
				s.observer.CallbackAbandoned(s.spec.ID)
			}
		}
		t.Stop()
		s.inflight = nil
	}
	s.workCancel()

	if s.pendingSkips > 0 {
		s.discarded.Add(s.pendingSkips)
		s.log.Debug("discarded skipped work", zap.Uint64("cycles", s.pendingSkips))
		s.pendingSkips = 0
	}

	s.baselineOnce.Do(func() { s.returnToBaseline(sig) })

	s.state.Store(Stopped)
	s.stateChanged(EmergencyStopping, Stopped)
	s.emit(events.EventTypeLoopStopped, sig)
	s.log.Info("loop stopped", zap.Duration("stop_duration", time.Since(began)))
}

func (s *Scheduler) returnToBaseline(sig events.EmergencySignal) {
	if s.spec.Baseline == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("baseline hook panicked", zap.Any("panic", r))
		}
	}()
	s.spec.Baseline(context.Background(), sig)
}

func (s *Scheduler) stateChanged(from, to State) {
	s.log.Info("loop state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.emit(events.EventTypeStateChange, events.StateChangePayload{From: from.String(), To: to.String()})
}

func (s *Scheduler) emit(t events.EventType, payload any) {
	if s.events != nil {
		s.events.Emit(t, s.spec.ID, payload)
	}
}

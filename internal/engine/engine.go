// Package engine runs a set of loops together: it owns their schedulers,
// aggregates them on a slower coordination cadence, and routes emergency
// signals to a bounded safe-state stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/scheduler"
	"github.com/MRamiBalles/cadence/internal/timing"
	"github.com/MRamiBalles/cadence/internal/timing/capability"
)

// Config groups the tunables of every component.
type Config struct {
	Scheduler   scheduler.Options
	Coordinator CoordinatorConfig
	Negotiator  capability.Config
	// Stagger separates loop stops on a global signal.
	Stagger time.Duration
	// EventCapacity bounds the in-memory event history.
	EventCapacity int
	// DistressRates limits non-Critical external distress signals per
	// source. Empty disables throttling.
	DistressRates map[time.Duration]int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Scheduler:     scheduler.DefaultOptions(),
		Coordinator:   DefaultCoordinatorConfig(),
		Negotiator:    capability.DefaultConfig(),
		Stagger:       DefaultStagger,
		EventCapacity: events.DefaultCapacity,
		DistressRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
}

// ValidateDistressRates checks that rates form a usable multi-window
// limit: positive windows and counts, counts strictly increasing with the
// window, and the allowed rate per unit of time strictly decreasing.
func ValidateDistressRates(rates map[time.Duration]int) error {
	windows := make([]time.Duration, 0, len(rates))
	for w := range rates {
		windows = append(windows, w)
	}
	slices.Sort(windows)
	for i, w := range windows {
		n := rates[w]
		if w <= 0 || n <= 0 {
			return fmt.Errorf("%w: distress rate %d per %v must be positive", ErrInvalidConfig, n, w)
		}
		if i == 0 {
			continue
		}
		pw, pn := windows[i-1], rates[windows[i-1]]
		if n <= pn {
			return fmt.Errorf("%w: %d per %v must exceed %d per %v", ErrInvalidConfig, n, w, pn, pw)
		}
		if float64(n)/float64(w) >= float64(pn)/float64(pw) {
			return fmt.Errorf("%w: %d per %v allows no fewer signals than %d per %v", ErrInvalidConfig, n, w, pn, pw)
		}
	}
	return nil
}

type lifecycle int

const (
	idle lifecycle = iota
	started
	stopped
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithPersister writes every event through to durable storage.
func WithPersister(p events.Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithObserver receives every cycle record and abandoned callback.
func WithObserver(o scheduler.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithNegotiatorOptions passes options through to the capability negotiator.
func WithNegotiatorOptions(opts ...capability.Option) Option {
	return func(e *Engine) { e.negotiatorOpts = append(e.negotiatorOpts, opts...) }
}

// WithLoopOptions supplies extra scheduler options per loop, e.g. a fake
// timer in tests.
func WithLoopOptions(fn func(loopID string) []scheduler.Option) Option {
	return func(e *Engine) { e.loopOpts = fn }
}

// Engine is the entry point for registering loops, steering them and
// observing the result.
type Engine struct {
	cfg            Config
	log            *logger.Logger
	persister      events.Persister
	observer       scheduler.Observer
	negotiatorOpts []capability.Option
	loopOpts       func(string) []scheduler.Option

	events      *events.Log
	cell        *timing.StrategyCell
	negotiator  *capability.Negotiator
	coordinator *Coordinator
	protocol    *Protocol
	limiter     *catrate.Limiter

	initErr error

	mu     sync.Mutex
	state  lifecycle
	loops  map[string]*scheduler.Scheduler
	order  []string
	group  *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc
}

// New wires an engine. Loops may be registered before or after Start. A
// configuration the engine cannot run is reported by Start.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		log:   logger.NewNop(),
		loops: make(map[string]*scheduler.Scheduler),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.events = events.NewLog(cfg.EventCapacity, e.persister)
	e.cell = timing.NewStrategyCell(timing.Selection{Strategy: timing.Portable, Capability: timing.Unavailable})

	negOpts := []capability.Option{
		capability.WithLogger(e.log.Named("capability")),
		capability.OnChange(func(prev, next timing.Selection, _ capability.Result) {
			e.events.Emit(events.EventTypeStrategyChange, "", events.StrategyPayload{
				From:       prev.Strategy.String(),
				To:         next.Strategy.String(),
				Capability: next.Capability.String(),
			})
		}),
	}
	e.negotiator = capability.New(e.cell, cfg.Negotiator, append(negOpts, e.negotiatorOpts...)...)

	e.protocol = NewProtocol(
		WithStagger(cfg.Stagger),
		WithProtocolLogger(e.log),
		WithProtocolEvents(e.events),
	)
	e.coordinator = NewCoordinator(cfg.Coordinator,
		WithCoordinatorLogger(e.log),
		WithCoordinatorEvents(e.events),
		WithSelection(e.cell.Load),
		WithSignalSink(e.route),
		WithTickHook(func(ctx context.Context) { e.negotiator.Tick(ctx) }),
	)
	if len(cfg.DistressRates) > 0 {
		if err := ValidateDistressRates(cfg.DistressRates); err != nil {
			e.initErr = err
		} else {
			e.limiter = catrate.NewLimiter(cfg.DistressRates)
		}
	}
	return e
}

// LoopHandle refers to a registered loop by id, so it stays valid across
// restarts.
type LoopHandle struct {
	id string
	e  *Engine
}

// ID returns the loop id.
func (h LoopHandle) ID() string { return h.id }

// Stats returns the loop's current statistics.
func (h LoopHandle) Stats() (scheduler.Stats, error) {
	s, err := h.e.loop(h.id)
	if err != nil {
		return scheduler.Stats{}, err
	}
	return s.Stats(), nil
}

// RequestTarget is RequestTargetChange for this loop.
func (h LoopHandle) RequestTarget(hz float64) error {
	return h.e.RequestTargetChange(h.id, hz)
}

// SignalDistress is SignalDistress for this loop.
func (h LoopHandle) SignalDistress(severity events.Severity, detail string) (events.EmergencySignal, error) {
	return h.e.SignalDistress(h.id, severity, detail)
}

// RegisterLoop validates spec and adds the loop. If the engine is running
// the loop starts immediately.
func (e *Engine) RegisterLoop(spec scheduler.LoopSpec) (LoopHandle, error) {
	if err := spec.Validate(); err != nil {
		return LoopHandle{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stopped {
		return LoopHandle{}, ErrEngineStopped
	}
	if _, ok := e.loops[spec.ID]; ok {
		return LoopHandle{}, fmt.Errorf("%w: %s", ErrDuplicateLoopID, spec.ID)
	}

	s, err := e.newScheduler(spec)
	if err != nil {
		return LoopHandle{}, err
	}
	if err := e.coordinator.Register(s); err != nil {
		return LoopHandle{}, err
	}
	e.protocol.Register(s)
	e.loops[spec.ID] = s
	e.order = append(e.order, spec.ID)

	e.log.Info("loop registered",
		zap.String("loop", spec.ID),
		zap.Float64("target_hz", spec.TargetHz),
		zap.Float64("min_hz", spec.MinHz),
		zap.Float64("preservation_threshold", spec.PreservationThreshold),
	)
	if e.state == started {
		e.spawn(s)
	}
	return LoopHandle{id: spec.ID, e: e}, nil
}

func (e *Engine) newScheduler(spec scheduler.LoopSpec) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{
		scheduler.WithLogger(e.log),
		scheduler.WithEventLog(e.events),
	}
	if e.observer != nil {
		opts = append(opts, scheduler.WithObserver(e.observer))
	}
	if e.loopOpts != nil {
		opts = append(opts, e.loopOpts(spec.ID)...)
	}
	return scheduler.New(spec, e.cell, e.cfg.Scheduler, opts...)
}

// spawn runs s in the engine's group. Callers hold e.mu.
func (e *Engine) spawn(s *scheduler.Scheduler) {
	ctx := e.runCtx
	e.group.Go(func() error {
		if err := s.Run(ctx); err != nil {
			e.log.Error("loop exited with error", zap.String("loop", s.ID()), zap.Error(err))
		}
		return nil
	})
}

// Start selects the timing strategy, then starts the emergency protocol,
// the coordinator and every registered loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case started:
		return ErrEngineStarted
	case stopped:
		return ErrEngineStopped
	}
	if e.initErr != nil {
		return e.initErr
	}

	sel := e.negotiator.SelectActive(ctx)
	if res := e.negotiator.LastResult(); res.Err != nil {
		e.log.Warn("native timing unavailable, using portable fallback", zap.Error(res.Err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.group, e.runCtx, e.cancel = g, gctx, cancel

	g.Go(func() error { return e.protocol.Run(gctx) })
	g.Go(func() error { return e.coordinator.Run(gctx) })
	for _, id := range e.order {
		e.spawn(e.loops[id])
	}
	e.state = started

	e.log.Info("engine started",
		zap.Stringer("strategy", sel.Strategy),
		zap.Stringer("capability", sel.Capability),
		zap.Int("loops", len(e.order)),
	)
	return nil
}

// Shutdown stops every loop through the emergency path, so each baseline
// hook runs once, then stops the coordinator and protocol. It waits for
// the loops until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	prev := e.state
	e.state = stopped
	loops := make([]*scheduler.Scheduler, 0, len(e.order))
	for _, id := range e.order {
		loops = append(loops, e.loops[id])
	}
	e.mu.Unlock()

	sig := events.NewSignal(events.Global, events.Critical, events.ReasonShutdown, "engine shutdown")
	switch prev {
	case stopped:
		return nil
	case idle:
		for _, s := range loops {
			s.StopIdle(sig)
		}
		e.log.Info("engine shut down before start")
		return nil
	}

	err := e.protocol.Handle(sig)
	if werr := e.protocol.Wait(ctx); werr != nil {
		err = errors.Join(err, fmt.Errorf("waiting for loops: %w", werr))
	}
	e.cancel()
	if gerr := e.group.Wait(); gerr != nil {
		err = errors.Join(err, gerr)
	}
	e.log.Info("engine shut down", zap.Bool("all_clear", e.AllClear()))
	return err
}

// Restart replaces a Stopped loop with a fresh scheduler built from the
// same spec. It is the only way a stopped loop runs again.
func (e *Engine) Restart(loopID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stopped {
		return ErrEngineStopped
	}
	old, ok := e.loops[loopID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, loopID)
	}
	if old.State() != scheduler.Stopped {
		return fmt.Errorf("%w: %s is %s", ErrLoopActive, loopID, old.State())
	}

	s, err := e.newScheduler(old.Spec())
	if err != nil {
		return err
	}
	if err := e.coordinator.Replace(s); err != nil {
		return err
	}
	e.protocol.Register(s)
	e.loops[loopID] = s
	e.log.Info("loop restarted", zap.String("loop", loopID))
	if e.state == started {
		e.spawn(s)
	}
	return nil
}

// RequestTargetChange is the only path by which a loop's target rises.
func (e *Engine) RequestTargetChange(loopID string, hz float64) error {
	s, err := e.loop(loopID)
	if err != nil {
		return err
	}
	return s.RequestTarget(hz)
}

// GetSnapshot returns the latest coordination snapshot. It is cheap and
// safe to poll at any rate.
func (e *Engine) GetSnapshot() CoordinationSnapshot {
	return e.coordinator.Snapshot()
}

// SignalDistress submits an external distress signal. An empty source or
// events.Global addresses every loop. Warning signals are rate limited
// per source.
func (e *Engine) SignalDistress(source string, severity events.Severity, detail string) (events.EmergencySignal, error) {
	if source == "" {
		source = events.Global
	}
	if source != events.Global {
		if _, err := e.loop(source); err != nil {
			return events.EmergencySignal{}, err
		}
	}
	if severity != events.Critical {
		if next, ok := e.limiter.Allow(source); !ok {
			return events.EmergencySignal{}, fmt.Errorf("%w: %s until %s", ErrDistressThrottled, source, next.Format(time.RFC3339Nano))
		}
	}

	sig := events.NewSignal(source, severity, events.ReasonExternal, detail)
	e.route(sig)
	return sig, nil
}

// route hands a signal to the protocol: queued while running, handled
// inline otherwise.
func (e *Engine) route(sig events.EmergencySignal) {
	e.mu.Lock()
	running := e.state == started
	e.mu.Unlock()
	if running && e.protocol.Submit(sig) {
		return
	}
	if err := e.protocol.Handle(sig); err != nil {
		e.log.Warn("emergency signal not handled", zap.Error(err))
	}
}

// AllClear reports whether every loop has reached Stopped.
func (e *Engine) AllClear() bool {
	return e.protocol.AllClear()
}

// OnEvent registers a listener for every engine event.
func (e *Engine) OnEvent(fn events.Listener) {
	e.events.Subscribe(fn)
}

// RecentEvents returns up to limit of the newest events of the given types.
func (e *Engine) RecentEvents(limit int, types ...events.EventType) []events.Event {
	return e.events.Recent(limit, types...)
}

// Events exposes the event log.
func (e *Engine) Events() *events.Log {
	return e.events
}

// Loop returns a handle for a registered loop.
func (e *Engine) Loop(loopID string) (LoopHandle, bool) {
	if _, err := e.loop(loopID); err != nil {
		return LoopHandle{}, false
	}
	return LoopHandle{id: loopID, e: e}, true
}

// LoopStats returns every loop's statistics, ordered by id.
func (e *Engine) LoopStats() []scheduler.Stats {
	e.mu.Lock()
	loops := make([]*scheduler.Scheduler, 0, len(e.loops))
	for _, s := range e.loops {
		loops = append(loops, s)
	}
	e.mu.Unlock()

	out := make([]scheduler.Stats, 0, len(loops))
	for _, s := range loops {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoopID < out[j].LoopID })
	return out
}

// Status summarizes the engine.
type Status struct {
	Started         bool          `json:"started"`
	Strategy        string        `json:"strategy"`
	Capability      string        `json:"capability"`
	ProbeMaxError   time.Duration `json:"probe_max_error"`
	Ticks           uint64        `json:"ticks"`
	Loops           int           `json:"loops"`
	DistressLatched bool          `json:"distress_latched"`
	AllClear        bool          `json:"all_clear"`
}

// Status reports strategy, coordination progress and emergency state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{Started: e.state == started, Loops: len(e.loops)}
	e.mu.Unlock()

	sel := e.cell.Load()
	st.Strategy = sel.Strategy.String()
	st.Capability = sel.Capability.String()
	st.ProbeMaxError = e.negotiator.LastResult().MaxError
	st.Ticks = e.coordinator.Ticks()
	st.DistressLatched = e.coordinator.DistressLatched()
	st.AllClear = e.AllClear()
	return st
}

// Coordinator exposes the coordinator, mainly for tests and tooling.
func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

func (e *Engine) loop(id string) (*scheduler.Scheduler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.loops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoop, id)
	}
	return s, nil
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/quality"
	"github.com/MRamiBalles/cadence/internal/scheduler"
	"github.com/MRamiBalles/cadence/internal/timing"
)

// LoopView is the read-only surface of a loop the coordinator aggregates.
type LoopView interface {
	ID() string
	Stats() scheduler.Stats
}

// CoordinatorConfig tunes cascade detection.
type CoordinatorConfig struct {
	// Period is the coordination cadence.
	Period time.Duration
	// RiskMajority is the loop fraction that must exceed the breakthrough
	// quality while trending up. The comparison is exclusive.
	RiskMajority float64
	// BreakthroughQuality is the exclusive quality floor for cascade risk.
	BreakthroughQuality float64
	// TrendWindow is the number of snapshots a rising trend must span.
	TrendWindow int
	// TrendMinRise is the minimum rise over the window, as a fraction of
	// the loop's target.
	TrendMinRise float64
	// DistressMajority is the Degraded loop fraction that raises a global
	// Critical signal. The comparison is inclusive.
	DistressMajority float64
	// PreservationEscalationTicks is how many consecutive ticks below the
	// preservation threshold turn a Warning into a Critical signal.
	PreservationEscalationTicks int
	// PreservationMinSamples is the window size needed before quality is
	// judged at all.
	PreservationMinSamples int
}

// DefaultCoordinatorConfig returns the coordination defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Period:                      100 * time.Millisecond,
		RiskMajority:                0.6,
		BreakthroughQuality:         0.9,
		TrendWindow:                 3,
		TrendMinRise:                0.02,
		DistressMajority:            0.6,
		PreservationEscalationTicks: 5,
		PreservationMinSamples:      10,
	}
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	def := DefaultCoordinatorConfig()
	if c.Period <= 0 {
		c.Period = def.Period
	}
	if c.RiskMajority <= 0 {
		c.RiskMajority = def.RiskMajority
	}
	if c.BreakthroughQuality <= 0 {
		c.BreakthroughQuality = def.BreakthroughQuality
	}
	if c.TrendWindow < 2 {
		c.TrendWindow = def.TrendWindow
	}
	if c.TrendMinRise < 0 {
		c.TrendMinRise = def.TrendMinRise
	}
	if c.DistressMajority <= 0 {
		c.DistressMajority = def.DistressMajority
	}
	if c.PreservationEscalationTicks <= 0 {
		c.PreservationEscalationTicks = def.PreservationEscalationTicks
	}
	if c.PreservationMinSamples <= 0 {
		c.PreservationMinSamples = def.PreservationMinSamples
	}
	return c
}

// Coordinator aggregates every loop on its own slower cadence. It never
// touches loop internals; it raises signals through a sink instead.
type Coordinator struct {
	cfg       CoordinatorConfig
	log       *logger.Logger
	events    *events.Log
	signal    func(events.EmergencySignal)
	selection func() timing.Selection
	onTick    func(ctx context.Context)

	mu    sync.RWMutex
	loops map[string]LoopView

	tickMu          sync.Mutex
	tick            uint64
	history         map[string][]float64
	breaches        map[string]int
	distressLatched bool
	riskActive      bool

	latched atomic.Bool
	snap    atomic.Pointer[CoordinationSnapshot]
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithSignalSink receives every EmergencySignal the coordinator raises.
func WithSignalSink(fn func(events.EmergencySignal)) CoordinatorOption {
	return func(c *Coordinator) { c.signal = fn }
}

// WithSelection reports the active timing selection in each snapshot.
func WithSelection(fn func() timing.Selection) CoordinatorOption {
	return func(c *Coordinator) { c.selection = fn }
}

// WithTickHook runs fn at the start of every tick driven by Run.
func WithTickHook(fn func(ctx context.Context)) CoordinatorOption {
	return func(c *Coordinator) { c.onTick = fn }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(log *logger.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// WithCoordinatorEvents records cascade and quality events.
func WithCoordinatorEvents(l *events.Log) CoordinatorOption {
	return func(c *Coordinator) { c.events = l }
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		log:      logger.NewNop(),
		loops:    make(map[string]LoopView),
		history:  make(map[string][]float64),
		breaches: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("coordinator")
	return c
}

// Register adds a loop view.
func (c *Coordinator) Register(v LoopView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.loops[v.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLoopID, v.ID())
	}
	c.loops[v.ID()] = v
	return nil
}

// Replace swaps the view for an already registered loop, e.g. after a
// restart. Its trend history and breach count start over.
func (c *Coordinator) Replace(v LoopView) error {
	c.mu.Lock()
	if _, ok := c.loops[v.ID()]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLoop, v.ID())
	}
	c.loops[v.ID()] = v
	c.mu.Unlock()

	c.tickMu.Lock()
	delete(c.history, v.ID())
	delete(c.breaches, v.ID())
	c.tickMu.Unlock()
	return nil
}

// Len is the number of registered loops.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.loops)
}

// Snapshot returns the latest snapshot, or the zero value before the first tick.
func (c *Coordinator) Snapshot() CoordinationSnapshot {
	if s := c.snap.Load(); s != nil {
		return *s
	}
	return CoordinationSnapshot{}
}

// Ticks is the number of completed coordination ticks.
func (c *Coordinator) Ticks() uint64 {
	if s := c.snap.Load(); s != nil {
		return s.Tick
	}
	return 0
}

// DistressLatched reports whether cascade distress has fired and not yet
// cleared.
func (c *Coordinator) DistressLatched() bool {
	return c.latched.Load()
}

// Run ticks every Period until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	c.log.Info("coordinator started", zap.Duration("period", c.cfg.Period))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopped")
			return nil
		case <-ticker.C:
			if c.onTick != nil {
				c.onTick(ctx)
			}
			c.CoordinateTick()
		}
	}
}

// CoordinateTick reads every loop, publishes a new snapshot and raises any
// cascade or quality signals.
func (c *Coordinator) CoordinateTick() CoordinationSnapshot {
	c.mu.RLock()
	views := make([]LoopView, 0, len(c.loops))
	for _, v := range c.loops {
		views = append(views, v)
	}
	c.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].ID() < views[j].ID() })

	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.tick++

	snap := CoordinationSnapshot{
		Tick:      c.tick,
		Timestamp: time.Now(),
		Loops:     make([]LoopSnapshot, 0, len(views)),
	}
	if c.selection != nil {
		sel := c.selection()
		snap.Strategy = sel.Strategy.String()
		snap.Capability = sel.Capability.String()
	}

	var (
		active   []float64
		degraded []string
		risky    []string
		troubled int
		pending  []events.EmergencySignal
	)
	for _, v := range views {
		st := v.Stats()
		row := LoopSnapshot{
			LoopID:           st.LoopID,
			State:            st.State,
			TargetHz:         st.TargetHz,
			InternalTargetHz: st.InternalTargetHz,
			MinHz:            st.MinHz,
			AchievedHz:       st.AchievedHz,
			Quality:          st.Quality.Score,
			JitterP95:        st.Quality.JitterP95,
			Cycles:           st.Cycles,
			Skipped:          st.Skipped,
			CallbackTimeouts: st.CallbackTimeouts,
		}
		row.TrendingUp = c.trackTrend(st)

		switch st.State {
		case scheduler.Degraded:
			degraded = append(degraded, st.LoopID)
			troubled++
		case scheduler.EmergencyStopping:
			troubled++
		}
		if st.State.Active() {
			active = append(active, st.AchievedHz)
			if row.Quality > c.cfg.BreakthroughQuality && row.TrendingUp {
				risky = append(risky, st.LoopID)
			}
		}
		if sig, ok := c.checkPreservation(st); ok {
			pending = append(pending, sig)
		}
		snap.Loops = append(snap.Loops, row)
	}

	n := len(views)
	snap.UnifiedHz = HarmonicMean(active)
	snap.ArithmeticHz = ArithmeticMean(active)
	if n > 0 {
		snap.Pressure = classifyPressure(float64(troubled) / float64(n))
		snap.CascadeRisk = float64(len(risky))/float64(n) > c.cfg.RiskMajority
		snap.CascadeDistress = float64(len(degraded))/float64(n) >= c.cfg.DistressMajority
	}

	c.handleRisk(snap, risky)
	if sig, ok := c.handleDistress(snap, degraded); ok {
		pending = append([]events.EmergencySignal{sig}, pending...)
	}

	c.snap.Store(&snap)

	if c.signal != nil {
		for _, sig := range pending {
			c.signal(sig)
		}
	}
	return snap
}

// trackTrend appends the loop's achieved rate to its history and reports
// whether the last TrendWindow values rise by at least TrendMinRise.
func (c *Coordinator) trackTrend(st scheduler.Stats) bool {
	h := append(c.history[st.LoopID], st.AchievedHz)
	if len(h) > c.cfg.TrendWindow {
		h = h[len(h)-c.cfg.TrendWindow:]
	}
	c.history[st.LoopID] = h
	if len(h) < c.cfg.TrendWindow {
		return false
	}
	for i := 1; i < len(h); i++ {
		if h[i] < h[i-1] {
			return false
		}
	}
	return h[len(h)-1]-h[0] >= c.cfg.TrendMinRise*st.TargetHz
}

func (c *Coordinator) handleRisk(snap CoordinationSnapshot, risky []string) {
	if !snap.CascadeRisk {
		c.riskActive = false
		return
	}
	if c.riskActive {
		return
	}
	c.riskActive = true
	fraction := float64(len(risky)) / float64(len(snap.Loops))
	c.log.Info("cascade risk detected", zap.Float64("fraction", fraction), zap.Strings("loops", risky))
	c.emit(events.EventTypeCascadeRisk, "", events.CascadePayload{Fraction: fraction, Loops: risky, Tick: snap.Tick})
}

// handleDistress raises one global Critical signal when the Degraded
// fraction reaches the majority, then stays latched until it clears.
func (c *Coordinator) handleDistress(snap CoordinationSnapshot, degraded []string) (events.EmergencySignal, bool) {
	if !snap.CascadeDistress {
		if c.distressLatched {
			c.log.Info("cascade distress cleared")
		}
		c.distressLatched = false
		c.latched.Store(false)
		return events.EmergencySignal{}, false
	}
	if c.distressLatched {
		return events.EmergencySignal{}, false
	}
	c.distressLatched = true
	c.latched.Store(true)

	fraction := float64(len(degraded)) / float64(len(snap.Loops))
	detail := fmt.Sprintf("%d of %d loops degraded", len(degraded), len(snap.Loops))
	c.log.Error("cascade distress detected", zap.Float64("fraction", fraction), zap.Strings("loops", degraded))
	c.emit(events.EventTypeCascadeDistress, "", events.CascadePayload{Fraction: fraction, Loops: degraded, Tick: snap.Tick})
	return events.NewSignal(events.Global, events.Critical, events.ReasonCascadeDistress, detail), true
}

// checkPreservation tracks consecutive ticks below the loop's preservation
// threshold: a Warning on the first, a Critical once escalation is reached.
func (c *Coordinator) checkPreservation(st scheduler.Stats) (events.EmergencySignal, bool) {
	if !st.State.Active() || st.PreservationThreshold <= 0 ||
		!quality.BelowPreservation(st.Quality, st.PreservationThreshold, c.cfg.PreservationMinSamples) {
		delete(c.breaches, st.LoopID)
		return events.EmergencySignal{}, false
	}

	c.breaches[st.LoopID]++
	ticks := c.breaches[st.LoopID]

	var severity events.Severity
	switch ticks {
	case 1:
		severity = events.Warning
	case c.cfg.PreservationEscalationTicks:
		severity = events.Critical
	default:
		return events.EmergencySignal{}, false
	}

	payload := events.QualityPayload{Score: st.Quality.Score, Threshold: st.PreservationThreshold, Ticks: ticks}
	c.log.Warn("quality below preservation threshold",
		zap.String("loop", st.LoopID),
		zap.Float64("score", payload.Score),
		zap.Float64("threshold", payload.Threshold),
		zap.Int("consecutive_ticks", ticks),
		zap.Stringer("severity", severity),
	)
	c.emit(events.EventTypeQualityBreach, st.LoopID, payload)
	detail := fmt.Sprintf("quality %.3f below %.3f for %d ticks", payload.Score, payload.Threshold, ticks)
	return events.NewSignal(st.LoopID, severity, events.ReasonQualityBreach, detail), true
}

func (c *Coordinator) emit(t events.EventType, loopID string, payload any) {
	if c.events != nil {
		c.events.Emit(t, loopID, payload)
	}
}

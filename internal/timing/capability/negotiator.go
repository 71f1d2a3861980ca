// Package capability decides, at startup and periodically afterwards,
// whether the Native timing strategy is healthy on this host, and publishes
// the chosen strategy to every loop.
package capability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/timing"
)

// Config tunes calibration.
type Config struct {
	// Preferred is the strategy used when Native is healthy. Portable
	// disables Native entirely.
	Preferred timing.Strategy
	// CalibrationCycles is the number of short Native cycles per probe.
	CalibrationCycles int
	// CalibrationPeriod is the period of each calibration cycle.
	CalibrationPeriod time.Duration
	// Tolerance is the largest acceptable absolute error per cycle.
	Tolerance time.Duration
	// ReprobeEvery is the number of coordination ticks between re-probes.
	// Zero disables periodic re-probing.
	ReprobeEvery int
}

// DefaultConfig returns the calibration defaults.
func DefaultConfig() Config {
	return Config{
		Preferred:         timing.Native,
		CalibrationCycles: 8,
		CalibrationPeriod: 2 * time.Millisecond,
		Tolerance:         2 * time.Millisecond,
		ReprobeEvery:      30,
	}
}

// Result is the outcome of one probe.
type Result struct {
	Capability timing.Capability `json:"capability"`
	Cycles     int               `json:"cycles"`
	Exceeded   int               `json:"exceeded"`
	MaxError   time.Duration     `json:"max_error"`
	MeanError  time.Duration     `json:"mean_error"`
	Err        error             `json:"-"`
}

// ChangeFunc observes strategy swaps.
type ChangeFunc func(prev, next timing.Selection, res Result)

// Negotiator is the single writer of the shared StrategyCell.
type Negotiator struct {
	cfg      Config
	cell     *timing.StrategyCell
	log      *logger.Logger
	acquire  func(timing.Strategy) error
	newTimer func() *timing.Timer
	onChange ChangeFunc

	mu    sync.Mutex
	ticks int
	last  Result
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithAcquirer replaces timing.Acquire, e.g. to force an acquisition failure.
func WithAcquirer(fn func(timing.Strategy) error) Option {
	return func(n *Negotiator) { n.acquire = fn }
}

// WithTimerFactory replaces the timer used for calibration.
func WithTimerFactory(fn func() *timing.Timer) Option {
	return func(n *Negotiator) { n.newTimer = fn }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(n *Negotiator) { n.log = log }
}

// OnChange registers a callback invoked after a different selection is published.
func OnChange(fn ChangeFunc) Option {
	return func(n *Negotiator) { n.onChange = fn }
}

// New creates a Negotiator writing to cell.
func New(cell *timing.StrategyCell, cfg Config, opts ...Option) *Negotiator {
	def := DefaultConfig()
	if cfg.CalibrationCycles <= 0 {
		cfg.CalibrationCycles = def.CalibrationCycles
	}
	if cfg.CalibrationPeriod <= 0 {
		cfg.CalibrationPeriod = def.CalibrationPeriod
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	n := &Negotiator{
		cfg:      cfg,
		cell:     cell,
		log:      logger.NewNop(),
		acquire:  timing.Acquire,
		newTimer: func() *timing.Timer { return timing.NewTimer() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Probe measures Native precision without publishing anything.
func (n *Negotiator) Probe(ctx context.Context) Result {
	if err := n.acquire(timing.Native); err != nil {
		n.log.Warn("native timer acquisition failed", zap.Error(err))
		return Result{Capability: timing.Unavailable, Err: err}
	}

	t := n.newTimer()
	period := n.cfg.CalibrationPeriod
	res := Result{}
	var sum time.Duration
	for i := 0; i < n.cfg.CalibrationCycles; i++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		elapsed, err := t.WaitUntilNextCycle(timing.Native, period)
		if err != nil {
			return Result{Capability: timing.Unavailable, Err: err}
		}
		e := elapsed - period
		if e < 0 {
			e = -e
		}
		res.Cycles++
		sum += e
		if e > res.MaxError {
			res.MaxError = e
		}
		if e > n.cfg.Tolerance {
			res.Exceeded++
		}
	}

	switch {
	case res.Cycles == 0:
		res.Capability = timing.Unavailable
	case res.Exceeded*2 > res.Cycles:
		res.Capability = timing.Degraded
	default:
		res.Capability = timing.Available
	}
	if res.Cycles > 0 {
		res.MeanError = sum / time.Duration(res.Cycles)
	}
	return res
}

// SelectActive probes and publishes the resulting selection. Calling it
// repeatedly is safe while loops run; they pick up the new strategy on their
// next cycle.
func (n *Negotiator) SelectActive(ctx context.Context) timing.Selection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selectLocked(ctx)
}

func (n *Negotiator) selectLocked(ctx context.Context) timing.Selection {
	res := n.Probe(ctx)
	n.last = res

	next := timing.Selection{Strategy: timing.Portable, Capability: res.Capability}
	if res.Capability == timing.Available && n.cfg.Preferred == timing.Native {
		next.Strategy = timing.Native
	}

	prev := n.cell.Publish(next)
	if prev != next {
		n.log.Info("timing strategy selected",
			zap.Stringer("strategy", next.Strategy),
			zap.Stringer("capability", next.Capability),
			zap.Stringer("previous", prev.Strategy),
			zap.Duration("max_error", res.MaxError),
			zap.Int("exceeded", res.Exceeded),
		)
		if n.onChange != nil {
			n.onChange(prev, next, res)
		}
	}
	return next
}

// Tick is called once per coordination tick and re-probes every
// ReprobeEvery ticks. It reports whether a probe ran.
func (n *Negotiator) Tick(ctx context.Context) (timing.Selection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ticks++
	if n.cfg.ReprobeEvery <= 0 || n.ticks%n.cfg.ReprobeEvery != 0 {
		return n.cell.Load(), false
	}
	return n.selectLocked(ctx), true
}

// Active returns the published selection.
func (n *Negotiator) Active() timing.Selection {
	return n.cell.Load()
}

// LastResult returns the most recent probe result.
func (n *Negotiator) LastResult() Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

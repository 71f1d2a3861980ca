package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/scheduler"
)

// DefaultStagger separates the stop requests of a global signal.
const DefaultStagger = time.Millisecond

// seenLimit bounds the set of consumed signal ids.
const seenLimit = 4096

// Stoppable is the command surface the protocol needs from a loop.
type Stoppable interface {
	ID() string
	State() scheduler.State
	Stop(sig events.EmergencySignal) bool
	Done() <-chan struct{}
}

// Protocol consumes EmergencySignals, each exactly once. Loop-scoped
// Critical signals stop that loop; global ones stop every loop in turn,
// Stagger apart. Warning signals are recorded and forwarded only.
type Protocol struct {
	log     *logger.Logger
	events  *events.Log
	stagger time.Duration
	sleep   func(time.Duration)
	queue   chan events.EmergencySignal

	mu    sync.RWMutex
	loops map[string]Stoppable

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithStagger sets the offset between loops on a global stop.
func WithStagger(d time.Duration) ProtocolOption {
	return func(p *Protocol) {
		if d >= 0 {
			p.stagger = d
		}
	}
}

// WithProtocolLogger sets the logger.
func WithProtocolLogger(log *logger.Logger) ProtocolOption {
	return func(p *Protocol) { p.log = log }
}

// WithProtocolEvents records every consumed signal.
func WithProtocolEvents(l *events.Log) ProtocolOption {
	return func(p *Protocol) { p.events = l }
}

// WithStaggerSleep replaces time.Sleep between staggered stops.
func WithStaggerSleep(fn func(time.Duration)) ProtocolOption {
	return func(p *Protocol) { p.sleep = fn }
}

// NewProtocol creates a protocol with an empty loop set.
func NewProtocol(opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		log:     logger.NewNop(),
		stagger: DefaultStagger,
		sleep:   time.Sleep,
		queue:   make(chan events.EmergencySignal, 256),
		loops:   make(map[string]Stoppable),
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("emergency")
	return p
}

// Register adds or replaces a loop.
func (p *Protocol) Register(l Stoppable) {
	p.mu.Lock()
	p.loops[l.ID()] = l
	p.mu.Unlock()
}

// Submit queues a signal for Run. It reports false when the queue is full.
func (p *Protocol) Submit(sig events.EmergencySignal) bool {
	select {
	case p.queue <- sig:
		return true
	default:
		p.log.Error("emergency queue full, signal dropped",
			zap.String("signal", sig.ID), zap.String("source", sig.Source))
		return false
	}
}

// Run handles queued signals until ctx is done.
func (p *Protocol) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-p.queue:
			if err := p.Handle(sig); err != nil {
				p.log.Warn("emergency signal not handled", zap.Error(err))
			}
		}
	}
}

// Handle acts on a signal synchronously. A signal id seen before is
// ignored.
func (p *Protocol) Handle(sig events.EmergencySignal) error {
	if !p.consume(sig.ID) {
		p.log.Debug("signal already consumed", zap.String("signal", sig.ID))
		return nil
	}

	p.log.Warn("emergency signal",
		zap.String("signal", sig.ID),
		zap.String("source", sig.Source),
		zap.Stringer("severity", sig.Severity),
		zap.String("reason", string(sig.Reason)),
		zap.String("detail", sig.Detail),
	)
	if p.events != nil {
		p.events.Emit(events.EventTypeSignal, sig.Source, sig)
	}

	if sig.Severity != events.Critical {
		return nil
	}
	if sig.IsGlobal() {
		p.stopAll(sig)
		return nil
	}

	p.mu.RLock()
	l, ok := p.loops[sig.Source]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, sig.Source)
	}
	l.Stop(sig)
	return nil
}

func (p *Protocol) stopAll(sig events.EmergencySignal) {
	loops := p.snapshot()
	for i, l := range loops {
		if i > 0 && p.stagger > 0 {
			p.sleep(p.stagger)
		}
		if l.Stop(sig) {
			p.log.Debug("stop requested", zap.String("loop", l.ID()))
		}
	}
}

func (p *Protocol) snapshot() []Stoppable {
	p.mu.RLock()
	loops := make([]Stoppable, 0, len(p.loops))
	for _, l := range p.loops {
		loops = append(loops, l)
	}
	p.mu.RUnlock()
	sort.Slice(loops, func(i, j int) bool { return loops[i].ID() < loops[j].ID() })
	return loops
}

func (p *Protocol) consume(id string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	if len(p.seen) >= seenLimit {
		clear(p.seen)
	}
	p.seen[id] = struct{}{}
	return true
}

// AllClear reports whether there is at least one loop and every loop is
// Stopped. Nothing is restarted automatically.
func (p *Protocol) AllClear() bool {
	loops := p.snapshot()
	if len(loops) == 0 {
		return false
	}
	for _, l := range loops {
		if l.State() != scheduler.Stopped {
			return false
		}
	}
	return true
}

// Wait blocks until every registered loop has finished or ctx is done.
func (p *Protocol) Wait(ctx context.Context) error {
	for _, l := range p.snapshot() {
		select {
		case <-l.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
)

// CycleObserver matches the scheduler's observer hook.
type CycleObserver interface {
	CycleRecorded(rec cycle.Record)
	CallbackAbandoned(loopID string)
}

// Sampler persists one cycle record in every N per loop. It is installed
// as a scheduler observer, so CycleRecorded runs on the loop goroutine and
// must not block: samples go through a bounded queue and are dropped when
// the writer falls behind.
type Sampler struct {
	repo  SampleRepository
	every uint64
	next  CycleObserver
	log   *logger.Logger
	queue chan cycle.Record

	mu     sync.Mutex
	counts map[string]uint64

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithNext chains another observer, typically the metrics collector.
func WithNext(o CycleObserver) SamplerOption {
	return func(s *Sampler) { s.next = o }
}

// WithSamplerLogger sets the logger.
func WithSamplerLogger(log *logger.Logger) SamplerOption {
	return func(s *Sampler) { s.log = log }
}

// NewSampler creates a sampler. every below one persists every record.
func NewSampler(repo SampleRepository, every, queueSize int, opts ...SamplerOption) *Sampler {
	if every < 1 {
		every = 1
	}
	if queueSize < 1 {
		queueSize = 256
	}
	s := &Sampler{
		repo:   repo,
		every:  uint64(every),
		log:    logger.NewNop(),
		queue:  make(chan cycle.Record, queueSize),
		counts: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CycleRecorded enqueues every Nth record of each loop.
func (s *Sampler) CycleRecorded(rec cycle.Record) {
	if s.next != nil {
		s.next.CycleRecorded(rec)
	}

	s.mu.Lock()
	n := s.counts[rec.LoopID]
	s.counts[rec.LoopID] = n + 1
	s.mu.Unlock()
	if n%s.every != 0 {
		return
	}

	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
}

// CallbackAbandoned forwards to the chained observer.
func (s *Sampler) CallbackAbandoned(loopID string) {
	if s.next != nil {
		s.next.CallbackAbandoned(loopID)
	}
}

// Run writes queued samples until ctx is done, then drains what is left.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case rec := <-s.queue:
			s.write(context.Background(), rec)
		}
	}
}

func (s *Sampler) drain() {
	for {
		select {
		case rec := <-s.queue:
			s.write(context.Background(), rec)
		default:
			return
		}
	}
}

func (s *Sampler) write(ctx context.Context, rec cycle.Record) {
	if err := s.repo.Insert(ctx, rec); err != nil {
		s.failed.Add(1)
		s.log.Warn("sample write failed", zap.String("loop", rec.LoopID), zap.Error(err))
		return
	}
	s.written.Add(1)
}

// Counts returns written, dropped and failed sample counts.
func (s *Sampler) Counts() (written, dropped, failed uint64) {
	return s.written.Load(), s.dropped.Load(), s.failed.Load()
}

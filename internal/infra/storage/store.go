package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/metrics"
)

// DefaultWriteTimeout bounds a single persister write.
const DefaultWriteTimeout = 2 * time.Second

// Store bundles the SQLite repositories. It implements events.Persister.
type Store struct {
	db      *sql.DB
	Events  *SQLiteEventRepository
	Samples *SQLiteSampleRepository

	metrics *metrics.Collector
	timeout time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMetrics records write latency and failures.
func WithMetrics(c *metrics.Collector) StoreOption {
	return func(s *Store) { s.metrics = c }
}

// WithWriteTimeout bounds each persister write.
func WithWriteTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Open initialises the database at path.
func Open(path string, maxOpen int, opts ...StoreOption) (*Store, error) {
	db, err := InitSQLite(path, maxOpen)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	s := &Store{
		db:      db,
		Events:  NewSQLiteEventRepository(db),
		Samples: NewSQLiteSampleRepository(db),
		timeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append persists one engine event.
func (s *Store) Append(e events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := s.Events.Append(ctx, e)
	if s.metrics != nil {
		s.metrics.RecordEventWrite(time.Since(start), err)
	}
	return err
}

// Reconstructor returns a history reconstructor over the stored events.
func (s *Store) Reconstructor() *Reconstructor {
	return NewReconstructor(s.Events)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ events.Persister = (*Store)(nil)

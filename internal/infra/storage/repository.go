// Package storage persists engine events and sampled cycle records.
// The engine never depends on it directly: events arrive through the
// events.Persister interface and samples through the scheduler observer
// hook.
package storage

import (
	"context"
	"time"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/events"
)

// EventQuery filters stored events. Zero values match everything.
type EventQuery struct {
	LoopID string
	Types  []events.EventType
	Since  time.Time
	// Limit keeps the most recent N matches. Zero means no limit.
	Limit int
}

// EventRepository defines the interface for event persistence.
type EventRepository interface {
	// Append adds a new event to the ledger. Appending an ID twice is a no-op.
	Append(ctx context.Context, event events.Event) error

	// Query returns matching events, oldest first. Payloads come back as
	// json.RawMessage.
	Query(ctx context.Context, q EventQuery) ([]events.Event, error)

	// Count returns the number of stored events.
	Count(ctx context.Context) (int, error)
}

// SampleRepository defines the interface for cycle sample persistence.
type SampleRepository interface {
	// Insert stores one cycle record. Re-inserting a (loop, index) pair
	// overwrites it.
	Insert(ctx context.Context, rec cycle.Record) error

	// ByLoop returns up to limit of the most recent samples for a loop,
	// oldest first.
	ByLoop(ctx context.Context, loopID string, limit int) ([]cycle.Record, error)

	// Prune deletes samples that started before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

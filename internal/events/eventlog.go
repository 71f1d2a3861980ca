// Package events holds the engine's audit trail: emergency signals and the
// state changes they cause. The log is append-only and bounded; the oldest
// entries fall off once it is full.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of an engine event.
type EventType string

const (
	EventTypeStateChange     EventType = "STATE_CHANGE"
	EventTypeStrategyChange  EventType = "STRATEGY_CHANGE"
	EventTypeTargetAdjusted  EventType = "TARGET_ADJUSTED"
	EventTypeSignal          EventType = "EMERGENCY_SIGNAL"
	EventTypeCascadeRisk     EventType = "CASCADE_RISK"
	EventTypeCascadeDistress EventType = "CASCADE_DISTRESS"
	EventTypeQualityBreach   EventType = "QUALITY_BREACH"
	EventTypeCallbackTimeout EventType = "CALLBACK_TIMEOUT"
	EventTypeLoopStopped     EventType = "LOOP_STOPPED"
	EventTypeAllClear        EventType = "ALL_CLEAR"
)

// DefaultCapacity is the number of events retained in memory.
const DefaultCapacity = 1024

// StateChangePayload accompanies EventTypeStateChange.
type StateChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TargetPayload accompanies EventTypeTargetAdjusted.
type TargetPayload struct {
	FromHz float64 `json:"from_hz"`
	ToHz   float64 `json:"to_hz"`
	// Requested is true for explicit external changes, false for automatic
	// degradation steps.
	Requested bool `json:"requested"`
}

// StrategyPayload accompanies EventTypeStrategyChange.
type StrategyPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Capability string `json:"capability"`
}

// CascadePayload accompanies both cascade event types.
type CascadePayload struct {
	Fraction float64  `json:"fraction"`
	Loops    []string `json:"loops"`
	Tick     uint64   `json:"tick"`
}

// QualityPayload accompanies EventTypeQualityBreach.
type QualityPayload struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Ticks     int     `json:"consecutive_ticks"`
}

// Event represents an immutable record of something the engine did.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	LoopID    string    `json:"loop_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps a new event with an ID and the current time.
func NewEvent(t EventType, loopID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      t,
		LoopID:    loopID,
		Payload:   payload,
	}
}

// Persister defines how an event is durably stored.
type Persister interface {
	Append(event Event) error
}

// Listener observes every appended event.
type Listener func(Event)

// Log is the in-memory append-only log of engine events.
type Log struct {
	mu        sync.RWMutex
	buf       []Event
	w         uint64
	persister Persister
	listeners []Listener

	persistFailures atomic.Uint64
}

// NewLog creates a log holding up to capacity events, with an optional
// persister. Non-positive capacities use DefaultCapacity.
func NewLog(capacity int, persister Persister) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:       make([]Event, capacity),
		persister: persister,
	}
}

// Subscribe registers a listener. Listeners run synchronously on the
// appending goroutine and must not block.
func (l *Log) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Append adds a new event to the log, writes it through to the persister
// and notifies listeners.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	l.buf[l.w%uint64(len(l.buf))] = e
	l.w++
	listeners := l.listeners
	l.mu.Unlock()

	if l.persister != nil {
		if err := l.persister.Append(e); err != nil {
			l.persistFailures.Add(1)
		}
	}
	for _, fn := range listeners {
		fn(e)
	}
}

// Emit is shorthand for Append(NewEvent(...)).
func (l *Log) Emit(t EventType, loopID string, payload any) Event {
	e := NewEvent(t, loopID, payload)
	l.Append(e)
	return e
}

// PersistFailures counts events the persister rejected.
func (l *Log) PersistFailures() uint64 {
	return l.persistFailures.Load()
}

// Len is the number of events currently retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lenLocked()
}

func (l *Log) lenLocked() int {
	if l.w < uint64(len(l.buf)) {
		return int(l.w)
	}
	return len(l.buf)
}

// Replay returns every retained event, oldest first.
func (l *Log) Replay() []Event {
	return l.Recent(-1)
}

// Recent returns up to limit of the newest events matching any of the given
// types (all types when none are given), oldest first. A negative limit
// means no limit.
func (l *Log) Recent(limit int, types ...EventType) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.lenLocked()
	size := uint64(len(l.buf))
	var out []Event
	for i := 0; i < n && (limit < 0 || len(out) < limit); i++ {
		e := l.buf[(l.w-1-uint64(i))%size]
		if matches(e.Type, types) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// GetByLoop returns all retained events for one loop.
func (l *Log) GetByLoop(loopID string) []Event {
	var result []Event
	for _, e := range l.Replay() {
		if e.LoopID == loopID {
			result = append(result, e)
		}
	}
	return result
}

func matches(t EventType, types []EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

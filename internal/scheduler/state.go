package scheduler

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of one loop.
//
//	Initializing → Running              [first completed tick]
//	Running ↔ Degraded                  [window achieved Hz vs min_hz]
//	Running/Degraded → EmergencyStopping [Stop or context cancellation]
//	Initializing → EmergencyStopping    [stop requested before the first tick]
//	EmergencyStopping → Stopped         [stop sequence complete]
//
// Stopped is terminal for a Scheduler; restarting means building a new one.
type State uint32

const (
	Initializing State = iota
	Running
	Degraded
	EmergencyStopping
	Stopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Degraded:
		return "Degraded"
	case EmergencyStopping:
		return "EmergencyStopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := Initializing; st <= Stopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("scheduler: unknown state %q", b)
}

// Active reports whether the loop is still cycling.
func (s State) Active() bool {
	return s == Running || s == Degraded
}

// stateCell is a CAS-guarded state holder. The run goroutine is the only
// writer; readers may be anywhere.
type stateCell struct {
	v atomic.Uint32
}

func (c *stateCell) Load() State {
	return State(c.v.Load())
}

func (c *stateCell) TryTransition(from, to State) bool {
	return c.v.CompareAndSwap(uint32(from), uint32(to))
}

// TransitionAny moves to `to` from the first matching state in validFrom and
// returns the state it left.
func (c *stateCell) TransitionAny(validFrom []State, to State) (State, bool) {
	for _, from := range validFrom {
		if c.v.CompareAndSwap(uint32(from), uint32(to)) {
			return from, true
		}
	}
	return 0, false
}

// Store is only used for the terminal state.
func (c *stateCell) Store(s State) {
	c.v.Store(uint32(s))
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/timing"
)

var (
	// ErrInvalidFrequency is returned when a target is not a positive finite
	// number, or when the minimum exceeds the target.
	ErrInvalidFrequency = errors.New("scheduler: invalid frequency")

	// ErrInvalidSpec covers the remaining LoopSpec validation failures.
	ErrInvalidSpec = errors.New("scheduler: invalid loop spec")

	// ErrCallbackTimeout is recorded when an in-flight callback does not
	// finish within the emergency timeout and is abandoned.
	ErrCallbackTimeout = errors.New("scheduler: callback abandoned during emergency stop")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

// Callback is the work executed once per cycle. ctx is cancelled when the
// loop stops or abandons the callback.
type Callback func(ctx context.Context)

// BaselineHook returns the loop's domain state to a known-safe condition.
// It runs exactly once, as the last step before the loop is Stopped.
type BaselineHook func(ctx context.Context, sig events.EmergencySignal)

// LoopSpec describes one loop. Only the target frequency may change after
// registration, through Scheduler.RequestTarget.
type LoopSpec struct {
	ID       string
	TargetHz float64
	MinHz    float64
	// PreservationThreshold is the quality floor, in [0, 1], below which
	// emergency handling may trigger.
	PreservationThreshold float64
	Callback              Callback
	Baseline              BaselineHook
}

// Validate checks the spec.
func (s LoopSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty loop id", ErrInvalidSpec)
	}
	if s.ID == events.Global {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSpec, events.Global)
	}
	if err := validHz(s.TargetHz); err != nil {
		return fmt.Errorf("loop %s: target: %w", s.ID, err)
	}
	if math.IsNaN(s.MinHz) || s.MinHz < 0 {
		return fmt.Errorf("loop %s: %w: min_hz %v", s.ID, ErrInvalidFrequency, s.MinHz)
	}
	if s.MinHz > s.TargetHz {
		return fmt.Errorf("loop %s: %w: min_hz %v exceeds target_hz %v", s.ID, ErrInvalidFrequency, s.MinHz, s.TargetHz)
	}
	if math.IsNaN(s.PreservationThreshold) || s.PreservationThreshold < 0 || s.PreservationThreshold > 1 {
		return fmt.Errorf("loop %s: %w: preservation threshold %v outside [0, 1]", s.ID, ErrInvalidSpec, s.PreservationThreshold)
	}
	if s.Callback == nil {
		return fmt.Errorf("loop %s: %w: nil callback", s.ID, ErrInvalidSpec)
	}
	return nil
}

func validHz(hz float64) error {
	if _, err := timing.PeriodFromHz(hz); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrequency, err)
	}
	return nil
}

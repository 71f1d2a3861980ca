package timing

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"
)

var (
	// ErrInvalidPeriod is returned for a period that is not strictly positive
	// and finite. It is a configuration error, never a retry condition.
	ErrInvalidPeriod = errors.New("timing: invalid period")

	// ErrTimerAcquisition is returned when the Native timer cannot be set up
	// on this host. Callers fall back to Portable.
	ErrTimerAcquisition = errors.New("timing: timer acquisition failure")
)

// DefaultSpinThreshold is how much of each Native period is spent spinning
// rather than sleeping.
const DefaultSpinThreshold = 500 * time.Microsecond

// Clock is the monotonic time source used by a Timer.
type Clock interface {
	Now() time.Time
}

type monotonicClock struct{}

func (monotonicClock) Now() time.Time { return time.Now() }

// SystemClock reads the process monotonic clock.
var SystemClock Clock = monotonicClock{}

// PeriodFromHz converts a frequency to a period. NaN, infinite, zero and
// negative frequencies fail with ErrInvalidPeriod.
func PeriodFromHz(hz float64) (time.Duration, error) {
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz <= 0 {
		return 0, fmt.Errorf("%w: %v Hz", ErrInvalidPeriod, hz)
	}
	p := time.Duration(float64(time.Second) / hz)
	if p <= 0 {
		return 0, fmt.Errorf("%w: %v Hz rounds to a zero period", ErrInvalidPeriod, hz)
	}
	return p, nil
}

// Acquire checks that the given strategy can be used on this host.
// Portable always succeeds.
func Acquire(s Strategy) error {
	if s == Portable {
		return nil
	}
	return acquireNative()
}

// Timer paces one loop. It is owned by a single goroutine and is not safe
// for concurrent use.
type Timer struct {
	clock   Clock
	sleep   func(time.Duration)
	spin    time.Duration
	last    time.Time
	next    time.Time
	started bool
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithClock overrides the monotonic clock.
func WithClock(c Clock) TimerOption {
	return func(t *Timer) { t.clock = c }
}

// WithSpinThreshold sets the tail of each Native period that is spun.
func WithSpinThreshold(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d >= 0 {
			t.spin = d
		}
	}
}

// WithSleeper overrides the blocking sleep primitive used by both strategies.
func WithSleeper(fn func(time.Duration)) TimerOption {
	return func(t *Timer) { t.sleep = fn }
}

// NewTimer creates a Timer. The first call to WaitUntilNextCycle anchors it.
func NewTimer(opts ...TimerOption) *Timer {
	t := &Timer{
		clock: SystemClock,
		spin:  DefaultSpinThreshold,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reset re-anchors the timer at now.
func (t *Timer) Reset() {
	now := t.clock.Now()
	t.last = now
	t.next = now
	t.started = true
}

// WaitUntilNextCycle blocks until the next tick and returns the time elapsed
// since the previous tick. The strategy is read once per call, so swapping
// it between calls only changes how subsequent cycles wait.
//
// If the caller has fallen more than a full period behind, the schedule is
// re-anchored at now instead of issuing catch-up ticks.
func (t *Timer) WaitUntilNextCycle(s Strategy, period time.Duration) (time.Duration, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPeriod, period)
	}

	if !t.started {
		t.Reset()
		t.next = t.last.Add(period)
	}

	deadline := t.next
	if now := t.clock.Now(); now.Before(deadline) {
		switch s {
		case Portable:
			t.waitPortable(deadline.Sub(now))
		default:
			t.waitNative(deadline, deadline.Sub(now))
		}
	}

	now := t.clock.Now()
	elapsed := now.Sub(t.last)
	t.last = now

	t.next = deadline.Add(period)
	if !t.next.After(now) {
		t.next = now.Add(period)
	}
	return elapsed, nil
}

func (t *Timer) waitNative(deadline time.Time, remaining time.Duration) {
	if bulk := remaining - t.spin; bulk > 0 {
		t.doSleep(bulk, preciseSleep)
	}
	for t.clock.Now().Before(deadline) {
		runtime.Gosched()
	}
}

func (t *Timer) waitPortable(remaining time.Duration) {
	// rounded up so Portable never wakes before the deadline
	d := (remaining + time.Millisecond - 1).Truncate(time.Millisecond)
	t.doSleep(d, time.Sleep)
}

func (t *Timer) doSleep(d time.Duration, fallback func(time.Duration)) {
	if t.sleep != nil {
		t.sleep(d)
		return
	}
	fallback(d)
}

// Package cycle holds the per-cycle measurements a loop produces.
package cycle

import (
	"time"
)

// Record describes one cycle of one loop. Records are created once per
// cycle by the owning scheduler and never mutated afterwards.
type Record struct {
	LoopID string    `json:"loop_id"`
	Index  uint64    `json:"index"`
	Start  time.Time `json:"start"`
	// Duration is the measured time since the previous tick.
	Duration time.Duration `json:"duration"`
	// IdealPeriod is the scheduler's internal period when the cycle ran.
	IdealPeriod time.Duration `json:"ideal_period"`
	// TargetPeriod is the configured target's period when the cycle ran. It
	// stays put while degradation lowers IdealPeriod.
	TargetPeriod time.Duration `json:"target_period,omitempty"`
	// Jitter is Duration minus IdealPeriod; negative means early.
	Jitter time.Duration `json:"jitter"`
	// WorkCompleted reports whether the previous callback finished before this tick.
	WorkCompleted bool `json:"work_completed"`
	// Skipped reports that no callback was started this cycle because the
	// previous one was still in flight.
	Skipped bool `json:"skipped"`
}

// Frequency is the instantaneous rate implied by Duration, never negative.
func (r Record) Frequency() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(time.Second) / float64(r.Duration)
}

// AbsJitter returns |Jitter|.
func (r Record) AbsJitter() time.Duration {
	if r.Jitter < 0 {
		return -r.Jitter
	}
	return r.Jitter
}

package scheduler

import (
	"math"

	"github.com/MRamiBalles/cadence/internal/quality"
)

// Stats is a read-only view of one loop.
type Stats struct {
	LoopID                string  `json:"loop_id"`
	State                 State   `json:"state"`
	TargetHz              float64 `json:"target_hz"`
	InternalTargetHz      float64 `json:"internal_target_hz"`
	MinHz                 float64 `json:"min_hz"`
	PreservationThreshold float64 `json:"preservation_threshold"`
	// AchievedHz covers the whole retained ring; WindowHz only the last
	// degradation window.
	AchievedHz       float64            `json:"achieved_hz"`
	WindowHz         float64            `json:"window_hz"`
	Quality          quality.Assessment `json:"quality"`
	Cycles           uint64             `json:"cycles"`
	Skipped          uint64             `json:"skipped"`
	DiscardedSkips   uint64             `json:"discarded_skips"`
	CallbackTimeouts uint64             `json:"callback_timeouts"`
	Abandoned        bool               `json:"abandoned"`
}

// Stats assembles the current view. Quality is recomputed from the ring.
func (s *Scheduler) Stats() Stats {
	q := quality.Assess(s.ring.Snapshot())
	return Stats{
		LoopID:                s.spec.ID,
		State:                 s.state.Load(),
		TargetHz:              s.TargetHz(),
		InternalTargetHz:      s.InternalTargetHz(),
		MinHz:                 s.spec.MinHz,
		PreservationThreshold: s.spec.PreservationThreshold,
		AchievedHz:            q.AchievedHz,
		WindowHz:              math.Float64frombits(s.windowHzBits.Load()),
		Quality:               q,
		Cycles:                s.cycles.Load(),
		Skipped:               s.skipped.Load(),
		DiscardedSkips:        s.discarded.Load(),
		CallbackTimeouts:      s.timeouts.Load(),
		Abandoned:             s.abandoned.Load(),
	}
}

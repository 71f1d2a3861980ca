package engine

import (
	"time"

	"github.com/MRamiBalles/cadence/internal/scheduler"
)

// LoopSnapshot is one loop's row in a CoordinationSnapshot.
type LoopSnapshot struct {
	LoopID           string          `json:"loop_id"`
	State            scheduler.State `json:"state"`
	TargetHz         float64         `json:"target_hz"`
	InternalTargetHz float64         `json:"internal_target_hz"`
	MinHz            float64         `json:"min_hz"`
	AchievedHz       float64         `json:"achieved_hz"`
	Quality          float64         `json:"quality"`
	JitterP95        time.Duration   `json:"jitter_p95"`
	Cycles           uint64          `json:"cycles"`
	Skipped          uint64          `json:"skipped"`
	CallbackTimeouts uint64          `json:"callback_timeouts"`
	TrendingUp       bool            `json:"trending_up"`
}

// CoordinationSnapshot aggregates every loop at one coordination tick. Only
// the latest snapshot is kept.
type CoordinationSnapshot struct {
	Tick      uint64         `json:"tick"`
	Timestamp time.Time      `json:"timestamp"`
	Loops     []LoopSnapshot `json:"loops"`
	// UnifiedHz is the harmonic mean of the active loops' achieved rates.
	UnifiedHz       float64       `json:"unified_hz"`
	ArithmeticHz    float64       `json:"arithmetic_hz"`
	CascadeRisk     bool          `json:"cascade_risk"`
	CascadeDistress bool          `json:"cascade_distress"`
	Pressure        PressureLevel `json:"pressure"`
	Strategy        string        `json:"strategy,omitempty"`
	Capability      string        `json:"capability,omitempty"`
}

// Loop returns the row for id.
func (s CoordinationSnapshot) Loop(id string) (LoopSnapshot, bool) {
	for _, l := range s.Loops {
		if l.LoopID == id {
			return l, true
		}
	}
	return LoopSnapshot{}, false
}

// HarmonicMean is N / Σ(1/f) over the strictly positive values. It returns
// zero when there are none.
func HarmonicMean(freqs []float64) float64 {
	var n int
	var inv float64
	for _, f := range freqs {
		if f > 0 {
			n++
			inv += 1 / f
		}
	}
	if n == 0 {
		return 0
	}
	return float64(n) / inv
}

// ArithmeticMean averages the strictly positive values.
func ArithmeticMean(freqs []float64) float64 {
	var n int
	var sum float64
	for _, f := range freqs {
		if f > 0 {
			n++
			sum += f
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

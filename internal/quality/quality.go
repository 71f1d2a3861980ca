// Package quality turns a window of cycle records into a score in [0, 1].
//
// Everything here is a pure function of its input: the same window always
// produces the same Assessment.
package quality

import (
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
)

// Composite weights. They sum to 1.
const (
	WeightFrequency = 0.5
	WeightJitter    = 0.3
	WeightSkipped   = 0.2
)

// JitterPercentile is the percentile of |jitter| used for the jitter score.
const JitterPercentile = 95

// Assessment is the decomposed quality of a window.
type Assessment struct {
	Samples int `json:"samples"`
	// AchievedHz counts only cycles whose work completed.
	AchievedHz float64 `json:"achieved_hz"`
	// TargetHz is derived from the configured target periods in the window,
	// so a degraded loop is still judged against what it was asked for.
	TargetHz float64 `json:"target_hz"`
	// FrequencyRatio is AchievedHz/TargetHz clamped to [0, 1]; running
	// faster than target earns nothing extra.
	FrequencyRatio float64       `json:"frequency_ratio"`
	JitterP95      time.Duration `json:"jitter_p95"`
	JitterScore    float64       `json:"jitter_score"`
	SkippedRatio   float64       `json:"skipped_ratio"`
	Score          float64       `json:"score"`
}

// Assess scores a window of records. An empty window scores zero.
func Assess(records []cycle.Record) Assessment {
	a := Assessment{Samples: len(records)}
	if len(records) == 0 {
		return a
	}

	var (
		elapsed, target time.Duration
		completed       int
		skipped         int
		relJitter       = make([]float64, 0, len(records))
	)
	for _, r := range records {
		if r.Duration > 0 {
			elapsed += r.Duration
		}
		if r.IdealPeriod > 0 {
			relJitter = append(relJitter, float64(r.AbsJitter())/float64(r.IdealPeriod))
		}
		switch {
		case r.TargetPeriod > 0:
			target += r.TargetPeriod
		case r.IdealPeriod > 0:
			target += r.IdealPeriod
		}
		if r.WorkCompleted {
			completed++
		}
		if r.Skipped {
			skipped++
		}
	}

	if elapsed > 0 {
		a.AchievedHz = float64(completed) / elapsed.Seconds()
	}
	if target > 0 {
		a.TargetHz = float64(len(records)) / target.Seconds()
	}
	if a.TargetHz > 0 {
		a.FrequencyRatio = clamp(a.AchievedHz/a.TargetHz, 0, 1)
	}

	if len(relJitter) > 0 {
		jitters := make([]time.Duration, 0, len(records))
		for _, r := range records {
			jitters = append(jitters, r.AbsJitter())
		}
		slices.Sort(jitters)
		slices.Sort(relJitter)
		a.JitterP95 = jitters[percentileIndex(len(jitters), JitterPercentile)]
		a.JitterScore = 1 - clamp(relJitter[percentileIndex(len(relJitter), JitterPercentile)], 0, 1)
	}

	a.SkippedRatio = float64(skipped) / float64(len(records))

	a.Score = clamp(
		WeightFrequency*a.FrequencyRatio+
			WeightJitter*a.JitterScore+
			WeightSkipped*(1-a.SkippedRatio),
		0, 1,
	)
	return a
}

// Score is shorthand for Assess(records).Score.
func Score(records []cycle.Record) float64 {
	return Assess(records).Score
}

// AchievedHz is the completed-work frequency of the window.
func AchievedHz(records []cycle.Record) float64 {
	return Assess(records).AchievedHz
}

// BelowPreservation reports whether a has enough samples to be trusted and
// scores under threshold.
func BelowPreservation(a Assessment, threshold float64, minSamples int) bool {
	if a.Samples == 0 || a.Samples < minSamples {
		return false
	}
	return a.Score < threshold
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

func clamp[T constraints.Float](v, lo, hi T) T {
	if v != v {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

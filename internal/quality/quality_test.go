package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
)

func window(n int, period, duration time.Duration, mutate func(i int, r *cycle.Record)) []cycle.Record {
	out := make([]cycle.Record, n)
	for i := range out {
		out[i] = cycle.Record{
			LoopID:        "l",
			Index:         uint64(i),
			Duration:      duration,
			IdealPeriod:   period,
			Jitter:        duration - period,
			WorkCompleted: true,
		}
		if mutate != nil {
			mutate(i, &out[i])
		}
	}
	return out
}

func TestEmptyWindowScoresZero(t *testing.T) {
	a := Assess(nil)
	assert.Equal(t, 0, a.Samples)
	assert.Zero(t, a.Score)
	assert.Zero(t, AchievedHz(nil))
}

func TestPerfectWindowScoresOne(t *testing.T) {
	recs := window(20, 10*time.Millisecond, 10*time.Millisecond, nil)

	a := Assess(recs)
	assert.InDelta(t, 100.0, a.AchievedHz, 1e-9)
	assert.InDelta(t, 100.0, a.TargetHz, 1e-9)
	assert.Equal(t, 1.0, a.FrequencyRatio)
	assert.Equal(t, 1.0, a.JitterScore)
	assert.Zero(t, a.SkippedRatio)
	assert.InDelta(t, 1.0, a.Score, 1e-9)
}

func TestSkippedCyclesDoNotCountAsAchieved(t *testing.T) {
	recs := window(10, 10*time.Millisecond, 10*time.Millisecond, func(i int, r *cycle.Record) {
		if i%2 == 1 {
			r.Skipped = true
			r.WorkCompleted = false
		}
	})

	a := Assess(recs)
	assert.InDelta(t, 50.0, a.AchievedHz, 1e-9)
	assert.InDelta(t, 0.5, a.FrequencyRatio, 1e-9)
	assert.InDelta(t, 0.5, a.SkippedRatio, 1e-9)
	assert.InDelta(t, WeightFrequency*0.5+WeightJitter+WeightSkipped*0.5, a.Score, 1e-9)
}

func TestRunningFastDoesNotExceedOne(t *testing.T) {
	recs := window(10, 10*time.Millisecond, 5*time.Millisecond, nil)

	a := Assess(recs)
	assert.Equal(t, 1.0, a.FrequencyRatio)
	// jitter is half a period on every cycle
	assert.InDelta(t, 0.5, a.JitterScore, 1e-9)
	assert.LessOrEqual(t, a.Score, 1.0)
}

func TestJitterBeyondOnePeriodFloorsJitterScore(t *testing.T) {
	recs := window(10, 10*time.Millisecond, 25*time.Millisecond, nil)

	a := Assess(recs)
	assert.Zero(t, a.JitterScore)
	assert.Equal(t, 15*time.Millisecond, a.JitterP95)
	assert.GreaterOrEqual(t, a.Score, 0.0)
}

func TestScoreIsPure(t *testing.T) {
	recs := window(32, 4*time.Millisecond, 0, func(i int, r *cycle.Record) {
		r.Duration = time.Duration(3+i%4) * time.Millisecond
		r.Jitter = r.Duration - r.IdealPeriod
		r.Skipped = i%7 == 0
	})
	cp := append([]cycle.Record(nil), recs...)

	first := Score(recs)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Score(recs))
	}
	assert.Equal(t, cp, recs, "input must not be reordered")
}

func TestBelowPreservation(t *testing.T) {
	bad := Assess(window(10, 10*time.Millisecond, 40*time.Millisecond, func(_ int, r *cycle.Record) {
		r.WorkCompleted = false
		r.Skipped = true
	}))
	require.Less(t, bad.Score, 0.3)

	assert.True(t, BelowPreservation(bad, 0.3, 5))
	assert.False(t, BelowPreservation(bad, 0.3, 20), "too few samples")
	assert.False(t, BelowPreservation(Assessment{}, 0.3, 0))
}

func TestPercentileIndex(t *testing.T) {
	assert.Equal(t, 0, percentileIndex(1, 95))
	assert.Equal(t, 9, percentileIndex(10, 95))
	assert.Equal(t, 95, percentileIndex(100, 95))
	assert.Equal(t, 99, percentileIndex(100, 100))
}

func TestDegradedWindowIsJudgedAgainstConfiguredTarget(t *testing.T) {
	// paced at an internal 50 Hz after degradation, configured for 100 Hz
	recs := window(10, 20*time.Millisecond, 20*time.Millisecond, func(_ int, r *cycle.Record) {
		r.TargetPeriod = 10 * time.Millisecond
	})

	a := Assess(recs)
	assert.InDelta(t, 50.0, a.AchievedHz, 1e-9)
	assert.InDelta(t, 100.0, a.TargetHz, 1e-9)
	assert.InDelta(t, 0.5, a.FrequencyRatio, 1e-9)
	assert.Equal(t, 1.0, a.JitterScore, "jitter is measured against the paced period")
	assert.InDelta(t, WeightFrequency*0.5+WeightJitter+WeightSkipped, a.Score, 1e-9)
}

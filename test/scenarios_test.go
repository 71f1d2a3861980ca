package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAllFiltersByName(t *testing.T) {
	s := NewSuite(nil, time.Second)
	results := s.RunAll(context.Background(), "portable-fallback", "distress-routing")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Passed, "%s: %s (%s)", r.Scenario, r.Actual, r.Reason)
		assert.Positive(t, r.Elapsed)
	}
	assert.Equal(t, results, s.Results())
}

func TestSteadyFourLoops(t *testing.T) {
	if testing.Short() {
		t.Skip("runs four live loops for over a second")
	}
	r := NewSuite(nil, 1500*time.Millisecond).SteadyFourLoops(context.Background())
	assert.True(t, r.Passed, "%s (%s)", r.Actual, r.Reason)
}

func TestCascadeDistress(t *testing.T) {
	r := NewSuite(nil, time.Second).CascadeDistress(context.Background())
	assert.True(t, r.Passed, "%s (%s)", r.Actual, r.Reason)
}

func TestRunAllStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, NewSuite(nil, time.Second).RunAll(ctx))
}

func TestScenarioNamesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, sc := range NewSuite(nil, 0).Scenarios() {
		assert.False(t, seen[sc.Name], sc.Name)
		seen[sc.Name] = true
	}
	assert.Len(t, seen, 4)
}

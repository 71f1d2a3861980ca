package metrics

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/events"
)

func TestCycleCounters(t *testing.T) {
	c := NewCollector()
	c.CycleRecorded(cycle.Record{LoopID: "a", Jitter: -2 * time.Millisecond})
	c.CycleRecorded(cycle.Record{LoopID: "a", Skipped: true, Jitter: time.Millisecond})
	c.CycleRecorded(cycle.Record{LoopID: "b"})
	c.CallbackAbandoned("a")

	assert.Equal(t, int64(3), c.Cycles.Load())
	assert.Equal(t, int64(1), c.SkippedCycles.Load())
	assert.Equal(t, int64(1), c.Abandoned.Load())

	a := c.Snapshot()["cycles"].(map[string]interface{})["per_loop"].(map[string]interface{})["a"].(map[string]interface{})
	assert.Equal(t, int64(2), a["cycles"])
	assert.Equal(t, 2.0, a["jitter_max_ms"])
}

func TestObserveEvent(t *testing.T) {
	c := NewCollector()
	c.ObserveEvent(events.NewEvent(events.EventTypeSignal, "a", events.NewSignal("a", events.Critical, events.ReasonExternal, "")))
	c.ObserveEvent(events.NewEvent(events.EventTypeSignal, "a", events.NewSignal("a", events.Warning, events.ReasonExternal, "")))
	c.ObserveEvent(events.NewEvent(events.EventTypeStrategyChange, "", nil))
	c.ObserveEvent(events.NewEvent(events.EventTypeCascadeDistress, "", nil))

	assert.Equal(t, int64(1), c.SignalsCritical.Load())
	assert.Equal(t, int64(1), c.SignalsWarning.Load())
	assert.Equal(t, int64(1), c.StrategySwaps.Load())
	assert.Equal(t, int64(1), c.CascadeDistress.Load())
}

func TestEventWriteLatency(t *testing.T) {
	c := NewCollector()
	c.RecordEventWrite(2*time.Millisecond, nil)
	c.RecordEventWrite(4*time.Millisecond, errors.New("locked"))

	ev := c.Snapshot()["events"].(map[string]interface{})
	assert.Equal(t, int64(2), ev["written"])
	assert.Equal(t, 3.0, ev["avg_write_lat_ms"])
	assert.Equal(t, 4.0, ev["max_write_lat_ms"])
	assert.Equal(t, int64(1), ev["errors"])
}

func TestHandlers(t *testing.T) {
	c := NewCollector()
	c.CycleRecorded(cycle.Record{LoopID: "render"})
	c.RecordWSConnection(1)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "cycles")

	rec = httptest.NewRecorder()
	c.PrometheusHandler()(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	text := rec.Body.String()
	assert.Contains(t, text, `cadence_loop_cycles_total{loop="render"} 1`)
	assert.Contains(t, text, "cadence_ws_connections 1")
}

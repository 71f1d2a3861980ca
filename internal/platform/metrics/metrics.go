// Package metrics provides counters for the timing engine and exposes them
// as JSON and in the Prometheus text format.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MRamiBalles/cadence/internal/domain/cycle"
	"github.com/MRamiBalles/cadence/internal/events"
)

type loopCounters struct {
	cycles    atomic.Int64
	skipped   atomic.Int64
	abandoned atomic.Int64
	jitterMax atomic.Int64 // nanoseconds
}

// Collector gathers engine metrics. The zero value is not usable; call
// NewCollector or Get.
type Collector struct {
	// Cycle metrics
	Cycles        atomic.Int64
	SkippedCycles atomic.Int64
	Abandoned     atomic.Int64

	// Engine events
	SignalsWarning   atomic.Int64
	SignalsCritical  atomic.Int64
	StrategySwaps    atomic.Int64
	StateChanges     atomic.Int64
	CascadeRisks     atomic.Int64
	CascadeDistress  atomic.Int64
	TargetAdjustment atomic.Int64

	// Persistence
	EventsWritten    atomic.Int64
	EventWriteLatSum atomic.Int64
	EventWriteLatMax atomic.Int64
	EventWriteErrors atomic.Int64

	// WebSocket metrics
	WSConnectionsActive atomic.Int64
	WSMessagesIn        atomic.Int64
	WSMessagesOut       atomic.Int64
	WSErrors            atomic.Int64

	StartTime time.Time

	mu    sync.RWMutex
	loops map[string]*loopCounters
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		StartTime: time.Now(),
		loops:     make(map[string]*loopCounters),
	}
}

var collector = NewCollector()

// Get returns the process-wide collector.
func Get() *Collector {
	return collector
}

func (c *Collector) loop(id string) *loopCounters {
	c.mu.RLock()
	l, ok := c.loops[id]
	c.mu.RUnlock()
	if ok {
		return l
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok = c.loops[id]; !ok {
		l = &loopCounters{}
		c.loops[id] = l
	}
	return l
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// CycleRecorded counts one loop cycle.
func (c *Collector) CycleRecorded(rec cycle.Record) {
	l := c.loop(rec.LoopID)
	c.Cycles.Add(1)
	l.cycles.Add(1)
	if rec.Skipped {
		c.SkippedCycles.Add(1)
		l.skipped.Add(1)
	}
	storeMax(&l.jitterMax, int64(rec.AbsJitter()))
}

// CallbackAbandoned counts a callback abandoned during an emergency stop.
func (c *Collector) CallbackAbandoned(loopID string) {
	c.Abandoned.Add(1)
	c.loop(loopID).abandoned.Add(1)
}

// ObserveEvent counts engine events by type. It has the events.Listener
// signature.
func (c *Collector) ObserveEvent(e events.Event) {
	switch e.Type {
	case events.EventTypeSignal:
		if sig, ok := e.Payload.(events.EmergencySignal); ok && sig.Severity == events.Critical {
			c.SignalsCritical.Add(1)
		} else {
			c.SignalsWarning.Add(1)
		}
	case events.EventTypeStrategyChange:
		c.StrategySwaps.Add(1)
	case events.EventTypeStateChange:
		c.StateChanges.Add(1)
	case events.EventTypeCascadeRisk:
		c.CascadeRisks.Add(1)
	case events.EventTypeCascadeDistress:
		c.CascadeDistress.Add(1)
	case events.EventTypeTargetAdjusted:
		c.TargetAdjustment.Add(1)
	}
}

// RecordEventWrite records an event write to the database.
func (c *Collector) RecordEventWrite(latency time.Duration, err error) {
	c.EventsWritten.Add(1)
	c.EventWriteLatSum.Add(int64(latency))
	storeMax(&c.EventWriteLatMax, int64(latency))
	if err != nil {
		c.EventWriteErrors.Add(1)
	}
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int64) {
	c.WSConnectionsActive.Add(delta)
}

// RecordWSMessage records WebSocket messages.
func (c *Collector) RecordWSMessage(incoming bool) {
	if incoming {
		c.WSMessagesIn.Add(1)
	} else {
		c.WSMessagesOut.Add(1)
	}
}

// RecordWSError records a WebSocket error.
func (c *Collector) RecordWSError() {
	c.WSErrors.Add(1)
}

func (c *Collector) loopIDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.loops))
	for id := range c.loops {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns current metrics as a map.
func (c *Collector) Snapshot() map[string]interface{} {
	written := c.EventsWritten.Load()
	var writeAvg float64
	if written > 0 {
		writeAvg = float64(c.EventWriteLatSum.Load()) / float64(written) / 1e6
	}

	loops := make(map[string]interface{})
	for _, id := range c.loopIDs() {
		l := c.loop(id)
		loops[id] = map[string]interface{}{
			"cycles":        l.cycles.Load(),
			"skipped":       l.skipped.Load(),
			"abandoned":     l.abandoned.Load(),
			"jitter_max_ms": float64(l.jitterMax.Load()) / 1e6,
		}
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.StartTime).Seconds(),

		"cycles": map[string]interface{}{
			"count":     c.Cycles.Load(),
			"skipped":   c.SkippedCycles.Load(),
			"abandoned": c.Abandoned.Load(),
			"per_loop":  loops,
		},

		"engine": map[string]interface{}{
			"signals_warning":    c.SignalsWarning.Load(),
			"signals_critical":   c.SignalsCritical.Load(),
			"strategy_swaps":     c.StrategySwaps.Load(),
			"state_changes":      c.StateChanges.Load(),
			"cascade_risks":      c.CascadeRisks.Load(),
			"cascade_distress":   c.CascadeDistress.Load(),
			"target_adjustments": c.TargetAdjustment.Load(),
		},

		"events": map[string]interface{}{
			"written":          written,
			"avg_write_lat_ms": writeAvg,
			"max_write_lat_ms": float64(c.EventWriteLatMax.Load()) / 1e6,
			"errors":           c.EventWriteErrors.Load(),
		},

		"websocket": map[string]interface{}{
			"active_connections": c.WSConnectionsActive.Load(),
			"messages_in":        c.WSMessagesIn.Load(),
			"messages_out":       c.WSMessagesOut.Load(),
			"errors":             c.WSErrors.Load(),
		},
	}
}

// Handler returns an HTTP handler for the JSON /metrics endpoint.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	}
}

// PrometheusHandler returns metrics in Prometheus format.
func (c *Collector) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		counter := func(name, help string, v int64) {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
		}

		counter("cadence_cycles_total", "Total loop cycles", c.Cycles.Load())
		counter("cadence_cycles_skipped_total", "Cycles skipped because the previous callback was still running", c.SkippedCycles.Load())
		counter("cadence_callbacks_abandoned_total", "Callbacks abandoned during emergency stop", c.Abandoned.Load())

		ids := c.loopIDs()
		fmt.Fprintf(w, "# HELP cadence_loop_cycles_total Cycles per loop\n")
		fmt.Fprintf(w, "# TYPE cadence_loop_cycles_total counter\n")
		for _, id := range ids {
			fmt.Fprintf(w, "cadence_loop_cycles_total{loop=%q} %d\n", id, c.loop(id).cycles.Load())
		}
		fmt.Fprintf(w, "\n# HELP cadence_loop_jitter_max_ms Largest absolute jitter per loop\n")
		fmt.Fprintf(w, "# TYPE cadence_loop_jitter_max_ms gauge\n")
		for _, id := range ids {
			fmt.Fprintf(w, "cadence_loop_jitter_max_ms{loop=%q} %.3f\n", id, float64(c.loop(id).jitterMax.Load())/1e6)
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "# HELP cadence_signals_total Emergency signals consumed\n")
		fmt.Fprintf(w, "# TYPE cadence_signals_total counter\n")
		fmt.Fprintf(w, "cadence_signals_total{severity=\"warning\"} %d\n", c.SignalsWarning.Load())
		fmt.Fprintf(w, "cadence_signals_total{severity=\"critical\"} %d\n\n", c.SignalsCritical.Load())

		counter("cadence_strategy_swaps_total", "Timing strategy changes", c.StrategySwaps.Load())
		counter("cadence_cascade_distress_total", "Cascade distress detections", c.CascadeDistress.Load())
		counter("cadence_events_written_total", "Events persisted", c.EventsWritten.Load())
		counter("cadence_event_write_errors_total", "Event persistence failures", c.EventWriteErrors.Load())

		fmt.Fprintf(w, "# HELP cadence_ws_connections Active WebSocket connections\n")
		fmt.Fprintf(w, "# TYPE cadence_ws_connections gauge\n")
		fmt.Fprintf(w, "cadence_ws_connections %d\n\n", c.WSConnectionsActive.Load())

		fmt.Fprintf(w, "# HELP cadence_ws_messages_total Total WebSocket messages\n")
		fmt.Fprintf(w, "# TYPE cadence_ws_messages_total counter\n")
		fmt.Fprintf(w, "cadence_ws_messages_total{direction=\"in\"} %d\n", c.WSMessagesIn.Load())
		fmt.Fprintf(w, "cadence_ws_messages_total{direction=\"out\"} %d\n", c.WSMessagesOut.Load())
	}
}

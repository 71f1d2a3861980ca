package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MRamiBalles/cadence/internal/events"
)

// Reconstructor rebuilds per-loop history from the persisted event log.
// It backs the offline recap of what the engine did while nobody watched.
type Reconstructor struct {
	eventRepo EventRepository
}

// NewReconstructor creates a new history reconstructor.
func NewReconstructor(eventRepo EventRepository) *Reconstructor {
	return &Reconstructor{eventRepo: eventRepo}
}

// LoopHistory is the state of one loop as implied by its events.
type LoopHistory struct {
	LoopID           string    `json:"loop_id"`
	State            string    `json:"state"`
	TargetHz         float64   `json:"target_hz,omitempty"`
	Transitions      int       `json:"transitions"`
	Degradations     int       `json:"degradations"`
	Stops            int       `json:"stops"`
	CallbackTimeouts int       `json:"callback_timeouts"`
	QualityBreaches  int       `json:"quality_breaches"`
	LastEvent        time.Time `json:"last_event"`
}

// RecapEvent is a simplified event for the recap listing.
type RecapEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	LoopID    string    `json:"loop_id,omitempty"`
	Summary   string    `json:"summary"`
	Impact    string    `json:"impact"` // POSITIVE, NEGATIVE or NEUTRAL
}

// RebuildLoops reconstructs every loop seen since the given time.
func (r *Reconstructor) RebuildLoops(ctx context.Context, since time.Time) (map[string]*LoopHistory, error) {
	evs, err := r.eventRepo.Query(ctx, EventQuery{Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	loops := make(map[string]*LoopHistory)
	for _, e := range evs {
		if e.LoopID == "" || e.LoopID == events.Global {
			continue
		}
		h, ok := loops[e.LoopID]
		if !ok {
			h = &LoopHistory{LoopID: e.LoopID}
			loops[e.LoopID] = h
		}
		r.applyEvent(h, e)
	}
	return loops, nil
}

// GenerateRecap lists the events since the given time in readable form.
func (r *Reconstructor) GenerateRecap(ctx context.Context, since time.Time) ([]RecapEvent, error) {
	evs, err := r.eventRepo.Query(ctx, EventQuery{Since: since})
	if err != nil {
		return nil, err
	}

	recap := make([]RecapEvent, 0, len(evs))
	for _, e := range evs {
		recap = append(recap, RecapEvent{
			Timestamp: e.Timestamp,
			EventType: string(e.Type),
			LoopID:    e.LoopID,
			Summary:   summarizeEvent(e),
			Impact:    determineImpact(e),
		})
	}
	return recap, nil
}

func (r *Reconstructor) applyEvent(h *LoopHistory, e events.Event) {
	h.LastEvent = e.Timestamp
	switch e.Type {
	case events.EventTypeStateChange:
		var p events.StateChangePayload
		if decodePayload(e, &p) == nil {
			h.State = p.To
			h.Transitions++
			if p.To == "Degraded" {
				h.Degradations++
			}
		}
	case events.EventTypeTargetAdjusted:
		var p events.TargetPayload
		if decodePayload(e, &p) == nil {
			h.TargetHz = p.ToHz
		}
	case events.EventTypeLoopStopped:
		h.Stops++
	case events.EventTypeCallbackTimeout:
		h.CallbackTimeouts++
	case events.EventTypeQualityBreach:
		h.QualityBreaches++
	}
}

// decodePayload accepts both typed payloads from the in-memory log and
// raw JSON read back from the database.
func decodePayload(e events.Event, dst any) error {
	data, ok := e.Payload.(json.RawMessage)
	if !ok {
		var err error
		if data, err = json.Marshal(e.Payload); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, dst)
}

func summarizeEvent(e events.Event) string {
	switch e.Type {
	case events.EventTypeStateChange:
		var p events.StateChangePayload
		if decodePayload(e, &p) == nil {
			return fmt.Sprintf("%s moved %s -> %s", e.LoopID, p.From, p.To)
		}
	case events.EventTypeTargetAdjusted:
		var p events.TargetPayload
		if decodePayload(e, &p) == nil {
			if p.Requested {
				return fmt.Sprintf("%s retargeted %.1f -> %.1f Hz", e.LoopID, p.FromHz, p.ToHz)
			}
			return fmt.Sprintf("%s stepped down %.1f -> %.1f Hz", e.LoopID, p.FromHz, p.ToHz)
		}
	case events.EventTypeSignal:
		var sig events.EmergencySignal
		if decodePayload(e, &sig) == nil {
			return fmt.Sprintf("%s signal from %s: %s", sig.Severity, sig.Source, sig.Reason)
		}
	case events.EventTypeStrategyChange:
		var p events.StrategyPayload
		if decodePayload(e, &p) == nil {
			return fmt.Sprintf("strategy %s -> %s (native %s)", p.From, p.To, p.Capability)
		}
	case events.EventTypeCascadeRisk:
		return "synchronized breakthrough across loops"
	case events.EventTypeCascadeDistress:
		return "majority of loops degraded"
	case events.EventTypeLoopStopped:
		return e.LoopID + " returned to baseline"
	case events.EventTypeAllClear:
		return "all loops at baseline"
	}
	return string(e.Type)
}

func determineImpact(e events.Event) string {
	switch e.Type {
	case events.EventTypeCascadeDistress, events.EventTypeCallbackTimeout,
		events.EventTypeQualityBreach, events.EventTypeSignal:
		return "NEGATIVE"
	case events.EventTypeStateChange:
		var p events.StateChangePayload
		if decodePayload(e, &p) == nil {
			switch p.To {
			case "Degraded", "EmergencyStopping":
				return "NEGATIVE"
			case "Running":
				return "POSITIVE"
			}
		}
	case events.EventTypeAllClear:
		return "POSITIVE"
	}
	return "NEUTRAL"
}

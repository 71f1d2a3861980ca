package network

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/infra/storage"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
)

// DefaultReplayLimit caps replay responses when no limit is given.
const DefaultReplayLimit = 100

// EventReplayHandler serves the event history, from memory or from the
// database when one is configured.
type EventReplayHandler struct {
	control Controller
	repo    storage.EventRepository
	logger  *logger.Logger
}

// NewEventReplayHandler creates a replay handler. repo may be nil.
func NewEventReplayHandler(control Controller, repo storage.EventRepository, log *logger.Logger) *EventReplayHandler {
	return &EventReplayHandler{control: control, repo: repo, logger: log}
}

// ReplayResponse is the API response for an event replay.
type ReplayResponse struct {
	Source      string         `json:"source"`
	TotalEvents int            `json:"total_events"`
	FilteredBy  string         `json:"filtered_by,omitempty"`
	GeneratedAt string         `json:"generated_at"`
	Events      []events.Event `json:"events"`
}

// HandleReplay returns recent events, oldest first.
// GET /api/events?loop=ID&type=A,B&limit=N&since=5m&source=db
func (vh *EventReplayHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := DefaultReplayLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	since, err := sinceParam(q.Get("since"), time.Now())
	if err != nil {
		jsonError(w, "Invalid since", http.StatusBadRequest)
		return
	}
	loopID := q.Get("loop")
	var types []events.EventType
	if v := q.Get("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			types = append(types, events.EventType(strings.TrimSpace(t)))
		}
	}

	var filters []string
	if loopID != "" {
		filters = append(filters, "loop="+loopID)
	}
	if len(types) > 0 {
		filters = append(filters, "type="+q.Get("type"))
	}

	resp := ReplayResponse{
		Source:      "memory",
		FilteredBy:  strings.Join(filters, " "),
		GeneratedAt: time.Now().Format(time.RFC3339),
	}

	if q.Get("source") == "db" {
		if vh.repo == nil {
			jsonError(w, "Persistence is disabled", http.StatusNotFound)
			return
		}
		evs, err := vh.repo.Query(r.Context(), storage.EventQuery{LoopID: loopID, Types: types, Since: since, Limit: limit})
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Source = "db"
		resp.Events = evs
	} else {
		// filter before limiting so loop-scoped queries are not starved
		for _, e := range vh.control.RecentEvents(-1, types...) {
			if loopID != "" && e.LoopID != loopID {
				continue
			}
			if !since.IsZero() && e.Timestamp.Before(since) {
				continue
			}
			resp.Events = append(resp.Events, e)
		}
		if len(resp.Events) > limit {
			resp.Events = resp.Events[len(resp.Events)-limit:]
		}
	}
	if resp.Events == nil {
		resp.Events = []events.Event{}
	}
	resp.TotalEvents = len(resp.Events)

	jsonSuccess(w, resp)
}

// HandleRecap returns the per-loop history rebuilt from the database.
// GET /api/events/recap?since=1h
func (vh *EventReplayHandler) HandleRecap(w http.ResponseWriter, r *http.Request) {
	if vh.repo == nil {
		jsonError(w, "Persistence is disabled", http.StatusNotFound)
		return
	}
	since, err := sinceParam(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		jsonError(w, "Invalid since", http.StatusBadRequest)
		return
	}

	rec := storage.NewReconstructor(vh.repo)
	loops, err := rec.RebuildLoops(r.Context(), since)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	recap, err := rec.GenerateRecap(r.Context(), since)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonSuccess(w, map[string]any{
		"loops":  loops,
		"events": recap,
	})
}

// RegisterRoutes sets up the replay routes.
func (vh *EventReplayHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events", vh.HandleReplay)
	mux.HandleFunc("GET /api/events/recap", vh.HandleRecap)
}

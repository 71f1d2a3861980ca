package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MRamiBalles/cadence/internal/engine"
	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/scheduler"
)

// Controller is the engine surface exposed to operators.
type Controller interface {
	GetSnapshot() engine.CoordinationSnapshot
	Status() engine.Status
	LoopStats() []scheduler.Stats
	SignalDistress(source string, severity events.Severity, detail string) (events.EmergencySignal, error)
	RequestTargetChange(loopID string, hz float64) error
	Restart(loopID string) error
	RecentEvents(limit int, types ...events.EventType) []events.Event
}

// Command types accepted over the WebSocket.
const (
	CmdDistress = "DISTRESS"
	CmdRetarget = "RETARGET"
	CmdRestart  = "RESTART"
	CmdSnapshot = "SNAPSHOT"
	CmdStatus   = "STATUS"
)

// Command is a control request. Ref is echoed back in the reply.
type Command struct {
	Type     string  `json:"type"`
	LoopID   string  `json:"loop_id,omitempty"`
	Severity string  `json:"severity,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	Hz       float64 `json:"hz,omitempty"`
	Ref      string  `json:"ref,omitempty"`
}

// ErrInvalidCommand is returned for an unrecognised command type or a
// malformed field.
var ErrInvalidCommand = errors.New("network: invalid command")

type errorBody struct {
	Error string `json:"error"`
}

type targetResult struct {
	LoopID   string  `json:"loop_id"`
	TargetHz float64 `json:"target_hz"`
}

type restartResult struct {
	LoopID    string `json:"loop_id"`
	Restarted bool   `json:"restarted"`
}

func execute(ctrl Controller, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdDistress:
		sev := events.Warning
		if cmd.Severity != "" {
			var err error
			if sev, err = events.ParseSeverity(cmd.Severity); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
			}
		}
		return ctrl.SignalDistress(cmd.LoopID, sev, cmd.Detail)
	case CmdRetarget:
		if err := ctrl.RequestTargetChange(cmd.LoopID, cmd.Hz); err != nil {
			return nil, err
		}
		return targetResult{LoopID: cmd.LoopID, TargetHz: cmd.Hz}, nil
	case CmdRestart:
		if err := ctrl.Restart(cmd.LoopID); err != nil {
			return nil, err
		}
		return restartResult{LoopID: cmd.LoopID, Restarted: true}, nil
	case CmdSnapshot:
		return ctrl.GetSnapshot(), nil
	case CmdStatus:
		return ctrl.Status(), nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownLoop):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDistressThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrLoopActive), errors.Is(err, engine.ErrEngineStopped):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidFrequency), errors.Is(err, ErrInvalidCommand):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ControlBridge serves the REST control surface.
type ControlBridge struct {
	control Controller
	logger  *logger.Logger
}

// NewControlBridge creates the REST handlers.
func NewControlBridge(control Controller, log *logger.Logger) *ControlBridge {
	return &ControlBridge{control: control, logger: log}
}

// DistressRequest is the body of POST /api/distress.
type DistressRequest struct {
	LoopID   string `json:"loop_id"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// TargetRequest is the body of POST /api/loops/{id}/target.
type TargetRequest struct {
	Hz float64 `json:"hz"`
}

// HandleSnapshot returns the latest coordination snapshot.
// GET /api/snapshot
func (cb *ControlBridge) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, cb.control.GetSnapshot())
}

// HandleStatus returns engine status.
// GET /api/status
func (cb *ControlBridge) HandleStatus(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, cb.control.Status())
}

// HandleLoops returns per-loop statistics.
// GET /api/loops
func (cb *ControlBridge) HandleLoops(w http.ResponseWriter, r *http.Request) {
	jsonSuccess(w, cb.control.LoopStats())
}

// HandleDistress submits an external distress signal.
// POST /api/distress
func (cb *ControlBridge) HandleDistress(w http.ResponseWriter, r *http.Request) {
	var req DistressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cb.run(w, Command{Type: CmdDistress, LoopID: req.LoopID, Severity: req.Severity, Detail: req.Detail})
}

// HandleTarget requests a target frequency change.
// POST /api/loops/{id}/target
func (cb *ControlBridge) HandleTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cb.run(w, Command{Type: CmdRetarget, LoopID: r.PathValue("id"), Hz: req.Hz})
}

// HandleRestart restarts a stopped loop.
// POST /api/loops/{id}/restart
func (cb *ControlBridge) HandleRestart(w http.ResponseWriter, r *http.Request) {
	cb.run(w, Command{Type: CmdRestart, LoopID: r.PathValue("id")})
}

func (cb *ControlBridge) run(w http.ResponseWriter, cmd Command) {
	result, err := execute(cb.control, cmd)
	if err != nil {
		cb.logger.Warn("control request failed", zap.String("command", cmd.Type), zap.String("loop", cmd.LoopID), zap.Error(err))
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	cb.logger.Event("CONTROL_"+cmd.Type, "rest", cmd.LoopID)
	jsonSuccess(w, result)
}

// RegisterRoutes sets up the control API routes.
func (cb *ControlBridge) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshot", cb.HandleSnapshot)
	mux.HandleFunc("GET /api/status", cb.HandleStatus)
	mux.HandleFunc("GET /api/loops", cb.HandleLoops)
	mux.HandleFunc("POST /api/distress", cb.HandleDistress)
	mux.HandleFunc("POST /api/loops/{id}/target", cb.HandleTarget)
	mux.HandleFunc("POST /api/loops/{id}/restart", cb.HandleRestart)
}

// jsonError sends an error response.
func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message})
}

// jsonSuccess sends a success response.
func jsonSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

// sinceParam parses an RFC 3339 timestamp or a duration ago.
func sinceParam(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}

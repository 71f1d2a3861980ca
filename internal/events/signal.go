package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Global is the source of a signal addressed to every loop.
const Global = "global"

// Severity of an EmergencySignal.
type Severity int

const (
	// Warning is logged and forwarded but never stops a loop.
	Warning Severity = iota
	// Critical stops the addressed loop, or every loop when global.
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "Warning"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText, case-insensitively.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity maps "warning" or "critical" onto a Severity.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "warning", "warn":
		return Warning, nil
	case "critical", "crit":
		return Critical, nil
	}
	return Warning, fmt.Errorf("events: unknown severity %q", v)
}

// Reason codes carried by an EmergencySignal.
type Reason string

const (
	ReasonExternal        Reason = "EXTERNAL_DISTRESS"
	ReasonQualityBreach   Reason = "QUALITY_BELOW_PRESERVATION"
	ReasonCascadeDistress Reason = "CASCADE_DISTRESS_DETECTED"
	ReasonShutdown        Reason = "ENGINE_SHUTDOWN"
)

// EmergencySignal asks the emergency protocol to act on one loop or all of
// them. It is consumed exactly once.
type EmergencySignal struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Severity  Severity  `json:"severity"`
	Reason    Reason    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSignal creates a signal. An empty source is treated as Global.
func NewSignal(source string, severity Severity, reason Reason, detail string) EmergencySignal {
	if source == "" {
		source = Global
	}
	return EmergencySignal{
		ID:        uuid.NewString(),
		Source:    source,
		Severity:  severity,
		Reason:    reason,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// IsGlobal reports whether the signal addresses every loop.
func (s EmergencySignal) IsGlobal() bool {
	return s.Source == Global
}

package engine

import "fmt"

// PressureLevel grades how much of the system is currently in trouble,
// by the fraction of loops that are Degraded or stopping.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureElevated
	PressureHigh
	PressureCritical
	PressureEmergency
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "Normal"
	case PressureElevated:
		return "Elevated"
	case PressureHigh:
		return "High"
	case PressureCritical:
		return "Critical"
	case PressureEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the level by name.
func (p PressureLevel) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (p *PressureLevel) UnmarshalText(b []byte) error {
	for l := PressureNormal; l <= PressureEmergency; l++ {
		if l.String() == string(b) {
			*p = l
			return nil
		}
	}
	return fmt.Errorf("engine: unknown pressure level %q", b)
}

// classifyPressure maps a troubled-loop fraction onto a level.
func classifyPressure(fraction float64) PressureLevel {
	switch {
	case fraction <= 0:
		return PressureNormal
	case fraction < 0.25:
		return PressureElevated
	case fraction < 0.5:
		return PressureHigh
	case fraction < 0.75:
		return PressureCritical
	default:
		return PressureEmergency
	}
}

// Package timing is the precision timer core shared by every loop.
//
// Two interchangeable strategies exist. Native sleeps for the bulk of a
// period with an OS-level nanosleep and spins for the tail, targeting
// sub-millisecond error. Portable issues one millisecond-granular sleep and
// never spins.
//
// The active strategy is published through a StrategyCell. It has a single
// writer (the capability negotiator) and many readers (the loop schedulers);
// strategy and capability are packed into one atomic word so a reader never
// observes a torn pair.
package timing

import (
	"sync/atomic"
)

// Strategy selects the wait implementation used by WaitUntilNextCycle.
type Strategy uint32

const (
	// Native is the high precision sleep+spin hybrid.
	Native Strategy = iota
	// Portable is the coarse, spin-free fallback.
	Portable
)

// String returns a human-readable representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case Native:
		return "Native"
	case Portable:
		return "Portable"
	default:
		return "Unknown"
	}
}

// ParseStrategy maps a config string onto a Strategy.
func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "native", "Native", "NATIVE":
		return Native, true
	case "portable", "Portable", "PORTABLE":
		return Portable, true
	}
	return Native, false
}

// Capability is the health of the Native strategy as last probed.
type Capability uint32

const (
	Available Capability = iota
	Degraded
	Unavailable
)

// String returns a human-readable representation of the capability.
func (c Capability) String() string {
	switch c {
	case Available:
		return "Available"
	case Degraded:
		return "Degraded"
	case Unavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// Selection is the published (strategy, capability) pair.
type Selection struct {
	Strategy   Strategy   `json:"strategy"`
	Capability Capability `json:"capability"`
}

func (s Selection) pack() uint64 {
	return uint64(s.Strategy)<<32 | uint64(s.Capability)
}

func unpack(v uint64) Selection {
	return Selection{Strategy: Strategy(v >> 32), Capability: Capability(uint32(v))}
}

// StrategyCell holds the active Selection.
type StrategyCell struct {
	v atomic.Uint64
}

// NewStrategyCell creates a cell with an initial selection.
func NewStrategyCell(initial Selection) *StrategyCell {
	c := &StrategyCell{}
	c.v.Store(initial.pack())
	return c
}

// Load returns the current selection.
func (c *StrategyCell) Load() Selection {
	return unpack(c.v.Load())
}

// Strategy is shorthand for Load().Strategy.
func (c *StrategyCell) Strategy() Strategy {
	return c.Load().Strategy
}

// Publish stores a new selection and returns the previous one.
func (c *StrategyCell) Publish(sel Selection) Selection {
	return unpack(c.v.Swap(sel.pack()))
}

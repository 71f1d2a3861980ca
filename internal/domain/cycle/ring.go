package cycle

import (
	"sync"
)

// DefaultCapacity is the number of records each loop retains.
const DefaultCapacity = 256

// Ring is a fixed-capacity buffer of the most recent records. Appending to
// a full ring evicts the oldest record. One goroutine writes, any number read.
type Ring struct {
	mu    sync.RWMutex
	buf   []Record
	w     uint64
	total uint64
}

// NewRing creates a ring. Non-positive capacities use DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Record, capacity)}
}

// Append stores r, evicting the oldest record if full.
func (x *Ring) Append(r Record) {
	x.mu.Lock()
	x.buf[x.w%uint64(len(x.buf))] = r
	x.w++
	x.total++
	x.mu.Unlock()
}

// Len is the number of records currently held.
func (x *Ring) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lenLocked()
}

func (x *Ring) lenLocked() int {
	if x.w < uint64(len(x.buf)) {
		return int(x.w)
	}
	return len(x.buf)
}

// Cap is the fixed capacity.
func (x *Ring) Cap() int {
	return len(x.buf)
}

// Total is the number of records ever appended.
func (x *Ring) Total() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.total
}

// Snapshot copies the held records, oldest first.
func (x *Ring) Snapshot() []Record {
	return x.Last(-1)
}

// Last copies up to n of the newest records, oldest first. A negative n
// returns everything held.
func (x *Ring) Last(n int) []Record {
	x.mu.RLock()
	defer x.mu.RUnlock()

	l := x.lenLocked()
	if n < 0 || n > l {
		n = l
	}
	if n == 0 {
		return nil
	}
	out := make([]Record, n)
	size := uint64(len(x.buf))
	start := x.w - uint64(n)
	for i := range out {
		out[i] = x.buf[(start+uint64(i))%size]
	}
	return out
}

// Latest returns the newest record, if any.
func (x *Ring) Latest() (Record, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.w == 0 {
		return Record{}, false
	}
	return x.buf[(x.w-1)%uint64(len(x.buf))], true
}

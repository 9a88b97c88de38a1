// internal/event/ringlog.go
package event

import (
	"sync"

	"robot-bridge/internal/model"
)

// RingLog keeps a bounded history of dispatched events for UI display.
// Oldest entries are evicted first. Purely observability; not part of
// the delivery contract.
type RingLog struct {
	mu      sync.Mutex
	entries []model.DomainEvent
	cap     int
}

// NewRingLog creates a log holding at most capacity entries
func NewRingLog(capacity int) *RingLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &RingLog{cap: capacity}
}

// Append adds an entry, evicting the oldest when full
func (r *RingLog) Append(ev model.DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, ev)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// Snapshot returns a copy of the current entries, oldest first
func (r *RingLog) Snapshot() []model.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.DomainEvent, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of retained entries
func (r *RingLog) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

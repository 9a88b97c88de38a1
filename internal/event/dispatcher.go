// internal/event/dispatcher.go
package event

import (
	"sync"

	"robot-bridge/internal/model"
)

// Dispatcher fans normalized events out to subscribers. Subscription
// returns a disposer; listeners added or removed mid-dispatch see the
// change on the next event, not the current one.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(model.DomainEvent)
	log       *RingLog
}

// NewDispatcher creates a dispatcher with a bounded event log
func NewDispatcher(logSize int) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[int]func(model.DomainEvent)),
		log:       NewRingLog(logSize),
	}
}

// Subscribe registers a listener and returns its disposer.
// Unsubscribing twice is a no-op.
func (d *Dispatcher) Subscribe(fn func(model.DomainEvent)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Dispatch delivers the event to every registered listener and
// appends it to the log
func (d *Dispatcher) Dispatch(ev model.DomainEvent) {
	d.log.Append(ev)

	d.mu.RLock()
	fns := make([]func(model.DomainEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Recent returns the most recent events, oldest first
func (d *Dispatcher) Recent() []model.DomainEvent {
	return d.log.Snapshot()
}

package client

import (
	"sync"

	"order-stream/domain"
)

// EventConnectionStatus is synthesized locally by the Manager; it never
// arrives over the wire.
const EventConnectionStatus domain.EventType = "connection_status"

// Handler consumes an applied event.
type Handler func(ev domain.Event)

// Dispatcher routes applied events to type-specific handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[domain.EventType]map[int]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[domain.EventType]map[int]Handler)}
}

// On registers a handler for the event type and returns a function that
// removes it.
func (d *Dispatcher) On(t domain.EventType, fn Handler) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if d.handlers[t] == nil {
		d.handlers[t] = make(map[int]Handler)
	}
	d.handlers[t][id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		if hs, ok := d.handlers[t]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(d.handlers, t)
			}
		}
		d.mu.Unlock()
	}
}

// Dispatch invokes every handler registered for the event's type.
func (d *Dispatcher) Dispatch(ev domain.Event) {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[ev.Type]))
	for _, fn := range d.handlers[ev.Type] {
		hs = append(hs, fn)
	}
	d.mu.RUnlock()

	for _, fn := range hs {
		fn(ev)
	}
}

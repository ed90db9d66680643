package servicebus

import (
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-rabbit-bus/contract/bus"
	berr "github.com/next-trace/scg-rabbit-bus/contract/errors"
)

// Registration binds one handler identity to an event name.
type Registration struct {
	Event      string
	HandlerID  string
	NewHandler func() cbus.HandlerFunc
}

// Registry holds event handler registrations. A (event, handler) pair can be
// registered once; any number of distinct handlers may share an event.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Registration)}
}

// Add appends reg. It fails with ErrDuplicateRegistration when reg.HandlerID is already
// registered for reg.Event.
func (r *Registry) Add(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, have := range r.handlers[reg.Event] {
		if have.HandlerID == reg.HandlerID {
			return fmt.Errorf("subscribe %s to %s: %w", reg.HandlerID, reg.Event, berr.ErrDuplicateRegistration)
		}
	}

	r.handlers[reg.Event] = append(r.handlers[reg.Event], reg)

	return nil
}

// Remove drops the registration of handlerID for event. It reports whether one existed.
func (r *Registry) Remove(event, handlerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[event]
	for i, have := range regs {
		if have.HandlerID != handlerID {
			continue
		}

		r.handlers[event] = append(regs[:i:i], regs[i+1:]...)
		if len(r.handlers[event]) == 0 {
			delete(r.handlers, event)
		}

		return true
	}

	return false
}

// Handlers returns a snapshot of the registrations for event.
func (r *Registry) Handlers(event string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Registration(nil), r.handlers[event]...)
}

// Has reports whether handlerID is registered for event.
func (r *Registry) Has(event, handlerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, have := range r.handlers[event] {
		if have.HandlerID == handlerID {
			return true
		}
	}

	return false
}

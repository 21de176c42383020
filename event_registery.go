package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sync"
)

// EventRegistry maps event type names to factories of their concrete Go types.
//
// It is built at start-up and injected into repositories and the replay
// service; there is no package-level registry.
type EventRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
	fallback  func(name string) Event
}

// NewEventRegistry creates an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{factories: make(map[string]func() Event)}
}

// Register registers an event type under the name returned by its EventType().
//
// Panics:
//   - If the factory function is nil or returns nil.
//   - If an event with the same type name is already registered.
//
// Example Usage:
//
//	registry.Register(func() Event { return &QuoteCreated{} })
func (r *EventRegistry) Register(fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	ev := fn()
	if ev == nil {
		panic("factory returned nil event")
	}
	r.RegisterByName(ev.EventType(), fn)
}

// RegisterByName registers an event type under a custom name.
func (r *EventRegistry) RegisterByName(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	if fn() == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}
	r.factories[name] = fn
}

// SetFallback sets the factory used by New and Decode for names without a
// registration. Tooling that forwards payloads without knowing the domain
// types uses it; Encode still only accepts registered types.
func (r *EventRegistry) SetFallback(fn func(name string) Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// New creates a new, empty instance of a registered event type.
func (r *EventRegistry) New(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok && fallback != nil {
		factory, ok = func() Event { return fallback(name) }, true
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

// Registered reports whether name has a factory.
func (r *EventRegistry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Encode serializes an event into its type name and payload.
func (r *EventRegistry) Encode(ev Event) (string, []byte, error) {
	name := ev.EventType()
	if !r.Registered(name) {
		return "", nil, fmt.Errorf("%w: %s", ErrEventNotRegistered, name)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode event %s: %w", name, err)
	}
	return name, payload, nil
}

// Decode reconstructs the discrete event stored in a record.
//
// Factories return pointers; Decode hands back the value the factory returned,
// so evolvers switch over the pointer types they registered.
func (r *EventRegistry) Decode(eventType string, payload []byte) (Event, error) {
	ev, err := r.New(eventType)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", eventType, err)
		}
	}
	return ev, nil
}

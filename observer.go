package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Capability tags an effect an observer produces when it handles an event.
type Capability string

const (
	// CapabilityReadModel observers persist read-side projections.
	CapabilityReadModel Capability = "read-model"
	// CapabilityIntegrationEvents observers emit events to other systems.
	CapabilityIntegrationEvents Capability = "integration-event-emitting"
	// CapabilitySystemEvents observers emit events inside the platform.
	CapabilitySystemEvents Capability = "system-event-emitting"
)

// ErrDuplicateObserver is returned when two observers share a name.
var ErrDuplicateObserver = errors.New("duplicate observer")

// DispatchOptions enables or disables each kind of observer effect.
type DispatchOptions struct {
	PersistReadModel    bool
	DispatchIntegration bool
	DispatchSystem      bool
}

// AllEffects enables every observer effect.
func AllEffects() DispatchOptions {
	return DispatchOptions{PersistReadModel: true, DispatchIntegration: true, DispatchSystem: true}
}

// Enables reports whether the effect tagged c is enabled.
func (o DispatchOptions) Enables(c Capability) bool {
	switch c {
	case CapabilityReadModel:
		return o.PersistReadModel
	case CapabilityIntegrationEvents:
		return o.DispatchIntegration
	case CapabilitySystemEvents:
		return o.DispatchSystem
	}
	return false
}

// Delivery is one event handed to an observer.
type Delivery struct {
	Record *EventRecord
	Event  Event
	// State is the aggregate state as of Record.Sequence, when it was rehydrated.
	State any
	// Options tells observers with several effects which of them are enabled.
	Options DispatchOptions
	// Replay is set when the delivery comes from the replay service.
	Replay bool
}

// Observer reacts to persisted events.
type Observer interface {
	// Name identifies the observer in errors and logs.
	Name() string
	// Capabilities lists the effects the observer produces.
	Capabilities() []Capability
	// Handle processes one delivery.
	Handle(ctx context.Context, d Delivery) error
}

// HasCapability reports whether o advertises c.
func HasCapability(o Observer, c Capability) bool {
	return slices.Contains(o.Capabilities(), c)
}

// Selected reports whether o takes part in a dispatch filtered by capability
// (empty matches every observer) with the given effects enabled. An observer
// is selected only when at least one of its effects is enabled.
func Selected(o Observer, capability Capability, opts DispatchOptions) bool {
	if capability != "" && !HasCapability(o, capability) {
		return false
	}
	for _, c := range o.Capabilities() {
		if opts.Enables(c) {
			return true
		}
	}
	return false
}

// EventHandler handles one concrete event type for an observer built with NewObserver.
type EventHandler interface {
	EventName() string
	Handle(ctx context.Context, d Delivery) error
}

type typedEventHandler[T Event] func(ctx context.Context, ev T, d Delivery) error

func (h typedEventHandler[T]) EventName() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

func (h typedEventHandler[T]) Handle(ctx context.Context, d Delivery) error {
	ev, ok := d.Event.(T)
	if !ok {
		return fmt.Errorf("handler for %s received %T", h.EventName(), d.Event)
	}
	return h(ctx, ev, d)
}

// OnEvent creates a strongly typed handler for events of type T.
//
// Example Usage:
//
//	obs := NewObserver("quote-summary", []Capability{CapabilityReadModel},
//	    OnEvent(p.OnQuoteCreated),
//	    OnEvent(p.OnQuoteAccepted),
//	)
func OnEvent[T Event](fn func(ctx context.Context, ev T, d Delivery) error) EventHandler {
	return typedEventHandler[T](fn)
}

type groupObserver struct {
	name         string
	capabilities []Capability
	handlers     map[string]EventHandler
}

// NewObserver groups typed handlers into an Observer. Events without a handler
// are ignored.
//
// Panics if two handlers are registered for the same event type.
func NewObserver(name string, capabilities []Capability, handlers ...EventHandler) Observer {
	m := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {
		n := h.EventName()
		if _, exists := m[n]; exists {
			panic(fmt.Sprintf("duplicate handler for event %s in observer %s", n, name))
		}
		m[n] = h
	}
	return &groupObserver{name: name, capabilities: capabilities, handlers: m}
}

func (g *groupObserver) Name() string               { return g.name }
func (g *groupObserver) Capabilities() []Capability { return g.capabilities }

func (g *groupObserver) Handle(ctx context.Context, d Delivery) error {
	h, ok := g.handlers[fmt.Sprintf("%T", d.Event)]
	if !ok {
		return nil
	}
	return h.Handle(ctx, d)
}

// EventNames returns the sorted Go type names the observer handles.
func (g *groupObserver) EventNames() []string {
	out := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatcher holds the standard observer set, in registration order.
type Dispatcher struct {
	observers []Observer
}

// NewDispatcher creates a dispatcher over observers. Observer names must be unique.
func NewDispatcher(observers ...Observer) (*Dispatcher, error) {
	seen := make(map[string]struct{}, len(observers))
	for _, o := range observers {
		if _, ok := seen[o.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateObserver, o.Name())
		}
		seen[o.Name()] = struct{}{}
	}
	return &Dispatcher{observers: slices.Clone(observers)}, nil
}

// Observers returns the full observer set.
func (d *Dispatcher) Observers() []Observer {
	return slices.Clone(d.observers)
}

// Select returns the observers taking part in a dispatch, in registration order.
func (d *Dispatcher) Select(capability Capability, opts DispatchOptions) []Observer {
	var out []Observer
	for _, o := range d.observers {
		if Selected(o, capability, opts) {
			out = append(out, o)
		}
	}
	return out
}

// Deliver hands d to each observer in order and stops at the first failure.
// It returns the number of observers that handled d successfully.
func Deliver(ctx context.Context, observers []Observer, d Delivery) (int, error) {
	for i, o := range observers {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := o.Handle(WithDelivery(ctx, d), d); err != nil {
			return i, &ObserverDispatchError{
				Observer:  o.Name(),
				EventType: d.Record.EventType,
				Sequence:  d.Record.Sequence,
				Err:       err,
			}
		}
	}
	return len(observers), nil
}

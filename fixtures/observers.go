package fixtures

import (
	"context"
	"sync"

	es "github.com/policyhub/eventsourcing"
)

// ObserverSpy is a configurable Observer that records every delivery.
type ObserverSpy struct {
	mu sync.Mutex

	name         string
	capabilities []es.Capability

	// HandleFn overrides the default behavior of recording the delivery.
	HandleFn func(ctx context.Context, d es.Delivery) error

	Deliveries []es.Delivery

	failOn map[uint64]error
}

// NewObserverSpy creates an ObserverSpy advertising capabilities.
func NewObserverSpy(name string, capabilities ...es.Capability) *ObserverSpy {
	return &ObserverSpy{name: name, capabilities: capabilities, failOn: make(map[uint64]error)}
}

// FailOnSequence makes Handle return err for the record at sequence.
func (o *ObserverSpy) FailOnSequence(sequence uint64, err error) *ObserverSpy {
	o.failOn[sequence] = err
	return o
}

func (o *ObserverSpy) Name() string                  { return o.name }
func (o *ObserverSpy) Capabilities() []es.Capability { return o.capabilities }

func (o *ObserverSpy) Handle(ctx context.Context, d es.Delivery) error {
	if o.HandleFn != nil {
		return o.HandleFn(ctx, d)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.failOn[d.Record.Sequence]; ok {
		return err
	}
	o.Deliveries = append(o.Deliveries, d)
	return nil
}

// Calls returns the number of recorded deliveries.
func (o *ObserverSpy) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Deliveries)
}

// Sequences returns the sequences delivered, in order.
func (o *ObserverSpy) Sequences() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]uint64, len(o.Deliveries))
	for i, d := range o.Deliveries {
		out[i] = d.Record.Sequence
	}
	return out
}

// Package memory delivers committed records to observers asynchronously,
// inside one process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	es "github.com/policyhub/eventsourcing"
)

// ErrClosed is returned by Subscribe and Publish once the bus is closed.
var ErrClosed = errors.New("eventbus is closed")

var _ es.Publisher = (*EventBus)(nil)

type item struct {
	ctx      context.Context
	delivery es.Delivery
}

type subscriber struct {
	observer es.Observer
	events   chan item
}

// EventBus is an es.Publisher that hands every published record to its
// subscribed observers. Each observer has its own worker and sees records in
// publish order.
//
// Live deliveries enable every effect. Observer errors do not reach the
// publisher; they are reported on Errors.
type EventBus struct {
	repos *es.RepositoryRegistry

	mu         sync.RWMutex
	subs       map[string]*subscriber
	closed     bool
	errs       chan error
	done       chan struct{}
	wg         sync.WaitGroup
	watchers   sync.WaitGroup
	bufferSize int
}

// NewEventBus constructs a bus with a given subscriber buffer size. repos
// decodes records into events before delivery.
func NewEventBus(repos *es.RepositoryRegistry, bufferSize int) *EventBus {
	return &EventBus{
		repos:      repos,
		subs:       make(map[string]*subscriber),
		errs:       make(chan error, 64),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers o until ctx is done or the bus is closed.
func (b *EventBus) Subscribe(ctx context.Context, o es.Observer) error {
	if o == nil {
		return errors.New("observer cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	name := o.Name()
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("%w: %s", es.ErrDuplicateObserver, name)
	}

	s := &subscriber{observer: o, events: make(chan item, b.bufferSize)}
	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(s)

	b.watchers.Add(1)
	go func() {
		defer b.watchers.Done()
		select {
		case <-ctx.Done():
			b.removeSubscriber(name, s)
		case <-b.done:
		}
	}()

	return nil
}

// SubscribeAll subscribes every observer of the dispatcher.
func (b *EventBus) SubscribeAll(ctx context.Context, d *es.Dispatcher) error {
	for _, o := range d.Observers() {
		if err := b.Subscribe(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// Errors reports observer failures. Errors are dropped when nobody reads them.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Publish decodes records and queues them for every subscriber. It blocks
// while a subscriber's buffer is full, until ctx is done.
func (b *EventBus) Publish(ctx context.Context, records []es.EventRecord) error {
	deliveries := make([]es.Delivery, 0, len(records))
	for i := range records {
		rec := &records[i]
		repo, err := b.repos.Lookup(rec.AggregateType)
		if err != nil {
			return err
		}
		ev, err := repo.Decode(rec)
		if err != nil {
			return fmt.Errorf("publish %s at %d: %w", rec.Stream(), rec.Sequence, err)
		}
		deliveries = append(deliveries, es.Delivery{Record: rec, Event: ev, Options: es.AllEffects()})
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	// Handlers outlive the publishing request.
	detached := context.WithoutCancel(ctx)
	for _, s := range b.subs {
		for _, d := range deliveries {
			select {
			case s.events <- item{ctx: detached, delivery: d}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Close shuts down the bus and waits for queued deliveries to finish.
// Subscriptions end with it, whatever their context.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)

	for name, s := range b.subs {
		close(s.events)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.watchers.Wait()
	b.wg.Wait()
	close(b.errs)

	return nil
}

func (b *EventBus) runSubscriber(s *subscriber) {
	defer b.wg.Done()

	for it := range s.events {
		if _, err := es.Deliver(it.ctx, []es.Observer{s.observer}, it.delivery); err != nil {
			select {
			case b.errs <- err:
			default:
			}
		}
	}
}

func (b *EventBus) removeSubscriber(name string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[name]; !ok || cur != s {
		return
	}
	delete(b.subs, name)
	close(s.events)
}

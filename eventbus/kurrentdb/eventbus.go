// Package kurrentdb delivers records to observers from a KurrentDB $all
// subscription. When the event log is KurrentDB the log itself is the bus:
// every process subscribes and nothing has to be published after a save.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	es "github.com/policyhub/eventsourcing"
	kurrentlog "github.com/policyhub/eventsourcing/eventlog/kurrentdb"
)

// ErrClosed is returned by Subscribe once the bus is closed.
var ErrClosed = errors.New("eventbus is closed")

// Stream is an open subscription.
type Stream interface {
	Recv() *kurrentdb.SubscriptionEvent
	Close() error
}

// Subscriber opens subscriptions to $all.
type Subscriber interface {
	SubscribeToAll(ctx context.Context, opts kurrentdb.SubscribeToAllOptions) (Stream, error)
}

// ClientSubscriber adapts a *kurrentdb.Client to Subscriber.
type ClientSubscriber struct {
	Client *kurrentdb.Client
}

func (c ClientSubscriber) SubscribeToAll(ctx context.Context, opts kurrentdb.SubscribeToAllOptions) (Stream, error) {
	sub, err := c.Client.SubscribeToAll(ctx, opts)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Option configures the subscriptions opened by an EventBus.
type Option func(*kurrentdb.SubscribeToAllOptions)

// WithFromStart delivers the whole history before live events. By default
// subscriptions start at the end of $all.
func WithFromStart() Option {
	return func(opts *kurrentdb.SubscribeToAllOptions) { opts.From = kurrentdb.Start{} }
}

// WithStreamPrefix only delivers events of streams starting with prefix. Use
// the prefix the event log was configured with.
func WithStreamPrefix(prefix string) Option {
	return func(opts *kurrentdb.SubscribeToAllOptions) {
		if prefix == "" {
			opts.Filter = nil
			return
		}
		opts.Filter = &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.StreamFilterType,
			Prefixes: []string{prefix},
		}
	}
}

// EventBus runs one $all subscription per observer.
//
// Deliveries enable every effect, like live deliveries from the in-memory
// bus. Decode and observer failures are reported on Errors and the
// subscription moves on to the next event.
type EventBus struct {
	client Subscriber
	repos  *es.RepositoryRegistry
	opts   kurrentdb.SubscribeToAllOptions

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
	errs   chan error
	wg     sync.WaitGroup
}

// NewEventBus creates a bus reading from client. repos decodes records into
// events before delivery.
func NewEventBus(client Subscriber, repos *es.RepositoryRegistry, opts ...Option) *EventBus {
	b := &EventBus{
		client: client,
		repos:  repos,
		opts:   kurrentdb.SubscribeToAllOptions{From: kurrentdb.End{}},
		subs:   make(map[string]context.CancelFunc),
		errs:   make(chan error, 64),
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	return b
}

// Subscribe opens a subscription for o that lasts until ctx is done or the
// bus is closed.
func (b *EventBus) Subscribe(ctx context.Context, o es.Observer) error {
	if o == nil {
		return errors.New("observer cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	name := o.Name()
	if _, exists := b.subs[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", es.ErrDuplicateObserver, name)
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.subs[name] = cancel
	b.mu.Unlock()

	stream, err := b.client.SubscribeToAll(workerCtx, b.opts)
	if err != nil {
		b.removeSubscriber(name)
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, o, stream)

	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name)
		case <-workerCtx.Done():
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

// Errors reports decode and observer failures. Errors are dropped when nobody
// reads them.
func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close cancels every subscription and waits for in-flight deliveries.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, cancel := range b.subs {
		cancel()
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

func (b *EventBus) runSubscriber(ctx context.Context, o es.Observer, stream Stream) {
	defer b.wg.Done()
	defer stream.Close()

	for {
		ev := stream.Recv()
		if ev == nil {
			return
		}
		if dropped := ev.SubscriptionDropped; dropped != nil {
			if ctx.Err() == nil {
				b.report(fmt.Errorf("subscriber %q dropped: %w", o.Name(), dropped.Error))
			}
			return
		}
		if ev.EventAppeared == nil {
			continue
		}
		recorded := ev.EventAppeared.OriginalEvent()
		if recorded == nil || strings.HasPrefix(recorded.EventType, "$") {
			continue
		}

		d, err := b.delivery(recorded)
		if err != nil {
			b.report(fmt.Errorf("subscriber %q: %w", o.Name(), err))
			continue
		}
		if _, err := es.Deliver(ctx, []es.Observer{o}, d); err != nil {
			b.report(err)
		}
	}
}

func (b *EventBus) delivery(recorded *kurrentdb.RecordedEvent) (es.Delivery, error) {
	rec, err := kurrentlog.DecodeRecorded(recorded)
	if err != nil {
		return es.Delivery{}, err
	}
	repo, err := b.repos.Lookup(rec.AggregateType)
	if err != nil {
		return es.Delivery{}, err
	}
	ev, err := repo.Decode(rec)
	if err != nil {
		return es.Delivery{}, fmt.Errorf("decode %s at %d: %w", rec.Stream(), rec.Sequence, err)
	}
	return es.Delivery{Record: rec, Event: ev, Options: es.AllEffects()}, nil
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

func (b *EventBus) removeSubscriber(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.subs[name]; ok {
		delete(b.subs, name)
		cancel()
	}
}

package kurrentdb_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	es "github.com/policyhub/eventsourcing"
	bus "github.com/policyhub/eventsourcing/eventbus/kurrentdb"
	kurrentlog "github.com/policyhub/eventsourcing/eventlog/kurrentdb"
	logmemory "github.com/policyhub/eventsourcing/eventlog/memory"
	"github.com/policyhub/eventsourcing/fixtures"
)

type fakeStream struct {
	ctx    context.Context
	events chan *kurrentdb.SubscriptionEvent
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Recv() *kurrentdb.SubscriptionEvent {
	select {
	case ev := <-s.events:
		return ev
	case <-s.ctx.Done():
		return &kurrentdb.SubscriptionEvent{SubscriptionDropped: &kurrentdb.SubscriptionDropped{Error: s.ctx.Err()}}
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeSubscriber struct {
	mu      sync.Mutex
	opts    []kurrentdb.SubscribeToAllOptions
	streams []*fakeStream
	err     error
}

func (f *fakeSubscriber) SubscribeToAll(ctx context.Context, opts kurrentdb.SubscribeToAllOptions) (bus.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{ctx: ctx, events: make(chan *kurrentdb.SubscriptionEvent), closed: make(chan struct{})}
	f.opts = append(f.opts, opts)
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSubscriber) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func appeared(t *testing.T, rec es.EventRecord) *kurrentdb.SubscriptionEvent {
	t.Helper()
	data, err := kurrentlog.EncodeRecord(&rec)
	if err != nil {
		t.Fatal(err)
	}
	return &kurrentdb.SubscriptionEvent{EventAppeared: &kurrentdb.ResolvedEvent{Event: &kurrentdb.RecordedEvent{
		EventID:      data.EventID,
		EventType:    data.EventType,
		StreamID:     rec.TenantID + "-" + rec.AggregateID,
		EventNumber:  rec.Sequence - 1,
		Data:         data.Data,
		UserMetadata: data.Metadata,
		CreatedDate:  rec.CreatedAt,
	}}}
}

func systemEvent() *kurrentdb.SubscriptionEvent {
	return &kurrentdb.SubscriptionEvent{EventAppeared: &kurrentdb.ResolvedEvent{Event: &kurrentdb.RecordedEvent{
		EventType: "$metadata",
		StreamID:  "$$t1-quote-1",
	}}}
}

func newRepos(t *testing.T) *es.RepositoryRegistry {
	t.Helper()
	repo := es.NewRepository(fixtures.QuoteDefinition(), logmemory.NewEventLog(), nil, fixtures.NewQuoteRegistry())
	repos, err := es.NewRepositoryRegistry(repo)
	if err != nil {
		t.Fatal(err)
	}
	return repos
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for deliveries")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBus_DeliversDecodedRecords(t *testing.T) {
	client := &fakeSubscriber{}
	b := bus.NewEventBus(client, newRepos(t), bus.WithStreamPrefix("policyhub-"))
	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel)

	if err := b.Subscribe(t.Context(), spy); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	opts := client.opts[0]
	if _, ok := opts.From.(kurrentdb.End); !ok {
		t.Errorf("expected live subscription from the end, got %T", opts.From)
	}
	if opts.Filter == nil || opts.Filter.Type != kurrentdb.StreamFilterType || !slices.Equal(opts.Filter.Prefixes, []string{"policyhub-"}) {
		t.Errorf("unexpected filter %+v", opts.Filter)
	}

	records := fixtures.NewRecord().BuildFrom(0, fixtures.QuoteHistory(2)...)
	stream := client.stream(0)
	stream.events <- appeared(t, records[0])
	stream.events <- systemEvent()
	stream.events <- appeared(t, records[1])
	stream.events <- appeared(t, records[2])

	waitFor(t, func() bool { return spy.Calls() == 3 })
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := spy.Sequences(); !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Errorf("expected sequences 1..3, got %v", got)
	}
	d := spy.Deliveries[0]
	if _, ok := d.Event.(*fixtures.QuoteCreated); !ok {
		t.Errorf("expected decoded QuoteCreated, got %T", d.Event)
	}
	if d.Replay || d.Options != es.AllEffects() {
		t.Errorf("expected a live delivery with every effect, got %+v", d)
	}
	if d.Record.EventID != records[0].EventID {
		t.Errorf("event id not preserved")
	}
	select {
	case <-stream.closed:
	default:
		t.Error("stream must be closed with the bus")
	}
}

func TestEventBus_ReportsFailuresAndContinues(t *testing.T) {
	client := &fakeSubscriber{}
	b := bus.NewEventBus(client, newRepos(t), bus.WithFromStart())
	boom := errors.New("projection down")
	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel).FailOnSequence(1, boom)

	if err := b.Subscribe(t.Context(), spy); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, ok := client.opts[0].From.(kurrentdb.Start); !ok {
		t.Errorf("expected subscription from the start, got %T", client.opts[0].From)
	}

	records := fixtures.NewRecord().BuildFrom(0, fixtures.QuoteHistory(1)...)
	claim := fixtures.NewRecord().WithAggregate(es.Claim, "c1").Build(1, &fixtures.QuoteCreated{})

	stream := client.stream(0)
	stream.events <- appeared(t, records[0])
	stream.events <- appeared(t, claim)
	stream.events <- appeared(t, records[1])

	waitFor(t, func() bool { return spy.Calls() == 1 })

	for _, want := range []error{boom, es.ErrUnknownAggregateType} {
		select {
		case err := <-b.Errors():
			if !errors.Is(err, want) {
				t.Errorf("expected %v, got %v", want, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %v on Errors", want)
		}
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := spy.Sequences(); !slices.Equal(got, []uint64{2}) {
		t.Errorf("expected only sequence 2 to succeed, got %v", got)
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	t.Run("duplicate observer", func(t *testing.T) {
		b := bus.NewEventBus(&fakeSubscriber{}, newRepos(t))
		defer b.Close()
		if err := b.Subscribe(t.Context(), fixtures.NewObserverSpy("a")); err != nil {
			t.Fatal(err)
		}
		if err := b.Subscribe(t.Context(), fixtures.NewObserverSpy("a")); !errors.Is(err, es.ErrDuplicateObserver) {
			t.Fatalf("expected ErrDuplicateObserver, got %v", err)
		}
	})

	t.Run("subscription refused", func(t *testing.T) {
		refused := errors.New("access denied")
		b := bus.NewEventBus(&fakeSubscriber{err: refused}, newRepos(t))
		defer b.Close()
		if err := b.Subscribe(t.Context(), fixtures.NewObserverSpy("a")); !errors.Is(err, refused) {
			t.Fatalf("expected %v, got %v", refused, err)
		}
		if err := b.Subscribe(t.Context(), fixtures.NewObserverSpy("a")); !errors.Is(err, refused) {
			t.Fatalf("a refused subscription must not keep the name, got %v", err)
		}
	})

	t.Run("closed bus", func(t *testing.T) {
		b := bus.NewEventBus(&fakeSubscriber{}, newRepos(t))
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
		if err := b.Subscribe(t.Context(), fixtures.NewObserverSpy("a")); !errors.Is(err, bus.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		if _, ok := <-b.Errors(); ok {
			t.Fatal("Errors must be closed")
		}
	})

	t.Run("unsubscribed when ctx ends", func(t *testing.T) {
		client := &fakeSubscriber{}
		b := bus.NewEventBus(client, newRepos(t))
		defer b.Close()

		ctx, cancel := context.WithCancel(t.Context())
		if err := b.Subscribe(ctx, fixtures.NewObserverSpy("a")); err != nil {
			t.Fatal(err)
		}
		cancel()

		select {
		case <-client.stream(0).closed:
		case <-time.After(2 * time.Second):
			t.Fatal("stream not closed after ctx ended")
		}
		waitFor(t, func() bool { return b.Subscribe(t.Context(), fixtures.NewObserverSpy("a")) == nil })
	})
}

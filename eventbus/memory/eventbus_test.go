package memory_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	es "github.com/policyhub/eventsourcing"
	"github.com/policyhub/eventsourcing/eventbus/memory"
	logmemory "github.com/policyhub/eventsourcing/eventlog/memory"
	"github.com/policyhub/eventsourcing/fixtures"
)

func newRepos(t *testing.T) *es.RepositoryRegistry {
	t.Helper()
	repo := es.NewRepository(fixtures.QuoteDefinition(), logmemory.NewEventLog(), nil, fixtures.NewQuoteRegistry())
	repos, err := es.NewRepositoryRegistry(repo)
	if err != nil {
		t.Fatal(err)
	}
	return repos
}

func TestEventBus_DeliversInOrderToEverySubscriber(t *testing.T) {
	bus := memory.NewEventBus(newRepos(t), 4)
	summary := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel)
	notifier := fixtures.NewObserverSpy("quote-notifier", es.CapabilitySystemEvents)

	dispatcher, err := es.NewDispatcher(summary, notifier)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.SubscribeAll(t.Context(), dispatcher); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}

	b := fixtures.NewRecord()
	records := b.BuildFrom(0, fixtures.QuoteHistory(9)...)
	if err := bus.Publish(t.Context(), records[:5]); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(t.Context(), records[5:]); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for _, spy := range []*fixtures.ObserverSpy{summary, notifier} {
		if got := spy.Sequences(); !slices.Equal(got, want) {
			t.Errorf("%s received %v, want %v", spy.Name(), got, want)
		}
	}

	d := summary.Deliveries[0]
	if _, ok := d.Event.(*fixtures.QuoteCreated); !ok {
		t.Errorf("expected decoded QuoteCreated, got %T", d.Event)
	}
	if d.Replay {
		t.Error("live delivery must not be marked as replay")
	}
	if d.Options != es.AllEffects() {
		t.Errorf("expected every effect enabled, got %+v", d.Options)
	}
}

func TestEventBus_RepositoryPublishesCommittedRecords(t *testing.T) {
	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel)

	log := logmemory.NewEventLog()
	registry := fixtures.NewQuoteRegistry()
	decoder := es.NewRepository(fixtures.QuoteDefinition(), log, nil, registry)
	repos, err := es.NewRepositoryRegistry(decoder)
	if err != nil {
		t.Fatal(err)
	}
	bus := memory.NewEventBus(repos, 8)
	if err := bus.Subscribe(t.Context(), spy); err != nil {
		t.Fatal(err)
	}

	repo := es.NewRepository(fixtures.QuoteDefinition(), log, nil, registry, es.WithPublisher(bus))
	agg := repo.New("tenant-1", "quote-1")
	agg.Record(fixtures.QuoteHistory(2)...)
	if _, err := repo.Save(t.Context(), agg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = bus.Close()

	if got := spy.Sequences(); !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Fatalf("expected committed records 1..3, got %v", got)
	}
}

func TestEventBus_ObserverErrorsAreReported(t *testing.T) {
	boom := errors.New("projection down")
	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel).FailOnSequence(2, boom)

	bus := memory.NewEventBus(newRepos(t), 4)
	if err := bus.Subscribe(t.Context(), spy); err != nil {
		t.Fatal(err)
	}
	records := fixtures.NewRecord().BuildFrom(0, fixtures.QuoteHistory(2)...)
	if err := bus.Publish(t.Context(), records); err != nil {
		t.Fatalf("Publish must not fail on observer errors: %v", err)
	}
	_ = bus.Close()

	var errs []error
	for err := range bus.Errors() {
		errs = append(errs, err)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	var dispatchErr *es.ObserverDispatchError
	if !errors.As(errs[0], &dispatchErr) || dispatchErr.Sequence != 2 || !errors.Is(errs[0], boom) {
		t.Errorf("unexpected error %v", errs[0])
	}
	if got := spy.Sequences(); !slices.Equal(got, []uint64{1, 3}) {
		t.Errorf("later records must still be delivered, got %v", got)
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	bus := memory.NewEventBus(newRepos(t), 1)
	defer bus.Close()

	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel)
	if err := bus.Subscribe(t.Context(), spy); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe(t.Context(), spy); !errors.Is(err, es.ErrDuplicateObserver) {
		t.Errorf("expected ErrDuplicateObserver, got %v", err)
	}
	if err := bus.Subscribe(t.Context(), nil); err == nil {
		t.Error("expected error for nil observer")
	}
}

func TestEventBus_UnsubscribesWhenContextDone(t *testing.T) {
	bus := memory.NewEventBus(newRepos(t), 1)
	defer bus.Close()

	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel)
	ctx, cancel := context.WithCancel(t.Context())
	if err := bus.Subscribe(ctx, spy); err != nil {
		t.Fatal(err)
	}
	cancel()

	// The name frees up once the subscription is gone.
	deadline := time.Now().Add(time.Second)
	for {
		err := bus.Subscribe(t.Context(), spy)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription was not removed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventBus_CloseEndsBackgroundSubscriptions(t *testing.T) {
	bus := memory.NewEventBus(newRepos(t), 1)

	for _, name := range []string{"quote-summary", "quote-search"} {
		if err := bus.Subscribe(context.Background(), fixtures.NewObserverSpy(name, es.CapabilityReadModel)); err != nil {
			t.Fatal(err)
		}
	}

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while subscriptions had no deadline")
	}
}

func TestEventBus_Closed(t *testing.T) {
	bus := memory.NewEventBus(newRepos(t), 1)
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	records := fixtures.NewRecord().BuildFrom(0, fixtures.QuoteHistory(0)...)
	if err := bus.Publish(t.Context(), records); !errors.Is(err, memory.ErrClosed) {
		t.Errorf("Publish: expected ErrClosed, got %v", err)
	}
	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel)
	if err := bus.Subscribe(t.Context(), spy); !errors.Is(err, memory.ErrClosed) {
		t.Errorf("Subscribe: expected ErrClosed, got %v", err)
	}
}

func TestEventBus_UnknownAggregateType(t *testing.T) {
	bus := memory.NewEventBus(newRepos(t), 1)
	defer bus.Close()

	records := fixtures.NewRecord().WithAggregate(es.Policy, "P1").BuildFrom(0, fixtures.QuoteHistory(0)...)
	if err := bus.Publish(t.Context(), records); !errors.Is(err, es.ErrUnknownAggregateType) {
		t.Errorf("expected ErrUnknownAggregateType, got %v", err)
	}
}

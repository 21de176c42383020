package eventsourcing

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type stubObserver struct {
	name  string
	caps  []Capability
	err   error
	calls []Delivery
}

func (s *stubObserver) Name() string               { return s.name }
func (s *stubObserver) Capabilities() []Capability { return s.caps }
func (s *stubObserver) Handle(ctx context.Context, d Delivery) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, d)
	return nil
}

func names(observers []Observer) []string {
	out := make([]string, 0, len(observers))
	for _, o := range observers {
		out = append(out, o.Name())
	}
	return out
}

func TestDispatcher_Select(t *testing.T) {
	readModel := &stubObserver{name: "read", caps: []Capability{CapabilityReadModel}}
	integration := &stubObserver{name: "integration", caps: []Capability{CapabilityIntegrationEvents}}
	system := &stubObserver{name: "system", caps: []Capability{CapabilitySystemEvents}}
	mixed := &stubObserver{name: "mixed", caps: []Capability{CapabilityReadModel, CapabilitySystemEvents}}

	d, err := NewDispatcher(readModel, integration, system, mixed)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		capability Capability
		opts       DispatchOptions
		want       []string
	}{
		{"all effects, no filter", "", AllEffects(), []string{"read", "integration", "system", "mixed"}},
		{"no effects", "", DispatchOptions{}, []string{}},
		{"system filter, system only", CapabilitySystemEvents, DispatchOptions{DispatchSystem: true}, []string{"system", "mixed"}},
		{"system filter, effects disabled", CapabilitySystemEvents, DispatchOptions{PersistReadModel: true}, []string{"mixed"}},
		{"read model only", "", DispatchOptions{PersistReadModel: true}, []string{"read", "mixed"}},
		{"integration filter", CapabilityIntegrationEvents, AllEffects(), []string{"integration"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(d.Select(tt.capability, tt.opts))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Select = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDispatcher_DuplicateNames(t *testing.T) {
	_, err := NewDispatcher(&stubObserver{name: "a"}, &stubObserver{name: "a"})
	if !errors.Is(err, ErrDuplicateObserver) {
		t.Fatalf("expected ErrDuplicateObserver, got %v", err)
	}
}

func TestDeliver_StopsAtFirstFailure(t *testing.T) {
	first := &stubObserver{name: "first"}
	failing := &stubObserver{name: "failing", err: errors.New("projection down")}
	last := &stubObserver{name: "last"}

	rec := &EventRecord{EventType: "QuoteAccepted", Sequence: 4, TenantID: "t1"}
	n, err := Deliver(t.Context(), []Observer{first, failing, last}, Delivery{Record: rec})

	var de *ObserverDispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected ObserverDispatchError, got %v", err)
	}
	if de.Observer != "failing" || de.EventType != "QuoteAccepted" || de.Sequence != 4 {
		t.Fatalf("unexpected error detail %+v", de)
	}
	if n != 1 || len(first.calls) != 1 || len(last.calls) != 0 {
		t.Fatalf("expected delivery to stop after the failure, n=%d", n)
	}
}

type quoteOpened struct{ Holder string }

func (*quoteOpened) EventType() string { return "QuoteOpened" }

type quoteClosed struct{}

func (*quoteClosed) EventType() string { return "QuoteClosed" }

func TestNewObserver_RoutesByType(t *testing.T) {
	var opened []string
	obs := NewObserver("quotes", []Capability{CapabilityReadModel},
		OnEvent(func(ctx context.Context, ev *quoteOpened, d Delivery) error {
			opened = append(opened, ev.Holder)
			if TenantIDFromContext(ctx) != "t1" {
				t.Errorf("expected record context on handler")
			}
			return nil
		}),
	)

	rec := &EventRecord{TenantID: "t1", Sequence: 1}
	if _, err := Deliver(t.Context(), []Observer{obs}, Delivery{Record: rec, Event: &quoteOpened{Holder: "Ada"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := Deliver(t.Context(), []Observer{obs}, Delivery{Record: rec, Event: &quoteClosed{}}); err != nil {
		t.Fatalf("events without handler must be ignored, got %v", err)
	}
	if !reflect.DeepEqual(opened, []string{"Ada"}) {
		t.Fatalf("unexpected calls %v", opened)
	}
	if !HasCapability(obs, CapabilityReadModel) || HasCapability(obs, CapabilitySystemEvents) {
		t.Fatalf("unexpected capabilities %v", obs.Capabilities())
	}
}

func TestNewObserver_DuplicateHandlerPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate handler")
		}
	}()
	h := func(ctx context.Context, ev *quoteOpened, d Delivery) error { return nil }
	NewObserver("dup", nil, OnEvent(h), OnEvent(h))
}

package admin

import (
	"encoding/json"
	"fmt"

	es "github.com/policyhub/eventsourcing"
)

// StoredEvent is an event whose domain type the tooling does not know. It
// keeps the stored payload untouched so observers forward it as written.
type StoredEvent struct {
	Type    string
	Payload json.RawMessage
}

func (e *StoredEvent) EventType() string { return e.Type }

func (e *StoredEvent) UnmarshalJSON(data []byte) error {
	e.Payload = append(e.Payload[:0], data...)
	return nil
}

func (e *StoredEvent) MarshalJSON() ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("null"), nil
	}
	return e.Payload, nil
}

// StreamState is what the tooling can fold from a stream without knowing its
// domain: how many events of each type it holds and which came last.
type StreamState struct {
	TenantID      string         `json:"tenant_id"`
	AggregateID   string         `json:"aggregate_id"`
	Events        int            `json:"events"`
	LastEventType string         `json:"last_event_type,omitempty"`
	Counts        map[string]int `json:"counts,omitempty"`
}

func evolveStream(s StreamState, ev es.Event) StreamState {
	counts := make(map[string]int, len(s.Counts)+1)
	for k, v := range s.Counts {
		counts[k] = v
	}
	counts[ev.EventType()]++
	s.Counts = counts
	s.Events++
	s.LastEventType = ev.EventType()
	return s
}

// NewEventRegistry returns a registry that decodes every event type into a
// StoredEvent.
func NewEventRegistry() *es.EventRegistry {
	r := es.NewEventRegistry()
	r.SetFallback(func(name string) es.Event { return &StoredEvent{Type: name} })
	return r
}

// NewRepositories registers a StreamState repository for every aggregate
// type. They are built without a snapshot store: snapshots hold domain state
// the tooling cannot read.
func NewRepositories(log es.EventLog, registry *es.EventRegistry) (*es.RepositoryRegistry, error) {
	repos, err := es.NewRepositoryRegistry()
	if err != nil {
		return nil, err
	}
	for _, t := range es.AggregateTypes {
		def := es.Definition[StreamState]{
			Type: t,
			Initial: func(tenantID, id string) StreamState {
				return StreamState{TenantID: tenantID, AggregateID: id}
			},
			Evolve: evolveStream,
		}
		if err := repos.Register(es.NewRepository(def, log, nil, registry)); err != nil {
			return nil, fmt.Errorf("register %s: %w", t, err)
		}
	}
	return repos, nil
}

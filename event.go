package eventsourcing

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event describing a change that has happened to an aggregate.
//
// Events of one aggregate type form a closed set of variants; the aggregate's
// Evolver switches over them to fold state.
type Event interface {
	EventType() string
}

// EventRecord is the persisted, immutable form of one event in an aggregate's log.
//
// For a given (TenantID, AggregateID) the Sequence values form the contiguous run
// 1..N. Records are created by the Repository on save and never mutated.
type EventRecord struct {
	EventID       uuid.UUID
	TenantID      string
	AggregateID   string
	AggregateType AggregateType
	Sequence      uint64
	EventType     string
	Payload       []byte
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Stream returns the stream the record belongs to.
func (r *EventRecord) Stream() StreamID {
	return StreamID{TenantID: r.TenantID, AggregateType: r.AggregateType, AggregateID: r.AggregateID}
}

// SameContent reports whether two records are the same event at the same
// position. The event id is part of the comparison: an identical event
// recorded by another writer is a different event. Backends use it to
// recognise a retried append.
func (r *EventRecord) SameContent(other *EventRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.EventID == other.EventID &&
		r.TenantID == other.TenantID &&
		r.AggregateID == other.AggregateID &&
		r.Sequence == other.Sequence &&
		r.EventType == other.EventType &&
		string(r.Payload) == string(other.Payload)
}

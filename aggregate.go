package eventsourcing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	now        = time.Now
	newEventID = uuid.New
)

// AggregateType names a kind of aggregate persisted by the store.
type AggregateType string

const (
	Quote        AggregateType = "Quote"
	Policy       AggregateType = "Policy"
	Person       AggregateType = "Person"
	Organisation AggregateType = "Organisation"
	Payment      AggregateType = "Payment"
	Refund       AggregateType = "Refund"
	Report       AggregateType = "Report"
	Claim        AggregateType = "Claim"
)

// AggregateTypes lists every known aggregate type.
var AggregateTypes = []AggregateType{Quote, Policy, Person, Organisation, Payment, Refund, Report, Claim}

// Valid reports whether t is one of the known aggregate types.
func (t AggregateType) Valid() bool {
	for _, known := range AggregateTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseAggregateType resolves a case-insensitive aggregate type name.
func ParseAggregateType(s string) (AggregateType, error) {
	for _, known := range AggregateTypes {
		if strings.EqualFold(string(known), s) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown aggregate type %q", s)
}

// StreamID identifies the event sequence of one aggregate instance.
type StreamID struct {
	TenantID      string
	AggregateType AggregateType
	AggregateID   string
}

func (s StreamID) String() string {
	return s.TenantID + "-" + string(s.AggregateType) + "-" + s.AggregateID
}

// LockKey returns the key serialising writers of this stream.
func (s StreamID) LockKey() LockKey {
	return LockKey(s.TenantID + ":" + string(s.AggregateType) + ":" + s.AggregateID)
}

// Evolver folds one event into the aggregate state and returns the new state.
//
// Implementations switch over the aggregate's event variants and must not
// perform side effects; the same function is used for live writes, rehydration
// and replay.
type Evolver[S any] func(state S, event Event) S

// Aggregate is the in-memory working copy of one aggregate instance.
//
// It is exclusively owned by the command handler that loaded it. Only events
// recorded on it are persisted by Repository.Save.
type Aggregate[S any] struct {
	stream      StreamID
	state       S
	version     uint64
	evolve      Evolver[S]
	uncommitted []Event
	// eventIDs[i] identifies uncommitted[i]. Ids survive a failed save so a
	// retry of the same aggregate is recognised as a duplicate.
	eventIDs []uuid.UUID
}

func newAggregate[S any](stream StreamID, state S, version uint64, evolve Evolver[S]) *Aggregate[S] {
	return &Aggregate[S]{
		stream:  stream,
		state:   state,
		version: version,
		evolve:  evolve,
	}
}

// Stream returns the identity of the aggregate.
func (a *Aggregate[S]) Stream() StreamID { return a.stream }

// ID returns the aggregate id.
func (a *Aggregate[S]) ID() string { return a.stream.AggregateID }

// TenantID returns the owning tenant.
func (a *Aggregate[S]) TenantID() string { return a.stream.TenantID }

// State returns the current state, including uncommitted events.
func (a *Aggregate[S]) State() S { return a.state }

// Version returns the sequence of the last persisted event the aggregate reflects.
func (a *Aggregate[S]) Version() uint64 { return a.version }

// Record applies the events to the state and buffers them for the next save.
// Each event gets a new id.
func (a *Aggregate[S]) Record(events ...Event) {
	for _, e := range events {
		a.state = a.evolve(a.state, e)
		a.uncommitted = append(a.uncommitted, e)
		a.eventIDs = append(a.eventIDs, newEventID())
	}
}

// Uncommitted returns the events recorded since the aggregate was loaded or last saved.
func (a *Aggregate[S]) Uncommitted() []Event {
	return a.uncommitted
}

func (a *Aggregate[S]) markCommitted(version uint64) {
	a.version = version
	a.uncommitted = nil
	a.eventIDs = nil
}

// AggregateSnapshotResult is an aggregate rehydrated as of a given sequence.
type AggregateSnapshotResult[S any] struct {
	Aggregate *Aggregate[S]
	Sequence  uint64
}

package eventsourcing

import (
	"context"
	"fmt"
)

// EventReader is the read side of the event log.
//
// The replay service depends on this interface only, so it has no way to
// write to the log.
type EventReader interface {
	// ReadFrom returns the records of one aggregate with a sequence greater than
	// fromExclusive, in ascending order.
	//
	// Every call opens a fresh cursor; the iterator is finite and may be
	// abandoned at any point. Reading an aggregate without events yields an
	// empty iterator, not an error.
	ReadFrom(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*Iterator[*EventRecord], error)

	// Exists reports whether the aggregate has at least one event.
	Exists(ctx context.Context, tenantID, aggregateID string) (bool, error)
}

// EventLog is the durable, append-only store of every aggregate's events.
//
// Implementations must guarantee:
//   - For a given (tenant, aggregate) the stored sequences are exactly 1..N.
//   - Append is atomic: either every record of the batch is stored or none.
//   - Two appends with the same expected version cannot both succeed with
//     different content; the loser receives a ConcurrencyConflictError.
//   - Re-appending records that are already stored at the same sequences with
//     the same event type and payload succeeds and returns the same version.
type EventLog interface {
	EventReader

	// Append stores records at expectedVersion+1 .. expectedVersion+len(records)
	// and returns the new version of the stream.
	//
	// Errors:
	//   - ErrInvalidEventBatch when the records do not carry those sequences or
	//     belong to another stream.
	//   - ErrConcurrencyConflict when the stream is no longer at expectedVersion.
	//   - ErrStorageUnavailable for backend failures.
	Append(ctx context.Context, stream StreamID, records []EventRecord, expectedVersion uint64) (uint64, error)
}

// AppendResult describes the outcome of handling a command.
type AppendResult struct {
	Successful          bool
	NextExpectedVersion uint64
	// Records holds the records appended by the command, if any.
	Records []EventRecord
}

// ValidateBatch checks that records continue stream at expectedVersion without gaps.
// Backends call it before touching storage.
func ValidateBatch(stream StreamID, records []EventRecord, expectedVersion uint64) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: no records", ErrInvalidEventBatch)
	}
	for i := range records {
		r := &records[i]
		want := expectedVersion + uint64(i) + 1
		if r.Sequence != want {
			return fmt.Errorf("%w: record %d has sequence %d, want %d", ErrInvalidEventBatch, i, r.Sequence, want)
		}
		if r.TenantID != stream.TenantID || r.AggregateID != stream.AggregateID || r.AggregateType != stream.AggregateType {
			return fmt.Errorf("%w: record %d belongs to %q, not %q", ErrInvalidEventBatch, i, r.Stream(), stream)
		}
		if r.EventType == "" {
			return fmt.Errorf("%w: record %d has no event type", ErrInvalidEventBatch, i)
		}
	}
	return nil
}

// MatchesStored reports whether stored holds exactly the content of records,
// position by position. Backends use it to turn a duplicate-key or version
// mismatch caused by a retried append into a successful no-op.
func MatchesStored(records []EventRecord, stored []*EventRecord) bool {
	if len(stored) < len(records) {
		return false
	}
	for i := range records {
		if !records[i].SameContent(stored[i]) {
			return false
		}
	}
	return true
}

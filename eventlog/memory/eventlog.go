// Package memory provides an in-process EventLog for tests and tooling.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	es "github.com/policyhub/eventsourcing"
)

var _ es.EventLog = (*EventLog)(nil)

type streamKey struct {
	tenantID    string
	aggregateID string
}

// EventLog keeps every stream in memory behind a single lock.
type EventLog struct {
	mu      sync.RWMutex
	streams map[streamKey][]*es.EventRecord
	closed  bool
}

func NewEventLog() *EventLog {
	return &EventLog{streams: make(map[streamKey][]*es.EventRecord)}
}

// Append implements es.EventLog.
func (m *EventLog) Append(ctx context.Context, stream es.StreamID, records []es.EventRecord, expectedVersion uint64) (uint64, error) {
	if err := es.ValidateBatch(stream, records, expectedVersion); err != nil {
		return 0, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, &es.StorageError{Op: "append", Err: errClosed}
	}

	key := streamKey{stream.TenantID, stream.AggregateID}
	stored := m.streams[key]
	current := uint64(len(stored))
	newVersion := expectedVersion + uint64(len(records))

	if current != expectedVersion {
		// a retry of a save that already landed
		if current >= newVersion && es.MatchesStored(records, stored[expectedVersion:]) {
			return newVersion, nil
		}
		return 0, &es.ConcurrencyConflictError{Stream: stream, ExpectedVersion: expectedVersion, ActualVersion: current}
	}

	for i := range records {
		r := records[i]
		m.streams[key] = append(m.streams[key], &r)
	}
	return newVersion, nil
}

// ReadFrom implements es.EventReader. The iterator walks a snapshot of the
// stream taken at call time.
func (m *EventLog) ReadFrom(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*es.Iterator[*es.EventRecord], error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, &es.StorageError{Op: "read", Err: errClosed}
	}
	events := m.streams[streamKey{tenantID, aggregateID}]
	m.mu.RUnlock()

	index := fromExclusive
	return es.NewIteratorFunc(func(ctx context.Context) (*es.EventRecord, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if index >= uint64(len(events)) {
			return nil, io.EOF
		}
		ev := *events[index]
		index++
		return &ev, nil
	}), nil
}

// Exists implements es.EventReader.
func (m *EventLog) Exists(ctx context.Context, tenantID, aggregateID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams[streamKey{tenantID, aggregateID}]) > 0, nil
}

// Close drops all streams. Later calls fail with a StorageError.
func (m *EventLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[streamKey][]*es.EventRecord)
	m.closed = true
	return nil
}

var errClosed = errors.New("event log is closed")

package fixtures

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	es "github.com/policyhub/eventsourcing"
)

func streamKey(tenantID, aggregateID string) string {
	return tenantID + "\x00" + aggregateID
}

// EventLogSpy is a configurable in-memory EventLog for testing.
// It tracks calls and allows injecting custom behavior or failures.
type EventLogSpy struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	AppendFn   func(ctx context.Context, stream es.StreamID, records []es.EventRecord, expectedVersion uint64) (uint64, error)
	ReadFromFn func(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*es.Iterator[*es.EventRecord], error)

	// Call tracking
	AppendCalls   int
	ReadFromCalls int
	ExistsCalls   int

	// Captured arguments from last call
	LastAppendRecords  []es.EventRecord
	LastExpected       uint64
	LastReadFromCursor uint64

	records map[string][]es.EventRecord

	readErr   error
	appendErr error
}

// NewEventLogSpy creates an empty EventLogSpy.
func NewEventLogSpy() *EventLogSpy {
	return &EventLogSpy{records: make(map[string][]es.EventRecord)}
}

// WithRecords pre-populates the log.
func (s *EventLogSpy) WithRecords(records ...es.EventRecord) *EventLogSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		k := streamKey(r.TenantID, r.AggregateID)
		s.records[k] = append(s.records[k], r)
	}
	return s
}

// FailOnRead configures the log to return an error on reads.
func (s *EventLogSpy) FailOnRead(err error) *EventLogSpy {
	s.readErr = err
	return s
}

// FailOnAppend configures the log to return an error on appends.
func (s *EventLogSpy) FailOnAppend(err error) *EventLogSpy {
	s.appendErr = err
	return s
}

// Append implements EventLog.Append.
func (s *EventLogSpy) Append(ctx context.Context, stream es.StreamID, records []es.EventRecord, expectedVersion uint64) (uint64, error) {
	s.mu.Lock()
	s.AppendCalls++
	s.LastAppendRecords = slices.Clone(records)
	s.LastExpected = expectedVersion
	s.mu.Unlock()

	if s.AppendFn != nil {
		return s.AppendFn(ctx, stream, records, expectedVersion)
	}
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	if err := es.ValidateBatch(stream, records, expectedVersion); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := streamKey(stream.TenantID, stream.AggregateID)
	current := uint64(len(s.records[k]))
	newVersion := expectedVersion + uint64(len(records))
	if current != expectedVersion {
		if current >= newVersion && es.MatchesStored(records, Pointers(s.records[k][expectedVersion:])) {
			return newVersion, nil
		}
		return 0, &es.ConcurrencyConflictError{Stream: stream, ExpectedVersion: expectedVersion, ActualVersion: current}
	}
	s.records[k] = append(s.records[k], records...)
	return newVersion, nil
}

// ReadFrom implements EventLog.ReadFrom.
func (s *EventLogSpy) ReadFrom(ctx context.Context, tenantID, aggregateID string, fromExclusive uint64) (*es.Iterator[*es.EventRecord], error) {
	s.mu.Lock()
	s.ReadFromCalls++
	s.LastReadFromCursor = fromExclusive
	s.mu.Unlock()

	if s.ReadFromFn != nil {
		return s.ReadFromFn(ctx, tenantID, aggregateID, fromExclusive)
	}
	if s.readErr != nil {
		return nil, s.readErr
	}

	s.mu.Lock()
	all := s.records[streamKey(tenantID, aggregateID)]
	var out []*es.EventRecord
	for i := range all {
		if all[i].Sequence > fromExclusive {
			r := all[i]
			out = append(out, &r)
		}
	}
	s.mu.Unlock()

	return es.NewSliceIterator(out), nil
}

// Exists implements EventLog.Exists.
func (s *EventLogSpy) Exists(ctx context.Context, tenantID, aggregateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExistsCalls++
	if s.readErr != nil {
		return false, s.readErr
	}
	return len(s.records[streamKey(tenantID, aggregateID)]) > 0, nil
}

// Records returns a copy of the stored records of one aggregate.
func (s *EventLogSpy) Records(tenantID, aggregateID string) []es.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records[streamKey(tenantID, aggregateID)])
}

// SnapshotStoreSpy is an in-memory SnapshotStore that records calls.
type SnapshotStoreSpy struct {
	mu sync.Mutex

	GetCalls  int
	SaveCalls int
	Saved     []es.Snapshot

	snapshots map[string][]es.Snapshot

	getErr  error
	saveErr error
}

// NewSnapshotStoreSpy creates an empty SnapshotStoreSpy.
func NewSnapshotStoreSpy() *SnapshotStoreSpy {
	return &SnapshotStoreSpy{snapshots: make(map[string][]es.Snapshot)}
}

// FailOnGet configures the store to return an error on reads.
func (s *SnapshotStoreSpy) FailOnGet(err error) *SnapshotStoreSpy {
	s.getErr = err
	return s
}

// FailOnSave configures the store to return an error on writes.
func (s *SnapshotStoreSpy) FailOnSave(err error) *SnapshotStoreSpy {
	s.saveErr = err
	return s
}

func (s *SnapshotStoreSpy) GetLatest(ctx context.Context, tenantID, aggregateID string) (*es.Snapshot, error) {
	return s.GetAtOrBelow(ctx, tenantID, aggregateID, ^uint64(0))
}

func (s *SnapshotStoreSpy) GetAtOrBelow(ctx context.Context, tenantID, aggregateID string, maxVersion uint64) (*es.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	var best *es.Snapshot
	for _, snap := range s.snapshots[streamKey(tenantID, aggregateID)] {
		if snap.Version <= maxVersion && (best == nil || snap.Version > best.Version) {
			snap := snap
			best = &snap
		}
	}
	return best, nil
}

func (s *SnapshotStoreSpy) Save(ctx context.Context, snapshot es.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	k := streamKey(snapshot.TenantID, snapshot.AggregateID)
	for _, existing := range s.snapshots[k] {
		if existing.Version == snapshot.Version {
			return nil
		}
	}
	s.snapshots[k] = append(s.snapshots[k], snapshot)
	sort.Slice(s.snapshots[k], func(i, j int) bool { return s.snapshots[k][i].Version < s.snapshots[k][j].Version })
	s.Saved = append(s.Saved, snapshot)
	return nil
}

// LockerSpy is an in-process Locker that records calls.
type LockerSpy struct {
	mu sync.Mutex

	AcquireCalls int
	ReleaseCalls int
	RefreshCalls int
	LastTTL      time.Duration

	held map[es.LockKey]string

	acquireErr error
}

// NewLockerSpy creates a LockerSpy holding no locks.
func NewLockerSpy() *LockerSpy {
	return &LockerSpy{held: make(map[es.LockKey]string)}
}

// FailOnAcquire configures the locker to return an error on Acquire.
func (l *LockerSpy) FailOnAcquire(err error) *LockerSpy {
	l.acquireErr = err
	return l
}

// Hold marks key as held by another owner.
func (l *LockerSpy) Hold(key es.LockKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = "someone-else"
}

// Held reports whether key is currently held.
func (l *LockerSpy) Held(key es.LockKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func (l *LockerSpy) Acquire(ctx context.Context, key es.LockKey, ttl time.Duration) (*es.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.AcquireCalls++
	l.LastTTL = ttl
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	if _, ok := l.held[key]; ok {
		return nil, &es.LockConflictError{Key: key}
	}
	token := uuid.NewString()
	l.held[key] = token
	return &es.LockHandle{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (l *LockerSpy) Release(ctx context.Context, h *es.LockHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReleaseCalls++
	if l.held[h.Key] == h.Token {
		delete(l.held, h.Key)
	}
	return nil
}

func (l *LockerSpy) Refresh(ctx context.Context, h *es.LockHandle, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.RefreshCalls++
	if l.held[h.Key] != h.Token {
		return es.ErrLockLost
	}
	h.ExpiresAt = time.Now().Add(ttl)
	return nil
}

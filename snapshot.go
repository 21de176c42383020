package eventsourcing

import (
	"context"
	"time"
)

// DefaultSnapshotEvery is the snapshot cadence used when no override is configured.
const DefaultSnapshotEvery = 100

// Snapshot is a serialized aggregate state as of Version.
//
// Version always equals the sequence of an existing event record, and a
// snapshot is only combined with records whose sequence is greater.
type Snapshot struct {
	TenantID      string
	AggregateID   string
	AggregateType AggregateType
	Version       uint64
	Payload       []byte
	CreatedAt     time.Time
}

// SnapshotStore persists snapshots. Snapshots are an optimisation: a missing
// snapshot only costs a longer replay.
type SnapshotStore interface {
	// GetLatest returns the snapshot with the highest version, or nil when none exists.
	GetLatest(ctx context.Context, tenantID, aggregateID string) (*Snapshot, error)

	// GetAtOrBelow returns the snapshot with the highest version not above
	// maxVersion, or nil when none exists.
	GetAtOrBelow(ctx context.Context, tenantID, aggregateID string, maxVersion uint64) (*Snapshot, error)

	// Save stores a snapshot. Saving a version that already exists is a no-op.
	Save(ctx context.Context, snapshot Snapshot) error
}

// SnapshotPolicy decides when the repository writes a snapshot.
//
// A snapshot is taken when a save crosses a multiple of the cadence for the
// aggregate type. A cadence of 0 disables snapshots for that type.
type SnapshotPolicy struct {
	Every   uint64
	PerType map[AggregateType]uint64
}

// DefaultSnapshotPolicy snapshots every DefaultSnapshotEvery events.
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{Every: DefaultSnapshotEvery}
}

// Interval returns the cadence configured for t.
func (p SnapshotPolicy) Interval(t AggregateType) uint64 {
	if n, ok := p.PerType[t]; ok {
		return n
	}
	return p.Every
}

// ShouldSnapshot reports whether moving from oldVersion to newVersion crosses
// a snapshot boundary for t.
func (p SnapshotPolicy) ShouldSnapshot(t AggregateType, oldVersion, newVersion uint64) bool {
	n := p.Interval(t)
	if n == 0 || newVersion <= oldVersion {
		return false
	}
	return newVersion/n > oldVersion/n
}

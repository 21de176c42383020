// Package memory provides an in-process SnapshotStore.
package memory

import (
	"context"
	"sort"
	"sync"

	es "github.com/policyhub/eventsourcing"
)

var _ es.SnapshotStore = (*Store)(nil)

type key struct {
	tenantID    string
	aggregateID string
}

// Store keeps every snapshot of an aggregate, ordered by version.
type Store struct {
	mu        sync.RWMutex
	snapshots map[key][]es.Snapshot
}

func NewStore() *Store {
	return &Store{snapshots: make(map[key][]es.Snapshot)}
}

// GetLatest implements es.SnapshotStore.
func (s *Store) GetLatest(ctx context.Context, tenantID, aggregateID string) (*es.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[key{tenantID, aggregateID}]
	if len(list) == 0 {
		return nil, nil
	}
	return clone(list[len(list)-1]), nil
}

// GetAtOrBelow implements es.SnapshotStore.
func (s *Store) GetAtOrBelow(ctx context.Context, tenantID, aggregateID string, maxVersion uint64) (*es.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[key{tenantID, aggregateID}]
	// first snapshot above maxVersion
	i := sort.Search(len(list), func(i int) bool { return list[i].Version > maxVersion })
	if i == 0 {
		return nil, nil
	}
	return clone(list[i-1]), nil
}

// Save implements es.SnapshotStore.
func (s *Store) Save(ctx context.Context, snapshot es.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{snapshot.TenantID, snapshot.AggregateID}
	list := s.snapshots[k]
	i := sort.Search(len(list), func(i int) bool { return list[i].Version >= snapshot.Version })
	if i < len(list) && list[i].Version == snapshot.Version {
		return nil
	}

	stored := *clone(snapshot)
	list = append(list, es.Snapshot{})
	copy(list[i+1:], list[i:])
	list[i] = stored
	s.snapshots[k] = list
	return nil
}

func clone(s es.Snapshot) *es.Snapshot {
	s.Payload = append([]byte(nil), s.Payload...)
	return &s
}

package eventsourcing

import (
	"context"
	"fmt"
	"sync"
)

// Rehydrator is the type-erased view of a Repository used by the replay service.
type Rehydrator interface {
	AggregateType() AggregateType
	// Decode reconstructs the event stored in a record of this aggregate type.
	Decode(rec *EventRecord) (Event, error)
	// RehydrateAt returns the aggregate state as of sequence, inclusive.
	RehydrateAt(ctx context.Context, tenantID, id string, sequence uint64) (any, error)
}

// RepositoryRegistry resolves the repository of an aggregate type.
// It is populated at start-up and passed to the components that need it.
type RepositoryRegistry struct {
	mu    sync.RWMutex
	repos map[AggregateType]Rehydrator
}

// NewRepositoryRegistry creates a registry holding repos.
func NewRepositoryRegistry(repos ...Rehydrator) (*RepositoryRegistry, error) {
	r := &RepositoryRegistry{repos: make(map[AggregateType]Rehydrator, len(repos))}
	for _, repo := range repos {
		if err := r.Register(repo); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds repo. Each aggregate type can be registered once.
func (r *RepositoryRegistry) Register(repo Rehydrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := repo.AggregateType()
	if _, exists := r.repos[t]; exists {
		return fmt.Errorf("repository already registered for aggregate type %s", t)
	}
	r.repos[t] = repo
	return nil
}

// Lookup returns the repository registered for t.
func (r *RepositoryRegistry) Lookup(t AggregateType) (Rehydrator, error) {
	r.mu.RLock()
	repo, ok := r.repos[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, t)
	}
	return repo, nil
}

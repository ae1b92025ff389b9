package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists resources and their transition history.
type Store interface {
	// CreateResource inserts a resource and records its initial transition. It fails with
	// ErrResourceExists when the id is taken.
	CreateResource(ctx context.Context, r *Resource, t Transition) error

	// GetResource returns the resource or ErrResourceNotFound.
	GetResource(ctx context.Context, id string) (*Resource, error)

	// UpdateResource replaces the resource if its stored version equals expectedVersion and
	// appends the transition in the same transaction. Otherwise it fails with
	// ErrVersionConflict.
	UpdateResource(ctx context.Context, r *Resource, expectedVersion int64, t Transition) error

	// ListTransitions returns the transitions of a resource, oldest first.
	ListTransitions(ctx context.Context, id string) ([]Transition, error)
}

// Querier is the read side used by the reconciler and the metrics emitter.
type Querier interface {
	// ListResourcesInState returns resources in state that entered it before the cutoff,
	// oldest first, at most limit of them.
	ListResourcesInState(ctx context.Context, state State, enteredBefore time.Time, limit int) ([]*Resource, error)

	// CountResourcesByState returns the number of resources per state.
	CountResourcesByState(ctx context.Context) (map[State]int, error)
}

// MemoryStore is an in-process Store and Querier.
type MemoryStore struct {
	mu          sync.RWMutex
	resources   map[string]*Resource
	transitions map[string][]Transition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources:   make(map[string]*Resource),
		transitions: make(map[string][]Transition),
	}
}

func (s *MemoryStore) CreateResource(_ context.Context, r *Resource, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resources[r.ID]; exists {
		return ErrResourceExists
	}
	s.resources[r.ID] = r.Clone()
	s.transitions[r.ID] = append(s.transitions[r.ID], t)
	return nil
}

func (s *MemoryStore) GetResource(_ context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) UpdateResource(_ context.Context, r *Resource, expectedVersion int64, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.resources[r.ID]
	if !ok {
		return ErrResourceNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.resources[r.ID] = r.Clone()
	s.transitions[r.ID] = append(s.transitions[r.ID], t)
	return nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, id string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.resources[id]; !ok {
		return nil, ErrResourceNotFound
	}
	out := make([]Transition, len(s.transitions[id]))
	copy(out, s.transitions[id])
	return out, nil
}

func (s *MemoryStore) ListResourcesInState(_ context.Context, state State, enteredBefore time.Time, limit int) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Resource
	for _, r := range s.resources {
		if r.State == state && r.StateEnteredAt.Before(enteredBefore) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StateEnteredAt.Before(out[j].StateEnteredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountResourcesByState(_ context.Context) (map[State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[State]int)
	for _, r := range s.resources {
		counts[r.State]++
	}
	return counts, nil
}

// Backdate moves a resource's state entry time into the past. It exists for tests and
// simulations that need aged resources.
func (s *MemoryStore) Backdate(id string, enteredAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[id]; ok {
		r.StateEnteredAt = enteredAt
	}
}

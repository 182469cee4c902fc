package profile

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. It keeps clones so callers can never
// mutate stored state through a returned pointer.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*UserProfile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*UserProfile),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, p *UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[p.UserID] = p.Clone()
	return nil
}

// List returns every profile ordered by user ID.
func (s *MemoryStore) List(ctx context.Context) ([]*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*UserProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles), nil
}

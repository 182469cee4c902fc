package risk

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/mbd888/typeguard/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // userID → assessments in record order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[a.UserID] = append(s.assessments[a.UserID], copyAssessment(a))
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Assessment
	for _, a := range s.assessments[userID] {
		if after.After(a.EvaluatedAt, a.ID) {
			result = append(result, copyAssessment(a))
		}
	}
	slices.SortFunc(result, func(a, b *Assessment) int {
		if c := b.EvaluatedAt.Compare(a.EvaluatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return result[:min(limit, len(result))], nil
}

func copyAssessment(a *Assessment) *Assessment {
	c := *a
	if a.Features != nil {
		c.Features = make(map[string]float64, len(a.Features))
		for k, v := range a.Features {
			c.Features[k] = v
		}
	}
	return &c
}

package ingest

import (
	"context"
	"sync"
)

// MemorySink keeps batches in memory. Used in development and tests.
type MemorySink struct {
	mu      sync.RWMutex
	batches []*Batch
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) WriteBatch(ctx context.Context, batches []*Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batches...)
	return nil
}

// Batches returns every batch written so far, oldest first.
func (s *MemorySink) Batches() []*Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Batch(nil), s.batches...)
}

// EventCount returns the total number of raw events written.
func (s *MemorySink) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.batches {
		n += b.EventCount()
	}
	return n
}

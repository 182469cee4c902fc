// Package syncutil provides keyed locking for per-entity serialization.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by the zero-value ShardedMutex.
const DefaultShards = 256

// ShardedMutex serializes work per string key using a fixed pool of locks.
// Memory stays bounded no matter how many keys are seen; two keys that hash
// to the same shard simply wait on each other.
//
// Each shard is a one-slot channel so waiters can give up when their context
// ends. The zero value is ready to use.
type ShardedMutex struct {
	once   sync.Once
	n      int
	shards []chan struct{}
}

// NewShardedMutex returns a ShardedMutex with n shards (DefaultShards if n <= 0).
func NewShardedMutex(n int) *ShardedMutex {
	return &ShardedMutex{n: n}
}

func (s *ShardedMutex) init() {
	s.once.Do(func() {
		if s.n <= 0 {
			s.n = DefaultShards
		}
		s.shards = make([]chan struct{}, s.n)
		for i := range s.shards {
			s.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock acquires the lock for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	ch := s.shard(key)
	ch <- struct{}{}
	return func() { <-ch }
}

// LockContext is Lock that gives up when ctx is done, including when it is
// already done on entry. On failure the returned unlock function is nil.
func (s *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := s.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shards returns the number of shards.
func (s *ShardedMutex) Shards() int {
	s.init()
	return s.n
}

func (s *ShardedMutex) shard(key string) chan struct{} {
	s.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.n)]
}

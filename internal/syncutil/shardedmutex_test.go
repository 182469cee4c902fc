package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShardedMutex_ZeroValueUsable(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("u1")
	unlock()
	if m.Shards() != DefaultShards {
		t.Fatalf("expected %d shards, got %d", DefaultShards, m.Shards())
	}
}

func TestShardedMutex_MutualExclusion(t *testing.T) {
	m := NewShardedMutex(8)

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("user")
			defer unlock()
			// Split read/write: lost updates show up if exclusion is broken.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestShardedMutex_LockContextCancelled(t *testing.T) {
	m := NewShardedMutex(1)
	unlock := m.Lock("a")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// With a single shard every key collides.
	release, err := m.LockContext(ctx, "b")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if release != nil {
		t.Fatal("expected nil unlock func on failure")
	}
}

func TestShardedMutex_LockContextAcquires(t *testing.T) {
	m := NewShardedMutex(4)
	unlock, err := m.LockContext(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		release := m.Lock("a")
		release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second locker acquired while first held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
}

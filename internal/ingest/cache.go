package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// SessionKey is the cache key for a session.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// MemorySessionCache is an in-process SessionCache with per-entry expiry.
type MemorySessionCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	session   CachedSession
	expiresAt time.Time
}

var _ SessionCache = (*MemorySessionCache)(nil)

// NewMemorySessionCache creates an empty in-memory session cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemorySessionCache) Put(ctx context.Context, s *CachedSession, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[s.SessionID] = memoryEntry{session: *s, expiresAt: now.Add(ttl)}
	return nil
}

func (c *MemorySessionCache) Get(ctx context.Context, sessionID string) (*CachedSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, sessionID)
		return nil, ErrSessionNotFound
	}
	s := e.session
	return &s, nil
}

// RedisSessionCache stores sessions as JSON under session:<id> with SETEX.
type RedisSessionCache struct {
	rdb *redis.Client
}

var _ SessionCache = (*RedisSessionCache)(nil)

// NewRedisSessionCache creates a Redis-backed session cache.
func NewRedisSessionCache(rdb *redis.Client) *RedisSessionCache {
	return &RedisSessionCache{rdb: rdb}
}

func (c *RedisSessionCache) Put(ctx context.Context, s *CachedSession, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.rdb.SetEx(ctx, SessionKey(s.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache session: %w", err)
	}
	return nil
}

func (c *RedisSessionCache) Get(ctx context.Context, sessionID string) (*CachedSession, error) {
	data, err := c.rdb.Get(ctx, SessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s CachedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Ping checks the Redis connection.
func (c *RedisSessionCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

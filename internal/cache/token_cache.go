package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Fetcher produces a fresh value and how long it may be reused
type Fetcher func(ctx context.Context) (value string, ttl time.Duration, err error)

// TokenCache memoizes short-lived values such as access tokens until they expire
type TokenCache interface {
	GetOrFetch(ctx context.Context, key string, fetch Fetcher) (string, error)
}

// NewTokenCache returns a Redis-backed cache when Redis is enabled, otherwise a process-local one
func NewTokenCache(redisCache *RedisCache) TokenCache {
	if redisCache.Enabled() {
		return &RedisTokenCache{redis: redisCache}
	}
	return NewMemoryTokenCache()
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryTokenCache keeps values in process memory
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryTokenCache creates an empty in-memory cache
func NewMemoryTokenCache() *MemoryTokenCache {
	return NewMemoryTokenCacheWithClock(time.Now)
}

// NewMemoryTokenCacheWithClock creates an in-memory cache reading time from now
func NewMemoryTokenCacheWithClock(now func() time.Time) *MemoryTokenCache {
	return &MemoryTokenCache{
		entries: map[string]memoryEntry{},
		now:     now,
	}
}

// GetOrFetch returns the cached value, or calls fetch once and caches its result.
// Concurrent callers for an expired key wait for the same refresh.
func (c *MemoryTokenCache) GetOrFetch(ctx context.Context, key string, fetch Fetcher) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl > 0 {
		c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	} else {
		delete(c.entries, key)
	}
	return value, nil
}

// RedisTokenCache shares cached values between replicas through Redis
type RedisTokenCache struct {
	redis *RedisCache
}

// GetOrFetch reads the key from Redis and refreshes it on a miss. Redis failures
// fall through to fetch so a cache outage never blocks the caller.
func (c *RedisTokenCache) GetOrFetch(ctx context.Context, key string, fetch Fetcher) (string, error) {
	var value string
	err := c.redis.Get(ctx, key, &value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Str("key", key).Msg("Token cache read failed")
	}

	value, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl > 0 {
		if err := c.redis.Set(ctx, key, value, ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Token cache write failed")
		}
	}
	return value, nil
}

package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storyforge/llmcache/internal/store"
)

// Factory produces a value on a cache miss. Long-running work should honor
// ctx; the cache itself imposes no timeout.
type Factory func(ctx context.Context) (any, error)

// KeyedFactory is a unit of work whose cache key is derived from its
// arguments. See RequestCache.Cached.
type KeyedFactory func(ctx context.Context, args ...any) (any, error)

// RequestCache wraps a store with hit/miss/set counters and a
// get-or-compute helper.
//
// Store failures are treated as misses (fail-open): a broken cache layer
// must never fail the request it was supposed to speed up.
//
// GetOrSet deliberately provides no single-flight deduplication: concurrent
// callers that miss on the same key will each invoke their factory. This
// mirrors the behaviour callers already rely on; dedup would change the
// invocation count of side-effecting factories.
type RequestCache struct {
	store store.Store
	log   *slog.Logger

	mu     sync.Mutex
	hits   int64
	misses int64
	sets   int64
}

// RequestCacheStats is a snapshot of the cache's counters plus the
// underlying store's stats.
type RequestCacheStats struct {
	HitCount      int64
	MissCount     int64
	SetCount      int64
	TotalRequests int64
	HitRatio      float64
	Store         store.Stats
}

// NewRequestCache creates a RequestCache over s.
func NewRequestCache(s store.Store, log *slog.Logger) *RequestCache {
	if log == nil {
		log = slog.Default()
	}
	return &RequestCache{store: s, log: log}
}

// Get returns the cached value for key, counting the outcome.
func (c *RequestCache) Get(ctx context.Context, key string) (any, bool) {
	value, ok := c.store.Get(ctx, key)

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	return value, ok
}

// Set stores value under key. Store errors are logged and swallowed.
func (c *RequestCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		c.log.Error("cache set failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
}

// Delete removes key. Store errors are logged and swallowed.
func (c *RequestCache) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Error("cache delete failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Clear empties the cache and resets all counters.
func (c *RequestCache) Clear(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.log.Error("cache clear failed", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.hits, c.misses, c.sets = 0, 0, 0
	c.mu.Unlock()
}

// GetOrSet returns the cached value for key, or invokes factory on a miss,
// caches its result, and returns it. A factory error propagates unchanged
// and nothing is cached.
func (c *RequestCache) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory Factory) (any, error) {
	if value, ok := c.Get(ctx, key); ok {
		return value, nil
	}

	value, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	c.Set(ctx, key, value, ttl)
	return value, nil
}

// Cached wraps fn so its results are cached under prefix, keyed by the
// call arguments. The returned function is a drop-in replacement for fn.
func (c *RequestCache) Cached(prefix string, ttl time.Duration, fn KeyedFactory) KeyedFactory {
	return func(ctx context.Context, args ...any) (any, error) {
		key := BuildKey(prefix, args, nil)
		return c.GetOrSet(ctx, key, ttl, func(ctx context.Context) (any, error) {
			return fn(ctx, args...)
		})
	}
}

// HitRatio returns hits/(hits+misses), or 0 before any traffic.
// It satisfies the monitor's hit-ratio source contract.
func (c *RequestCache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Stats returns a snapshot of counters plus the underlying store stats.
func (c *RequestCache) Stats(ctx context.Context) RequestCacheStats {
	c.mu.Lock()
	hits, misses, sets := c.hits, c.misses, c.sets
	c.mu.Unlock()

	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return RequestCacheStats{
		HitCount:      hits,
		MissCount:     misses,
		SetCount:      sets,
		TotalRequests: total,
		HitRatio:      ratio,
		Store:         c.store.Stats(ctx),
	}
}

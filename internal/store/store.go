// Package store provides the key-value stores underneath the cache layers.
//
// Two backends are available:
//   - MemoryStore — in-process TTL store with bounded size and least-used
//     eviction. The default; all cache-layer semantics are defined on it.
//   - RedisStore  — Redis-backed, for deployments where cached responses
//     should be shared across replicas.
//
// Both implement the Store interface so they are interchangeable wherever a
// layer only needs Get/Set/Delete/Clear/Exists.
package store

import (
	"context"
	"time"
)

// Store is the contract shared by all backends.
//
// Get returns (nil, false) on a miss; expired entries count as misses and
// may be removed lazily. Set with ttl == 0 uses the store's default TTL;
// ttl < 0 stores a never-expiring entry.
type Store interface {
	Get(ctx context.Context, key string) (any, bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Exists(ctx context.Context, key string) bool
	Stats(ctx context.Context) Stats
}

// Stats is a point-in-time snapshot of a store's contents.
type Stats struct {
	Type             string
	TotalItems       int
	ActiveItems      int
	ExpiredItems     int
	MaxSize          int
	UsageRatio       float64
	TotalAccessCount int64
	DefaultTTL       time.Duration
}

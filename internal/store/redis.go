package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisStore is a Redis-backed Store for deployments where cached LLM
// responses should be shared across replicas. Values must be string or
// []byte; Get returns them as string.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error so callers never fail because the
//     cache layer is down.
//   - Delete returns the underlying error so callers can log/handle it.
//
// Keys are namespaced under a fixed prefix so Clear only touches this
// store's entries. Access-count bookkeeping and least-used eviction are
// MemoryStore concerns; Redis handles expiry and memory policy itself,
// so Stats reports only what Redis can answer cheaply.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	defaultTTL   time.Duration
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns
// the client lifecycle (creation and Close).
func NewRedisStoreFromClient(cli *redis.Client, prefix string, defaultTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "llmcache"
	}
	return &RedisStore{
		client:       cli,
		prefix:       prefix,
		defaultTTL:   defaultTTL,
		queryTimeout: defaultQueryTimeout,
	}
}

// NewRedisStoreFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL, prefix string, defaultTTL time.Duration) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return NewRedisStoreFromClient(cli, prefix, defaultTTL), nil
}

func (s *RedisStore) key(k string) string { return s.prefix + ":" + k }

// Get retrieves the value for key. Returns (value, true) on a hit and
// (nil, false) on a miss or any Redis error. Errors are logged at WARN.
func (s *RedisStore) Get(ctx context.Context, key string) (any, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "redis_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL (store default when ttl is
// 0, no expiry when negative). Non-string values are rejected; Redis
// errors are swallowed so the caller's request still succeeds.
func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	var payload string
	switch v := value.(type) {
	case string:
		payload = v
	case []byte:
		payload = string(v)
	default:
		return fmt.Errorf("store: redis backend requires string or []byte values, got %T", value)
	}

	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < 0 {
		ttl = 0 // redis: 0 = no expiry
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "redis_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // degrade gracefully
}

// Delete removes key. Returns the underlying error so callers can decide
// how to handle it.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store: DEL %s: %w", key, err)
	}

	return nil
}

// Clear removes every key under this store's prefix using SCAN so it never
// blocks Redis the way FLUSHDB would.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("store: clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store: clear scan: %w", err)
	}
	return nil
}

// Exists reports whether key is present. Errors count as absent.
func (s *RedisStore) Exists(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return err == nil && n > 0
}

// Stats counts this store's keys. Access counts live in Redis's own LFU
// bookkeeping, not here, so TotalAccessCount is always zero.
func (s *RedisStore) Stats(ctx context.Context) Stats {
	var total int
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		total++
	}

	return Stats{
		Type:        "redis",
		TotalItems:  total,
		ActiveItems: total, // redis expires keys itself
		DefaultTTL:  s.defaultTTL,
	}
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

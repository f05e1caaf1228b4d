package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// entry is one cached value together with its bookkeeping fields.
// Owned exclusively by the MemoryStore holding it.
type entry struct {
	value          any
	createdAt      time.Time
	lastAccessedAt time.Time
	expiresAt      time.Time // zero = never expires
	accessCount    int64
	ttl            time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a bounded in-process TTL store.
//
// It is safe for concurrent use: every operation serializes through a single
// mutex, so no read ever observes a partially applied write. Expiry is lazy —
// an expired entry is logically absent and is deleted the next time a read
// touches it. A background sweep additionally removes expired entries on a
// fixed interval so unread keys cannot accumulate; correctness never depends
// on sweep timing.
//
// When the store is full, inserting a new key evicts exactly one entry: the
// one with the lowest access count, ties broken by oldest last access, then
// oldest creation, then smallest key.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*entry

	defaultTTL time.Duration
	maxSize    int

	sweepEvery time.Duration
	now        func() time.Time
	log        *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source. Tests use this to control expiry.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithSweepInterval overrides the background sweep interval.
// An interval <= 0 disables the sweep entirely (lazy expiry still applies).
func WithSweepInterval(d time.Duration) Option {
	return func(s *MemoryStore) { s.sweepEvery = d }
}

// WithLogger overrides the logger used for sweep/eviction debug output.
func WithLogger(log *slog.Logger) Option {
	return func(s *MemoryStore) { s.log = log }
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
// The sweep goroutine stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, defaultTTL time.Duration, maxSize int, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		items:      make(map[string]*entry),
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		sweepEvery: defaultSweepInterval,
		now:        time.Now,
		log:        slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.sweepEvery > 0 {
		go s.sweep(ctx)
	}

	return s
}

// Get returns the value for key, bumping its access count and last-access
// time. Missing and expired keys return (nil, false); expired entries are
// deleted on the way out.
func (s *MemoryStore) Get(_ context.Context, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil, false
	}

	now := s.now()
	if e.expired(now) {
		delete(s.items, key)
		return nil, false
	}

	e.accessCount++
	e.lastAccessedAt = now

	return e.value, true
}

// Set stores value under key. A ttl of 0 uses the store default; a negative
// ttl stores a never-expiring entry. If the store is full and key is new,
// one entry is evicted first so the size bound always holds.
func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl == 0 {
		ttl = s.defaultTTL
	}

	if len(s.items) >= s.maxSize {
		if _, exists := s.items[key]; !exists {
			s.evictLeastUsed()
		}
	}

	now := s.now()
	e := &entry{
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
		ttl:            ttl,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.items[key] = e

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.items = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live (non-expired) entry.
// Like Get, it counts as an access.
func (s *MemoryStore) Exists(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

// Stats returns a snapshot of the store's contents. Entries that have
// expired but not yet been swept are reported in ExpiredItems.
func (s *MemoryStore) Stats(_ context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var expired int
	var accesses int64
	for _, e := range s.items {
		if e.expired(now) {
			expired++
		}
		accesses += e.accessCount
	}

	total := len(s.items)
	return Stats{
		Type:             "memory",
		TotalItems:       total,
		ActiveItems:      total - expired,
		ExpiredItems:     expired,
		MaxSize:          s.maxSize,
		UsageRatio:       float64(total) / float64(s.maxSize),
		TotalAccessCount: accesses,
		DefaultTTL:       s.defaultTTL,
	}
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// evictLeastUsed removes the entry with the lowest access count, breaking
// ties by oldest last access, then oldest creation, then smallest key.
// Caller must hold s.mu.
func (s *MemoryStore) evictLeastUsed() {
	if len(s.items) == 0 {
		return
	}

	var victimKey string
	var victim *entry
	for k, e := range s.items {
		if victim == nil || less(e, k, victim, victimKey) {
			victimKey, victim = k, e
		}
	}

	delete(s.items, victimKey)
	s.log.Debug("evicted least-used entry", slog.String("key", victimKey))
}

// less orders eviction candidates. The full comparison chain makes the
// victim deterministic regardless of map iteration order.
func less(a *entry, aKey string, b *entry, bKey string) bool {
	if a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
		return a.lastAccessedAt.Before(b.lastAccessedAt)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return aKey < bKey
}

// sweep periodically removes all expired entries.
func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
			removed++
		}
	}

	if removed > 0 {
		s.log.Debug("swept expired entries", slog.Int("removed", removed))
	}
}

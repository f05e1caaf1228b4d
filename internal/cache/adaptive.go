package cache

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/storyforge/llmcache/internal/monitor"
	"github.com/storyforge/llmcache/internal/store"
)

// Strategy selects how the adaptive cache scales TTLs.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"   // hold entries twice as long
	StrategyBalanced     Strategy = "balanced"     // use TTLs as requested
	StrategyConservative Strategy = "conservative" // halve every TTL
	StrategyAdaptive     Strategy = "adaptive"     // self-tune from monitor feedback
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAggressive, StrategyBalanced, StrategyConservative, StrategyAdaptive:
		return true
	}
	return false
}

// AdaptiveConfig is immutable after construction and owned by one
// AdaptiveCache instance.
type AdaptiveConfig struct {
	Strategy Strategy

	BaseTTL time.Duration // used when callers pass no TTL
	MaxTTL  time.Duration // every effective TTL is clamped into
	MinTTL  time.Duration // [MinTTL, MaxTTL]

	HitRatioThreshold       float64       // grow TTLs below this hit ratio
	ResponseTimeThreshold   time.Duration // grow TTLs when generation is slower
	MemoryPressureThreshold float64       // shrink TTLs above this memory fraction (0..1)
}

// DefaultAdaptiveConfig returns the balanced baseline configuration.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Strategy:                StrategyBalanced,
		BaseTTL:                 time.Hour,
		MaxTTL:                  24 * time.Hour,
		MinTTL:                  5 * time.Minute,
		HitRatioThreshold:       0.8,
		ResponseTimeThreshold:   2 * time.Second,
		MemoryPressureThreshold: 0.8,
	}
}

// Bounds on the self-tuned multiplier.
const (
	minMultiplier = 0.1
	maxMultiplier = 5.0

	defaultAdjustInterval = 5 * time.Minute
)

// PerformanceSource supplies the monitor summary the adaptive strategy
// tunes against. *monitor.PerformanceMonitor satisfies it.
type PerformanceSource interface {
	Summary() monitor.Summary
}

// AdaptiveCache wraps a store and rescales every TTL by a multiplier.
// Fixed strategies map to fixed multipliers; the adaptive strategy retunes
// its multiplier from the performance monitor's summary, opportunistically
// on reads, at most once per adjustment interval.
//
// The retune is not atomic with concurrent Sets from other goroutines;
// multiplier drift under heavy concurrency is tolerated — the loop
// converges, it does not promise strict consistency.
type AdaptiveCache struct {
	cfg   AdaptiveConfig
	store store.Store
	perf  PerformanceSource // nil disables self-tuning
	log   *slog.Logger

	adjustEvery time.Duration
	now         func() time.Time

	mu         sync.Mutex
	hits       int64
	misses     int64
	multiplier float64
	lastAdjust time.Time
}

// AdaptiveStats is a snapshot of the adaptive layer plus its store.
type AdaptiveStats struct {
	Strategy      Strategy
	HitCount      int64
	MissCount     int64
	TotalRequests int64
	HitRatio      float64
	Multiplier    float64
	BaseTTL       time.Duration
	MinTTL        time.Duration
	MaxTTL        time.Duration
	Store         store.Stats
}

// AdaptiveOption configures an AdaptiveCache.
type AdaptiveOption func(*AdaptiveCache)

// WithAdjustInterval overrides how often the adaptive strategy may retune.
func WithAdjustInterval(d time.Duration) AdaptiveOption {
	return func(c *AdaptiveCache) { c.adjustEvery = d }
}

// WithAdaptiveClock overrides the time source.
func WithAdaptiveClock(now func() time.Time) AdaptiveOption {
	return func(c *AdaptiveCache) { c.now = now }
}

// NewAdaptiveCache creates an AdaptiveCache over s. perf may be nil, in
// which case the adaptive strategy never adjusts (it keeps multiplier 1.0).
func NewAdaptiveCache(cfg AdaptiveConfig, s store.Store, perf PerformanceSource, log *slog.Logger, opts ...AdaptiveOption) *AdaptiveCache {
	if log == nil {
		log = slog.Default()
	}
	c := &AdaptiveCache{
		cfg:         cfg,
		store:       s,
		perf:        perf,
		log:         log,
		adjustEvery: defaultAdjustInterval,
		now:         time.Now,
		multiplier:  1.0,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastAdjust = c.now()
	return c
}

// Get returns the cached value for key, counting the outcome and possibly
// triggering a self-tuning pass.
func (c *AdaptiveCache) Get(ctx context.Context, key string) (any, bool) {
	value, ok := c.store.Get(ctx, key)

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	c.maybeAdjust()

	return value, ok
}

// Set stores value under the effective TTL: the requested TTL (or BaseTTL
// when ttl is 0) scaled by the current multiplier and clamped into
// [MinTTL, MaxTTL]. The clamp holds for every write regardless of how far
// the multiplier has drifted.
func (c *AdaptiveCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.store.Set(ctx, key, value, c.EffectiveTTL(ttl))
}

// Delete removes key from the underlying store.
func (c *AdaptiveCache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Clear empties the store and resets the hit/miss counters.
func (c *AdaptiveCache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.hits, c.misses = 0, 0
	c.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live entry.
func (c *AdaptiveCache) Exists(ctx context.Context, key string) bool {
	return c.store.Exists(ctx, key)
}

// EffectiveTTL computes the TTL a Set with the requested value would use.
func (c *AdaptiveCache) EffectiveTTL(requested time.Duration) time.Duration {
	base := requested
	if base <= 0 {
		base = c.cfg.BaseTTL
	}

	var mult float64
	switch c.cfg.Strategy {
	case StrategyAggressive:
		mult = 2.0
	case StrategyConservative:
		mult = 0.5
	case StrategyAdaptive:
		mult = c.Multiplier()
	default: // balanced
		mult = 1.0
	}

	ttl := time.Duration(float64(base) * mult)
	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

// Multiplier returns the current TTL multiplier.
func (c *AdaptiveCache) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// maybeAdjust retunes the multiplier when the strategy is adaptive, the
// adjustment interval has elapsed, traffic exists, and the monitor has
// healthy data. The factors compose multiplicatively in a fixed order:
// hit ratio, then response time, then memory pressure.
func (c *AdaptiveCache) maybeAdjust() {
	if c.cfg.Strategy != StrategyAdaptive || c.perf == nil {
		return
	}

	now := c.now()

	c.mu.Lock()
	if now.Sub(c.lastAdjust) < c.adjustEvery {
		c.mu.Unlock()
		return
	}
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	total := hits + misses
	if total == 0 {
		return
	}

	summary := c.perf.Summary()
	if !summary.Healthy() {
		return
	}

	hitRatio := float64(hits) / float64(total)
	memFraction := summary.MemoryPercent / 100

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.multiplier

	switch {
	case hitRatio < c.cfg.HitRatioThreshold:
		// Misses are costly; cache longer.
		c.multiplier *= 1.2
	case hitRatio > 0.95:
		// Over-provisioned; shrink to save memory.
		c.multiplier *= 0.9
	}

	if summary.AvgResponseTime > c.cfg.ResponseTimeThreshold {
		c.multiplier *= 1.1
	}

	if memFraction > c.cfg.MemoryPressureThreshold {
		c.multiplier *= 0.8
	}

	c.multiplier = math.Max(minMultiplier, math.Min(maxMultiplier, c.multiplier))
	c.lastAdjust = now

	if math.Abs(c.multiplier-old) > 0.1 {
		c.log.Info("adaptive ttl multiplier adjusted",
			slog.Float64("from", old),
			slog.Float64("to", c.multiplier),
			slog.Float64("hit_ratio", hitRatio),
			slog.Duration("avg_response_time", summary.AvgResponseTime),
			slog.Float64("memory_percent", summary.MemoryPercent),
		)
	}
}

// Stats returns a snapshot of the adaptive layer and its store.
func (c *AdaptiveCache) Stats(ctx context.Context) AdaptiveStats {
	c.mu.Lock()
	hits, misses, mult := c.hits, c.misses, c.multiplier
	c.mu.Unlock()

	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return AdaptiveStats{
		Strategy:      c.cfg.Strategy,
		HitCount:      hits,
		MissCount:     misses,
		TotalRequests: total,
		HitRatio:      ratio,
		Multiplier:    mult,
		BaseTTL:       c.cfg.BaseTTL,
		MinTTL:        c.cfg.MinTTL,
		MaxTTL:        c.cfg.MaxTTL,
		Store:         c.store.Stats(ctx),
	}
}

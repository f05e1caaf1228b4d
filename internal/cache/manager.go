package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/llmcache/internal/concurrency"
	"github.com/storyforge/llmcache/internal/genlog"
	"github.com/storyforge/llmcache/internal/metrics"
	"github.com/storyforge/llmcache/internal/monitor"
	"github.com/storyforge/llmcache/pkg/capacity"
)

// Generator produces a response for a prompt. It is supplied by the
// caller and may perform network I/O; it should honor ctx.
type Generator func(ctx context.Context, prompt string) (string, error)

// WarmupFunc pre-populates the cache for one warm-up pattern.
type WarmupFunc func(ctx context.Context, pattern string) error

// GenerateOptions tune one GetOrGenerate call. The zero value caches
// normally with the task-type default TTL.
type GenerateOptions struct {
	// SkipCache bypasses both the lookup and the store.
	SkipCache bool

	// Provider names the upstream the generator talks to; it scopes the
	// admission slot and is recorded in request metrics.
	Provider string

	// TTL overrides the task-type default when > 0.
	TTL time.Duration

	// Params distinguish cache entries beyond task type and prompt.
	Params LLMParams
}

// SmartCacheManager is the façade external callers use: cache-or-generate
// with admission control and request tracking, cache warm-up, and
// aggregate statistics.
//
// The monitor, limiter, metrics registry, and generation logger are all
// optional — a nil field simply disables that concern.
type SmartCacheManager struct {
	llm     *LLMResponseCache
	mon     *monitor.PerformanceMonitor
	limiter *concurrency.Manager
	prom    *metrics.Registry
	genLog  *genlog.Logger
	log     *slog.Logger

	warmupEnabled  bool
	warmupPatterns []string
	warmer         WarmupFunc

	now func() time.Time
}

// ManagerOption configures a SmartCacheManager.
type ManagerOption func(*SmartCacheManager)

// WithMonitor wires request tracking.
func WithMonitor(mon *monitor.PerformanceMonitor) ManagerOption {
	return func(m *SmartCacheManager) { m.mon = mon }
}

// WithLimiter wires admission control around generator invocations.
func WithLimiter(limiter *concurrency.Manager) ManagerOption {
	return func(m *SmartCacheManager) { m.limiter = limiter }
}

// WithMetrics wires the Prometheus registry.
func WithMetrics(prom *metrics.Registry) ManagerOption {
	return func(m *SmartCacheManager) { m.prom = prom }
}

// WithGenerationLog wires the batched per-generation logger.
func WithGenerationLog(gl *genlog.Logger) ManagerOption {
	return func(m *SmartCacheManager) { m.genLog = gl }
}

// WithWarmup configures the warm-up patterns and the function that
// pre-populates each one. fn may be nil; warm-up then only logs.
func WithWarmup(patterns []string, fn WarmupFunc) ManagerOption {
	return func(m *SmartCacheManager) {
		m.warmupEnabled = true
		m.warmupPatterns = patterns
		m.warmer = fn
	}
}

// NewSmartCacheManager creates the façade over llm.
func NewSmartCacheManager(llm *LLMResponseCache, log *slog.Logger, opts ...ManagerOption) *SmartCacheManager {
	if log == nil {
		log = slog.Default()
	}
	m := &SmartCacheManager{
		llm: llm,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrGenerate returns a cached response for (taskType, prompt, params),
// or invokes generate on a miss, caches the result, and returns it.
//
// A cache hit returns immediately — no generator invocation, no timing
// side effects beyond the hit counter. Generator failures propagate
// unchanged, are never cached, and are never retried here; capacity
// rejections from admission control are distinguishable via
// capacity.IsCapacity.
func (m *SmartCacheManager) GetOrGenerate(ctx context.Context, taskType, prompt string, generate Generator, opts GenerateOptions) (string, error) {
	if !opts.SkipCache {
		if resp, ok := m.llm.Response(ctx, taskType, prompt, opts.Params); ok {
			m.log.Debug("cache hit", slog.String("task_type", taskType))
			if m.prom != nil {
				m.prom.CacheGetHit()
			}
			m.logGeneration(taskType, opts.Provider, prompt, true, true, 0)
			return resp, nil
		}
		if m.prom != nil {
			m.prom.CacheGetMiss()
		}
	} else if m.prom != nil {
		m.prom.CacheGetBypass()
	}

	requestID := taskType + "_" + uuid.NewString()

	// Admission: may block until a slot frees, or reject immediately when
	// the queue is at capacity.
	release := func(error) {}
	if m.limiter != nil {
		var err error
		release, err = m.limiter.AcquireRequestSlot(ctx, opts.Provider, requestID)
		if err != nil {
			if m.prom != nil {
				if capacity.IsCapacity(err) {
					m.prom.RecordAdmission("rejected")
				} else {
					m.prom.RecordAdmission("cancelled")
				}
			}
			return "", err
		}
		if m.prom != nil {
			m.prom.RecordAdmission("acquired")
		}
	}

	// The slot must free on every exit path, a panicking generator
	// included. genErr starts non-nil so a panic unwinds as a failure.
	genErr := errors.New("generation aborted")
	defer func() { release(genErr) }()

	var scope *monitor.RequestScope
	if m.mon != nil {
		scope = m.mon.TrackRequest(taskType, opts.Provider)
		defer scope.Close()
	}
	if m.prom != nil {
		m.prom.IncInFlight()
		defer m.prom.DecInFlight()
	}

	start := m.now()
	result, err := generate(ctx, prompt)
	elapsed := m.now().Sub(start)

	if scope != nil {
		scope.End(err)
	}
	genErr = err

	if m.prom != nil {
		m.prom.ObserveGeneration(taskType, err == nil, elapsed)
	}
	m.logGeneration(taskType, opts.Provider, prompt, false, err == nil, elapsed)

	if err != nil {
		m.log.Error("generation failed",
			slog.String("task_type", taskType),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	if !opts.SkipCache {
		if cacheErr := m.llm.StoreResponse(ctx, taskType, prompt, result, opts.TTL, opts.Params); cacheErr != nil {
			// Fail-open: the caller still gets the freshly generated result.
			m.log.Error("caching generated response failed",
				slog.String("task_type", taskType),
				slog.String("error", cacheErr.Error()),
			)
			if m.prom != nil {
				m.prom.CacheSetError()
			}
		} else if m.prom != nil {
			m.prom.CacheSetOK()
		}
	}

	if m.prom != nil {
		m.prom.SetTTLMultiplier(m.llm.Multiplier())
	}

	m.log.Info("generation complete",
		slog.String("task_type", taskType),
		slog.Duration("elapsed", elapsed),
	)

	return result, nil
}

func (m *SmartCacheManager) logGeneration(taskType, provider, prompt string, cached, success bool, latency time.Duration) {
	if m.genLog == nil {
		return
	}
	m.genLog.Log(genlog.Record{
		ID:         uuid.New(),
		TaskType:   taskType,
		Provider:   provider,
		PromptHash: hashString(prompt)[:8],
		Cached:     cached,
		Success:    success,
		LatencyMs:  latency.Milliseconds(),
		CreatedAt:  m.now(),
	})
}

// WarmupCache pre-populates the cache for the given patterns (the
// configured defaults when patterns is empty). Each pattern is best-effort:
// a failure is logged and the remaining patterns still run.
func (m *SmartCacheManager) WarmupCache(ctx context.Context, patterns []string) {
	if !m.warmupEnabled {
		return
	}
	if len(patterns) == 0 {
		patterns = m.warmupPatterns
	}

	m.log.Info("cache warmup starting", slog.Int("patterns", len(patterns)))

	for _, pattern := range patterns {
		if m.warmer == nil {
			m.log.Debug("warmup pattern skipped, no warmer configured", slog.String("pattern", pattern))
			continue
		}
		if err := m.warmer(ctx, pattern); err != nil {
			m.log.Error("warmup pattern failed",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()),
			)
		}
	}

	m.log.Info("cache warmup complete")
}

// CachePerformance is the aggregate statistics snapshot returned by
// the manager for observability endpoints.
type CachePerformance struct {
	LLMCache       AdaptiveStats `json:"llm_cache"`
	WarmupEnabled  bool          `json:"warmup_enabled"`
	WarmupPatterns []string      `json:"warmup_patterns"`
	Timestamp      time.Time     `json:"timestamp"`
}

// GetCachePerformance merges LLM-cache stats with the warm-up
// configuration.
func (m *SmartCacheManager) GetCachePerformance(ctx context.Context) CachePerformance {
	return CachePerformance{
		LLMCache:       m.llm.Stats(ctx),
		WarmupEnabled:  m.warmupEnabled,
		WarmupPatterns: m.warmupPatterns,
		Timestamp:      m.now(),
	}
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/storyforge/llmcache/internal/cache"
	"github.com/storyforge/llmcache/internal/concurrency"
	"github.com/storyforge/llmcache/internal/genlog"
	"github.com/storyforge/llmcache/internal/metrics"
	"github.com/storyforge/llmcache/internal/monitor"
	"github.com/storyforge/llmcache/internal/store"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// hitRatioProxy defers the monitor's cache binding until the LLM cache
// exists. Monitor and cache reference each other, so one side binds late.
type hitRatioProxy struct{ a *App }

func (p hitRatioProxy) HitRatio() float64 {
	if p.a.llm == nil {
		return 0
	}
	return p.a.llm.HitRatio()
}

// initServices creates the backing store, the cache stack, the performance
// monitor, admission control, metrics, and the generation log.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.rdStore = store.NewRedisStoreFromClient(a.rdb, "llmcache", a.cfg.Cache.DefaultTTL)
		a.backing = a.rdStore
		a.log.Info("store backend: redis")

	case "memory":
		a.memStore = store.NewMemoryStore(ctx, a.cfg.Cache.DefaultTTL, a.cfg.Cache.MaxSize,
			store.WithLogger(a.log),
		)
		a.backing = a.memStore
		a.log.Info("store backend: memory (in-process)",
			slog.Int("max_size", a.cfg.Cache.MaxSize),
		)

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.reqCache = cache.NewRequestCache(a.backing, a.log)

	// The generation layer gets its own store so its long-lived entries
	// neither share an eviction pool with request entries nor vanish on
	// an adaptive-cache Clear.
	switch a.cfg.Cache.Mode {
	case "redis":
		a.genCache = cache.NewGenerationCache(
			store.NewRedisStoreFromClient(a.rdb, "llmcache:gen", cache.GenerationDefaultTTL), a.log)
	default:
		a.genStore = store.NewMemoryStore(ctx, cache.GenerationDefaultTTL, cache.GenerationMaxEntries,
			store.WithLogger(a.log),
		)
		a.genCache = cache.NewGenerationCache(a.genStore, a.log)
	}

	a.mon = monitor.New(
		monitor.WithInterval(a.cfg.Monitor.Interval),
		monitor.WithMaxHistory(a.cfg.Monitor.MaxHistory),
		monitor.WithThresholds(monitor.Thresholds{
			CPUPercent:    a.cfg.Monitor.CPUPercent,
			MemoryPercent: a.cfg.Monitor.MemoryPercent,
			ErrorRate:     a.cfg.Monitor.ErrorRate,
		}),
		monitor.WithHitRatioSource(hitRatioProxy{a}),
		monitor.WithLogger(a.log),
	)

	adaptive := cache.NewAdaptiveCache(cache.AdaptiveConfig{
		Strategy:                cache.Strategy(a.cfg.Adaptive.Strategy),
		BaseTTL:                 a.cfg.Adaptive.BaseTTL,
		MaxTTL:                  a.cfg.Adaptive.MaxTTL,
		MinTTL:                  a.cfg.Adaptive.MinTTL,
		HitRatioThreshold:       a.cfg.Adaptive.HitRatioThreshold,
		ResponseTimeThreshold:   a.cfg.Adaptive.ResponseTimeThreshold,
		MemoryPressureThreshold: a.cfg.Adaptive.MemoryPressureThreshold,
	}, a.backing, a.mon, a.log)

	a.llm = cache.NewLLMResponseCache(adaptive, a.log)

	a.limiter = concurrency.New(
		a.cfg.Concurrency.MaxConcurrentRequests,
		a.cfg.Concurrency.MaxConcurrentPerProvider,
		a.cfg.Concurrency.MaxQueueSize,
		concurrency.WithLogger(a.log),
	)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Threshold alerts feed the alert counter.
	a.removeAlert = a.mon.AddAlertCallback(func(message string, _ monitor.Sample) {
		a.prom.RecordAlert(alertKind(message))
	})

	gl, err := genlog.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("genlog: %w", err)
	}
	a.genLog = gl

	return nil
}

// initManager wires together the cache-or-generate façade.
func (a *App) initManager(_ context.Context) error {
	opts := []cache.ManagerOption{
		cache.WithMonitor(a.mon),
		cache.WithLimiter(a.limiter),
		cache.WithMetrics(a.prom),
		cache.WithGenerationLog(a.genLog),
	}

	if a.cfg.Warmup.Enabled {
		opts = append(opts, cache.WithWarmup(a.cfg.Warmup.Patterns, a.warmupPattern))
		a.log.Info("cache warmup enabled", slog.Int("patterns", len(a.cfg.Warmup.Patterns)))
	}

	a.mgr = cache.NewSmartCacheManager(a.llm, a.log, opts...)

	return nil
}

// warmupPattern pre-generates one pattern through the regular
// cache-or-generate path so warmed entries get normal TTL treatment.
func (a *App) warmupPattern(ctx context.Context, pattern string) error {
	if a.generator == nil {
		return nil
	}
	_, err := a.mgr.GetOrGenerate(ctx, "concept_expansion", pattern, a.generator, cache.GenerateOptions{})
	return err
}

// alertKind maps an alert message to a stable metric label.
func alertKind(message string) string {
	switch {
	case len(message) >= 3 && message[:3] == "cpu":
		return "cpu"
	case len(message) >= 6 && message[:6] == "memory":
		return "memory"
	default:
		return "error_rate"
	}
}

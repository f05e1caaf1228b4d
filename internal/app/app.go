// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initServices — store, caches, monitor, admission, metrics
//  3. initManager  — the cache-or-generate façade
//  4. initRoutes   — management HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/storyforge/llmcache/internal/cache"
	"github.com/storyforge/llmcache/internal/concurrency"
	"github.com/storyforge/llmcache/internal/config"
	"github.com/storyforge/llmcache/internal/genlog"
	"github.com/storyforge/llmcache/internal/metrics"
	"github.com/storyforge/llmcache/internal/monitor"
	"github.com/storyforge/llmcache/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	backing  store.Store
	memStore *store.MemoryStore
	rdStore  *store.RedisStore
	genStore *store.MemoryStore

	reqCache *cache.RequestCache
	genCache *cache.GenerationCache
	llm      *cache.LLMResponseCache

	mon     *monitor.PerformanceMonitor
	limiter *concurrency.Manager
	prom    *metrics.Registry
	genLog  *genlog.Logger

	mgr *cache.SmartCacheManager

	generator   cache.Generator
	removeAlert func()

	srv *fasthttp.Server
}

// Option configures optional App collaborators.
type Option func(*App)

// WithGenerator supplies the function invoked on cache misses. Without it
// GetOrGenerate is unusable and warm-up is a no-op, but the management
// surface still runs.
func WithGenerator(gen cache.Generator) Option {
	return func(a *App) { a.generator = gen }
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string, opts ...Option) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, log: log}
	for _, opt := range opts {
		opt(a)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"manager", a.initManager},
		{"routes", a.initRoutes},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Manager exposes the cache-or-generate façade for embedding callers.
func (a *App) Manager() *cache.SmartCacheManager { return a.mgr }

// Monitor exposes the performance monitor.
func (a *App) Monitor() *monitor.PerformanceMonitor { return a.mon }

// Limiter exposes the admission controller.
func (a *App) Limiter() *concurrency.Manager { return a.limiter }

// Requests exposes the generic request cache.
func (a *App) Requests() *cache.RequestCache { return a.reqCache }

// Generations exposes the content-generation cache.
func (a *App) Generations() *cache.GenerationCache { return a.genCache }

// Run starts the monitor and the management HTTP server, then blocks until
// ctx is cancelled or a server error occurs.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.ManagementPort)

	a.log.Info("starting llmcache",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("strategy", a.cfg.Adaptive.Strategy),
	)

	a.mon.Start(ctx)

	if a.cfg.Warmup.Enabled {
		go a.mgr.WarmupCache(ctx, nil)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.removeAlert != nil {
		a.removeAlert()
		a.removeAlert = nil
	}
	if a.genLog != nil {
		if err := a.genLog.Close(); err != nil {
			a.log.Error("generation log close error", slog.String("error", err.Error()))
		}
		a.genLog = nil
	}
	if a.mon != nil {
		a.mon.Stop()
		a.mon = nil
	}
	if a.genStore != nil {
		a.genStore.Close()
		a.genStore = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.rdStore != nil {
		a.rdStore.Close()
		a.rdStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

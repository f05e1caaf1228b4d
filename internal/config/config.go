// Package config loads and validates all runtime configuration for the
// cache daemon.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CACHE_MODE becomes cache_mode
// in YAML.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// store with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// ManagementPort is the TCP port the management HTTP server (metrics,
	// health, stats) listens on. Default: 9090.
	ManagementPort int

	// Cache controls the backing store.
	Cache CacheConfig

	// Redis holds the connection URL for the Redis-backed store.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Adaptive controls TTL adaptation for the LLM response cache.
	Adaptive AdaptiveConfig

	// Monitor controls performance sampling and alert thresholds.
	Monitor MonitorConfig

	// Concurrency controls generation admission limits.
	Concurrency ConcurrencyConfig

	// Warmup controls cache pre-population at startup.
	Warmup WarmupConfig
}

// CacheConfig controls the backing store.
type CacheConfig struct {
	// Mode selects the store backend:
	//   "redis"  — Redis-backed store (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL store. No external deps.
	// Default: "memory".
	Mode string

	// DefaultTTL is the fallback time-to-live for entries stored without an
	// explicit TTL. Default: 1h.
	DefaultTTL time.Duration

	// MaxSize caps the number of entries in the in-memory store. When full,
	// the least-used entry is evicted per insert. Default: 1000.
	MaxSize int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// AdaptiveConfig controls TTL adaptation.
type AdaptiveConfig struct {
	// Strategy is one of: aggressive, balanced, conservative, adaptive.
	// Default: "adaptive".
	Strategy string

	// BaseTTL is the TTL entries get before the multiplier. Default: 2h.
	BaseTTL time.Duration

	// MaxTTL / MinTTL clamp every effective TTL. Defaults: 24h / 10m.
	MaxTTL time.Duration
	MinTTL time.Duration

	// HitRatioThreshold — below it, TTLs grow. Default: 0.8.
	HitRatioThreshold float64

	// ResponseTimeThreshold — average latency above it grows TTLs. Default: 2s.
	ResponseTimeThreshold time.Duration

	// MemoryPressureThreshold — memory fraction above it shrinks TTLs.
	// Default: 0.8.
	MemoryPressureThreshold float64
}

// MonitorConfig controls the performance monitor.
type MonitorConfig struct {
	// Interval between system samples. Default: 30s.
	Interval time.Duration

	// MaxHistory caps the retained sample history. Default: 1000.
	MaxHistory int

	// Alert thresholds. Defaults: 80% CPU, 85% memory, 0.1 error rate.
	CPUPercent    float64
	MemoryPercent float64
	ErrorRate     float64
}

// ConcurrencyConfig controls admission limits.
type ConcurrencyConfig struct {
	// MaxConcurrentRequests is the global concurrency budget. Default: 5.
	MaxConcurrentRequests int64

	// MaxConcurrentPerProvider bounds each provider separately. Default: 2.
	MaxConcurrentPerProvider int64

	// MaxQueueSize bounds how many callers may wait for a slot before new
	// requests are rejected outright. Default: 100.
	MaxQueueSize int
}

// WarmupConfig controls startup cache pre-population.
type WarmupConfig struct {
	// Enabled turns warm-up on. Default: false.
	Enabled bool

	// Patterns is the list of warm-up patterns to pre-populate.
	Patterns []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MANAGEMENT_PORT", 9090)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_DEFAULT_TTL", "1h")
	v.SetDefault("CACHE_MAX_SIZE", 1000)

	// Adaptive TTL defaults.
	v.SetDefault("ADAPTIVE_STRATEGY", "adaptive")
	v.SetDefault("ADAPTIVE_BASE_TTL", "2h")
	v.SetDefault("ADAPTIVE_MAX_TTL", "24h")
	v.SetDefault("ADAPTIVE_MIN_TTL", "10m")
	v.SetDefault("ADAPTIVE_HIT_RATIO_THRESHOLD", 0.8)
	v.SetDefault("ADAPTIVE_RESPONSE_TIME_THRESHOLD", "2s")
	v.SetDefault("ADAPTIVE_MEMORY_PRESSURE_THRESHOLD", 0.8)

	// Monitor defaults.
	v.SetDefault("MONITOR_INTERVAL", "30s")
	v.SetDefault("MONITOR_MAX_HISTORY", 1000)
	v.SetDefault("MONITOR_CPU_THRESHOLD", 80.0)
	v.SetDefault("MONITOR_MEMORY_THRESHOLD", 85.0)
	v.SetDefault("MONITOR_ERROR_RATE_THRESHOLD", 0.1)

	// Concurrency defaults.
	v.SetDefault("MAX_CONCURRENT_REQUESTS", 5)
	v.SetDefault("MAX_CONCURRENT_PER_PROVIDER", 2)
	v.SetDefault("MAX_QUEUE_SIZE", 100)

	// Warm-up disabled by default.
	v.SetDefault("WARMUP_ENABLED", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		ManagementPort: v.GetInt("MANAGEMENT_PORT"),

		Cache: CacheConfig{
			Mode:       strings.ToLower(v.GetString("CACHE_MODE")),
			DefaultTTL: v.GetDuration("CACHE_DEFAULT_TTL"),
			MaxSize:    v.GetInt("CACHE_MAX_SIZE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Adaptive: AdaptiveConfig{
			Strategy:                strings.ToLower(v.GetString("ADAPTIVE_STRATEGY")),
			BaseTTL:                 v.GetDuration("ADAPTIVE_BASE_TTL"),
			MaxTTL:                  v.GetDuration("ADAPTIVE_MAX_TTL"),
			MinTTL:                  v.GetDuration("ADAPTIVE_MIN_TTL"),
			HitRatioThreshold:       v.GetFloat64("ADAPTIVE_HIT_RATIO_THRESHOLD"),
			ResponseTimeThreshold:   v.GetDuration("ADAPTIVE_RESPONSE_TIME_THRESHOLD"),
			MemoryPressureThreshold: v.GetFloat64("ADAPTIVE_MEMORY_PRESSURE_THRESHOLD"),
		},

		Monitor: MonitorConfig{
			Interval:      v.GetDuration("MONITOR_INTERVAL"),
			MaxHistory:    v.GetInt("MONITOR_MAX_HISTORY"),
			CPUPercent:    v.GetFloat64("MONITOR_CPU_THRESHOLD"),
			MemoryPercent: v.GetFloat64("MONITOR_MEMORY_THRESHOLD"),
			ErrorRate:     v.GetFloat64("MONITOR_ERROR_RATE_THRESHOLD"),
		},

		Concurrency: ConcurrencyConfig{
			MaxConcurrentRequests:    v.GetInt64("MAX_CONCURRENT_REQUESTS"),
			MaxConcurrentPerProvider: v.GetInt64("MAX_CONCURRENT_PER_PROVIDER"),
			MaxQueueSize:             v.GetInt("MAX_QUEUE_SIZE"),
		},

		Warmup: WarmupConfig{
			Enabled:  v.GetBool("WARMUP_ENABLED"),
			Patterns: v.GetStringSlice("WARMUP_PATTERNS"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.ManagementPort < 1 || c.ManagementPort > 65535 {
		return fmt.Errorf("config: MANAGEMENT_PORT must be in [1, 65535], got %d", c.ManagementPort)
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process store",
		)
	}

	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("config: CACHE_DEFAULT_TTL must be a positive duration")
	}
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("config: CACHE_MAX_SIZE must be ≥ 1, got %d", c.Cache.MaxSize)
	}

	switch c.Adaptive.Strategy {
	case "aggressive", "balanced", "conservative", "adaptive":
	default:
		return fmt.Errorf(
			"config: invalid ADAPTIVE_STRATEGY %q; must be one of: aggressive, balanced, conservative, adaptive",
			c.Adaptive.Strategy,
		)
	}

	if c.Adaptive.MinTTL <= 0 || c.Adaptive.MaxTTL <= 0 || c.Adaptive.BaseTTL <= 0 {
		return fmt.Errorf("config: ADAPTIVE_BASE_TTL, ADAPTIVE_MIN_TTL and ADAPTIVE_MAX_TTL must be positive durations")
	}
	if c.Adaptive.MinTTL > c.Adaptive.MaxTTL {
		return fmt.Errorf(
			"config: ADAPTIVE_MIN_TTL (%s) must not exceed ADAPTIVE_MAX_TTL (%s)",
			c.Adaptive.MinTTL, c.Adaptive.MaxTTL,
		)
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("config: MONITOR_INTERVAL must be a positive duration")
	}
	if c.Monitor.MaxHistory < 1 {
		return fmt.Errorf("config: MONITOR_MAX_HISTORY must be ≥ 1, got %d", c.Monitor.MaxHistory)
	}

	if c.Concurrency.MaxConcurrentRequests < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_REQUESTS must be ≥ 1, got %d", c.Concurrency.MaxConcurrentRequests)
	}
	if c.Concurrency.MaxConcurrentPerProvider < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_PER_PROVIDER must be ≥ 1, got %d", c.Concurrency.MaxConcurrentPerProvider)
	}
	if c.Concurrency.MaxQueueSize < 0 {
		return fmt.Errorf("config: MAX_QUEUE_SIZE must be ≥ 0, got %d", c.Concurrency.MaxQueueSize)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

package cache

import (
	"context"
	"log/slog"
	"time"
)

// LLMParams are the sampling parameters that participate in LLM cache
// keys. Only these fields (plus task type and prompt) distinguish cache
// entries — incidental per-call noise never fragments the cache.
type LLMParams struct {
	Model       string
	Temperature float64
	MaxTokens   int

	// Whitelisted extra parameters.
	StylePreference string
	TargetWords     int
	Genre           string
}

// llmKeyPayload fixes the canonical field order of the hashed key payload.
type llmKeyPayload struct {
	TaskType        string  `json:"task_type"`
	PromptHash      string  `json:"prompt_hash"`
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens"`
	StylePreference string  `json:"style_preference,omitempty"`
	TargetWords     int     `json:"target_words,omitempty"`
	Genre           string  `json:"genre,omitempty"`
}

// taskTTLs maps task types to their default response TTLs. Stable tasks
// (concept expansion) cache far longer than volatile ones (quality
// assessment).
var taskTTLs = map[string]time.Duration{
	"concept_expansion":  24 * time.Hour,
	"strategy_selection": 12 * time.Hour,
	"outline_generation": 6 * time.Hour,
	"character_creation": 8 * time.Hour,
	"chapter_generation": 4 * time.Hour,
	"consistency_check":  2 * time.Hour,
	"quality_assessment": time.Hour,
}

const fallbackTaskTTL = time.Hour

// LLMResponseCache caches LLM responses keyed by task type, prompt, model,
// and sampling parameters, with per-task default TTLs. It is backed by an
// AdaptiveCache so TTLs track observed performance.
type LLMResponseCache struct {
	cache *AdaptiveCache
	log   *slog.Logger
}

// DefaultLLMAdaptiveConfig is the adaptive configuration the LLM response
// cache runs with unless the caller supplies its own.
func DefaultLLMAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Strategy:                StrategyAdaptive,
		BaseTTL:                 2 * time.Hour,
		MaxTTL:                  24 * time.Hour,
		MinTTL:                  10 * time.Minute,
		HitRatioThreshold:       0.8,
		ResponseTimeThreshold:   2 * time.Second,
		MemoryPressureThreshold: 0.8,
	}
}

// NewLLMResponseCache creates an LLMResponseCache over the given adaptive
// cache.
func NewLLMResponseCache(adaptive *AdaptiveCache, log *slog.Logger) *LLMResponseCache {
	if log == nil {
		log = slog.Default()
	}
	return &LLMResponseCache{cache: adaptive, log: log}
}

// Key builds the cache key for a response lookup. The prompt enters only
// as a truncated hash so huge prompts stay cheap to key.
func (c *LLMResponseCache) Key(taskType, prompt string, p LLMParams) string {
	payload := llmKeyPayload{
		TaskType:        taskType,
		PromptHash:      hashString(prompt)[:keyHashLen],
		Model:           p.Model,
		Temperature:     p.Temperature,
		MaxTokens:       p.MaxTokens,
		StylePreference: p.StylePreference,
		TargetWords:     p.TargetWords,
		Genre:           p.Genre,
	}
	return "llm:" + taskType + ":" + hashPayload(payload)
}

// Response looks up a cached response.
func (c *LLMResponseCache) Response(ctx context.Context, taskType, prompt string, p LLMParams) (string, bool) {
	value, ok := c.cache.Get(ctx, c.Key(taskType, prompt, p))
	if !ok {
		return "", false
	}

	resp, ok := value.(string)
	if !ok {
		c.log.Warn("llm cache holds non-string value", slog.String("task_type", taskType))
		return "", false
	}
	return resp, true
}

// StoreResponse caches response under the task-type default TTL, or
// customTTL when non-zero.
func (c *LLMResponseCache) StoreResponse(ctx context.Context, taskType, prompt, response string, customTTL time.Duration, p LLMParams) error {
	ttl := customTTL
	if ttl <= 0 {
		ttl = TaskTTL(taskType)
	}

	if err := c.cache.Set(ctx, c.Key(taskType, prompt, p), response, ttl); err != nil {
		return err
	}

	c.log.Debug("cached llm response",
		slog.String("task_type", taskType),
		slog.Duration("ttl", ttl),
	)
	return nil
}

// HitRatio exposes the backing adaptive cache's lifetime hit ratio. It
// satisfies the monitor's hit-ratio source contract.
func (c *LLMResponseCache) HitRatio() float64 {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	total := c.cache.hits + c.cache.misses
	if total == 0 {
		return 0
	}
	return float64(c.cache.hits) / float64(total)
}

// Multiplier exposes the backing cache's current TTL multiplier.
func (c *LLMResponseCache) Multiplier() float64 {
	return c.cache.Multiplier()
}

// Stats returns the backing adaptive cache's stats.
func (c *LLMResponseCache) Stats(ctx context.Context) AdaptiveStats {
	return c.cache.Stats(ctx)
}

// TaskTTL returns the default TTL for taskType.
func TaskTTL(taskType string) time.Duration {
	if ttl, ok := taskTTLs[taskType]; ok {
		return ttl
	}
	return fallbackTaskTTL
}

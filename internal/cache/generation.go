package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/storyforge/llmcache/internal/store"
)

// Completed generations are few and large, so the generation layer runs on
// its own store: a long default TTL and a tight size bound, independent of
// the request-cache pool.
const (
	GenerationDefaultTTL = 24 * time.Hour
	GenerationMaxEntries = 100
)

// CachedGeneration is a full generation result with provenance metadata,
// as stored by the GenerationCache.
type CachedGeneration struct {
	Result      any       `json:"result"`
	CachedAt    time.Time `json:"cached_at"`
	ContentType string    `json:"content_type"`
	InputHash   string    `json:"input_hash"` // first 8 hex chars of sha256(user input)
}

// GenerationCache stores complete generation results keyed by content type,
// user input, target size, style, and any extra parameters.
type GenerationCache struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

// NewGenerationCache creates a GenerationCache over s.
func NewGenerationCache(s store.Store, log *slog.Logger) *GenerationCache {
	if log == nil {
		log = slog.Default()
	}
	return &GenerationCache{store: s, log: log, now: time.Now}
}

// generationKey builds the cache key. Extra parameter names are folded into
// the hashed payload through BuildKey's sorted-kwargs canonicalization.
func generationKey(contentType, userInput string, targetWords int, style string, extra map[string]any) string {
	kwargs := map[string]any{
		"type":  contentType,
		"input": userInput,
		"words": targetWords,
		"style": style,
	}
	for k, v := range extra {
		kwargs[k] = v
	}
	return "gen:" + contentType + ":" + hashPayload(sortedKwargs(kwargs))
}

// sortedKwargs reuses BuildKey's canonical form for a bare kwargs map.
func sortedKwargs(kwargs map[string]any) any {
	return struct {
		Kwargs [][2]any `json:"kwargs"`
	}{kwargsPairs(kwargs)}
}

// Generation looks up a cached result for the given inputs.
func (c *GenerationCache) Generation(ctx context.Context, contentType, userInput string, targetWords int, style string, extra map[string]any) (CachedGeneration, bool) {
	key := generationKey(contentType, userInput, targetWords, style, extra)

	value, ok := c.store.Get(ctx, key)
	if !ok {
		return CachedGeneration{}, false
	}

	gen, ok := value.(CachedGeneration)
	if !ok {
		// Foreign value under our key; treat as a miss rather than fail.
		c.log.Warn("generation cache holds unexpected value type", slog.String("key", key))
		return CachedGeneration{}, false
	}

	return gen, true
}

// StoreGeneration caches result with provenance metadata. A ttl of zero
// uses GenerationDefaultTTL rather than the backing store's default. Store
// errors are logged and swallowed (fail-open).
func (c *GenerationCache) StoreGeneration(ctx context.Context, contentType, userInput string, targetWords int, style string, result any, ttl time.Duration, extra map[string]any) {
	if ttl == 0 {
		ttl = GenerationDefaultTTL
	}
	key := generationKey(contentType, userInput, targetWords, style, extra)

	gen := CachedGeneration{
		Result:      result,
		CachedAt:    c.now(),
		ContentType: contentType,
		InputHash:   hashString(userInput)[:8],
	}

	if err := c.store.Set(ctx, key, gen, ttl); err != nil {
		c.log.Error("generation cache set failed",
			slog.String("content_type", contentType),
			slog.String("error", err.Error()),
		)
	}
}

// Stats exposes the underlying store's stats.
func (c *GenerationCache) Stats(ctx context.Context) store.Stats {
	return c.store.Stats(ctx)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/storyforge/llmcache/internal/store"
)

// newTestLLMCache returns an LLMResponseCache over a balanced adaptive
// cache, so TTLs pass through unscaled.
func newTestLLMCache(t *testing.T) *LLMResponseCache {
	t.Helper()

	s := store.NewMemoryStore(context.Background(), time.Hour, 1000,
		store.WithSweepInterval(-1),
	)
	t.Cleanup(s.Close)

	cfg := DefaultLLMAdaptiveConfig()
	cfg.Strategy = StrategyBalanced

	return NewLLMResponseCache(NewAdaptiveCache(cfg, s, nil, nil), nil)
}

// TestTaskTTLTable verifies per-task defaults and the fallback.
func TestTaskTTLTable(t *testing.T) {
	cases := map[string]time.Duration{
		"concept_expansion":  24 * time.Hour,
		"strategy_selection": 12 * time.Hour,
		"outline_generation": 6 * time.Hour,
		"character_creation": 8 * time.Hour,
		"chapter_generation": 4 * time.Hour,
		"consistency_check":  2 * time.Hour,
		"quality_assessment": time.Hour,
		"unknown_task":       time.Hour,
	}

	for task, want := range cases {
		if got := TaskTTL(task); got != want {
			t.Errorf("TaskTTL(%q) = %v, want %v", task, got, want)
		}
	}
}

// TestLLMKeyStability verifies that identical inputs key identically and
// each distinguishing dimension changes the key.
func TestLLMKeyStability(t *testing.T) {
	c := newTestLLMCache(t)

	params := LLMParams{Model: "gpt-4", Temperature: 0.7, MaxTokens: 2000}
	base := c.Key("chapter_generation", "a storm at sea", params)

	if again := c.Key("chapter_generation", "a storm at sea", params); again != base {
		t.Fatalf("identical inputs keyed differently: %q vs %q", base, again)
	}

	variants := map[string]string{
		"task type":   c.Key("outline_generation", "a storm at sea", params),
		"prompt":      c.Key("chapter_generation", "a calm harbor", params),
		"model":       c.Key("chapter_generation", "a storm at sea", LLMParams{Model: "gpt-3.5", Temperature: 0.7, MaxTokens: 2000}),
		"temperature": c.Key("chapter_generation", "a storm at sea", LLMParams{Model: "gpt-4", Temperature: 0.9, MaxTokens: 2000}),
		"style":       c.Key("chapter_generation", "a storm at sea", LLMParams{Model: "gpt-4", Temperature: 0.7, MaxTokens: 2000, StylePreference: "noir"}),
	}
	for dim, key := range variants {
		if key == base {
			t.Errorf("changing %s did not change the key", dim)
		}
	}
}

// TestLLMResponseRoundTrip verifies StoreResponse/Response symmetry.
func TestLLMResponseRoundTrip(t *testing.T) {
	c := newTestLLMCache(t)
	ctx := context.Background()

	params := LLMParams{Model: "gpt-4", Temperature: 0.7, MaxTokens: 500}

	if _, ok := c.Response(ctx, "quality_assessment", "rate this", params); ok {
		t.Fatal("expected miss before store")
	}

	if err := c.StoreResponse(ctx, "quality_assessment", "rate this", "4/5", 0, params); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	resp, ok := c.Response(ctx, "quality_assessment", "rate this", params)
	if !ok {
		t.Fatal("expected hit after store")
	}
	if resp != "4/5" {
		t.Fatalf("Response = %q, want %q", resp, "4/5")
	}
}

// TestLLMCustomTTLOverride verifies that a positive customTTL wins over the
// task default.
func TestLLMCustomTTLOverride(t *testing.T) {
	clock := &adaptiveClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	storeClocked := store.NewMemoryStore(context.Background(), time.Hour, 1000,
		store.WithSweepInterval(-1),
		store.WithClock(clock.Now),
	)
	t.Cleanup(storeClocked.Close)

	cfg := DefaultLLMAdaptiveConfig()
	cfg.Strategy = StrategyBalanced
	c := NewLLMResponseCache(NewAdaptiveCache(cfg, storeClocked, nil, nil), nil)
	ctx := context.Background()

	params := LLMParams{Model: "gpt-4"}
	// concept_expansion would default to 24h; force 30m instead.
	if err := c.StoreResponse(ctx, "concept_expansion", "premise", "expanded", 30*time.Minute, params); err != nil {
		t.Fatalf("StoreResponse: %v", err)
	}

	clock.Advance(time.Hour)

	if _, ok := c.Response(ctx, "concept_expansion", "premise", params); ok {
		t.Fatal("entry should have expired under the custom 30m TTL")
	}
}

// TestLLMHitRatio verifies the ratio exposed to the monitor.
func TestLLMHitRatio(t *testing.T) {
	c := newTestLLMCache(t)
	ctx := context.Background()

	if got := c.HitRatio(); got != 0 {
		t.Fatalf("HitRatio before traffic = %v, want 0", got)
	}

	params := LLMParams{Model: "gpt-4"}
	c.StoreResponse(ctx, "chapter_generation", "p", "r", 0, params)
	c.Response(ctx, "chapter_generation", "p", params)     // hit
	c.Response(ctx, "chapter_generation", "other", params) // miss

	if got := c.HitRatio(); got != 0.5 {
		t.Fatalf("HitRatio = %v, want 0.5", got)
	}
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storyforge/llmcache/internal/concurrency"
	"github.com/storyforge/llmcache/internal/monitor"
	"github.com/storyforge/llmcache/pkg/capacity"
)

// newTestManager builds a SmartCacheManager over an in-memory LLM cache,
// with no optional collaborators unless opts add them.
func newTestManager(t *testing.T, opts ...ManagerOption) *SmartCacheManager {
	t.Helper()
	return NewSmartCacheManager(newTestLLMCache(t), nil, opts...)
}

// TestGetOrGenerateCachesResult verifies a miss generates once and
// subsequent calls hit the cache.
func TestGetOrGenerateCachesResult(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	calls := 0
	gen := func(_ context.Context, prompt string) (string, error) {
		calls++
		return "generated for " + prompt, nil
	}

	for i := 0; i < 3; i++ {
		got, err := m.GetOrGenerate(ctx, "chapter_generation", "a duel at dawn", gen, GenerateOptions{})
		if err != nil {
			t.Fatalf("GetOrGenerate #%d: %v", i, err)
		}
		if got != "generated for a duel at dawn" {
			t.Fatalf("GetOrGenerate #%d = %q", i, got)
		}
	}

	if calls != 1 {
		t.Fatalf("generator invoked %d times, want 1", calls)
	}
}

// TestGetOrGenerateErrorNotCached verifies generator errors propagate and
// are never cached.
func TestGetOrGenerateErrorNotCached(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	wantErr := errors.New("provider overloaded")
	calls := 0

	_, err := m.GetOrGenerate(ctx, "chapter_generation", "p", func(context.Context, string) (string, error) {
		calls++
		return "", wantErr
	}, GenerateOptions{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}

	got, err := m.GetOrGenerate(ctx, "chapter_generation", "p", func(context.Context, string) (string, error) {
		calls++
		return "recovered", nil
	}, GenerateOptions{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got != "recovered" || calls != 2 {
		t.Fatalf("retry = %q after %d calls, want recovered after 2", got, calls)
	}
}

// TestGetOrGenerateSkipCache verifies the bypass path generates every time
// and stores nothing.
func TestGetOrGenerateSkipCache(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	calls := 0
	gen := func(context.Context, string) (string, error) {
		calls++
		return "fresh", nil
	}

	opts := GenerateOptions{SkipCache: true}
	for i := 0; i < 2; i++ {
		if _, err := m.GetOrGenerate(ctx, "chapter_generation", "p", gen, opts); err != nil {
			t.Fatalf("GetOrGenerate: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("generator invoked %d times with SkipCache, want 2", calls)
	}

	// A normal call afterwards still misses.
	if _, err := m.GetOrGenerate(ctx, "chapter_generation", "p", gen, GenerateOptions{}); err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}
	if calls != 3 {
		t.Fatalf("bypassed results must not be cached; calls = %d, want 3", calls)
	}
}

// TestGetOrGenerateParamsPartitionCache verifies distinct params generate
// separately.
func TestGetOrGenerateParamsPartitionCache(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	calls := 0
	gen := func(context.Context, string) (string, error) {
		calls++
		return "r", nil
	}

	m.GetOrGenerate(ctx, "t", "p", gen, GenerateOptions{Params: LLMParams{Model: "gpt-4"}})
	m.GetOrGenerate(ctx, "t", "p", gen, GenerateOptions{Params: LLMParams{Model: "claude"}})
	m.GetOrGenerate(ctx, "t", "p", gen, GenerateOptions{Params: LLMParams{Model: "gpt-4"}})

	if calls != 2 {
		t.Fatalf("generator invoked %d times, want 2 (one per model)", calls)
	}
}

// TestGetOrGenerateCapacityRejection verifies the typed admission error
// surfaces and the generator never runs.
func TestGetOrGenerateCapacityRejection(t *testing.T) {
	limiter := concurrency.New(1, 1, 0) // queue bound 0 rejects everything
	m := newTestManager(t, WithLimiter(limiter))

	calls := 0
	_, err := m.GetOrGenerate(context.Background(), "t", "p", func(context.Context, string) (string, error) {
		calls++
		return "x", nil
	}, GenerateOptions{Provider: "openai"})

	if !capacity.IsCapacity(err) {
		t.Fatalf("error = %v, want capacity error", err)
	}
	if calls != 0 {
		t.Fatal("generator must not run when admission rejects")
	}
}

// TestGetOrGenerateTracksRequests verifies monitor accounting around the
// generator call.
func TestGetOrGenerateTracksRequests(t *testing.T) {
	mon := monitor.New(monitor.WithSystemSampler(func(context.Context) (monitor.SystemStats, error) {
		return monitor.SystemStats{}, nil
	}))
	m := newTestManager(t, WithMonitor(mon))
	ctx := context.Background()

	var during int64
	_, err := m.GetOrGenerate(ctx, "t", "p", func(context.Context, string) (string, error) {
		during = mon.ActiveTasks()
		return "x", nil
	}, GenerateOptions{})
	if err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}

	if during != 1 {
		t.Fatalf("ActiveTasks during generation = %d, want 1", during)
	}
	if got := mon.ActiveTasks(); got != 0 {
		t.Fatalf("ActiveTasks after generation = %d, want 0", got)
	}
}

// TestGetOrGenerateReleasesSlotOnError verifies the admission slot frees on
// generator failure.
func TestGetOrGenerateReleasesSlotOnError(t *testing.T) {
	limiter := concurrency.New(1, 1, 10)
	m := newTestManager(t, WithLimiter(limiter))
	ctx := context.Background()

	m.GetOrGenerate(ctx, "t", "p1", func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	}, GenerateOptions{Provider: "x"})

	st := limiter.Stats()
	if st.ActiveRequests != 0 {
		t.Fatalf("ActiveRequests = %d after failed generation, want 0", st.ActiveRequests)
	}
	if st.FailedRequests != 1 {
		t.Fatalf("FailedRequests = %d, want 1", st.FailedRequests)
	}
}

// TestGetOrGeneratePanicReleasesSlot verifies a panicking generator does
// not leak its admission slot.
func TestGetOrGeneratePanicReleasesSlot(t *testing.T) {
	limiter := concurrency.New(1, 1, 10)
	m := newTestManager(t, WithLimiter(limiter))
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("generator panic should propagate")
			}
		}()
		m.GetOrGenerate(ctx, "t", "p", func(context.Context, string) (string, error) {
			panic("generator blew up")
		}, GenerateOptions{Provider: "x"})
	}()

	// The single global slot must be free again.
	release, err := limiter.AcquireRequestSlot(ctx, "x", "after-panic")
	if err != nil {
		t.Fatalf("slot still held after generator panic: %v", err)
	}
	release(nil)

	st := limiter.Stats()
	if st.ActiveRequests != 0 {
		t.Fatalf("ActiveRequests = %d, want 0", st.ActiveRequests)
	}
	if st.FailedRequests != 1 {
		t.Fatalf("FailedRequests = %d, want 1 (the panicked generation)", st.FailedRequests)
	}
}

// TestWarmupRunsAllPatterns verifies best-effort warm-up: one failing
// pattern does not stop the rest.
func TestWarmupRunsAllPatterns(t *testing.T) {
	var warmed []string
	warmer := func(_ context.Context, pattern string) error {
		warmed = append(warmed, pattern)
		if pattern == "bad" {
			return errors.New("warm failed")
		}
		return nil
	}

	m := newTestManager(t, WithWarmup([]string{"a", "bad", "c"}, warmer))
	m.WarmupCache(context.Background(), nil)

	if len(warmed) != 3 {
		t.Fatalf("warmed %v, want all three patterns", warmed)
	}
}

// TestWarmupDisabledIsNoOp verifies warm-up does nothing unless enabled.
func TestWarmupDisabledIsNoOp(t *testing.T) {
	called := false
	m := newTestManager(t)
	m.warmer = func(context.Context, string) error {
		called = true
		return nil
	}

	m.WarmupCache(context.Background(), []string{"a"})
	if called {
		t.Fatal("warm-up must be a no-op when not enabled")
	}
}

// TestGetCachePerformance verifies the aggregate snapshot.
func TestGetCachePerformance(t *testing.T) {
	m := newTestManager(t, WithWarmup([]string{"a", "b"}, nil))
	ctx := context.Background()

	m.GetOrGenerate(ctx, "t", "p", func(context.Context, string) (string, error) {
		return "x", nil
	}, GenerateOptions{})

	perf := m.GetCachePerformance(ctx)
	if !perf.WarmupEnabled {
		t.Fatal("WarmupEnabled should be true")
	}
	if len(perf.WarmupPatterns) != 2 {
		t.Fatalf("WarmupPatterns = %v", perf.WarmupPatterns)
	}
	if perf.LLMCache.TotalRequests == 0 {
		t.Fatal("LLM cache stats should reflect traffic")
	}
	if perf.Timestamp.IsZero() {
		t.Fatal("Timestamp should be set")
	}

	gotNow := time.Since(perf.Timestamp)
	if gotNow < 0 || gotNow > time.Minute {
		t.Fatalf("Timestamp looks wrong: %v ago", gotNow)
	}
}

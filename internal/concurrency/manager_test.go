package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storyforge/llmcache/pkg/capacity"
)

// TestAcquireRelease verifies the basic slot lifecycle and counters.
func TestAcquireRelease(t *testing.T) {
	m := New(5, 2, 10)
	ctx := context.Background()

	release, err := m.AcquireRequestSlot(ctx, "openai", "r1")
	if err != nil {
		t.Fatalf("AcquireRequestSlot: %v", err)
	}

	st := m.Stats()
	if st.ActiveRequests != 1 {
		t.Fatalf("ActiveRequests = %d, want 1", st.ActiveRequests)
	}
	if st.ProviderInUse["openai"] != 1 {
		t.Fatalf("ProviderInUse[openai] = %d, want 1", st.ProviderInUse["openai"])
	}

	release(nil)

	st = m.Stats()
	if st.ActiveRequests != 0 {
		t.Fatalf("ActiveRequests = %d after release, want 0", st.ActiveRequests)
	}
	if st.CompletedRequests != 1 || st.FailedRequests != 0 {
		t.Fatalf("completed/failed = %d/%d, want 1/0", st.CompletedRequests, st.FailedRequests)
	}
}

// TestReleaseWithErrorCountsFailure verifies failure accounting.
func TestReleaseWithErrorCountsFailure(t *testing.T) {
	m := New(5, 2, 10)

	release, err := m.AcquireRequestSlot(context.Background(), "openai", "r1")
	if err != nil {
		t.Fatalf("AcquireRequestSlot: %v", err)
	}
	release(errors.New("generation failed"))

	st := m.Stats()
	if st.FailedRequests != 1 || st.CompletedRequests != 0 {
		t.Fatalf("completed/failed = %d/%d, want 0/1", st.CompletedRequests, st.FailedRequests)
	}
	if st.SuccessRate != 0 {
		t.Fatalf("SuccessRate = %v, want 0", st.SuccessRate)
	}
}

// TestReleaseIdempotent verifies double release frees only one slot.
func TestReleaseIdempotent(t *testing.T) {
	m := New(1, 1, 10)
	ctx := context.Background()

	release, err := m.AcquireRequestSlot(ctx, "p", "r1")
	if err != nil {
		t.Fatalf("AcquireRequestSlot: %v", err)
	}
	release(nil)
	release(nil)

	st := m.Stats()
	if st.CompletedRequests != 1 {
		t.Fatalf("CompletedRequests = %d after double release, want 1", st.CompletedRequests)
	}

	// The single slot must be reusable exactly once at a time.
	release2, err := m.AcquireRequestSlot(ctx, "p", "r2")
	if err != nil {
		t.Fatalf("re-acquire after double release: %v", err)
	}
	release2(nil)
}

// TestGlobalLimitBoundsConcurrency verifies that concurrent holders never
// exceed the global budget under contention.
func TestGlobalLimitBoundsConcurrency(t *testing.T) {
	const maxGlobal = 2
	m := New(maxGlobal, maxGlobal, 100)
	ctx := context.Background()

	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			err := m.Do(ctx, "openai", fmt.Sprintf("r%d", i), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got > maxGlobal {
		t.Fatalf("peak concurrency = %d, exceeds global limit %d", got, maxGlobal)
	}

	st := m.Stats()
	if st.CompletedRequests != 5 {
		t.Fatalf("CompletedRequests = %d, want 5", st.CompletedRequests)
	}
	if st.SuccessRate != 1.0 {
		t.Fatalf("SuccessRate = %v, want 1.0", st.SuccessRate)
	}
}

// TestPerProviderLimit verifies that one provider's saturation does not
// consume the whole global budget.
func TestPerProviderLimit(t *testing.T) {
	m := New(5, 1, 100)
	ctx := context.Background()

	// Saturate provider a.
	releaseA, err := m.AcquireRequestSlot(ctx, "a", "r1")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	// A second request for a must wait; a request for b must not.
	releaseB, err := m.AcquireRequestSlot(ctx, "b", "r2")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	releaseB(nil)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := m.AcquireRequestSlot(waitCtx, "a", "r3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second slot for saturated provider: err = %v, want deadline exceeded", err)
	}

	releaseA(nil)
}

// TestQueueFullRejection verifies the immediate rejection path and its
// typed error.
func TestQueueFullRejection(t *testing.T) {
	m := New(1, 1, 0) // no queueing allowed beyond the held slot
	ctx := context.Background()

	_, err := m.AcquireRequestSlot(ctx, "openai", "r1")
	if err == nil {
		t.Fatal("expected queue-full rejection with maxQueue 0")
	}
	if !capacity.IsCapacity(err) {
		t.Fatalf("err = %v, want capacity error", err)
	}

	var capErr *capacity.Error
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %T, want *capacity.Error", err)
	}
	if capErr.Provider != "openai" {
		t.Fatalf("Provider = %q", capErr.Provider)
	}

	if st := m.Stats(); st.QueueFullRejections != 1 {
		t.Fatalf("QueueFullRejections = %d, want 1", st.QueueFullRejections)
	}
}

// TestContextCancellationWhileWaiting verifies a cancelled waiter leaves no
// stuck bookkeeping behind.
func TestContextCancellationWhileWaiting(t *testing.T) {
	m := New(1, 1, 10)
	ctx := context.Background()

	release, err := m.AcquireRequestSlot(ctx, "p", "r1")
	if err != nil {
		t.Fatalf("AcquireRequestSlot: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := m.AcquireRequestSlot(waitCtx, "p", "r2"); err == nil {
		t.Fatal("expected cancellation error")
	}

	if st := m.Stats(); st.QueuedRequests != 0 {
		t.Fatalf("QueuedRequests = %d after cancellation, want 0", st.QueuedRequests)
	}

	release(nil)

	// The freed slot must still be acquirable.
	release3, err := m.AcquireRequestSlot(ctx, "p", "r3")
	if err != nil {
		t.Fatalf("acquire after cancellation: %v", err)
	}
	release3(nil)
}

// TestDoForwardsError verifies the combinator returns the work's error and
// counts it as a failure.
func TestDoForwardsError(t *testing.T) {
	m := New(1, 1, 10)

	wantErr := errors.New("boom")
	err := m.Do(context.Background(), "p", "r1", func(context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}

	if st := m.Stats(); st.FailedRequests != 1 {
		t.Fatalf("FailedRequests = %d, want 1", st.FailedRequests)
	}
}

// TestAdjustLimits verifies new capacities apply to new acquisitions.
func TestAdjustLimits(t *testing.T) {
	m := New(1, 1, 10)
	ctx := context.Background()

	m.AdjustLimits(3, 2)

	st := m.Stats()
	if st.MaxConcurrentRequests != 3 || st.MaxConcurrentPerProvider != 2 {
		t.Fatalf("limits = %d/%d, want 3/2", st.MaxConcurrentRequests, st.MaxConcurrentPerProvider)
	}

	// Two concurrent slots for one provider now fit.
	r1, err := m.AcquireRequestSlot(ctx, "p", "r1")
	if err != nil {
		t.Fatalf("acquire r1: %v", err)
	}
	r2, err := m.AcquireRequestSlot(ctx, "p", "r2")
	if err != nil {
		t.Fatalf("acquire r2: %v", err)
	}
	r1(nil)
	r2(nil)

	// Zero values leave limits unchanged.
	m.AdjustLimits(0, 0)
	st = m.Stats()
	if st.MaxConcurrentRequests != 3 || st.MaxConcurrentPerProvider != 2 {
		t.Fatalf("limits changed by zero values: %d/%d", st.MaxConcurrentRequests, st.MaxConcurrentPerProvider)
	}
}

// TestStatsSnapshotIsolated verifies the returned provider map is a copy.
func TestStatsSnapshotIsolated(t *testing.T) {
	m := New(2, 2, 10)
	ctx := context.Background()

	release, err := m.AcquireRequestSlot(ctx, "p", "r1")
	if err != nil {
		t.Fatalf("AcquireRequestSlot: %v", err)
	}
	defer release(nil)

	st := m.Stats()
	st.ProviderInUse["p"] = 99

	if got := m.Stats().ProviderInUse["p"]; got != 1 {
		t.Fatalf("internal state mutated through snapshot: %d", got)
	}
}

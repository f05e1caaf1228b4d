// Package concurrency implements admission control for generation work:
// a global concurrency budget, a lazily-created per-provider budget, and a
// queue-capacity bound that rejects rather than blocks when too many
// callers are already waiting.
package concurrency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/storyforge/llmcache/pkg/capacity"
)

// ReleaseFunc finishes an admitted request. Pass the error the wrapped
// work returned (nil on success); calling it more than once is a no-op.
type ReleaseFunc func(err error)

// Manager gates work against a global and a per-provider concurrency
// limit. Acquisition order is fixed — global first, then provider — so a
// saturated provider queues on its own semaphore instead of starving the
// global budget at its head.
//
// Counters are mutated only while holding the manager's mutex; the
// semaphores themselves are the only blocking points.
type Manager struct {
	mu sync.Mutex

	maxGlobal      int64
	maxPerProvider int64
	maxQueue       int

	global    *semaphore.Weighted
	providers map[string]*semaphore.Weighted

	waiting int // callers past the queue check but not yet holding both slots
	active  map[string]time.Time
	inUse   map[string]int64 // provider → currently held slots

	totalRequests     int64
	completedRequests int64
	failedRequests    int64
	queueFullCount    int64

	now func() time.Time
	log *slog.Logger
}

// Stats is a point-in-time snapshot of the manager's configuration and
// counters.
type Stats struct {
	MaxConcurrentRequests    int64
	MaxConcurrentPerProvider int64
	MaxQueueSize             int

	ActiveRequests int
	QueuedRequests int

	TotalRequests       int64
	CompletedRequests   int64
	FailedRequests      int64
	QueueFullRejections int64

	SuccessRate float64
	AvgWaitTime time.Duration // now − start, averaged over active requests

	ProviderInUse map[string]int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a Manager with the given global and per-provider limits and
// queue capacity.
func New(maxGlobal, maxPerProvider int64, maxQueue int, opts ...Option) *Manager {
	m := &Manager{
		maxGlobal:      maxGlobal,
		maxPerProvider: maxPerProvider,
		maxQueue:       maxQueue,
		global:         semaphore.NewWeighted(maxGlobal),
		providers:      make(map[string]*semaphore.Weighted),
		active:         make(map[string]time.Time),
		inUse:          make(map[string]int64),
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// providerSemLocked returns the semaphore for provider, creating it on
// first use. Caller must hold m.mu.
func (m *Manager) providerSemLocked(provider string) *semaphore.Weighted {
	sem, ok := m.providers[provider]
	if !ok {
		sem = semaphore.NewWeighted(m.maxPerProvider)
		m.providers[provider] = sem
	}
	return sem
}

// AcquireRequestSlot admits one request for provider, blocking until both
// the global and the provider slot are available, or failing immediately
// with a capacity error when the queue bound is already reached. The
// returned ReleaseFunc must be called exactly once when the work finishes.
//
// ctx cancellation while waiting aborts the acquisition cleanly; any slot
// already held is released.
func (m *Manager) AcquireRequestSlot(ctx context.Context, provider, requestID string) (ReleaseFunc, error) {
	m.mu.Lock()
	if m.waiting >= m.maxQueue {
		m.queueFullCount++
		waiting := m.waiting
		m.mu.Unlock()

		m.log.Warn("request rejected, queue full",
			slog.String("provider", provider),
			slog.Int("waiting", waiting),
		)
		return nil, &capacity.Error{Provider: provider, Waiting: waiting, Limit: m.maxQueue}
	}
	m.waiting++
	global := m.global
	providerSem := m.providerSemLocked(provider)
	m.mu.Unlock()

	// Global slot first so one slow provider cannot park its backlog at
	// the head of the shared budget.
	if err := global.Acquire(ctx, 1); err != nil {
		m.undoWaiting()
		return nil, err
	}
	if err := providerSem.Acquire(ctx, 1); err != nil {
		global.Release(1)
		m.undoWaiting()
		return nil, err
	}

	m.mu.Lock()
	m.waiting--
	m.totalRequests++
	m.active[requestID] = m.now()
	m.inUse[provider]++
	m.mu.Unlock()

	var once sync.Once
	release := func(err error) {
		once.Do(func() {
			m.mu.Lock()
			if err != nil {
				m.failedRequests++
			} else {
				m.completedRequests++
			}
			delete(m.active, requestID)
			if m.inUse[provider] > 0 {
				m.inUse[provider]--
			}
			m.mu.Unlock()

			providerSem.Release(1)
			global.Release(1)
		})
	}

	return release, nil
}

func (m *Manager) undoWaiting() {
	m.mu.Lock()
	if m.waiting > 0 {
		m.waiting--
	}
	m.mu.Unlock()
}

// Do runs fn inside an admission slot, forwarding its error into the
// release accounting and back to the caller.
func (m *Manager) Do(ctx context.Context, provider, requestID string, fn func(ctx context.Context) error) error {
	release, err := m.AcquireRequestSlot(ctx, provider, requestID)
	if err != nil {
		return err
	}

	err = fn(ctx)
	release(err)
	return err
}

// AdjustLimits replaces the admission primitives with new capacities.
// Values <= 0 leave the corresponding limit unchanged. Requests already
// holding slots release into the semaphores they acquired from; only new
// acquisitions see the new capacity.
func (m *Manager) AdjustLimits(maxGlobal, maxPerProvider int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxGlobal > 0 {
		m.maxGlobal = maxGlobal
		m.global = semaphore.NewWeighted(maxGlobal)
		m.log.Info("global concurrency limit adjusted", slog.Int64("limit", maxGlobal))
	}

	if maxPerProvider > 0 {
		m.maxPerProvider = maxPerProvider
		m.providers = make(map[string]*semaphore.Weighted)
		m.log.Info("per-provider concurrency limit adjusted", slog.Int64("limit", maxPerProvider))
	}
}

// Stats returns a snapshot of configured limits and running counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var waitSum time.Duration
	for _, start := range m.active {
		waitSum += now.Sub(start)
	}
	var avgWait time.Duration
	if len(m.active) > 0 {
		avgWait = waitSum / time.Duration(len(m.active))
	}

	denominator := m.totalRequests
	if denominator == 0 {
		denominator = 1
	}

	inUse := make(map[string]int64, len(m.inUse))
	for p, n := range m.inUse {
		inUse[p] = n
	}

	return Stats{
		MaxConcurrentRequests:    m.maxGlobal,
		MaxConcurrentPerProvider: m.maxPerProvider,
		MaxQueueSize:             m.maxQueue,
		ActiveRequests:           len(m.active),
		QueuedRequests:           m.waiting,
		TotalRequests:            m.totalRequests,
		CompletedRequests:        m.completedRequests,
		FailedRequests:           m.failedRequests,
		QueueFullRejections:      m.queueFullCount,
		SuccessRate:              float64(m.completedRequests) / float64(denominator),
		AvgWaitTime:              avgWait,
		ProviderInUse:            inUse,
	}
}

// Package monitor implements the performance monitor: a periodic sampler of
// CPU, memory, active-task, and cache-hit-ratio metrics with threshold
// alerting, plus a request-tracking scope that records per-request duration
// and outcome.
//
// The monitor feeds the adaptive cache's self-tuning policy through
// Summary(), closing the feedback loop between observed load and cache TTLs.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	defaultInterval   = 30 * time.Second
	defaultMaxHistory = 1000

	// Trailing windows used by sampling and Summary.
	requestWindow = time.Minute
	summaryWindow = 5 * time.Minute
	summaryDepth  = 10 // samples averaged by Summary
)

// Sample is one immutable snapshot of system and request metrics.
type Sample struct {
	Timestamp     time.Time
	CPUPercent    float64
	MemoryUsed    uint64
	MemoryPercent float64
	ActiveTasks   int64
	RequestCount  int // requests started in the trailing minute
	ErrorCount    int // of those, how many failed
	CacheHitRatio float64
}

// RequestMetrics records one tracked request from start to finish.
type RequestMetrics struct {
	StartTime    time.Time
	EndTime      time.Time // zero while in flight
	RequestType  string
	Provider     string
	Success      bool
	ErrorMessage string
}

// Duration returns the elapsed time of a finished request, or 0 while the
// request is still in flight.
func (m RequestMetrics) Duration() time.Duration {
	if m.EndTime.IsZero() {
		return 0
	}
	return m.EndTime.Sub(m.StartTime)
}

// Thresholds are the alerting limits evaluated against every sample.
type Thresholds struct {
	CPUPercent    float64 // alert above this CPU percentage
	MemoryPercent float64 // alert above this memory percentage
	ErrorRate     float64 // alert above this error ratio (when requests > 0)
}

// DefaultThresholds returns the standard alerting limits.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 80, MemoryPercent: 85, ErrorRate: 0.1}
}

// AlertFunc receives a threshold-violation message and the sample that
// triggered it. Panics inside callbacks are caught and logged.
type AlertFunc func(message string, sample Sample)

// HitRatioSource supplies the cache hit ratio recorded in each sample.
type HitRatioSource interface {
	HitRatio() float64
}

// SystemStats is one reading of process-visible system metrics.
type SystemStats struct {
	CPUPercent    float64
	MemoryUsed    uint64
	MemoryPercent float64
}

// SystemSampler reads system metrics. Tests inject a deterministic one.
type SystemSampler func(ctx context.Context) (SystemStats, error)

// Summary is the aggregated view consumed by the adaptive cache and by
// observability endpoints.
type Summary struct {
	Status             string // "healthy" or "no_data"
	Timestamp          time.Time
	CPUPercent         float64 // avg of recent samples
	MemoryPercent      float64
	CacheHitRatio      float64
	ActiveTasks        int64
	TotalRequests      int // trailing 5 minutes
	SuccessfulRequests int
	ErrorRate          float64
	AvgResponseTime    time.Duration // over successful trailing requests
}

// Healthy reports whether the summary carries usable data.
func (s Summary) Healthy() bool { return s.Status == "healthy" }

// PerformanceMonitor samples system metrics on a fixed interval, retains
// bounded histories of samples and finished requests, and fires alert
// callbacks when thresholds are exceeded.
//
// Start is idempotent; Stop cancels the sampling loop and waits for it to
// exit before returning. Sampling errors are logged and never terminate
// the loop.
type PerformanceMonitor struct {
	interval   time.Duration
	maxHistory int
	thresholds Thresholds

	hitSource HitRatioSource
	sampleSys SystemSampler
	now       func() time.Time
	log       *slog.Logger

	mu          sync.Mutex
	samples     []Sample
	finished    []RequestMetrics
	active      map[string]RequestMetrics
	activeTasks int64
	callbacks   map[int]AlertFunc
	nextCBID    int
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a PerformanceMonitor.
type Option func(*PerformanceMonitor)

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(m *PerformanceMonitor) { m.interval = d }
}

// WithMaxHistory overrides the bounded history length for both the sample
// and finished-request buffers.
func WithMaxHistory(n int) Option {
	return func(m *PerformanceMonitor) { m.maxHistory = n }
}

// WithThresholds overrides the alerting limits.
func WithThresholds(t Thresholds) Option {
	return func(m *PerformanceMonitor) { m.thresholds = t }
}

// WithHitRatioSource wires the cache layer whose hit ratio is sampled.
func WithHitRatioSource(src HitRatioSource) Option {
	return func(m *PerformanceMonitor) { m.hitSource = src }
}

// WithSystemSampler overrides how CPU/memory metrics are read.
func WithSystemSampler(s SystemSampler) Option {
	return func(m *PerformanceMonitor) { m.sampleSys = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *PerformanceMonitor) { m.now = now }
}

// WithLogger overrides the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *PerformanceMonitor) { m.log = log }
}

// New creates a stopped PerformanceMonitor. Call Start to begin sampling.
func New(opts ...Option) *PerformanceMonitor {
	m := &PerformanceMonitor{
		interval:   defaultInterval,
		maxHistory: defaultMaxHistory,
		thresholds: DefaultThresholds(),
		sampleSys:  gopsutilSampler,
		now:        time.Now,
		log:        slog.Default(),
		active:     make(map[string]RequestMetrics),
		callbacks:  make(map[int]AlertFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// gopsutilSampler reads CPU and virtual-memory stats. The zero interval
// makes cpu.Percent non-blocking (delta since the previous call), so the
// sampling loop never stalls the caller's event loop for a full second.
func gopsutilSampler(ctx context.Context) (SystemStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return SystemStats{}, fmt.Errorf("monitor: cpu sample: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemStats{}, fmt.Errorf("monitor: memory sample: %w", err)
	}

	return SystemStats{
		CPUPercent:    cpuPct,
		MemoryUsed:    vm.Used,
		MemoryPercent: vm.UsedPercent,
	}, nil
}

// Start launches the background sampling loop. Calling Start on a running
// monitor is a no-op.
func (m *PerformanceMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(loopCtx)

	m.log.Info("performance monitor started", slog.Duration("interval", m.interval))
}

// Stop cancels the sampling loop and waits for it to terminate. Calling
// Stop on a stopped monitor is a no-op.
func (m *PerformanceMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.log.Info("performance monitor stopped")
}

func (m *PerformanceMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.collect(ctx); err != nil {
			// Never let a bad iteration kill the loop.
			m.log.Error("metrics collection failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// collect takes one sample, appends it to history, and evaluates thresholds.
func (m *PerformanceMonitor) collect(ctx context.Context) error {
	sys, err := m.sampleSys(ctx)
	if err != nil {
		return err
	}

	var hitRatio float64
	if m.hitSource != nil {
		hitRatio = m.hitSource.HitRatio()
	}

	now := m.now()

	m.mu.Lock()
	requests, errors := m.trailingCountsLocked(now, requestWindow)
	sample := Sample{
		Timestamp:     now,
		CPUPercent:    sys.CPUPercent,
		MemoryUsed:    sys.MemoryUsed,
		MemoryPercent: sys.MemoryPercent,
		ActiveTasks:   m.activeTasks,
		RequestCount:  requests,
		ErrorCount:    errors,
		CacheHitRatio: hitRatio,
	}
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.maxHistory {
		m.samples = m.samples[len(m.samples)-m.maxHistory:]
	}
	m.mu.Unlock()

	m.checkThresholds(sample)
	return nil
}

// trailingCountsLocked counts finished requests started within window of
// now and how many of them failed. Caller must hold m.mu.
func (m *PerformanceMonitor) trailingCountsLocked(now time.Time, window time.Duration) (requests, errors int) {
	for _, r := range m.finished {
		if now.Sub(r.StartTime) <= window {
			requests++
			if !r.Success {
				errors++
			}
		}
	}
	return requests, errors
}

func (m *PerformanceMonitor) checkThresholds(s Sample) {
	var alerts []string

	if s.CPUPercent > m.thresholds.CPUPercent {
		alerts = append(alerts, fmt.Sprintf("cpu usage high: %.1f%%", s.CPUPercent))
	}
	if s.MemoryPercent > m.thresholds.MemoryPercent {
		alerts = append(alerts, fmt.Sprintf("memory usage high: %.1f%%", s.MemoryPercent))
	}
	if s.RequestCount > 0 {
		errRate := float64(s.ErrorCount) / float64(s.RequestCount)
		if errRate > m.thresholds.ErrorRate {
			alerts = append(alerts, fmt.Sprintf("error rate high: %.1f%%", errRate*100))
		}
	}

	for _, msg := range alerts {
		m.fireAlert(msg, s)
	}
}

// fireAlert logs the violation and invokes every registered callback.
// Callback panics are caught and logged, never propagated.
func (m *PerformanceMonitor) fireAlert(msg string, s Sample) {
	m.log.Warn("performance alert", slog.String("message", msg))

	m.mu.Lock()
	cbs := make([]AlertFunc, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("alert callback panicked", slog.Any("panic", r))
				}
			}()
			cb(msg, s)
		}()
	}
}

// AddAlertCallback registers cb and returns a function that removes it.
func (m *PerformanceMonitor) AddAlertCallback(cb AlertFunc) (remove func()) {
	m.mu.Lock()
	id := m.nextCBID
	m.nextCBID++
	m.callbacks[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.callbacks, id)
		m.mu.Unlock()
	}
}

// RequestScope tracks one in-flight request. End it exactly once; a
// deferred Close catches the abandon-on-panic path.
type RequestScope struct {
	m     *PerformanceMonitor
	id    string
	rec   RequestMetrics
	mu    sync.Mutex
	ended bool
}

// TrackRequest registers a new in-flight request and returns its scope.
// Typical use:
//
//	scope := mon.TrackRequest("chapter_generation", "openai")
//	defer scope.Close()
//	...
//	scope.End(err)
func (m *PerformanceMonitor) TrackRequest(requestType, provider string) *RequestScope {
	rec := RequestMetrics{
		StartTime:   m.now(),
		RequestType: requestType,
		Provider:    provider,
	}
	id := requestType + "_" + uuid.NewString()

	m.mu.Lock()
	m.active[id] = rec
	m.activeTasks++
	m.mu.Unlock()

	return &RequestScope{m: m, id: id, rec: rec}
}

// End finalizes the scope: err == nil marks success, anything else marks
// failure with the error message retained. Subsequent calls are no-ops.
func (s *RequestScope) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.rec.EndTime = s.m.now()
	s.rec.Success = err == nil
	if err != nil {
		s.rec.ErrorMessage = err.Error()
	}

	m := s.m
	m.mu.Lock()
	delete(m.active, s.id)
	if m.activeTasks > 0 {
		m.activeTasks--
	}
	m.finished = append(m.finished, s.rec)
	if len(m.finished) > m.maxHistory {
		m.finished = m.finished[len(m.finished)-m.maxHistory:]
	}
	m.mu.Unlock()
}

// Close finalizes an un-ended scope as a failure. Intended for defer, so
// accounting stays correct when the tracked work panics past its End call.
func (s *RequestScope) Close() {
	s.End(fmt.Errorf("monitor: tracked request aborted before completion"))
}

// ActiveTasks returns the number of requests currently in flight.
func (m *PerformanceMonitor) ActiveTasks() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTasks
}

// CurrentSample returns the most recent sample, if any exists yet.
func (m *PerformanceMonitor) CurrentSample() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// History returns up to limit of the most recent samples, oldest first.
func (m *PerformanceMonitor) History(limit int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.samples)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Sample, n)
	copy(out, m.samples[len(m.samples)-n:])
	return out
}

// Summary aggregates recent samples and trailing request outcomes. When no
// samples exist yet it returns Status "no_data" and nothing else.
func (m *PerformanceMonitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return Summary{Status: "no_data"}
	}

	recent := m.samples
	if len(recent) > summaryDepth {
		recent = recent[len(recent)-summaryDepth:]
	}

	var cpuSum, memSum, hitSum float64
	for _, s := range recent {
		cpuSum += s.CPUPercent
		memSum += s.MemoryPercent
		hitSum += s.CacheHitRatio
	}
	n := float64(len(recent))

	now := m.now()
	var total, successful int
	var durSum time.Duration
	var durCount int
	for _, r := range m.finished {
		if now.Sub(r.StartTime) > summaryWindow {
			continue
		}
		total++
		if r.Success {
			successful++
			if d := r.Duration(); d > 0 {
				durSum += d
				durCount++
			}
		}
	}

	var avgDur time.Duration
	if durCount > 0 {
		avgDur = durSum / time.Duration(durCount)
	}

	denominator := total
	if denominator == 0 {
		denominator = 1
	}

	return Summary{
		Status:             "healthy",
		Timestamp:          now,
		CPUPercent:         cpuSum / n,
		MemoryPercent:      memSum / n,
		CacheHitRatio:      hitSum / n,
		ActiveTasks:        m.activeTasks,
		TotalRequests:      total,
		SuccessfulRequests: successful,
		ErrorRate:          float64(total-successful) / float64(denominator),
		AvgResponseTime:    avgDur,
	}
}

// Package metrics provides a Prometheus metrics registry for the cache
// core.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when the library is embedded
// in other applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// llmcache_cache_hits_total / llmcache_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// llmcache_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// llmcache_generation_duration_seconds{task_type}
	generationDuration *prometheus.HistogramVec

	// llmcache_generations_total{task_type,outcome}
	generationsTotal *prometheus.CounterVec

	// llmcache_admission_total{result}
	admissionTotal *prometheus.CounterVec

	// llmcache_inflight_generations
	inFlight prometheus.Gauge

	// llmcache_ttl_multiplier
	ttlMultiplier prometheus.Gauge

	// llmcache_alerts_total{kind}
	alertsTotal *prometheus.CounterVec

	// llmcache_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmcache_cache_hits_total",
			Help: "Total LLM response cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmcache_cache_misses_total",
			Help: "Total LLM response cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcache_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmcache_generation_duration_seconds",
				Help:    "Generator invocation duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"task_type"},
		),

		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcache_generations_total",
				Help: "Generator invocations by task type and outcome",
			},
			[]string{"task_type", "outcome"},
		),

		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcache_admission_total",
				Help: "Admission control decisions",
			},
			[]string{"result"},
		),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmcache_inflight_generations",
			Help: "Current number of in-flight generator invocations",
		}),

		ttlMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmcache_ttl_multiplier",
			Help: "Current adaptive cache TTL multiplier",
		}),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmcache_alerts_total",
				Help: "Performance alerts fired by the monitor",
			},
			[]string{"kind"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmcache_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.generationDuration,
		r.generationsTotal,
		r.admissionTotal,
		r.inFlight,
		r.ttlMultiplier,
		r.alertsTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

// ObserveGeneration records one generator invocation.
func (r *Registry) ObserveGeneration(taskType string, success bool, dur time.Duration) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	r.generationsTotal.WithLabelValues(taskType, outcome).Inc()
	r.generationDuration.WithLabelValues(taskType).Observe(dur.Seconds())
}

// RecordAdmission records one admission-control decision:
// "acquired", "rejected", or "cancelled".
func (r *Registry) RecordAdmission(result string) {
	r.admissionTotal.WithLabelValues(result).Inc()
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// SetTTLMultiplier publishes the adaptive cache's current multiplier.
func (r *Registry) SetTTLMultiplier(v float64) {
	r.ttlMultiplier.Set(v)
}

// RecordAlert counts one fired performance alert.
func (r *Registry) RecordAlert(kind string) {
	r.alertsTotal.WithLabelValues(kind).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

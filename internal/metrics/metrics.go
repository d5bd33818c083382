// Package metrics exposes Prometheus collectors for the chat core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits       *prometheus.CounterVec
	cacheLoads      *prometheus.CounterVec
	cacheDegraded   *prometheus.CounterVec
	admissions      *prometheus.CounterVec
	exchanges       *prometheus.CounterVec
	exchangeLatency prometheus.Histogram
	activeStreams   prometheus.Gauge
	persistAttempts *prometheus.CounterVec
	lockReclaims    prometheus.Counter
	lockWait        prometheus.Histogram
	rollovers       *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_cache_hits_total",
			Help: "Cache resolutions by serving tier.",
		}, []string{"tier"}),
		cacheLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_cache_loads_total",
			Help: "Loader invocations by outcome.",
		}, []string{"outcome"}),
		cacheDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_cache_degraded_total",
			Help: "Distributed cache operations that failed and were skipped.",
		}, []string{"op"}),
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_ratelimit_admissions_total",
			Help: "Rate limiter decisions.",
		}, []string{"class", "outcome"}),
		exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_exchanges_total",
			Help: "Finished exchanges by terminal state and error code.",
		}, []string{"state", "code"}),
		exchangeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcore_exchange_duration_seconds",
			Help:    "Wall time from send to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatcore_active_streams",
			Help: "Exchanges currently streaming from the inference provider.",
		}),
		persistAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_persist_attempts_total",
			Help: "Persistence attempts by outcome.",
		}, []string{"outcome"}),
		lockReclaims: f.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_lock_stale_reclaims_total",
			Help: "Session locks force-released after the ceiling.",
		}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcore_lock_wait_seconds",
			Help:    "Time spent acquiring session locks.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
		rollovers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_rollovers_total",
			Help: "Lifecycle rollovers by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CacheHit(tier string) {
	if m != nil {
		m.cacheHits.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheLoad(err error) {
	if m != nil {
		m.cacheLoads.WithLabelValues(outcome(err)).Inc()
	}
}

func (m *Metrics) CacheDegraded(op string) {
	if m != nil {
		m.cacheDegraded.WithLabelValues(op).Inc()
	}
}

// Admission records a limiter decision; outcome is allowed, denied or degraded.
func (m *Metrics) Admission(class, outcome string) {
	if m != nil {
		m.admissions.WithLabelValues(class, outcome).Inc()
	}
}

func (m *Metrics) ExchangeFinished(state, code string, d time.Duration) {
	if m != nil {
		m.exchanges.WithLabelValues(state, code).Inc()
		m.exchangeLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) StreamStarted() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) StreamFinished() {
	if m != nil {
		m.activeStreams.Dec()
	}
}

func (m *Metrics) PersistAttempt(err error) {
	if m != nil {
		m.persistAttempts.WithLabelValues(outcome(err)).Inc()
	}
}

func (m *Metrics) LockReclaimed() {
	if m != nil {
		m.lockReclaims.Inc()
	}
}

func (m *Metrics) LockWait(d time.Duration) {
	if m != nil {
		m.lockWait.Observe(d.Seconds())
	}
}

func (m *Metrics) Rollover(outcome string) {
	if m != nil {
		m.rollovers.WithLabelValues(outcome).Inc()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

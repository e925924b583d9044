package kurir

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for kurir's call pipeline:
// scheduling, caching, retries, recovery, notification and reporting. It is
// safe for concurrent use and every method is a no-op on a nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	queueDepth        prometheus.Gauge
	gateInFlight      prometheus.Gauge
	queueWait         prometheus.Histogram
	admissionsDenied  prometheus.Counter
	rateLimiterTokens *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	deduplicationHits *prometheus.CounterVec

	errorsTotal     *prometheus.CounterVec
	recoveriesTotal *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	reports         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_requests_total",
				Help: "Total number of transport attempts made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kurir_request_duration_seconds",
				Help:    "Duration of transport attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kurir_requests_in_flight",
				Help: "Number of calls currently executing",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"kind", "attempt"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kurir_queue_depth",
				Help: "Number of calls waiting for admission",
			},
		),
		gateInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kurir_gate_in_flight",
				Help: "Number of admitted calls holding a gate slot",
			},
		),
		queueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kurir_queue_wait_seconds",
				Help:    "Time calls spent queued before admission",
				Buckets: prometheus.DefBuckets,
			},
		),
		admissionsDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kurir_admissions_denied_total",
				Help: "Total number of queued calls that exceeded the admission timeout",
			},
		),
		rateLimiterTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kurir_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kurir_cache_size",
				Help: "Current number of entries in cache",
			},
			[]string{"name"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_deduplication_hits_total",
				Help: "Total number of calls served by an identical in-flight call",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_errors_total",
				Help: "Total number of classified errors by kind",
			},
			[]string{"kind", "method", "endpoint"},
		),
		recoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_recoveries_total",
				Help: "Total number of recovery attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_notifications_total",
				Help: "Total number of notifications emitted by type",
			},
			[]string{"type"},
		),
		reports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_reports_total",
				Help: "Total number of error reports by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records one transport attempt.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(kind Kind, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(kind.String(), strconv.Itoa(attempt)).Inc()
}

// RecordQueueDepth sets the number of waiting calls.
func (mc *MetricsCollector) RecordQueueDepth(n int) {
	if mc == nil {
		return
	}

	mc.queueDepth.Set(float64(n))
}

// RecordInFlight sets the number of held gate slots.
func (mc *MetricsCollector) RecordInFlight(n int) {
	if mc == nil {
		return
	}

	mc.gateInFlight.Set(float64(n))
}

// RecordQueueWait observes how long an admitted call waited.
func (mc *MetricsCollector) RecordQueueWait(d time.Duration) {
	if mc == nil {
		return
	}

	mc.queueWait.Observe(d.Seconds())
}

// RecordAdmissionDenied counts a queued call that timed out.
func (mc *MetricsCollector) RecordAdmissionDenied() {
	if mc == nil {
		return
	}

	mc.admissionsDenied.Inc()
}

// RecordRateLimiterTokens sets available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens float64) {
	if mc == nil {
		return
	}

	mc.rateLimiterTokens.WithLabelValues(name).Set(tokens)
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(kind Kind, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(kind.String(), method, endpoint).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method, endpoint).Inc()
}

// RecordRecovery counts a recovery attempt.
func (mc *MetricsCollector) RecordRecovery(kind Kind, recovered bool) {
	if mc == nil {
		return
	}

	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	mc.recoveriesTotal.WithLabelValues(kind.String(), outcome).Inc()
}

// RecordNotification counts an emitted notification.
func (mc *MetricsCollector) RecordNotification(t NotificationType) {
	if mc == nil {
		return
	}

	mc.notifications.WithLabelValues(t.String()).Inc()
}

// RecordReport counts reporter outcomes: sampled_out, queued, dropped, sent,
// requeued, fallback.
func (mc *MetricsCollector) RecordReport(outcome string, n int) {
	if mc == nil || n <= 0 {
		return
	}

	mc.reports.WithLabelValues(outcome).Add(float64(n))
}

// GetRegistry exposes the underlying prometheus registry. It is nil when the
// collector was built on a Registerer that is not a *prometheus.Registry.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

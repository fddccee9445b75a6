package revalida

import (
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exposes Prometheus metrics for the cache and the execution
// loop. All methods are nil-safe so a Client without metrics pays nothing.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal   *prometheus.CounterVec
	redirectsTotal *prometheus.CounterVec
	rateLimitWaits *prometheus.CounterVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheRevalidations *prometheus.CounterVec
	cacheStores        *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_requests_total",
				Help: "Total number of HTTP exchanges with the origin",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revalida_request_duration_seconds",
				Help:    "Duration of HTTP exchanges with the origin in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "revalida_requests_in_flight",
				Help: "Number of client calls currently in progress",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_retries_total",
				Help: "Total number of retries after transient failures",
			},
			[]string{"method", "endpoint"},
		),
		redirectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_redirects_total",
				Help: "Total number of redirects followed",
			},
			[]string{"method", "endpoint"},
		),
		rateLimitWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_rate_limit_waits_total",
				Help: "Total number of waits requested by the rate-limit detector",
			},
			[]string{"method", "endpoint"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_cache_hits_total",
				Help: "Total number of calls served from a fresh cache entry",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_cache_misses_total",
				Help: "Total number of calls with no fresh cache entry",
			},
			[]string{"method", "endpoint"},
		),
		cacheRevalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_cache_revalidations_total",
				Help: "Total number of stale entries confirmed by a 304",
			},
			[]string{"method", "endpoint"},
		),
		cacheStores: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_cache_stores_total",
				Help: "Total number of entries written to the store",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revalida_errors_total",
				Help: "Total number of errors returned to callers",
			},
			[]string{"type", "method", "endpoint"},
		),
	}
}

// RecordRequest records one origin exchange and its duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

func (mc *MetricsCollector) RecordRetry(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint).Inc()
}

func (mc *MetricsCollector) RecordRedirect(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.redirectsTotal.WithLabelValues(method, endpoint).Inc()
}

func (mc *MetricsCollector) RecordRateLimitWait(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.rateLimitWaits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheHit records a call answered from a fresh entry.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss records a call that had to contact the origin.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

func (mc *MetricsCollector) RecordCacheRevalidation(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheRevalidations.WithLabelValues(method, endpoint).Inc()
}

func (mc *MetricsCollector) RecordCacheStore(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheStores.WithLabelValues(method, endpoint).Inc()
}

// RecordError records an error by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// endpointOf reduces a URL to its host for metric labels.
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// Package metrics exposes Prometheus instrumentation for the gateway, the query cache and the
// ingestion poller.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"queryflow/internal/core"
	"queryflow/internal/querycache"
)

const namespace = "queryflow"

// Metrics implements gateway.Hooks, querycache.Hooks and poller.Hooks.
type Metrics struct {
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	cacheFetches         *prometheus.CounterVec
	cacheFetchDuration   *prometheus.HistogramVec
	cacheJoins           *prometheus.CounterVec
	cacheStaleSuppressed *prometheus.CounterVec
	cacheInvalidations   *prometheus.CounterVec

	polls       *prometheus.CounterVec
	jobsSettled *prometheus.CounterVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer to expose them
// through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Backend requests by endpoint and outcome",
		}, []string{"method", "path", "outcome", "status_code"}),
		gatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Backend request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		cacheFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fetches_total",
			Help:      "Loader executions by resource and result",
		}, []string{"resource", "result"}),
		cacheFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_fetch_duration_seconds",
			Help:      "Loader latency by resource",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		cacheJoins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_fetch_joins_total",
			Help:      "Fetches that shared an in-flight load",
		}, []string{"resource"}),
		cacheStaleSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_results_total",
			Help:      "Load results discarded because a newer load completed first",
		}, []string{"resource"}),
		cacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Entries marked stale by invalidation",
		}, []string{"resource"}),

		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_polls_total",
			Help:      "Ingestion status polls by outcome",
		}, []string{"outcome"}),
		jobsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_jobs_settled_total",
			Help:      "Ingestion jobs that reached a terminal status",
		}, []string{"status"}),
	}
}

// RequestCompleted records one backend call.
func (m *Metrics) RequestCompleted(method, path, outcome string, statusCode int, elapsed time.Duration) {
	code := "none"
	if statusCode > 0 {
		code = statusCodeLabel(statusCode)
	}
	m.gatewayRequests.WithLabelValues(method, path, outcome, code).Inc()
	m.gatewayDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (m *Metrics) FetchStarted(querycache.Key) {}

func (m *Metrics) FetchJoined(key querycache.Key) {
	m.cacheJoins.WithLabelValues(key.Name).Inc()
}

func (m *Metrics) FetchCompleted(key querycache.Key, err error, elapsed time.Duration) {
	result := "success"
	switch {
	case errors.Is(err, querycache.ErrDiscard):
		result = "discarded"
	case err != nil:
		result = "error"
	}
	m.cacheFetches.WithLabelValues(key.Name, result).Inc()
	m.cacheFetchDuration.WithLabelValues(key.Name).Observe(elapsed.Seconds())
}

func (m *Metrics) StaleSuppressed(key querycache.Key) {
	m.cacheStaleSuppressed.WithLabelValues(key.Name).Inc()
}

func (m *Metrics) Invalidated(key querycache.Key) {
	m.cacheInvalidations.WithLabelValues(key.Name).Inc()
}

// PollCompleted records one status poll.
func (m *Metrics) PollCompleted(outcome string) {
	m.polls.WithLabelValues(outcome).Inc()
}

// JobSettled records a job reaching a terminal status.
func (m *Metrics) JobSettled(status core.JobStatus) {
	m.jobsSettled.WithLabelValues(string(status)).Inc()
}

func statusCodeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

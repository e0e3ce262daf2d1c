package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a private
// registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram

	pushOperations prometheus.Counter
	pullRequests   prometheus.Counter
	conflicts      *prometheus.CounterVec

	paymentVariances prometheus.Counter
	auditFailures    prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldline_http_requests_total",
			Help: "HTTP requests by status class.",
		}, []string{"class"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldline_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		pushOperations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldline_sync_push_operations_total",
			Help: "Sync operations accepted for processing.",
		}),
		pullRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldline_sync_pull_requests_total",
			Help: "Pull phases served.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldline_sync_conflicts_total",
			Help: "Conflicts returned to clients, by resolution.",
		}, []string{"resolution"}),
		paymentVariances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldline_payment_variances_total",
			Help: "Payment overclaims flagged for manual review.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldline_audit_write_failures_total",
			Help: "Audit log writes that failed and were swallowed.",
		}),
	}
	reg.MustRegister(
		m.requests, m.requestDuration,
		m.pushOperations, m.pullRequests, m.conflicts,
		m.paymentVariances, m.auditFailures,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAuditFailure is handed to the audit logger as its onError hook.
func (m *Metrics) RecordAuditFailure(error) {
	m.auditFailures.Inc()
}

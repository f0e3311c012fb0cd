package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request metrics
var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"path", "status"},
	)

	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"path"},
	)
)

// Admission and upstream metrics
var (
	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_denied_total",
			Help: "Requests denied by a sliding-window budget",
		},
		[]string{"axis"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Upstream chat calls by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream chat call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	AnalyticsFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_analytics_failures_total",
			Help: "Analytics writes that failed and were dropped",
		},
	)
)

// NewRegistry returns a registry with the runtime collectors and every
// gateway collector registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg.MustRegister(
		RequestsTotal,
		RequestDurationSeconds,
		RateLimitDeniedTotal,
		UpstreamRequestsTotal,
		UpstreamDurationSeconds,
		AnalyticsFailuresTotal,
	)

	return reg
}

// MetricsHandler serves the Prometheus exposition endpoint for reg.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

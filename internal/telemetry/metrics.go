package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the session service. Each instance owns its registry so tests
// can build one per case.
type Metrics struct {
	registry *prometheus.Registry

	SessionResolve      *prometheus.CounterVec
	SessionRefresh      *prometheus.CounterVec
	TokenVerifyFailures *prometheus.CounterVec
	Login               *prometheus.CounterVec
	SessionsPruned      prometheus.Counter
	RouteRejected       *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// NewMetrics registers all collectors plus the Go and process collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionResolve: f.NewCounterVec(prometheus.CounterOpts{
			Name: "session_resolve_total",
			Help: "Access token resolutions by outcome.",
		}, []string{"outcome"}),
		SessionRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		TokenVerifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "token_verify_failures_total",
			Help: "Rejected tokens by reason.",
		}, []string{"reason"}),
		Login: f.NewCounterVec(prometheus.CounterOpts{
			Name: "login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		SessionsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "sessions_pruned_total",
			Help: "Expired sessions deleted by the worker.",
		}),
		RouteRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "route_rejected_total",
			Help: "Requests rejected by a route concurrency limit.",
		}, []string{"route"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (used by tests and the worker).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

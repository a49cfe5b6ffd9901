// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	RedirectsFollowed prometheus.Counter

	RejectedTotal       *prometheus.CounterVec
	RenderTotal         *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. prefixes are the route prefixes reported as path labels; any
// other path is reported as "other".
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, redirects included.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_relay_upstream_errors_total",
			Help: "Upstream calls that produced no response, by kind.",
		}, []string{"kind"}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_relay_upstream_redirects_followed_total",
			Help: "Redirect hops followed on behalf of callers.",
		}),

		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_relay_rejected_requests_total",
			Help: "Requests refused before reaching the upstream, by reason.",
		}, []string{"reason"}),

		RenderTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_relay_render_total",
			Help: "Markdown render attempts by result.",
		}, []string{"result"}),

		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_relay_render_circuit_state",
			Help: "Render upstream circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),

		prefixes: append([]string{"/healthz", "/status", "/metrics"}, prefixes...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RedirectsFollowed,
		m.RejectedTotal,
		m.RenderTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the exposition handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics. Relay
// paths embed arbitrary target URLs, so only the route prefix is kept.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

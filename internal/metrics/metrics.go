// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"linkproxy/internal/config"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RewritesTotal *prometheus.CounterVec
	HTMLRewrites  prometheus.Counter
	BufferedBytes prometheus.Histogram
	FailuresTotal *prometheus.CounterVec

	// routes are the paths the proxy serves itself; see PathLabel.
	routes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. Built-in routes are labelled at their default paths.
func New() *Metrics {
	return newMetrics(append(slices.Clone(config.ReservedPaths), "/metrics"))
}

// NewForConfig is New with the scrape endpoint labelled at the configured
// metrics path.
func NewForConfig(cfg *config.Config) *Metrics {
	routes := slices.Clone(config.ReservedPaths)
	if cfg.Metrics.Enabled && cfg.Metrics.Path != "" {
		routes = append(routes, cfg.Metrics.Path)
	}
	return newMetrics(routes)
}

func newMetrics(routes []string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		routes:   routes,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkproxy_upstream_request_duration_seconds",
			Help:    "Time to origin response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkproxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkproxy_rewrites_total",
			Help: "Origin responses by selected rewrite strategy.",
		}, []string{"strategy"}),

		HTMLRewrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkproxy_html_documents_rewritten_total",
			Help: "HTML documents successfully rewritten.",
		}),

		BufferedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkproxy_html_buffered_bytes",
			Help:    "Size of origin HTML bodies buffered for rewriting.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),

		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkproxy_failures_total",
			Help: "Requests that ended in a proxy-generated error, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RewritesTotal,
		m.HTMLRewrites,
		m.BufferedBytes,
		m.FailuresTotal,
	)

	return m
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

// PathLabel returns a bounded path label for Prometheus metrics.
// Everything that is not a built-in route is proxy traffic.
func (m *Metrics) PathLabel(path string) string {
	for _, route := range m.routes {
		if path == route || strings.HasPrefix(path, route+"/") {
			return route
		}
	}
	return "proxy"
}

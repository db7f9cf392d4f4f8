package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec
	eventStreams    *prometheus.GaugeVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "code"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected before reaching a handler, by reason.",
		},
		[]string{"service", "reason"},
	)
	eventStreams := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "open_streams",
			Help:      "Open event streams by transport.",
		},
		[]string{"service", "transport"},
	)

	registry.MustRegister(requestTotal, requestDuration, requestInFlight, rejectedTotal, eventStreams)

	return &HTTPServerMetrics{
		registry:        registry,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		requestInFlight: requestInFlight,
		rejectedTotal:   rejectedTotal,
		eventStreams:    eventStreams,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments next with request count, latency and in-flight
// metrics labelled by the normalized path.
func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(m.requestInFlight,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			labels := prometheus.Labels{"service": service, "path": normalizePath(r.URL.Path)}
			h := promhttp.InstrumentHandlerDuration(m.requestDuration.MustCurryWith(labels),
				promhttp.InstrumentHandlerCounter(m.requestTotal.MustCurryWith(labels), next))
			h.ServeHTTP(w, r)
		}))
}

// normalizePath collapses ids so label cardinality stays bounded.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/"):
		rest := strings.TrimPrefix(path, "/v1/documents/")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/v1/documents/{document_id}" + rest[i:]
		}
		return "/v1/documents/{document_id}"
	case strings.HasPrefix(path, "/v1/clients/"):
		return "/v1/clients/{client_id}/events"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

// StreamOpened counts an open stream and returns the matching close func.
func (m *HTTPServerMetrics) StreamOpened(service, transport string) func() {
	g := m.eventStreams.WithLabelValues(service, transport)
	g.Inc()
	return g.Dec
}

// HandlerWith merges the HTTP registry with extra registries, typically the
// embedded worker's.
func (m *HTTPServerMetrics) HandlerWith(extra ...prometheus.Gatherer) http.Handler {
	gatherers := prometheus.Gatherers{m.registry}
	gatherers = append(gatherers, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

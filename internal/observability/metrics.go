// Package observability collects Prometheus metrics for the HTTP surface and
// the ledger hot path.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and the application metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	appendsTotal    *prometheus.CounterVec
	conflictRetries prometheus.Counter
	rebuildDuration *prometheus.HistogramVec
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockroom_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	appends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_movement_appends_total",
		Help: "Ledger appends by result (applied or replayed).",
	}, []string{"result"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockroom_transient_conflicts_total",
		Help: "Movement transactions that exhausted conflict retries.",
	})
	rebuilds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockroom_projection_rebuild_duration_seconds",
		Help:    "Projection rebuild duration per scope.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"scope"})
	registry.MustRegister(requests, duration, appends, retries, rebuilds)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		appendsTotal:    appends,
		conflictRetries: retries,
		rebuildDuration: rebuilds,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// MovementAppended counts one ledger append; replayed marks idempotent
// re-submissions that changed nothing.
func (m *Metrics) MovementAppended(replayed bool) {
	if m == nil {
		return
	}
	result := "applied"
	if replayed {
		result = "replayed"
	}
	m.appendsTotal.WithLabelValues(result).Inc()
}

// TransientConflict counts a movement transaction that gave up after
// exhausting its retry budget.
func (m *Metrics) TransientConflict() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// RebuildObserved records one projection rebuild.
func (m *Metrics) RebuildObserved(scope string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rebuildDuration.WithLabelValues(scope).Observe(elapsed.Seconds())
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

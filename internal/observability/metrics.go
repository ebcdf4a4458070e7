// Package observability exposes the Prometheus metrics of the integration hub.
package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects HTTP and delivery metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	eventsPublished *prometheus.CounterVec
	deliveriesQueue *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	deferralsTotal  *prometheus.CounterVec
	prunedTotal     prometheus.Counter
	recoveredTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "integration_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_events_published_total",
			Help: "Domain events published by type.",
		}, []string{"event_type"}),
		deliveriesQueue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_deliveries_created_total",
			Help: "Deliveries created by fan-out, by event type.",
		}, []string{"event_type"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_delivery_attempts_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "integration_delivery_attempt_duration_seconds",
			Help:    "Outbound webhook call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		deferralsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "integration_delivery_deferrals_total",
			Help: "Attempts pushed back without being executed, by reason.",
		}, []string{"reason"}),
		prunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "integration_ledger_pruned_total",
			Help: "Terminal deliveries removed by retention.",
		}),
		recoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "integration_deliveries_recovered_total",
			Help: "Stalled deliveries re-enqueued by recovery.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.eventsPublished, m.deliveriesQueue,
		m.attemptsTotal, m.attemptDuration, m.deferralsTotal,
		m.prunedTotal, m.recoveredTotal,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency labelled by chi route pattern.
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

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func (m *Metrics) EventPublished(eventType string, deliveries int) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
	m.deliveriesQueue.WithLabelValues(eventType).Add(float64(deliveries))
}

func (m *Metrics) AttemptRecorded(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.attemptDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) AttemptDeferred(reason string) {
	if m == nil {
		return
	}
	m.deferralsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Pruned(n int64) {
	if m == nil {
		return
	}
	m.prunedTotal.Add(float64(n))
}

func (m *Metrics) Recovered(n int) {
	if m == nil {
		return
	}
	m.recoveredTotal.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

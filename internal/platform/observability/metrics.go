package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "foodorder"

// Metrics holds the Prometheus collectors of the API. Each instance owns its registry so
// tests can build several without colliding on the default one.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	paymentRequests *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	idempotency     *prometheus.CounterVec
}

// NewMetrics registers the HTTP and payment collectors together with the Go runtime ones.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"route"}),
		paymentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "payments",
			Name:      "requests_total",
			Help:      "Payment requests by gateway and outcome.",
		}, []string{"provider", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "payments",
			Name:      "notifications_total",
			Help:      "Gateway notifications by reconciliation outcome.",
		}, []string{"provider", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "verifications_total",
			Help:      "Webhook signature and OIDC token checks by result.",
		}, []string{"kind", "result", "reason"}),
		idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Keyed create requests by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.paymentRequests, m.notifications, m.verifications, m.idempotency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by chi route pattern. It must run inside the router so the
// pattern is resolved when the handler returns.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := SanitizeRoute(routePattern(r))
		m.requests.WithLabelValues(route, SanitizeMethod(r.Method), strconv.Itoa(statusOf(ww))).Inc()
		m.latency.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

// ObservePaymentRequest counts one payment request attempt.
func (m *Metrics) ObservePaymentRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.paymentRequests.WithLabelValues(provider, outcome).Inc()
}

// ObserveNotification counts one processed gateway notification.
func (m *Metrics) ObserveNotification(provider, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(provider, outcome).Inc()
}

// RecordVerification counts one signature or token check.
func (m *Metrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	result := "rejected"
	if success {
		result = "accepted"
	}
	m.verifications.WithLabelValues(kind, result, reason).Inc()
}

// ObserveIdempotency counts one keyed request by how the idempotency guard answered it.
func (m *Metrics) ObserveIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	movementsTotal     *prometheus.CounterVec
	stockRejections    prometheus.Counter
	compensationsTotal prometheus.Counter
	compensationFails  prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backroom_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backroom_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backroom_stock_movements_total",
		Help: "Posted stock movements by type.",
	}, []string{"type"})
	rejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_insufficient_stock_total",
		Help: "Issue-stock requests rejected for insufficient quantity.",
	})
	compensations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_saga_compensations_total",
		Help: "Receive-stock sagas that ran compensation.",
	})
	compensationFails := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_saga_compensation_failures_total",
		Help: "Compensation steps that themselves failed.",
	})
	registry.MustRegister(requests, duration, movements, rejections, compensations, compensationFails)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		movementsTotal:     movements,
		stockRejections:    rejections,
		compensationsTotal: compensations,
		compensationFails:  compensationFails,
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

// ObserveMovement counts a posted stock movement.
func (m *Metrics) ObserveMovement(txType string) {
	if m == nil {
		return
	}
	m.movementsTotal.WithLabelValues(txType).Inc()
}

// ObserveInsufficientStock counts a rejected issue request.
func (m *Metrics) ObserveInsufficientStock() {
	if m == nil {
		return
	}
	m.stockRejections.Inc()
}

// ObserveCompensation counts a saga compensation run and its failed steps.
func (m *Metrics) ObserveCompensation(failedSteps int) {
	if m == nil {
		return
	}
	m.compensationsTotal.Inc()
	for i := 0; i < failedSteps; i++ {
		m.compensationFails.Inc()
	}
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

// Package observability provides logging, metrics, and tracing.
//
// It integrates with Prometheus and OpenTelemetry for system monitoring.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for HTTP, AI provider, and chat instrumentation.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by route, method, and status.",
		}, []string{"route", "method", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"})

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total AI provider requests by provider and operation.",
		}, []string{"provider", "op"})

	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI provider request duration by provider and operation.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "op"})

	AIFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_failovers_total",
			Help: "Total one-shot failovers by origin and alternate provider.",
		}, []string{"from", "to"})

	ChatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total completed chat turns by request type.",
		}, []string{"type"})

	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_tokens_total",
			Help: "Total tokens recorded to the usage ledger by model.",
		}, []string{"model"})

	UsageCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_cost_usd_total",
			Help: "Total cost in USD recorded to the usage ledger by model.",
		}, []string{"model"})
)

var registerOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to call
// more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(AIRequestsTotal)
		prometheus.MustRegister(AIRequestDuration)
		prometheus.MustRegister(AIFailoversTotal)
		prometheus.MustRegister(ChatTurnsTotal)
		prometheus.MustRegister(UsageTokensTotal)
		prometheus.MustRegister(UsageCostTotal)
	})
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

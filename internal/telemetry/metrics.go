package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrolldepth_sessions_active",
			Help: "Number of open tracking sessions.",
		},
	)

	sessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrolldepth_sessions_closed_total",
			Help: "Sessions closed, labeled by reason (closed, idle, shutdown).",
		},
		[]string{"reason"},
	)

	samplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrolldepth_samples_total",
			Help: "Scroll samples evaluated across all sessions.",
		},
	)

	milestonesFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrolldepth_milestones_fired_total",
			Help: "Milestones fired by samples, before broadcast batching.",
		},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrolldepth_rate_limited_total",
			Help: "Requests refused by a rate limiter, labeled by scope.",
		},
		[]string{"scope"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrolldepth_rate_limit_delay_seconds",
			Help:    "Time spent waiting for a rate limiter token, labeled by scope.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"scope"},
	)

	deliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scrolldepth_observer_failures_total",
			Help: "Observer or broadcaster deliveries that returned an error or panicked.",
		},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics. The
// wrapped writer keeps http.Hijacker so websocket upgrades still work.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, routePattern, status, time.Since(start))
	})
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SessionMetrics feeds session lifecycle signals into the Prometheus collectors.
type SessionMetrics struct{}

// SessionOpened increments the active session gauge.
func (SessionMetrics) SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (SessionMetrics) SessionClosed(reason string) {
	sessionsActive.Dec()
	sessionsClosedTotal.WithLabelValues(reason).Inc()
}

// SampleObserved counts one sample and the milestones it fired.
func (SessionMetrics) SampleObserved(fired int) {
	samplesTotal.Inc()
	if fired > 0 {
		milestonesFiredTotal.Add(float64(fired))
	}
}

// DeliveryFailed counts one isolated observer failure.
func (SessionMetrics) DeliveryFailed() {
	deliveryFailuresTotal.Inc()
}

// ObserveRateLimited counts a request refused by the limiter for scope.
func ObserveRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
}

// ObserveRateLimitDelay records how long a caller waited for a token.
func ObserveRateLimitDelay(scope string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(scope).Observe(d.Seconds())
}

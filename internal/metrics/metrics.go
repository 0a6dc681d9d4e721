package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labnotify_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labnotify_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	activitiesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labnotify_activities_processed_total",
			Help: "Activities processed by the policy engine, by outcome",
		},
		[]string{"outcome"},
	)

	emailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labnotify_emails_total",
			Help: "Email jobs finished, by outcome",
		},
		[]string{"outcome"},
	)

	deliveryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "labnotify_email_delivery_attempts_total",
			Help: "Transport send attempts including retries",
		},
	)

	sendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labnotify_email_send_duration_seconds",
			Help:    "Time from job admission to terminal outcome",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	dispatcherActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "labnotify_dispatcher_active_jobs",
			Help: "Email jobs currently running",
		},
	)

	dispatcherBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "labnotify_dispatcher_backlog_jobs",
			Help: "Email jobs waiting for a slot",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labnotify_rate_limit_rejections_total",
			Help: "Requests rejected by a rate limiter, by scope",
		},
		[]string{"scope"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "labnotify_sqs_messages_in_flight",
			Help: "Activity messages currently being processed from SQS",
		},
	)
)

// Activity outcomes.
const (
	OutcomeCreated    = "created"
	OutcomeDuplicate  = "duplicate"
	OutcomeNoActor    = "no_actor"
	OutcomeSuppressed = "suppressed"
	OutcomeError      = "error"
)

// Email outcomes.
const (
	EmailSent        = "sent"
	EmailFailed      = "failed"
	EmailRateLimited = "rate_limited"
	EmailTimedOut    = "timed_out"
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordActivity(outcome string) {
	activitiesProcessed.WithLabelValues(outcome).Inc()
}

func RecordEmail(outcome string, elapsed time.Duration) {
	emailsTotal.WithLabelValues(outcome).Inc()
	sendLatency.Observe(elapsed.Seconds())
}

func RecordDeliveryAttempt() {
	deliveryAttempts.Inc()
}

// SetDispatcherDepth publishes the dispatcher's active and backlog counts.
func SetDispatcherDepth(active, backlog int) {
	dispatcherActive.Set(float64(active))
	dispatcherBacklog.Set(float64(backlog))
}

// RecordRateLimitRejection counts a rejection; scope is "email" or "api".
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// /v1/users/{id}/notifications is one series regardless of id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}

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
			Name: "eventhub_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhub_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_dispatches_total",
			Help: "Dispatch invocations by notification type and outcome",
		},
		[]string{"type", "outcome"},
	)

	pushMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_push_messages_sent_total",
			Help: "Push messages accepted by the gateway, by notification type",
		},
		[]string{"type"},
	)

	pushTicketsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_push_tickets_rejected_total",
			Help: "Per-message gateway rejections by error code",
		},
		[]string{"reason"},
	)

	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_push_gateway_requests_total",
			Help: "Batch submissions to the push gateway by result",
		},
		[]string{"result"},
	)

	gatewayLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventhub_push_gateway_latency_seconds",
			Help:    "Push gateway batch submission latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	deliveryFailuresQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventhub_delivery_failures_queued_total",
			Help: "Failed deliveries recorded for retry",
		},
	)

	deliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_delivery_retries_total",
			Help: "Retry worker attempts by result (delivered, rescheduled, dead)",
		},
		[]string{"result"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventhub_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	queueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_queue_messages_total",
			Help: "Async dispatch requests by stage (enqueued, processed, duplicate, invalid, retried)",
		},
		[]string{"stage"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventhub_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventhub_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter, by budget (dispatch, inbox) and key kind (user, ip)",
		},
		[]string{"budget", "scope"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_events_published_total",
			Help: "Domain events published by result",
		},
		[]string{"result"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventhub_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventhub_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one dispatch outcome: delivered, no_endpoints,
// delivery_failed, invalid or persistence_failed.
func RecordDispatch(notifType, outcome string) {
	dispatchesTotal.WithLabelValues(notifType, outcome).Inc()
}

// RecordMessagesSent adds n gateway-accepted messages.
func RecordMessagesSent(notifType string, n int) {
	pushMessagesSent.WithLabelValues(notifType).Add(float64(n))
}

// RecordTicketRejected records one rejected gateway ticket.
func RecordTicketRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	pushTicketsRejected.WithLabelValues(reason).Inc()
}

// RecordGatewayRequest records a batch submission and its latency.
func RecordGatewayRequest(result string, latency time.Duration) {
	gatewayRequests.WithLabelValues(result).Inc()
	gatewayLatency.Observe(latency.Seconds())
}

// RecordDeliveryFailureQueued records a failed delivery stored for retry
func RecordDeliveryFailureQueued() {
	deliveryFailuresQueued.Inc()
}

// RecordDeliveryRetry records one retry worker attempt
func RecordDeliveryRetry(result string) {
	deliveryRetries.WithLabelValues(result).Inc()
}

// SetCircuitState publishes the numeric circuit breaker state.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordQueueMessage records an async dispatch request at the given stage
func RecordQueueMessage(stage string) {
	queueMessages.WithLabelValues(stage).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(budget, scope string) {
	rateLimitRejections.WithLabelValues(budget, scope).Inc()
}

// RecordEventPublished records a domain event publish attempt
func RecordEventPublished(result string) {
	eventsPublished.WithLabelValues(result).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by chi route pattern so user ids stay out of label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRateLimitWait *prometheus.HistogramVec
	solanaRPCRateLimitHits *prometheus.CounterVec

	// Submission Metrics
	submissionAttemptsTotal  *prometheus.CounterVec
	submissionOutcomesTotal  *prometheus.CounterVec
	submissionRetryDelay     *prometheus.HistogramVec
	confirmationWaitDuration *prometheus.HistogramVec

	// Cache Metrics
	cacheLookupsTotal *prometheus.CounterVec
	cacheLoadDuration *prometheus.HistogramVec

	// Monitor Metrics
	monitorPollsTotal *prometheus.CounterVec

	// Temporal Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_rate_limit_wait_seconds",
				Help:    "Time spent waiting on the client-side RPC rate limiter",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),

		// Submission Metrics
		submissionAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submission_attempts_total",
				Help: "Total number of submission attempts by the stage they ended in and their result",
			},
			[]string{"stage", "result"},
		),
		submissionOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submission_outcomes_total",
				Help: "Total number of terminal submission outcomes",
			},
			[]string{"status", "category"},
		),
		submissionRetryDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submission_retry_delay_seconds",
				Help:    "Delay applied before retrying a submission",
				Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30},
			},
			[]string{"category"},
		),
		confirmationWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirmation_wait_duration_seconds",
				Help:    "Time spent waiting for a signature to reach the required durability level",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
			},
			[]string{"state"},
		),

		// Cache Metrics
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "result_cache_lookups_total",
				Help: "Total number of result cache lookups by cache and result (hit, miss, shared, abandoned)",
			},
			[]string{"cache", "result"},
		),
		cacheLoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "result_cache_load_duration_seconds",
				Help:    "Duration of result cache loads in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"cache", "status"},
		),

		// Monitor Metrics
		monitorPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_polls_total",
				Help: "Total number of monitor polls by result",
			},
			[]string{"result"},
		),

		// Temporal Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activity executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitWait records time spent blocked on the client-side limiter.
func (m *Metrics) RecordRateLimitWait(endpoint string, duration float64) {
	m.solanaRPCRateLimitWait.WithLabelValues(endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// Submission metric helpers

// RecordSubmissionAttempt records one engine attempt.
func (m *Metrics) RecordSubmissionAttempt(stage, result string) {
	m.submissionAttemptsTotal.WithLabelValues(stage, result).Inc()
}

// RecordSubmissionOutcome records a terminal engine outcome. category is
// empty for successes.
func (m *Metrics) RecordSubmissionOutcome(status, category string) {
	m.submissionOutcomesTotal.WithLabelValues(status, category).Inc()
}

// RecordRetryDelay records the backoff applied before the next attempt.
func (m *Metrics) RecordRetryDelay(category string, duration float64) {
	m.submissionRetryDelay.WithLabelValues(category).Observe(duration)
}

// RecordConfirmationWait records how long a confirmation wait took.
func (m *Metrics) RecordConfirmationWait(state string, duration float64) {
	m.confirmationWaitDuration.WithLabelValues(state).Observe(duration)
}

// Cache metric helpers

// RecordCacheLookup records a cache lookup result ("hit", "miss", "shared" or "abandoned").
func (m *Metrics) RecordCacheLookup(cache, result string) {
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordCacheLoad records a loader invocation.
func (m *Metrics) RecordCacheLoad(cache string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.cacheLoadDuration.WithLabelValues(cache, status).Observe(duration)
}

// Monitor metric helpers

// RecordMonitorPoll records one monitor poll ("unchanged", "changed", "error").
func (m *Metrics) RecordMonitorPoll(result string) {
	m.monitorPollsTotal.WithLabelValues(result).Inc()
}

// Temporal metric helpers

// RecordActivity records one activity execution.
func (m *Metrics) RecordActivity(activity string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

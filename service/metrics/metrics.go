package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics means metrics are disabled.
type Metrics struct {
	// Ledger RPC
	rpcCallsTotal    *prometheus.CounterVec
	rpcCallDuration  *prometheus.HistogramVec
	rpcRateLimitHits *prometheus.CounterVec
	submitOutcomes   *prometheus.CounterVec

	// Payments
	paymentTransitions *prometheus.CounterVec
	reconcileChecks    *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	walletBusyTotal    *prometheus.CounterVec
	resubmissionsTotal prometheus.Counter

	// Cache
	cacheRequests *prometheus.CounterVec

	// Keystore
	keystoreOperations *prometheus.CounterVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Temporal
	activityDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xrpl_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status", "network"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xrpl_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "network"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xrpl_rpc_rate_limit_hits_total",
				Help: "Total number of responses indicating the RPC endpoint is throttling us",
			},
			[]string{"network"},
		),
		submitOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xrpl_submit_outcomes_total",
				Help: "Total number of transaction submissions by outcome and engine result",
			},
			[]string{"outcome", "engine_result"},
		),

		paymentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transitions_total",
				Help: "Total number of payment intent state transitions",
			},
			[]string{"from", "to"},
		),
		reconcileChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_reconcile_checks_total",
				Help: "Total number of reconciliation lookups by observed ledger state",
			},
			[]string{"state"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "payment_sweep_duration_seconds",
				Help:    "Duration of reconciliation sweeps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
		walletBusyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_busy_total",
				Help: "Total number of payments that found their source wallet busy",
			},
			[]string{"policy"},
		),
		resubmissionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "payment_resubmissions_total",
				Help: "Total number of payments resubmitted after being presumed lost",
			},
		),

		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_requests_total",
				Help: "Total number of cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),

		keystoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystore_operations_total",
				Help: "Total number of keystore operations",
			},
			[]string{"operation", "status"},
		),

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
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

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

		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activity executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"activity", "status"},
		),
	}
}

// Ledger RPC metric helpers

// RecordRPCCall records a ledger RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, network string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, network).Inc()
	m.rpcCallDuration.WithLabelValues(method, network).Observe(duration)
}

// RecordRateLimitHit records a throttled response (429/503).
func (m *Metrics) RecordRateLimitHit(network string) {
	m.rpcRateLimitHits.WithLabelValues(network).Inc()
}

// RecordSubmitOutcome records the classification of a submit call.
func (m *Metrics) RecordSubmitOutcome(outcome, engineResult string) {
	if engineResult == "" {
		engineResult = "none"
	}
	m.submitOutcomes.WithLabelValues(outcome, engineResult).Inc()
}

// Payment metric helpers

// RecordPaymentTransition records a payment intent moving between states.
func (m *Metrics) RecordPaymentTransition(from, to string) {
	m.paymentTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconcileCheck records one ledger lookup made during reconciliation.
func (m *Metrics) RecordReconcileCheck(state string) {
	m.reconcileChecks.WithLabelValues(state).Inc()
}

// RecordSweep records how long a reconciliation sweep took.
func (m *Metrics) RecordSweep(duration float64) {
	m.sweepDuration.Observe(duration)
}

// RecordWalletBusy records a payment that found its wallet slot held.
func (m *Metrics) RecordWalletBusy(policy string) {
	m.walletBusyTotal.WithLabelValues(policy).Inc()
}

// RecordResubmission records a payment resubmitted with its original sequence.
func (m *Metrics) RecordResubmission() {
	m.resubmissionsTotal.Inc()
}

// Cache metric helpers

// RecordCacheRequest records a cache lookup. result is one of hit, miss,
// stale or error.
func (m *Metrics) RecordCacheRequest(kind, result string) {
	m.cacheRequests.WithLabelValues(kind, result).Inc()
}

// Keystore metric helpers

// RecordKeystoreOperation records a create, import or sign operation.
func (m *Metrics) RecordKeystoreOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.keystoreOperations.WithLabelValues(operation, status).Inc()
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

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
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

// Temporal metric helpers

// RecordActivityDuration records how long a Temporal activity ran.
func (m *Metrics) RecordActivityDuration(activity string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

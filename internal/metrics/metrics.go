package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the broker/queue/worker core.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal  *prometheus.CounterVec
	ExecutionActive  *prometheus.GaugeVec

	// Node (step) metrics
	NodeExecutionsTotal   *prometheus.CounterVec
	NodeExecutionDuration *prometheus.HistogramVec

	// Broker metrics (C5)
	RouteEventDuration *prometheus.HistogramVec
	RouteEventErrors   *prometheus.CounterVec

	// Queue metrics (C2)
	QueueDepth        *prometheus.GaugeVec
	LeaseDuration     prometheus.Histogram
	RedeliveredTotal  prometheus.Counter

	// Retry metrics (C6)
	RetryBackoffSeconds *prometheus.HistogramVec
	RetryAttemptsTotal  *prometheus.CounterVec

	// Worker pool metrics (C8)
	ActiveWorkers prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Formula evaluation metrics (internal/workflow/formula, expr-lang/expr)
	FormulaEvaluationsTotal   *prometheus.CounterVec
	FormulaEvaluationDuration *prometheus.HistogramVec
	FormulaCacheHitsTotal     prometheus.Counter
	FormulaCacheMissesTotal   prometheus.Counter

	// Database metrics
	DBConnectionsOpen  *prometheus.GaugeVec
	DBConnectionsIdle  *prometheus.GaugeVec
	DBConnectionsInUse *prometheus.GaugeVec
	DBQueryDuration    *prometheus.HistogramVec
	DBQueriesTotal     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_executions_total",
				Help: "Total number of playbook executions by catalog path and terminal status",
			},
			[]string{"path", "status"},
		),
		ExecutionActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noetl_executions_active",
				Help: "Number of currently running executions by catalog path",
			},
			[]string{"path"},
		),
		NodeExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_node_executions_total",
				Help: "Total number of node (step) executions by node type and status",
			},
			[]string{"node_type", "status"},
		),
		NodeExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noetl_node_execution_duration_seconds",
				Help:    "Node execution duration in seconds by node type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"node_type"},
		),
		RouteEventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noetl_broker_route_event_duration_seconds",
				Help:    "Broker route_event dispatch duration in seconds by event type",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"event_type"},
		),
		RouteEventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_broker_route_event_errors_total",
				Help: "Total number of route_event dispatch failures by event type",
			},
			[]string{"event_type"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noetl_queue_depth",
				Help: "Current queue depth by status (queued, leased, done, dead)",
			},
			[]string{"status"},
		),
		LeaseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noetl_queue_lease_duration_seconds",
				Help:    "Wall-clock time a queue entry stayed leased before Complete/Fail",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		RedeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "noetl_queue_redelivered_total",
				Help: "Total number of queue entries redelivered by the lease-expiry sweeper",
			},
		),
		RetryBackoffSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noetl_retry_backoff_seconds",
				Help:    "Computed retry backoff delay in seconds by node type",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 300, 600},
			},
			[]string{"node_type"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_retry_attempts_total",
				Help: "Total number of retry attempts by node type and outcome",
			},
			[]string{"node_type", "outcome"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "noetl_active_workers",
				Help: "Number of worker pool slots currently leasing or running a job",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noetl_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		FormulaEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_formula_evaluations_total",
				Help: "Total number of expr-lang guard evaluations by status",
			},
			[]string{"status"},
		),
		FormulaEvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noetl_formula_evaluation_duration_seconds",
				Help:    "Guard expression evaluation duration in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{},
		),
		FormulaCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "noetl_formula_cache_hits_total",
				Help: "Total number of compiled-expression cache hits",
			},
		),
		FormulaCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "noetl_formula_cache_misses_total",
				Help: "Total number of compiled-expression cache misses",
			},
		),
		DBConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noetl_db_connections_open",
				Help: "Number of open database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noetl_db_connections_idle",
				Help: "Number of idle database connections",
			},
			[]string{"pool"},
		),
		DBConnectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "noetl_db_connections_in_use",
				Help: "Number of database connections in use",
			},
			[]string{"pool"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "noetl_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation", "table"},
		),
		DBQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noetl_db_queries_total",
				Help: "Total number of database queries by operation, table, and status",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// Register registers all metrics with the provided registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.ExecutionsTotal, m.ExecutionActive,
		m.NodeExecutionsTotal, m.NodeExecutionDuration,
		m.RouteEventDuration, m.RouteEventErrors,
		m.QueueDepth, m.LeaseDuration, m.RedeliveredTotal,
		m.RetryBackoffSeconds, m.RetryAttemptsTotal,
		m.ActiveWorkers,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.FormulaEvaluationsTotal, m.FormulaEvaluationDuration,
		m.FormulaCacheHitsTotal, m.FormulaCacheMissesTotal,
		m.DBConnectionsOpen, m.DBConnectionsIdle, m.DBConnectionsInUse,
		m.DBQueryDuration, m.DBQueriesTotal,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordExecution records a terminal execution outcome.
func (m *Metrics) RecordExecution(path, status string, durationSeconds float64) {
	m.ExecutionsTotal.WithLabelValues(path, status).Inc()
}

// IncActiveExecutions marks an execution as started.
func (m *Metrics) IncActiveExecutions(path string) {
	m.ExecutionActive.WithLabelValues(path).Inc()
}

// DecActiveExecutions marks an execution as finished.
func (m *Metrics) DecActiveExecutions(path string) {
	m.ExecutionActive.WithLabelValues(path).Dec()
}

// RecordNodeExecution records a completed node execution.
func (m *Metrics) RecordNodeExecution(nodeType, status string, durationSeconds float64) {
	m.NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	m.NodeExecutionDuration.WithLabelValues(nodeType).Observe(durationSeconds)
}

// RecordRouteEvent records one broker dispatch.
func (m *Metrics) RecordRouteEvent(eventType string, durationSeconds float64, err error) {
	m.RouteEventDuration.WithLabelValues(eventType).Observe(durationSeconds)
	if err != nil {
		m.RouteEventErrors.WithLabelValues(eventType).Inc()
	}
}

// SetQueueDepth records the current queue depth for one status.
func (m *Metrics) SetQueueDepth(status string, depth float64) {
	m.QueueDepth.WithLabelValues(status).Set(depth)
}

// RecordLeaseDuration records how long a queue entry stayed leased.
func (m *Metrics) RecordLeaseDuration(durationSeconds float64) {
	m.LeaseDuration.Observe(durationSeconds)
}

// IncRedelivered records one sweeper redelivery.
func (m *Metrics) IncRedelivered() {
	m.RedeliveredTotal.Inc()
}

// RecordRetryBackoff records a computed retry delay.
func (m *Metrics) RecordRetryBackoff(nodeType string, seconds float64) {
	m.RetryBackoffSeconds.WithLabelValues(nodeType).Observe(seconds)
}

// RecordRetryAttempt records one retry attempt's outcome.
func (m *Metrics) RecordRetryAttempt(nodeType, outcome string) {
	m.RetryAttemptsTotal.WithLabelValues(nodeType, outcome).Inc()
}

// SetActiveWorkers records the worker pool's active slot count.
func (m *Metrics) SetActiveWorkers(count float64) {
	m.ActiveWorkers.Set(count)
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordFormulaEvaluation records one expr-lang guard evaluation.
func (m *Metrics) RecordFormulaEvaluation(status string, durationSeconds float64) {
	m.FormulaEvaluationsTotal.WithLabelValues(status).Inc()
	m.FormulaEvaluationDuration.WithLabelValues().Observe(durationSeconds)
}

// RecordFormulaCacheHit records a compiled-expression cache hit.
func (m *Metrics) RecordFormulaCacheHit() {
	m.FormulaCacheHitsTotal.Inc()
}

// RecordFormulaCacheMiss records a compiled-expression cache miss.
func (m *Metrics) RecordFormulaCacheMiss() {
	m.FormulaCacheMissesTotal.Inc()
}

// SetDBConnectionPoolStats records a database/sql connection pool snapshot.
func (m *Metrics) SetDBConnectionPoolStats(poolName string, open, idle, inUse int) {
	m.DBConnectionsOpen.WithLabelValues(poolName).Set(float64(open))
	m.DBConnectionsIdle.WithLabelValues(poolName).Set(float64(idle))
	m.DBConnectionsInUse.WithLabelValues(poolName).Set(float64(inUse))
}

// RecordDBQuery records one database query.
func (m *Metrics) RecordDBQuery(operation, table, status string, durationSeconds float64) {
	m.DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

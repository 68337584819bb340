package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruled_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_db_transactions_total",
			Help: "Total number of database transactions by outcome",
		},
		[]string{"result"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ruled_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ruled_db_pool_total_conns",
			Help: "Total number of connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ruled_db_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ruled_db_pool_in_use_conns",
			Help: "Number of connections currently acquired from the pool",
		},
		[]string{"role"},
	)
)

// Rule engine metrics
var (
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_rule_evaluations_total",
			Help: "Total number of rule condition evaluations",
		},
		[]string{"result"},
	)

	RuleExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_rule_executions_total",
			Help: "Total number of rule executions by rule type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RuleStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruled_rule_step_duration_seconds",
			Help:    "Duration of one atomic rule step including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"type"},
	)

	RuleStepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_rule_step_retries_total",
			Help: "Atomic steps retried after a concurrent modification",
		},
		[]string{"type"},
	)

	RuleChains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_rule_chains_total",
			Help: "Rule chains processed by result",
		},
		[]string{"result"},
	)

	RuleChainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ruled_rule_chain_duration_seconds",
			Help:    "Duration of a full rule chain for one message",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Quota and counter metrics
var (
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruled_quota_rejections_total",
			Help: "Storage increases rejected because they would exceed the quota",
		},
	)

	QuotaWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruled_quota_warnings_total",
			Help: "Quota warning notifications emitted",
		},
	)

	MailboxCounterAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_mailbox_counter_adjustments_total",
			Help: "Mailbox counter updates by kind (delta or recalculate)",
		},
		[]string{"kind"},
	)
)

// Outbox metrics
var (
	OutboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_outbox_enqueued_total",
			Help: "Events written to the outbox",
		},
		[]string{"event_type"},
	)

	OutboxDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_outbox_dispatch_total",
			Help: "Outbox dispatch attempts by event type and result",
		},
		[]string{"event_type", "result"},
	)

	OutboxDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ruled_outbox_dispatch_duration_seconds",
			Help:    "Duration of one dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ruled_outbox_depth",
			Help: "Outbox events by status",
		},
		[]string{"status"},
	)

	OutboxOldestDueAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruled_outbox_oldest_due_age_seconds",
			Help: "Age of the oldest PENDING event that is due for dispatch",
		},
	)

	OutboxEventAge = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruled_outbox_event_age_seconds",
			Help:    "Time from enqueue to successful publish",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600, 21600},
		},
		[]string{"event_type"},
	)

	BrokerPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruled_broker_publish_duration_seconds",
			Help:    "Duration of broker publish calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"broker", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ruled_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Collaborator metrics
var (
	ComposeSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_compose_submissions_total",
			Help: "Auto-replies and forwards submitted by transport, kind and result",
		},
		[]string{"transport", "kind", "result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_notifications_total",
			Help: "Notifications emitted by type and result",
		},
		[]string{"type", "result"},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruled_ingest_queue_depth",
			Help: "Messages waiting for a rule-processing worker",
		},
	)

	IngestInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ruled_ingest_in_flight",
			Help: "Messages currently being processed",
		},
	)

	IngestRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ruled_ingest_rejected_total",
			Help: "Submissions refused because the queue was full",
		},
	)
)

// Component health metrics
var (
	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ruled_component_health_checks_total",
			Help: "Health checks run by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ruled_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ruled_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"component"},
	)
)

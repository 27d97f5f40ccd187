// Package metrics provides Prometheus metrics for the orchestrator service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gleitzeit"
	subsystem = "orchestrator"
)

var (
	// WorkflowsTotal counts finished workflows by final status.
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_total",
			Help:      "Total number of workflows by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// WorkflowsActive tracks workflows attached to the dispatcher.
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_active",
			Help:      "Number of workflows currently attached to the dispatcher",
		},
	)

	// WorkflowDuration tracks wall time from submission to completion.
	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// TasksTotal counts task outcomes reported by executors.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Total number of task outcomes by status",
		},
		[]string{"type", "status"}, // status: "completed", "failed", "retrying", "timeout", "cancelled"
	)

	// TaskDuration tracks executor-reported task duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// AssignmentsTotal counts assignment attempts by result.
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "assignments_total",
			Help:      "Total number of task assignments by result",
		},
		[]string{"priority", "result"}, // result: "assigned", "no_member", "reverted"
	)

	// DispatchCycleDuration tracks how long one dispatch cycle takes.
	DispatchCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "Duration of a dispatch cycle in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// ReadyTasks tracks ready tasks per priority band at the start of a cycle.
	ReadyTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ready_tasks",
			Help:      "Number of ready tasks per priority band",
		},
		[]string{"priority"},
	)

	// StarvingTasks tracks ready tasks older than the starvation threshold.
	StarvingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starving_tasks",
			Help:      "Number of ready tasks waiting longer than the starvation threshold",
		},
	)

	// PoolMembers tracks members per pool and status.
	PoolMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_members",
			Help:      "Number of pool members by status",
		},
		[]string{"pool", "status"},
	)

	// PoolMemberLoad tracks the load score of each member.
	PoolMemberLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_member_load",
			Help:      "Load score of a pool member (0 idle, 1 saturated)",
		},
		[]string{"pool", "member"},
	)

	// BreakerState tracks circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	// BreakerTransitions counts state changes per breaker.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "state"},
	)

	// RetryAttempts counts attempt outcomes of retried operations.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_attempts_total",
			Help:      "Total number of retried operation attempts by outcome",
		},
		[]string{"breaker", "outcome"},
	)

	// StoreOperations counts durable store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"operation", "result"}, // result: success, error
	)

	// BusMessages counts bus messages by direction and type.
	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bus_messages_total",
			Help:      "Total number of message bus messages",
		},
		[]string{"direction", "type"},
	)

	// RecoveredTasks counts tasks classified during recovery.
	RecoveredTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recovered_tasks_total",
			Help:      "Total number of tasks classified during recovery",
		},
		[]string{"class"}, // resumable, blocked
	)

	// StreamConnections tracks open workflow event streams.
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_connections",
			Help:      "Number of open workflow event streams",
		},
		[]string{"transport"}, // sse, websocket
	)

	// StreamDuration tracks how long event stream connections stay open.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_connection_duration_seconds",
			Help:      "Workflow event stream connection duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"transport"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts rejected API credentials.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected API requests by reason",
		},
		[]string{"reason"}, // "missing_token", "invalid_token", "expired", "forbidden"
	)
)

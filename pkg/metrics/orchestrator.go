package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrchestratorMetrics holds all metrics for the orchestrator.
type OrchestratorMetrics struct {
	// Agent fleet metrics
	AgentsTotal *prometheus.GaugeVec

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	AuthAttempts      *prometheus.CounterVec
	HeartbeatsTotal   prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
	RecoveryAttempts  *prometheus.CounterVec
	LoadAlerts        *prometheus.CounterVec

	// Dispatch metrics
	QueueDepth      *prometheus.GaugeVec
	MessagesTotal   *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	DispatchLatency prometheus.Histogram
	DuplicateResults prometheus.Counter

	// Scheduler metrics
	TasksScheduled   *prometheus.CounterVec
	SchedulerLatency prometheus.Histogram
	TasksInFlight    prometheus.Gauge
	TaskTimeouts     prometheus.Counter
	TaskRetries      prometheus.Counter

	// Allocator metrics
	AllocationsTotal   *prometheus.CounterVec
	AllocationLatency  prometheus.Histogram
	ReassignmentsTotal *prometheus.CounterVec
	RebalancesTotal    prometheus.Counter

	// Result metrics
	ResultsTotal  *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec

	// API metrics
	APIRequestDuration *prometheus.HistogramVec
	APIRequestsTotal   *prometheus.CounterVec

	// Event stream metrics
	EventClients    prometheus.Gauge
	EventsPublished *prometheus.CounterVec

	// Notification metrics
	NotificationsSent *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// newOrchestratorMetrics creates and registers all orchestrator metrics.
func newOrchestratorMetrics(registry *prometheus.Registry) *OrchestratorMetrics {
	m := &OrchestratorMetrics{
		// Agent fleet metrics
		AgentsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "orchestrator",
				Name:      "agents_total",
				Help:      "Total number of agents by status.",
			},
			[]string{"status"},
		),

		// Connection metrics
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "connections",
				Name:      "active",
				Help:      "Number of active agent connections.",
			},
		),

		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "connections",
				Name:      "auth_attempts_total",
				Help:      "Total number of agent authentication attempts.",
			},
			[]string{"outcome"},
		),

		HeartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "connections",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats received from agents.",
			},
		),

		HeartbeatTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "connections",
				Name:      "heartbeat_timeouts_total",
				Help:      "Total number of agents marked offline after missed heartbeats.",
			},
		),

		RecoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "connections",
				Name:      "recovery_attempts_total",
				Help:      "Total number of connection recovery attempts.",
			},
			[]string{"outcome"},
		),

		LoadAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "connections",
				Name:      "load_alerts_total",
				Help:      "Total number of agent resource load alerts raised.",
			},
			[]string{"resource"},
		),

		// Dispatch metrics
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Number of pending messages in the dispatch queue.",
			},
			[]string{"priority"},
		),

		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "dispatch",
				Name:      "messages_total",
				Help:      "Total number of messages processed by the dispatcher.",
			},
			[]string{"direction", "type"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "dispatch",
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped by the dispatcher.",
			},
			[]string{"reason"},
		),

		DispatchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "dispatch",
				Name:      "latency_seconds",
				Help:      "Time from enqueue to handler completion.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		DuplicateResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "dispatch",
				Name:      "duplicate_results_total",
				Help:      "Total number of duplicate task results discarded.",
			},
		),

		// Scheduler metrics
		TasksScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "scheduler",
				Name:      "tasks_scheduled_total",
				Help:      "Total number of task scheduling outcomes.",
			},
			[]string{"outcome"},
		),

		SchedulerLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "scheduler",
				Name:      "decision_duration_seconds",
				Help:      "Time taken to schedule a due task.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),

		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "scheduler",
				Name:      "tasks_in_flight",
				Help:      "Number of tasks currently executing on agents.",
			},
		),

		TaskTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "scheduler",
				Name:      "task_timeouts_total",
				Help:      "Total number of in-flight tasks reaped after timeout.",
			},
		),

		TaskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "scheduler",
				Name:      "task_retries_total",
				Help:      "Total number of tasks re-enqueued for retry.",
			},
		),

		// Allocator metrics
		AllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "allocator",
				Name:      "allocations_total",
				Help:      "Total number of agent allocation decisions.",
			},
			[]string{"strategy", "outcome"},
		),

		AllocationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "allocator",
				Name:      "decision_duration_seconds",
				Help:      "Time taken to select an agent for a task.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),

		ReassignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "allocator",
				Name:      "reassignments_total",
				Help:      "Total number of task reassignments.",
			},
			[]string{"reason"},
		),

		RebalancesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "allocator",
				Name:      "rebalances_total",
				Help:      "Total number of load rebalance passes that moved tasks.",
			},
		),

		// Result metrics
		ResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "results",
				Name:      "collected_total",
				Help:      "Total number of task results collected.",
			},
			[]string{"status"},
		),

		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "results",
				Name:      "probe_duration_seconds",
				Help:      "Agent-reported probe execution time by result status.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		// API metrics
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP API request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP API requests.",
			},
			[]string{"method", "path", "status"},
		),

		// Event stream metrics
		EventClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "events",
				Name:      "clients_active",
				Help:      "Number of connected event stream clients.",
			},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events published to the stream.",
			},
			[]string{"type"},
		),

		// Notification metrics
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "notifications",
				Name:      "sent_total",
				Help:      "Total number of notification delivery attempts.",
			},
			[]string{"channel", "outcome"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "database",
				Name:      "connections_active",
				Help:      "Number of active database connections.",
			},
		),

		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "database",
				Name:      "connections_idle",
				Help:      "Number of idle database connections.",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.AgentsTotal,
		m.ConnectionsActive,
		m.AuthAttempts,
		m.HeartbeatsTotal,
		m.HeartbeatTimeouts,
		m.RecoveryAttempts,
		m.LoadAlerts,
		m.QueueDepth,
		m.MessagesTotal,
		m.MessagesDropped,
		m.DispatchLatency,
		m.DuplicateResults,
		m.TasksScheduled,
		m.SchedulerLatency,
		m.TasksInFlight,
		m.TaskTimeouts,
		m.TaskRetries,
		m.AllocationsTotal,
		m.AllocationLatency,
		m.ReassignmentsTotal,
		m.RebalancesTotal,
		m.ResultsTotal,
		m.ProbeDuration,
		m.APIRequestDuration,
		m.APIRequestsTotal,
		m.EventClients,
		m.EventsPublished,
		m.NotificationsSent,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordAPIRequest records an HTTP API request.
func (m *OrchestratorMetrics) RecordAPIRequest(method, path, status string, durationSeconds float64) {
	m.APIRequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// SetAgentCount sets the count of agents by status.
func (m *OrchestratorMetrics) SetAgentCount(status string, count float64) {
	m.AgentsTotal.WithLabelValues(status).Set(count)
}

// SetConnections sets the count of active agent connections.
func (m *OrchestratorMetrics) SetConnections(count float64) {
	m.ConnectionsActive.Set(count)
}

// RecordAuthAttempt records an agent authentication attempt.
func (m *OrchestratorMetrics) RecordAuthAttempt(outcome string) {
	m.AuthAttempts.WithLabelValues(outcome).Inc()
}

// RecordHeartbeat records a heartbeat received from an agent.
func (m *OrchestratorMetrics) RecordHeartbeat() {
	m.HeartbeatsTotal.Inc()
}

// RecordHeartbeatTimeout records an agent going offline after missed heartbeats.
func (m *OrchestratorMetrics) RecordHeartbeatTimeout() {
	m.HeartbeatTimeouts.Inc()
}

// RecordRecoveryAttempt records a connection recovery attempt.
func (m *OrchestratorMetrics) RecordRecoveryAttempt(outcome string) {
	m.RecoveryAttempts.WithLabelValues(outcome).Inc()
}

// RecordLoadAlert records a resource load alert for an agent.
func (m *OrchestratorMetrics) RecordLoadAlert(resource string) {
	m.LoadAlerts.WithLabelValues(resource).Inc()
}

// SetQueueDepth sets the dispatch queue depth for a priority level.
func (m *OrchestratorMetrics) SetQueueDepth(priority string, count float64) {
	m.QueueDepth.WithLabelValues(priority).Set(count)
}

// RecordMessage records a dispatched message.
func (m *OrchestratorMetrics) RecordMessage(direction, msgType string) {
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordMessageDropped records a dropped message.
func (m *OrchestratorMetrics) RecordMessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordDispatch records end to end dispatch latency for one message.
func (m *OrchestratorMetrics) RecordDispatch(durationSeconds float64) {
	m.DispatchLatency.Observe(durationSeconds)
}

// RecordDuplicateResult records a discarded duplicate task result.
func (m *OrchestratorMetrics) RecordDuplicateResult() {
	m.DuplicateResults.Inc()
}

// RecordTaskScheduled records a scheduling decision.
func (m *OrchestratorMetrics) RecordTaskScheduled(outcome string, durationSeconds float64) {
	m.TasksScheduled.WithLabelValues(outcome).Inc()
	m.SchedulerLatency.Observe(durationSeconds)
}

// SetTasksInFlight sets the count of tasks currently executing.
func (m *OrchestratorMetrics) SetTasksInFlight(count float64) {
	m.TasksInFlight.Set(count)
}

// RecordTaskTimeout records a reaped in-flight task.
func (m *OrchestratorMetrics) RecordTaskTimeout() {
	m.TaskTimeouts.Inc()
}

// RecordTaskRetry records a task re-enqueued for retry.
func (m *OrchestratorMetrics) RecordTaskRetry() {
	m.TaskRetries.Inc()
}

// RecordAllocation records an agent allocation decision.
func (m *OrchestratorMetrics) RecordAllocation(strategy, outcome string, durationSeconds float64) {
	m.AllocationsTotal.WithLabelValues(strategy, outcome).Inc()
	m.AllocationLatency.Observe(durationSeconds)
}

// RecordReassignment records a task reassignment.
func (m *OrchestratorMetrics) RecordReassignment(reason string) {
	m.ReassignmentsTotal.WithLabelValues(reason).Inc()
}

// RecordRebalance records a rebalance pass that moved tasks.
func (m *OrchestratorMetrics) RecordRebalance() {
	m.RebalancesTotal.Inc()
}

// RecordResult records a collected task result.
func (m *OrchestratorMetrics) RecordResult(status string) {
	m.ResultsTotal.WithLabelValues(status).Inc()
}

// RecordProbeDuration records the execution time an agent reported for a
// probe.
func (m *OrchestratorMetrics) RecordProbeDuration(status string, seconds float64) {
	m.ProbeDuration.WithLabelValues(status).Observe(seconds)
}

// SetEventClients sets the count of connected event stream clients.
func (m *OrchestratorMetrics) SetEventClients(count float64) {
	m.EventClients.Set(count)
}

// RecordEventPublished records an event published to the stream.
func (m *OrchestratorMetrics) RecordEventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordNotificationSent records a notification delivery attempt.
func (m *OrchestratorMetrics) RecordNotificationSent(channel, outcome string) {
	m.NotificationsSent.WithLabelValues(channel, outcome).Inc()
}

// SetDBConnections sets the database connection counts.
func (m *OrchestratorMetrics) SetDBConnections(active, idle float64) {
	m.DBConnectionsActive.Set(active)
	m.DBConnectionsIdle.Set(idle)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics holds all metrics for agents.
type AgentMetrics struct {
	// Probe execution metrics
	ProbeDuration *prometheus.HistogramVec
	ProbesTotal   *prometheus.CounterVec
	ProbesActive  prometheus.Gauge

	// Resource metrics
	CPUUsage    prometheus.Gauge
	MemoryUsage prometheus.Gauge
	DiskUsage   prometheus.Gauge
	MemoryBytes *prometheus.GaugeVec
	DiskBytes   *prometheus.GaugeVec

	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	ReconnectTotal    prometheus.Counter
	HeartbeatLatency  prometheus.Histogram
	HeartbeatsTotal   prometheus.Counter
	HeartbeatFailures prometheus.Counter

	// Result spool metrics
	SpoolDepth   prometheus.Gauge
	SpoolFlushes *prometheus.CounterVec

	// Executor metrics
	ExecutorErrors *prometheus.CounterVec
}

// newAgentMetrics creates and registers all agent metrics.
func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		// Probe execution metrics
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "probe_duration_seconds",
				Help:      "Duration of probe execution in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"protocol", "status"},
		),

		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "probes_total",
				Help:      "Total number of probes executed.",
			},
			[]string{"protocol", "status"},
		),

		ProbesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "probes_active",
				Help:      "Number of currently running probes.",
			},
		),

		// Resource metrics
		CPUUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "cpu_usage_percent",
				Help:      "Current CPU usage as a percentage (0-100).",
			},
		),

		MemoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "memory_usage_percent",
				Help:      "Current memory usage as a percentage (0-100).",
			},
		),

		DiskUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "disk_usage_percent",
				Help:      "Current disk usage as a percentage (0-100).",
			},
		),

		MemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "memory_bytes",
				Help:      "Memory in bytes.",
			},
			[]string{"type"}, // used, available, total
		),

		DiskBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "disk_bytes",
				Help:      "Disk space in bytes.",
			},
			[]string{"type"}, // used, available, total
		),

		// Connection metrics
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "connection_state",
				Help:      "Current connection state (1=connected, 0=disconnected).",
			},
			[]string{"state"},
		),

		ReconnectTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "reconnects_total",
				Help:      "Total number of reconnection attempts.",
			},
		),

		HeartbeatLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "heartbeat_latency_seconds",
				Help:      "Latency of heartbeat round trips.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),

		HeartbeatsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats sent.",
			},
		),

		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "heartbeat_failures_total",
				Help:      "Total number of failed heartbeats.",
			},
		),

		// Result spool metrics
		SpoolDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "spool_depth",
				Help:      "Number of results spooled locally awaiting delivery.",
			},
		),

		SpoolFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "spool_flushes_total",
				Help:      "Total number of spool flush operations.",
			},
			[]string{"status"}, // success, failure, empty
		),

		// Executor metrics
		ExecutorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netpulse",
				Subsystem: "agent",
				Name:      "executor_errors_total",
				Help:      "Total number of executor errors.",
			},
			[]string{"protocol", "error_type"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.ProbeDuration,
		m.ProbesTotal,
		m.ProbesActive,
		m.CPUUsage,
		m.MemoryUsage,
		m.DiskUsage,
		m.MemoryBytes,
		m.DiskBytes,
		m.ConnectionState,
		m.ReconnectTotal,
		m.HeartbeatLatency,
		m.HeartbeatsTotal,
		m.HeartbeatFailures,
		m.SpoolDepth,
		m.SpoolFlushes,
		m.ExecutorErrors,
	)

	return m
}

// RecordProbeComplete records a completed probe.
func (m *AgentMetrics) RecordProbeComplete(protocol, status string, durationSeconds float64) {
	m.ProbeDuration.WithLabelValues(protocol, status).Observe(durationSeconds)
	m.ProbesTotal.WithLabelValues(protocol, status).Inc()
}

// SetActiveProbes sets the count of active probes.
func (m *AgentMetrics) SetActiveProbes(count float64) {
	m.ProbesActive.Set(count)
}

// SetCPUUsage sets the current CPU usage percentage.
func (m *AgentMetrics) SetCPUUsage(percent float64) {
	m.CPUUsage.Set(percent)
}

// SetMemoryUsage sets the current memory usage percentage.
func (m *AgentMetrics) SetMemoryUsage(percent float64) {
	m.MemoryUsage.Set(percent)
}

// SetDiskUsage sets the current disk usage percentage.
func (m *AgentMetrics) SetDiskUsage(percent float64) {
	m.DiskUsage.Set(percent)
}

// SetMemoryBytes sets the memory metrics in bytes.
func (m *AgentMetrics) SetMemoryBytes(used, available, total uint64) {
	m.MemoryBytes.WithLabelValues("used").Set(float64(used))
	m.MemoryBytes.WithLabelValues("available").Set(float64(available))
	m.MemoryBytes.WithLabelValues("total").Set(float64(total))
}

// SetDiskBytes sets the disk metrics in bytes.
func (m *AgentMetrics) SetDiskBytes(used, available, total uint64) {
	m.DiskBytes.WithLabelValues("used").Set(float64(used))
	m.DiskBytes.WithLabelValues("available").Set(float64(available))
	m.DiskBytes.WithLabelValues("total").Set(float64(total))
}

// SetConnected sets the connection state to connected.
func (m *AgentMetrics) SetConnected() {
	m.ConnectionState.WithLabelValues("connected").Set(1)
	m.ConnectionState.WithLabelValues("disconnected").Set(0)
}

// SetDisconnected sets the connection state to disconnected.
func (m *AgentMetrics) SetDisconnected() {
	m.ConnectionState.WithLabelValues("connected").Set(0)
	m.ConnectionState.WithLabelValues("disconnected").Set(1)
}

// RecordReconnect records a reconnection attempt.
func (m *AgentMetrics) RecordReconnect() {
	m.ReconnectTotal.Inc()
}

// RecordHeartbeat records a successful heartbeat with latency.
func (m *AgentMetrics) RecordHeartbeat(latencySeconds float64) {
	m.HeartbeatsTotal.Inc()
	m.HeartbeatLatency.Observe(latencySeconds)
}

// RecordHeartbeatFailure records a failed heartbeat.
func (m *AgentMetrics) RecordHeartbeatFailure() {
	m.HeartbeatFailures.Inc()
}

// SetSpoolDepth sets the count of locally spooled results.
func (m *AgentMetrics) SetSpoolDepth(count float64) {
	m.SpoolDepth.Set(count)
}

// RecordSpoolFlush records a spool flush operation.
func (m *AgentMetrics) RecordSpoolFlush(status string) {
	m.SpoolFlushes.WithLabelValues(status).Inc()
}

// RecordExecutorError records an executor error.
func (m *AgentMetrics) RecordExecutorError(protocol, errorType string) {
	m.ExecutorErrors.WithLabelValues(protocol, errorType).Inc()
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	if m.registry == nil {
		t.Error("registry should not be nil")
	}

	if m.Orchestrator == nil {
		t.Error("Orchestrator metrics should not be nil")
	}

	if m.Agent == nil {
		t.Error("Agent metrics should not be nil")
	}
}

func TestNewOrchestratorMetrics(t *testing.T) {
	m := NewOrchestratorMetrics()

	if m == nil {
		t.Fatal("NewOrchestratorMetrics() returned nil")
	}

	if m.Orchestrator == nil {
		t.Error("Orchestrator metrics should not be nil")
	}

	if m.Agent != nil {
		t.Error("Agent metrics should be nil for orchestrator only")
	}
}

func TestNewAgentMetrics(t *testing.T) {
	m := NewAgentMetrics()

	if m == nil {
		t.Fatal("NewAgentMetrics() returned nil")
	}

	if m.Agent == nil {
		t.Error("Agent metrics should not be nil")
	}

	if m.Orchestrator != nil {
		t.Error("Orchestrator metrics should be nil for agent only")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	// Test that the handler serves metrics
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	// Check for Go runtime metrics (always present)
	if !strings.Contains(body, "go_") {
		t.Error("expected Go runtime metrics in response")
	}

	// Check for process metrics (always present)
	if !strings.Contains(body, "process_") {
		t.Error("expected process metrics in response")
	}
}

func TestOrchestratorMetricsRecording(t *testing.T) {
	m := NewOrchestratorMetrics()

	// Test RecordAPIRequest
	m.Orchestrator.RecordAPIRequest("GET", "/api/v1/tasks", "200", 0.5)

	// Test connection metrics
	m.Orchestrator.SetConnections(12)
	m.Orchestrator.RecordAuthAttempt("success")
	m.Orchestrator.RecordAuthAttempt("invalid_signature")
	m.Orchestrator.RecordHeartbeat()
	m.Orchestrator.RecordHeartbeatTimeout()
	m.Orchestrator.RecordRecoveryAttempt("recovered")
	m.Orchestrator.RecordLoadAlert("cpu")

	// Test dispatch metrics
	m.Orchestrator.SetQueueDepth("urgent", 2)
	m.Orchestrator.SetQueueDepth("normal", 40)
	m.Orchestrator.RecordMessage("inbound", "task_result")
	m.Orchestrator.RecordMessageDropped("expired")
	m.Orchestrator.RecordDispatch(0.002)
	m.Orchestrator.RecordDuplicateResult()

	// Test scheduler metrics
	m.Orchestrator.RecordTaskScheduled("assigned", 0.001)
	m.Orchestrator.SetTasksInFlight(30)
	m.Orchestrator.RecordTaskTimeout()
	m.Orchestrator.RecordTaskRetry()

	// Test allocator metrics
	m.Orchestrator.RecordAllocation("smart", "allocated", 0.0005)
	m.Orchestrator.RecordReassignment("agent_offline")
	m.Orchestrator.RecordRebalance()

	// Test result metrics
	m.Orchestrator.RecordResult("success")
	m.Orchestrator.RecordProbeDuration("success", 0.042)
	m.Orchestrator.RecordProbeDuration("timeout", 30)

	// Test SetAgentCount
	m.Orchestrator.SetAgentCount("online", 5)
	m.Orchestrator.SetAgentCount("offline", 2)

	// Test event stream metrics
	m.Orchestrator.SetEventClients(3)
	m.Orchestrator.RecordEventPublished("agent_status")

	// Test database metrics
	m.Orchestrator.SetDBConnections(10, 5)

	// Verify metrics are exposed
	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	body := w.Body.String()

	// Check for our custom metrics
	expectedMetrics := []string{
		"netpulse_http_request_duration_seconds",
		"netpulse_http_requests_total",
		"netpulse_connections_active",
		"netpulse_connections_auth_attempts_total",
		"netpulse_dispatch_queue_depth",
		"netpulse_scheduler_tasks_in_flight",
		"netpulse_allocator_allocations_total",
		"netpulse_results_probe_duration_seconds",
		"netpulse_orchestrator_agents_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestAgentMetricsRecording(t *testing.T) {
	m := NewAgentMetrics()

	// Test RecordProbeComplete
	m.Agent.RecordProbeComplete("http", "success", 0.25)
	m.Agent.RecordProbeComplete("icmp", "timeout", 5.0)

	// Test SetCPUUsage, SetMemoryUsage, SetDiskUsage
	m.Agent.SetCPUUsage(50.5)
	m.Agent.SetMemoryUsage(60.2)
	m.Agent.SetDiskUsage(30.0)

	// Test SetConnected and SetDisconnected
	m.Agent.SetConnected()
	m.Agent.SetDisconnected()

	// Test RecordHeartbeat with latency
	m.Agent.RecordHeartbeat(0.05)
	m.Agent.RecordHeartbeat(0.1)
	m.Agent.RecordHeartbeatFailure()

	// Test spool metrics
	m.Agent.SetSpoolDepth(7)
	m.Agent.RecordSpoolFlush("success")
	m.Agent.RecordSpoolFlush("failure")

	// Test SetActiveProbes
	m.Agent.SetActiveProbes(3)

	// Test SetMemoryBytes and SetDiskBytes
	m.Agent.SetMemoryBytes(1024*1024*512, 1024*1024*1024, 1024*1024*1024+1024*1024*512)
	m.Agent.SetDiskBytes(1024*1024*1024*50, 1024*1024*1024*100, 1024*1024*1024*150)

	// Test RecordExecutorError
	m.Agent.RecordExecutorError("tcp", "dial_refused")

	// Verify metrics are exposed
	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	body := w.Body.String()

	// Check for our custom metrics
	expectedMetrics := []string{
		"netpulse_agent_probe_duration_seconds",
		"netpulse_agent_probes_total",
		"netpulse_agent_cpu_usage_percent",
		"netpulse_agent_memory_usage_percent",
		"netpulse_agent_disk_usage_percent",
		"netpulse_agent_spool_depth",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	registry := m.Registry()
	if registry == nil {
		t.Error("Registry() should not return nil")
	}

	// Verify we can gather metrics from the registry
	families, err := registry.Gather()
	if err != nil {
		t.Errorf("failed to gather metrics: %v", err)
	}

	if len(families) == 0 {
		t.Error("expected at least some metric families")
	}
}

// Package testfixtures provides test fixtures and builders for integration tests.
package testfixtures

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// AgentBuilder helps construct probe agents with default values.
type AgentBuilder struct {
	agent *database.Agent
}

// NewAgentBuilder creates a new agent builder with default values. The agent
// is enabled, online, and heartbeating now.
func NewAgentBuilder() *AgentBuilder {
	now := time.Now()
	return &AgentBuilder{
		agent: &database.Agent{
			ID:                 uuid.New(),
			Name:               fmt.Sprintf("test-agent-%s", uuid.New().String()[:8]),
			Address:            "203.0.113.10",
			APIKey:             fmt.Sprintf("test-key-%s", uuid.New().String()),
			Status:             database.AgentStatusOnline,
			LastHeartbeat:      &now,
			RegisteredAt:       now,
			Availability:       1,
			SuccessRate:        1,
			MaxConcurrentTasks: 10,
			Enabled:            true,
		},
	}
}

// WithName sets the agent name.
func (b *AgentBuilder) WithName(name string) *AgentBuilder {
	b.agent.Name = name
	return b
}

// WithAddress sets the agent address.
func (b *AgentBuilder) WithAddress(addr string) *AgentBuilder {
	b.agent.Address = addr
	return b
}

// WithAPIKey sets the agent API key.
func (b *AgentBuilder) WithAPIKey(key string) *AgentBuilder {
	b.agent.APIKey = key
	return b
}

// WithStatus sets the agent status.
func (b *AgentBuilder) WithStatus(status database.AgentStatus) *AgentBuilder {
	b.agent.Status = status
	return b
}

// WithLocation sets the agent's country and city.
func (b *AgentBuilder) WithLocation(country, city string) *AgentBuilder {
	b.agent.Country = &country
	b.agent.City = &city
	return b
}

// WithISP sets the agent's ISP.
func (b *AgentBuilder) WithISP(isp string) *AgentBuilder {
	b.agent.ISP = &isp
	return b
}

// WithCapabilities sets the protocols the agent can execute.
func (b *AgentBuilder) WithCapabilities(protos ...wire.Protocol) *AgentBuilder {
	b.agent.Capabilities = protos
	return b
}

// WithLoad sets the agent's resource snapshot.
func (b *AgentBuilder) WithLoad(cpu, memory float64) *AgentBuilder {
	b.agent.CPUUsage = &cpu
	b.agent.MemoryUsage = &memory
	return b
}

// WithPerformance sets the rolling performance aggregates.
func (b *AgentBuilder) WithPerformance(availability, successRate, avgResponseMs float64) *AgentBuilder {
	b.agent.Availability = availability
	b.agent.SuccessRate = successRate
	b.agent.AvgResponseMs = avgResponseMs
	return b
}

// WithLastHeartbeat sets the last heartbeat time.
func (b *AgentBuilder) WithLastHeartbeat(t time.Time) *AgentBuilder {
	b.agent.LastHeartbeat = &t
	return b
}

// WithMaxConcurrentTasks sets the agent's concurrency cap.
func (b *AgentBuilder) WithMaxConcurrentTasks(n int) *AgentBuilder {
	b.agent.MaxConcurrentTasks = n
	return b
}

// WithEnabled sets the operator enable switch.
func (b *AgentBuilder) WithEnabled(enabled bool) *AgentBuilder {
	b.agent.Enabled = enabled
	return b
}

// Build returns the built agent.
func (b *AgentBuilder) Build() *database.Agent {
	return b.agent
}

// CreateAgent creates and persists a test agent.
func CreateAgent(ctx context.Context, repo database.AgentRepository, opts ...func(*AgentBuilder)) (*database.Agent, error) {
	builder := NewAgentBuilder()
	for _, opt := range opts {
		opt(builder)
	}
	agent := builder.Build()
	if err := repo.Create(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// TaskBuilder helps construct probe tasks with default values.
type TaskBuilder struct {
	task *database.Task
}

// NewTaskBuilder creates a new task builder with default values: an active
// HTTP probe against example.com, due immediately.
func NewTaskBuilder() *TaskBuilder {
	return &TaskBuilder{
		task: &database.Task{
			ID:               uuid.New(),
			UserID:           uuid.New(),
			Protocol:         wire.ProtocolHTTP,
			Target:           "example.com",
			FrequencySeconds: 60,
			TimeoutSeconds:   30,
			Priority:         2,
			Status:           database.TaskStatusActive,
		},
	}
}

// WithUser sets the owning user.
func (b *TaskBuilder) WithUser(userID uuid.UUID) *TaskBuilder {
	b.task.UserID = userID
	return b
}

// WithProtocol sets the probe protocol.
func (b *TaskBuilder) WithProtocol(p wire.Protocol) *TaskBuilder {
	b.task.Protocol = p
	return b
}

// WithTarget sets the probe target.
func (b *TaskBuilder) WithTarget(target string) *TaskBuilder {
	b.task.Target = target
	return b
}

// WithPort sets the probe port.
func (b *TaskBuilder) WithPort(port int) *TaskBuilder {
	b.task.Port = &port
	return b
}

// WithParameters sets the protocol-specific parameters.
func (b *TaskBuilder) WithParameters(params map[string]any) *TaskBuilder {
	b.task.Parameters = params
	return b
}

// WithFrequency sets the run frequency in seconds.
func (b *TaskBuilder) WithFrequency(seconds int) *TaskBuilder {
	b.task.FrequencySeconds = seconds
	return b
}

// WithTimeout sets the execution timeout in seconds.
func (b *TaskBuilder) WithTimeout(seconds int) *TaskBuilder {
	b.task.TimeoutSeconds = seconds
	return b
}

// WithPriority sets the task priority.
func (b *TaskBuilder) WithPriority(priority int) *TaskBuilder {
	b.task.Priority = priority
	return b
}

// WithStatus sets the task status.
func (b *TaskBuilder) WithStatus(status database.TaskStatus) *TaskBuilder {
	b.task.Status = status
	return b
}

// WithNextRunAt sets the next scheduled run time.
func (b *TaskBuilder) WithNextRunAt(t time.Time) *TaskBuilder {
	b.task.NextRunAt = &t
	return b
}

// WithPreferredLocation sets the task's location preferences.
func (b *TaskBuilder) WithPreferredLocation(country, city string) *TaskBuilder {
	b.task.PreferredCountry = database.NullString(country)
	b.task.PreferredCity = database.NullString(city)
	return b
}

// WithPreferredISP sets the task's ISP preference.
func (b *TaskBuilder) WithPreferredISP(isp string) *TaskBuilder {
	b.task.PreferredISP = &isp
	return b
}

// Build returns the built task.
func (b *TaskBuilder) Build() *database.Task {
	return b.task
}

// CreateTask creates and persists a test task.
func CreateTask(ctx context.Context, repo database.TaskRepository, opts ...func(*TaskBuilder)) (*database.Task, error) {
	builder := NewTaskBuilder()
	for _, opt := range opts {
		opt(builder)
	}
	task := builder.Build()
	if err := repo.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// TaskResultBuilder helps construct task results with default values.
type TaskResultBuilder struct {
	result *database.TaskResult
}

// NewTaskResultBuilder creates a new result builder: a successful execution
// that finished just now.
func NewTaskResultBuilder(taskID, agentID uuid.UUID) *TaskResultBuilder {
	durationMs := int64(42)
	return &TaskResultBuilder{
		result: &database.TaskResult{
			ID:         uuid.New(),
			TaskID:     taskID,
			AgentID:    agentID,
			Status:     database.ResultStatusSuccess,
			ExecutedAt: time.Now(),
			DurationMs: &durationMs,
		},
	}
}

// WithStatus sets the result status.
func (b *TaskResultBuilder) WithStatus(status database.ResultStatus) *TaskResultBuilder {
	b.result.Status = status
	return b
}

// WithExecutedAt sets the execution time.
func (b *TaskResultBuilder) WithExecutedAt(t time.Time) *TaskResultBuilder {
	b.result.ExecutedAt = t
	return b
}

// WithDuration sets the duration in milliseconds.
func (b *TaskResultBuilder) WithDuration(durationMs int64) *TaskResultBuilder {
	b.result.DurationMs = &durationMs
	return b
}

// WithError sets the error message and flips the status to error.
func (b *TaskResultBuilder) WithError(msg string) *TaskResultBuilder {
	b.result.Status = database.ResultStatusError
	b.result.ErrorMessage = &msg
	return b
}

// WithMetrics sets the protocol measurements.
func (b *TaskResultBuilder) WithMetrics(metrics map[string]float64) *TaskResultBuilder {
	b.result.Metrics = metrics
	return b
}

// WithRawData sets an inline raw payload.
func (b *TaskResultBuilder) WithRawData(data []byte) *TaskResultBuilder {
	b.result.RawData = data
	return b
}

// WithRawDataPath sets an offloaded raw payload path.
func (b *TaskResultBuilder) WithRawDataPath(path string) *TaskResultBuilder {
	b.result.RawDataPath = &path
	return b
}

// Build returns the built result.
func (b *TaskResultBuilder) Build() *database.TaskResult {
	return b.result
}

// CreateTaskResult creates and persists a task result.
func CreateTaskResult(ctx context.Context, repo database.ResultRepository, taskID, agentID uuid.UUID, opts ...func(*TaskResultBuilder)) (*database.TaskResult, error) {
	builder := NewTaskResultBuilder(taskID, agentID)
	for _, opt := range opts {
		opt(builder)
	}
	result := builder.Build()
	if err := repo.Create(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateTaskResults creates count results for a task, the first failCount of
// them errored, with ascending durations.
func CreateTaskResults(ctx context.Context, repo database.ResultRepository, taskID, agentID uuid.UUID, count, failCount int) ([]database.TaskResult, error) {
	results := make([]database.TaskResult, count)
	for i := 0; i < count; i++ {
		status := database.ResultStatusSuccess
		var errMsg *string
		if i < failCount {
			status = database.ResultStatusError
			msg := fmt.Sprintf("probe %d failed: connection refused", i+1)
			errMsg = &msg
		}

		durationMs := int64((i + 1) * 10)
		results[i] = database.TaskResult{
			ID:           uuid.New(),
			TaskID:       taskID,
			AgentID:      agentID,
			Status:       status,
			ExecutedAt:   time.Now().Add(-time.Duration(count-i) * time.Minute),
			DurationMs:   &durationMs,
			ErrorMessage: errMsg,
		}
	}

	if err := repo.BatchCreate(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// CreateReassignment records a reassignment of a task between two agents.
func CreateReassignment(ctx context.Context, repo database.ReassignmentRepository, taskID, fromAgent uuid.UUID, toAgent *uuid.UUID, reason string) (*database.Reassignment, error) {
	r := &database.Reassignment{
		ID:          uuid.New(),
		TaskID:      taskID,
		FromAgentID: fromAgent,
		ToAgentID:   toAgent,
		Reason:      reason,
	}
	if err := repo.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SampleHTTPRawPayload returns a raw HTTP response capture as an agent would
// attach it to a result.
func SampleHTTPRawPayload() []byte {
	return []byte(`{
  "status_line": "HTTP/1.1 200 OK",
  "headers": {
    "Content-Type": "text/html; charset=utf-8",
    "Content-Length": "1256",
    "Server": "nginx/1.25.3"
  },
  "timings": {
    "dns_ms": 12.4,
    "connect_ms": 31.7,
    "tls_ms": 48.2,
    "first_byte_ms": 122.9,
    "total_ms": 131.5
  },
  "body_sha256": "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
}`)
}

// SampleICMPRawPayload returns a raw ICMP capture with per-packet round trips.
func SampleICMPRawPayload() []byte {
	return []byte(`{
  "packets_sent": 4,
  "packets_received": 4,
  "round_trips_ms": [11.2, 10.8, 12.1, 11.5],
  "ttl": 56
}`)
}

// SampleTCPRawPayload returns a raw TCP connect capture.
func SampleTCPRawPayload() []byte {
	return []byte(`{
  "connected": true,
  "remote_addr": "93.184.216.34:443",
  "connect_ms": 28.3
}`)
}

// LargeRawPayload returns a payload of the given size for exercising the
// inline-versus-offload threshold.
func LargeRawPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

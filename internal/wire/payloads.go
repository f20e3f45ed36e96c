package wire

import (
	"encoding/json"
	"time"
)

// AuthRequest is the first frame an agent sends after the channel opens.
// Timestamp is the agent's clock in RFC 3339; Signature is computed over
// it together with the agent ID, API key, and nonce (see Signature).
type AuthRequest struct {
	AgentID   string  `json:"agent_id"`
	Timestamp string  `json:"timestamp"`
	Nonce     string  `json:"nonce"`
	Signature string  `json:"signature"`
	Version   *string `json:"version,omitempty"`
}

// AuthResponse answers an AuthRequest.
type AuthResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AgentRegister announces the agent's capabilities and version.
type AgentRegister struct {
	Capabilities []Protocol `json:"capabilities"`
	Version      string     `json:"version"`
}

// AgentRegisterResponse acknowledges an AgentRegister.
type AgentRegisterResponse struct {
	Success bool `json:"success"`
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatResponse answers a Heartbeat with the server clock.
type HeartbeatResponse struct {
	AgentID           string    `json:"agent_id"`
	ServerTime        time.Time `json:"server_time"`
	OriginalMessageID string    `json:"original_message_id"`
}

// ResourceUsage is a point-in-time load snapshot.
type ResourceUsage struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	DiskUsage   float64 `json:"disk_usage"`
	LoadAverage float64 `json:"load_average,omitempty"`
}

// ResourceReport carries agent load telemetry.
type ResourceReport struct {
	Resources ResourceUsage `json:"resources"`
}

// ResourceReportAck acknowledges a ResourceReport.
type ResourceReportAck struct {
	Received bool `json:"received"`
}

// TaskAssignment instructs an agent to execute one probe task.
// Timeout is in seconds.
type TaskAssignment struct {
	TaskID     string         `json:"task_id"`
	Protocol   Protocol       `json:"protocol"`
	Target     string         `json:"target"`
	Port       *int           `json:"port,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    int            `json:"timeout"`
	AssignedAt time.Time      `json:"assigned_at"`
}

// TaskCancel withdraws a previously assigned task.
type TaskCancel struct {
	TaskID      string    `json:"task_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// ResultStatus is the agent-reported outcome of a task execution.
type ResultStatus string

// Result statuses an agent may report.
const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusFailed  ResultStatus = "failed"
	ResultStatusTimeout ResultStatus = "timeout"
)

// TaskResult reports the outcome of one task execution. Duration is in
// milliseconds; RawData carries protocol output too unstructured for the
// metrics map.
type TaskResult struct {
	TaskID        string             `json:"task_id"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Status        ResultStatus       `json:"status"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ExecutionTime time.Time          `json:"execution_time"`
	Duration      int64              `json:"duration"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	RawData       []byte             `json:"raw_data,omitempty"`
}

// TaskResultAck acknowledges receipt of a TaskResult.
type TaskResultAck struct {
	TaskID   string `json:"task_id"`
	Received bool   `json:"received"`
}

// TaskStatusUpdate notifies agents of a task status change.
type TaskStatusUpdate struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentCommand carries an administrative command to an agent.
type AgentCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SystemNotification is an informational broadcast to agents.
type SystemNotification struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Disconnect announces an orderly teardown with a reason.
type Disconnect struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a protocol error, optionally referencing the frame
// that caused it.
type ErrorPayload struct {
	Error             string `json:"error"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
}

package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/wire"
)

// AgentStatus represents the current status of a probe agent.
type AgentStatus string

const (
	AgentStatusOnline      AgentStatus = "online"
	AgentStatusOffline     AgentStatus = "offline"
	AgentStatusBusy        AgentStatus = "busy"
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// Agent represents a remote probe agent.
type Agent struct {
	ID      uuid.UUID `json:"id" db:"id"`
	Name    string    `json:"name" db:"name"`
	Address string    `json:"address" db:"address"`

	// APIKey is the shared secret used to verify channel authentication
	// signatures. Never serialized.
	APIKey string `json:"-" db:"api_key"`

	Country   *string  `json:"country,omitempty" db:"country"`
	City      *string  `json:"city,omitempty" db:"city"`
	Latitude  *float64 `json:"latitude,omitempty" db:"latitude"`
	Longitude *float64 `json:"longitude,omitempty" db:"longitude"`
	ISP       *string  `json:"isp,omitempty" db:"isp"`
	Version   *string  `json:"version,omitempty" db:"version"`

	// Capabilities lists the protocols this agent can execute.
	// An empty list means the agent accepts any protocol.
	Capabilities []wire.Protocol `json:"capabilities,omitempty" db:"capabilities"`

	Status        AgentStatus `json:"status" db:"status"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at" db:"registered_at"`

	// Availability is the rolling 0..1 fraction of historical readiness.
	Availability float64 `json:"availability" db:"availability"`
	// SuccessRate is the rolling 0..1 fraction of successful executions.
	SuccessRate float64 `json:"success_rate" db:"success_rate"`
	// AvgResponseMs is the rolling mean probe duration in milliseconds.
	AvgResponseMs float64 `json:"avg_response_ms" db:"avg_response_ms"`

	CPUUsage    *float64 `json:"cpu_usage,omitempty" db:"cpu_usage"`
	MemoryUsage *float64 `json:"memory_usage,omitempty" db:"memory_usage"`
	DiskUsage   *float64 `json:"disk_usage,omitempty" db:"disk_usage"`
	LoadAverage *float64 `json:"load_average,omitempty" db:"load_average"`

	// MaxConcurrentTasks caps how many tasks the agent executes at once.
	MaxConcurrentTasks int  `json:"max_concurrent_tasks" db:"max_concurrent_tasks"`
	Enabled            bool `json:"enabled" db:"enabled"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAvailable reports whether the agent may receive work: enabled, online or
// busy, and heartbeating within the window.
func (a *Agent) IsAvailable(heartbeatWindow time.Duration) bool {
	if !a.Enabled {
		return false
	}
	if a.Status != AgentStatusOnline && a.Status != AgentStatusBusy {
		return false
	}
	if a.LastHeartbeat == nil {
		return false
	}
	return time.Since(*a.LastHeartbeat) <= heartbeatWindow
}

// HasCapability reports whether the agent can execute the given protocol.
// Agents with no declared capabilities accept any protocol.
func (a *Agent) HasCapability(p wire.Protocol) bool {
	if len(a.Capabilities) == 0 {
		return true
	}
	for _, c := range a.Capabilities {
		if c == p {
			return true
		}
	}
	return false
}

// LoadKnown reports whether a live load snapshot has been recorded.
func (a *Agent) LoadKnown() bool {
	return a.CPUUsage != nil && a.MemoryUsage != nil
}

// TaskStatus represents the lifecycle state of a probe task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task frequency, timeout, and port bounds.
const (
	MinFrequencySeconds = 10
	MaxFrequencySeconds = 86400
	MinTimeoutSeconds   = 1
	MaxTimeoutSeconds   = 300
	MinPort             = 1
	MaxPort             = 65535
)

// Task represents a recurring measurement task.
type Task struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID uuid.UUID `json:"user_id" db:"user_id"`

	Protocol wire.Protocol `json:"protocol" db:"protocol"`
	Target   string        `json:"target" db:"target"`
	Port     *int          `json:"port,omitempty" db:"port"`

	// Parameters carries protocol-specific options (HTTP method, packet
	// count, payload size, and so on).
	Parameters map[string]any `json:"parameters,omitempty" db:"parameters"`

	FrequencySeconds int `json:"frequency_seconds" db:"frequency_seconds"`
	TimeoutSeconds   int `json:"timeout_seconds" db:"timeout_seconds"`
	Priority         int `json:"priority" db:"priority"`

	Status    TaskStatus `json:"status" db:"status"`
	NextRunAt *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`

	PreferredCountry *string `json:"preferred_country,omitempty" db:"preferred_country"`
	PreferredCity    *string `json:"preferred_city,omitempty" db:"preferred_city"`
	PreferredISP     *string `json:"preferred_isp,omitempty" db:"preferred_isp"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the task fields against their allowed ranges.
func (t *Task) Validate() error {
	if !t.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", t.Protocol)
	}
	if t.Target == "" {
		return fmt.Errorf("target is required")
	}
	if t.FrequencySeconds < MinFrequencySeconds || t.FrequencySeconds > MaxFrequencySeconds {
		return fmt.Errorf("frequency must be between %d and %d seconds, got %d",
			MinFrequencySeconds, MaxFrequencySeconds, t.FrequencySeconds)
	}
	if t.TimeoutSeconds < MinTimeoutSeconds || t.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeout must be between %d and %d seconds, got %d",
			MinTimeoutSeconds, MaxTimeoutSeconds, t.TimeoutSeconds)
	}
	if t.Port != nil && (*t.Port < MinPort || *t.Port > MaxPort) {
		return fmt.Errorf("port must be between %d and %d, got %d", MinPort, MaxPort, *t.Port)
	}
	return nil
}

// IsDue reports whether the task may be dispatched: active with next_run in
// the past or unset.
func (t *Task) IsDue(now time.Time) bool {
	if t.Status != TaskStatusActive {
		return false
	}
	return t.NextRunAt == nil || !t.NextRunAt.After(now)
}

// ResultStatus represents the recorded outcome of one task execution.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusTimeout ResultStatus = "timeout"
	ResultStatusError   ResultStatus = "error"
)

// TaskResult stores the outcome of one task execution. Append-only.
type TaskResult struct {
	ID      uuid.UUID `json:"id" db:"id"`
	TaskID  uuid.UUID `json:"task_id" db:"task_id"`
	AgentID uuid.UUID `json:"agent_id" db:"agent_id"`

	Status       ResultStatus `json:"status" db:"status"`
	ExecutedAt   time.Time    `json:"executed_at" db:"executed_at"`
	DurationMs   *int64       `json:"duration_ms,omitempty" db:"duration_ms"`
	ErrorMessage *string      `json:"error_message,omitempty" db:"error_message"`

	// Metrics holds protocol measurements (response_time, status_code,
	// packet_loss, and so on).
	Metrics map[string]float64 `json:"metrics,omitempty" db:"metrics"`

	// RawDataPath points at the offloaded raw payload in object storage,
	// when the payload exceeded the inline threshold.
	RawDataPath *string `json:"raw_data_path,omitempty" db:"raw_data_path"`
	// RawData holds small raw payloads inline.
	RawData []byte `json:"raw_data,omitempty" db:"raw_data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Reassignment records one move of a task between agents.
type Reassignment struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TaskID      uuid.UUID  `json:"task_id" db:"task_id"`
	FromAgentID uuid.UUID  `json:"from_agent_id" db:"from_agent_id"`
	ToAgentID   *uuid.UUID `json:"to_agent_id,omitempty" db:"to_agent_id"`
	Reason      string     `json:"reason" db:"reason"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// AgentPerformance summarizes an agent's recent execution history for
// allocation scoring.
type AgentPerformance struct {
	AgentID       uuid.UUID `json:"agent_id" db:"agent_id"`
	TotalResults  int       `json:"total_results" db:"total_results"`
	SuccessCount  int       `json:"success_count" db:"success_count"`
	SuccessRate   float64   `json:"success_rate" db:"success_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms" db:"avg_duration_ms"`
}

// TaskCounts aggregates tasks by status for the status endpoint.
type TaskCounts struct {
	Active    int `json:"active" db:"active"`
	Paused    int `json:"paused" db:"paused"`
	Completed int `json:"completed" db:"completed"`
	Failed    int `json:"failed" db:"failed"`
}

// Pagination parameters for list operations.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DefaultPagination returns default pagination settings.
func DefaultPagination() Pagination {
	return Pagination{
		Limit:  20,
		Offset: 0,
	}
}

// MaxPageLimit caps how many rows a single list call may return.
const MaxPageLimit = 100

// Normalize clamps pagination to valid bounds.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultPagination().Limit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// NullString creates a pointer to a string, returning nil for empty strings.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// NullUUID creates a pointer to a UUID, returning nil for zero UUIDs.
func NullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// NullInt64 creates a pointer to an int64, returning nil for zero values.
func NullInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

// NullFloat64 creates a pointer to a float64, returning nil for zero values.
func NullFloat64(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

// NullTime creates a pointer to a time.Time, returning nil for zero time.
func NullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

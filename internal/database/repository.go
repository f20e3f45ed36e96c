package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AgentRepository defines the interface for agent data operations.
type AgentRepository interface {
	// Create creates a new agent.
	Create(ctx context.Context, agent *Agent) error

	// Get retrieves an agent by ID.
	Get(ctx context.Context, id uuid.UUID) (*Agent, error)

	// GetByName retrieves an agent by name.
	GetByName(ctx context.Context, name string) (*Agent, error)

	// Update updates an agent.
	Update(ctx context.Context, agent *Agent) error

	// Delete deletes an agent.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns agents with pagination.
	List(ctx context.Context, page Pagination) ([]Agent, error)

	// ListByStatus returns agents with a specific status.
	ListByStatus(ctx context.Context, status AgentStatus, page Pagination) ([]Agent, error)

	// ListAvailable returns enabled agents that are online or busy and have
	// heartbeated within the window.
	ListAvailable(ctx context.Context, heartbeatWindow time.Duration) ([]Agent, error)

	// UpdateStatus updates only the agent's status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status AgentStatus) error

	// UpdateHeartbeat updates the agent's heartbeat time and status.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, status AgentStatus) error

	// UpdateLoad records the latest resource snapshot for an agent.
	UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error

	// UpdateRollingStats updates the availability, success rate and mean
	// response time aggregates.
	UpdateRollingStats(ctx context.Context, id uuid.UUID, availability, successRate, avgResponseMs float64) error

	// SetEnabled flips the operator enable switch.
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// MarkOfflineStale marks agents offline when their heartbeat is older
	// than the cutoff. Returns the number of agents transitioned.
	MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns the count of agents grouped by status.
	CountByStatus(ctx context.Context) (map[AgentStatus]int64, error)
}

// TaskRepository defines the interface for probe task data operations.
type TaskRepository interface {
	// Create creates a new task.
	Create(ctx context.Context, task *Task) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// Update updates a task.
	Update(ctx context.Context, task *Task) error

	// Delete deletes a task.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns tasks with pagination.
	List(ctx context.Context, page Pagination) ([]Task, error)

	// ListByUser returns tasks owned by a user.
	ListByUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Task, error)

	// ListByStatus returns tasks with a specific status.
	ListByStatus(ctx context.Context, status TaskStatus, page Pagination) ([]Task, error)

	// GetDue returns active tasks whose next run is unset or in the past,
	// ordered by priority then next run time.
	GetDue(ctx context.Context, now time.Time, limit int) ([]Task, error)

	// UpdateStatus updates only the task's status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error

	// UpdateNextRun sets the task's next scheduled run time.
	UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error

	// Count returns the total number of tasks.
	Count(ctx context.Context) (int64, error)

	// CountByStatus returns the count of tasks grouped by status.
	CountByStatus(ctx context.Context) (map[TaskStatus]int64, error)
}

// ResultRepository defines the interface for task result data operations.
type ResultRepository interface {
	// Create creates a new task result.
	Create(ctx context.Context, result *TaskResult) error

	// BatchCreate creates multiple task results in a single operation.
	BatchCreate(ctx context.Context, results []TaskResult) error

	// Get retrieves a task result by ID.
	Get(ctx context.Context, id uuid.UUID) (*TaskResult, error)

	// ListByTask returns results for a task, newest first.
	ListByTask(ctx context.Context, taskID uuid.UUID, page Pagination) ([]TaskResult, error)

	// ListByAgent returns results produced by an agent, newest first.
	ListByAgent(ctx context.Context, agentID uuid.UUID, page Pagination) ([]TaskResult, error)

	// LatestByTask returns the most recent result for a task.
	LatestByTask(ctx context.Context, taskID uuid.UUID) (*TaskResult, error)

	// GetAgentPerformance aggregates an agent's results since the given time.
	GetAgentPerformance(ctx context.Context, agentID uuid.UUID, since time.Time) (*AgentPerformance, error)

	// DeleteOlderThan removes results executed before the cutoff. Returns
	// the number of rows removed.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ReassignmentRepository defines the interface for reassignment history operations.
type ReassignmentRepository interface {
	// Create records a task reassignment.
	Create(ctx context.Context, r *Reassignment) error

	// ListByTask returns reassignments for a task, newest first.
	ListByTask(ctx context.Context, taskID uuid.UUID, page Pagination) ([]Reassignment, error)

	// CountByTaskSince counts reassignments for a task after the given time.
	CountByTaskSince(ctx context.Context, taskID uuid.UUID, since time.Time) (int64, error)

	// DeleteOlderThan removes reassignment records older than the cutoff.
	// Returns the number of rows removed.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Agents        AgentRepository
	Tasks         TaskRepository
	Results       ResultRepository
	Reassignments ReassignmentRepository
}

// NewRepositories creates all repository implementations backed by the given database.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Agents:        NewAgentRepo(db),
		Tasks:         NewTaskRepo(db),
		Results:       NewResultRepo(db),
		Reassignments: NewReassignmentRepo(db),
	}
}

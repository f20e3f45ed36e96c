//go:build integration

// Package dbfixtures provides database fixtures for integration tests.
package dbfixtures

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// FixtureOptions allows customizing fixture creation.
type FixtureOptions struct {
	// Name override for agents
	Name string
	// Status for agents or tasks
	Status string
	// Country for agents or task preferences
	Country string
	// City for agents or task preferences
	City string
	// Capabilities for agents
	Capabilities []wire.Protocol
	// Protocol for tasks
	Protocol wire.Protocol
	// Target for tasks
	Target string
	// Priority for tasks
	Priority int
	// Count for creating multiple items
	Count int
}

// DefaultFixtureOptions returns sensible defaults for fixture options.
func DefaultFixtureOptions() FixtureOptions {
	return FixtureOptions{
		Country:  "SE",
		City:     "Stockholm",
		Protocol: wire.ProtocolHTTP,
		Target:   "example.com",
		Priority: 2,
		Count:    1,
	}
}

// Fixtures provides factory methods for creating test data.
type Fixtures struct {
	repos *database.Repositories
	db    *database.DB
}

// NewFixtures creates a new Fixtures instance.
func NewFixtures(db *database.DB) *Fixtures {
	return &Fixtures{
		repos: database.NewRepositories(db),
		db:    db,
	}
}

// CreateAgent creates an online, enabled agent in the database.
func (f *Fixtures) CreateAgent(ctx context.Context, opts ...FixtureOptions) (*database.Agent, error) {
	opt := mergeOptions(opts...)

	name := opt.Name
	if name == "" {
		name = fmt.Sprintf("test-agent-%s", uuid.New().String()[:8])
	}

	status := database.AgentStatusOnline
	if opt.Status != "" {
		status = database.AgentStatus(opt.Status)
	}

	version := "1.0.0-test"
	now := time.Now()

	agent := &database.Agent{
		ID:                 uuid.New(),
		Name:               name,
		Address:            "203.0.113.10",
		APIKey:             fmt.Sprintf("test-key-%s", uuid.New().String()),
		Country:            database.NullString(opt.Country),
		City:               database.NullString(opt.City),
		Version:            &version,
		Capabilities:       opt.Capabilities,
		Status:             status,
		LastHeartbeat:      &now,
		RegisteredAt:       now,
		Availability:       1,
		SuccessRate:        1,
		MaxConcurrentTasks: 10,
		Enabled:            true,
	}

	if err := f.repos.Agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create test agent: %w", err)
	}

	return agent, nil
}

// CreateAgents creates multiple agents in the database.
func (f *Fixtures) CreateAgents(ctx context.Context, count int, opts ...FixtureOptions) ([]*database.Agent, error) {
	opt := mergeOptions(opts...)

	agents := make([]*database.Agent, 0, count)
	for i := 0; i < count; i++ {
		opt.Name = fmt.Sprintf("test-agent-%d-%s", i, uuid.New().String()[:8])
		agent, err := f.CreateAgent(ctx, opt)
		if err != nil {
			f.cleanupAgents(ctx, agents)
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// CreateTask creates an active task owned by a fresh user.
func (f *Fixtures) CreateTask(ctx context.Context, opts ...FixtureOptions) (*database.Task, error) {
	opt := mergeOptions(opts...)

	status := database.TaskStatusActive
	if opt.Status != "" {
		status = database.TaskStatus(opt.Status)
	}

	task := &database.Task{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		Protocol:         opt.Protocol,
		Target:           opt.Target,
		FrequencySeconds: 60,
		TimeoutSeconds:   30,
		Priority:         opt.Priority,
		Status:           status,
	}

	if err := f.repos.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create test task: %w", err)
	}

	return task, nil
}

// CreateTasks creates multiple tasks with descending priorities.
func (f *Fixtures) CreateTasks(ctx context.Context, count int, opts ...FixtureOptions) ([]*database.Task, error) {
	opt := mergeOptions(opts...)

	tasks := make([]*database.Task, 0, count)
	for i := 0; i < count; i++ {
		opt.Priority = (i % 4)
		task, err := f.CreateTask(ctx, opt)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CreateResults creates results for a task, alternating success and error
// with one timeout in every five.
func (f *Fixtures) CreateResults(ctx context.Context, taskID, agentID uuid.UUID, opts ...FixtureOptions) ([]database.TaskResult, error) {
	opt := mergeOptions(opts...)

	count := opt.Count
	if count <= 0 {
		count = 5
	}

	statuses := []database.ResultStatus{
		database.ResultStatusSuccess,
		database.ResultStatusSuccess,
		database.ResultStatusSuccess,
		database.ResultStatusError,
		database.ResultStatusTimeout,
	}

	results := make([]database.TaskResult, 0, count)
	for i := 0; i < count; i++ {
		status := statuses[i%len(statuses)]
		durationMs := int64((i + 1) * 10)

		result := database.TaskResult{
			ID:         uuid.New(),
			TaskID:     taskID,
			AgentID:    agentID,
			Status:     status,
			ExecutedAt: time.Now().Add(-time.Duration(count-i) * time.Minute),
			DurationMs: &durationMs,
			Metrics: map[string]float64{
				"response_time": float64((i + 1) * 10),
			},
		}

		if status == database.ResultStatusError {
			errMsg := fmt.Sprintf("probe %d failed: connection refused", i)
			result.ErrorMessage = &errMsg
		}

		results = append(results, result)
	}

	if err := f.repos.Results.BatchCreate(ctx, results); err != nil {
		return nil, fmt.Errorf("failed to create test results: %w", err)
	}

	return results, nil
}

// Scenario holds all fixtures for a complete dispatch scenario.
type Scenario struct {
	Agent   *database.Agent
	Task    *database.Task
	Results []database.TaskResult
}

// CreateScenario creates an agent, a task, and a result history for it.
func (f *Fixtures) CreateScenario(ctx context.Context, opts ...FixtureOptions) (*Scenario, error) {
	opt := mergeOptions(opts...)

	agent, err := f.CreateAgent(ctx, opt)
	if err != nil {
		return nil, err
	}

	task, err := f.CreateTask(ctx, opt)
	if err != nil {
		f.CleanupAgent(ctx, agent.ID)
		return nil, err
	}

	results, err := f.CreateResults(ctx, task.ID, agent.ID, opt)
	if err != nil {
		f.CleanupTask(ctx, task.ID)
		f.CleanupAgent(ctx, agent.ID)
		return nil, err
	}

	return &Scenario{
		Agent:   agent,
		Task:    task,
		Results: results,
	}, nil
}

// Cleanup removes all fixtures created in this scenario.
func (s *Scenario) Cleanup(ctx context.Context, db *database.DB) error {
	pool := db.Pool()

	// Delete in reverse order of dependencies.
	if s.Task != nil {
		pool.Exec(ctx, "DELETE FROM task_results WHERE task_id = $1", s.Task.ID)
		pool.Exec(ctx, "DELETE FROM task_reassignments WHERE task_id = $1", s.Task.ID)
		pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", s.Task.ID)
	}

	if s.Agent != nil {
		pool.Exec(ctx, "DELETE FROM agents WHERE id = $1", s.Agent.ID)
	}

	return nil
}

// CleanupTask removes a task and all related data.
func (f *Fixtures) CleanupTask(ctx context.Context, taskID uuid.UUID) error {
	pool := f.db.Pool()

	pool.Exec(ctx, "DELETE FROM task_results WHERE task_id = $1", taskID)
	pool.Exec(ctx, "DELETE FROM task_reassignments WHERE task_id = $1", taskID)
	_, err := pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", taskID)

	return err
}

// CleanupAgent removes an agent and the results it produced.
func (f *Fixtures) CleanupAgent(ctx context.Context, agentID uuid.UUID) error {
	pool := f.db.Pool()

	pool.Exec(ctx, "DELETE FROM task_results WHERE agent_id = $1", agentID)
	_, err := pool.Exec(ctx, "DELETE FROM agents WHERE id = $1", agentID)

	return err
}

// cleanupAgents is a helper to clean up agents on error.
func (f *Fixtures) cleanupAgents(ctx context.Context, agents []*database.Agent) {
	for _, a := range agents {
		f.CleanupAgent(ctx, a.ID)
	}
}

// mergeOptions merges fixture options, with later options taking precedence.
func mergeOptions(opts ...FixtureOptions) FixtureOptions {
	result := DefaultFixtureOptions()

	for _, opt := range opts {
		if opt.Name != "" {
			result.Name = opt.Name
		}
		if opt.Status != "" {
			result.Status = opt.Status
		}
		if opt.Country != "" {
			result.Country = opt.Country
		}
		if opt.City != "" {
			result.City = opt.City
		}
		if len(opt.Capabilities) > 0 {
			result.Capabilities = opt.Capabilities
		}
		if opt.Protocol != "" {
			result.Protocol = opt.Protocol
		}
		if opt.Target != "" {
			result.Target = opt.Target
		}
		if opt.Count > 0 {
			result.Count = opt.Count
		}
		if opt.Priority != 0 {
			result.Priority = opt.Priority
		}
	}

	return result
}

// RandomName generates a random name with a prefix.
func RandomName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

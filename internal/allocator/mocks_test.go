package allocator

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/netpulse/netpulse/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockAgentRepo is a mock implementation of database.AgentRepository.
type MockAgentRepo struct {
	mock.Mock
}

func (m *MockAgentRepo) Create(ctx context.Context, agent *database.Agent) error {
	return m.Called(ctx, agent).Error(0)
}

func (m *MockAgentRepo) Get(ctx context.Context, id uuid.UUID) (*database.Agent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Agent), args.Error(1)
}

func (m *MockAgentRepo) GetByName(ctx context.Context, name string) (*database.Agent, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Agent), args.Error(1)
}

func (m *MockAgentRepo) Update(ctx context.Context, agent *database.Agent) error {
	return m.Called(ctx, agent).Error(0)
}

func (m *MockAgentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAgentRepo) List(ctx context.Context, page database.Pagination) ([]database.Agent, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) ListByStatus(ctx context.Context, status database.AgentStatus, page database.Pagination) ([]database.Agent, error) {
	args := m.Called(ctx, status, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) ListAvailable(ctx context.Context, heartbeatWindow time.Duration) ([]database.Agent, error) {
	args := m.Called(ctx, heartbeatWindow)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status database.AgentStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockAgentRepo) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status database.AgentStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockAgentRepo) UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error {
	return m.Called(ctx, id, cpu, memory, disk, loadAvg).Error(0)
}

func (m *MockAgentRepo) UpdateRollingStats(ctx context.Context, id uuid.UUID, availability, successRate, avgResponseMs float64) error {
	return m.Called(ctx, id, availability, successRate, avgResponseMs).Error(0)
}

func (m *MockAgentRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return m.Called(ctx, id, enabled).Error(0)
}

func (m *MockAgentRepo) MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAgentRepo) CountByStatus(ctx context.Context) (map[database.AgentStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[database.AgentStatus]int64), args.Error(1)
}

// MockResultRepo is a mock implementation of database.ResultRepository.
type MockResultRepo struct {
	mock.Mock
}

func (m *MockResultRepo) Create(ctx context.Context, result *database.TaskResult) error {
	return m.Called(ctx, result).Error(0)
}

func (m *MockResultRepo) BatchCreate(ctx context.Context, results []database.TaskResult) error {
	return m.Called(ctx, results).Error(0)
}

func (m *MockResultRepo) Get(ctx context.Context, id uuid.UUID) (*database.TaskResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.TaskResult), args.Error(1)
}

func (m *MockResultRepo) ListByTask(ctx context.Context, taskID uuid.UUID, page database.Pagination) ([]database.TaskResult, error) {
	args := m.Called(ctx, taskID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.TaskResult), args.Error(1)
}

func (m *MockResultRepo) ListByAgent(ctx context.Context, agentID uuid.UUID, page database.Pagination) ([]database.TaskResult, error) {
	args := m.Called(ctx, agentID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.TaskResult), args.Error(1)
}

func (m *MockResultRepo) LatestByTask(ctx context.Context, taskID uuid.UUID) (*database.TaskResult, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.TaskResult), args.Error(1)
}

func (m *MockResultRepo) GetAgentPerformance(ctx context.Context, agentID uuid.UUID, since time.Time) (*database.AgentPerformance, error) {
	args := m.Called(ctx, agentID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.AgentPerformance), args.Error(1)
}

func (m *MockResultRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockReassignmentRepo is a mock implementation of database.ReassignmentRepository.
type MockReassignmentRepo struct {
	mock.Mock
}

func (m *MockReassignmentRepo) Create(ctx context.Context, r *database.Reassignment) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockReassignmentRepo) ListByTask(ctx context.Context, taskID uuid.UUID, page database.Pagination) ([]database.Reassignment, error) {
	args := m.Called(ctx, taskID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Reassignment), args.Error(1)
}

func (m *MockReassignmentRepo) CountByTaskSince(ctx context.Context, taskID uuid.UUID, since time.Time) (int64, error) {
	args := m.Called(ctx, taskID, since)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReassignmentRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// stubExecutions is a fixed ExecutionCounter.
type stubExecutions struct {
	counts map[uuid.UUID]int
}

func (s stubExecutions) ExecutingByAgent() map[uuid.UUID]int {
	return s.counts
}

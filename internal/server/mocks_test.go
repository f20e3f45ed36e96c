package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/netpulse/netpulse/internal/connmgr"
	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/dispatch"
	"github.com/netpulse/netpulse/internal/scheduler"
	"github.com/netpulse/netpulse/pkg/log"
)

const testAdminToken = "test-admin-token-0123456789"

// newTestServer wires an HTTPServer over the given mocks with auth
// enabled and CORS/tracing/metrics off.
func newTestServer(repos *database.Repositories, sched TaskScheduler) *HTTPServer {
	if sched == nil {
		sched = &stubScheduler{}
	}
	cfg := DefaultHTTPConfig()
	cfg.AdminToken = testAdminToken
	cfg.EnableCORS = false
	return NewHTTPServer(cfg, Deps{
		Repos:     repos,
		Scheduler: sched,
		Conns:     &stubTracker{},
		Queue:     &stubQueue{},
	}, log.NewNop())
}

// MockAgentRepo is a mock implementation of database.AgentRepository.
type MockAgentRepo struct {
	mock.Mock
}

func (m *MockAgentRepo) Create(ctx context.Context, agent *database.Agent) error {
	args := m.Called(ctx, agent)
	return args.Error(0)
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
	args := m.Called(ctx, agent)
	return args.Error(0)
}

func (m *MockAgentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
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
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockAgentRepo) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status database.AgentStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockAgentRepo) UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error {
	args := m.Called(ctx, id, cpu, memory, disk, loadAvg)
	return args.Error(0)
}

func (m *MockAgentRepo) UpdateRollingStats(ctx context.Context, id uuid.UUID, availability, successRate, avgResponseMs float64) error {
	args := m.Called(ctx, id, availability, successRate, avgResponseMs)
	return args.Error(0)
}

func (m *MockAgentRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	args := m.Called(ctx, id, enabled)
	return args.Error(0)
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

// MockTaskRepo is a mock implementation of database.TaskRepository.
type MockTaskRepo struct {
	mock.Mock
}

func (m *MockTaskRepo) Create(ctx context.Context, task *database.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepo) Get(ctx context.Context, id uuid.UUID) (*database.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Task), args.Error(1)
}

func (m *MockTaskRepo) Update(ctx context.Context, task *database.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskRepo) List(ctx context.Context, page database.Pagination) ([]database.Task, error) {
	args := m.Called(ctx, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, page database.Pagination) ([]database.Task, error) {
	args := m.Called(ctx, userID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) ListByStatus(ctx context.Context, status database.TaskStatus, page database.Pagination) ([]database.Task, error) {
	args := m.Called(ctx, status, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) GetDue(ctx context.Context, now time.Time, limit int) ([]database.Task, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status database.TaskStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockTaskRepo) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error {
	args := m.Called(ctx, id, nextRunAt)
	return args.Error(0)
}

func (m *MockTaskRepo) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockTaskRepo) CountByStatus(ctx context.Context) (map[database.TaskStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[database.TaskStatus]int64), args.Error(1)
}

// MockResultRepo is a mock implementation of database.ResultRepository.
type MockResultRepo struct {
	mock.Mock
}

func (m *MockResultRepo) Create(ctx context.Context, result *database.TaskResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockResultRepo) BatchCreate(ctx context.Context, results []database.TaskResult) error {
	args := m.Called(ctx, results)
	return args.Error(0)
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
	args := m.Called(ctx, r)
	return args.Error(0)
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

// stubScheduler records scheduler calls without driving a real scheduler.
type stubScheduler struct {
	scheduled  []uuid.UUID
	paused     []uuid.UUID
	resumed    []uuid.UUID
	cancelled  []uuid.UUID
	forced     []uuid.UUID
	priorities map[uuid.UUID]int
	err        error
}

func (s *stubScheduler) ScheduleTaskAt(ctx context.Context, taskID uuid.UUID, runAt time.Time) error {
	s.scheduled = append(s.scheduled, taskID)
	return s.err
}

func (s *stubScheduler) PauseTask(ctx context.Context, taskID uuid.UUID) error {
	s.paused = append(s.paused, taskID)
	return s.err
}

func (s *stubScheduler) ResumeTask(ctx context.Context, taskID uuid.UUID) error {
	s.resumed = append(s.resumed, taskID)
	return s.err
}

func (s *stubScheduler) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	s.cancelled = append(s.cancelled, taskID)
	return s.err
}

func (s *stubScheduler) ForceExecuteTask(ctx context.Context, taskID uuid.UUID) error {
	s.forced = append(s.forced, taskID)
	return s.err
}

func (s *stubScheduler) UpdateTaskPriority(ctx context.Context, taskID uuid.UUID, priority int) error {
	if s.priorities == nil {
		s.priorities = make(map[uuid.UUID]int)
	}
	s.priorities[taskID] = priority
	return s.err
}

func (s *stubScheduler) Stats() scheduler.Stats {
	return scheduler.Stats{QueueDepth: 3, Executing: 1, TotalExecuted: 42}
}

// stubTracker returns fixed pool counters.
type stubTracker struct{}

func (stubTracker) Stats() connmgr.PoolStats {
	return connmgr.PoolStats{Connections: 2, Authenticated: 2, Agents: 2}
}

// stubQueue returns fixed queue counters.
type stubQueue struct{}

func (stubQueue) QueueStats() dispatch.QueueStats {
	return dispatch.QueueStats{
		Depths:   map[dispatch.Priority]int{dispatch.PriorityNormal: 5},
		Enqueued: 10,
		Dequeued: 5,
	}
}

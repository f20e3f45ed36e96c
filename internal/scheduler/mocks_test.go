package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/netpulse/netpulse/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockTaskRepo is a mock implementation of database.TaskRepository.
type MockTaskRepo struct {
	mock.Mock
}

func (m *MockTaskRepo) Create(ctx context.Context, task *database.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockTaskRepo) Get(ctx context.Context, id uuid.UUID) (*database.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Task), args.Error(1)
}

func (m *MockTaskRepo) Update(ctx context.Context, task *database.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockTaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
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
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockTaskRepo) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error {
	return m.Called(ctx, id, nextRunAt).Error(0)
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

// MockAllocator is a mock implementation of the Allocator interface.
type MockAllocator struct {
	mock.Mock
}

func (m *MockAllocator) Allocate(ctx context.Context, task *database.Task, exclude []uuid.UUID) (uuid.UUID, error) {
	args := m.Called(ctx, task, exclude)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

// MockTaskDispatcher is a mock implementation of the TaskDispatcher interface.
type MockTaskDispatcher struct {
	mock.Mock
}

func (m *MockTaskDispatcher) AssignTask(ctx context.Context, task *database.Task, agentID uuid.UUID, onDone func(error)) error {
	return m.Called(ctx, task, agentID, onDone).Error(0)
}

func (m *MockTaskDispatcher) CancelTask(ctx context.Context, taskID, agentID uuid.UUID) error {
	return m.Called(ctx, taskID, agentID).Error(0)
}

// MockReassigner is a mock implementation of the Reassigner interface.
type MockReassigner struct {
	mock.Mock
}

func (m *MockReassigner) Reassign(ctx context.Context, task *database.Task, fromAgent uuid.UUID, reason string) (uuid.UUID, error) {
	args := m.Called(ctx, task, fromAgent, reason)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

// eventRecorder collects published task events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) PublishAgentStatus(uuid.UUID, string) {}

func (r *eventRecorder) PublishTaskEvent(_ uuid.UUID, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) PublishResult(*database.TaskResult) {}

func (r *eventRecorder) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// countCalls returns how many times the named method was invoked.
func countCalls(m *mock.Mock, method string) int {
	n := 0
	for _, call := range m.Calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

package dispatch

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockConnManager is a mock implementation of ConnectionManager.
type MockConnManager struct {
	mock.Mock
}

func (m *MockConnManager) Send(ctx context.Context, agentID uuid.UUID, frame *wire.Frame) bool {
	args := m.Called(ctx, agentID, frame)
	return args.Bool(0)
}

func (m *MockConnManager) Broadcast(ctx context.Context, frame *wire.Frame, exclude map[uuid.UUID]struct{}) int {
	args := m.Called(ctx, frame, exclude)
	return args.Int(0)
}

func (m *MockConnManager) AvailableAgents() []uuid.UUID {
	args := m.Called()
	return args.Get(0).([]uuid.UUID)
}

func (m *MockConnManager) IsConnected(agentID uuid.UUID) bool {
	args := m.Called(agentID)
	return args.Bool(0)
}

func (m *MockConnManager) AgentLoad(agentID uuid.UUID) (wire.ResourceUsage, bool) {
	args := m.Called(agentID)
	return args.Get(0).(wire.ResourceUsage), args.Bool(1)
}

// MockEnqueuer is a mock implementation of Enqueuer.
type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(msg *Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

// enqueued returns the messages captured by Enqueue calls so far.
func (m *MockEnqueuer) enqueued() []*Message {
	var out []*Message
	for _, call := range m.Calls {
		if call.Method == "Enqueue" {
			out = append(out, call.Arguments.Get(0).(*Message))
		}
	}
	return out
}

// MockDeduper is a mock implementation of dedup.Deduper.
type MockDeduper struct {
	mock.Mock
}

func (m *MockDeduper) Seen(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduper) Clear(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockDeduper) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockObjectStore is a mock implementation of ObjectStore.
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) PutResult(ctx context.Context, taskID, resultID uuid.UUID, data []byte) (string, error) {
	args := m.Called(ctx, taskID, resultID, data)
	return args.String(0), args.Error(1)
}

// MockPublisher is a mock implementation of events.Publisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishAgentStatus(agentID uuid.UUID, status string) {
	m.Called(agentID, status)
}

func (m *MockPublisher) PublishTaskEvent(taskID uuid.UUID, event string, detail map[string]any) {
	m.Called(taskID, event, detail)
}

func (m *MockPublisher) PublishResult(result *database.TaskResult) {
	m.Called(result)
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
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) ListByStatus(ctx context.Context, status database.AgentStatus, page database.Pagination) ([]database.Agent, error) {
	args := m.Called(ctx, status, page)
	return args.Get(0).([]database.Agent), args.Error(1)
}

func (m *MockAgentRepo) ListAvailable(ctx context.Context, heartbeatWindow time.Duration) ([]database.Agent, error) {
	args := m.Called(ctx, heartbeatWindow)
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
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, page database.Pagination) ([]database.Task, error) {
	args := m.Called(ctx, userID, page)
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) ListByStatus(ctx context.Context, status database.TaskStatus, page database.Pagination) ([]database.Task, error) {
	args := m.Called(ctx, status, page)
	return args.Get(0).([]database.Task), args.Error(1)
}

func (m *MockTaskRepo) GetDue(ctx context.Context, now time.Time, limit int) ([]database.Task, error) {
	args := m.Called(ctx, now, limit)
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
	return args.Get(0).([]database.TaskResult), args.Error(1)
}

func (m *MockResultRepo) ListByAgent(ctx context.Context, agentID uuid.UUID, page database.Pagination) ([]database.TaskResult, error) {
	args := m.Called(ctx, agentID, page)
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

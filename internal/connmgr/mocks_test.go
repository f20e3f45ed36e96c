package connmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls cond until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeChannel is an in-memory Channel.
type fakeChannel struct {
	inbound chan *wire.Frame

	mu       sync.Mutex
	outbound []*wire.Frame
	readErr  error
	writeErr error
	deadline time.Time
	closed   bool
	closes   int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan *wire.Frame, 16)}
}

func (c *fakeChannel) push(f *wire.Frame) {
	c.inbound <- f
}

func (c *fakeChannel) ReadFrame() (*wire.Frame, error) {
	c.mu.Lock()
	err := c.readErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case <-time.After(time.Second):
		return nil, fmt.Errorf("fake channel read timed out")
	}
}

func (c *fakeChannel) WriteFrame(f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.closed {
		return fmt.Errorf("fake channel closed")
	}
	c.outbound = append(c.outbound, f)
	return nil
}

func (c *fakeChannel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *fakeChannel) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeChannel) sent() []*wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.Frame, len(c.outbound))
	copy(out, c.outbound)
	return out
}

func (c *fakeChannel) lastSent() *wire.Frame {
	frames := c.sent()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type statusChange struct {
	id     uuid.UUID
	status database.AgentStatus
}

// mockAgentRepository is an in-memory AgentRepository.
type mockAgentRepository struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*database.Agent

	getErr             error
	updateErr          error
	updateStatusErr    error
	updateHeartbeatErr error
	updateLoadErr      error

	statusUpdates    []statusChange
	heartbeatUpdates []statusChange
	loadUpdates      []uuid.UUID
}

func newMockAgentRepository() *mockAgentRepository {
	return &mockAgentRepository{agents: make(map[uuid.UUID]*database.Agent)}
}

func (m *mockAgentRepository) put(agent *database.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
}

func (m *mockAgentRepository) Create(ctx context.Context, agent *database.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
	return nil
}

func (m *mockAgentRepository) Get(ctx context.Context, id uuid.UUID) (*database.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	agent, ok := m.agents[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (m *mockAgentRepository) GetByName(ctx context.Context, name string) (*database.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range m.agents {
		if agent.Name == name {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *mockAgentRepository) Update(ctx context.Context, agent *database.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.agents[agent.ID]; !ok {
		return database.ErrNotFound
	}
	copied := *agent
	m.agents[agent.ID] = &copied
	return nil
}

func (m *mockAgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *mockAgentRepository) List(ctx context.Context, page database.Pagination) ([]database.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		out = append(out, *agent)
	}
	return out, nil
}

func (m *mockAgentRepository) ListByStatus(ctx context.Context, status database.AgentStatus, page database.Pagination) ([]database.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Agent
	for _, agent := range m.agents {
		if agent.Status == status {
			out = append(out, *agent)
		}
	}
	return out, nil
}

func (m *mockAgentRepository) ListAvailable(ctx context.Context, heartbeatWindow time.Duration) ([]database.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Agent
	for _, agent := range m.agents {
		if agent.IsAvailable(heartbeatWindow) {
			out = append(out, *agent)
		}
	}
	return out, nil
}

func (m *mockAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status database.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	m.statusUpdates = append(m.statusUpdates, statusChange{id: id, status: status})
	if agent, ok := m.agents[id]; ok {
		agent.Status = status
	}
	return nil
}

func (m *mockAgentRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status database.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateHeartbeatErr != nil {
		return m.updateHeartbeatErr
	}
	m.heartbeatUpdates = append(m.heartbeatUpdates, statusChange{id: id, status: status})
	if agent, ok := m.agents[id]; ok {
		now := time.Now()
		agent.LastHeartbeat = &now
		agent.Status = status
	}
	return nil
}

func (m *mockAgentRepository) UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateLoadErr != nil {
		return m.updateLoadErr
	}
	m.loadUpdates = append(m.loadUpdates, id)
	if agent, ok := m.agents[id]; ok {
		agent.CPUUsage = &cpu
		agent.MemoryUsage = &memory
		agent.DiskUsage = &disk
		agent.LoadAverage = &loadAvg
	}
	return nil
}

func (m *mockAgentRepository) UpdateRollingStats(ctx context.Context, id uuid.UUID, availability, successRate, avgResponseMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[id]; ok {
		agent.Availability = availability
		agent.SuccessRate = successRate
		agent.AvgResponseMs = avgResponseMs
	}
	return nil
}

func (m *mockAgentRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return database.ErrNotFound
	}
	agent.Enabled = enabled
	return nil
}

func (m *mockAgentRepository) MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, agent := range m.agents {
		if agent.Status == database.AgentStatusOffline {
			continue
		}
		if agent.LastHeartbeat == nil || agent.LastHeartbeat.Before(cutoff) {
			agent.Status = database.AgentStatusOffline
			n++
		}
	}
	return n, nil
}

func (m *mockAgentRepository) CountByStatus(ctx context.Context) (map[database.AgentStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[database.AgentStatus]int64)
	for _, agent := range m.agents {
		out[agent.Status]++
	}
	return out, nil
}

// lastStatus returns the most recent UpdateStatus call for the agent.
func (m *mockAgentRepository) lastStatus(id uuid.UUID) (database.AgentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.statusUpdates) - 1; i >= 0; i-- {
		if m.statusUpdates[i].id == id {
			return m.statusUpdates[i].status, true
		}
	}
	return "", false
}

func (m *mockAgentRepository) heartbeatCount(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.heartbeatUpdates {
		if u.id == id {
			n++
		}
	}
	return n
}

func (m *mockAgentRepository) loadCount(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.loadUpdates {
		if u == id {
			n++
		}
	}
	return n
}

type agentStatusEvent struct {
	agentID uuid.UUID
	status  string
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu            sync.Mutex
	agentStatuses []agentStatusEvent
}

func (p *recordingPublisher) PublishAgentStatus(agentID uuid.UUID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentStatuses = append(p.agentStatuses, agentStatusEvent{agentID: agentID, status: status})
}

func (p *recordingPublisher) PublishTaskEvent(taskID uuid.UUID, event string, detail map[string]any) {}

func (p *recordingPublisher) PublishResult(result *database.TaskResult) {}

func (p *recordingPublisher) statuses(agentID uuid.UUID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.agentStatuses {
		if e.agentID == agentID {
			out = append(out, e.status)
		}
	}
	return out
}

func newTestAgent(apiKey string) *database.Agent {
	now := time.Now()
	return &database.Agent{
		ID:                 uuid.New(),
		Name:               "probe-" + uuid.NewString()[:8],
		Address:            "203.0.113.10",
		APIKey:             apiKey,
		Capabilities:       []wire.Protocol{wire.ProtocolICMP, wire.ProtocolTCP},
		Status:             database.AgentStatusOffline,
		RegisteredAt:       now,
		MaxConcurrentTasks: 10,
		Enabled:            true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

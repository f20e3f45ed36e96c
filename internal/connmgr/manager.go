// Package connmgr accepts, authenticates, and tracks the long-lived duplex
// channels to probe agents. It routes inbound frames to handlers, surfaces
// outbound sends, and drives heartbeat monitoring, load tracking, and
// reconnect recovery.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// Disconnect reasons. The first three are unexpected and schedule recovery.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonConnectionError  = "connection_error"
	ReasonNetworkError     = "network_error"
	ReasonSendFailed       = "send_failed"
	ReasonShutdown         = "shutdown"
)

// recoverable reports whether a disconnect reason schedules recovery.
func recoverable(reason string) bool {
	switch reason {
	case ReasonHeartbeatTimeout, ReasonConnectionError, ReasonNetworkError:
		return true
	}
	return false
}

// FrameHandler processes one inbound frame from an agent connection.
type FrameHandler func(ctx context.Context, conn *Connection, frame *wire.Frame) error

// SessionInfo carries transport details for a newly accepted channel.
type SessionInfo struct {
	// RemoteAddr is the peer address, for logging and diagnostics.
	RemoteAddr string
	// SessionID pre-assigns the session identifier; empty allocates one.
	SessionID string
	// Authenticated skips the handshake. The caller vouches for the agent.
	Authenticated bool
}

// Config holds connection manager settings.
type Config struct {
	// MaxConnectionsPerAgent caps live channels per agent. This is a
	// transport cap, distinct from the agent's max_concurrent_tasks.
	MaxConnectionsPerAgent int
	// RateLimit caps inbound frames per second per connection. Zero
	// disables limiting.
	RateLimit float64
	// RateBurst is the rate limiter burst size.
	RateBurst int

	Auth      AuthConfig
	Heartbeat HeartbeatConfig
	Load      LoadConfig
	Recovery  RecoveryConfig
}

// DefaultConfig returns the default connection manager settings.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerAgent: 1,
		RateLimit:              50,
		RateBurst:              100,
		Auth:                   DefaultAuthConfig(),
		Heartbeat:              DefaultHeartbeatConfig(),
		Load:                   DefaultLoadConfig(),
		Recovery:               DefaultRecoveryConfig(),
	}
}

// Manager owns the agent connection pool and its supporting monitors.
type Manager struct {
	cfg     Config
	agents  database.AgentRepository
	events  events.Publisher
	metrics *metrics.OrchestratorMetrics
	logger  *slog.Logger

	pool      *Pool
	auth      *Authenticator
	heartbeat *HeartbeatMonitor
	load      *LoadMonitor
	recovery  *RecoveryManager

	mu       sync.RWMutex
	handlers map[wire.FrameType]FrameHandler
	running  bool
}

// NewManager creates a connection manager.
func NewManager(agents database.AgentRepository, pub events.Publisher, m *metrics.OrchestratorMetrics, logger *slog.Logger, cfg Config) *Manager {
	if cfg.MaxConnectionsPerAgent == 0 {
		cfg = DefaultConfig()
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool := NewPool(cfg.MaxConnectionsPerAgent, logger)
	mgr := &Manager{
		cfg:       cfg,
		agents:    agents,
		events:    pub,
		metrics:   m,
		logger:    logger.With("component", "connection_manager"),
		pool:      pool,
		auth:      NewAuthenticator(agents, cfg.Auth, logger),
		heartbeat: NewHeartbeatMonitor(pool, cfg.Heartbeat, logger),
		load:      NewLoadMonitor(pool, cfg.Load, logger),
		recovery:  NewRecoveryManager(pool, agents, m, cfg.Recovery, logger),
		handlers:  make(map[wire.FrameType]FrameHandler),
	}
	mgr.heartbeat.OnTimeout(mgr.onHeartbeatTimeout)
	return mgr
}

// Start begins heartbeat monitoring.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("connection manager already running")
	}
	m.running = true
	m.mu.Unlock()

	if err := m.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat monitor: %w", err)
	}

	m.logger.Info("connection manager started",
		"max_connections_per_agent", m.cfg.MaxConnectionsPerAgent,
		"rate_limit", m.cfg.RateLimit,
	)
	return nil
}

// Stop disconnects every agent with an orderly goodbye and halts the
// background loops.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	if err := m.heartbeat.Stop(ctx); err != nil {
		m.logger.Warn("heartbeat monitor stop", "error", err)
	}
	for _, sessionID := range m.pool.Sessions() {
		m.RemoveConnection(ctx, sessionID, ReasonShutdown)
	}
	m.recovery.Stop()

	m.logger.Info("connection manager stopped")
	return nil
}

// RegisterHandler maps a frame type to a handler. The built-in heartbeat,
// resource_report, and agent_register types are routed before the map and
// cannot be overridden.
func (m *Manager) RegisterHandler(t wire.FrameType, h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// AddConnection authenticates a fresh channel (unless the caller already
// did), registers it in the pool, cancels any pending recovery, and marks
// the agent online. It reports whether the connection was accepted; on
// rejection the channel is closed.
func (m *Manager) AddConnection(ctx context.Context, ch Channel, agentID uuid.UUID, info SessionInfo) bool {
	if !info.Authenticated {
		agent, err := m.auth.Authenticate(ctx, ch)
		if err != nil {
			m.metrics.RecordAuthAttempt("failure")
			m.logger.Warn("agent authentication failed",
				"remote_addr", info.RemoteAddr,
				"error", err,
			)
			_ = ch.Close()
			return false
		}
		if agentID != uuid.Nil && agentID != agent.ID {
			m.metrics.RecordAuthAttempt("failure")
			m.logger.Warn("authenticated agent does not match session",
				"expected", agentID,
				"actual", agent.ID,
			)
			_ = ch.Close()
			return false
		}
		agentID = agent.ID
		m.metrics.RecordAuthAttempt("success")
	}
	if agentID == uuid.Nil {
		m.logger.Error("add connection without an agent id", "remote_addr", info.RemoteAddr)
		_ = ch.Close()
		return false
	}

	sessionID := info.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conn := NewConnection(ConnectionConfig{
		SessionID:  sessionID,
		AgentID:    agentID,
		Channel:    ch,
		RemoteAddr: info.RemoteAddr,
		RateLimit:  m.cfg.RateLimit,
		RateBurst:  m.cfg.RateBurst,
		Logger:     m.logger,
	})
	conn.SetState(StateAuthenticated)

	if !m.pool.Add(conn) {
		m.logger.Warn("connection rejected, agent at connection limit",
			"agent_id", agentID,
			"limit", m.cfg.MaxConnectionsPerAgent,
		)
		if f, err := wire.NewFrame(wire.FrameTypeAuthResponse, wire.AuthResponse{
			Success: false,
			Error:   "connection limit reached",
		}); err == nil {
			_ = conn.Send(f)
		}
		conn.Close()
		return false
	}

	m.recovery.Cancel(agentID)

	if err := m.agents.UpdateHeartbeat(ctx, agentID, database.AgentStatusOnline); err != nil {
		m.logger.Error("failed to mark agent online", "agent_id", agentID, "error", err)
	}

	if !info.Authenticated {
		if !m.reply(ctx, conn, wire.FrameTypeAuthResponse, wire.AuthResponse{
			Success:   true,
			SessionID: sessionID,
		}) {
			return false
		}
	}

	m.metrics.SetConnections(float64(m.pool.Size()))
	m.events.PublishAgentStatus(agentID, string(database.AgentStatusOnline))
	m.logger.Info("agent connected",
		"agent_id", agentID,
		"session_id", sessionID,
		"remote_addr", info.RemoteAddr,
	)
	return true
}

// RemoveConnection tears a session down: a best-effort disconnect frame is
// sent, the channel closed, the pool entry dropped, and the agent marked
// offline once its last connection is gone. Unexpected reasons schedule
// recovery.
func (m *Manager) RemoveConnection(ctx context.Context, sessionID, reason string) bool {
	conn := m.pool.Get(sessionID)
	if conn == nil {
		return false
	}

	conn.SetState(StateDisconnecting)
	if f, err := wire.NewFrame(wire.FrameTypeDisconnect, wire.Disconnect{
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}); err == nil {
		_ = conn.Send(f)
	}
	conn.Close()
	m.pool.Remove(sessionID, reason)

	agentID := conn.AgentID()
	if !m.pool.IsConnected(agentID) {
		m.load.Forget(agentID)
		if err := m.agents.UpdateStatus(ctx, agentID, database.AgentStatusOffline); err != nil {
			m.logger.Error("failed to mark agent offline", "agent_id", agentID, "error", err)
		}
		m.events.PublishAgentStatus(agentID, string(database.AgentStatusOffline))
		if recoverable(reason) {
			m.recovery.Schedule(agentID)
		}
	}

	m.metrics.SetConnections(float64(m.pool.Size()))
	m.logger.Info("agent disconnected",
		"agent_id", agentID,
		"session_id", sessionID,
		"reason", reason,
	)
	return true
}

// Send delivers one frame to the agent's primary connection, filling a
// missing frame ID or timestamp. A send failure tears the connection down
// with reason send_failed and returns false.
func (m *Manager) Send(ctx context.Context, agentID uuid.UUID, frame *wire.Frame) bool {
	conn := m.pool.Primary(agentID)
	if conn == nil {
		m.logger.Debug("send skipped, agent not connected",
			"agent_id", agentID,
			"type", frame.Type,
		)
		return false
	}
	return m.sendTo(ctx, conn, frame)
}

// Broadcast sends the frame to every connected agent not in exclude and
// returns the number of successful sends. Failures are not propagated.
func (m *Manager) Broadcast(ctx context.Context, frame *wire.Frame, exclude map[uuid.UUID]struct{}) int {
	frame.Fill()
	sent := 0
	for _, agentID := range m.pool.ConnectedAgents() {
		if _, skip := exclude[agentID]; skip {
			continue
		}
		if m.Send(ctx, agentID, frame) {
			sent++
		}
	}
	return sent
}

// OnMessage routes one inbound frame from a session's read loop.
func (m *Manager) OnMessage(ctx context.Context, sessionID string, frame *wire.Frame) {
	conn := m.pool.Get(sessionID)
	if conn == nil {
		m.logger.Debug("frame from unknown session",
			"session_id", sessionID,
			"type", frame.Type,
		)
		return
	}
	conn.RecordRecv()

	if !conn.Allow() {
		m.metrics.RecordMessageDropped("rate_limited")
		m.logger.Debug("inbound frame rate limited",
			"agent_id", conn.AgentID(),
			"type", frame.Type,
		)
		return
	}
	m.metrics.RecordMessage("in", string(frame.Type))

	switch frame.Type {
	case wire.FrameTypeHeartbeat:
		m.handleHeartbeat(ctx, conn, frame)
	case wire.FrameTypeResourceReport:
		m.handleResourceReport(ctx, conn, frame)
	case wire.FrameTypeAgentRegister:
		m.handleAgentRegister(ctx, conn, frame)
	default:
		m.mu.RLock()
		handler, ok := m.handlers[frame.Type]
		m.mu.RUnlock()

		if !ok {
			m.logger.Warn("no handler for frame type",
				"type", frame.Type,
				"agent_id", conn.AgentID(),
			)
			m.reply(ctx, conn, wire.FrameTypeError, wire.ErrorPayload{
				Error:             fmt.Sprintf("unsupported frame type %q", frame.Type),
				OriginalMessageID: frame.ID,
			})
			return
		}
		if err := handler(ctx, conn, frame); err != nil {
			m.logger.Error("frame handler failed",
				"type", frame.Type,
				"agent_id", conn.AgentID(),
				"error", err,
			)
		}
	}
}

// handleHeartbeat refreshes liveness and answers with the server clock.
func (m *Manager) handleHeartbeat(ctx context.Context, conn *Connection, frame *wire.Frame) {
	conn.UpdateHeartbeat()
	m.metrics.RecordHeartbeat()

	if err := m.agents.UpdateHeartbeat(ctx, conn.AgentID(), database.AgentStatusOnline); err != nil {
		m.logger.Error("failed to record heartbeat", "agent_id", conn.AgentID(), "error", err)
	}

	m.reply(ctx, conn, wire.FrameTypeHeartbeatResponse, wire.HeartbeatResponse{
		AgentID:           conn.AgentID().String(),
		ServerTime:        time.Now().UTC(),
		OriginalMessageID: frame.ID,
	})
}

// handleResourceReport records a load sample, raises threshold alerts, and
// persists the snapshot.
func (m *Manager) handleResourceReport(ctx context.Context, conn *Connection, frame *wire.Frame) {
	var report wire.ResourceReport
	if err := frame.Decode(&report); err != nil {
		m.logger.Warn("malformed resource report", "agent_id", conn.AgentID(), "error", err)
		m.reply(ctx, conn, wire.FrameTypeError, wire.ErrorPayload{
			Error:             "malformed resource report",
			OriginalMessageID: frame.ID,
		})
		return
	}

	agentID := conn.AgentID()
	for _, alert := range m.load.Record(agentID, report.Resources) {
		if alert.Recovered {
			m.logger.Info("agent load recovered",
				"agent_id", agentID,
				"resource", alert.Resource,
				"value", alert.Value,
				"threshold", alert.Threshold,
			)
			continue
		}
		m.metrics.RecordLoadAlert(alert.Resource)
		m.logger.Warn("agent load alert",
			"agent_id", agentID,
			"resource", alert.Resource,
			"value", alert.Value,
			"threshold", alert.Threshold,
		)
	}

	res := report.Resources
	if err := m.agents.UpdateLoad(ctx, agentID, res.CPUUsage, res.MemoryUsage, res.DiskUsage, res.LoadAverage); err != nil {
		m.logger.Error("failed to record agent load", "agent_id", agentID, "error", err)
	}

	m.reply(ctx, conn, wire.FrameTypeResourceReportAck, wire.ResourceReportAck{Received: true})
}

// handleAgentRegister updates the agent's declared capabilities and version.
func (m *Manager) handleAgentRegister(ctx context.Context, conn *Connection, frame *wire.Frame) {
	var reg wire.AgentRegister
	if err := frame.Decode(&reg); err != nil {
		m.logger.Warn("malformed agent register", "agent_id", conn.AgentID(), "error", err)
		m.reply(ctx, conn, wire.FrameTypeAgentRegisterResponse, wire.AgentRegisterResponse{Success: false})
		return
	}

	agentID := conn.AgentID()
	agent, err := m.agents.Get(ctx, agentID)
	if err != nil {
		m.logger.Error("failed to load agent for register", "agent_id", agentID, "error", err)
		m.reply(ctx, conn, wire.FrameTypeAgentRegisterResponse, wire.AgentRegisterResponse{Success: false})
		return
	}

	agent.Capabilities = reg.Capabilities
	if reg.Version != "" {
		agent.Version = &reg.Version
	}
	if err := m.agents.Update(ctx, agent); err != nil {
		m.logger.Error("failed to update agent registration", "agent_id", agentID, "error", err)
		m.reply(ctx, conn, wire.FrameTypeAgentRegisterResponse, wire.AgentRegisterResponse{Success: false})
		return
	}

	m.logger.Info("agent registered",
		"agent_id", agentID,
		"version", reg.Version,
		"capabilities", len(reg.Capabilities),
	)
	m.reply(ctx, conn, wire.FrameTypeAgentRegisterResponse, wire.AgentRegisterResponse{Success: true})
}

// sendTo writes one frame on a specific connection, tearing it down on
// failure.
func (m *Manager) sendTo(ctx context.Context, conn *Connection, frame *wire.Frame) bool {
	frame.Fill()
	if err := conn.Send(frame); err != nil {
		m.logger.Warn("send failed",
			"agent_id", conn.AgentID(),
			"session_id", conn.SessionID(),
			"type", frame.Type,
			"error", err,
		)
		m.RemoveConnection(ctx, conn.SessionID(), ReasonSendFailed)
		return false
	}
	m.metrics.RecordMessage("out", string(frame.Type))
	return true
}

// reply builds and sends a frame on the given connection.
func (m *Manager) reply(ctx context.Context, conn *Connection, t wire.FrameType, payload any) bool {
	frame, err := wire.NewFrame(t, payload)
	if err != nil {
		m.logger.Error("failed to build frame", "type", t, "error", err)
		return false
	}
	return m.sendTo(ctx, conn, frame)
}

// onHeartbeatTimeout tears down a connection that exhausted its heartbeat
// budget.
func (m *Manager) onHeartbeatTimeout(conn *Connection) {
	m.metrics.RecordHeartbeatTimeout()
	m.logger.Warn("heartbeat budget exhausted",
		"agent_id", conn.AgentID(),
		"session_id", conn.SessionID(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.RemoveConnection(ctx, conn.SessionID(), ReasonHeartbeatTimeout)
}

// IsConnected reports whether the agent has a live connection.
func (m *Manager) IsConnected(agentID uuid.UUID) bool {
	return m.pool.IsConnected(agentID)
}

// ConnectedAgents returns the IDs of all connected agents.
func (m *Manager) ConnectedAgents() []uuid.UUID {
	return m.pool.ConnectedAgents()
}

// AvailableAgents returns connected agents that are not overloaded.
func (m *Manager) AvailableAgents() []uuid.UUID {
	return m.load.AvailableAgents()
}

// AgentLoad returns the latest load sample for the agent.
func (m *Manager) AgentLoad(agentID uuid.UUID) (wire.ResourceUsage, bool) {
	return m.load.Latest(agentID)
}

// IsOverloaded reports whether the agent's latest load sample is above any
// threshold.
func (m *Manager) IsOverloaded(agentID uuid.UUID) bool {
	return m.load.IsOverloaded(agentID)
}

// Recovering reports whether a reconnect recovery is pending for the agent.
func (m *Manager) Recovering(agentID uuid.UUID) bool {
	return m.recovery.Recovering(agentID)
}

// OnAgentFailure registers a callback fired when reconnect recovery gives up
// on an agent. Set it before Start. The scheduler hooks this to pull the
// dead agent's in-flight tasks back for reassignment.
func (m *Manager) OnAgentFailure(fn ExhaustedFunc) {
	m.recovery.OnExhausted(fn)
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	return m.pool.Size()
}

// Stats returns pool occupancy counters.
func (m *Manager) Stats() PoolStats {
	return m.pool.Stats()
}

// History returns the recent connection event log.
func (m *Manager) History() []Event {
	return m.pool.History()
}

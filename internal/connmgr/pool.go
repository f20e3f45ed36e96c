package connmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventHistoryLimit bounds the connection event log kept for diagnostics.
const eventHistoryLimit = 1000

// Event records one connection lifecycle transition.
type Event struct {
	SessionID string
	AgentID   uuid.UUID
	Kind      string
	Reason    string
	At        time.Time
}

// Event kinds recorded in the pool history.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Pool tracks live agent connections indexed by session and by agent.
type Pool struct {
	logger      *slog.Logger
	maxPerAgent int

	mu        sync.RWMutex
	bySession map[string]*Connection
	byAgent   map[uuid.UUID][]*Connection
	history   []Event
}

// NewPool creates a connection pool. maxPerAgent caps live connections per
// agent; values below one become one.
func NewPool(maxPerAgent int, logger *slog.Logger) *Pool {
	if maxPerAgent < 1 {
		maxPerAgent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:      logger.With("component", "connection_pool"),
		maxPerAgent: maxPerAgent,
		bySession:   make(map[string]*Connection),
		byAgent:     make(map[uuid.UUID][]*Connection),
	}
}

// Add inserts a connection. It returns false when the session ID is taken or
// the agent already holds the maximum number of live connections; the caller
// decides whether to displace an existing connection first.
func (p *Pool) Add(conn *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.bySession[conn.SessionID()]; exists {
		return false
	}

	agentID := conn.AgentID()
	if len(p.byAgent[agentID]) >= p.maxPerAgent {
		return false
	}

	p.bySession[conn.SessionID()] = conn
	p.byAgent[agentID] = append(p.byAgent[agentID], conn)
	p.record(Event{
		SessionID: conn.SessionID(),
		AgentID:   agentID,
		Kind:      EventConnected,
		At:        time.Now().UTC(),
	})
	return true
}

// Remove deletes the session and returns its connection, or nil when the
// session is unknown. The connection is not closed.
func (p *Pool) Remove(sessionID, reason string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.bySession[sessionID]
	if !ok {
		return nil
	}
	delete(p.bySession, sessionID)

	agentID := conn.AgentID()
	conns := p.byAgent[agentID]
	for i, c := range conns {
		if c.SessionID() == sessionID {
			p.byAgent[agentID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(p.byAgent[agentID]) == 0 {
		delete(p.byAgent, agentID)
	}

	p.record(Event{
		SessionID: sessionID,
		AgentID:   agentID,
		Kind:      EventDisconnected,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
	return conn
}

// record appends to the bounded history. Callers hold the write lock.
func (p *Pool) record(e Event) {
	p.history = append(p.history, e)
	if len(p.history) > eventHistoryLimit {
		p.history = p.history[len(p.history)-eventHistoryLimit:]
	}
}

// Get returns the connection for a session, or nil.
func (p *Pool) Get(sessionID string) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bySession[sessionID]
}

// AgentConnections returns all live connections for an agent.
func (p *Pool) AgentConnections(agentID uuid.UUID) []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conns := p.byAgent[agentID]
	out := make([]*Connection, len(conns))
	copy(out, conns)
	return out
}

// Primary returns the connection used for sends to an agent: the first
// authenticated connection, else the first. Nil when the agent has none.
func (p *Pool) Primary(agentID uuid.UUID) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	conns := p.byAgent[agentID]
	if len(conns) == 0 {
		return nil
	}
	for _, c := range conns {
		if c.Authenticated() {
			return c
		}
	}
	return conns[0]
}

// IsConnected reports whether the agent has at least one live connection.
func (p *Pool) IsConnected(agentID uuid.UUID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byAgent[agentID]) > 0
}

// ConnectedAgents returns the IDs of agents with at least one connection.
func (p *Pool) ConnectedAgents() []uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(p.byAgent))
	for id := range p.byAgent {
		out = append(out, id)
	}
	return out
}

// Connections returns a snapshot of every live connection.
func (p *Pool) Connections() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Connection, 0, len(p.bySession))
	for _, c := range p.bySession {
		out = append(out, c)
	}
	return out
}

// Sessions returns a snapshot of every live session ID.
func (p *Pool) Sessions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.bySession))
	for id := range p.bySession {
		out = append(out, id)
	}
	return out
}

// Size returns the total number of live connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bySession)
}

// PoolStats summarizes pool occupancy.
type PoolStats struct {
	Connections   int
	Authenticated int
	Agents        int
}

// Stats returns pool occupancy counters.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Connections: len(p.bySession),
		Agents:      len(p.byAgent),
	}
	for _, c := range p.bySession {
		if c.Authenticated() {
			stats.Authenticated++
		}
	}
	return stats
}

// History returns a copy of the recent connection event log, oldest first.
func (p *Pool) History() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Event, len(p.history))
	copy(out, p.history)
	return out
}

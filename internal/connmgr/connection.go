package connmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/netpulse/netpulse/internal/wire"
)

// Channel is the transport beneath one agent connection. The websocket
// endpoint implements it on the server side; tests implement it in memory.
type Channel interface {
	// ReadFrame blocks until the next inbound frame or a transport error.
	ReadFrame() (*wire.Frame, error)

	// WriteFrame sends one frame. Callers are serialized by Connection.
	WriteFrame(f *wire.Frame) error

	// SetReadDeadline bounds the next ReadFrame. The zero time clears it.
	SetReadDeadline(t time.Time) error

	// Close tears the transport down.
	Close() error
}

// ConnectionState tracks the lifecycle of an agent connection.
type ConnectionState int

const (
	// StateConnecting means the channel is open but not yet authenticated.
	StateConnecting ConnectionState = iota
	// StateAuthenticated means the handshake completed and frames flow.
	StateAuthenticated
	// StateDisconnecting means an orderly teardown is in progress.
	StateDisconnecting
	// StateDisconnected means the channel is closed.
	StateDisconnected
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is one live session with an agent.
type Connection struct {
	sessionID  string
	agentID    uuid.UUID
	channel    Channel
	remoteAddr string
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu               sync.RWMutex
	state            ConnectionState
	lastHeartbeat    time.Time
	missedHeartbeats int
	connectedAt      time.Time
	framesSent       uint64
	framesRecv       uint64

	sendMu    sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

// ConnectionConfig configures a new Connection.
type ConnectionConfig struct {
	SessionID  string
	AgentID    uuid.UUID
	Channel    Channel
	RemoteAddr string
	// RateLimit caps inbound frames per second. Zero disables limiting.
	RateLimit float64
	// RateBurst is the limiter burst size; values below one become one.
	RateBurst int
	Logger    *slog.Logger
}

// NewConnection creates a connection in the connecting state with a fresh
// heartbeat timestamp.
func NewConnection(cfg ConnectionConfig) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	now := time.Now()
	return &Connection{
		sessionID:     cfg.SessionID,
		agentID:       cfg.AgentID,
		channel:       cfg.Channel,
		remoteAddr:    cfg.RemoteAddr,
		limiter:       limiter,
		logger:        cfg.Logger.With("agent_id", cfg.AgentID.String(), "session_id", cfg.SessionID),
		state:         StateConnecting,
		lastHeartbeat: now,
		connectedAt:   now,
		closeCh:       make(chan struct{}),
	}
}

// SessionID returns the session identifier.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// AgentID returns the agent this connection belongs to.
func (c *Connection) AgentID() uuid.UUID {
	return c.agentID
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState updates the connection state.
func (c *Connection) SetState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Authenticated reports whether the handshake has completed.
func (c *Connection) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// UpdateHeartbeat records a heartbeat and resets the miss counter.
func (c *Connection) UpdateHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
	c.missedHeartbeats = 0
}

// LastHeartbeat returns the time of the last heartbeat.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// MissedHeartbeats returns the consecutive miss count.
func (c *Connection) MissedHeartbeats() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.missedHeartbeats
}

// IncrementMissed counts one missed heartbeat and returns the new total.
func (c *Connection) IncrementMissed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedHeartbeats++
	return c.missedHeartbeats
}

// Allow reports whether an inbound frame is within the rate limit.
func (c *Connection) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Send writes one frame to the channel. Sends are serialized; a send on a
// closed connection fails.
func (c *Connection) Send(f *wire.Frame) error {
	select {
	case <-c.closeCh:
		return fmt.Errorf("connection %s is closed", c.sessionID)
	default:
	}

	if state := c.State(); state == StateDisconnected {
		return fmt.Errorf("connection %s is %s", c.sessionID, state)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.channel.WriteFrame(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}

	c.mu.Lock()
	c.framesSent++
	c.mu.Unlock()
	return nil
}

// RecordRecv counts one inbound frame.
func (c *Connection) RecordRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesRecv++
}

// Close tears down the connection and the underlying channel. Safe to call
// multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		close(c.closeCh)
		err = c.channel.Close()
		c.logger.Debug("connection closed")
	})
	return err
}

// Done returns a channel closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.closeCh
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// ConnectionStats is a point-in-time snapshot of one connection.
type ConnectionStats struct {
	SessionID        string
	AgentID          uuid.UUID
	State            ConnectionState
	RemoteAddr       string
	ConnectedAt      time.Time
	LastHeartbeat    time.Time
	MissedHeartbeats int
	FramesSent       uint64
	FramesRecv       uint64
}

// Stats returns a snapshot of the connection's counters and state.
func (c *Connection) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionStats{
		SessionID:        c.sessionID,
		AgentID:          c.agentID,
		State:            c.state,
		RemoteAddr:       c.remoteAddr,
		ConnectedAt:      c.connectedAt,
		LastHeartbeat:    c.lastHeartbeat,
		MissedHeartbeats: c.missedHeartbeats,
		FramesSent:       c.framesSent,
		FramesRecv:       c.framesRecv,
	}
}

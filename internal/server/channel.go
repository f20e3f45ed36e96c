package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/netpulse/netpulse/internal/connmgr"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/log"
)

const (
	// channelWriteWait bounds a single frame write.
	channelWriteWait = 10 * time.Second
	// channelMaxFrameSize bounds inbound frame size (512KB).
	channelMaxFrameSize = 512 * 1024
)

// errMalformedFrame marks an inbound message that could not be parsed.
// The read loop reports it to the agent and keeps the connection.
var errMalformedFrame = errors.New("malformed frame")

// ConnectionSink is the connection-manager surface the channel server
// feeds accepted agent channels into.
type ConnectionSink interface {
	AddConnection(ctx context.Context, ch connmgr.Channel, agentID uuid.UUID, info connmgr.SessionInfo) bool
	RemoveConnection(ctx context.Context, sessionID, reason string) bool
	OnMessage(ctx context.Context, sessionID string, frame *wire.Frame)
}

// AgentChannelConfig holds configuration for the agent channel listener.
type AgentChannelConfig struct {
	// Port is the port agents connect to.
	Port int
	// Path is the websocket endpoint path (default: /v1/channel).
	Path string
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
	// ReadBufferSize is the buffer size for reading messages.
	ReadBufferSize int
	// WriteBufferSize is the buffer size for writing messages.
	WriteBufferSize int
}

// DefaultAgentChannelConfig returns sensible defaults for the agent channel.
func DefaultAgentChannelConfig() AgentChannelConfig {
	return AgentChannelConfig{
		Port:             8081,
		Path:             "/v1/channel",
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// AgentChannelServer accepts agent websocket connections, hands them to
// the connection manager for authentication, and pumps inbound frames.
// Liveness is application-level: agents send heartbeat frames and the
// manager's monitor closes silent sessions, so no websocket ping loop
// runs here.
type AgentChannelServer struct {
	cfg      AgentChannelConfig
	sink     ConnectionSink
	upgrader websocket.Upgrader
	server   *http.Server
	logger   log.Logger
}

// NewAgentChannelServer creates the agent channel listener.
func NewAgentChannelServer(cfg AgentChannelConfig, sink ConnectionSink, logger log.Logger) *AgentChannelServer {
	if cfg.Port == 0 {
		cfg = DefaultAgentChannelConfig()
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/channel"
	}
	if logger == nil {
		logger = log.NewNop()
	}

	s := &AgentChannelServer{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "agent_channel"),
	}

	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		// Agents are programs, not browsers; origin checks do not apply.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return s
}

// Start starts the channel listener and blocks until the context is
// cancelled or the listener fails.
func (s *AgentChannelServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("GET "+s.cfg.Path, s)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No read/write timeouts: channels are long-lived and liveness
		// is enforced by heartbeats.
	}

	s.logger.Info().
		Str("address", addr).
		Str("path", s.cfg.Path).
		Msg("starting agent channel server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled, stopping agent channel server")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agent channel server error: %w", err)
		}
		return nil
	}
}

// Stop shuts the listener down. Established channels are not waited on
// here; the connection manager closes them, which unblocks their read
// loops.
func (s *AgentChannelServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info().Msg("stopping agent channel server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("agent channel server shutdown error")
		return err
	}

	s.logger.Info().Msg("agent channel server stopped")
	return nil
}

// ServeHTTP upgrades the request and serves the agent channel until it
// disconnects.
func (s *AgentChannelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(channelMaxFrameSize)

	s.serveAgent(r.Context(), ws, r.RemoteAddr)
}

// serveAgent registers the channel with the connection manager (which
// runs the authentication handshake) and then pumps inbound frames until
// the connection drops.
func (s *AgentChannelServer) serveAgent(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	ch := &wsChannel{ws: ws}
	sessionID := uuid.New().String()

	if !s.sink.AddConnection(ctx, ch, uuid.Nil, connmgr.SessionInfo{
		RemoteAddr: remoteAddr,
		SessionID:  sessionID,
	}) {
		// Rejected: the manager already closed the channel.
		return
	}

	for {
		frame, err := ch.ReadFrame()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				s.logger.Debug().
					Err(err).
					Str("session_id", sessionID).
					Msg("dropping malformed frame")
				s.sendFrameError(ch, err)
				continue
			}
			s.sink.RemoveConnection(ctx, sessionID, disconnectReason(err))
			return
		}
		s.sink.OnMessage(ctx, sessionID, frame)
	}
}

// sendFrameError reports a malformed inbound message back to the agent.
// Best effort; a failed write surfaces on the next read.
func (s *AgentChannelServer) sendFrameError(ch *wsChannel, cause error) {
	f, err := wire.NewFrame(wire.FrameTypeError, wire.ErrorPayload{Error: cause.Error()})
	if err != nil {
		return
	}
	_ = ch.WriteFrame(f)
}

// disconnectReason classifies a read error for the connection manager.
func disconnectReason(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return connmgr.ReasonNetworkError
	}
	return connmgr.ReasonConnectionError
}

// wsChannel adapts a gorilla websocket connection to the connmgr.Channel
// interface. Writes are serialized: gorilla permits one concurrent
// writer, and both the manager and the read loop's error replies write.
type wsChannel struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsChannel) ReadFrame() (*wire.Frame, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := wire.ParseFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	return frame, nil
}

func (c *wsChannel) WriteFrame(f *wire.Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(channelWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsChannel) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsChannel) Close() error {
	return c.ws.Close()
}

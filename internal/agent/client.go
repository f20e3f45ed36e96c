package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/log"
)

const (
	// channelPath is where the orchestrator serves the agent channel.
	channelPath = "/v1/channel"

	dialTimeout  = 10 * time.Second
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second

	// maxFrameSize matches the orchestrator's inbound read limit.
	maxFrameSize = 512 * 1024
)

// Client maintains the websocket channel to the orchestrator: dialing,
// the authentication handshake, and serialized frame writes.
type Client struct {
	cfg    *Config
	logger log.Logger
	dialer *websocket.Dialer

	mu   sync.RWMutex
	conn *websocket.Conn

	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	reconnectMu      sync.Mutex
	reconnectAttempt int
}

// NewClient creates an orchestrator channel client.
func NewClient(cfg *Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "client"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkipVerify},
		},
	}
}

// Connect dials the orchestrator and runs the authentication handshake.
// The auth frame must be the first frame on the channel; the orchestrator
// answers with an auth_response before anything else, so a blocking read
// here is safe. On success the session ID is returned.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	target, err := c.channelURL()
	if err != nil {
		return "", err
	}

	c.logger.Debug().Str("url", target).Msg("connecting to orchestrator")

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("failed to dial %s (status %d): %w", target, resp.StatusCode, err)
		}
		return "", fmt.Errorf("failed to dial %s: %w", target, err)
	}
	conn.SetReadLimit(maxFrameSize)

	sessionID, err := c.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}

	c.conn = conn

	c.logger.Info().Str("session_id", sessionID).Msg("connected to orchestrator")
	return sessionID, nil
}

// authenticate sends the signed auth frame and awaits the response.
func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	frame, err := wire.NewFrame(wire.FrameTypeAuth, c.authRequest())
	if err != nil {
		return "", fmt.Errorf("failed to build auth frame: %w", err)
	}
	raw, err := frame.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode auth frame: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return "", fmt.Errorf("failed to send auth frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("failed to read auth response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	reply, err := wire.ParseFrame(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse auth response: %w", err)
	}
	if reply.Type != wire.FrameTypeAuthResponse {
		return "", fmt.Errorf("expected auth_response frame, got %s", reply.Type)
	}

	var resp wire.AuthResponse
	if err := reply.Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("authentication rejected: %s", resp.Error)
	}

	return resp.SessionID, nil
}

// authRequest builds the signed first-frame payload.
func (c *Client) authRequest() wire.AuthRequest {
	timestamp := time.Now().UTC().Format(time.RFC3339)
	nonce := wire.NewNonce()
	version := Version

	return wire.AuthRequest{
		AgentID:   c.cfg.AgentID,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: wire.Signature(c.cfg.AgentID, c.cfg.APIKey, timestamp, nonce),
		Version:   &version,
	}
}

// channelURL derives the websocket endpoint from the configured
// orchestrator URL, normalizing the scheme and defaulting the path.
func (c *Client) channelURL() (string, error) {
	u, err := url.Parse(c.cfg.OrchestratorURL)
	if err != nil {
		return "", fmt.Errorf("invalid orchestrator URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported orchestrator URL scheme %q", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = channelPath
	}

	return u.String(), nil
}

// Send writes a frame to the orchestrator.
func (c *Client) Send(frame *wire.Frame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("not connected")
	}

	raw, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// SendPayload builds a frame of the given type and sends it.
func (c *Client) SendPayload(t wire.FrameType, payload any) error {
	frame, err := wire.NewFrame(t, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s frame: %w", t, err)
	}
	return c.Send(frame)
}

// Read blocks until the next frame arrives.
func (c *Client) Read() (*wire.Frame, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, errors.New("not connected")
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	frame, err := wire.ParseFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return frame, nil
}

// Close tears the connection down. Safe to call when not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// NextReconnectInterval returns the next reconnection delay using
// exponential backoff with jitter.
func (c *Client) NextReconnectInterval() time.Duration {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.reconnectAttempt++

	baseInterval := float64(c.cfg.ReconnectMinInterval.Std())
	maxInterval := float64(c.cfg.ReconnectMaxInterval.Std())

	interval := baseInterval * math.Pow(2, float64(c.reconnectAttempt-1))
	if interval > maxInterval {
		interval = maxInterval
	}

	// ±10% jitter
	jitter := interval * 0.1
	interval = interval - jitter + (jitter * 2 * float64(time.Now().UnixNano()%100) / 100)

	return time.Duration(interval)
}

// ResetReconnectInterval resets the reconnection attempt counter.
func (c *Client) ResetReconnectInterval() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.reconnectAttempt = 0
}

package server

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/connmgr"
	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/log"
)

func testSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newChannelFixture stands up a channel server over a real connection
// manager backed by the mocked agent repository.
func newChannelFixture(t *testing.T, repo database.AgentRepository) *httptest.Server {
	t.Helper()
	mgr := connmgr.NewManager(repo, nil, nil, testSlog(), connmgr.Config{})
	srv := NewAgentChannelServer(DefaultAgentChannelConfig(), mgr, log.NewNop())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func dialChannel(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType wire.FrameType, payload any) *wire.Frame {
	t.Helper()
	f, err := wire.NewFrame(frameType, payload)
	require.NoError(t, err)
	raw, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
	return f
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.ParseFrame(raw)
	require.NoError(t, err)
	return f
}

// authenticate performs the signature handshake and returns the session ID.
func authenticate(t *testing.T, conn *websocket.Conn, agentID uuid.UUID, apiKey string) string {
	t.Helper()

	ts := time.Now().UTC().Format(time.RFC3339)
	nonce := wire.NewNonce()
	writeFrame(t, conn, wire.FrameTypeAuth, wire.AuthRequest{
		AgentID:   agentID.String(),
		Timestamp: ts,
		Nonce:     nonce,
		Signature: wire.Signature(agentID.String(), apiKey, ts, nonce),
	})

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameTypeAuthResponse, f.Type)

	var resp wire.AuthResponse
	require.NoError(t, f.Decode(&resp))
	require.True(t, resp.Success, "auth rejected: %s", resp.Error)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestChannelAuthAndHeartbeat(t *testing.T) {
	agentID := uuid.New()
	const apiKey = "0123456789abcdef0123456789abcdef"

	repo := &MockAgentRepo{}
	repo.On("Get", mock.Anything, agentID).
		Return(&database.Agent{ID: agentID, Name: "edge-1", APIKey: apiKey, Enabled: true}, nil)
	repo.On("UpdateHeartbeat", mock.Anything, agentID, database.AgentStatusOnline).Return(nil)
	repo.On("UpdateStatus", mock.Anything, agentID, database.AgentStatusOffline).Return(nil).Maybe()

	ts := newChannelFixture(t, repo)
	conn := dialChannel(t, ts)

	authenticate(t, conn, agentID, apiKey)

	sent := writeFrame(t, conn, wire.FrameTypeHeartbeat, wire.Heartbeat{AgentID: agentID.String()})

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameTypeHeartbeatResponse, f.Type)

	var hb wire.HeartbeatResponse
	require.NoError(t, f.Decode(&hb))
	assert.Equal(t, agentID.String(), hb.AgentID)
	assert.Equal(t, sent.ID, hb.OriginalMessageID)
	assert.False(t, hb.ServerTime.IsZero())
}

func TestChannelRejectsBadSignature(t *testing.T) {
	agentID := uuid.New()

	repo := &MockAgentRepo{}
	repo.On("Get", mock.Anything, agentID).
		Return(&database.Agent{ID: agentID, Name: "edge-1", APIKey: "real-key", Enabled: true}, nil)

	ts := newChannelFixture(t, repo)
	conn := dialChannel(t, ts)

	now := time.Now().UTC().Format(time.RFC3339)
	nonce := wire.NewNonce()
	writeFrame(t, conn, wire.FrameTypeAuth, wire.AuthRequest{
		AgentID:   agentID.String(),
		Timestamp: now,
		Nonce:     nonce,
		Signature: wire.Signature(agentID.String(), "wrong-key", now, nonce),
	})

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameTypeAuthResponse, f.Type)

	var resp wire.AuthResponse
	require.NoError(t, f.Decode(&resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid signature")

	// The server closes rejected channels.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestChannelRejectsStaleTimestamp(t *testing.T) {
	agentID := uuid.New()
	const apiKey = "key"

	repo := &MockAgentRepo{}
	// The replay window check runs before the agent lookup.
	repo.On("Get", mock.Anything, agentID).
		Return(&database.Agent{ID: agentID, APIKey: apiKey, Enabled: true}, nil).Maybe()

	ts := newChannelFixture(t, repo)
	conn := dialChannel(t, ts)

	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	nonce := wire.NewNonce()
	writeFrame(t, conn, wire.FrameTypeAuth, wire.AuthRequest{
		AgentID:   agentID.String(),
		Timestamp: stale,
		Nonce:     nonce,
		Signature: wire.Signature(agentID.String(), apiKey, stale, nonce),
	})

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameTypeAuthResponse, f.Type)

	var resp wire.AuthResponse
	require.NoError(t, f.Decode(&resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "replay window")
}

func TestChannelMalformedFrameKeepsConnection(t *testing.T) {
	agentID := uuid.New()
	const apiKey = "0123456789abcdef"

	repo := &MockAgentRepo{}
	repo.On("Get", mock.Anything, agentID).
		Return(&database.Agent{ID: agentID, Name: "edge-1", APIKey: apiKey, Enabled: true}, nil)
	repo.On("UpdateHeartbeat", mock.Anything, agentID, database.AgentStatusOnline).Return(nil)
	repo.On("UpdateStatus", mock.Anything, agentID, database.AgentStatusOffline).Return(nil).Maybe()

	ts := newChannelFixture(t, repo)
	conn := dialChannel(t, ts)

	authenticate(t, conn, agentID, apiKey)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	f := readFrame(t, conn)
	require.Equal(t, wire.FrameTypeError, f.Type)

	// The channel survives; a heartbeat still round-trips.
	writeFrame(t, conn, wire.FrameTypeHeartbeat, wire.Heartbeat{AgentID: agentID.String()})
	f = readFrame(t, conn)
	assert.Equal(t, wire.FrameTypeHeartbeatResponse, f.Type)
}

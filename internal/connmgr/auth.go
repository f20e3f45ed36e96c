package connmgr

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

// AuthConfig holds authentication handshake settings.
type AuthConfig struct {
	// Timeout bounds how long the server waits for the first frame.
	Timeout time.Duration
	// ReplayWindow is the maximum allowed skew between the auth timestamp
	// and the server clock, in either direction.
	ReplayWindow time.Duration
}

// DefaultAuthConfig returns the default handshake settings.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Timeout:      10 * time.Second,
		ReplayWindow: 5 * time.Minute,
	}
}

// Authenticator verifies the first-frame handshake on a fresh channel.
type Authenticator struct {
	agents database.AgentRepository
	cfg    AuthConfig
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator backed by the agent repository.
func NewAuthenticator(agents database.AgentRepository, cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if cfg.Timeout == 0 {
		cfg = DefaultAuthConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		agents: agents,
		cfg:    cfg,
		logger: logger.With("component", "authenticator"),
	}
}

// Authenticate reads the first frame from ch and verifies it. On success the
// verified agent record is returned. On failure an auth_response carrying the
// rejection is written best-effort and a non-nil error returned; closing the
// channel is the caller's job. Rejected channels are never retried.
func (a *Authenticator) Authenticate(ctx context.Context, ch Channel) (*database.Agent, error) {
	if err := ch.SetReadDeadline(time.Now().Add(a.cfg.Timeout)); err != nil {
		return nil, fmt.Errorf("failed to set auth deadline: %w", err)
	}
	frame, err := ch.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to read auth frame: %w", err)
	}
	if err := ch.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear auth deadline: %w", err)
	}

	if frame.Type != wire.FrameTypeAuth {
		return nil, a.reject(ch, fmt.Sprintf("expected auth frame, got %s", frame.Type))
	}

	var req wire.AuthRequest
	if err := frame.Decode(&req); err != nil {
		return nil, a.reject(ch, "malformed auth payload")
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		return nil, a.reject(ch, "invalid agent id")
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return nil, a.reject(ch, "invalid timestamp")
	}
	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.cfg.ReplayWindow {
		return nil, a.reject(ch, "timestamp outside replay window")
	}

	agent, err := a.agents.Get(ctx, agentID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, a.reject(ch, "unknown agent")
		}
		a.logger.Error("failed to load agent for auth", "agent_id", agentID, "error", err)
		return nil, a.reject(ch, "authentication unavailable")
	}

	want := wire.Signature(req.AgentID, agent.APIKey, req.Timestamp, req.Nonce)
	if !signaturesEqual(want, req.Signature) {
		return nil, a.reject(ch, "invalid signature")
	}

	return agent, nil
}

// signaturesEqual compares two hex digests in constant time.
func signaturesEqual(want, got string) bool {
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	gotRaw, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	return hmac.Equal(wantRaw, gotRaw)
}

// reject writes a failed auth_response and returns the rejection as an error.
func (a *Authenticator) reject(ch Channel, reason string) error {
	frame, err := wire.NewFrame(wire.FrameTypeAuthResponse, wire.AuthResponse{
		Success: false,
		Error:   reason,
	})
	if err == nil {
		_ = ch.WriteFrame(frame)
	}
	return fmt.Errorf("authentication rejected: %s", reason)
}

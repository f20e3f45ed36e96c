package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/netpulse/netpulse/internal/wire"
)

const bannerLimit = 256

// TCPProber checks reachability by completing a TCP handshake and
// measuring the connect time.
//
// Parameters: read_banner (read whatever the service sends first, default
// false), banner_wait_ms (how long to wait for the banner, default 2000).
type TCPProber struct {
	dialer *net.Dialer
}

// NewTCPProber creates a TCP connect prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{dialer: &net.Dialer{}}
}

// Protocol returns the protocol tag this prober serves.
func (p *TCPProber) Protocol() wire.Protocol {
	return wire.ProtocolTCP
}

// Probe connects to target:port and reports the handshake time.
func (p *TCPProber) Probe(ctx context.Context, spec Spec) (*Outcome, error) {
	if spec.Port == nil {
		return nil, errors.New("tcp probe requires a port")
	}
	addr := net.JoinHostPort(spec.Target, strconv.Itoa(*spec.Port))

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	connectTime := time.Since(start)

	result := map[string]any{
		"target":    addr,
		"connected": true,
	}
	if remote := conn.RemoteAddr(); remote != nil {
		result["remote_addr"] = remote.String()
	}

	outcome := &Outcome{
		Result: result,
		Metrics: map[string]float64{
			"connect_time_ms": millis(connectTime),
		},
	}

	if boolParam(spec.Parameters, "read_banner", false) {
		wait := time.Duration(intParam(spec.Parameters, "banner_wait_ms", 2000)) * time.Millisecond
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		buf := make([]byte, bannerLimit)
		if n, err := conn.Read(buf); err == nil && n > 0 {
			outcome.Raw = buf[:n]
			result["banner_bytes"] = n
		}
	}

	return outcome, nil
}

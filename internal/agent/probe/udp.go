package probe

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/netpulse/netpulse/internal/wire"
)

const udpReplyLimit = 2048

// UDPProber sends a datagram and waits for a reply, measuring the round
// trip. Silence counts as a failure: the probe targets services that
// answer, such as DNS, NTP, or an application echo endpoint.
//
// Parameters: payload (text to send, default "netpulse-probe"),
// payload_hex (hex-encoded bytes for binary protocols, wins over payload),
// reply_wait_ms (how long to wait for the reply, default 5000).
type UDPProber struct {
	dialer *net.Dialer
}

// NewUDPProber creates a UDP round-trip prober.
func NewUDPProber() *UDPProber {
	return &UDPProber{dialer: &net.Dialer{}}
}

// Protocol returns the protocol tag this prober serves.
func (p *UDPProber) Protocol() wire.Protocol {
	return wire.ProtocolUDP
}

// Probe sends the payload to target:port and reports the reply round-trip
// time. No reply before the deadline is an error; the returned Outcome
// still records the attempt.
func (p *UDPProber) Probe(ctx context.Context, spec Spec) (*Outcome, error) {
	if spec.Port == nil {
		return nil, errors.New("udp probe requires a port")
	}
	addr := net.JoinHostPort(spec.Target, strconv.Itoa(*spec.Port))

	payload, err := probePayload(spec.Parameters)
	if err != nil {
		return nil, err
	}

	conn, err := p.dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open udp socket to %s: %w", addr, err)
	}
	defer conn.Close()

	wait := time.Duration(intParam(spec.Parameters, "reply_wait_ms", 5000)) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}

	start := time.Now()
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to send datagram to %s: %w", addr, err)
	}

	outcome := &Outcome{
		Result: map[string]any{
			"target":     addr,
			"sent_bytes": len(payload),
		},
		Metrics: map[string]float64{},
	}

	_ = conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, udpReplyLimit)
	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcome, ctxErr
		}
		return outcome, fmt.Errorf("no reply from %s: %w", addr, err)
	}
	rtt := time.Since(start)

	outcome.Result["reply_bytes"] = n
	outcome.Metrics["rtt_ms"] = millis(rtt)
	outcome.Raw = buf[:n]

	return outcome, nil
}

// probePayload builds the datagram body from the parameters. payload_hex
// takes precedence so binary protocols like DNS can be probed.
func probePayload(params map[string]any) ([]byte, error) {
	if raw := stringParam(params, "payload_hex", ""); raw != "" {
		payload, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid payload_hex: %w", err)
		}
		return payload, nil
	}
	return []byte(stringParam(params, "payload", "netpulse-probe")), nil
}

package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/netpulse/netpulse/internal/wire"
)

// protocolICMP is the IANA protocol number for ICMPv4.
const protocolICMP = 1

const (
	defaultEchoCount = 3
	maxEchoCount     = 20
	defaultEchoSize  = 56
	maxEchoSize      = 1024
	replyWait        = 2 * time.Second
)

// ICMPProber measures round-trip time and packet loss with ICMP echo
// requests over IPv4. It opens a raw socket when permitted and falls back
// to an unprivileged datagram socket (on Linux this requires the process
// group to be within net.ipv4.ping_group_range).
//
// Parameters: count (echoes per probe, default 3), packet_size (payload
// bytes, default 56), interval_ms (spacing between echoes, default 1000).
type ICMPProber struct{}

// NewICMPProber creates an ICMP echo prober.
func NewICMPProber() *ICMPProber {
	return &ICMPProber{}
}

// Protocol returns the protocol tag this prober serves.
func (p *ICMPProber) Protocol() wire.Protocol {
	return wire.ProtocolICMP
}

// Probe sends the configured number of echo requests and reports RTT
// statistics and packet loss. Losing every packet is an error; the
// returned Outcome still carries the loss metrics.
func (p *ICMPProber) Probe(ctx context.Context, spec Spec) (*Outcome, error) {
	count := intParam(spec.Parameters, "count", defaultEchoCount)
	if count < 1 {
		count = 1
	}
	if count > maxEchoCount {
		count = maxEchoCount
	}
	size := intParam(spec.Parameters, "packet_size", defaultEchoSize)
	if size < 0 {
		size = 0
	}
	if size > maxEchoSize {
		size = maxEchoSize
	}
	interval := time.Duration(intParam(spec.Parameters, "interval_ms", 1000)) * time.Millisecond

	addr, err := net.ResolveIPAddr("ip4", spec.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", spec.Target, err)
	}

	conn, privileged, err := listenICMP()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// Datagram sockets want a UDP address, raw sockets an IP address.
	var dst net.Addr = &net.IPAddr{IP: addr.IP}
	if !privileged {
		dst = &net.UDPAddr{IP: addr.IP}
	}

	id := os.Getpid() & 0xffff
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	var (
		sent     int
		received int
		rtts     []time.Duration
	)

	for seq := 1; seq <= count; seq++ {
		if ctx.Err() != nil {
			break
		}

		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Code: 0,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: payload},
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal echo request: %w", err)
		}

		sentAt := time.Now()
		if _, err := conn.WriteTo(wb, dst); err != nil {
			return nil, fmt.Errorf("failed to send echo request: %w", err)
		}
		sent++

		if rtt, err := awaitEchoReply(ctx, conn, id, seq, privileged, sentAt); err == nil {
			received++
			rtts = append(rtts, rtt)
		}

		if seq < count {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	loss := 100.0
	if sent > 0 {
		loss = float64(sent-received) / float64(sent) * 100
	}

	metrics := map[string]float64{
		"packets_sent":     float64(sent),
		"packets_received": float64(received),
		"packet_loss_pct":  loss,
	}
	if len(rtts) > 0 {
		min, avg, max := rttStats(rtts)
		metrics["rtt_min_ms"] = millis(min)
		metrics["rtt_avg_ms"] = millis(avg)
		metrics["rtt_max_ms"] = millis(max)
	}

	outcome := &Outcome{
		Result: map[string]any{
			"target":     spec.Target,
			"ip":         addr.String(),
			"privileged": privileged,
		},
		Metrics: metrics,
	}

	if received == 0 {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		return outcome, fmt.Errorf("no echo reply from %s (%d sent)", spec.Target, sent)
	}
	return outcome, nil
}

// listenICMP opens a raw ICMP socket, falling back to an unprivileged
// datagram socket when the process lacks CAP_NET_RAW.
func listenICMP() (*icmp.PacketConn, bool, error) {
	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr == nil {
		return conn, true, nil
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, false, fmt.Errorf("failed to open icmp socket (raw: %v): %w", rawErr, err)
	}
	return conn, false, nil
}

// awaitEchoReply reads until the reply matching seq arrives or the wait
// budget runs out. Unprivileged datagram sockets rewrite the echo ID, so
// the ID is only checked on raw sockets.
func awaitEchoReply(ctx context.Context, conn *icmp.PacketConn, id, seq int, privileged bool, sentAt time.Time) (time.Duration, error) {
	buf := make([]byte, 1500)

	for {
		wait := replyWait
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		if wait <= 0 {
			return 0, context.DeadlineExceeded
		}

		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return 0, err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, err
		}

		msg, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		if privileged && echo.ID != id {
			continue
		}

		return time.Since(sentAt), nil
	}
}

func rttStats(rtts []time.Duration) (min, avg, max time.Duration) {
	min, max = rtts[0], rtts[0]
	var total time.Duration
	for _, rtt := range rtts {
		if rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
		total += rtt
	}
	return min, total / time.Duration(len(rtts)), max
}

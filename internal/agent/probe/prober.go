// Package probe implements the network probers an agent can run: ICMP
// echo, TCP connect, UDP round-trip, and HTTP/HTTPS checks.
//
// Probers are pure measurement code. They honor the context deadline,
// return an Outcome with structured fields and numeric metrics, and leave
// status classification (failed vs timed out) to the caller. A prober may
// return both an Outcome and an error when partial measurements exist,
// for example an ICMP run that lost every packet.
package probe

import (
	"context"
	"time"

	"github.com/netpulse/netpulse/internal/wire"
)

// Spec describes a single probe execution.
type Spec struct {
	// Target is the host to probe (name or address).
	Target string
	// Port is required by the TCP and UDP probers and optional elsewhere.
	Port *int
	// Parameters carries protocol-specific options. Values decoded from
	// JSON, so numbers arrive as float64.
	Parameters map[string]any
	// Timeout bounds the whole probe. The context passed to Probe carries
	// the same deadline; Timeout is exposed for per-step budgeting.
	Timeout time.Duration
}

// Outcome is the measurement produced by a completed probe.
type Outcome struct {
	// Result holds protocol-specific structured fields.
	Result map[string]any
	// Metrics holds numeric measurements, in milliseconds unless the key
	// says otherwise.
	Metrics map[string]float64
	// Raw optionally carries unstructured protocol output, such as a
	// service banner or a UDP reply.
	Raw []byte
}

// Prober executes probes for one protocol.
type Prober interface {
	Protocol() wire.Protocol
	Probe(ctx context.Context, spec Spec) (*Outcome, error)
}

// Registry maps protocols to their probers.
type Registry map[wire.Protocol]Prober

// DefaultRegistry returns probers for every supported protocol.
func DefaultRegistry() Registry {
	registry := Registry{}
	for _, p := range []Prober{
		NewICMPProber(),
		NewTCPProber(),
		NewUDPProber(),
		NewHTTPProber(wire.ProtocolHTTP),
		NewHTTPProber(wire.ProtocolHTTPS),
	} {
		registry[p.Protocol()] = p
	}
	return registry
}

// For returns the prober registered for a protocol.
func (r Registry) For(p wire.Protocol) (Prober, bool) {
	prober, ok := r[p]
	return prober, ok
}

// Parameter accessors. Task parameters travel as JSON, so numeric values
// arrive as float64 regardless of how they were written.

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return def
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func millis(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

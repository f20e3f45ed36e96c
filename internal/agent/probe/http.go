package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netpulse/netpulse/internal/wire"
)

const (
	httpUserAgent = "netpulse-agent"
	httpBodyLimit = 1 << 20
)

// HTTPProber issues a single HTTP or HTTPS request and measures the
// timing breakdown (DNS, connect, TLS handshake, time to first byte).
// HTTPS probes additionally report the negotiated TLS version, cipher
// suite, and certificate expiry.
//
// Parameters: method (default GET), path (default /), headers (name to
// value map), expected_status (exact status required when set; without it
// any status below 400 passes), follow_redirects (default false),
// insecure_skip_verify (default false).
type HTTPProber struct {
	protocol wire.Protocol
}

// NewHTTPProber creates a prober for http or https.
func NewHTTPProber(protocol wire.Protocol) *HTTPProber {
	return &HTTPProber{protocol: protocol}
}

// Protocol returns the protocol tag this prober serves.
func (p *HTTPProber) Protocol() wire.Protocol {
	return p.protocol
}

// Probe performs the request. Status failures return the Outcome with the
// full timing breakdown alongside the error.
func (p *HTTPProber) Probe(ctx context.Context, spec Spec) (*Outcome, error) {
	target := p.requestURL(spec)
	method := strings.ToUpper(stringParam(spec.Parameters, "method", http.MethodGet))

	var t timings
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, t.trace()), method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", target, err)
	}
	req.Header.Set("User-Agent", httpUserAgent)
	if headers, ok := spec.Parameters["headers"].(map[string]any); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	// A fresh transport per probe so connection setup is actually measured.
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: boolParam(spec.Parameters, "insecure_skip_verify", false),
		},
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport}
	if !boolParam(spec.Parameters, "follow_redirects", false) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, httpBodyLimit))
	total := time.Since(start)

	metrics := map[string]float64{
		"status_code": float64(resp.StatusCode),
		"total_ms":    millis(total),
		"body_bytes":  float64(bodyBytes),
	}
	t.fill(metrics, start)

	result := map[string]any{
		"url":    target,
		"method": method,
		"status": resp.StatusCode,
		"proto":  resp.Proto,
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		result["content_type"] = contentType
	}

	if resp.TLS != nil {
		tlsInfo := map[string]any{
			"version":      tls.VersionName(resp.TLS.Version),
			"cipher_suite": tls.CipherSuiteName(resp.TLS.CipherSuite),
		}
		if len(resp.TLS.PeerCertificates) > 0 {
			cert := resp.TLS.PeerCertificates[0]
			tlsInfo["subject"] = cert.Subject.CommonName
			tlsInfo["issuer"] = cert.Issuer.CommonName
			tlsInfo["not_after"] = cert.NotAfter.UTC().Format(time.RFC3339)
			metrics["cert_expiry_days"] = time.Until(cert.NotAfter).Hours() / 24
		}
		result["tls"] = tlsInfo
	}

	outcome := &Outcome{Result: result, Metrics: metrics}

	if expected := intParam(spec.Parameters, "expected_status", 0); expected > 0 {
		if resp.StatusCode != expected {
			return outcome, fmt.Errorf("unexpected status %d (want %d)", resp.StatusCode, expected)
		}
	} else if resp.StatusCode >= http.StatusBadRequest {
		return outcome, fmt.Errorf("got error status %d", resp.StatusCode)
	}

	return outcome, nil
}

// requestURL builds the probe URL from the target, port, and path.
func (p *HTTPProber) requestURL(spec Spec) string {
	scheme := "http"
	if p.protocol == wire.ProtocolHTTPS {
		scheme = "https"
	}
	host := spec.Target
	if spec.Port != nil {
		host = net.JoinHostPort(spec.Target, strconv.Itoa(*spec.Port))
	}
	path := stringParam(spec.Parameters, "path", "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// timings records httptrace checkpoints. Hooks may fire from transport
// goroutines, so access is locked.
type timings struct {
	mu           sync.Mutex
	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time
	firstByte    time.Time
}

func (t *timings) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.stamp(&t.dnsStart, false)
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.stamp(&t.dnsDone, false)
		},
		ConnectStart: func(string, string) {
			// Happy-eyeballs may dial in parallel; keep the first stamp.
			t.stamp(&t.connectStart, true)
		},
		ConnectDone: func(string, string, error) {
			t.stamp(&t.connectDone, false)
		},
		TLSHandshakeStart: func() {
			t.stamp(&t.tlsStart, false)
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.stamp(&t.tlsDone, false)
		},
		GotFirstResponseByte: func() {
			t.stamp(&t.firstByte, false)
		},
	}
}

func (t *timings) stamp(at *time.Time, once bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if once && !at.IsZero() {
		return
	}
	*at = time.Now()
}

func (t *timings) fill(metrics map[string]float64, start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dnsStart.IsZero() && !t.dnsDone.IsZero() {
		metrics["dns_ms"] = millis(t.dnsDone.Sub(t.dnsStart))
	}
	if !t.connectStart.IsZero() && !t.connectDone.IsZero() {
		metrics["connect_ms"] = millis(t.connectDone.Sub(t.connectStart))
	}
	if !t.tlsStart.IsZero() && !t.tlsDone.IsZero() {
		metrics["tls_handshake_ms"] = millis(t.tlsDone.Sub(t.tlsStart))
	}
	if !t.firstByte.IsZero() {
		metrics["ttfb_ms"] = millis(t.firstByte.Sub(start))
	}
}

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func capture(level string) (*bytes.Buffer, Logger) {
	var buf bytes.Buffer
	return &buf, NewWithWriter(level, "json", &buf)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("no log output")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, line)
	}
	return fields
}

func TestLoggerFields(t *testing.T) {
	buf, log := capture("debug")

	log.Info().
		Str("agent_id", "a-1").
		Int("attempt", 2).
		Dur("elapsed", 1500*time.Millisecond).
		Bool("recovered", true).
		Msg("agent reconnected")

	fields := decodeLine(t, buf)
	if fields["message"] != "agent reconnected" {
		t.Errorf("message = %v, want agent reconnected", fields["message"])
	}
	if fields["agent_id"] != "a-1" {
		t.Errorf("agent_id = %v, want a-1", fields["agent_id"])
	}
	if fields["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want 2", fields["attempt"])
	}
	if fields["recovered"] != true {
		t.Errorf("recovered = %v, want true", fields["recovered"])
	}
	if _, ok := fields["time"]; !ok {
		t.Error("timestamp field missing")
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	buf, log := capture("warn")

	log.Debug().Msg("hidden")
	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("output below the level threshold: %s", buf.String())
	}

	log.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("warn event filtered at warn level")
	}
}

func TestLoggerWith(t *testing.T) {
	buf, log := capture("info")

	child := log.With("component", "channel_server")
	child.Info().Msg("listening")

	fields := decodeLine(t, buf)
	if fields["component"] != "channel_server" {
		t.Errorf("component = %v, want channel_server", fields["component"])
	}
}

func TestLoggerWithContext(t *testing.T) {
	buf, log := capture("info")

	ctx := ContextWithRequestID(context.Background(), "req-42")
	ctx = ContextWithCorrelationID(ctx, "corr-7")

	log.WithContext(ctx).Info().Msg("handled")

	fields := decodeLine(t, buf)
	if fields["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", fields["request_id"])
	}
	if fields["correlation_id"] != "corr-7" {
		t.Errorf("correlation_id = %v, want corr-7", fields["correlation_id"])
	}
}

func TestLoggerWithContextEmpty(t *testing.T) {
	buf, log := capture("info")

	log.WithContext(context.Background()).Info().Msg("handled")

	fields := decodeLine(t, buf)
	if _, ok := fields["request_id"]; ok {
		t.Error("request_id present without one in the context")
	}
}

func TestFromContext(t *testing.T) {
	buf, log := capture("info")

	ctx := ContextWithLogger(context.Background(), log)
	FromContext(ctx).Info().Msg("scoped")
	if buf.Len() == 0 {
		t.Error("context logger discarded output")
	}

	// Absent logger falls back to a no-op rather than nil.
	FromContext(context.Background()).Info().Msg("dropped")
}

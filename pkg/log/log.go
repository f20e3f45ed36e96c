// Package log wraps zerolog behind a small interface shared by the NetPulse
// binaries and transports. It supports JSON and console output and carries
// request correlation through context.
package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging surface handed to servers and transports.
// Domain services use log/slog instead; this interface exists so the zerolog
// tier can be swapped for a no-op in tests.
type Logger interface {
	Debug() Event
	Info() Event
	Warn() Event
	Error() Event

	// With returns a child logger with the field attached to every event.
	With(key string, value any) Logger
	// WithError returns a child logger with the error attached.
	WithError(err error) Logger
	// WithContext returns a child logger carrying the request and
	// correlation IDs found in ctx, if any.
	WithContext(ctx context.Context) Logger
}

// Event is a log event under construction. Msg sends it.
type Event interface {
	Str(key, val string) Event
	Int(key string, val int) Event
	Int64(key string, val int64) Event
	Float64(key string, val float64) Event
	Bool(key string, val bool) Event
	Dur(key string, val time.Duration) Event
	Time(key string, val time.Time) Event
	Any(key string, val any) Event
	Err(err error) Event
	Msg(msg string)
}

type logger struct {
	zl zerolog.Logger
}

type event struct {
	ze *zerolog.Event
}

// New creates a Logger writing to stdout. Level is one of debug, info,
// warn, error; format is json or console.
func New(level, format string) Logger {
	return NewWithWriter(level, format, os.Stdout)
}

// NewWithWriter creates a Logger with a custom writer. Tests use this to
// capture output.
func NewWithWriter(level, format string, w io.Writer) Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = false

	var output io.Writer = w
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(output).With().Timestamp().Logger()
	return &logger{zl: zl.Level(parseLevel(level))}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &logger{zl: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Debug() Event { return &event{ze: l.zl.Debug()} }
func (l *logger) Info() Event  { return &event{ze: l.zl.Info()} }
func (l *logger) Warn() Event  { return &event{ze: l.zl.Warn()} }
func (l *logger) Error() Event { return &event{ze: l.zl.Error()} }

func (l *logger) With(key string, value any) Logger {
	return &logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *logger) WithError(err error) Logger {
	return &logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	child := l.zl
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		child = child.With().Str("request_id", requestID).Logger()
	}
	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		child = child.With().Str("correlation_id", correlationID).Logger()
	}
	return &logger{zl: child}
}

func (e *event) Str(key, val string) Event {
	e.ze = e.ze.Str(key, val)
	return e
}

func (e *event) Int(key string, val int) Event {
	e.ze = e.ze.Int(key, val)
	return e
}

func (e *event) Int64(key string, val int64) Event {
	e.ze = e.ze.Int64(key, val)
	return e
}

func (e *event) Float64(key string, val float64) Event {
	e.ze = e.ze.Float64(key, val)
	return e
}

func (e *event) Bool(key string, val bool) Event {
	e.ze = e.ze.Bool(key, val)
	return e
}

func (e *event) Dur(key string, val time.Duration) Event {
	e.ze = e.ze.Dur(key, val)
	return e
}

func (e *event) Time(key string, val time.Time) Event {
	e.ze = e.ze.Time(key, val)
	return e
}

func (e *event) Any(key string, val any) Event {
	e.ze = e.ze.Any(key, val)
	return e
}

func (e *event) Err(err error) Event {
	e.ze = e.ze.Err(err)
	return e
}

func (e *event) Msg(msg string) {
	e.ze.Msg(msg)
}

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"
	loggerKey        contextKey = "logger"
)

// ContextWithRequestID attaches a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithCorrelationID attaches a correlation ID to the context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the correlation ID, or "" when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger attaches a request-scoped logger to the context.
func ContextWithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext returns the request-scoped logger, or a no-op logger when
// absent.
func FromContext(ctx context.Context) Logger {
	if log, ok := ctx.Value(loggerKey).(Logger); ok {
		return log
	}
	return NewNop()
}

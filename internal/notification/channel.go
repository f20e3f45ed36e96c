// Package notification turns platform events into operator alerts. A
// rule file decides which events reach which channels; delivery runs on
// a small worker pool with per-channel retry and a per-rule rate limit.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an alertable platform event.
type EventType string

const (
	// EventAgentOffline fires when an agent misses its heartbeat budget
	// or disconnects without recovering.
	EventAgentOffline EventType = "agent_offline"
	// EventAgentRecovered fires when a previously offline agent
	// re-authenticates.
	EventAgentRecovered EventType = "agent_recovered"
	// EventTaskFailed fires when a probe result reports an error.
	EventTaskFailed EventType = "task_failed"
	// EventTaskTimeout fires when a probe times out, either agent-side
	// or reaped by the scheduler.
	EventTaskTimeout EventType = "task_timeout"
	// EventTaskRecovered fires when a probe succeeds after a failure
	// streak.
	EventTaskRecovered EventType = "task_recovered"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventAgentOffline, EventAgentRecovered, EventTaskFailed, EventTaskTimeout, EventTaskRecovered:
		return true
	}
	return false
}

// taskEvent reports whether t carries a failure streak.
func (t EventType) taskEvent() bool {
	switch t {
	case EventTaskFailed, EventTaskTimeout, EventTaskRecovered:
		return true
	}
	return false
}

// ChannelType identifies a delivery mechanism.
type ChannelType string

const (
	ChannelTypeWebhook ChannelType = "webhook"
	ChannelTypeSlack   ChannelType = "slack"
	ChannelTypeEmail   ChannelType = "email"
)

// Event is a platform occurrence that may trigger notifications. Task
// events carry the consecutive failure streak observed when they fired;
// for EventTaskRecovered that is the streak the success ended.
type Event struct {
	Type     EventType
	AgentID  *uuid.UUID
	TaskID   *uuid.UUID
	Failures int
	Error    string
	At       time.Time
}

// subject returns the entity the event is about, for rate-limit keying.
func (e *Event) subject() string {
	if e.TaskID != nil {
		return e.TaskID.String()
	}
	if e.AgentID != nil {
		return e.AgentID.String()
	}
	return ""
}

// Notification is a rendered alert ready for delivery.
type Notification struct {
	ID        uuid.UUID
	Event     EventType
	Title     string
	Message   string
	AgentID   *uuid.UUID
	AgentName string
	TaskID    *uuid.UUID
	Protocol  string
	Target    string
	Failures  int
	Error     string
	CreatedAt time.Time
}

// Channel delivers rendered notifications to one destination.
type Channel interface {
	// Type returns the channel type.
	Type() ChannelType
	// Send delivers a notification, retrying transient failures.
	Send(ctx context.Context, n *Notification) error
	// Validate checks the channel configuration.
	Validate() error
}

// retryPolicy drives delivery retries with exponential backoff.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

func (p retryPolicy) normalize() retryPolicy {
	if p.attempts <= 0 {
		p.attempts = 3
	}
	if p.backoff <= 0 {
		p.backoff = 5 * time.Second
	}
	return p
}

// permanentError marks a delivery failure that retrying cannot fix,
// such as a 4xx response.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// do runs fn up to p.attempts times, sleeping backoff<<(attempt-1)
// between tries. A permanentError stops immediately.
func (p retryPolicy) do(ctx context.Context, logger *slog.Logger, fn func() error) error {
	p = p.normalize()

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			backoff := p.backoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
		logger.Warn("notification delivery failed, retrying",
			"attempt", attempt+1,
			"error", err,
		)
	}

	return lastErr
}

// truncate shortens a string for inclusion in alert bodies.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

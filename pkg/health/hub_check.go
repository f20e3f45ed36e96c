package health

import (
	"context"
	"fmt"
)

// EventHub is the surface of the operator event hub the check observes.
type EventHub interface {
	// Running reports whether the hub's event loop is active.
	Running() bool
	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
	// RoomCount returns the number of active rooms.
	RoomCount() int
}

// EventHubCheck checks the health of the operator event hub.
type EventHubCheck struct {
	hub                     EventHub
	maxConnectionsThreshold int
}

// EventHubCheckOption configures an EventHubCheck.
type EventHubCheckOption func(*EventHubCheck)

// WithMaxConnectionsThreshold sets the connection count above which the
// check reports degraded status.
func WithMaxConnectionsThreshold(threshold int) EventHubCheckOption {
	return func(c *EventHubCheck) {
		c.maxConnectionsThreshold = threshold
	}
}

// NewEventHubCheck creates a health check over the event hub.
func NewEventHubCheck(hub EventHub, opts ...EventHubCheckOption) *EventHubCheck {
	c := &EventHubCheck{
		hub:                     hub,
		maxConnectionsThreshold: 10000,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of the health check.
func (c *EventHubCheck) Name() string {
	return "event_hub"
}

// Check reports an error when the hub's event loop is not running.
func (c *EventHubCheck) Check(ctx context.Context) error {
	if !c.hub.Running() {
		return fmt.Errorf("event hub is not running")
	}
	return nil
}

// CheckDetailed reports connection and room counts, degrading when the
// connection count crosses the threshold.
func (c *EventHubCheck) CheckDetailed(ctx context.Context) Result {
	if !c.hub.Running() {
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: "event hub is not running",
		}
	}

	connCount := c.hub.ConnectionCount()
	details := map[string]string{
		"connections": fmt.Sprintf("%d", connCount),
		"rooms":       fmt.Sprintf("%d", c.hub.RoomCount()),
	}

	if c.maxConnectionsThreshold > 0 && connCount > c.maxConnectionsThreshold {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: fmt.Sprintf("high connection count: %d", connCount),
			Details: details,
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "event hub is running",
		Details: details,
	}
}

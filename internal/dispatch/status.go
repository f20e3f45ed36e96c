package dispatch

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/wire"
)

// Notification severity levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// StatusUpdater queues status, notification, and command traffic to agents.
// Passing uuid.Nil as the agent broadcasts to every connected agent.
type StatusUpdater struct {
	enq    Enqueuer
	logger *slog.Logger
}

// NewStatusUpdater builds a status updater on top of the dispatcher queue.
func NewStatusUpdater(enq Enqueuer, logger *slog.Logger) *StatusUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusUpdater{
		enq:    enq,
		logger: logger.With("component", "status_updater"),
	}
}

// UpdateTaskStatus queues a NORMAL priority task status update.
func (s *StatusUpdater) UpdateTaskStatus(taskID uuid.UUID, status string, agentID uuid.UUID) error {
	msg := NewMessage(MessageTypeTaskStatusUpdate, agentID, PriorityNormal, wire.TaskStatusUpdate{
		TaskID:    taskID.String(),
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	})
	if err := s.enq.Enqueue(msg); err != nil {
		return fmt.Errorf("failed to queue task status update: %w", err)
	}
	return nil
}

// SendSystemNotification queues a notification. Warnings and errors go out
// at HIGH priority, everything else at NORMAL.
func (s *StatusUpdater) SendSystemNotification(message, level string, agentID uuid.UUID) error {
	msg := NewMessage(MessageTypeSystemNotification, agentID, notificationPriority(level), wire.SystemNotification{
		Message: message,
		Level:   level,
	})
	if err := s.enq.Enqueue(msg); err != nil {
		return fmt.Errorf("failed to queue system notification: %w", err)
	}
	return nil
}

// SendAgentCommand queues a HIGH priority command to one agent.
func (s *StatusUpdater) SendAgentCommand(agentID uuid.UUID, command string, params map[string]any) error {
	if agentID == uuid.Nil {
		return fmt.Errorf("agent command requires a target agent")
	}
	msg := NewMessage(MessageTypeAgentCommand, agentID, PriorityHigh, wire.AgentCommand{
		Command:    command,
		Parameters: params,
	})
	if err := s.enq.Enqueue(msg); err != nil {
		return fmt.Errorf("failed to queue agent command: %w", err)
	}
	return nil
}

func notificationPriority(level string) Priority {
	switch strings.ToLower(level) {
	case LevelWarning, LevelError:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/wire"
)

// Priority orders messages in the queue. Higher values drain first.
type Priority int

// Message priorities.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a defined priority.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// MessageType tags a queued message with the frame it becomes on the wire.
type MessageType string

// Message types routed through the dispatcher.
const (
	MessageTypeTaskAssignment     MessageType = "task_assignment"
	MessageTypeTaskCancel         MessageType = "task_cancel"
	MessageTypeTaskStatusUpdate   MessageType = "task_status_update"
	MessageTypeSystemNotification MessageType = "system_notification"
	MessageTypeAgentCommand       MessageType = "agent_command"
)

// FrameType returns the wire frame type for the message.
func (t MessageType) FrameType() wire.FrameType {
	return wire.FrameType(t)
}

// Callback observes a message's terminal outcome. It is invoked exactly
// once, with a nil error on delivery and the final error when retries are
// exhausted. Expired messages drop silently and never reach the callback.
type Callback func(msg *Message, err error)

// Message is one unit of outbound work in the dispatch queue.
type Message struct {
	// ID identifies the message and becomes the frame ID on the wire.
	ID uuid.UUID
	// Type selects the handler and the wire frame type.
	Type MessageType
	// AgentID is the recipient. uuid.Nil broadcasts to every connected agent.
	AgentID uuid.UUID
	// Priority orders the message among the queue's sub-queues.
	Priority Priority
	// Payload is the frame payload marshaled into the frame's data field.
	Payload any
	// CreatedAt is when the message was built.
	CreatedAt time.Time
	// ExpiresAt drops the message once passed. Nil never expires.
	ExpiresAt *time.Time
	// RetryCount is how many deliveries have failed so far.
	RetryCount int
	// MaxRetries bounds redelivery attempts after the first failure.
	MaxRetries int
	// Callback, when set, observes the terminal outcome.
	Callback Callback
}

// NewMessage builds a message with a fresh ID and creation time.
func NewMessage(t MessageType, agentID uuid.UUID, priority Priority, payload any) *Message {
	return &Message{
		ID:         uuid.New(),
		Type:       t,
		AgentID:    agentID,
		Priority:   priority,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: DefaultMaxRetries,
	}
}

// WithExpiry sets an absolute expiry and returns the message.
func (m *Message) WithExpiry(ttl time.Duration) *Message {
	at := m.CreatedAt.Add(ttl)
	m.ExpiresAt = &at
	return m
}

// WithCallback sets the terminal-outcome callback and returns the message.
func (m *Message) WithCallback(cb Callback) *Message {
	m.Callback = cb
	return m
}

// Expired reports whether the message's expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Broadcast reports whether the message targets every connected agent.
func (m *Message) Broadcast() bool {
	return m.AgentID == uuid.Nil
}

// Frame builds the wire frame for the message.
func (m *Message) Frame() (*wire.Frame, error) {
	f, err := wire.NewFrame(m.Type.FrameType(), m.Payload)
	if err != nil {
		return nil, err
	}
	f.ID = m.ID.String()
	return f, nil
}

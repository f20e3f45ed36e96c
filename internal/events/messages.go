package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of frame exchanged on the event stream.
type MessageType string

// Client-to-server message types.
const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
)

// Server-to-client message types.
const (
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"

	MessageTypeAgentUpdate    MessageType = "agent_update"
	MessageTypeTaskUpdate     MessageType = "task_update"
	MessageTypeResultReceived MessageType = "result_received"
)

// Message is the envelope for all event stream frames.
type Message struct {
	Type      MessageType     `json:"type"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
}

// NewMessage creates a message of the given type with a marshalled payload.
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		ID:        uuid.New().String(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		msg.Payload = data
	}

	return msg, nil
}

// NewRoomMessage creates a message tagged with the room it concerns.
func NewRoomMessage(msgType MessageType, room string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.Room = room
	return msg, nil
}

// Bytes serializes the message to JSON.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a message from JSON.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// RoomType categorizes event stream rooms.
type RoomType string

const (
	// RoomTypeAgent scopes events to a single agent ("agent:<uuid>").
	RoomTypeAgent RoomType = "agent"
	// RoomTypeTask scopes events to a single task ("task:<uuid>").
	RoomTypeTask RoomType = "task"
	// RoomTypeGlobal carries fleet-wide feeds.
	RoomTypeGlobal RoomType = "global"
)

// Fleet-wide rooms any client may subscribe to.
const (
	RoomGlobalAgents = "global:agents"
	RoomGlobalTasks  = "global:tasks"
)

// RoomName builds a room name from a type and an identifier.
func RoomName(roomType RoomType, id string) string {
	return string(roomType) + ":" + id
}

// ParseRoomName splits a room name into its type and identifier.
// Unrecognized formats are treated as global rooms.
func ParseRoomName(room string) (RoomType, string) {
	parts := strings.SplitN(room, ":", 2)
	if len(parts) != 2 {
		return RoomTypeGlobal, room
	}

	switch RoomType(parts[0]) {
	case RoomTypeAgent:
		return RoomTypeAgent, parts[1]
	case RoomTypeTask:
		return RoomTypeTask, parts[1]
	default:
		return RoomTypeGlobal, parts[1]
	}
}

// ValidRoom reports whether a room name is well formed for subscription.
func ValidRoom(room string) bool {
	parts := strings.SplitN(room, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return false
	}
	switch RoomType(parts[0]) {
	case RoomTypeAgent, RoomTypeTask, RoomTypeGlobal:
		return true
	default:
		return false
	}
}

// ErrorPayload carries error details sent to a client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentUpdatePayload announces an agent status transition.
type AgentUpdatePayload struct {
	AgentID uuid.UUID `json:"agent_id"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

// TaskUpdatePayload announces a task lifecycle event such as created,
// assigned, paused, or timeout.
type TaskUpdatePayload struct {
	TaskID uuid.UUID      `json:"task_id"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// ResultReceivedPayload announces a collected probe result.
type ResultReceivedPayload struct {
	ResultID     uuid.UUID          `json:"result_id"`
	TaskID       uuid.UUID          `json:"task_id"`
	AgentID      uuid.UUID          `json:"agent_id"`
	Status       string             `json:"status"`
	ExecutedAt   time.Time          `json:"executed_at"`
	DurationMs   *int64             `json:"duration_ms,omitempty"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

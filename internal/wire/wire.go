// Package wire defines the JSON frame protocol spoken on the agent control
// channel. Every frame is a single JSON object with an id, a type tag, a
// timestamp, and a type-specific data payload. The same definitions are used
// by the orchestrator and the probe agent.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the kind of frame on the agent channel.
type FrameType string

// Frame types sent between the orchestrator and agents.
const (
	// FrameTypeAuth is the authentication request (agent → server).
	FrameTypeAuth FrameType = "auth"
	// FrameTypeAuthResponse is the authentication reply (server → agent).
	FrameTypeAuthResponse FrameType = "auth_response"
	// FrameTypeAgentRegister announces agent capabilities (agent → server).
	FrameTypeAgentRegister FrameType = "agent_register"
	// FrameTypeAgentRegisterResponse acknowledges registration (server → agent).
	FrameTypeAgentRegisterResponse FrameType = "agent_register_response"
	// FrameTypeHeartbeat is the periodic liveness signal (agent → server).
	FrameTypeHeartbeat FrameType = "heartbeat"
	// FrameTypeHeartbeatResponse answers a heartbeat (server → agent).
	FrameTypeHeartbeatResponse FrameType = "heartbeat_response"
	// FrameTypeResourceReport carries agent load telemetry (agent → server).
	FrameTypeResourceReport FrameType = "resource_report"
	// FrameTypeResourceReportAck acknowledges a resource report (server → agent).
	FrameTypeResourceReportAck FrameType = "resource_report_ack"
	// FrameTypeTaskAssignment assigns a probe task (server → agent).
	FrameTypeTaskAssignment FrameType = "task_assignment"
	// FrameTypeTaskCancel cancels an assigned task (server → agent).
	FrameTypeTaskCancel FrameType = "task_cancel"
	// FrameTypeTaskResult reports a task execution result (agent → server).
	FrameTypeTaskResult FrameType = "task_result"
	// FrameTypeTaskResultAck acknowledges a task result (server → agent).
	FrameTypeTaskResultAck FrameType = "task_result_ack"
	// FrameTypeTaskStatusUpdate notifies agents of a task status change (server → agent).
	FrameTypeTaskStatusUpdate FrameType = "task_status_update"
	// FrameTypeAgentCommand carries an administrative command (server → agent).
	FrameTypeAgentCommand FrameType = "agent_command"
	// FrameTypeSystemNotification is an informational broadcast (server → agent).
	FrameTypeSystemNotification FrameType = "system_notification"
	// FrameTypeDisconnect announces an orderly connection teardown (server → agent).
	FrameTypeDisconnect FrameType = "disconnect"
	// FrameTypeError reports a protocol-level error (server → agent).
	FrameTypeError FrameType = "error"
)

// Protocol is a measurement protocol tag. Agents declare the protocols they
// can execute and tasks name the protocol they require.
type Protocol string

// Supported measurement protocols.
const (
	ProtocolICMP  Protocol = "icmp"
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Valid reports whether p is a known protocol tag.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolICMP, ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS:
		return true
	}
	return false
}

// Protocols returns all supported protocol tags.
func Protocols() []Protocol {
	return []Protocol{ProtocolICMP, ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS}
}

// Frame is one message on the agent control channel.
type Frame struct {
	// ID uniquely identifies the frame.
	ID string `json:"id"`
	// Type is the frame type tag.
	Type FrameType `json:"type"`
	// Timestamp is when the frame was created, in UTC.
	Timestamp time.Time `json:"timestamp"`
	// Data is the type-specific payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame creates a frame of the given type with a marshaled payload,
// a fresh ID, and a UTC timestamp.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		data = raw
	}

	return &Frame{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// ParseFrame parses raw bytes into a frame and validates required fields.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Encode serializes the frame to JSON.
func (f *Frame) Encode() ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return raw, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Fill populates a zero ID or timestamp. Frames built by hand (for example
// by components that only set Type and Data) pass through here before send.
func (f *Frame) Fill() {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
}

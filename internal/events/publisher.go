// Package events streams orchestrator happenings to subscribed operator
// clients over websocket rooms.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// Publisher fans platform events out to the operator event stream.
// Publishing is fire-and-forget; implementations must never block.
type Publisher interface {
	// PublishAgentStatus announces an agent status transition.
	PublishAgentStatus(agentID uuid.UUID, status string)

	// PublishTaskEvent announces a task lifecycle event such as created,
	// paused, dispatched, completed, or failed.
	PublishTaskEvent(taskID uuid.UUID, event string, detail map[string]any)

	// PublishResult announces a collected task result.
	PublishResult(result *database.TaskResult)
}

// NoopPublisher discards all events. It is the default when no event stream
// is wired.
type NoopPublisher struct{}

func (NoopPublisher) PublishAgentStatus(uuid.UUID, string)               {}
func (NoopPublisher) PublishTaskEvent(uuid.UUID, string, map[string]any) {}
func (NoopPublisher) PublishResult(*database.TaskResult)                 {}

// MultiPublisher forwards every event to each member in order.
type MultiPublisher []Publisher

func (mp MultiPublisher) PublishAgentStatus(agentID uuid.UUID, status string) {
	for _, p := range mp {
		p.PublishAgentStatus(agentID, status)
	}
}

func (mp MultiPublisher) PublishTaskEvent(taskID uuid.UUID, event string, detail map[string]any) {
	for _, p := range mp {
		p.PublishTaskEvent(taskID, event, detail)
	}
}

func (mp MultiPublisher) PublishResult(result *database.TaskResult) {
	for _, p := range mp {
		p.PublishResult(result)
	}
}

// HubPublisher broadcasts events to operator clients through a websocket Hub.
type HubPublisher struct {
	hub     *Hub
	metrics *metrics.OrchestratorMetrics
	logger  log.Logger
}

var _ Publisher = (*HubPublisher)(nil)

// NewHubPublisher creates a publisher backed by the given hub.
func NewHubPublisher(hub *Hub, m *metrics.OrchestratorMetrics, logger log.Logger) *HubPublisher {
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &HubPublisher{
		hub:     hub,
		metrics: m,
		logger:  logger.With("component", "event_publisher"),
	}
}

// PublishAgentStatus announces an agent status transition to the agent's own
// room and the fleet-wide agents feed.
func (p *HubPublisher) PublishAgentStatus(agentID uuid.UUID, status string) {
	msg, err := NewMessage(MessageTypeAgentUpdate, AgentUpdatePayload{
		AgentID: agentID,
		Status:  status,
		At:      time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to build agent update")
		return
	}

	p.broadcast(msg, RoomName(RoomTypeAgent, agentID.String()), RoomGlobalAgents)
	p.metrics.RecordEventPublished(string(MessageTypeAgentUpdate))
}

// PublishTaskEvent announces a task lifecycle event to the task's own room
// and the fleet-wide tasks feed.
func (p *HubPublisher) PublishTaskEvent(taskID uuid.UUID, event string, detail map[string]any) {
	msg, err := NewMessage(MessageTypeTaskUpdate, TaskUpdatePayload{
		TaskID: taskID,
		Event:  event,
		Detail: detail,
		At:     time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to build task update")
		return
	}

	p.broadcast(msg, RoomName(RoomTypeTask, taskID.String()), RoomGlobalTasks)
	p.metrics.RecordEventPublished(string(MessageTypeTaskUpdate))
}

// PublishResult announces a collected result. Results are high volume, so
// they fan out to the interested task and agent rooms only, never to the
// global feeds.
func (p *HubPublisher) PublishResult(result *database.TaskResult) {
	if result == nil {
		return
	}

	msg, err := NewMessage(MessageTypeResultReceived, ResultReceivedPayload{
		ResultID:     result.ID,
		TaskID:       result.TaskID,
		AgentID:      result.AgentID,
		Status:       string(result.Status),
		ExecutedAt:   result.ExecutedAt,
		DurationMs:   result.DurationMs,
		ErrorMessage: result.ErrorMessage,
		Metrics:      result.Metrics,
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to build result event")
		return
	}

	p.broadcast(msg, RoomName(RoomTypeTask, result.TaskID.String()), RoomName(RoomTypeAgent, result.AgentID.String()))
	p.metrics.RecordEventPublished(string(MessageTypeResultReceived))
}

func (p *HubPublisher) broadcast(msg *Message, rooms ...string) {
	data, err := msg.Bytes()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode event")
		return
	}
	for _, room := range rooms {
		p.hub.Broadcast(room, data)
	}
}

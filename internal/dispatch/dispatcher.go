// Package dispatch moves work between the orchestrator and connected agents:
// a bounded priority queue with a single consumer loop on the way out, and
// the result collection pipeline on the way in. Task assignment, cancellation,
// status fan-out, and agent commands all flow through the same queue so that
// urgent traffic overtakes routine traffic under load.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// dequeueTimeout bounds one blocking dequeue in the consumer loop.
const dequeueTimeout = time.Second

// ConnectionManager is the slice of the connection layer the dispatcher
// needs: frame delivery and live agent state.
type ConnectionManager interface {
	// Send delivers a frame to the agent's primary connection. It reports
	// false when the agent is not connected or the write failed.
	Send(ctx context.Context, agentID uuid.UUID, frame *wire.Frame) bool

	// Broadcast delivers a frame to every connected agent except those in
	// exclude, returning the number of successful sends.
	Broadcast(ctx context.Context, frame *wire.Frame, exclude map[uuid.UUID]struct{}) int

	// AvailableAgents lists connected agents that are not overloaded.
	AvailableAgents() []uuid.UUID

	// IsConnected reports whether the agent has a live connection.
	IsConnected(agentID uuid.UUID) bool

	// AgentLoad returns the latest resource snapshot for the agent.
	AgentLoad(agentID uuid.UUID) (wire.ResourceUsage, bool)
}

// Handler processes one dequeued message. A returned error triggers the
// retry policy.
type Handler func(ctx context.Context, msg *Message) error

// Config holds dispatcher tuning knobs.
type Config struct {
	// QueueCapacity is the total message capacity across all priorities.
	QueueCapacity int
	// PollInterval is the blocking dequeue poll cadence.
	PollInterval time.Duration
	// MaxRetries is applied to enqueued messages that do not set their own
	// retry budget. A message with MaxRetries < 0 is never retried.
	MaxRetries int
}

// DefaultConfig returns the production dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		PollInterval:  DefaultPollInterval,
		MaxRetries:    DefaultMaxRetries,
	}
}

// Dispatcher owns the outbound message queue and its single consumer loop.
// Messages are drained in priority order and routed to per-type handlers;
// the built-in handler for agent-facing types encodes the message as a wire
// frame and delivers it through the connection manager.
type Dispatcher struct {
	cfg     Config
	queue   *Queue
	conns   ConnectionManager
	metrics *metrics.OrchestratorMetrics
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[MessageType]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher wired to the given connection manager.
// The built-in send handler is registered for every agent-facing message
// type.
func NewDispatcher(conns ConnectionManager, m *metrics.OrchestratorMetrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.QueueCapacity == 0 {
		cfg = DefaultConfig()
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}

	queue := NewQueue(cfg.QueueCapacity)
	if cfg.PollInterval > 0 {
		queue.poll = cfg.PollInterval
	}

	d := &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		conns:    conns,
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
		handlers: make(map[MessageType]Handler),
	}
	for _, t := range []MessageType{
		MessageTypeTaskAssignment,
		MessageTypeTaskCancel,
		MessageTypeTaskStatusUpdate,
		MessageTypeSystemNotification,
		MessageTypeAgentCommand,
	} {
		d.handlers[t] = d.sendMessage
	}
	return d
}

// Start launches the consumer loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(runCtx)

	d.logger.Info("dispatcher started", "queue_capacity", d.cfg.QueueCapacity)
	return nil
}

// Stop halts the consumer loop, waiting up to the context deadline for the
// in-flight message to finish. Queued messages are retained but not drained.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped", "queued", d.queue.Len())
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
	}
	return nil
}

// RegisterHandler installs a handler for a message type, replacing any
// existing registration including the built-in send handler.
func (d *Dispatcher) RegisterHandler(t MessageType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Enqueue places a message on the queue. Expired and rejected messages are
// counted and returned as ErrExpired and ErrQueueFull respectively.
func (d *Dispatcher) Enqueue(msg *Message) error {
	if msg != nil && msg.MaxRetries == 0 {
		msg.MaxRetries = d.cfg.MaxRetries
	}
	err := d.queue.Enqueue(msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrExpired):
		d.metrics.RecordMessageDropped("expired")
	case errors.Is(err, ErrQueueFull):
		d.metrics.RecordMessageDropped("queue_full")
		d.logger.Warn("queue full, message rejected",
			"type", msg.Type,
			"priority", msg.Priority.String())
	}
	return err
}

// QueueStats returns a snapshot of the underlying queue.
func (d *Dispatcher) QueueStats() QueueStats {
	return d.queue.Stats()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := d.queue.DequeueWait(ctx, dequeueTimeout)
		d.refreshDepthGauges()
		if msg == nil {
			continue
		}
		d.process(ctx, msg)
	}
}

// process routes one message to its handler and applies the retry policy.
func (d *Dispatcher) process(ctx context.Context, msg *Message) {
	start := time.Now()

	d.mu.RLock()
	handler, ok := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("no handler for message type, discarding",
			"type", msg.Type,
			"message_id", msg.ID)
		d.metrics.RecordMessageDropped("no_handler")
		return
	}

	err := handler(ctx, msg)
	d.metrics.RecordDispatch(time.Since(start).Seconds())
	if err == nil {
		d.complete(msg, nil)
		return
	}

	if msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		d.logger.Debug("message handler failed, retrying",
			"type", msg.Type,
			"message_id", msg.ID,
			"attempt", msg.RetryCount,
			"error", err)
		if enqErr := d.Enqueue(msg); enqErr != nil {
			if errors.Is(enqErr, ErrExpired) {
				return
			}
			d.logger.Error("failed to re-enqueue message",
				"type", msg.Type,
				"message_id", msg.ID,
				"error", enqErr)
			d.complete(msg, err)
		}
		return
	}

	d.logger.Error("message delivery failed, retries exhausted",
		"type", msg.Type,
		"message_id", msg.ID,
		"retries", msg.RetryCount,
		"error", err)
	d.complete(msg, err)
}

// complete invokes the message callback at most once.
func (d *Dispatcher) complete(msg *Message, err error) {
	if msg.Callback == nil {
		return
	}
	cb := msg.Callback
	msg.Callback = nil
	cb(msg, err)
}

// sendMessage is the built-in handler that turns a message into a wire frame
// and delivers it via the connection manager. Unicast send failures are
// handler errors and go through the retry policy; broadcasts are best effort.
func (d *Dispatcher) sendMessage(ctx context.Context, msg *Message) error {
	frame, err := msg.Frame()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	if msg.Broadcast() {
		n := d.conns.Broadcast(ctx, frame, nil)
		d.logger.Debug("broadcast message",
			"type", msg.Type,
			"recipients", n)
		return nil
	}

	if !d.conns.Send(ctx, msg.AgentID, frame) {
		return fmt.Errorf("failed to send %s to agent %s", msg.Type, msg.AgentID)
	}
	return nil
}

func (d *Dispatcher) refreshDepthGauges() {
	stats := d.queue.Stats()
	for p, depth := range stats.Depths {
		d.metrics.SetQueueDepth(p.String(), float64(depth))
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/dedup"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// inlineRawDataLimit is the largest raw payload persisted inline. Anything
// larger is offloaded to object storage and the row keeps the object path.
const inlineRawDataLimit = 4 << 10

// ObjectStore offloads oversized raw result payloads.
type ObjectStore interface {
	// PutResult stores the payload and returns its object path.
	PutResult(ctx context.Context, taskID, resultID uuid.UUID, data []byte) (string, error)
}

// AckFunc acknowledges receipt of a task result back to the reporting agent.
type AckFunc func(ack *wire.TaskResultAck) error

// ResultHandler observes a persisted task result. Handler errors and panics
// are logged and never affect persistence.
type ResultHandler func(ctx context.Context, result *database.TaskResult) error

// PendingResult is a received result that has not been persisted yet. Entries
// that fail persistence stay here for reconciliation.
type PendingResult struct {
	TaskID     uuid.UUID          `json:"task_id"`
	AgentID    uuid.UUID          `json:"agent_id"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Status     wire.ResultStatus  `json:"status"`
	Error      string             `json:"error,omitempty"`
	ExecutedAt time.Time          `json:"executed_at"`
	DurationMs int64              `json:"duration_ms"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	RawData    []byte             `json:"-"`
	ReceivedAt time.Time          `json:"received_at"`
}

// CollectorStats counts collection outcomes.
type CollectorStats struct {
	Pending    int    `json:"pending"`
	Collected  uint64 `json:"collected"`
	Duplicates uint64 `json:"duplicates"`
}

// Collector ingests task results reported by agents. For each new result it
// records a pending entry, acknowledges the agent, persists the result, flips
// the task to completed or failed, and fans the persisted row out to named
// handlers and the event stream. The collector is the only component that
// maps result status onto task status.
type Collector struct {
	results database.ResultRepository
	tasks   database.TaskRepository
	dedup   dedup.Deduper
	store   ObjectStore
	events  events.Publisher
	metrics *metrics.OrchestratorMetrics
	logger  *slog.Logger

	mu         sync.Mutex
	pending    map[uuid.UUID]*PendingResult
	handlers   map[string]ResultHandler
	collected  uint64
	duplicates uint64
}

// NewCollector builds a collector. The object store may be nil, in which
// case oversized payloads stay inline. The publisher may be nil.
func NewCollector(results database.ResultRepository, tasks database.TaskRepository, dd dedup.Deduper, store ObjectStore, pub events.Publisher, m *metrics.OrchestratorMetrics, logger *slog.Logger) *Collector {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		results:  results,
		tasks:    tasks,
		dedup:    dd,
		store:    store,
		events:   pub,
		metrics:  m,
		logger:   logger.With("component", "result_collector"),
		pending:  make(map[uuid.UUID]*PendingResult),
		handlers: make(map[string]ResultHandler),
	}
}

// RegisterHandler installs a named result handler. Registering an existing
// name replaces the handler.
func (c *Collector) RegisterHandler(name string, h ResultHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// UnregisterHandler removes a named result handler.
func (c *Collector) UnregisterHandler(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, name)
}

// HandleResult processes one task result reported by an agent. Duplicates
// are counted and dropped. The agent is acknowledged before persistence, so
// an ACK does not imply the result was stored. It returns an error only for
// malformed payloads; persistence failures are logged and the pending entry
// is retained.
func (c *Collector) HandleResult(ctx context.Context, agentID uuid.UUID, res *wire.TaskResult, ack AckFunc) error {
	taskID, err := uuid.Parse(res.TaskID)
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", res.TaskID, err)
	}

	logger := c.logger.With("task_id", taskID, "agent_id", agentID)
	logger.Debug("processing task result", "status", res.Status)

	if c.dedup != nil {
		seen, err := c.dedup.Seen(ctx, res.TaskID)
		if err != nil {
			// Accept the result rather than drop it when the dedup
			// backend is unreachable.
			logger.Warn("result dedup check failed, accepting result", "error", err)
		} else if seen {
			c.metrics.RecordDuplicateResult()
			c.mu.Lock()
			c.duplicates++
			c.mu.Unlock()
			logger.Debug("duplicate task result dropped")
			return nil
		}
	}

	receivedAt := time.Now().UTC()
	pend := &PendingResult{
		TaskID:     taskID,
		AgentID:    agentID,
		Result:     res.Result,
		Status:     res.Status,
		Error:      res.ErrorMessage,
		ExecutedAt: res.ExecutionTime,
		DurationMs: res.Duration,
		Metrics:    res.Metrics,
		RawData:    res.RawData,
		ReceivedAt: receivedAt,
	}
	c.mu.Lock()
	c.pending[taskID] = pend
	c.mu.Unlock()

	if ack != nil {
		if err := ack(&wire.TaskResultAck{TaskID: res.TaskID, Received: true}); err != nil {
			logger.Warn("failed to acknowledge task result", "error", err)
		}
	}

	record, err := c.persist(ctx, pend)
	if err != nil {
		logger.Error("failed to persist task result, retained pending", "error", err)
		return nil
	}

	c.mu.Lock()
	delete(c.pending, taskID)
	c.collected++
	handlers := make(map[string]ResultHandler, len(c.handlers))
	for name, h := range c.handlers {
		handlers[name] = h
	}
	c.mu.Unlock()

	c.finishTask(ctx, record, logger)
	c.metrics.RecordResult(string(record.Status))
	if record.DurationMs != nil {
		c.metrics.RecordProbeDuration(string(record.Status), float64(*record.DurationMs)/1000)
	}
	c.events.PublishResult(record)

	for name, h := range handlers {
		c.runHandler(ctx, name, h, record)
	}

	logger.Info("task result stored",
		"result_id", record.ID,
		"status", record.Status)
	return nil
}

// FlushPending retries persistence for every retained pending entry. It
// returns how many entries were persisted and how many remain.
func (c *Collector) FlushPending(ctx context.Context) (persisted, remaining int) {
	c.mu.Lock()
	entries := make([]*PendingResult, 0, len(c.pending))
	for _, p := range c.pending {
		entries = append(entries, p)
	}
	c.mu.Unlock()

	for _, pend := range entries {
		logger := c.logger.With("task_id", pend.TaskID, "agent_id", pend.AgentID)
		record, err := c.persist(ctx, pend)
		if err != nil {
			logger.Warn("pending result still not persistable", "error", err)
			continue
		}

		c.mu.Lock()
		delete(c.pending, pend.TaskID)
		c.collected++
		handlers := make(map[string]ResultHandler, len(c.handlers))
		for name, h := range c.handlers {
			handlers[name] = h
		}
		c.mu.Unlock()

		c.finishTask(ctx, record, logger)
		c.metrics.RecordResult(string(record.Status))
		if record.DurationMs != nil {
			c.metrics.RecordProbeDuration(string(record.Status), float64(*record.DurationMs)/1000)
		}
		c.events.PublishResult(record)
		for name, h := range handlers {
			c.runHandler(ctx, name, h, record)
		}
		persisted++
	}

	c.mu.Lock()
	remaining = len(c.pending)
	c.mu.Unlock()
	return persisted, remaining
}

// Pending returns a snapshot of the retained pending entries.
func (c *Collector) Pending() []PendingResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingResult, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}

// Stats returns collection counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollectorStats{
		Pending:    len(c.pending),
		Collected:  c.collected,
		Duplicates: c.duplicates,
	}
}

// persist builds and stores the task result row, offloading oversized raw
// payloads first.
func (c *Collector) persist(ctx context.Context, pend *PendingResult) (*database.TaskResult, error) {
	// The row ID is assigned by the database on insert; the offload key
	// below only names the stored object.
	record := &database.TaskResult{
		TaskID:  pend.TaskID,
		AgentID: pend.AgentID,
		Status:  mapResultStatus(pend.Status),
		Metrics: pend.Metrics,
	}

	record.ExecutedAt = pend.ExecutedAt
	if record.ExecutedAt.IsZero() {
		record.ExecutedAt = pend.ReceivedAt
	}
	if pend.DurationMs > 0 {
		ms := pend.DurationMs
		record.DurationMs = &ms
	}
	if pend.Error != "" {
		msg := pend.Error
		record.ErrorMessage = &msg
	}

	// The structured result body rides in the raw payload column when the
	// agent did not attach separate raw output.
	raw := pend.RawData
	if len(raw) == 0 && len(pend.Result) > 0 {
		raw = []byte(pend.Result)
	}
	if len(raw) > inlineRawDataLimit && c.store != nil {
		path, err := c.store.PutResult(ctx, pend.TaskID, uuid.New(), raw)
		if err != nil {
			c.logger.Warn("failed to offload raw payload, keeping inline",
				"task_id", pend.TaskID,
				"size", len(raw),
				"error", err)
			record.RawData = raw
		} else {
			record.RawDataPath = &path
		}
	} else {
		record.RawData = raw
	}

	if err := c.results.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store task result: %w", err)
	}
	return record, nil
}

// finishTask flips the task to its terminal status for this run.
func (c *Collector) finishTask(ctx context.Context, record *database.TaskResult, logger *slog.Logger) {
	status := database.TaskStatusFailed
	if record.Status == database.ResultStatusSuccess {
		status = database.TaskStatusCompleted
	}
	if err := c.tasks.UpdateStatus(ctx, record.TaskID, status); err != nil {
		logger.Warn("failed to update task status",
			"status", status,
			"error", err)
	}
}

func (c *Collector) runHandler(ctx context.Context, name string, h ResultHandler, record *database.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("result handler panicked",
				"handler", name,
				"task_id", record.TaskID,
				"panic", r)
		}
	}()
	if err := h(ctx, record); err != nil {
		c.logger.Error("result handler failed",
			"handler", name,
			"task_id", record.TaskID,
			"error", err)
	}
}

// mapResultStatus converts a wire result status to its stored form.
func mapResultStatus(s wire.ResultStatus) database.ResultStatus {
	switch s {
	case wire.ResultStatusSuccess:
		return database.ResultStatusSuccess
	case wire.ResultStatusTimeout:
		return database.ResultStatusTimeout
	default:
		return database.ResultStatusError
	}
}

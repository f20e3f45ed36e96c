package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// ReassignmentConfig holds configuration for the reassignment manager.
type ReassignmentConfig struct {
	// MaxPerTask caps how many times a task may be reassigned within the
	// retention window.
	MaxPerTask int
	// Retention is how long reassignment history is kept.
	Retention time.Duration
	// PurgeInterval is how often expired history is removed.
	PurgeInterval time.Duration
}

// DefaultReassignmentConfig returns the default reassignment configuration.
func DefaultReassignmentConfig() ReassignmentConfig {
	return ReassignmentConfig{
		MaxPerTask:    3,
		Retention:     7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
	}
}

// ReassignmentManager moves tasks off failed agents. Every attempt is
// recorded; attempts that found no replacement carry a null target. The
// per-task cap counts all attempts inside the retention window, so a task
// that keeps losing its agent eventually stops moving and waits for its
// next natural run.
type ReassignmentManager struct {
	allocator *Allocator
	history   database.ReassignmentRepository
	metrics   *metrics.OrchestratorMetrics
	logger    *slog.Logger
	cfg       ReassignmentConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReassignmentManager creates a new ReassignmentManager instance. The
// metrics may be nil.
func NewReassignmentManager(
	allocator *Allocator,
	history database.ReassignmentRepository,
	m *metrics.OrchestratorMetrics,
	logger *slog.Logger,
	cfg ReassignmentConfig,
) *ReassignmentManager {
	if cfg.MaxPerTask == 0 {
		cfg = DefaultReassignmentConfig()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultReassignmentConfig().Retention
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultReassignmentConfig().PurgeInterval
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ReassignmentManager{
		allocator: allocator,
		history:   history,
		metrics:   m,
		logger:    logger.With("component", "reassignment"),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the history purge loop.
func (r *ReassignmentManager) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reassignment manager already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.purgeLoop(ctx)
	}()

	r.logger.Info("reassignment manager started",
		"max_per_task", r.cfg.MaxPerTask,
		"retention", r.cfg.Retention)
	return nil
}

// Stop gracefully stops the purge loop.
func (r *ReassignmentManager) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("reassignment manager stop timed out")
		return ctx.Err()
	}
}

// Reassign picks a replacement agent for the task, excluding the failed one,
// and records the move. It fails when the per-task cap is reached or no
// replacement exists.
func (r *ReassignmentManager) Reassign(ctx context.Context, task *database.Task, fromAgent uuid.UUID, reason string) (uuid.UUID, error) {
	since := time.Now().UTC().Add(-r.cfg.Retention)
	count, err := r.history.CountByTaskSince(ctx, task.ID, since)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to count reassignments for task %s: %w", task.ID, err)
	}
	if count >= int64(r.cfg.MaxPerTask) {
		return uuid.Nil, fmt.Errorf("task %s reached the reassignment limit (%d)", task.ID, r.cfg.MaxPerTask)
	}

	agentID, allocErr := r.allocator.Allocate(ctx, task, []uuid.UUID{fromAgent})

	record := &database.Reassignment{
		TaskID:      task.ID,
		FromAgentID: fromAgent,
		Reason:      reason,
	}
	if allocErr == nil {
		record.ToAgentID = &agentID
	}
	if err := r.history.Create(ctx, record); err != nil {
		r.logger.Warn("failed to record reassignment",
			"task_id", task.ID,
			"error", err)
	}

	if allocErr != nil {
		return uuid.Nil, fmt.Errorf("failed to reallocate task %s: %w", task.ID, allocErr)
	}

	r.metrics.RecordReassignment(reason)
	r.logger.Info("task reassigned",
		"task_id", task.ID,
		"from_agent", fromAgent,
		"to_agent", agentID,
		"reason", reason)

	return agentID, nil
}

// History returns the reassignment records for a task, newest first.
func (r *ReassignmentManager) History(ctx context.Context, taskID uuid.UUID, page database.Pagination) ([]database.Reassignment, error) {
	return r.history.ListByTask(ctx, taskID, page)
}

func (r *ReassignmentManager) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purge(ctx)
		}
	}
}

func (r *ReassignmentManager) purge(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)
	removed, err := r.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to purge reassignment history", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Info("purged reassignment history",
			"removed", removed,
			"cutoff", cutoff)
	}
}

// Package scheduler drives periodic task execution under a global
// concurrency cap. Due tasks are discovered from the repository, ranked by
// derived priority, and handed to the dispatcher once the allocator has
// picked an agent. A reaper loop times out executions that never report
// back.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// delayedPumpInterval is how often parked executions are checked for
// release into the main queue.
const delayedPumpInterval = time.Second

// Allocator selects an agent for a task. Implementations live in the
// allocator package; the scheduler only needs the selection call.
type Allocator interface {
	Allocate(ctx context.Context, task *database.Task, exclude []uuid.UUID) (uuid.UUID, error)
}

// TaskDispatcher delivers assignments and cancellations to agents. onDone,
// when non-nil, is invoked exactly once with the delivery outcome.
type TaskDispatcher interface {
	AssignTask(ctx context.Context, task *database.Task, agentID uuid.UUID, onDone func(error)) error
	CancelTask(ctx context.Context, taskID, agentID uuid.UUID) error
}

// Reassigner moves a timed out task to a replacement agent, recording the
// move and enforcing the per-task reassignment cap.
type Reassigner interface {
	Reassign(ctx context.Context, task *database.Task, fromAgent uuid.UUID, reason string) (uuid.UUID, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	MaxConcurrentTasks int
	CheckInterval      time.Duration
	TaskTimeout        time.Duration
	ReaperInterval     time.Duration
	RetryDelay         time.Duration
	DiscoverBatchSize  int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 100,
		CheckInterval:      10 * time.Second,
		TaskTimeout:        300 * time.Second,
		ReaperInterval:     30 * time.Second,
		RetryDelay:         60 * time.Second,
		DiscoverBatchSize:  100,
	}
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	RetryDepth    int    `json:"retry_depth"`
	DelayedDepth  int    `json:"delayed_depth"`
	Executing     int    `json:"executing"`
	TotalExecuted uint64 `json:"total_executed"`
	TotalFailed   uint64 `json:"total_failed"`
	TotalTimeout  uint64 `json:"total_timeout"`
}

// Scheduler coordinates periodic task execution.
type Scheduler struct {
	tasks      database.TaskRepository
	results    database.ResultRepository
	alloc      Allocator
	dispatcher TaskDispatcher
	reassigner Reassigner
	events     events.Publisher
	metrics    *metrics.OrchestratorMetrics
	logger     *slog.Logger

	queue   *Queue
	retry   *retryQueue
	delayed *delayedQueue

	cfg Config

	mu            sync.Mutex
	executing     map[uuid.UUID]*QueuedTask
	startTimes    map[uuid.UUID]time.Time
	totalExecuted uint64
	totalFailed   uint64
	totalTimeout  uint64
	running       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler instance. The reassigner may be nil,
// in which case timed out tasks fall back to the retry queue. The publisher
// and metrics may be nil.
func NewScheduler(
	tasks database.TaskRepository,
	results database.ResultRepository,
	alloc Allocator,
	dispatcher TaskDispatcher,
	reassigner Reassigner,
	pub events.Publisher,
	m *metrics.OrchestratorMetrics,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	if cfg.CheckInterval == 0 {
		cfg = DefaultConfig()
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		tasks:      tasks,
		results:    results,
		alloc:      alloc,
		dispatcher: dispatcher,
		reassigner: reassigner,
		events:     pub,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		queue:      NewQueue(),
		retry:      newRetryQueue(),
		delayed:    newDelayedQueue(),
		cfg:        cfg,
		executing:  make(map[uuid.UUID]*QueuedTask),
		startTimes: make(map[uuid.UUID]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the scheduling, reaper, and delayed-queue pump loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.scheduleLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.reaperLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pumpLoop(ctx)
	}()

	s.logger.Info("scheduler started",
		"check_interval", s.cfg.CheckInterval,
		"max_concurrent_tasks", s.cfg.MaxConcurrentTasks,
		"task_timeout", s.cfg.TaskTimeout,
	)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for goroutines with context timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				s.logger.Error("scheduling cycle error", "error", err)
			}
		}
	}
}

func (s *Scheduler) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx, time.Now().UTC())
		}
	}
}

func (s *Scheduler) pumpLoop(ctx context.Context) {
	ticker := time.NewTicker(delayedPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pumpDelayed(ctx, time.Now().UTC())
		}
	}
}

// RunCycle performs one scheduling iteration: discover due tasks, then
// dispatch from the retry and main queues while capacity remains.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	now := time.Now().UTC()
	if err := s.discover(ctx, now); err != nil {
		return err
	}
	s.drain(ctx, now)
	return nil
}

// discover queries for due tasks and enqueues the ones not already tracked,
// advancing each task's next run by its frequency.
func (s *Scheduler) discover(ctx context.Context, now time.Time) error {
	due, err := s.tasks.GetDue(ctx, now, s.cfg.DiscoverBatchSize)
	if err != nil {
		return fmt.Errorf("failed to discover due tasks: %w", err)
	}

	for i := range due {
		task := &due[i]
		if s.tracked(task.ID) {
			continue
		}

		priority := derivePriority(task, now)
		if err := s.queue.Push(ctx, NewQueuedTask(task, priority, now)); err != nil {
			// Raced with another enqueue path; the task is already queued.
			continue
		}

		next := now.Add(time.Duration(task.FrequencySeconds) * time.Second)
		if err := s.tasks.UpdateNextRun(ctx, task.ID, next); err != nil {
			s.logger.Warn("failed to advance task next run",
				"task_id", task.ID,
				"error", err)
		}

		s.logger.Debug("queued task",
			"task_id", task.ID,
			"priority", priority)
	}

	return nil
}

// drain dispatches queued executions while capacity remains. The retry queue
// is served before the main queue.
func (s *Scheduler) drain(ctx context.Context, now time.Time) {
	for s.hasCapacity() {
		qt := s.retry.popReady(now)
		if qt == nil {
			qt = s.queue.Pop(ctx)
		}
		if qt == nil {
			return
		}

		if err := s.dispatch(ctx, qt); err != nil {
			s.logger.Warn("task dispatch failed",
				"task_id", qt.TaskID,
				"retry_count", qt.RetryCount,
				"error", err)
			s.requeue(qt, now)
		}
	}
}

// dispatch allocates an agent for the queued task and assigns it.
func (s *Scheduler) dispatch(ctx context.Context, qt *QueuedTask) error {
	started := time.Now()

	agentID, err := s.alloc.Allocate(ctx, qt.Task, qt.ExcludeAgents)
	if err != nil {
		s.metrics.RecordTaskScheduled("unallocated", time.Since(started).Seconds())
		return fmt.Errorf("failed to allocate agent for task %s: %w", qt.TaskID, err)
	}

	if err := s.assignTo(ctx, qt, agentID); err != nil {
		s.metrics.RecordTaskScheduled("rejected", time.Since(started).Seconds())
		return err
	}

	s.metrics.RecordTaskScheduled("assigned", time.Since(started).Seconds())
	return nil
}

// assignTo claims an executing slot and sends the assignment. A delivery
// failure reported later through the dispatcher callback releases the slot
// and re-runs the retry budget.
func (s *Scheduler) assignTo(ctx context.Context, qt *QueuedTask, agentID uuid.UUID) error {
	qt.AssignedAgentID = agentID
	if err := s.track(qt); err != nil {
		return err
	}

	onDone := func(err error) {
		if err == nil {
			return
		}
		if s.untrack(qt.TaskID, agentID) {
			s.logger.Warn("task assignment delivery failed",
				"task_id", qt.TaskID,
				"agent_id", agentID,
				"error", err)
			s.requeue(qt, time.Now().UTC())
		}
	}

	if err := s.dispatcher.AssignTask(ctx, qt.Task, agentID, onDone); err != nil {
		s.untrack(qt.TaskID, agentID)
		return fmt.Errorf("failed to assign task %s to agent %s: %w", qt.TaskID, agentID, err)
	}

	s.events.PublishTaskEvent(qt.TaskID, "assigned", map[string]any{
		"agent_id": agentID.String(),
		"priority": qt.Priority,
	})
	s.logger.Info("assigned task to agent",
		"task_id", qt.TaskID,
		"agent_id", agentID,
		"priority", qt.Priority)

	return nil
}

// track claims an executing slot for the task. It is the single point
// enforcing the concurrency cap.
func (s *Scheduler) track(qt *QueuedTask) error {
	s.mu.Lock()
	if _, exists := s.executing[qt.TaskID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task %s is already executing", qt.TaskID)
	}
	if len(s.executing) >= s.cfg.MaxConcurrentTasks {
		s.mu.Unlock()
		return fmt.Errorf("executing set full (%d tasks)", s.cfg.MaxConcurrentTasks)
	}
	s.executing[qt.TaskID] = qt
	s.startTimes[qt.TaskID] = time.Now().UTC()
	inFlight := len(s.executing)
	s.mu.Unlock()

	s.metrics.SetTasksInFlight(float64(inFlight))
	return nil
}

// untrack releases the executing slot if the task is still assigned to the
// given agent. It reports whether an entry was removed.
func (s *Scheduler) untrack(taskID, agentID uuid.UUID) bool {
	s.mu.Lock()
	qt, ok := s.executing[taskID]
	if !ok || qt.AssignedAgentID != agentID {
		s.mu.Unlock()
		return false
	}
	delete(s.executing, taskID)
	delete(s.startTimes, taskID)
	inFlight := len(s.executing)
	s.mu.Unlock()

	s.metrics.SetTasksInFlight(float64(inFlight))
	return true
}

// tracked reports whether the task is queued anywhere or executing.
func (s *Scheduler) tracked(taskID uuid.UUID) bool {
	if s.queue.Contains(taskID) || s.retry.contains(taskID) || s.delayed.contains(taskID) {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executing[taskID]
	return ok
}

// requeue applies the retry budget after a failed dispatch or delivery.
// Exhausted tasks are dropped; they surface again once their next run is due.
func (s *Scheduler) requeue(qt *QueuedTask, now time.Time) {
	if qt.RetryCount >= qt.MaxRetries {
		s.logger.Warn("task dispatch retries exhausted",
			"task_id", qt.TaskID,
			"retries", qt.RetryCount)
		return
	}
	qt.RetryCount++

	if err := s.retry.push(qt, now.Add(s.cfg.RetryDelay)); err != nil {
		s.logger.Warn("failed to queue task for retry",
			"task_id", qt.TaskID,
			"error", err)
		return
	}

	s.metrics.RecordTaskRetry()
	s.logger.Debug("task queued for retry",
		"task_id", qt.TaskID,
		"retry_count", qt.RetryCount)
}

// reap removes executions older than the task timeout, records synthetic
// timeout results, and hands survivors of the retry budget to reassignment.
func (s *Scheduler) reap(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.TaskTimeout)

	type reaped struct {
		qt        *QueuedTask
		startedAt time.Time
	}

	s.mu.Lock()
	var expired []reaped
	for taskID, startedAt := range s.startTimes {
		if startedAt.After(cutoff) {
			continue
		}
		qt, ok := s.executing[taskID]
		delete(s.executing, taskID)
		delete(s.startTimes, taskID)
		if !ok {
			continue
		}
		expired = append(expired, reaped{qt: qt, startedAt: startedAt})
		s.totalExecuted++
		s.totalTimeout++
	}
	inFlight := len(s.executing)
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	s.metrics.SetTasksInFlight(float64(inFlight))

	for _, r := range expired {
		s.metrics.RecordTaskTimeout()
		s.logger.Warn("task execution timed out",
			"task_id", r.qt.TaskID,
			"agent_id", r.qt.AssignedAgentID,
			"started_at", r.startedAt,
			"timeout", s.cfg.TaskTimeout)

		msg := fmt.Sprintf("no result within %s", s.cfg.TaskTimeout)
		synthetic := &database.TaskResult{
			TaskID:       r.qt.TaskID,
			AgentID:      r.qt.AssignedAgentID,
			Status:       database.ResultStatusTimeout,
			ExecutedAt:   r.startedAt,
			ErrorMessage: &msg,
		}
		if err := s.results.Create(ctx, synthetic); err != nil {
			s.logger.Error("failed to persist timeout result",
				"task_id", r.qt.TaskID,
				"error", err)
		}

		s.events.PublishTaskEvent(r.qt.TaskID, "timeout", map[string]any{
			"agent_id": r.qt.AssignedAgentID.String(),
		})

		s.reassign(ctx, r.qt, now, "timeout")
	}
}

// HandleAgentFailure pulls every in-flight execution off the failed agent
// and runs the reassignment budget for each. It returns how many executions
// were affected. No synthetic result is written; the work never timed out,
// it lost its agent.
func (s *Scheduler) HandleAgentFailure(ctx context.Context, agentID uuid.UUID) int {
	s.mu.Lock()
	var orphans []*QueuedTask
	for taskID, qt := range s.executing {
		if qt.AssignedAgentID != agentID {
			continue
		}
		delete(s.executing, taskID)
		delete(s.startTimes, taskID)
		orphans = append(orphans, qt)
	}
	inFlight := len(s.executing)
	s.mu.Unlock()

	if len(orphans) == 0 {
		return 0
	}
	s.metrics.SetTasksInFlight(float64(inFlight))

	now := time.Now().UTC()
	for _, qt := range orphans {
		s.logger.Warn("reassigning task from failed agent",
			"task_id", qt.TaskID,
			"agent_id", agentID)
		s.events.PublishTaskEvent(qt.TaskID, "agent_failed", map[string]any{
			"agent_id": agentID.String(),
		})
		s.reassign(ctx, qt, now, "agent_failure")
	}

	return len(orphans)
}

// reassign runs the retry budget for an execution lost to a timeout or a
// failed agent, preferring the reassignment manager so the move is recorded
// and the failed agent excluded. Without a manager, or when it cannot place
// the task, the retry queue picks it up after the usual delay.
func (s *Scheduler) reassign(ctx context.Context, qt *QueuedTask, now time.Time, reason string) {
	failed := qt.AssignedAgentID
	qt.ExcludeAgents = append(qt.ExcludeAgents, failed)
	qt.AssignedAgentID = uuid.Nil

	if qt.RetryCount >= qt.MaxRetries {
		s.logger.Warn("task retries exhausted",
			"task_id", qt.TaskID,
			"reason", reason,
			"retries", qt.RetryCount)
		return
	}
	qt.RetryCount++
	s.metrics.RecordTaskRetry()

	if s.reassigner != nil {
		agentID, err := s.reassigner.Reassign(ctx, qt.Task, failed, reason)
		if err != nil {
			s.logger.Warn("reassignment failed, deferring retry",
				"task_id", qt.TaskID,
				"error", err)
		} else if err := s.assignTo(ctx, qt, agentID); err != nil {
			s.logger.Warn("reassigned dispatch failed, deferring retry",
				"task_id", qt.TaskID,
				"agent_id", agentID,
				"error", err)
		} else {
			return
		}
	}

	if err := s.retry.push(qt, now.Add(s.cfg.RetryDelay)); err != nil {
		s.logger.Warn("failed to queue task for retry",
			"task_id", qt.TaskID,
			"error", err)
	}
}

// pumpDelayed migrates parked executions whose time has come into the main
// queue.
func (s *Scheduler) pumpDelayed(ctx context.Context, now time.Time) {
	for {
		qt := s.delayed.popReady(now)
		if qt == nil {
			return
		}
		if err := s.queue.Push(ctx, qt); err != nil {
			// Re-queued through discovery in the meantime; drop the
			// parked copy.
			s.logger.Debug("dropping duplicate delayed task", "task_id", qt.TaskID)
			continue
		}
		s.logger.Debug("delayed task released",
			"task_id", qt.TaskID,
			"priority", qt.Priority)
	}
}

// HandleTaskResult settles the executing slot for a finished task and keeps
// the execution counters. Results without a persisted ID are stored here;
// the result collector persists its own records before notifying.
func (s *Scheduler) HandleTaskResult(ctx context.Context, result *database.TaskResult) error {
	s.mu.Lock()
	_, wasTracked := s.executing[result.TaskID]
	if wasTracked {
		delete(s.executing, result.TaskID)
		delete(s.startTimes, result.TaskID)
		s.totalExecuted++
		switch result.Status {
		case database.ResultStatusTimeout:
			s.totalTimeout++
		case database.ResultStatusError:
			s.totalFailed++
		}
	}
	inFlight := len(s.executing)
	s.mu.Unlock()

	if wasTracked {
		s.metrics.SetTasksInFlight(float64(inFlight))
	}

	if result.ID == uuid.Nil {
		if err := s.results.Create(ctx, result); err != nil {
			return fmt.Errorf("failed to persist task result: %w", err)
		}
	}

	s.logger.Debug("task result settled",
		"task_id", result.TaskID,
		"agent_id", result.AgentID,
		"status", result.Status,
		"tracked", wasTracked)

	return nil
}

// ScheduleTaskAt parks a one-shot execution of the task until runAt, after
// which the pump releases it into the main queue. Tasks due immediately go
// straight to the main queue.
func (s *Scheduler) ScheduleTaskAt(ctx context.Context, taskID uuid.UUID, runAt time.Time) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if s.tracked(taskID) {
		return fmt.Errorf("task %s is already scheduled", taskID)
	}

	now := time.Now().UTC()
	qt := NewQueuedTask(task, derivePriority(task, now), now)

	if runAt.After(now) {
		if err := s.delayed.push(qt, runAt); err != nil {
			return err
		}
	} else if err := s.queue.Push(ctx, qt); err != nil {
		return err
	}

	s.logger.Info("task scheduled",
		"task_id", taskID,
		"run_at", runAt.UTC())
	return nil
}

// PauseTask halts future executions of the task and clears its next run. An
// in-flight execution is left to finish; pausing an already paused task is a
// no-op.
func (s *Scheduler) PauseTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.dequeueAll(ctx, taskID)

	if task.Status != database.TaskStatusPaused {
		task.Status = database.TaskStatusPaused
		task.NextRunAt = nil
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("failed to pause task: %w", err)
		}
	}

	s.events.PublishTaskEvent(taskID, "paused", nil)
	s.logger.Info("task paused", "task_id", taskID)
	return nil
}

// ResumeTask reactivates the task and makes it due immediately.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	if task.Status == database.TaskStatusActive && task.NextRunAt != nil {
		return nil
	}

	now := time.Now().UTC()
	task.Status = database.TaskStatusActive
	task.NextRunAt = &now
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("failed to resume task: %w", err)
	}

	s.events.PublishTaskEvent(taskID, "resumed", nil)
	s.logger.Info("task resumed", "task_id", taskID)
	return nil
}

// CancelTask withdraws the task from all queues, cancels any in-flight
// execution on its agent, and leaves the task paused so it can be resumed
// later.
func (s *Scheduler) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.dequeueAll(ctx, taskID)

	s.mu.Lock()
	qt, wasExecuting := s.executing[taskID]
	if wasExecuting {
		delete(s.executing, taskID)
		delete(s.startTimes, taskID)
	}
	inFlight := len(s.executing)
	s.mu.Unlock()

	if wasExecuting {
		s.metrics.SetTasksInFlight(float64(inFlight))
		if err := s.dispatcher.CancelTask(ctx, taskID, qt.AssignedAgentID); err != nil {
			s.logger.Error("failed to send cancel to agent",
				"task_id", taskID,
				"agent_id", qt.AssignedAgentID,
				"error", err)
			// Continue; the slot is already released.
		}
	}

	if task.Status != database.TaskStatusPaused {
		task.Status = database.TaskStatusPaused
		task.NextRunAt = nil
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
	}

	s.events.PublishTaskEvent(taskID, "cancelled", nil)
	s.logger.Info("task cancelled", "task_id", taskID, "was_executing", wasExecuting)
	return nil
}

// UpdateTaskPriority changes the task's base priority and re-ranks any
// queued execution.
func (s *Scheduler) UpdateTaskPriority(ctx context.Context, taskID uuid.UUID, priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, priority)
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	if task.Priority != priority {
		task.Priority = priority
		if err := s.tasks.Update(ctx, task); err != nil {
			return fmt.Errorf("failed to update task priority: %w", err)
		}
	}

	if s.queue.Contains(taskID) {
		derived := derivePriority(task, time.Now().UTC())
		if err := s.queue.UpdatePriority(ctx, taskID, derived); err != nil {
			s.logger.Warn("failed to re-rank queued task",
				"task_id", taskID,
				"error", err)
		}
	}

	s.logger.Info("task priority updated", "task_id", taskID, "priority", priority)
	return nil
}

// ForceExecuteTask dispatches the task immediately at the highest priority,
// bypassing the queues. A task already executing is left alone.
func (s *Scheduler) ForceExecuteTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.mu.Lock()
	_, alreadyExecuting := s.executing[taskID]
	s.mu.Unlock()
	if alreadyExecuting {
		return nil
	}

	// Withdraw any queued copy so the task does not run twice.
	s.dequeueAll(ctx, taskID)

	now := time.Now().UTC()
	qt := NewQueuedTask(task, MaxPriority, now)
	if err := s.dispatch(ctx, qt); err != nil {
		return err
	}

	s.logger.Info("task force executed", "task_id", taskID)
	return nil
}

// IsExecuting reports whether the task currently holds an executing slot.
func (s *Scheduler) IsExecuting(taskID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executing[taskID]
	return ok
}

// ExecutingByAgent returns the number of in-flight executions per agent.
func (s *Scheduler) ExecutingByAgent() map[uuid.UUID]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[uuid.UUID]int, len(s.executing))
	for _, qt := range s.executing {
		counts[qt.AssignedAgentID]++
	}
	return counts
}

// Stats returns a snapshot of queue depths and execution counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	executing := len(s.executing)
	executed, failed, timedOut := s.totalExecuted, s.totalFailed, s.totalTimeout
	s.mu.Unlock()

	return Stats{
		QueueDepth:    s.queue.Len(),
		RetryDepth:    s.retry.len(),
		DelayedDepth:  s.delayed.len(),
		Executing:     executing,
		TotalExecuted: executed,
		TotalFailed:   failed,
		TotalTimeout:  timedOut,
	}
}

func (s *Scheduler) hasCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executing) < s.cfg.MaxConcurrentTasks
}

func (s *Scheduler) dequeueAll(ctx context.Context, taskID uuid.UUID) {
	s.queue.Remove(ctx, taskID)
	s.retry.remove(taskID)
	s.delayed.remove(taskID)
}

// derivePriority computes queue priority from the task's base priority, its
// execution frequency, and how far behind schedule it is. High-frequency
// probes and lagging tasks rank higher.
func derivePriority(task *database.Task, now time.Time) int {
	p := task.Priority

	switch {
	case task.FrequencySeconds <= 60:
		p += 2
	case task.FrequencySeconds <= 300:
		p++
	}

	if task.NextRunAt != nil {
		lag := now.Sub(*task.NextRunAt)
		switch {
		case lag > 5*time.Minute:
			p += 3
		case lag > time.Minute:
			p++
		}
	}

	if p < MinPriority {
		p = MinPriority
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	return p
}

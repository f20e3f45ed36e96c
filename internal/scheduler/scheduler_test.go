package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/wire"
)

type schedulerMocks struct {
	tasks      *MockTaskRepo
	results    *MockResultRepo
	alloc      *MockAllocator
	dispatcher *MockTaskDispatcher
	reassigner *MockReassigner
	events     *eventRecorder
}

func newTestScheduler(cfg Config) (*Scheduler, *schedulerMocks) {
	m := &schedulerMocks{
		tasks:      new(MockTaskRepo),
		results:    new(MockResultRepo),
		alloc:      new(MockAllocator),
		dispatcher: new(MockTaskDispatcher),
		reassigner: new(MockReassigner),
		events:     &eventRecorder{},
	}
	s := NewScheduler(m.tasks, m.results, m.alloc, m.dispatcher, m.reassigner, m.events, nil, testLogger(), cfg)
	return s, m
}

func testConfig() Config {
	return Config{
		MaxConcurrentTasks: 10,
		CheckInterval:      time.Hour,
		TaskTimeout:        5 * time.Minute,
		ReaperInterval:     time.Hour,
		RetryDelay:         0,
		DiscoverBatchSize:  100,
	}
}

func activeTask(freq int) *database.Task {
	lastDue := time.Now().UTC().Add(-time.Second)
	port := 443
	return &database.Task{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		Protocol:         wire.ProtocolHTTP,
		Target:           "example.com",
		Port:             &port,
		FrequencySeconds: freq,
		TimeoutSeconds:   30,
		Status:           database.TaskStatusActive,
		NextRunAt:        &lastDue,
	}
}

func sameTask(id uuid.UUID) func(*database.Task) bool {
	return func(task *database.Task) bool {
		return task != nil && task.ID == id
	}
}

// seedExecuting places a task directly into the executing set, as if it had
// been dispatched startedAgo in the past.
func seedExecuting(s *Scheduler, task *database.Task, agentID uuid.UUID, startedAgo time.Duration) *QueuedTask {
	now := time.Now().UTC()
	qt := NewQueuedTask(task, 2, now.Add(-startedAgo))
	qt.AssignedAgentID = agentID

	s.mu.Lock()
	s.executing[task.ID] = qt
	s.startTimes[task.ID] = now.Add(-startedAgo)
	s.mu.Unlock()
	return qt
}

func TestScheduler_RunCycleAssignsDueTask(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	agentID := uuid.New()

	s, m := newTestScheduler(testConfig())

	// Setup expectations
	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*task}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, task.ID, mock.AnythingOfType("time.Time")).
		Return(nil).Once()
	m.alloc.On("Allocate", ctx, mock.MatchedBy(sameTask(task.ID)), mock.Anything).
		Return(agentID, nil).Once()
	m.dispatcher.On("AssignTask", ctx, mock.MatchedBy(sameTask(task.ID)), agentID, mock.Anything).
		Return(nil).Once()

	// Execute
	require.NoError(t, s.RunCycle(ctx))

	// Assert
	assert.True(t, s.IsExecuting(task.ID))
	stats := s.Stats()
	assert.Equal(t, 1, stats.Executing)
	assert.Equal(t, 0, stats.QueueDepth)

	var next time.Time
	for _, call := range m.tasks.Calls {
		if call.Method == "UpdateNextRun" {
			next = call.Arguments.Get(2).(time.Time)
		}
	}
	assert.WithinDuration(t, time.Now().UTC().Add(60*time.Second), next, 2*time.Second,
		"next run advances by the task frequency")

	assert.Contains(t, m.events.published(), "assigned")
	m.tasks.AssertExpectations(t)
	m.alloc.AssertExpectations(t)
	m.dispatcher.AssertExpectations(t)
}

func TestScheduler_RunCycleDiscoverError(t *testing.T) {
	ctx := context.Background()
	s, m := newTestScheduler(testConfig())

	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return(nil, errors.New("connection refused")).Once()

	err := s.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to discover due tasks")
}

func TestScheduler_DiscoverSkipsTracked(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	now := time.Now().UTC()

	s, m := newTestScheduler(testConfig())
	require.NoError(t, s.queue.Push(ctx, NewQueuedTask(task, 1, now)))

	m.tasks.On("GetDue", ctx, now, 100).
		Return([]database.Task{*task}, nil).Once()

	require.NoError(t, s.discover(ctx, now))

	assert.Equal(t, 1, s.queue.Len(), "no duplicate enqueue")
	m.tasks.AssertNotCalled(t, "UpdateNextRun", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_PriorityDerivation(t *testing.T) {
	now := time.Now().UTC()
	past := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		base int
		freq int
		next *time.Time
		want int
	}{
		{"slow task no lag", 0, 3600, past(time.Second), 0},
		{"minute frequency", 0, 60, past(time.Second), 2},
		{"five minute frequency", 0, 300, past(time.Second), 1},
		{"heavy lag clamps at ceiling", 0, 30, past(6 * time.Minute), 4},
		{"moderate lag", 1, 600, past(90 * time.Second), 2},
		{"high base plus frequency clamps", 3, 60, past(time.Second), 4},
		{"no next run means no lag bonus", 1, 3600, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &database.Task{
				Priority:         tt.base,
				FrequencySeconds: tt.freq,
				NextRunAt:        tt.next,
			}
			assert.Equal(t, tt.want, derivePriority(task, now))
		})
	}
}

func TestScheduler_CapacityCap(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1

	t1, t2 := activeTask(60), activeTask(60)
	agentID := uuid.New()

	s, m := newTestScheduler(cfg)
	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*t1, *t2}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, mock.Anything, mock.Anything).Return(nil).Twice()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).Return(agentID, nil).Once()
	m.dispatcher.On("AssignTask", ctx, mock.Anything, agentID, mock.Anything).Return(nil).Once()

	require.NoError(t, s.RunCycle(ctx))

	stats := s.Stats()
	assert.Equal(t, 1, stats.Executing, "cap respected")
	assert.Equal(t, 1, stats.QueueDepth, "second task waits in queue")
	m.alloc.AssertExpectations(t)
	m.dispatcher.AssertExpectations(t)
}

func TestScheduler_AllocationFailureRetriesLater(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryDelay = time.Minute

	task := activeTask(60)
	s, m := newTestScheduler(cfg)

	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*task}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, task.ID, mock.Anything).Return(nil).Once()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).
		Return(uuid.Nil, errors.New("no suitable agent")).Once()

	require.NoError(t, s.RunCycle(ctx))

	stats := s.Stats()
	assert.Equal(t, 0, stats.Executing)
	assert.Equal(t, 1, stats.RetryDepth, "failed dispatch parks on the retry queue")
	m.dispatcher.AssertNotCalled(t, "AssignTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_RetryRedispatchSameCycle(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	agentID := uuid.New()

	// Zero retry delay makes the parked entry immediately ready again.
	s, m := newTestScheduler(testConfig())

	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*task}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, task.ID, mock.Anything).Return(nil).Once()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).
		Return(uuid.Nil, errors.New("no suitable agent")).Once()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).
		Return(agentID, nil).Once()
	m.dispatcher.On("AssignTask", ctx, mock.Anything, agentID, mock.Anything).Return(nil).Once()

	require.NoError(t, s.RunCycle(ctx))

	assert.True(t, s.IsExecuting(task.ID))
	assert.Equal(t, 0, s.Stats().RetryDepth)
	assert.Equal(t, 2, countCalls(&m.alloc.Mock, "Allocate"))

	s.mu.Lock()
	assert.Equal(t, 1, s.executing[task.ID].RetryCount)
	s.mu.Unlock()
}

func TestScheduler_RetryExhaustionAbandons(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)

	s, m := newTestScheduler(testConfig())

	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*task}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, task.ID, mock.Anything).Return(nil).Once()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).
		Return(uuid.Nil, errors.New("no suitable agent"))

	require.NoError(t, s.RunCycle(ctx))

	stats := s.Stats()
	assert.Equal(t, 0, stats.Executing)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.RetryDepth, "exhausted tasks are dropped until next due")
	assert.Equal(t, 1+DefaultMaxRetries, countCalls(&m.alloc.Mock, "Allocate"))
}

func TestScheduler_AssignRejectionRequeues(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	agentID := uuid.New()

	s, m := newTestScheduler(testConfig())

	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*task}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, task.ID, mock.Anything).Return(nil).Once()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).Return(agentID, nil).Twice()
	m.dispatcher.On("AssignTask", ctx, mock.Anything, agentID, mock.Anything).
		Return(errors.New("queue full")).Once()
	m.dispatcher.On("AssignTask", ctx, mock.Anything, agentID, mock.Anything).
		Return(nil).Once()

	require.NoError(t, s.RunCycle(ctx))

	assert.True(t, s.IsExecuting(task.ID))
	assert.Equal(t, 2, countCalls(&m.dispatcher.Mock, "AssignTask"))
}

func TestScheduler_DeliveryFailureFreesSlotAndRequeues(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryDelay = time.Minute

	task := activeTask(60)
	agentID := uuid.New()

	s, m := newTestScheduler(cfg)

	var onDone func(error)
	m.tasks.On("GetDue", ctx, mock.AnythingOfType("time.Time"), 100).
		Return([]database.Task{*task}, nil).Once()
	m.tasks.On("UpdateNextRun", ctx, task.ID, mock.Anything).Return(nil).Once()
	m.alloc.On("Allocate", ctx, mock.Anything, mock.Anything).Return(agentID, nil).Once()
	m.dispatcher.On("AssignTask", ctx, mock.Anything, agentID, mock.Anything).
		Run(func(args mock.Arguments) {
			onDone = args.Get(3).(func(error))
		}).
		Return(nil).Once()

	require.NoError(t, s.RunCycle(ctx))
	require.True(t, s.IsExecuting(task.ID))
	require.NotNil(t, onDone)

	onDone(errors.New("connection lost"))

	assert.False(t, s.IsExecuting(task.ID), "delivery failure frees the slot")
	assert.Equal(t, 1, s.Stats().RetryDepth)
}

func TestScheduler_ReapTimesOutAndReassigns(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	agentA, agentB := uuid.New(), uuid.New()

	s, m := newTestScheduler(testConfig())
	seedExecuting(s, task, agentA, 10*time.Minute)

	var recorded *database.TaskResult
	m.results.On("Create", ctx, mock.AnythingOfType("*database.TaskResult")).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(*database.TaskResult)
		}).
		Return(nil).Once()
	m.reassigner.On("Reassign", ctx, mock.MatchedBy(sameTask(task.ID)), agentA, "timeout").
		Return(agentB, nil).Once()
	m.dispatcher.On("AssignTask", ctx, mock.MatchedBy(sameTask(task.ID)), agentB, mock.Anything).
		Return(nil).Once()

	s.reap(ctx, time.Now().UTC())

	require.NotNil(t, recorded)
	assert.Equal(t, database.ResultStatusTimeout, recorded.Status)
	assert.Equal(t, agentA, recorded.AgentID)
	require.NotNil(t, recorded.ErrorMessage)
	assert.Contains(t, *recorded.ErrorMessage, "no result within")

	require.True(t, s.IsExecuting(task.ID), "reassigned to the replacement agent")
	s.mu.Lock()
	assert.Equal(t, agentB, s.executing[task.ID].AssignedAgentID)
	assert.Equal(t, []uuid.UUID{agentA}, s.executing[task.ID].ExcludeAgents)
	s.mu.Unlock()

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.TotalExecuted)
	assert.Equal(t, uint64(1), stats.TotalTimeout)
	assert.Contains(t, m.events.published(), "timeout")
	m.reassigner.AssertExpectations(t)
	m.dispatcher.AssertExpectations(t)
}

func TestScheduler_ReapWithoutReassignerGoesToRetry(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RetryDelay = time.Minute

	task := activeTask(60)
	agentA := uuid.New()

	m := &schedulerMocks{
		tasks:      new(MockTaskRepo),
		results:    new(MockResultRepo),
		alloc:      new(MockAllocator),
		dispatcher: new(MockTaskDispatcher),
		events:     &eventRecorder{},
	}
	s := NewScheduler(m.tasks, m.results, m.alloc, m.dispatcher, nil, m.events, nil, testLogger(), cfg)
	seedExecuting(s, task, agentA, 10*time.Minute)

	m.results.On("Create", ctx, mock.AnythingOfType("*database.TaskResult")).Return(nil).Once()

	now := time.Now().UTC()
	s.reap(ctx, now)

	assert.False(t, s.IsExecuting(task.ID))
	assert.Equal(t, 1, s.Stats().RetryDepth)

	// The parked entry carries the exclusion when it comes up again.
	qt := s.retry.popReady(now.Add(2 * time.Minute))
	require.NotNil(t, qt)
	assert.Equal(t, []uuid.UUID{agentA}, qt.ExcludeAgents)
	assert.Equal(t, 1, qt.RetryCount)
}

func TestScheduler_ReapLeavesFreshTasks(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)

	s, m := newTestScheduler(testConfig())
	seedExecuting(s, task, uuid.New(), time.Second)

	s.reap(ctx, time.Now().UTC())

	assert.True(t, s.IsExecuting(task.ID))
	m.results.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestScheduler_HandleTaskResult(t *testing.T) {
	ctx := context.Background()

	t.Run("settles executing slot without re-persisting", func(t *testing.T) {
		task := activeTask(60)
		agentID := uuid.New()
		s, m := newTestScheduler(testConfig())
		seedExecuting(s, task, agentID, time.Second)

		res := &database.TaskResult{
			ID:      uuid.New(),
			TaskID:  task.ID,
			AgentID: agentID,
			Status:  database.ResultStatusSuccess,
		}
		require.NoError(t, s.HandleTaskResult(ctx, res))

		assert.False(t, s.IsExecuting(task.ID))
		stats := s.Stats()
		assert.Equal(t, uint64(1), stats.TotalExecuted)
		assert.Equal(t, uint64(0), stats.TotalFailed)
		m.results.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("failed result counts as failure", func(t *testing.T) {
		task := activeTask(60)
		s, _ := newTestScheduler(testConfig())
		seedExecuting(s, task, uuid.New(), time.Second)

		res := &database.TaskResult{
			ID:     uuid.New(),
			TaskID: task.ID,
			Status: database.ResultStatusError,
		}
		require.NoError(t, s.HandleTaskResult(ctx, res))

		stats := s.Stats()
		assert.Equal(t, uint64(1), stats.TotalExecuted)
		assert.Equal(t, uint64(1), stats.TotalFailed)
	})

	t.Run("persists records without an ID", func(t *testing.T) {
		task := activeTask(60)
		s, m := newTestScheduler(testConfig())

		res := &database.TaskResult{
			TaskID: task.ID,
			Status: database.ResultStatusSuccess,
		}
		m.results.On("Create", ctx, res).Return(nil).Once()

		require.NoError(t, s.HandleTaskResult(ctx, res))
		m.results.AssertExpectations(t)

		// Untracked results do not move the counters.
		assert.Equal(t, uint64(0), s.Stats().TotalExecuted)
	})

	t.Run("persistence failure surfaces", func(t *testing.T) {
		s, m := newTestScheduler(testConfig())
		res := &database.TaskResult{TaskID: uuid.New(), Status: database.ResultStatusSuccess}
		m.results.On("Create", ctx, res).Return(errors.New("insert failed")).Once()

		err := s.HandleTaskResult(ctx, res)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to persist task result")
	})
}

func TestScheduler_PauseTask(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)

	s, m := newTestScheduler(testConfig())
	m.tasks.On("Get", ctx, task.ID).Return(task, nil)
	m.tasks.On("Update", ctx, task).Return(nil).Once()

	require.NoError(t, s.queue.Push(ctx, NewQueuedTask(task, 1, time.Now().UTC())))

	require.NoError(t, s.PauseTask(ctx, task.ID))

	assert.Equal(t, database.TaskStatusPaused, task.Status)
	assert.Nil(t, task.NextRunAt, "pausing clears the next run")
	assert.False(t, s.queue.Contains(task.ID), "queued copy withdrawn")
	assert.Contains(t, m.events.published(), "paused")

	// Pausing an already paused task changes nothing.
	require.NoError(t, s.PauseTask(ctx, task.ID))
	assert.Equal(t, 1, countCalls(&m.tasks.Mock, "Update"))
}

func TestScheduler_ResumeTask(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	task.Status = database.TaskStatusPaused
	task.NextRunAt = nil

	s, m := newTestScheduler(testConfig())
	m.tasks.On("Get", ctx, task.ID).Return(task, nil)
	m.tasks.On("Update", ctx, task).Return(nil).Once()

	require.NoError(t, s.ResumeTask(ctx, task.ID))

	assert.Equal(t, database.TaskStatusActive, task.Status)
	require.NotNil(t, task.NextRunAt, "resuming restores a due time")
	assert.WithinDuration(t, time.Now().UTC(), *task.NextRunAt, 2*time.Second)
	assert.Contains(t, m.events.published(), "resumed")

	// Resuming an active task is a no-op.
	require.NoError(t, s.ResumeTask(ctx, task.ID))
	assert.Equal(t, 1, countCalls(&m.tasks.Mock, "Update"))
}

func TestScheduler_PauseResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)

	s, m := newTestScheduler(testConfig())
	m.tasks.On("Get", ctx, task.ID).Return(task, nil)
	m.tasks.On("Update", ctx, task).Return(nil).Twice()

	require.NoError(t, s.PauseTask(ctx, task.ID))
	require.NoError(t, s.ResumeTask(ctx, task.ID))

	assert.Equal(t, database.TaskStatusActive, task.Status)
	assert.NotNil(t, task.NextRunAt)
}

func TestScheduler_CancelExecutingTask(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	agentID := uuid.New()

	s, m := newTestScheduler(testConfig())
	seedExecuting(s, task, agentID, time.Second)

	m.tasks.On("Get", ctx, task.ID).Return(task, nil)
	m.tasks.On("Update", ctx, task).Return(nil).Once()
	m.dispatcher.On("CancelTask", ctx, task.ID, agentID).Return(nil).Once()

	require.NoError(t, s.CancelTask(ctx, task.ID))

	assert.False(t, s.IsExecuting(task.ID))
	assert.Equal(t, database.TaskStatusPaused, task.Status)
	assert.Nil(t, task.NextRunAt)
	assert.Contains(t, m.events.published(), "cancelled")
	m.dispatcher.AssertExpectations(t)
}

func TestScheduler_CancelQueuedTask(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)

	s, m := newTestScheduler(testConfig())
	require.NoError(t, s.queue.Push(ctx, NewQueuedTask(task, 1, time.Now().UTC())))

	m.tasks.On("Get", ctx, task.ID).Return(task, nil)
	m.tasks.On("Update", ctx, task).Return(nil).Once()

	require.NoError(t, s.CancelTask(ctx, task.ID))

	assert.False(t, s.queue.Contains(task.ID))
	m.dispatcher.AssertNotCalled(t, "CancelTask", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_CancelUnknownTask(t *testing.T) {
	ctx := context.Background()
	s, m := newTestScheduler(testConfig())

	missing := uuid.New()
	m.tasks.On("Get", ctx, missing).Return(nil, nil)

	err := s.CancelTask(ctx, missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")
}

func TestScheduler_UpdateTaskPriority(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects out of range", func(t *testing.T) {
		s, _ := newTestScheduler(testConfig())
		err := s.UpdateTaskPriority(ctx, uuid.New(), 9)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "priority must be between")
	})

	t.Run("persists and re-ranks queued copy", func(t *testing.T) {
		// Hourly tasks with negligible lag derive priority straight from
		// the base value.
		taskA := activeTask(3600)
		taskB := activeTask(3600)

		s, m := newTestScheduler(testConfig())
		now := time.Now().UTC()
		require.NoError(t, s.queue.Push(ctx, NewQueuedTask(taskA, 0, now)))
		require.NoError(t, s.queue.Push(ctx, NewQueuedTask(taskB, 2, now)))

		m.tasks.On("Get", ctx, taskA.ID).Return(taskA, nil)
		m.tasks.On("Update", ctx, taskA).Return(nil).Once()

		require.NoError(t, s.UpdateTaskPriority(ctx, taskA.ID, 4))

		assert.Equal(t, 4, taskA.Priority)
		assert.Equal(t, taskA.ID, s.queue.Pop(ctx).TaskID, "boosted task now ranks first")

		// Setting the same priority again skips the write.
		require.NoError(t, s.UpdateTaskPriority(ctx, taskA.ID, 4))
		assert.Equal(t, 1, countCalls(&m.tasks.Mock, "Update"))
	})
}

func TestScheduler_ForceExecuteTask(t *testing.T) {
	ctx := context.Background()
	task := activeTask(60)
	agentID := uuid.New()

	s, m := newTestScheduler(testConfig())
	m.tasks.On("Get", ctx, task.ID).Return(task, nil)
	m.alloc.On("Allocate", ctx, mock.MatchedBy(sameTask(task.ID)), mock.Anything).
		Return(agentID, nil).Once()
	m.dispatcher.On("AssignTask", ctx, mock.MatchedBy(sameTask(task.ID)), agentID, mock.Anything).
		Return(nil).Once()

	require.NoError(t, s.queue.Push(ctx, NewQueuedTask(task, 1, time.Now().UTC())))

	require.NoError(t, s.ForceExecuteTask(ctx, task.ID))

	assert.True(t, s.IsExecuting(task.ID))
	assert.Equal(t, 0, s.queue.Len(), "queued copy withdrawn before immediate dispatch")
	s.mu.Lock()
	assert.Equal(t, MaxPriority, s.executing[task.ID].Priority)
	s.mu.Unlock()

	// Already executing: no second dispatch.
	require.NoError(t, s.ForceExecuteTask(ctx, task.ID))
	assert.Equal(t, 1, countCalls(&m.alloc.Mock, "Allocate"))
}

func TestScheduler_ScheduleTaskAt(t *testing.T) {
	ctx := context.Background()
	task := activeTask(600)

	s, m := newTestScheduler(testConfig())
	m.tasks.On("Get", ctx, task.ID).Return(task, nil)

	runAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.ScheduleTaskAt(ctx, task.ID, runAt))
	assert.Equal(t, 1, s.Stats().DelayedDepth)

	// Not released before its time.
	s.pumpDelayed(ctx, time.Now().UTC())
	assert.Equal(t, 0, s.queue.Len())

	// Released once due.
	s.pumpDelayed(ctx, runAt.Add(time.Second))
	assert.Equal(t, 1, s.queue.Len())
	assert.Equal(t, 0, s.Stats().DelayedDepth)

	// Double scheduling is rejected while the task is tracked.
	err := s.ScheduleTaskAt(ctx, task.ID, runAt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already scheduled")
}

func TestScheduler_ScheduleTaskAtImmediate(t *testing.T) {
	ctx := context.Background()
	task := activeTask(600)

	s, m := newTestScheduler(testConfig())
	m.tasks.On("Get", ctx, task.ID).Return(task, nil)

	require.NoError(t, s.ScheduleTaskAt(ctx, task.ID, time.Now().UTC().Add(-time.Second)))

	assert.Equal(t, 1, s.queue.Len(), "past run times enqueue directly")
	assert.Equal(t, 0, s.Stats().DelayedDepth)
}

func TestScheduler_HandleAgentFailureReassigns(t *testing.T) {
	ctx := context.Background()
	taskA, taskB, taskC := activeTask(60), activeTask(60), activeTask(60)
	failedAgent, otherAgent, replacement := uuid.New(), uuid.New(), uuid.New()

	s, m := newTestScheduler(testConfig())
	seedExecuting(s, taskA, failedAgent, time.Second)
	seedExecuting(s, taskB, failedAgent, time.Second)
	seedExecuting(s, taskC, otherAgent, time.Second)

	m.reassigner.On("Reassign", ctx, mock.Anything, failedAgent, "agent_failure").
		Return(replacement, nil).Twice()
	m.dispatcher.On("AssignTask", ctx, mock.Anything, replacement, mock.Anything).
		Return(nil).Twice()

	moved := s.HandleAgentFailure(ctx, failedAgent)

	assert.Equal(t, 2, moved)
	assert.True(t, s.IsExecuting(taskA.ID))
	assert.True(t, s.IsExecuting(taskB.ID))
	assert.True(t, s.IsExecuting(taskC.ID), "other agent's work untouched")

	counts := s.ExecutingByAgent()
	assert.Equal(t, 2, counts[replacement])
	assert.Equal(t, 1, counts[otherAgent])
	assert.NotContains(t, counts, failedAgent)

	// Losing an agent is not a timeout; no synthetic result is written.
	m.results.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	m.reassigner.AssertExpectations(t)
}

func TestScheduler_HandleAgentFailureNoWork(t *testing.T) {
	ctx := context.Background()
	s, m := newTestScheduler(testConfig())

	assert.Equal(t, 0, s.HandleAgentFailure(ctx, uuid.New()))
	m.reassigner.AssertNotCalled(t, "Reassign", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_StartStop(t *testing.T) {
	cfg := Config{
		MaxConcurrentTasks: 5,
		CheckInterval:      5 * time.Millisecond,
		TaskTimeout:        time.Second,
		ReaperInterval:     5 * time.Millisecond,
		RetryDelay:         time.Second,
		DiscoverBatchSize:  10,
	}
	s, m := newTestScheduler(cfg)
	m.tasks.On("GetDue", mock.Anything, mock.Anything, 10).Return([]database.Task{}, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	err := s.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx), "stop is idempotent")
}

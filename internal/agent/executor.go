package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netpulse/netpulse/internal/agent/probe"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/log"
)

// ErrBusy is returned by Execute when every concurrency slot is taken.
var ErrBusy = errors.New("all execution slots are busy")

// defaultTaskTimeout bounds tasks whose assignment carries no timeout.
const defaultTaskTimeout = 30 * time.Second

// Executor runs probe tasks with a bounded number of concurrent slots and
// a per-task timeout. Running tasks can be cancelled individually or all
// at once during shutdown.
type Executor struct {
	probers probe.Registry
	logger  log.Logger

	slots chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewExecutor creates an executor with maxConcurrent slots.
func NewExecutor(probers probe.Registry, maxConcurrent int, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Executor{
		probers: probers,
		logger:  logger.With("component", "executor"),
		slots:   make(chan struct{}, maxConcurrent),
		active:  make(map[string]context.CancelFunc),
	}
}

// Execute runs one assignment to completion and builds its result. It
// returns ErrBusy without blocking when no slot is free, and
// (nil, context.Canceled) when the task was cancelled mid-flight, in which
// case no result should be reported.
func (e *Executor) Execute(ctx context.Context, assignment *wire.TaskAssignment) (*wire.TaskResult, error) {
	select {
	case e.slots <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-e.slots }()

	prober, ok := e.probers.For(assignment.Protocol)
	if !ok {
		return &wire.TaskResult{
			TaskID:        assignment.TaskID,
			Status:        wire.ResultStatusFailed,
			ErrorMessage:  fmt.Sprintf("unsupported protocol %q", assignment.Protocol),
			ExecutionTime: time.Now().UTC(),
		}, nil
	}

	timeout := defaultTaskTimeout
	if assignment.Timeout > 0 {
		timeout = time.Duration(assignment.Timeout) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.track(assignment.TaskID, cancel)
	defer e.untrack(assignment.TaskID)

	e.logger.Debug().
		Str("task_id", assignment.TaskID).
		Str("protocol", string(assignment.Protocol)).
		Str("target", assignment.Target).
		Dur("timeout", timeout).
		Msg("executing task")

	started := time.Now().UTC()
	outcome, probeErr := prober.Probe(runCtx, probe.Spec{
		Target:     assignment.Target,
		Port:       assignment.Port,
		Parameters: assignment.Parameters,
		Timeout:    timeout,
	})
	elapsed := time.Since(started)

	// A cancelled task produces no report; the orchestrator reaps tasks
	// whose agent went quiet.
	if errors.Is(runCtx.Err(), context.Canceled) {
		return nil, context.Canceled
	}

	result := &wire.TaskResult{
		TaskID:        assignment.TaskID,
		Status:        wire.ResultStatusSuccess,
		ExecutionTime: started,
		Duration:      elapsed.Milliseconds(),
	}
	if outcome != nil {
		result.Metrics = outcome.Metrics
		result.RawData = outcome.Raw
		if outcome.Result != nil {
			if encoded, err := json.Marshal(outcome.Result); err == nil {
				result.Result = encoded
			}
		}
	}
	if probeErr != nil {
		result.ErrorMessage = probeErr.Error()
		if errors.Is(probeErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.Status = wire.ResultStatusTimeout
		} else {
			result.Status = wire.ResultStatusFailed
		}
	}

	e.logger.Debug().
		Str("task_id", assignment.TaskID).
		Str("status", string(result.Status)).
		Int64("duration_ms", result.Duration).
		Msg("task finished")
	return result, nil
}

// Cancel aborts a running task. It reports whether the task was active.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every running task.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.active))
	for _, cancel := range e.active {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Active returns the number of tasks currently executing.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Executor) track(taskID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[taskID] = cancel
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, taskID)
}

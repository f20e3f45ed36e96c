package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// RecoveryConfig holds reconnect recovery settings.
type RecoveryConfig struct {
	// MaxAttempts is the number of reconnect checks before giving up.
	MaxAttempts int
	// Delay is the wait before the first attempt.
	Delay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
}

// DefaultRecoveryConfig returns the default recovery settings: three
// attempts at 5, 10, and 20 seconds.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
		Multiplier:  2,
	}
}

// ExhaustedFunc is invoked when recovery gives up on an agent.
type ExhaustedFunc func(agentID uuid.UUID)

// RecoveryManager waits for agents that dropped unexpectedly to reconnect on
// their own, marking them offline when they do not. Recovery loops for the
// same agent coalesce.
type RecoveryManager struct {
	pool        *Pool
	agents      database.AgentRepository
	metrics     *metrics.OrchestratorMetrics
	cfg         RecoveryConfig
	logger      *slog.Logger
	onExhausted ExhaustedFunc

	mu      sync.Mutex
	active  map[uuid.UUID]chan struct{}
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(pool *Pool, agents database.AgentRepository, m *metrics.OrchestratorMetrics, cfg RecoveryConfig, logger *slog.Logger) *RecoveryManager {
	if cfg.Delay == 0 {
		cfg = DefaultRecoveryConfig()
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryManager{
		pool:    pool,
		agents:  agents,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "recovery_manager"),
		active:  make(map[uuid.UUID]chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// OnExhausted registers a callback fired after an exhausted recovery marks
// the agent offline. Set it before the first Schedule.
func (r *RecoveryManager) OnExhausted(fn ExhaustedFunc) {
	r.onExhausted = fn
}

// Schedule starts a recovery loop for the agent. A schedule for an agent
// already recovering is a no-op.
func (r *RecoveryManager) Schedule(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if _, running := r.active[agentID]; running {
		return
	}

	cancelCh := make(chan struct{})
	r.active[agentID] = cancelCh
	r.wg.Add(1)
	go r.run(agentID, cancelCh)

	r.logger.Info("recovery scheduled",
		"agent_id", agentID,
		"max_attempts", r.cfg.MaxAttempts,
		"delay", r.cfg.Delay,
	)
}

// Cancel stops a pending recovery, typically because the agent reconnected.
func (r *RecoveryManager) Cancel(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.active[agentID]; ok {
		close(ch)
		delete(r.active, agentID)
	}
}

// Recovering reports whether a recovery loop is running for the agent.
func (r *RecoveryManager) Recovering(agentID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[agentID]
	return ok
}

// Stop cancels all recovery loops and waits for them to exit.
func (r *RecoveryManager) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

// run waits through the backoff schedule, checking on each attempt whether
// the agent re-registered on its own.
func (r *RecoveryManager) run(agentID uuid.UUID, cancelCh chan struct{}) {
	defer r.wg.Done()
	defer r.finish(agentID, cancelCh)

	delay := r.cfg.Delay
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-cancelCh:
			timer.Stop()
			r.logger.Info("recovery cancelled", "agent_id", agentID, "attempt", attempt)
			return
		case <-timer.C:
		}

		if r.pool.IsConnected(agentID) {
			r.metrics.RecordRecoveryAttempt("success")
			r.logger.Info("agent reconnected", "agent_id", agentID, "attempt", attempt)
			return
		}

		r.metrics.RecordRecoveryAttempt("failed")
		r.logger.Warn("recovery attempt failed",
			"agent_id", agentID,
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
		)
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.agents.UpdateStatus(ctx, agentID, database.AgentStatusOffline); err != nil {
		r.logger.Error("failed to mark agent offline", "agent_id", agentID, "error", err)
	}
	r.logger.Warn("recovery exhausted, agent marked offline", "agent_id", agentID)

	if r.onExhausted != nil {
		r.onExhausted(agentID)
	}
}

// finish clears the active entry unless a newer loop replaced it.
func (r *RecoveryManager) finish(agentID uuid.UUID, cancelCh chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[agentID] == cancelCh {
		delete(r.active, agentID)
	}
}

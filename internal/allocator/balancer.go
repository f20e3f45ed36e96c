package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// ExecutionCounter exposes how many tasks are in flight per agent. The
// scheduler implements it.
type ExecutionCounter interface {
	ExecutingByAgent() map[uuid.UUID]int
}

// Move is an advisory suggestion to shift work from an overloaded agent to
// an underloaded one. Moves are never executed here; operators apply them
// through explicit cancel and reassign calls.
type Move struct {
	FromAgentID uuid.UUID `json:"from_agent_id"`
	ToAgentID   uuid.UUID `json:"to_agent_id"`
	FromRatio   float64   `json:"from_ratio"`
	ToRatio     float64   `json:"to_ratio"`
}

// BalancerConfig holds configuration for the load balancer.
type BalancerConfig struct {
	// RebalanceInterval is the minimum spacing between rebalance passes.
	RebalanceInterval time.Duration
	// VarianceThreshold is the load ratio variance above which a pass runs.
	VarianceThreshold float64
	// RatioDiffThreshold is the minimum ratio gap for an individual move.
	RatioDiffThreshold float64
	// AvailabilityWindow bounds how stale an agent's heartbeat may be for
	// it to take part in a pass.
	AvailabilityWindow time.Duration
}

// DefaultBalancerConfig returns the default balancer configuration.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		RebalanceInterval:  300 * time.Second,
		VarianceThreshold:  0.1,
		RatioDiffThreshold: 0.3,
		AvailabilityWindow: heartbeatWindow,
	}
}

// LoadBalancer watches the spread of in-flight work across agents and
// suggests moves when it skews. A pass runs at most once per interval and
// only when the variance of per-agent load ratios crosses the threshold.
type LoadBalancer struct {
	agents     database.AgentRepository
	executions ExecutionCounter
	metrics    *metrics.OrchestratorMetrics
	logger     *slog.Logger
	cfg        BalancerConfig

	mu             sync.Mutex
	lastRebalance  time.Time
	lastSuggestion []Move
	running        bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLoadBalancer creates a new LoadBalancer instance. The metrics may be
// nil.
func NewLoadBalancer(
	agents database.AgentRepository,
	executions ExecutionCounter,
	m *metrics.OrchestratorMetrics,
	logger *slog.Logger,
	cfg BalancerConfig,
) *LoadBalancer {
	if cfg.RebalanceInterval == 0 {
		cfg = DefaultBalancerConfig()
	}
	if cfg.AvailabilityWindow <= 0 {
		cfg.AvailabilityWindow = heartbeatWindow
	}
	if m == nil {
		m = metrics.NewOrchestratorMetrics().Orchestrator
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LoadBalancer{
		agents:     agents,
		executions: executions,
		metrics:    m,
		logger:     logger.With("component", "balancer"),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic rebalance loop.
func (b *LoadBalancer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("load balancer already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop(ctx)
	}()

	b.logger.Info("load balancer started",
		"rebalance_interval", b.cfg.RebalanceInterval,
		"variance_threshold", b.cfg.VarianceThreshold)
	return nil
}

// Stop gracefully stops the rebalance loop.
func (b *LoadBalancer) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("load balancer stop timed out")
		return ctx.Err()
	}
}

func (b *LoadBalancer) loop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Rebalance(ctx); err != nil {
				b.logger.Error("rebalance pass failed", "error", err)
			}
		}
	}
}

// Rebalance evaluates the load spread and returns move suggestions. It
// returns nil when a pass ran too recently, when fewer than two agents are
// comparable, or when the spread is within the variance threshold.
func (b *LoadBalancer) Rebalance(ctx context.Context) ([]Move, error) {
	b.mu.Lock()
	tooSoon := time.Since(b.lastRebalance) < b.cfg.RebalanceInterval
	b.mu.Unlock()
	if tooSoon {
		return nil, nil
	}

	agents, err := b.agents.ListAvailable(ctx, b.cfg.AvailabilityWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for rebalance: %w", err)
	}
	counts := b.executions.ExecutingByAgent()

	type loaded struct {
		id    uuid.UUID
		ratio float64
	}
	var byLoad []loaded
	ratios := make([]float64, 0, len(agents))
	for _, agent := range agents {
		if agent.MaxConcurrentTasks <= 0 {
			continue
		}
		ratio := float64(counts[agent.ID]) / float64(agent.MaxConcurrentTasks)
		byLoad = append(byLoad, loaded{id: agent.ID, ratio: ratio})
		ratios = append(ratios, ratio)
	}
	if len(byLoad) < 2 {
		return nil, nil
	}

	if variance(ratios) <= b.cfg.VarianceThreshold {
		return nil, nil
	}

	sort.Slice(byLoad, func(i, j int) bool {
		if byLoad[i].ratio != byLoad[j].ratio {
			return byLoad[i].ratio > byLoad[j].ratio
		}
		return byLoad[i].id.String() < byLoad[j].id.String()
	})

	// Pair the most loaded agent with the least loaded one and walk inward.
	// Once a pair's gap closes below the threshold, every inner pair is
	// narrower still.
	var moves []Move
	for i, j := 0, len(byLoad)-1; i < j; i, j = i+1, j-1 {
		if byLoad[i].ratio-byLoad[j].ratio <= b.cfg.RatioDiffThreshold {
			break
		}
		moves = append(moves, Move{
			FromAgentID: byLoad[i].id,
			ToAgentID:   byLoad[j].id,
			FromRatio:   byLoad[i].ratio,
			ToRatio:     byLoad[j].ratio,
		})
	}

	b.mu.Lock()
	b.lastRebalance = time.Now().UTC()
	b.lastSuggestion = moves
	b.mu.Unlock()

	if len(moves) > 0 {
		b.metrics.RecordRebalance()
		b.logger.Info("rebalance suggested moves",
			"moves", len(moves),
			"agents", len(byLoad))
	}

	return moves, nil
}

// Suggestions returns the moves from the most recent rebalance pass and when
// that pass ran.
func (b *LoadBalancer) Suggestions() ([]Move, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	moves := make([]Move, len(b.lastSuggestion))
	copy(moves, b.lastSuggestion)
	return moves, b.lastRebalance
}

// variance is the population variance of the values.
func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values))
}

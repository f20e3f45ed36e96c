// Package allocator picks agents for probe tasks. Candidates pass a
// filtering pipeline (availability, capability, load, historical readiness)
// and are ranked by a weighted score of location affinity, recent
// performance, and load headroom. When the strict pass leaves no candidates
// the thresholds relax once before allocation fails.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/pkg/metrics"
)

// heartbeatWindow is the default bound on how stale a candidate's
// heartbeat may be.
const heartbeatWindow = 5 * time.Minute

// Relaxed thresholds for the second filter pass. Under pressure a busier
// agent beats no agent at all.
const (
	relaxedMaxAgentLoad    = 0.9
	relaxedMinAvailability = 0.5
)

// Performance score composition: success rate dominates, response time
// refines.
const (
	successRateWeight  = 0.7
	responseTimeWeight = 0.3
)

// Config holds configuration for the allocator.
type Config struct {
	LocationWeight    float64
	PerformanceWeight float64
	LoadWeight        float64
	MaxAgentLoad      float64
	MinAvailability   float64
	PerformanceWindow time.Duration
	// AvailabilityWindow bounds how stale a candidate's heartbeat may be.
	AvailabilityWindow time.Duration
}

// DefaultConfig returns the default allocator configuration.
func DefaultConfig() Config {
	return Config{
		LocationWeight:     0.3,
		PerformanceWeight:  0.4,
		LoadWeight:         0.3,
		MaxAgentLoad:       0.8,
		MinAvailability:    0.7,
		PerformanceWindow:  7 * 24 * time.Hour,
		AvailabilityWindow: heartbeatWindow,
	}
}

// Allocator selects the best available agent for a task.
type Allocator struct {
	agents  database.AgentRepository
	results database.ResultRepository
	metrics *metrics.OrchestratorMetrics
	logger  *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewAllocator creates a new Allocator instance. The metrics may be nil.
func NewAllocator(
	agents database.AgentRepository,
	results database.ResultRepository,
	m *metrics.OrchestratorMetrics,
	logger *slog.Logger,
	cfg Config,
) *Allocator {
	if cfg.PerformanceWindow == 0 {
		cfg = DefaultConfig()
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

	return &Allocator{
		agents:  agents,
		results: results,
		metrics: m,
		logger:  logger.With("component", "allocator"),
		cfg:     cfg,
	}
}

// SetWeights replaces the scoring weights at runtime. Weights must be
// non-negative and sum to a positive value.
func (a *Allocator) SetWeights(location, performance, load float64) error {
	if location < 0 || performance < 0 || load < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if location+performance+load <= 0 {
		return fmt.Errorf("weights must sum to a positive value")
	}

	a.mu.Lock()
	a.cfg.LocationWeight = location
	a.cfg.PerformanceWeight = performance
	a.cfg.LoadWeight = load
	a.mu.Unlock()

	a.logger.Info("scoring weights updated",
		"location", location,
		"performance", performance,
		"load", load)
	return nil
}

// Weights returns the current scoring weights.
func (a *Allocator) Weights() (location, performance, load float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.LocationWeight, a.cfg.PerformanceWeight, a.cfg.LoadWeight
}

func (a *Allocator) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Allocate selects an agent for the task, never one of the excluded agents.
func (a *Allocator) Allocate(ctx context.Context, task *database.Task, exclude []uuid.UUID) (uuid.UUID, error) {
	agent, err := a.allocate(ctx, task, exclude)
	if err != nil {
		return uuid.Nil, err
	}
	return agent.ID, nil
}

func (a *Allocator) allocate(ctx context.Context, task *database.Task, exclude []uuid.UUID) (*database.Agent, error) {
	started := time.Now()
	cfg := a.config()
	strategy := "strict"

	candidates, err := a.filter(ctx, task, exclude, cfg, cfg.MaxAgentLoad, cfg.MinAvailability)
	if err != nil {
		a.metrics.RecordAllocation(strategy, "error", time.Since(started).Seconds())
		return nil, err
	}

	if len(candidates) == 0 {
		strategy = "relaxed"
		candidates, err = a.filter(ctx, task, exclude, cfg, relaxedMaxAgentLoad, relaxedMinAvailability)
		if err != nil {
			a.metrics.RecordAllocation(strategy, "error", time.Since(started).Seconds())
			return nil, err
		}
	}

	if len(candidates) == 0 {
		a.metrics.RecordAllocation(strategy, "exhausted", time.Since(started).Seconds())
		return nil, fmt.Errorf("no suitable agent for task %s", task.ID)
	}

	best, score := a.pick(ctx, task, candidates, cfg)
	a.metrics.RecordAllocation(strategy, "allocated", time.Since(started).Seconds())

	a.logger.Debug("allocated agent",
		"task_id", task.ID,
		"agent_id", best.ID,
		"score", score,
		"candidates", len(candidates),
		"strategy", strategy)

	return best, nil
}

// AllocateBatch places a set of tasks in one planning round. A per-agent
// counter makes an agent ineligible for the rest of the round once it
// reaches its own concurrency cap, so a single strong agent cannot absorb
// the whole batch. Tasks with no eligible agent are left out of the result.
func (a *Allocator) AllocateBatch(ctx context.Context, tasks []*database.Task) map[uuid.UUID]uuid.UUID {
	placements := make(map[uuid.UUID]uuid.UUID, len(tasks))
	counters := make(map[uuid.UUID]int)
	var saturated []uuid.UUID

	for _, task := range tasks {
		agent, err := a.allocate(ctx, task, saturated)
		if err != nil {
			a.logger.Debug("batch allocation skipped task",
				"task_id", task.ID,
				"error", err)
			continue
		}

		placements[task.ID] = agent.ID
		counters[agent.ID]++
		if counters[agent.ID] >= agent.MaxConcurrentTasks {
			saturated = append(saturated, agent.ID)
		}
	}

	return placements
}

// filter builds the candidate set: available per the repository (enabled,
// online or busy, fresh heartbeat), capable of the task protocol, under the
// load ceiling, and at or above the availability floor. Agents without a
// load snapshot pass the load check.
func (a *Allocator) filter(ctx context.Context, task *database.Task, exclude []uuid.UUID, cfg Config, maxLoad, minAvailability float64) ([]database.Agent, error) {
	agents, err := a.agents.ListAvailable(ctx, cfg.AvailabilityWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list available agents: %w", err)
	}

	excluded := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	loadLimit := maxLoad * 100
	var candidates []database.Agent
	for _, agent := range agents {
		if _, skip := excluded[agent.ID]; skip {
			continue
		}
		if !agent.HasCapability(task.Protocol) {
			continue
		}
		if agent.CPUUsage != nil && *agent.CPUUsage >= loadLimit {
			continue
		}
		if agent.MemoryUsage != nil && *agent.MemoryUsage >= loadLimit {
			continue
		}
		if agent.Availability < minAvailability {
			continue
		}
		candidates = append(candidates, agent)
	}

	return candidates, nil
}

// pick scores every candidate and returns the best one. Equal scores break
// deterministically by agent ID so repeated allocations do not flap.
func (a *Allocator) pick(ctx context.Context, task *database.Task, candidates []database.Agent, cfg Config) (*database.Agent, float64) {
	var best *database.Agent
	var bestScore float64

	for i := range candidates {
		agent := &candidates[i]
		score := a.score(ctx, task, agent, cfg)

		better := best == nil || score > bestScore
		if best != nil && score == bestScore && agent.ID.String() < best.ID.String() {
			better = true
		}
		if better {
			best = agent
			bestScore = score
		}
	}

	return best, bestScore
}

// score computes the weighted composite for one candidate.
func (a *Allocator) score(ctx context.Context, task *database.Task, agent *database.Agent, cfg Config) float64 {
	location := locationScore(task, agent)
	performance := a.performanceScore(ctx, agent.ID, cfg.PerformanceWindow)
	load := loadScore(agent)

	return cfg.LocationWeight*location +
		cfg.PerformanceWeight*performance +
		cfg.LoadWeight*load
}

// locationScore rates geographic affinity between the task's placement
// preferences and the agent. Tasks without preferences rate every agent
// equally at the 0.5 baseline.
func locationScore(task *database.Task, agent *database.Agent) float64 {
	score := 0.5
	if task.PreferredCountry != nil && agent.Country != nil &&
		strings.EqualFold(*task.PreferredCountry, *agent.Country) {
		score += 0.3
	}
	if task.PreferredCity != nil && agent.City != nil &&
		strings.EqualFold(*task.PreferredCity, *agent.City) {
		score += 0.2
	}
	if task.PreferredISP != nil && agent.ISP != nil &&
		strings.EqualFold(*task.PreferredISP, *agent.ISP) {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// performanceScore rates the agent's execution history inside the window.
// Agents with no history, or whose history cannot be read, score neutral so
// new agents are not starved of work.
func (a *Allocator) performanceScore(ctx context.Context, agentID uuid.UUID, window time.Duration) float64 {
	perf, err := a.results.GetAgentPerformance(ctx, agentID, time.Now().UTC().Add(-window))
	if err != nil || perf == nil || perf.TotalResults == 0 {
		return 0.5
	}

	rt := 1 - perf.AvgDurationMs/1000
	if rt < 0 {
		rt = 0
	}
	return perf.SuccessRate*successRateWeight + rt*responseTimeWeight
}

// loadScore rates headroom from the latest resource snapshot. Agents that
// have not reported load yet rate full headroom.
func loadScore(agent *database.Agent) float64 {
	if !agent.LoadKnown() {
		return 1.0
	}

	cpu := 1 - *agent.CPUUsage/100
	if cpu < 0 {
		cpu = 0
	}
	mem := 1 - *agent.MemoryUsage/100
	if mem < 0 {
		mem = 0
	}
	return (cpu + mem) / 2
}

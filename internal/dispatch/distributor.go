package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/dedup"
	"github.com/netpulse/netpulse/internal/wire"
)

// Selection strategies for the task distributor.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round_robin"
	StrategyLoadBased       Strategy = "load_based"
	StrategyLocationBased   Strategy = "location_based"
	StrategyCapabilityBased Strategy = "capability_based"

	// StrategyDirect attributes assignments where the caller picked the
	// agent itself, such as scheduler dispatch through the allocator. It
	// is not selectable via DistributeTask.
	StrategyDirect Strategy = "direct"
)

// Valid reports whether s is a strategy DistributeTask can apply.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLoadBased, StrategyLocationBased, StrategyCapabilityBased:
		return true
	}
	return false
}

const (
	// assignmentExpiry bounds how long a task assignment may sit queued
	// before it is no longer worth delivering.
	assignmentExpiry = 5 * time.Minute

	// unknownLoadScore ranks agents without a load snapshot behind lightly
	// loaded agents but ahead of heavily loaded ones.
	unknownLoadScore = 50.0

	// availabilityWindow is how recent a heartbeat must be for the
	// repository-side capability filter.
	availabilityWindow = 5 * time.Minute
)

// Enqueuer is the queue surface the distributor pushes messages onto.
// *Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(msg *Message) error
}

// DistributorStats counts distribution outcomes.
type DistributorStats struct {
	PerAgent    map[uuid.UUID]uint64 `json:"per_agent"`
	PerStrategy map[Strategy]uint64  `json:"per_strategy"`
	Failures    uint64               `json:"failures"`
}

// Distributor hands tasks to connected agents using a pluggable selection
// strategy, then queues the assignment at HIGH priority with a five minute
// expiry. Delivery outcomes feed per-agent and per-strategy counters through
// the message callback.
type Distributor struct {
	enq    Enqueuer
	conns  ConnectionManager
	agents database.AgentRepository
	dedup  dedup.Deduper
	logger *slog.Logger

	mu              sync.Mutex
	rrIndex         int
	defaultStrategy Strategy
	perAgent        map[uuid.UUID]uint64
	perStrategy     map[Strategy]uint64
	failures        uint64
}

// NewDistributor builds a distributor. The deduper may be nil when result
// deduplication is not wired.
func NewDistributor(enq Enqueuer, conns ConnectionManager, agents database.AgentRepository, dd dedup.Deduper, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{
		enq:             enq,
		conns:           conns,
		agents:          agents,
		dedup:           dd,
		logger:          logger.With("component", "task_distributor"),
		defaultStrategy: StrategyLoadBased,
		perAgent:        make(map[uuid.UUID]uint64),
		perStrategy:     make(map[Strategy]uint64),
	}
}

// SetDefaultStrategy replaces the strategy used when DistributeTask is
// called without a valid one.
func (d *Distributor) SetDefaultStrategy(s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("invalid strategy %q", s)
	}
	d.mu.Lock()
	d.defaultStrategy = s
	d.mu.Unlock()
	return nil
}

// DefaultStrategy returns the fallback selection strategy.
func (d *Distributor) DefaultStrategy() Strategy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultStrategy
}

// DistributeTask selects an agent for the task with the given strategy and
// queues a task assignment to it. It returns the selected agent. The
// assignment is delivered asynchronously; delivery failures are counted via
// the message callback after the retry budget is spent.
func (d *Distributor) DistributeTask(ctx context.Context, task *database.Task, strategy Strategy) (uuid.UUID, error) {
	if !strategy.Valid() {
		strategy = d.DefaultStrategy()
	}

	candidates := d.conns.AvailableAgents()
	if len(candidates) == 0 {
		d.recordFailure()
		return uuid.Nil, fmt.Errorf("no agents available for task %s", task.ID)
	}

	agentID, err := d.selectAgent(ctx, task, strategy, candidates)
	if err != nil {
		d.recordFailure()
		return uuid.Nil, err
	}

	if err := d.queueAssignment(ctx, task, agentID, strategy, nil); err != nil {
		return uuid.Nil, err
	}

	d.logger.Debug("task distributed",
		"task_id", task.ID,
		"agent_id", agentID,
		"strategy", strategy)
	return agentID, nil
}

// AssignTask queues a task assignment to an agent the caller already picked,
// bypassing strategy selection. The scheduler uses this path after the
// allocator has chosen the agent. onDone, when non-nil, is invoked exactly
// once with the delivery outcome.
func (d *Distributor) AssignTask(ctx context.Context, task *database.Task, agentID uuid.UUID, onDone func(error)) error {
	if agentID == uuid.Nil {
		return fmt.Errorf("task assignment requires a target agent")
	}
	if err := d.queueAssignment(ctx, task, agentID, StrategyDirect, onDone); err != nil {
		return err
	}
	d.logger.Debug("task assigned", "task_id", task.ID, "agent_id", agentID)
	return nil
}

// queueAssignment clears stale dedup marks and queues a HIGH priority task
// assignment with a five minute expiry. The delivery outcome feeds the
// counters and, when set, onDone.
func (d *Distributor) queueAssignment(ctx context.Context, task *database.Task, agentID uuid.UUID, strategy Strategy, onDone func(error)) error {
	// A fresh assignment legitimizes the next result for this task even if
	// an earlier run already reported.
	if d.dedup != nil {
		if err := d.dedup.Clear(ctx, task.ID.String()); err != nil {
			d.logger.Warn("failed to clear result dedup mark",
				"task_id", task.ID,
				"error", err)
		}
	}

	msg := NewMessage(MessageTypeTaskAssignment, agentID, PriorityHigh, wire.TaskAssignment{
		TaskID:     task.ID.String(),
		Protocol:   task.Protocol,
		Target:     task.Target,
		Port:       task.Port,
		Parameters: task.Parameters,
		Timeout:    task.TimeoutSeconds,
		AssignedAt: time.Now().UTC(),
	}).WithExpiry(assignmentExpiry).WithCallback(func(_ *Message, err error) {
		if err != nil {
			d.logger.Warn("task assignment delivery failed",
				"task_id", task.ID,
				"agent_id", agentID,
				"strategy", strategy,
				"error", err)
			d.recordFailure()
		} else {
			d.recordSuccess(agentID, strategy)
		}
		if onDone != nil {
			onDone(err)
		}
	})

	if err := d.enq.Enqueue(msg); err != nil {
		d.recordFailure()
		return fmt.Errorf("failed to queue task assignment: %w", err)
	}
	return nil
}

// CancelTask queues a HIGH priority cancellation to the agent running the
// task. Cancellations never expire.
func (d *Distributor) CancelTask(ctx context.Context, taskID, agentID uuid.UUID) error {
	msg := NewMessage(MessageTypeTaskCancel, agentID, PriorityHigh, wire.TaskCancel{
		TaskID:      taskID.String(),
		CancelledAt: time.Now().UTC(),
	})
	if err := d.enq.Enqueue(msg); err != nil {
		return fmt.Errorf("failed to queue task cancel: %w", err)
	}
	d.logger.Debug("task cancel queued", "task_id", taskID, "agent_id", agentID)
	return nil
}

// Stats returns a copy of the distribution counters.
func (d *Distributor) Stats() DistributorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := DistributorStats{
		PerAgent:    make(map[uuid.UUID]uint64, len(d.perAgent)),
		PerStrategy: make(map[Strategy]uint64, len(d.perStrategy)),
		Failures:    d.failures,
	}
	for id, n := range d.perAgent {
		stats.PerAgent[id] = n
	}
	for s, n := range d.perStrategy {
		stats.PerStrategy[s] = n
	}
	return stats
}

func (d *Distributor) selectAgent(ctx context.Context, task *database.Task, strategy Strategy, candidates []uuid.UUID) (uuid.UUID, error) {
	// Candidate order comes from map iteration upstream. Sort for
	// deterministic selection under ties.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})

	switch strategy {
	case StrategyRoundRobin:
		return d.nextRoundRobin(candidates), nil
	case StrategyLocationBased:
		// Placeholder until agents report geo labels on this path.
		return candidates[0], nil
	case StrategyCapabilityBased:
		capable, err := d.filterByCapability(ctx, task.Protocol, candidates)
		if err != nil {
			return uuid.Nil, err
		}
		if len(capable) == 0 {
			return uuid.Nil, fmt.Errorf("no agents capable of %s for task %s", task.Protocol, task.ID)
		}
		return d.leastLoaded(capable), nil
	default:
		return d.leastLoaded(candidates), nil
	}
}

func (d *Distributor) nextRoundRobin(candidates []uuid.UUID) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := candidates[d.rrIndex%len(candidates)]
	d.rrIndex++
	return id
}

// leastLoaded picks the agent with the lowest weighted load score. Agents
// without a load snapshot score 50.
func (d *Distributor) leastLoaded(candidates []uuid.UUID) uuid.UUID {
	best := candidates[0]
	bestScore := d.loadScore(candidates[0])
	for _, id := range candidates[1:] {
		if score := d.loadScore(id); score < bestScore {
			best = id
			bestScore = score
		}
	}
	return best
}

func (d *Distributor) loadScore(agentID uuid.UUID) float64 {
	usage, ok := d.conns.AgentLoad(agentID)
	if !ok {
		return unknownLoadScore
	}
	return 0.5*usage.CPUUsage + 0.3*usage.MemoryUsage + 0.2*usage.DiskUsage
}

// filterByCapability keeps candidates whose repository record declares the
// protocol. Agents with no declared capabilities accept any protocol.
func (d *Distributor) filterByCapability(ctx context.Context, protocol wire.Protocol, candidates []uuid.UUID) ([]uuid.UUID, error) {
	available, err := d.agents.ListAvailable(ctx, availabilityWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list available agents: %w", err)
	}

	connected := make(map[uuid.UUID]struct{}, len(candidates))
	for _, id := range candidates {
		connected[id] = struct{}{}
	}

	var capable []uuid.UUID
	for i := range available {
		agent := &available[i]
		if _, ok := connected[agent.ID]; !ok {
			continue
		}
		if agent.HasCapability(protocol) {
			capable = append(capable, agent.ID)
		}
	}
	sort.Slice(capable, func(i, j int) bool {
		return capable[i].String() < capable[j].String()
	})
	return capable, nil
}

func (d *Distributor) recordSuccess(agentID uuid.UUID, strategy Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perAgent[agentID]++
	d.perStrategy[strategy]++
}

func (d *Distributor) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures++
}

package connmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/wire"
)

// Resource names used in load alerts and metrics labels.
const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
	ResourceDisk   = "disk"
)

// LoadThresholds are the per-resource usage percentages above which an agent
// counts as overloaded.
type LoadThresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// LoadConfig holds load monitoring settings.
type LoadConfig struct {
	Thresholds LoadThresholds
	// SampleHistory caps the rolling per-agent sample window.
	SampleHistory int
}

// DefaultLoadConfig returns the default load monitoring settings.
func DefaultLoadConfig() LoadConfig {
	return LoadConfig{
		Thresholds: LoadThresholds{
			CPU:    80,
			Memory: 85,
			Disk:   90,
		},
		SampleHistory: 100,
	}
}

// LoadAlert is an edge-triggered threshold crossing for one resource.
type LoadAlert struct {
	AgentID   uuid.UUID
	Resource  string
	Value     float64
	Threshold float64
	// Recovered is true when the resource dropped back under its threshold.
	Recovered bool
	At        time.Time
}

// LoadMonitor keeps a rolling window of load samples per agent and raises
// edge-triggered alerts on threshold crossings in either direction.
type LoadMonitor struct {
	pool   *Pool
	cfg    LoadConfig
	logger *slog.Logger

	mu      sync.RWMutex
	samples map[uuid.UUID][]wire.ResourceUsage
	above   map[uuid.UUID]map[string]bool
}

// NewLoadMonitor creates a load monitor over the pool.
func NewLoadMonitor(pool *Pool, cfg LoadConfig, logger *slog.Logger) *LoadMonitor {
	if cfg.SampleHistory == 0 {
		cfg = DefaultLoadConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadMonitor{
		pool:    pool,
		cfg:     cfg,
		logger:  logger.With("component", "load_monitor"),
		samples: make(map[uuid.UUID][]wire.ResourceUsage),
		above:   make(map[uuid.UUID]map[string]bool),
	}
}

// Record appends a load sample for the agent and returns the alerts raised
// by threshold crossings. Repeated samples on the same side of a threshold
// raise nothing.
func (lm *LoadMonitor) Record(agentID uuid.UUID, usage wire.ResourceUsage) []LoadAlert {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	window := append(lm.samples[agentID], usage)
	if len(window) > lm.cfg.SampleHistory {
		window = window[len(window)-lm.cfg.SampleHistory:]
	}
	lm.samples[agentID] = window

	state := lm.above[agentID]
	if state == nil {
		state = make(map[string]bool)
		lm.above[agentID] = state
	}

	checks := []struct {
		resource  string
		value     float64
		threshold float64
	}{
		{ResourceCPU, usage.CPUUsage, lm.cfg.Thresholds.CPU},
		{ResourceMemory, usage.MemoryUsage, lm.cfg.Thresholds.Memory},
		{ResourceDisk, usage.DiskUsage, lm.cfg.Thresholds.Disk},
	}

	now := time.Now().UTC()
	var alerts []LoadAlert
	for _, c := range checks {
		over := c.value > c.threshold
		if over == state[c.resource] {
			continue
		}
		state[c.resource] = over
		alerts = append(alerts, LoadAlert{
			AgentID:   agentID,
			Resource:  c.resource,
			Value:     c.value,
			Threshold: c.threshold,
			Recovered: !over,
			At:        now,
		})
	}
	return alerts
}

// Latest returns the most recent load sample for the agent.
func (lm *LoadMonitor) Latest(agentID uuid.UUID) (wire.ResourceUsage, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	window := lm.samples[agentID]
	if len(window) == 0 {
		return wire.ResourceUsage{}, false
	}
	return window[len(window)-1], true
}

// History returns a copy of the rolling sample window for the agent,
// oldest first.
func (lm *LoadMonitor) History(agentID uuid.UUID) []wire.ResourceUsage {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	window := lm.samples[agentID]
	out := make([]wire.ResourceUsage, len(window))
	copy(out, window)
	return out
}

// IsOverloaded reports whether any resource on the agent is above its
// threshold, judged on the latest sample. Agents without samples are not
// overloaded.
func (lm *LoadMonitor) IsOverloaded(agentID uuid.UUID) bool {
	usage, ok := lm.Latest(agentID)
	if !ok {
		return false
	}
	return usage.CPUUsage > lm.cfg.Thresholds.CPU ||
		usage.MemoryUsage > lm.cfg.Thresholds.Memory ||
		usage.DiskUsage > lm.cfg.Thresholds.Disk
}

// AvailableAgents returns connected agents that are not overloaded.
func (lm *LoadMonitor) AvailableAgents() []uuid.UUID {
	connected := lm.pool.ConnectedAgents()
	out := make([]uuid.UUID, 0, len(connected))
	for _, id := range connected {
		if lm.IsOverloaded(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Forget drops all load state for an agent after it fully disconnects.
func (lm *LoadMonitor) Forget(agentID uuid.UUID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.samples, agentID)
	delete(lm.above, agentID)
}

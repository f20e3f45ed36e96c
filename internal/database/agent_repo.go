package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/netpulse/netpulse/internal/wire"
)

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepo creates a new agent repository.
func NewAgentRepo(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

// Create creates a new agent.
func (r *agentRepo) Create(ctx context.Context, agent *Agent) error {
	err := r.db.pool.QueryRow(ctx, AgentInsert,
		agent.Name,
		agent.Address,
		agent.APIKey,
		agent.Country,
		agent.City,
		agent.Latitude,
		agent.Longitude,
		agent.ISP,
		agent.Version,
		protocolsToStrings(agent.Capabilities),
		agent.Status,
		agent.MaxConcurrentTasks,
		agent.Enabled,
	).Scan(&agent.ID, &agent.RegisteredAt, &agent.CreatedAt, &agent.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create agent: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves an agent by ID.
func (r *agentRepo) Get(ctx context.Context, id uuid.UUID) (*Agent, error) {
	agent, err := scanAgentRow(r.db.pool.QueryRow(ctx, AgentGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// GetByName retrieves an agent by name.
func (r *agentRepo) GetByName(ctx context.Context, name string) (*Agent, error) {
	agent, err := scanAgentRow(r.db.pool.QueryRow(ctx, AgentGetByName, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}
	return agent, nil
}

// Update updates an agent.
func (r *agentRepo) Update(ctx context.Context, agent *Agent) error {
	err := r.db.pool.QueryRow(ctx, AgentUpdate,
		agent.ID,
		agent.Name,
		agent.Address,
		agent.APIKey,
		agent.Country,
		agent.City,
		agent.Latitude,
		agent.Longitude,
		agent.ISP,
		agent.Version,
		protocolsToStrings(agent.Capabilities),
		agent.Status,
		agent.MaxConcurrentTasks,
		agent.Enabled,
	).Scan(&agent.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update agent: %w", WrapDBError(err))
	}
	return nil
}

// Delete deletes an agent.
func (r *agentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, AgentDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns agents with pagination.
func (r *agentRepo) List(ctx context.Context, page Pagination) ([]Agent, error) {
	rows, err := r.db.pool.Query(ctx, AgentList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// ListByStatus returns agents with a specific status.
func (r *agentRepo) ListByStatus(ctx context.Context, status AgentStatus, page Pagination) ([]Agent, error) {
	rows, err := r.db.pool.Query(ctx, AgentListByStatus, status, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents by status: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// ListAvailable returns enabled agents that are online or busy and have
// heartbeated within the window.
func (r *agentRepo) ListAvailable(ctx context.Context, heartbeatWindow time.Duration) ([]Agent, error) {
	cutoff := time.Now().Add(-heartbeatWindow)
	rows, err := r.db.pool.Query(ctx, AgentListAvailable, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list available agents: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// UpdateStatus updates only the agent's status.
func (r *agentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status AgentStatus) error {
	result, err := r.db.pool.Exec(ctx, AgentUpdateStatus, id, status)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat updates the agent's heartbeat time and status.
func (r *agentRepo) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status AgentStatus) error {
	result, err := r.db.pool.Exec(ctx, AgentUpdateHeartbeat, id, status)
	if err != nil {
		return fmt.Errorf("failed to update agent heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLoad records the latest resource snapshot for an agent.
func (r *agentRepo) UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error {
	result, err := r.db.pool.Exec(ctx, AgentUpdateLoad, id, cpu, memory, disk, loadAvg)
	if err != nil {
		return fmt.Errorf("failed to update agent load: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRollingStats updates the availability, success rate and mean response
// time aggregates.
func (r *agentRepo) UpdateRollingStats(ctx context.Context, id uuid.UUID, availability, successRate, avgResponseMs float64) error {
	result, err := r.db.pool.Exec(ctx, AgentUpdateRollingStats, id, availability, successRate, avgResponseMs)
	if err != nil {
		return fmt.Errorf("failed to update agent stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the operator enable switch.
func (r *agentRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result, err := r.db.pool.Exec(ctx, AgentSetEnabled, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set agent enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOfflineStale marks agents offline when their heartbeat is older than
// the cutoff.
func (r *agentRepo) MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, AgentMarkOfflineStale, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark agents offline: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus returns the count of agents grouped by status.
func (r *agentRepo) CountByStatus(ctx context.Context) (map[AgentStatus]int64, error) {
	rows, err := r.db.pool.Query(ctx, AgentCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[AgentStatus]int64)
	for rows.Next() {
		var status AgentStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan agent count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent counts: %w", err)
	}

	return counts, nil
}

// scanAgentRow scans a single agent row.
func scanAgentRow(row pgx.Row) (*Agent, error) {
	agent := &Agent{}
	var caps []string
	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Address,
		&agent.APIKey,
		&agent.Country,
		&agent.City,
		&agent.Latitude,
		&agent.Longitude,
		&agent.ISP,
		&agent.Version,
		&caps,
		&agent.Status,
		&agent.LastHeartbeat,
		&agent.RegisteredAt,
		&agent.Availability,
		&agent.SuccessRate,
		&agent.AvgResponseMs,
		&agent.CPUUsage,
		&agent.MemoryUsage,
		&agent.DiskUsage,
		&agent.LoadAverage,
		&agent.MaxConcurrentTasks,
		&agent.Enabled,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.Capabilities = stringsToProtocols(caps)
	return agent, nil
}

// scanAgents scans rows into a slice of agents.
func scanAgents(rows pgx.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		agent, err := scanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// protocolsToStrings converts a protocol list to plain strings for the
// text[] column.
func protocolsToStrings(ps []wire.Protocol) []string {
	if ps == nil {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// stringsToProtocols converts stored strings back to protocols.
func stringsToProtocols(ss []string) []wire.Protocol {
	if ss == nil {
		return nil
	}
	out := make([]wire.Protocol, len(ss))
	for i, s := range ss {
		out[i] = wire.Protocol(s)
	}
	return out
}

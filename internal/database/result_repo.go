package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// resultRepo implements ResultRepository.
type resultRepo struct {
	db *DB
}

// NewResultRepo creates a new result repository.
func NewResultRepo(db *DB) ResultRepository {
	return &resultRepo{db: db}
}

// Create creates a new task result.
func (r *resultRepo) Create(ctx context.Context, result *TaskResult) error {
	err := r.db.pool.QueryRow(ctx, ResultInsert,
		result.TaskID,
		result.AgentID,
		result.Status,
		result.ExecutedAt,
		result.DurationMs,
		result.ErrorMessage,
		result.Metrics,
		result.RawDataPath,
		result.RawData,
	).Scan(&result.ID, &result.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create task result: %w", WrapDBError(err))
	}
	return nil
}

// BatchCreate creates multiple task results in a single operation.
func (r *resultRepo) BatchCreate(ctx context.Context, results []TaskResult) error {
	if len(results) == 0 {
		return nil
	}

	// Use a transaction for batch insert
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}

		for i := range results {
			result := &results[i]
			batch.Queue(ResultInsert,
				result.TaskID,
				result.AgentID,
				result.Status,
				result.ExecutedAt,
				result.DurationMs,
				result.ErrorMessage,
				result.Metrics,
				result.RawDataPath,
				result.RawData,
			)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()

		for i := range results {
			err := br.QueryRow().Scan(&results[i].ID, &results[i].CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to create task result %d: %w", i, WrapDBError(err))
			}
		}

		return nil
	})
}

// Get retrieves a task result by ID.
func (r *resultRepo) Get(ctx context.Context, id uuid.UUID) (*TaskResult, error) {
	result, err := scanResultRow(r.db.pool.QueryRow(ctx, ResultGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}
	return result, nil
}

// ListByTask returns results for a task, newest first.
func (r *resultRepo) ListByTask(ctx context.Context, taskID uuid.UUID, page Pagination) ([]TaskResult, error) {
	rows, err := r.db.pool.Query(ctx, ResultListByTask, taskID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list results by task: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// ListByAgent returns results produced by an agent, newest first.
func (r *resultRepo) ListByAgent(ctx context.Context, agentID uuid.UUID, page Pagination) ([]TaskResult, error) {
	rows, err := r.db.pool.Query(ctx, ResultListByAgent, agentID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list results by agent: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// LatestByTask returns the most recent result for a task.
func (r *resultRepo) LatestByTask(ctx context.Context, taskID uuid.UUID) (*TaskResult, error) {
	result, err := scanResultRow(r.db.pool.QueryRow(ctx, ResultLatestByTask, taskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest result: %w", err)
	}
	return result, nil
}

// GetAgentPerformance aggregates an agent's results since the given time.
func (r *resultRepo) GetAgentPerformance(ctx context.Context, agentID uuid.UUID, since time.Time) (*AgentPerformance, error) {
	perf := &AgentPerformance{AgentID: agentID}
	err := r.db.pool.QueryRow(ctx, ResultAgentPerformance, agentID, since).Scan(
		&perf.TotalResults,
		&perf.SuccessCount,
		&perf.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent performance: %w", err)
	}
	if perf.TotalResults > 0 {
		perf.SuccessRate = float64(perf.SuccessCount) / float64(perf.TotalResults)
	}
	return perf, nil
}

// DeleteOlderThan removes results executed before the cutoff.
func (r *resultRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, ResultDeleteOlderThan, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old results: %w", err)
	}
	return result.RowsAffected(), nil
}

// scanResultRow scans a single task result row.
func scanResultRow(row pgx.Row) (*TaskResult, error) {
	result := &TaskResult{}
	err := row.Scan(
		&result.ID,
		&result.TaskID,
		&result.AgentID,
		&result.Status,
		&result.ExecutedAt,
		&result.DurationMs,
		&result.ErrorMessage,
		&result.Metrics,
		&result.RawDataPath,
		&result.RawData,
		&result.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// scanResults scans rows into a slice of task results.
func scanResults(rows pgx.Rows) ([]TaskResult, error) {
	var results []TaskResult
	for rows.Next() {
		result, err := scanResultRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		results = append(results, *result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return results, nil
}

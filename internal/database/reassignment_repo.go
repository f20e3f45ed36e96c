package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// reassignmentRepo implements ReassignmentRepository.
type reassignmentRepo struct {
	db *DB
}

// NewReassignmentRepo creates a new reassignment repository.
func NewReassignmentRepo(db *DB) ReassignmentRepository {
	return &reassignmentRepo{db: db}
}

// Create records a task reassignment.
func (r *reassignmentRepo) Create(ctx context.Context, rec *Reassignment) error {
	err := r.db.pool.QueryRow(ctx, ReassignmentInsert,
		rec.TaskID,
		rec.FromAgentID,
		rec.ToAgentID,
		rec.Reason,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create reassignment: %w", WrapDBError(err))
	}
	return nil
}

// ListByTask returns reassignments for a task, newest first.
func (r *reassignmentRepo) ListByTask(ctx context.Context, taskID uuid.UUID, page Pagination) ([]Reassignment, error) {
	rows, err := r.db.pool.Query(ctx, ReassignmentListByTask, taskID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reassignments: %w", err)
	}
	defer rows.Close()

	return scanReassignments(rows)
}

// CountByTaskSince counts reassignments for a task after the given time.
func (r *reassignmentRepo) CountByTaskSince(ctx context.Context, taskID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx, ReassignmentCountByTaskSince, taskID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reassignments: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes reassignment records older than the cutoff.
func (r *reassignmentRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx, ReassignmentDeleteOlderThan, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old reassignments: %w", err)
	}
	return result.RowsAffected(), nil
}

// scanReassignments scans rows into a slice of reassignments.
func scanReassignments(rows pgx.Rows) ([]Reassignment, error) {
	var recs []Reassignment
	for rows.Next() {
		var rec Reassignment
		err := rows.Scan(
			&rec.ID,
			&rec.TaskID,
			&rec.FromAgentID,
			&rec.ToAgentID,
			&rec.Reason,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reassignment: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reassignments: %w", err)
	}

	return recs, nil
}

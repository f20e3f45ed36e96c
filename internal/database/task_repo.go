package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// taskRepo implements TaskRepository.
type taskRepo struct {
	db *DB
}

// NewTaskRepo creates a new task repository.
func NewTaskRepo(db *DB) TaskRepository {
	return &taskRepo{db: db}
}

// Create creates a new task.
func (r *taskRepo) Create(ctx context.Context, task *Task) error {
	err := r.db.pool.QueryRow(ctx, TaskInsert,
		task.UserID,
		task.Protocol,
		task.Target,
		task.Port,
		task.Parameters,
		task.FrequencySeconds,
		task.TimeoutSeconds,
		task.Priority,
		task.Status,
		task.NextRunAt,
		task.PreferredCountry,
		task.PreferredCity,
		task.PreferredISP,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create task: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves a task by ID.
func (r *taskRepo) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	task, err := scanTaskRow(r.db.pool.QueryRow(ctx, TaskGetByID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// Update updates a task.
func (r *taskRepo) Update(ctx context.Context, task *Task) error {
	err := r.db.pool.QueryRow(ctx, TaskUpdate,
		task.ID,
		task.Protocol,
		task.Target,
		task.Port,
		task.Parameters,
		task.FrequencySeconds,
		task.TimeoutSeconds,
		task.Priority,
		task.Status,
		task.NextRunAt,
		task.PreferredCountry,
		task.PreferredCity,
		task.PreferredISP,
	).Scan(&task.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update task: %w", WrapDBError(err))
	}
	return nil
}

// Delete deletes a task.
func (r *taskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, TaskDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns tasks with pagination.
func (r *taskRepo) List(ctx context.Context, page Pagination) ([]Task, error) {
	rows, err := r.db.pool.Query(ctx, TaskList, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListByUser returns tasks owned by a user.
func (r *taskRepo) ListByUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Task, error) {
	rows, err := r.db.pool.Query(ctx, TaskListByUser, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by user: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListByStatus returns tasks with a specific status.
func (r *taskRepo) ListByStatus(ctx context.Context, status TaskStatus, page Pagination) ([]Task, error) {
	rows, err := r.db.pool.Query(ctx, TaskListByStatus, status, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// GetDue returns active tasks whose next run is unset or in the past.
func (r *taskRepo) GetDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	rows, err := r.db.pool.Query(ctx, TaskGetDue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// UpdateStatus updates only the task's status.
func (r *taskRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error {
	result, err := r.db.pool.Exec(ctx, TaskUpdateStatus, id, status)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNextRun sets the task's next scheduled run time.
func (r *taskRepo) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRunAt time.Time) error {
	result, err := r.db.pool.Exec(ctx, TaskUpdateNextRun, id, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to update task next run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the total number of tasks.
func (r *taskRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx, TaskCount).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// CountByStatus returns the count of tasks grouped by status.
func (r *taskRepo) CountByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := r.db.pool.Query(ctx, TaskCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int64)
	for rows.Next() {
		var status TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task counts: %w", err)
	}

	return counts, nil
}

// scanTaskRow scans a single task row.
func scanTaskRow(row pgx.Row) (*Task, error) {
	task := &Task{}
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Protocol,
		&task.Target,
		&task.Port,
		&task.Parameters,
		&task.FrequencySeconds,
		&task.TimeoutSeconds,
		&task.Priority,
		&task.Status,
		&task.NextRunAt,
		&task.PreferredCountry,
		&task.PreferredCity,
		&task.PreferredISP,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// scanTasks scans rows into a slice of tasks.
func scanTasks(rows pgx.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

package agent

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/netpulse/netpulse/internal/wire"
)

// Spool persists task results until the orchestrator acknowledges them.
// Results survive restarts and are re-sent after every reconnect, so
// delivery is at-least-once; the orchestrator deduplicates repeats.
type Spool struct {
	db         *sql.DB
	dbPath     string
	maxPending int
	mu         sync.RWMutex
}

// SpooledResult is one persisted, unacknowledged task result.
type SpooledResult struct {
	ID     int64
	TaskID string
	Result *wire.TaskResult
}

// OpenSpool opens the spool database at path, creating it and its parent
// directory as needed. maxPending bounds the spool size; zero disables
// the cap.
func OpenSpool(path string, maxPending int) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}

	// WAL keeps reads and writes from blocking each other.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := createSpoolSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool schema: %w", err)
	}

	return &Spool{
		db:         db,
		dbPath:     path,
		maxPending: maxPending,
	}, nil
}

func createSpoolSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			spooled_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_results_task_id ON results(task_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Put persists a result and returns its spool row ID. When the spool is
// over its cap the oldest rows are dropped.
func (s *Spool) Put(result *wire.TaskResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize result: %w", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO results (task_id, payload) VALUES (?, ?)",
		result.TaskID, string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to spool result: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read spool row id: %w", err)
	}

	if s.maxPending > 0 {
		// Keep only the newest maxPending rows.
		_, err = s.db.Exec(`
			DELETE FROM results
			WHERE id IN (
				SELECT id FROM results ORDER BY id DESC LIMIT -1 OFFSET ?
			)
		`, s.maxPending)
		if err != nil {
			return id, fmt.Errorf("failed to trim spool: %w", err)
		}
	}

	return id, nil
}

// Ack removes the oldest spooled result for a task. Acknowledgements carry
// only the task ID; results for one task are sent and acked in order, so
// oldest-first matches them up. It reports whether a row was removed.
func (s *Spool) Ack(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM results
		WHERE id = (SELECT id FROM results WHERE task_id = ? ORDER BY id LIMIT 1)
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to ack result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read ack row count: %w", err)
	}
	return n > 0, nil
}

// Pending returns all unacknowledged results, oldest first. Rows that no
// longer deserialize are dropped.
func (s *Spool) Pending() ([]SpooledResult, error) {
	s.mu.RLock()

	rows, err := s.db.Query("SELECT id, task_id, payload FROM results ORDER BY id ASC")
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("failed to query pending results: %w", err)
	}

	var pending []SpooledResult
	var corrupt []int64

	for rows.Next() {
		var (
			id      int64
			taskID  string
			payload string
		)
		if err := rows.Scan(&id, &taskID, &payload); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("failed to scan spool row: %w", err)
		}

		var result wire.TaskResult
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		pending = append(pending, SpooledResult{ID: id, TaskID: taskID, Result: &result})
	}

	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("failed to iterate spool rows: %w", err)
	}

	for _, id := range corrupt {
		if err := s.Remove(id); err != nil {
			return pending, err
		}
	}

	return pending, nil
}

// Remove deletes a spool row by ID.
func (s *Spool) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM results WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove spool row: %w", err)
	}
	return nil
}

// Len returns the number of spooled results.
func (s *Spool) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM results").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count spooled results: %w", err)
	}
	return n, nil
}

// Close closes the spool database.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

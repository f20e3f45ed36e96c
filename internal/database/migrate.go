package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrationTable tracks which schema versions have been applied.
const migrationTable = "schema_migrations"

// Migration is one schema change, with forward and rollback SQL paired
// by version.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies embedded SQL migrations in version order. Each
// migration runs in its own transaction together with its bookkeeping
// row, so a failed migration leaves the schema at the previous version.
type Migrator struct {
	db         *DB
	migrations []Migration
}

// migrationFile matches names like "20260125000001_initial_schema.up.sql".
var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// NewMigrator loads migrations from dir inside the embedded filesystem.
func NewMigrator(db *DB, migrationsFS embed.FS, dir string) (*Migrator, error) {
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to access migrations directory %q: %w", dir, err)
	}

	migrations, err := loadMigrations(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	return &Migrator{db: db, migrations: migrations}, nil
}

// loadMigrations pairs up/down files by version and sorts ascending.
func loadMigrations(migrationsFS fs.FS) ([]Migration, error) {
	byVersion := make(map[string]*Migration)

	err := fs.WalkDir(migrationsFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		matches := migrationFile.FindStringSubmatch(filepath.Base(path))
		if matches == nil {
			return nil
		}
		version, name, direction := matches[1], matches[2], matches[3]

		content, err := fs.ReadFile(migrationsFS, path)
		if err != nil {
			return fmt.Errorf("failed to read migration file %q: %w", path, err)
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if direction == "up" {
			mig.UpSQL = string(content)
		} else {
			mig.DownSQL = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return count, fmt.Errorf("migration %s has no up SQL", mig.Version)
		}
		if err := m.run(ctx, mig, true); err != nil {
			return count, fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}
		count++
	}
	return count, nil
}

// Down rolls back the most recent applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.DownN(ctx, 1)
}

// DownN rolls back the n most recent applied migrations.
func (m *Migrator) DownN(ctx context.Context, n int) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	count := 0
	for i := len(m.migrations) - 1; i >= 0 && count < n; i-- {
		mig := m.migrations[i]
		if _, ok := applied[mig.Version]; !ok {
			continue
		}
		if mig.DownSQL == "" {
			return fmt.Errorf("migration %s has no down SQL", mig.Version)
		}
		if err := m.run(ctx, mig, false); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", mig.Version, err)
		}
		count++
	}
	return nil
}

// Reset rolls every migration back and re-applies the full set.
func (m *Migrator) Reset(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if err := m.DownN(ctx, len(applied)); err != nil {
		return fmt.Errorf("failed to rollback all migrations: %w", err)
	}
	if _, err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to re-apply migrations: %w", err)
	}
	return nil
}

// Status reports every known migration with its applied timestamp.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, len(m.migrations))
	for i, mig := range m.migrations {
		statuses[i] = MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			statuses[i].Applied = true
			at := at
			statuses[i].AppliedAt = &at
		}
	}
	return statuses, nil
}

// Version returns the highest applied version, or "" when the schema is
// empty.
func (m *Migrator) Version(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}

	var version string
	err := m.db.pool.QueryRow(ctx,
		`SELECT version FROM `+migrationTable+` ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// Pending returns the migrations that have not been applied yet.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// ensureTable creates the bookkeeping table if missing.
func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationTable+` (
			version VARCHAR(14) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// applied returns the applied versions with their timestamps.
func (m *Migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.pool.Query(ctx, `SELECT version, applied_at FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migration rows: %w", err)
	}
	return applied, nil
}

// run executes one migration and its bookkeeping in a single transaction.
func (m *Migrator) run(ctx context.Context, mig Migration, up bool) error {
	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql := mig.DownSQL
		if up {
			sql = mig.UpSQL
		}
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}

		if up {
			_, err := tx.Exec(ctx,
				`INSERT INTO `+migrationTable+` (version, name) VALUES ($1, $2)`,
				mig.Version, mig.Name,
			)
			if err != nil {
				return fmt.Errorf("failed to record migration: %w", err)
			}
			return nil
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM `+migrationTable+` WHERE version = $1`,
			mig.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}

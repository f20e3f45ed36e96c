package database

import "embed"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewEmbeddedMigrator creates a Migrator loaded with the schema migrations
// compiled into the binary.
func NewEmbeddedMigrator(db *DB) (*Migrator, error) {
	return NewMigrator(db, migrationsFS, "migrations")
}

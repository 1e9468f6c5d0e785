package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents one schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered, in-code schema history. New schema changes
// append a new version; applied versions are never edited.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS podcast_sessions (
				session_id TEXT PRIMARY KEY,
				session_data TEXT NOT NULL DEFAULT '{}',
				memory TEXT NOT NULL DEFAULT '[]',
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS operations (
				operation_id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				operation_type TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				progress INTEGER NOT NULL DEFAULT 0,
				message TEXT NOT NULL DEFAULT '',
				data TEXT,
				result TEXT,
				session_state TEXT,
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at DATETIME,
				expires_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_operations_session ON operations(session_id);
			CREATE INDEX IF NOT EXISTS idx_operations_expires ON operations(expires_at);

			CREATE TABLE IF NOT EXISTS session_operations (
				session_id TEXT PRIMARY KEY,
				operation_id TEXT NOT NULL,
				expires_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS operation_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				operation_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				operation_type TEXT NOT NULL,
				data TEXT,
				enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS session_locks (
				session_id TEXT PRIMARY KEY,
				operation_id TEXT NOT NULL,
				operation_type TEXT NOT NULL,
				acquired_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			);
		`,
	},
}

// MigrationRunner applies pending migrations against a database.
type MigrationRunner struct {
	db *sql.DB
}

// NewMigrationRunner creates a new migration runner.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// RunMigrations runs all pending migrations.
func (mr *MigrationRunner) RunMigrations() error {
	if err := mr.createMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := mr.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if err := mr.runMigration(m); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	return nil
}

func (mr *MigrationRunner) createMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := mr.db.Exec(query)
	return err
}

func (mr *MigrationRunner) getAppliedMigrations() (map[int]bool, error) {
	rows, err := mr.db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (mr *MigrationRunner) runMigration(migration Migration) error {
	tx, err := mr.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

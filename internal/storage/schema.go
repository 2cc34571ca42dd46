package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrate(1, countersSchema); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrate(2, controllerHistorySchema); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// countersSchema holds running totals keyed by kind and name, e.g.
// ("relayed", "MouseEvent") or ("dropped", "MouseEvent/not_controller").
const countersSchema = `
CREATE TABLE IF NOT EXISTS relay_counters (
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (kind, name)
);
`

const controllerHistorySchema = `
CREATE TABLE IF NOT EXISTS controller_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity TEXT NOT NULL DEFAULT '',
	changed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_controller_history_changed_at ON controller_history(changed_at);
`

func (s *SQLiteStore) migrate(version int, ddl string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ddl); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

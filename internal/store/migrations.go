package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with violations and blocks",
		Up: `
CREATE TABLE IF NOT EXISTS violations (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id       TEXT NOT NULL DEFAULT '',
    user_id          TEXT NOT NULL,
    exam_id          TEXT NOT NULL,
    kind             TEXT NOT NULL,
    occurred_at_ns   INTEGER NOT NULL,
    client_context   TEXT NOT NULL DEFAULT '',
    current_url      TEXT NOT NULL DEFAULT '',
    details_json     TEXT NOT NULL DEFAULT '{}',
    violation_count  INTEGER NOT NULL,
    sequence         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_violations_exam ON violations(exam_id, occurred_at_ns);
CREATE INDEX IF NOT EXISTS idx_violations_user ON violations(user_id, occurred_at_ns);

CREATE TABLE IF NOT EXISTS blocks (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id     TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    exam_id        TEXT NOT NULL,
    count          INTEGER NOT NULL,
    forced         INTEGER NOT NULL DEFAULT 0,
    blocked_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_exam ON blocks(exam_id, blocked_at_ns);
`,
	},
	{
		Version:     2,
		Description: "Index violations by kind for alert summaries",
		Up:          `CREATE INDEX IF NOT EXISTS idx_violations_exam_kind ON violations(exam_id, kind);`,
	},
}

// MigrateDB applies every pending migration inside its own transaction.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion returns the version the schema is migrated to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

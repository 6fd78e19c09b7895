package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "log_scans: parse results keyed by file identity",
		SQL: `
CREATE TABLE log_scans (
    path            TEXT PRIMARY KEY,
    size            INTEGER NOT NULL,
    mod_time        INTEGER NOT NULL,
    message_count   INTEGER NOT NULL,
    token_count     INTEGER NOT NULL,
    skipped_count   INTEGER NOT NULL DEFAULT 0,
    pinned_count    INTEGER NOT NULL DEFAULT 0,
    first_message   TEXT,
    last_message    TEXT,
    first_ts        INTEGER,
    last_ts         INTEGER,
    scanned_at      INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "jobs: compression job history",
		SQL: `
CREATE TABLE jobs (
    id              TEXT PRIMARY KEY,
    op              TEXT NOT NULL,
    collection      TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    part_number     INTEGER NOT NULL DEFAULT 0,
    version_id      TEXT,
    status          TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'succeeded', 'failed', 'rejected')),
    error_code      TEXT,
    error           TEXT,
    started_at      INTEGER NOT NULL,
    finished_at     INTEGER
);

CREATE INDEX idx_jobs_started ON jobs(started_at DESC);
CREATE INDEX idx_jobs_conv    ON jobs(collection, conversation_id);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
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

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}

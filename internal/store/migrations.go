package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const migration001 = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	error        TEXT,
	stopped      INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP,
	first_seq    INTEGER NOT NULL,
	last_seq     INTEGER NOT NULL,
	event_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_first_seq ON runs(first_seq);

-- seq is the orchestrator's event sequence, unique for the process lifetime.
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY,
	run_id     TEXT NOT NULL,
	node_id    TEXT,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
`

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "journal", SQL: migration001},
}

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, dropping comment-only chunks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		hasCode := false
		for _, l := range strings.Split(s, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && !strings.HasPrefix(l, "--") {
				hasCode = true
				break
			}
		}
		if hasCode {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

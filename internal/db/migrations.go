package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS handled_commands (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL UNIQUE CHECK(length(command_id) > 0),
	handled_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS handled_commands;
DELETE FROM schema_migrations WHERE version = 1;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS remote_commands (
	command_id TEXT PRIMARY KEY CHECK(length(command_id) > 0),
	action_json TEXT NOT NULL,
	otp TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('Pending','InProgress','Success','Error')),
	message TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS remote_commands_state_created_at
ON remote_commands(state, created_at);

CREATE TABLE IF NOT EXISTS command_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	source TEXT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('Pending','InProgress','Success','Error')),
	message TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS command_events_command_recorded_at
ON command_events(command_id, recorded_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS command_events_command_recorded_at;
DROP TABLE IF EXISTS command_events;
DROP INDEX IF EXISTS remote_commands_state_created_at;
DROP TABLE IF EXISTS remote_commands;
DELETE FROM schema_migrations WHERE version = 2;
`,
	},
	{
		Version: 3,
		UpSQL: `
CREATE TABLE IF NOT EXISTS notes (
	note_id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	entered_by TEXT NOT NULL,
	notes TEXT NOT NULL,
	event_type TEXT NOT NULL,
	uploaded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS notes_timestamp ON notes(timestamp);
`,
		DownSQL: `
DROP INDEX IF EXISTS notes_timestamp;
DROP TABLE IF EXISTS notes;
DELETE FROM schema_migrations WHERE version = 3;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}

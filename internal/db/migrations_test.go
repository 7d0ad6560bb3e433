package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	mustExist := []string{"handled_commands", "remote_commands", "command_events", "notes"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, `INSERT INTO handled_commands(command_id, handled_at) VALUES('c1', ?)`, now); err != nil {
		t.Fatalf("insert handled command: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO handled_commands(command_id, handled_at) VALUES('c1', ?)`, now); err == nil {
		t.Fatalf("expected unique violation on handled command_id")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO handled_commands(command_id, handled_at) VALUES('', ?)`, now); err == nil {
		t.Fatalf("expected check violation on empty command_id")
	}
	_, err := db.ExecContext(ctx, `INSERT INTO remote_commands(command_id, action_json, created_at, state, updated_at) VALUES('c1','{}',?,'Done',?)`, now, now)
	if err == nil {
		t.Fatalf("expected check violation on command state")
	}
}

func TestCommandQueueUsesStateIndex(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	rows, err := db.QueryContext(ctx, `EXPLAIN QUERY PLAN SELECT * FROM remote_commands WHERE state = 'Pending' AND created_at >= '2024' ORDER BY created_at`)
	if err != nil {
		t.Fatalf("query plan failed: %v", err)
	}
	defer rows.Close()
	var matched bool
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan row: %v", err)
		}
		if strings.Contains(detail, "remote_commands_state_created_at") {
			matched = true
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("plan rows error: %v", err)
	}
	if !matched {
		t.Fatalf("expected query plan to use index remote_commands_state_created_at")
	}
}

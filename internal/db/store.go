package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/remotecmd/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

type HandledCommand struct {
	CommandID string
	HandledAt time.Time
}

// CommandEvent is one status transition reported for a command.
type CommandEvent struct {
	EventID    int64
	CommandID  string
	Source     string
	State      model.CommandState
	Message    string
	RecordedAt time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertHandledCommand records id as accepted for execution. A second insert
// of the same id fails with ErrDuplicate.
func (s *Store) InsertHandledCommand(ctx context.Context, commandID string, at time.Time) error {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return fmt.Errorf("command_id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO handled_commands(command_id, handled_at)
VALUES (?, ?)
`, commandID, ts(at))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert handled command: %w", err)
	}
	return nil
}

func (s *Store) HasHandledCommand(ctx context.Context, commandID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM handled_commands WHERE command_id = ?`, commandID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check handled command: %w", err)
	}
	return true, nil
}

// ListHandledCommands returns ids in the order they were handled.
func (s *Store) ListHandledCommands(ctx context.Context) ([]HandledCommand, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT command_id, handled_at FROM handled_commands ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list handled commands: %w", err)
	}
	defer rows.Close()

	out := make([]HandledCommand, 0)
	for rows.Next() {
		var (
			hc        HandledCommand
			handledAt string
		)
		if err := rows.Scan(&hc.CommandID, &handledAt); err != nil {
			return nil, fmt.Errorf("scan handled command: %w", err)
		}
		hc.HandledAt, err = parseTS(handledAt)
		if err != nil {
			return nil, fmt.Errorf("parse handled_at: %w", err)
		}
		out = append(out, hc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter handled commands: %w", err)
	}
	return out, nil
}

func (s *Store) ResetHandledCommands(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM handled_commands`); err != nil {
		return fmt.Errorf("reset handled commands: %w", err)
	}
	return nil
}

func (s *Store) InsertCommand(ctx context.Context, cmd model.QueuedCommand) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return model.ErrMissingCommandID
	}
	actionJSON, err := model.MarshalAction(cmd.Action)
	if err != nil {
		return fmt.Errorf("marshal command action: %w", err)
	}
	if cmd.Status.State == "" {
		cmd.Status.State = model.StatePending
	}
	if !cmd.Status.State.Valid() {
		return fmt.Errorf("invalid command state %q", cmd.Status.State)
	}
	if cmd.CreatedDate.IsZero() {
		cmd.CreatedDate = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO remote_commands(command_id, action_json, otp, created_at, state, message, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, cmd.ID, string(actionJSON), cmd.OTP, ts(cmd.CreatedDate), string(cmd.Status.State), cmd.Status.Message, ts(cmd.CreatedDate))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (model.QueuedCommand, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT command_id, action_json, otp, created_at, state, message
FROM remote_commands
WHERE command_id = ?
`, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueuedCommand{}, ErrNotFound
		}
		return model.QueuedCommand{}, err
	}
	return cmd, nil
}

// ListCommands returns commands created at or after since, oldest first.
func (s *Store) ListCommands(ctx context.Context, since time.Time, pendingOnly bool) ([]model.QueuedCommand, error) {
	query := `
SELECT command_id, action_json, otp, created_at, state, message
FROM remote_commands
WHERE created_at >= ?`
	args := []any{ts(since)}
	if pendingOnly {
		query += ` AND state = ?`
		args = append(args, string(model.StatePending))
	}
	query += `
ORDER BY created_at ASC, command_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	out := make([]model.QueuedCommand, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter commands: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, commandID string, status model.CommandStatus, at time.Time) error {
	if !status.State.Valid() {
		return fmt.Errorf("invalid command state %q", status.State)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE remote_commands SET state = ?, message = ?, updated_at = ?
WHERE command_id = ?
`, string(status.State), status.Message, ts(at), commandID)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update command status rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) InsertCommandEvent(ctx context.Context, ev CommandEvent) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_events(command_id, source, state, message, recorded_at)
VALUES (?, ?, ?, ?, ?)
`, ev.CommandID, ev.Source, string(ev.State), ev.Message, ts(ev.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert command event: %w", err)
	}
	return nil
}

func (s *Store) ListCommandEvents(ctx context.Context, commandID string) ([]CommandEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, command_id, source, state, message, recorded_at
FROM command_events
WHERE command_id = ?
ORDER BY recorded_at ASC, event_id ASC
`, commandID)
	if err != nil {
		return nil, fmt.Errorf("list command events: %w", err)
	}
	defer rows.Close()

	out := make([]CommandEvent, 0)
	for rows.Next() {
		var (
			ev         CommandEvent
			state      string
			recordedAt string
		)
		if err := rows.Scan(&ev.EventID, &ev.CommandID, &ev.Source, &state, &ev.Message, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan command event: %w", err)
		}
		ev.State = model.CommandState(state)
		ev.RecordedAt, err = parseTS(recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse command event recorded_at: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter command events: %w", err)
	}
	return out, nil
}

func (s *Store) InsertNote(ctx context.Context, note model.Note, uploadedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notes(note_id, timestamp, entered_by, notes, event_type, uploaded_at)
VALUES (?, ?, ?, ?, ?, ?)
`, note.ID, ts(note.Timestamp), note.EnteredBy, note.Notes, note.EventType, ts(uploadedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// ListNotes returns notes with a timestamp at or after since, newest first.
func (s *Store) ListNotes(ctx context.Context, since time.Time) ([]model.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT note_id, timestamp, entered_by, notes, event_type
FROM notes
WHERE timestamp >= ?
ORDER BY timestamp DESC, note_id ASC
`, ts(since))
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	out := make([]model.Note, 0)
	for rows.Next() {
		var (
			n         model.Note
			timestamp string
		)
		if err := rows.Scan(&n.ID, &timestamp, &n.EnteredBy, &n.Notes, &n.EventType); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.Timestamp, err = parseTS(timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse note timestamp: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter notes: %w", err)
	}
	return out, nil
}

// PurgeRetention deletes finished commands, their events and notes older
// than cutoff. Handled command ids are kept forever.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retention tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM command_events WHERE recorded_at < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete old command events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_commands WHERE updated_at < ? AND state IN ('Success','Error')`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete old commands: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE timestamp < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete old notes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retention tx: %w", err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func scanCommand(scanner interface{ Scan(dest ...any) error }) (model.QueuedCommand, error) {
	var (
		cmd        model.QueuedCommand
		actionJSON string
		createdAt  string
		state      string
	)
	if err := scanner.Scan(&cmd.ID, &actionJSON, &cmd.OTP, &createdAt, &state, &cmd.Status.Message); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueuedCommand{}, err
		}
		return model.QueuedCommand{}, fmt.Errorf("scan command: %w", err)
	}
	action, err := model.UnmarshalAction([]byte(actionJSON))
	if err != nil {
		return model.QueuedCommand{}, fmt.Errorf("decode command %s action: %w", cmd.ID, err)
	}
	cmd.Action = action
	cmd.Status.State = model.CommandState(state)
	cmd.CreatedDate, err = parseTS(createdAt)
	if err != nil {
		return model.QueuedCommand{}, fmt.Errorf("parse command created_at: %w", err)
	}
	return cmd, nil
}

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

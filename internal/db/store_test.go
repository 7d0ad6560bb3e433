package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/remotecmd/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func TestHandledCommandsAreUniqueAndOrdered(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Now().UTC()

	for _, id := range []string{"b", "a", "c"} {
		if err := store.InsertHandledCommand(ctx, id, now); err != nil {
			t.Fatalf("insert handled %s: %v", id, err)
		}
	}
	if err := store.InsertHandledCommand(ctx, "a", now); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := store.InsertHandledCommand(ctx, "  ", now); err == nil {
		t.Fatalf("expected blank id rejection")
	}

	ok, err := store.HasHandledCommand(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("expected a to be handled, got ok=%v err=%v", ok, err)
	}
	ok, err = store.HasHandledCommand(ctx, "z")
	if err != nil || ok {
		t.Fatalf("expected z to be unhandled, got ok=%v err=%v", ok, err)
	}

	list, err := store.ListHandledCommands(ctx)
	if err != nil {
		t.Fatalf("list handled: %v", err)
	}
	got := make([]string, 0, len(list))
	for _, hc := range list {
		got = append(got, hc.CommandID)
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "a" || got[2] != "c" {
		t.Fatalf("expected insertion order [b a c], got %v", got)
	}

	if err := store.ResetHandledCommands(ctx); err != nil {
		t.Fatalf("reset handled: %v", err)
	}
	if n, _ := store.CountRows(ctx, "handled_commands"); n != 0 {
		t.Fatalf("expected empty handled_commands after reset, got %d", n)
	}
}

func TestCommandQueueLifecycle(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	commands := []model.QueuedCommand{
		{ID: "old", Action: model.BolusEntry{AmountInUnits: 1}, OTP: "111111", CreatedDate: base.Add(-48 * time.Hour)},
		{ID: "c1", Action: model.BolusEntry{AmountInUnits: 2.5}, OTP: "123456", CreatedDate: base},
		{ID: "c2", Action: model.ClosedLoop{Active: true}, OTP: "654321", CreatedDate: base.Add(time.Second)},
	}
	for _, cmd := range commands {
		if err := store.InsertCommand(ctx, cmd); err != nil {
			t.Fatalf("insert command %s: %v", cmd.ID, err)
		}
	}
	if err := store.InsertCommand(ctx, commands[1]); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := store.InsertCommand(ctx, model.QueuedCommand{Action: model.ClosedLoop{}}); !errors.Is(err, model.ErrMissingCommandID) {
		t.Fatalf("expected ErrMissingCommandID, got %v", err)
	}

	since := base.Add(-24 * time.Hour)
	pending, err := store.ListCommands(ctx, since, true)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "c1" || pending[1].ID != "c2" {
		t.Fatalf("expected [c1 c2] pending within lookback, got %+v", pending)
	}
	if pending[0].Action != (model.BolusEntry{AmountInUnits: 2.5}) || pending[0].OTP != "123456" {
		t.Fatalf("unexpected decoded command: %+v", pending[0])
	}
	if !pending[0].CreatedDate.Equal(base) {
		t.Fatalf("expected created %v, got %v", base, pending[0].CreatedDate)
	}

	if err := store.UpdateCommandStatus(ctx, "c1", model.CommandStatus{State: model.StateSuccess}, base.Add(time.Minute)); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := store.UpdateCommandStatus(ctx, "missing", model.CommandStatus{State: model.StateError}, base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateCommandStatus(ctx, "c1", model.CommandStatus{State: "Done"}, base); err == nil {
		t.Fatalf("expected invalid state rejection")
	}

	pending, err = store.ListCommands(ctx, since, true)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "c2" {
		t.Fatalf("expected only c2 pending, got %+v", pending)
	}
	all, err := store.ListCommands(ctx, since, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 commands within lookback, got %d", len(all))
	}

	got, err := store.GetCommand(ctx, "c1")
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if got.Status.State != model.StateSuccess {
		t.Fatalf("expected Success, got %+v", got.Status)
	}
	if _, err := store.GetCommand(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommandEventsAndNotes(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	for i, state := range []model.CommandState{model.StateInProgress, model.StateError} {
		ev := CommandEvent{CommandID: "c1", Source: "v2", State: state, Message: "", RecordedAt: base.Add(time.Duration(i) * time.Second)}
		if state == model.StateError {
			ev.Message = "OTP mismatch"
		}
		if err := store.InsertCommandEvent(ctx, ev); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	events, err := store.ListCommandEvents(ctx, "c1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].State != model.StateInProgress || events[1].Message != "OTP mismatch" {
		t.Fatalf("unexpected events: %+v", events)
	}

	note := model.Note{ID: "n1", Timestamp: base, EnteredBy: "Bolus Entry 2.5 U", Notes: "Expired\n{}", EventType: model.NoteEventType}
	if err := store.InsertNote(ctx, note, base); err != nil {
		t.Fatalf("insert note: %v", err)
	}
	if err := store.InsertNote(ctx, note, base); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	notes, err := store.ListNotes(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != note.ID || notes[0].Notes != note.Notes || !notes[0].Timestamp.Equal(base) {
		t.Fatalf("expected stored note round trip, got %+v", notes)
	}
}

func TestPurgeRetentionKeepsHandledIDsAndPendingCommands(t *testing.T) {
	store, ctx := openStore(t)
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cutoff := old.Add(24 * time.Hour)

	if err := store.InsertHandledCommand(ctx, "done", old); err != nil {
		t.Fatalf("insert handled: %v", err)
	}
	if err := store.InsertCommand(ctx, model.QueuedCommand{ID: "done", Action: model.ClosedLoop{}, CreatedDate: old}); err != nil {
		t.Fatalf("insert done: %v", err)
	}
	if err := store.UpdateCommandStatus(ctx, "done", model.CommandStatus{State: model.StateSuccess}, old); err != nil {
		t.Fatalf("update done: %v", err)
	}
	if err := store.InsertCommand(ctx, model.QueuedCommand{ID: "waiting", Action: model.ClosedLoop{}, CreatedDate: old}); err != nil {
		t.Fatalf("insert waiting: %v", err)
	}
	if err := store.InsertCommandEvent(ctx, CommandEvent{CommandID: "done", Source: "v2", State: model.StateSuccess, RecordedAt: old}); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := store.InsertNote(ctx, model.Note{ID: "n", Timestamp: old, EventType: model.NoteEventType}, old); err != nil {
		t.Fatalf("insert note: %v", err)
	}

	if err := store.PurgeRetention(ctx, cutoff); err != nil {
		t.Fatalf("purge: %v", err)
	}

	expect := map[string]int64{"handled_commands": 1, "remote_commands": 1, "command_events": 0, "notes": 0}
	for table, want := range expect {
		n, err := store.CountRows(ctx, table)
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != want {
			t.Fatalf("expected %d rows in %s, got %d", want, table, n)
		}
	}
	if _, err := store.GetCommand(ctx, "waiting"); err != nil {
		t.Fatalf("expected pending command to survive purge: %v", err)
	}
}

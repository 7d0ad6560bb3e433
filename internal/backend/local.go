// Package backend is the daemon's own command backend: a sqlite-backed command
// queue, status log and note sink. A remote data backend can replace it behind
// the same methods.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/db"
	"github.com/g960059/remotecmd/internal/model"
)

type Local struct {
	store *db.Store
	now   func() time.Time
}

func NewLocal(store *db.Store, now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{store: store, now: now}
}

func (l *Local) FetchPendingCommands(ctx context.Context, since time.Time) ([]model.QueuedCommand, error) {
	cmds, err := l.store.ListCommands(ctx, since, true)
	if err != nil {
		return nil, fmt.Errorf("fetch pending commands: %w", err)
	}
	return cmds, nil
}

func (l *Local) FetchCommands(ctx context.Context, since time.Time) ([]model.QueuedCommand, error) {
	cmds, err := l.store.ListCommands(ctx, since, false)
	if err != nil {
		return nil, fmt.Errorf("fetch commands: %w", err)
	}
	return cmds, nil
}

func (l *Local) UpdateCommandStatus(ctx context.Context, id string, status model.CommandStatus) error {
	if err := l.store.UpdateCommandStatus(ctx, id, status, l.now().UTC()); err != nil {
		return fmt.Errorf("update command %s: %w", id, err)
	}
	return nil
}

// RecordCommandEvent appends a transition to the local status log.
func (l *Local) RecordCommandEvent(ctx context.Context, commandID, source string, status model.CommandStatus) error {
	return l.store.InsertCommandEvent(ctx, db.CommandEvent{
		CommandID:  commandID,
		Source:     source,
		State:      status.State,
		Message:    status.Message,
		RecordedAt: l.now().UTC(),
	})
}

func (l *Local) CommandEvents(ctx context.Context, commandID string) ([]db.CommandEvent, error) {
	return l.store.ListCommandEvents(ctx, commandID)
}

func (l *Local) UploadNote(ctx context.Context, note model.Note) error {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if err := l.store.InsertNote(ctx, note, l.now().UTC()); err != nil {
		return fmt.Errorf("upload note: %w", err)
	}
	log.WithFields(log.Fields{"note_id": note.ID, "entered_by": note.EnteredBy}).Debug("audit note stored")
	return nil
}

func (l *Local) Notes(ctx context.Context, since time.Time) ([]model.Note, error) {
	return l.store.ListNotes(ctx, since)
}

type EnqueueRequest struct {
	ID     string
	Action model.Action
	OTP    string
	// CreatedDate defaults to now.
	CreatedDate time.Time
}

// Enqueue adds a pending command to the queue. An empty id gets a fresh UUID.
func (l *Local) Enqueue(ctx context.Context, req EnqueueRequest) (model.QueuedCommand, error) {
	if req.Action == nil {
		return model.QueuedCommand{}, fmt.Errorf("action is required")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	created := req.CreatedDate
	if created.IsZero() {
		created = l.now()
	}
	cmd := model.QueuedCommand{
		ID:          id,
		Action:      req.Action,
		OTP:         req.OTP,
		CreatedDate: created.UTC(),
		Status:      model.CommandStatus{State: model.StatePending},
	}
	if err := l.store.InsertCommand(ctx, cmd); err != nil {
		return model.QueuedCommand{}, err
	}
	log.WithFields(log.Fields{"command_id": id, "action": model.Describe(req.Action)}).Info("command queued")
	return cmd, nil
}

// Purge drops finished history older than cutoff.
func (l *Local) Purge(ctx context.Context, cutoff time.Time) error {
	return l.store.PurgeRetention(ctx, cutoff)
}

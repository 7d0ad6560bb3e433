package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/remotecmd/internal/db"
	"github.com/g960059/remotecmd/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "remotecmd-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedCommand queues a pending command created at createdAt.
func SeedCommand(t *testing.T, store *db.Store, ctx context.Context, id string, action model.Action, otp string, createdAt time.Time) model.QueuedCommand {
	t.Helper()
	cmd := model.QueuedCommand{
		ID:          id,
		Action:      action,
		OTP:         otp,
		CreatedDate: createdAt.UTC(),
		Status:      model.CommandStatus{State: model.StatePending},
	}
	if err := store.InsertCommand(ctx, cmd); err != nil {
		t.Fatalf("seed command %s: %v", id, err)
	}
	return cmd
}

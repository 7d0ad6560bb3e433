// Package handled records the ids of remote commands already accepted for
// execution so that a redelivered command never runs twice.
package handled

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/g960059/remotecmd/internal/db"
	"github.com/g960059/remotecmd/internal/jsonfile"
)

var (
	// ErrDuplicate is returned by MarkHandled when the id is already recorded.
	ErrDuplicate        = errors.New("command already handled")
	ErrWriteFailed      = errors.New("handled command id write failed")
	ErrReadbackMismatch = errors.New("handled command id missing after write")
)

type Store interface {
	Contains(ctx context.Context, id string) (bool, error)
	// MarkHandled durably appends id. It fails with ErrDuplicate when id is
	// already present.
	MarkHandled(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Reset(ctx context.Context) error
}

// FileStore keeps the ids as a JSON array of strings. Appends are serialized
// in process; two processes sharing the file can still race.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Contains(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.read()
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

func (s *FileStore) MarkHandled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.read()
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return ErrDuplicate
	}
	if err := jsonfile.WriteAtomic(s.path, append(ids, id)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	stored, err := s.read()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReadbackMismatch, err)
	}
	if !slices.Contains(stored, id) {
		return ErrReadbackMismatch
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := jsonfile.WriteAtomic(s.path, []string{}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *FileStore) read() ([]string, error) {
	var ids []string
	err := jsonfile.Read(s.path, &ids)
	if jsonfile.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read handled command ids: %w", err)
	}
	return ids, nil
}

// SQLStore keeps the ids in sqlite. The unique insert makes MarkHandled an
// atomic check-and-append.
type SQLStore struct {
	store *db.Store
	now   func() time.Time
}

func NewSQLStore(store *db.Store, now func() time.Time) *SQLStore {
	if now == nil {
		now = time.Now
	}
	return &SQLStore{store: store, now: now}
}

func (s *SQLStore) Contains(ctx context.Context, id string) (bool, error) {
	return s.store.HasHandledCommand(ctx, id)
}

func (s *SQLStore) MarkHandled(ctx context.Context, id string) error {
	err := s.store.InsertHandledCommand(ctx, id, s.now().UTC())
	if errors.Is(err, db.ErrDuplicate) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	ok, err := s.store.HasHandledCommand(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReadbackMismatch, err)
	}
	if !ok {
		return ErrReadbackMismatch
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.store.ListHandledCommands(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.CommandID)
	}
	return out, nil
}

func (s *SQLStore) Reset(ctx context.Context) error {
	return s.store.ResetHandledCommands(ctx)
}

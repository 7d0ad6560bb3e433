// Package history keeps the bounded list of processed V1 notifications. The
// list is persisted as one JSON file and broadcast to subscribers on every
// change.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/jsonfile"
	"github.com/g960059/remotecmd/internal/model"
)

const DefaultLimit = 50

var (
	ErrDuplicate = errors.New("notification already recorded")
	ErrNotFound  = errors.New("notification not found")
)

type Store struct {
	path  string
	limit int

	mu      sync.Mutex
	entries []model.StoredNotification
	subs    map[int]chan []model.StoredNotification
	nextSub int
}

// Open loads the history file at path. A corrupt file is discarded and the
// store starts empty. A limit below one means DefaultLimit.
func Open(path string, limit int) (*Store, error) {
	if limit < 1 {
		limit = DefaultLimit
	}
	s := &Store{
		path:  path,
		limit: limit,
		subs:  map[int]chan []model.StoredNotification{},
	}
	var entries []model.StoredNotification
	err := jsonfile.Read(path, &entries)
	switch {
	case err == nil:
		s.entries = trim(entries, limit)
	case jsonfile.IsNotExist(err):
	default:
		log.WithError(err).WithField("path", path).Warn("notification history unreadable, resetting")
		if err := jsonfile.WriteAtomic(path, []model.StoredNotification{}); err != nil {
			return nil, fmt.Errorf("reset notification history: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(id) >= 0
}

func (s *Store) Get(id string) (model.StoredNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return model.StoredNotification{}, ErrNotFound
	}
	return s.entries[i].Clone(), nil
}

// Insert appends n unless an entry with the same id exists. The check and the
// append happen under one lock.
func (s *Store) Insert(n model.StoredNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(n.ID) >= 0 {
		return ErrDuplicate
	}
	next := append(s.snapshot(), n.Clone())
	return s.commit(next)
}

// Upsert replaces the entry with n's id in place, or appends n.
func (s *Store) Upsert(n model.StoredNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot()
	if i := s.indexOf(n.ID); i >= 0 {
		next[i] = n.Clone()
	} else {
		next = append(next, n.Clone())
	}
	return s.commit(next)
}

// List returns the entries oldest first.
func (s *Store) List() []model.StoredNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// OldestPendingUpload returns the oldest entry whose outcome has not been
// uploaded yet.
func (s *Store) OldestPendingUpload() (model.StoredNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.IsPendingUpload() {
			return e.Clone(), true
		}
	}
	return model.StoredNotification{}, false
}

func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(nil)
}

// Subscribe returns a feed that receives the full list immediately and after
// every change. A slow subscriber only sees the latest list. The channel is
// closed when ctx ends.
func (s *Store) Subscribe(ctx context.Context) <-chan []model.StoredNotification {
	ch := make(chan []model.StoredNotification, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshot()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// commit persists next and only then makes it the in-memory state.
func (s *Store) commit(next []model.StoredNotification) error {
	next = trim(next, s.limit)
	if next == nil {
		next = []model.StoredNotification{}
	}
	if err := jsonfile.WriteAtomic(s.path, next); err != nil {
		return fmt.Errorf("write notification history: %w", err)
	}
	s.entries = next
	s.publish()
	return nil
}

func (s *Store) publish() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.snapshot()
	}
}

func (s *Store) snapshot() []model.StoredNotification {
	out := make([]model.StoredNotification, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Clone()
	}
	return out
}

func (s *Store) indexOf(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func trim(entries []model.StoredNotification, limit int) []model.StoredNotification {
	if len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}

package source

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/remotecmd/internal/history"
	"github.com/g960059/remotecmd/internal/model"
	"github.com/g960059/remotecmd/internal/otp"
	"github.com/g960059/remotecmd/internal/payload"
)

const testSecret = "JBSWY3DPEHPK3PXP"

var sentAt = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeDelegate struct {
	mu         sync.Mutex
	calls      []model.Action
	programmed func(requested float64) float64
	err        error
}

func (d *fakeDelegate) record(a model.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, a)
	return d.err
}

func (d *fakeDelegate) Calls() []model.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.Action(nil), d.calls...)
}

func (d *fakeDelegate) DeliverBolus(_ context.Context, units float64) (model.DoseEntry, error) {
	if err := d.record(model.BolusEntry{AmountInUnits: units}); err != nil {
		return model.DoseEntry{}, err
	}
	programmed := units
	if d.programmed != nil {
		programmed = d.programmed(units)
	}
	return model.DoseEntry{SyncIdentifier: "dose-1", StartDate: sentAt, ProgrammedUnits: programmed}, nil
}

func (d *fakeDelegate) LogCarbs(_ context.Context, entry model.CarbsEntry) (model.CarbEntry, error) {
	if err := d.record(entry); err != nil {
		return model.CarbEntry{}, err
	}
	return model.CarbEntry{SyncIdentifier: "carbs-1", Grams: entry.AmountInGrams}, nil
}

func (d *fakeDelegate) EnactOverride(_ context.Context, o model.TemporaryScheduleOverride) (model.OverrideEntry, error) {
	if err := d.record(o); err != nil {
		return model.OverrideEntry{}, err
	}
	return model.OverrideEntry{SyncIdentifier: "override-1", Name: o.Name, Duration: o.DurationTime}, nil
}

func (d *fakeDelegate) CancelOverride(_ context.Context, c model.CancelTemporaryOverride) (model.OverrideEntry, error) {
	if err := d.record(c); err != nil {
		return model.OverrideEntry{}, err
	}
	return model.OverrideEntry{SyncIdentifier: "override-1", Name: "Exercise"}, nil
}

func (d *fakeDelegate) SetAutobolus(_ context.Context, active bool) error {
	return d.record(model.Autobolus{Active: active})
}

func (d *fakeDelegate) SetClosedLoop(_ context.Context, active bool) error {
	return d.record(model.ClosedLoop{Active: active})
}

type fakeNotes struct {
	mu    sync.Mutex
	notes []model.Note
	err   error
}

func (n *fakeNotes) UploadNote(_ context.Context, note model.Note) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *fakeNotes) Notes() []model.Note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Note(nil), n.notes...)
}

type fakeMetrics struct {
	mu         sync.Mutex
	finished   map[string]int
	duplicates map[string]int
	reasons    []string
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{finished: map[string]int{}, duplicates: map[string]int{}}
}

func (m *fakeMetrics) CommandFinished(source string, state model.CommandState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[source+"/"+string(state)]++
}

func (m *fakeMetrics) DuplicateRejected(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates[source]++
}

func (m *fakeMetrics) ValidationFailed(_, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *fakeMetrics) NoteUploaded(bool) {}

// fakeBackend serves a fixed command list and records status reports.
type fakeBackend struct {
	mu        sync.Mutex
	commands  []model.QueuedCommand
	updates   []statusUpdate
	fetchErr  error
	failState model.CommandState
}

type statusUpdate struct {
	ID     string
	Status model.CommandStatus
}

func (b *fakeBackend) FetchPendingCommands(context.Context, time.Time) ([]model.QueuedCommand, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]model.QueuedCommand(nil), b.commands...), nil
}

func (b *fakeBackend) FetchCommands(ctx context.Context, since time.Time) ([]model.QueuedCommand, error) {
	return b.FetchPendingCommands(ctx, since)
}

func (b *fakeBackend) UpdateCommandStatus(_ context.Context, id string, status model.CommandStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failState != "" && status.State == b.failState {
		return errors.New("backend unavailable")
	}
	b.updates = append(b.updates, statusUpdate{ID: id, Status: status})
	return nil
}

func (b *fakeBackend) Updates() []statusUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]statusUpdate(nil), b.updates...)
}

func newHistory(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.json"), 0)
	require.NoError(t, err)
	return store
}

func newOTP(clock *testClock) *otp.Manager {
	return otp.NewManager(testSecret, otp.WithClock(clock.Now))
}

func codeAt(t *testing.T, m *otp.Manager, at time.Time) string {
	t.Helper()
	code, err := m.CodeAt(at)
	require.NoError(t, err)
	return code
}

func decode(t *testing.T, data string) map[string]any {
	t.Helper()
	raw, err := payload.Decode([]byte(data))
	require.NoError(t, err)
	return raw
}

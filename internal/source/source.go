// Package source turns push notifications and backend polls into executed
// remote commands. V1 carries the action inside the push; V2 only names a
// command held by the backend.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/remotecmd/internal/model"
	"github.com/g960059/remotecmd/internal/otp"
	"github.com/g960059/remotecmd/internal/validate"
)

const (
	NameV1 = "v1"
	NameV2 = "v2"

	DefaultLookback = 24 * time.Hour
)

var (
	ErrDuplicateCommand               = errors.New("Duplicate command")
	ErrMissingCommand                 = errors.New("Could not find command")
	ErrUnsupportedVersion             = errors.New("unsupported payload version")
	ErrFailedCommandIDPersistenceSave = errors.New("Failed to save command id")
	ErrNotExecuted                    = errors.New("Command was not executed")
)

// Delegate carries out actions on the therapy device.
type Delegate interface {
	DeliverBolus(ctx context.Context, units float64) (model.DoseEntry, error)
	LogCarbs(ctx context.Context, entry model.CarbsEntry) (model.CarbEntry, error)
	EnactOverride(ctx context.Context, o model.TemporaryScheduleOverride) (model.OverrideEntry, error)
	// CancelOverride returns the override it ended.
	CancelOverride(ctx context.Context, c model.CancelTemporaryOverride) (model.OverrideEntry, error)
	SetAutobolus(ctx context.Context, active bool) error
	SetClosedLoop(ctx context.Context, active bool) error
}

// Backend is the server that owns V2 commands.
type Backend interface {
	FetchPendingCommands(ctx context.Context, since time.Time) ([]model.QueuedCommand, error)
	FetchCommands(ctx context.Context, since time.Time) ([]model.QueuedCommand, error)
	UpdateCommandStatus(ctx context.Context, id string, status model.CommandStatus) error
}

type NoteUploader interface {
	UploadNote(ctx context.Context, note model.Note) error
}

// EventRecorder keeps a local log of every status a command passes through.
type EventRecorder interface {
	RecordCommandEvent(ctx context.Context, commandID, source string, status model.CommandStatus) error
}

type Recorder interface {
	CommandFinished(source string, state model.CommandState)
	DuplicateRejected(source string)
	ValidationFailed(source, reason string)
	NoteUploaded(ok bool)
}

type noopRecorder struct{}

func (noopRecorder) CommandFinished(string, model.CommandState) {}
func (noopRecorder) DuplicateRejected(string)                   {}
func (noopRecorder) ValidationFailed(string, string)            {}
func (noopRecorder) NoteUploaded(bool)                          {}

// DelegateError wraps a failure reported by the delegate. Its message is the
// delegate's own.
type DelegateError struct {
	Op  string
	Err error
}

func (e *DelegateError) Error() string {
	return e.Err.Error()
}

func (e *DelegateError) Unwrap() error {
	return e.Err
}

type options struct {
	now      func() time.Time
	events   EventRecorder
	metrics  Recorder
	notes    NoteUploader
	lookback time.Duration
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithEvents(events EventRecorder) Option {
	return func(o *options) { o.events = events }
}

func WithMetrics(metrics Recorder) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithNotes sets where V1 audit notes go.
func WithNotes(notes NoteUploader) Option {
	return func(o *options) { o.notes = notes }
}

// WithLookback bounds how far back V2 fetches pending commands.
func WithLookback(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lookback = d
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:      time.Now,
		metrics:  noopRecorder{},
		lookback: DefaultLookback,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Outcome is what a successful execution leaves behind.
type Outcome struct {
	SyncIdentifier    string
	CompletionMessage *string
}

func execute(ctx context.Context, d Delegate, action model.Action) (Outcome, error) {
	switch a := action.(type) {
	case model.BolusEntry:
		dose, err := d.DeliverBolus(ctx, a.AmountInUnits)
		if err != nil {
			return Outcome{}, &DelegateError{Op: "bolus", Err: err}
		}
		out := Outcome{SyncIdentifier: dose.SyncIdentifier}
		if dose.ProgrammedUnits < a.AmountInUnits {
			msg := fmt.Sprintf("Bolus amount was reduced from %s U to %s U due to other recent treatments.",
				model.FormatAmount(a.AmountInUnits), model.FormatAmount(dose.ProgrammedUnits))
			out.CompletionMessage = &msg
		}
		return out, nil
	case model.CarbsEntry:
		entry, err := d.LogCarbs(ctx, a)
		if err != nil {
			return Outcome{}, &DelegateError{Op: "carbs", Err: err}
		}
		return Outcome{SyncIdentifier: entry.SyncIdentifier}, nil
	case model.TemporaryScheduleOverride:
		entry, err := d.EnactOverride(ctx, a)
		if err != nil {
			return Outcome{}, &DelegateError{Op: "override", Err: err}
		}
		return Outcome{SyncIdentifier: entry.SyncIdentifier}, nil
	case model.CancelTemporaryOverride:
		entry, err := d.CancelOverride(ctx, a)
		if err != nil {
			return Outcome{}, &DelegateError{Op: "cancel override", Err: err}
		}
		return Outcome{SyncIdentifier: entry.SyncIdentifier}, nil
	case model.Autobolus:
		if err := d.SetAutobolus(ctx, a.Active); err != nil {
			return Outcome{}, &DelegateError{Op: "autobolus", Err: err}
		}
		return Outcome{}, nil
	case model.ClosedLoop:
		if err := d.SetClosedLoop(ctx, a.Active); err != nil {
			return Outcome{}, &DelegateError{Op: "closed loop", Err: err}
		}
		return Outcome{}, nil
	default:
		return Outcome{}, fmt.Errorf("unsupported action %T", action)
	}
}

// validationReason labels a validator failure for metrics. ok is false for
// errors that did not come from a validator.
func validationReason(err error) (string, bool) {
	switch {
	case errors.Is(err, validate.ErrExpired):
		return "expired", true
	case errors.Is(err, validate.ErrMissingOTP):
		return "missing_otp", true
	case errors.Is(err, otp.ErrMismatch):
		return "otp_mismatch", true
	default:
		return "", false
	}
}

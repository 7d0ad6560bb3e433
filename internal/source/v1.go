package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/command"
	"github.com/g960059/remotecmd/internal/history"
	"github.com/g960059/remotecmd/internal/model"
	"github.com/g960059/remotecmd/internal/payload"
	"github.com/g960059/remotecmd/internal/security"
	"github.com/g960059/remotecmd/internal/validate"
)

const remoteActionError = "Remote Action Error"

// V1 executes actions embedded in the push itself. Every delivery is recorded
// in the notification history before anything else happens.
type V1 struct {
	history  *history.Store
	delegate Delegate
	otp      validate.OTPChecker
	opts     options

	// uploadMu keeps the inline upload and UploadPending off the same entry.
	uploadMu sync.Mutex
}

func NewV1(store *history.Store, delegate Delegate, otp validate.OTPChecker, opts ...Option) *V1 {
	return &V1{
		history:  store,
		delegate: delegate,
		otp:      otp,
		opts:     newOptions(opts),
	}
}

func (s *V1) Name() string { return NameV1 }

// Handle processes one push. Commands that fail validation or execution are
// recorded in history and do not produce an error.
func (s *V1) Handle(ctx context.Context, raw map[string]any) error {
	_, err := s.Process(ctx, raw)
	return err
}

// Process runs the push through decode, dedup, validation and execution and
// returns the final history entry.
func (s *V1) Process(ctx context.Context, raw map[string]any) (model.StoredNotification, error) {
	p, err := payload.DecodeV1(raw)
	if err != nil {
		log.WithError(err).Warn("Discarding undecodable V1 notification")
		return model.StoredNotification{}, err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return model.StoredNotification{}, fmt.Errorf("encode notification: %w", err)
	}

	stored := model.StoredNotification{
		ID:           p.ID,
		ReceivedDate: s.opts.now(),
		Action:       p.Action,
		RawPayload:   security.RedactJSON(data),
	}
	if err := s.history.Insert(stored); err != nil {
		if errors.Is(err, history.ErrDuplicate) {
			s.opts.metrics.DuplicateRejected(NameV1)
			log.WithField("id", p.ID).Info("Ignoring duplicate V1 notification")
			return model.StoredNotification{}, ErrDuplicateCommand
		}
		return model.StoredNotification{}, fmt.Errorf("record notification: %w", err)
	}

	validators := validate.Chain{
		validate.Expiration{Expiration: p.Expiration, SentAt: p.SentAt, Now: s.opts.now},
	}
	if p.RequiresOTP {
		validators = append(validators, validate.OTP{SentAt: p.SentAt, Code: p.OTP, Checker: s.otp})
	}
	cmd := command.New(p.ID, p.Action, p.SentAt, validators, command.StatusWriterFunc(s.writeStatus))

	if err := cmd.Validate(); err != nil {
		return s.fail(ctx, cmd, stored, err)
	}
	if err := cmd.MarkInProgress(ctx); err != nil {
		return s.fail(ctx, cmd, stored, err)
	}
	out, err := execute(ctx, s.delegate, cmd.Action())
	if err != nil {
		return s.fail(ctx, cmd, stored, err)
	}

	stored.Status = model.SuccessStatus(s.opts.now(), out.SyncIdentifier, out.CompletionMessage)
	if err := s.history.Upsert(stored); err != nil {
		return stored, fmt.Errorf("record notification outcome: %w", err)
	}
	if err := cmd.MarkSuccess(ctx); err != nil {
		log.WithError(err).WithField("id", p.ID).Warn("Could not mark V1 command successful")
	}
	s.opts.metrics.CommandFinished(NameV1, model.StateSuccess)
	log.WithFields(log.Fields{"id": p.ID, "action": cmd.Description()}).Info("V1 command succeeded")

	return s.upload(ctx, stored), nil
}

func (s *V1) fail(ctx context.Context, cmd *command.RemoteCommand, stored model.StoredNotification, cause error) (model.StoredNotification, error) {
	if reason, ok := validationReason(cause); ok {
		s.opts.metrics.ValidationFailed(NameV1, reason)
	}
	stored.Status = model.FailureStatus(s.opts.now(), cause.Error())
	var expired *validate.ExpiredError
	if errors.As(cause, &expired) {
		stored.Status.Detail = expired.Detail()
	}
	if err := s.history.Upsert(stored); err != nil {
		return stored, fmt.Errorf("record notification failure: %w", err)
	}
	if err := cmd.MarkError(ctx, cause); err != nil {
		log.WithError(err).WithField("id", cmd.ID()).Warn("Could not mark V1 command failed")
	}
	s.opts.metrics.CommandFinished(NameV1, model.StateError)
	log.WithFields(log.Fields{"id": cmd.ID(), "action": cmd.Description(), "error": cause}).Warn("V1 command failed")

	return s.upload(ctx, stored), nil
}

// writeStatus mirrors transitions into the event log. The history entry is
// the authoritative record for V1, so a failed mirror write is only logged.
func (s *V1) writeStatus(ctx context.Context, cmd *command.RemoteCommand, status model.CommandStatus) error {
	if s.opts.events == nil {
		return nil
	}
	if err := s.opts.events.RecordCommandEvent(ctx, cmd.ID(), NameV1, status); err != nil {
		log.WithError(err).WithField("id", cmd.ID()).Warn("Could not record V1 command event")
	}
	return nil
}

// upload sends the audit note for n when one is due and marks n uploaded. On
// failure n stays pending for UploadPending. The entry is re-read under
// uploadMu so an upload that finished meanwhile is not repeated.
func (s *V1) upload(ctx context.Context, n model.StoredNotification) model.StoredNotification {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	current, err := s.history.Get(n.ID)
	if err != nil {
		// Trimmed or deleted; nothing left to mark.
		return n
	}
	n = current
	if !n.IsPendingUpload() {
		return n
	}
	if n.RequiresNote() && s.opts.notes != nil {
		if err := s.opts.notes.UploadNote(ctx, s.note(n)); err != nil {
			s.opts.metrics.NoteUploaded(false)
			log.WithError(err).WithField("id", n.ID).Warn("Audit note upload failed")
			return n
		}
		s.opts.metrics.NoteUploaded(true)
	}
	n.Uploaded = true
	if err := s.history.Upsert(n); err != nil {
		log.WithError(err).WithField("id", n.ID).Warn("Could not mark notification uploaded")
		n.Uploaded = false
	}
	return n
}

func (s *V1) note(n model.StoredNotification) model.Note {
	enteredBy := model.Describe(n.Action)
	if enteredBy == "" {
		enteredBy = remoteActionError
	}
	msg := n.Status.ErrorMessage
	if n.Status.Outcome == model.OutcomeSuccess && n.Status.CompletionMessage != nil {
		msg = *n.Status.CompletionMessage
	}
	if n.Status.Detail != "" {
		msg += "\n" + n.Status.Detail
	}
	return model.Note{
		ID:        uuid.NewString(),
		Timestamp: s.opts.now(),
		EnteredBy: enteredBy,
		Notes:     msg + "\n" + string(n.RawPayload),
		EventType: model.NoteEventType,
	}
}

// UploadPending retries the oldest entry still waiting for its audit upload.
// It reports whether that entry is now uploaded.
func (s *V1) UploadPending(ctx context.Context) bool {
	n, ok := s.history.OldestPendingUpload()
	if !ok {
		return false
	}
	return s.upload(ctx, n).Uploaded
}

// History returns the recorded notifications, oldest first.
func (s *V1) History() []model.StoredNotification {
	return s.history.List()
}

func (s *V1) DeleteHistory() error {
	return s.history.DeleteAll()
}

func (s *V1) Subscribe(ctx context.Context) <-chan []model.StoredNotification {
	return s.history.Subscribe(ctx)
}

// MatchDose returns the bolus notifications that dose can be attributed to.
func (s *V1) MatchDose(dose model.DoseEntry) []model.StoredNotification {
	var out []model.StoredNotification
	for _, n := range s.history.List() {
		if n.ContainsDose(dose) {
			out = append(out, n)
		}
	}
	return out
}

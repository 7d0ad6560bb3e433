package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/command"
	"github.com/g960059/remotecmd/internal/handled"
	"github.com/g960059/remotecmd/internal/model"
	"github.com/g960059/remotecmd/internal/payload"
	"github.com/g960059/remotecmd/internal/validate"
)

// CommandResult is the local view of one V2 command after processing.
type CommandResult struct {
	CommandID   string             `json:"command_id"`
	Description string             `json:"description"`
	State       model.CommandState `json:"state"`
	Message     string             `json:"message,omitempty"`
	Executed    bool               `json:"executed"`
}

// V2 executes commands held by the backend. A command id is durably marked
// handled before its action runs, and a handled id never runs again.
type V2 struct {
	backend  Backend
	handled  handled.Store
	delegate Delegate
	otp      validate.OTPChecker
	opts     options

	mu sync.Mutex
	// stalled holds why a handled command never ran, keyed by id.
	stalled map[string]error
}

func NewV2(backend Backend, store handled.Store, delegate Delegate, otp validate.OTPChecker, opts ...Option) *V2 {
	return &V2{
		backend:  backend,
		handled:  store,
		delegate: delegate,
		otp:      otp,
		opts:     newOptions(opts),
		stalled:  make(map[string]error),
	}
}

func (s *V2) Name() string { return NameV2 }

func (s *V2) Handle(ctx context.Context, raw map[string]any) error {
	_, err := s.HandleNotification(ctx, raw)
	return err
}

// HandleNotification processes the pending command named by the push.
func (s *V2) HandleNotification(ctx context.Context, raw map[string]any) (CommandResult, error) {
	ref, err := payload.DecodeV2Reference(raw)
	if err != nil {
		log.WithError(err).Warn("Discarding undecodable V2 notification")
		return CommandResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.fetchPending(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	for _, qc := range pending {
		if qc.ID == ref.ID {
			return s.process(ctx, qc)
		}
	}

	// Not pending anymore. A handled id is a redelivery; its status on the
	// backend is already settled and is left alone.
	seen, err := s.handled.Contains(ctx, ref.ID)
	if err != nil {
		return CommandResult{}, fmt.Errorf("read handled command ids: %w", err)
	}
	if seen {
		s.opts.metrics.DuplicateRejected(NameV2)
		log.WithField("id", ref.ID).Info("Ignoring redelivered V2 notification")
		return CommandResult{CommandID: ref.ID, State: model.StateError, Message: ErrDuplicateCommand.Error()}, ErrDuplicateCommand
	}
	log.WithField("id", ref.ID).Warn("V2 notification names no pending command")
	return CommandResult{CommandID: ref.ID, State: model.StateError, Message: ErrMissingCommand.Error()}, ErrMissingCommand
}

// Poll runs one cycle over every pending command. A failing command does not
// stop the others.
func (s *V2) Poll(ctx context.Context) ([]CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.fetchPending(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]CommandResult, 0, len(pending))
	seen := make(map[string]struct{}, len(pending))
	for _, qc := range pending {
		if _, dup := seen[qc.ID]; dup {
			// The first copy owns the backend status for this id.
			s.opts.metrics.DuplicateRejected(NameV2)
			log.WithField("id", qc.ID).Warn("Duplicate V2 command in poll batch")
			results = append(results, CommandResult{
				CommandID:   qc.ID,
				Description: model.Describe(qc.Action),
				State:       model.StateError,
				Message:     ErrDuplicateCommand.Error(),
			})
			continue
		}
		seen[qc.ID] = struct{}{}

		res, err := s.process(ctx, qc)
		if err != nil && !errors.Is(err, ErrDuplicateCommand) {
			log.WithError(err).WithField("id", qc.ID).Warn("V2 command processing stopped")
		}
		results = append(results, res)
	}
	return results, nil
}

// FetchCommands lists every command inside the lookback window.
func (s *V2) FetchCommands(ctx context.Context) ([]model.QueuedCommand, error) {
	cmds, err := s.backend.FetchCommands(ctx, s.opts.now().Add(-s.opts.lookback))
	if err != nil {
		return nil, fmt.Errorf("fetch commands: %w", err)
	}
	return cmds, nil
}

func (s *V2) fetchPending(ctx context.Context) ([]model.QueuedCommand, error) {
	cmds, err := s.backend.FetchPendingCommands(ctx, s.opts.now().Add(-s.opts.lookback))
	if err != nil {
		return nil, fmt.Errorf("fetch pending commands: %w", err)
	}
	return cmds, nil
}

// process dedups, validates and executes one command. The returned error is
// non-nil when the command did not reach execution for a reason other than a
// validation failure.
func (s *V2) process(ctx context.Context, qc model.QueuedCommand) (CommandResult, error) {
	created := qc.CreatedDate
	code := qc.OTP
	validators := validate.Chain{
		validate.OTP{SentAt: &created, Code: &code, Checker: s.otp},
	}
	cmd := command.New(qc.ID, qc.Action, &created, validators, command.StatusWriterFunc(s.writeStatus))
	res := CommandResult{CommandID: qc.ID, Description: cmd.Description()}
	logger := log.WithFields(log.Fields{"id": qc.ID, "action": res.Description, "created": cmd.CreatedDate()})

	seen, err := s.handled.Contains(ctx, qc.ID)
	if err != nil {
		res.State = model.StatePending
		return res, fmt.Errorf("read handled command ids: %w", err)
	}
	if seen {
		if cause, ok := s.stalled[qc.ID]; ok {
			res = s.finishError(ctx, cmd, res, cause)
			if cmd.Status().State == model.StateError {
				delete(s.stalled, qc.ID)
			}
			return res, nil
		}
		return s.rejectDuplicate(ctx, cmd, res)
	}
	if err := s.handled.MarkHandled(ctx, qc.ID); err != nil {
		if errors.Is(err, handled.ErrDuplicate) {
			return s.rejectDuplicate(ctx, cmd, res)
		}
		logger.WithError(err).Error("Could not persist handled command id")
		return s.finishError(ctx, cmd, res, ErrFailedCommandIDPersistenceSave), fmt.Errorf("%w: %v", ErrFailedCommandIDPersistenceSave, err)
	}

	if err := cmd.Validate(); err != nil {
		if reason, ok := validationReason(err); ok {
			s.opts.metrics.ValidationFailed(NameV2, reason)
		}
		return s.finishError(ctx, cmd, res, err), nil
	}
	if err := cmd.MarkInProgress(ctx); err != nil {
		// Without a reported InProgress the action does not run. The id is
		// already handled, so the next poll reports this cause instead.
		cause := fmt.Errorf("%w: could not report progress: %v", ErrNotExecuted, err)
		s.stalled[qc.ID] = cause
		s.recordEvent(ctx, qc.ID, model.CommandStatus{State: model.StatePending, Message: cause.Error()})
		res.State = cmd.Status().State
		return res, fmt.Errorf("report in progress: %w", err)
	}

	out, err := execute(ctx, s.delegate, cmd.Action())
	res.Executed = true
	if err != nil {
		return s.finishError(ctx, cmd, res, err), nil
	}
	if err := cmd.MarkSuccess(ctx); err != nil {
		logger.WithError(err).Warn("Could not report V2 command success")
	}
	s.opts.metrics.CommandFinished(NameV2, model.StateSuccess)
	res.State = model.StateSuccess
	if out.CompletionMessage != nil {
		res.Message = *out.CompletionMessage
	}
	logger.Info("V2 command succeeded")
	return res, nil
}

func (s *V2) rejectDuplicate(ctx context.Context, cmd *command.RemoteCommand, res CommandResult) (CommandResult, error) {
	s.opts.metrics.DuplicateRejected(NameV2)
	return s.finishError(ctx, cmd, res, ErrDuplicateCommand), ErrDuplicateCommand
}

func (s *V2) finishError(ctx context.Context, cmd *command.RemoteCommand, res CommandResult, cause error) CommandResult {
	if err := cmd.MarkError(ctx, cause); err != nil {
		log.WithError(err).WithField("id", cmd.ID()).Warn("Could not report V2 command error")
	}
	s.opts.metrics.CommandFinished(NameV2, model.StateError)
	log.WithFields(log.Fields{"id": cmd.ID(), "created": cmd.CreatedDate(), "error": cause}).Warn("V2 command failed")
	res.State = model.StateError
	res.Message = cause.Error()
	return res
}

// writeStatus appends the transition to the event log and reports it to the
// backend. The backend report decides whether the transition happened.
func (s *V2) writeStatus(ctx context.Context, cmd *command.RemoteCommand, status model.CommandStatus) error {
	s.recordEvent(ctx, cmd.ID(), status)
	return s.backend.UpdateCommandStatus(ctx, cmd.ID(), status)
}

func (s *V2) recordEvent(ctx context.Context, id string, status model.CommandStatus) {
	if s.opts.events == nil {
		return
	}
	if err := s.opts.events.RecordCommandEvent(ctx, id, NameV2, status); err != nil {
		log.WithError(err).WithField("id", id).Warn("Could not record V2 command event")
	}
}

// Lookback reports the fetch window.
func (s *V2) Lookback() time.Duration {
	return s.opts.lookback
}

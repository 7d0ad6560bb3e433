// Package command holds the RemoteCommand entity and its lifecycle
// Pending -> InProgress -> Success | Error.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/g960059/remotecmd/internal/model"
	"github.com/g960059/remotecmd/internal/validate"
)

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventFail    = "fail"
)

var (
	ErrInvalidTransition = errors.New("invalid command status transition")
	ErrNotValidated      = errors.New("command must pass validation before it starts")
)

// StatusWriter durably records a status before the command applies it in
// memory. A write error leaves the command in its previous state.
type StatusWriter interface {
	WriteStatus(ctx context.Context, cmd *RemoteCommand, status model.CommandStatus) error
}

type StatusWriterFunc func(ctx context.Context, cmd *RemoteCommand, status model.CommandStatus) error

func (f StatusWriterFunc) WriteStatus(ctx context.Context, cmd *RemoteCommand, status model.CommandStatus) error {
	return f(ctx, cmd, status)
}

type RemoteCommand struct {
	id          string
	action      model.Action
	createdDate *time.Time
	validators  validate.Chain
	writer      StatusWriter

	mu        sync.Mutex
	status    model.CommandStatus
	validated bool
	machine   *fsm.FSM
}

func New(id string, action model.Action, createdDate *time.Time, validators validate.Chain, writer StatusWriter) *RemoteCommand {
	return &RemoteCommand{
		id:          id,
		action:      action,
		createdDate: createdDate,
		validators:  validators,
		writer:      writer,
		status:      model.CommandStatus{State: model.StatePending},
		machine: fsm.NewFSM(
			string(model.StatePending),
			fsm.Events{
				{Name: eventStart, Src: []string{string(model.StatePending)}, Dst: string(model.StateInProgress)},
				{Name: eventSucceed, Src: []string{string(model.StateInProgress)}, Dst: string(model.StateSuccess)},
				{Name: eventFail, Src: []string{string(model.StatePending), string(model.StateInProgress)}, Dst: string(model.StateError)},
			},
			fsm.Callbacks{},
		),
	}
}

func (c *RemoteCommand) ID() string           { return c.id }
func (c *RemoteCommand) Action() model.Action { return c.action }

func (c *RemoteCommand) CreatedDate() *time.Time {
	return c.createdDate
}

func (c *RemoteCommand) Status() model.CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *RemoteCommand) Description() string {
	return model.Describe(c.action)
}

// Validate runs the validator chain. A command may only start after a
// successful validation.
func (c *RemoteCommand) Validate() error {
	err := c.validators.Validate()
	c.mu.Lock()
	c.validated = err == nil
	c.mu.Unlock()
	return err
}

func (c *RemoteCommand) MarkInProgress(ctx context.Context) error {
	c.mu.Lock()
	validated := c.validated
	c.mu.Unlock()
	if !validated {
		return ErrNotValidated
	}
	return c.transition(ctx, eventStart, model.CommandStatus{State: model.StateInProgress})
}

func (c *RemoteCommand) MarkSuccess(ctx context.Context) error {
	return c.transition(ctx, eventSucceed, model.CommandStatus{State: model.StateSuccess})
}

func (c *RemoteCommand) MarkError(ctx context.Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return c.transition(ctx, eventFail, model.CommandStatus{State: model.StateError, Message: msg})
}

func (c *RemoteCommand) transition(ctx context.Context, event string, next model.CommandStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.machine.Can(event) {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, c.machine.Current())
	}
	if c.writer != nil {
		if err := c.writer.WriteStatus(ctx, c, next); err != nil {
			return fmt.Errorf("persist %s status: %w", next.State, err)
		}
	}
	if err := c.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("apply %s: %w", event, err)
	}
	c.status = next
	return nil
}

package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type CommandState string

const (
	StatePending    CommandState = "Pending"
	StateInProgress CommandState = "InProgress"
	StateSuccess    CommandState = "Success"
	StateError      CommandState = "Error"
)

func (s CommandState) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateSuccess, StateError:
		return true
	default:
		return false
	}
}

type CommandStatus struct {
	State   CommandState `json:"state"`
	Message string       `json:"message"`
}

// QueuedCommand is a server-authoritative command document as held by the
// remote backend.
type QueuedCommand struct {
	ID          string
	Action      Action
	OTP         string
	CreatedDate time.Time
	Status      CommandStatus
}

type queuedCommandDoc struct {
	ID          string          `json:"_id"`
	Action      json.RawMessage `json:"action"`
	OTP         string          `json:"otp"`
	CreatedDate time.Time       `json:"createdDate"`
	Status      CommandStatus   `json:"status"`
}

var ErrMissingCommandID = errors.New("Missing ID")

func (c QueuedCommand) MarshalJSON() ([]byte, error) {
	action, err := MarshalAction(c.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(queuedCommandDoc{
		ID:          c.ID,
		Action:      action,
		OTP:         c.OTP,
		CreatedDate: c.CreatedDate,
		Status:      c.Status,
	})
}

func (c *QueuedCommand) UnmarshalJSON(data []byte) error {
	var doc queuedCommandDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if doc.ID == "" {
		return ErrMissingCommandID
	}
	action, err := UnmarshalAction(doc.Action)
	if err != nil {
		return err
	}
	if doc.Status.State == "" {
		doc.Status.State = StatePending
	}
	*c = QueuedCommand{
		ID:          doc.ID,
		Action:      action,
		OTP:         doc.OTP,
		CreatedDate: doc.CreatedDate,
		Status:      doc.Status,
	}
	return nil
}

// Note is a note-style treatment record uploaded to the data backend for audit.
type Note struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EnteredBy string    `json:"enteredBy"`
	Notes     string    `json:"notes"`
	EventType string    `json:"eventType"`
}

const NoteEventType = "Note"

// DoseEntry is a bolus as programmed by the therapy delegate.
type DoseEntry struct {
	SyncIdentifier  string    `json:"syncIdentifier"`
	StartDate       time.Time `json:"startDate"`
	ProgrammedUnits float64   `json:"programmedUnits"`
}

type CarbEntry struct {
	SyncIdentifier string    `json:"syncIdentifier"`
	StartDate      time.Time `json:"startDate"`
	Grams          float64   `json:"grams"`
}

type OverrideEntry struct {
	SyncIdentifier string         `json:"syncIdentifier"`
	Name           string         `json:"name"`
	StartDate      time.Time      `json:"startDate"`
	Duration       *time.Duration `json:"duration,omitempty"`
}

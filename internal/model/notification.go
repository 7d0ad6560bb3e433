package model

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type NotificationOutcome string

const (
	OutcomeSuccess NotificationOutcome = "success"
	OutcomeFailure NotificationOutcome = "failure"
)

// EnactmentMatchWindow bounds dose matching for a bolus notification that has
// not recorded a completion date yet.
const EnactmentMatchWindow = 5 * time.Minute

// NotificationStatus is the outcome of a V1 notification. Detail is an
// optional longer explanation for the audit note.
type NotificationStatus struct {
	Outcome           NotificationOutcome `json:"outcome"`
	Date              time.Time           `json:"date"`
	SyncIdentifier    string              `json:"syncIdentifier,omitempty"`
	CompletionMessage *string             `json:"completionMessage,omitempty"`
	ErrorMessage      string              `json:"errorMessage,omitempty"`
	Detail            string              `json:"detail,omitempty"`
}

func SuccessStatus(date time.Time, syncIdentifier string, completionMessage *string) *NotificationStatus {
	return &NotificationStatus{
		Outcome:           OutcomeSuccess,
		Date:              date,
		SyncIdentifier:    syncIdentifier,
		CompletionMessage: completionMessage,
	}
}

func FailureStatus(date time.Time, errorMessage string) *NotificationStatus {
	return &NotificationStatus{
		Outcome:      OutcomeFailure,
		Date:         date,
		ErrorMessage: errorMessage,
	}
}

// StoredNotification is one processed V1 push notification.
type StoredNotification struct {
	ID           string
	ReceivedDate time.Time
	Action       Action
	RawPayload   []byte
	Status       *NotificationStatus
	Uploaded     bool
}

type storedNotificationDoc struct {
	ID           string              `json:"id"`
	ReceivedDate time.Time           `json:"receivedDate"`
	Action       json.RawMessage     `json:"action"`
	Payload      json.RawMessage     `json:"payload"`
	Status       *NotificationStatus `json:"status,omitempty"`
	Uploaded     bool                `json:"uploaded"`
}

func (n StoredNotification) MarshalJSON() ([]byte, error) {
	action, err := MarshalAction(n.Action)
	if err != nil {
		return nil, err
	}
	payload := json.RawMessage(n.RawPayload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(storedNotificationDoc{
		ID:           n.ID,
		ReceivedDate: n.ReceivedDate,
		Action:       action,
		Payload:      payload,
		Status:       n.Status,
		Uploaded:     n.Uploaded,
	})
}

func (n *StoredNotification) UnmarshalJSON(data []byte) error {
	var doc storedNotificationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode stored notification: %w", err)
	}
	action, err := UnmarshalAction(doc.Action)
	if err != nil {
		return err
	}
	*n = StoredNotification{
		ID:           doc.ID,
		ReceivedDate: doc.ReceivedDate,
		Action:       action,
		RawPayload:   []byte(doc.Payload),
		Status:       doc.Status,
		Uploaded:     doc.Uploaded,
	}
	return nil
}

// Clone returns a copy that shares no mutable state with n.
func (n StoredNotification) Clone() StoredNotification {
	out := n
	if n.RawPayload != nil {
		out.RawPayload = append([]byte(nil), n.RawPayload...)
	}
	if n.Status != nil {
		st := *n.Status
		if st.CompletionMessage != nil {
			msg := *st.CompletionMessage
			st.CompletionMessage = &msg
		}
		out.Status = &st
	}
	return out
}

// IsPendingUpload reports whether a terminal status has not been pushed to the
// data backend yet.
func (n StoredNotification) IsPendingUpload() bool {
	return !n.Uploaded && n.Status != nil
}

// RequiresNote reports whether the outcome deserves an audit note: any failure,
// or a success that carries a completion message.
func (n StoredNotification) RequiresNote() bool {
	if n.Status == nil {
		return false
	}
	switch n.Status.Outcome {
	case OutcomeFailure:
		return true
	case OutcomeSuccess:
		return n.Status.CompletionMessage != nil && *n.Status.CompletionMessage != ""
	default:
		return false
	}
}

func (n StoredNotification) CompletionDate() *time.Time {
	if n.Status == nil {
		return nil
	}
	d := n.Status.Date
	return &d
}

// ContainsDose matches a delivered dose back to this notification. Once the
// notification succeeded the sync identifier decides; before that a dose
// matches when it is no larger than requested and started inside the
// enactment period.
func (n StoredNotification) ContainsDose(dose DoseEntry) bool {
	bolus, ok := n.Action.(BolusEntry)
	if !ok {
		return false
	}
	if n.Status != nil && n.Status.Outcome == OutcomeSuccess {
		return dose.SyncIdentifier == n.Status.SyncIdentifier
	}
	if !n.withinEnactmentPeriod(dose.StartDate) {
		return false
	}
	return dose.ProgrammedUnits <= bolus.AmountInUnits
}

func (n StoredNotification) withinEnactmentPeriod(t time.Time) bool {
	if t.Before(n.ReceivedDate) {
		return false
	}
	completion := n.CompletionDate()
	if completion == nil {
		// In progress, or the process died mid-enactment.
		return t.Sub(n.ReceivedDate) < EnactmentMatchWindow
	}
	return !t.After(*completion)
}

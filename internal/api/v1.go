package api

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/g960059/remotecmd/internal/model"
)

const SchemaVersion = "v1"

const (
	ErrCodeInvalid            = "E_INVALID"
	ErrCodeNotFound           = "E_NOT_FOUND"
	ErrCodeDuplicate          = "E_DUPLICATE"
	ErrCodeUnsupportedVersion = "E_UNSUPPORTED_VERSION"
	ErrCodeDecode             = "E_DECODE"
	ErrCodeUnavailable        = "E_UNAVAILABLE"
	ErrCodeInternal           = "E_INTERNAL"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// NotificationResponse acknowledges a push. Message carries the source's
// refusal, e.g. "Duplicate command", when the push was not executed.
type NotificationResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Accepted      bool      `json:"accepted"`
	Version       string    `json:"version"`
	Message       string    `json:"message,omitempty"`
}

type CommandResult struct {
	CommandID   string `json:"command_id"`
	Description string `json:"description"`
	State       string `json:"state"`
	Message     string `json:"message,omitempty"`
	Executed    bool   `json:"executed"`
}

type PollResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Results       []CommandResult `json:"results"`
}

type CommandResponse struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Action      json.RawMessage     `json:"action"`
	CreatedDate time.Time           `json:"created_date"`
	Status      model.CommandStatus `json:"status"`
}

type CommandsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Commands      []CommandResponse `json:"commands"`
}

type EnqueueRequest struct {
	ID          string          `json:"id,omitempty"`
	Action      json.RawMessage `json:"action"`
	OTP         string          `json:"otp,omitempty"`
	CreatedDate *time.Time      `json:"created_date,omitempty"`
}

type EnqueueResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Command       CommandResponse `json:"command"`
}

type HistoryEnvelope struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Notifications []model.StoredNotification `json:"notifications"`
}

type OTPResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Code          string    `json:"code"`
	ValidUntil    time.Time `json:"valid_until"`
}

func NewCommandResponse(c model.QueuedCommand) (CommandResponse, error) {
	action, err := model.MarshalAction(c.Action)
	if err != nil {
		return CommandResponse{}, err
	}
	return CommandResponse{
		ID:          c.ID,
		Description: model.Describe(c.Action),
		Action:      action,
		CreatedDate: c.CreatedDate,
		Status:      c.Status,
	}, nil
}

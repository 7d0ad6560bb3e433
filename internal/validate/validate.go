package validate

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExpired    = errors.New("Expired")
	ErrMissingOTP = errors.New("Missing OTP")
)

// Validator is a single pre-execution check of a remote command.
type Validator interface {
	Validate() error
}

// Chain runs validators in order and stops at the first failure.
type Chain []Validator

func (c Chain) Validate() error {
	for _, v := range c {
		if v == nil {
			continue
		}
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clock supplies the current time; nil means time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// ExpiredError reports a command that arrived after its expiration. It
// matches ErrExpired with errors.Is.
type ExpiredError struct {
	Expiration time.Time
	SentAt     *time.Time
	ReceivedAt time.Time
}

func (e *ExpiredError) Error() string {
	return ErrExpired.Error()
}

func (e *ExpiredError) Is(target error) bool {
	return target == ErrExpired
}

// Detail spells out when the command was sent and received.
func (e *ExpiredError) Detail() string {
	received := e.ReceivedAt.UTC().Format(time.RFC3339)
	if e.SentAt == nil {
		return fmt.Sprintf("Remote command expired at %s and was received at %s.",
			e.Expiration.UTC().Format(time.RFC3339), received)
	}
	return fmt.Sprintf("Remote command expired. It was sent at %s and received at %s.",
		e.SentAt.UTC().Format(time.RFC3339), received)
}

// Expiration passes when no expiration is set or now is not past it.
type Expiration struct {
	Expiration *time.Time
	SentAt     *time.Time
	Now        Clock
}

func (v Expiration) Validate() error {
	if v.Expiration == nil {
		return nil
	}
	now := v.Now.now()
	if now.After(*v.Expiration) {
		return &ExpiredError{Expiration: *v.Expiration, SentAt: v.SentAt, ReceivedAt: now}
	}
	return nil
}

// OTPChecker validates a one-time password against a rolling code anchored
// near deliveryDate.
type OTPChecker interface {
	Validate(code string, deliveryDate *time.Time) error
}

// OTP fails with ErrMissingOTP when no code was sent and otherwise defers to
// the checker.
type OTP struct {
	SentAt  *time.Time
	Code    *string
	Checker OTPChecker
}

func (v OTP) Validate() error {
	if v.Code == nil || *v.Code == "" {
		return ErrMissingOTP
	}
	if v.Checker == nil {
		return errors.New("otp checker not configured")
	}
	return v.Checker.Validate(*v.Code, v.SentAt)
}

// Package otp validates the rolling one-time passwords that authenticate remote
// commands. Codes are RFC 6238 TOTP values; secret provisioning lives elsewhere.
package otp

import (
	"errors"
	"fmt"
	"time"

	pqotp "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var ErrMismatch = errors.New("OTP mismatch")

const (
	DefaultPeriod = 30 * time.Second
	DefaultSkew   = 1
)

type Manager struct {
	secret string
	opts   totp.ValidateOpts
	now    func() time.Time
}

type Option func(*Manager)

func WithPeriod(period time.Duration) Option {
	return func(m *Manager) {
		if period >= time.Second {
			m.opts.Period = uint(period / time.Second)
		}
	}
}

// WithSkew sets how many periods before and after the anchor are accepted.
func WithSkew(skew uint) Option {
	return func(m *Manager) {
		m.opts.Skew = skew
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(secret string, opts ...Option) *Manager {
	m := &Manager{
		secret: secret,
		opts: totp.ValidateOpts{
			Period:    uint(DefaultPeriod / time.Second),
			Skew:      DefaultSkew,
			Digits:    pqotp.DigitsSix,
			Algorithm: pqotp.AlgorithmSHA1,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateSecret returns a fresh base32 secret suitable for NewManager.
func GenerateSecret(accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "remotecmd",
		AccountName: accountName,
	})
	if err != nil {
		return "", fmt.Errorf("generate otp secret: %w", err)
	}
	return key.Secret(), nil
}

// Validate checks code against the codes of the periods around deliveryDate,
// or around now when the delivery date is unknown.
func (m *Manager) Validate(code string, deliveryDate *time.Time) error {
	anchor := m.now()
	if deliveryDate != nil {
		anchor = *deliveryDate
	}
	ok, err := totp.ValidateCustom(code, m.secret, anchor.UTC(), m.opts)
	if errors.Is(err, pqotp.ErrValidateInputInvalidLength) {
		return ErrMismatch
	}
	if err != nil {
		return fmt.Errorf("validate otp: %w", err)
	}
	if !ok {
		return ErrMismatch
	}
	return nil
}

// CodeAt returns the code for the period containing t.
func (m *Manager) CodeAt(t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(m.secret, t.UTC(), m.opts)
	if err != nil {
		return "", fmt.Errorf("generate otp code: %w", err)
	}
	return code, nil
}

// Current returns the code for now along with the time it stops being current.
func (m *Manager) Current() (string, time.Time, error) {
	now := m.now()
	code, err := m.CodeAt(now)
	if err != nil {
		return "", time.Time{}, err
	}
	period := int64(m.opts.Period)
	next := (now.Unix()/period + 1) * period
	return code, time.Unix(next, 0).UTC(), nil
}

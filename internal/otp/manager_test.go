package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestValidateAcceptsCodeForDeliveryWindow(t *testing.T) {
	sent := time.Date(2024, 3, 10, 8, 0, 5, 0, time.UTC)
	m := NewManager(testSecret, WithClock(func() time.Time { return sent.Add(2 * time.Hour) }))

	code, err := m.CodeAt(sent)
	require.NoError(t, err)

	assert.NoError(t, m.Validate(code, &sent))
	withinSkew := sent.Add(DefaultPeriod)
	assert.NoError(t, m.Validate(code, &withinSkew), "one period of drift is tolerated")
}

func TestValidateRejectsCodeOutsideWindow(t *testing.T) {
	sent := time.Date(2024, 3, 10, 8, 0, 5, 0, time.UTC)
	m := NewManager(testSecret)

	code, err := m.CodeAt(sent)
	require.NoError(t, err)

	late := sent.Add(5 * time.Minute)
	assert.ErrorIs(t, m.Validate(code, &late), ErrMismatch)
}

func TestValidateRejectsMalformedCode(t *testing.T) {
	sent := time.Now()
	m := NewManager(testSecret)

	assert.ErrorIs(t, m.Validate("12", &sent), ErrMismatch)
	assert.ErrorIs(t, m.Validate("000000x", &sent), ErrMismatch)
}

func TestValidateWithoutDeliveryDateAnchorsOnNow(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 5, 0, time.UTC)
	m := NewManager(testSecret, WithClock(func() time.Time { return now }))

	code, expires, err := m.Current()
	require.NoError(t, err)
	assert.True(t, expires.After(now))
	assert.NoError(t, m.Validate(code, nil))
}

func TestGenerateSecretProducesUsableSecret(t *testing.T) {
	secret, err := GenerateSecret("caregiver")
	require.NoError(t, err)
	m := NewManager(secret)
	now := time.Now()
	code, err := m.CodeAt(now)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.NoError(t, m.Validate(code, &now))
}

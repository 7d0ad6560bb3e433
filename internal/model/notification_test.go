package model

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribeRendersTitleAndDetail(t *testing.T) {
	food := "pizza"
	cases := []struct {
		action Action
		want   string
	}{
		{BolusEntry{AmountInUnits: 2.5}, "Bolus Entry 2.5 U"},
		{CarbsEntry{AmountInGrams: 30, FoodType: &food}, "Carb Entry 30 g"},
		{TemporaryScheduleOverride{Name: "Exercise"}, "Override Exercise"},
		{CancelTemporaryOverride{}, "Cancel Override"},
		{Autobolus{Active: true}, "Autobolus Update Active"},
		{ClosedLoop{Active: false}, "Closed Loop Update Inactive"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Describe(tc.action))
	}
}

func TestOverrideNameSurvivesActionCodec(t *testing.T) {
	minutes := 30 * time.Minute
	in := TemporaryScheduleOverride{Name: "Exercise", DurationTime: &minutes, RemoteAddress: "A"}
	assert.Equal(t, "Override", in.Title())
	assert.Equal(t, "Exercise", in.Detail())

	data, err := MarshalAction(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"override","name":"Exercise","durationTime":1800,"remoteAddress":"A"}`, string(data))

	out, err := UnmarshalAction(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStoredNotificationRoundTripPreservesStatusDatesAndPayload(t *testing.T) {
	received := time.Date(2022, 12, 24, 21, 34, 2, 90_000_000, time.UTC)
	msg := "Bolus amount was reduced from 3 U to 2 U due to other recent treatments."
	absorption := 3 * time.Hour
	in := StoredNotification{
		ID:           "1671917642.09",
		ReceivedDate: received,
		Action:       CarbsEntry{AmountInGrams: 42, AbsorptionTime: &absorption},
		RawPayload:   []byte(`{"carbs-entry":42,"otp":"123456"}`),
		Status:       SuccessStatus(received.Add(3*time.Second), "sync-1", &msg),
		Uploaded:     true,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out StoredNotification
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.ReceivedDate.Equal(out.ReceivedDate))
	assert.Equal(t, in.Action, out.Action)
	assert.JSONEq(t, string(in.RawPayload), string(out.RawPayload))
	require.NotNil(t, out.Status)
	assert.Equal(t, OutcomeSuccess, out.Status.Outcome)
	assert.True(t, in.Status.Date.Equal(out.Status.Date))
	assert.Equal(t, "sync-1", out.Status.SyncIdentifier)
	require.NotNil(t, out.Status.CompletionMessage)
	assert.Equal(t, msg, *out.Status.CompletionMessage)
	assert.True(t, out.Uploaded)
}

func TestContainsDoseUsesSyncIdentifierAfterSuccess(t *testing.T) {
	received := time.Now().UTC()
	n := StoredNotification{
		ID:           "n1",
		ReceivedDate: received,
		Action:       BolusEntry{AmountInUnits: 2},
		Status:       SuccessStatus(received.Add(time.Second), "dose-1", nil),
	}

	assert.True(t, n.ContainsDose(DoseEntry{SyncIdentifier: "dose-1", StartDate: received.Add(time.Hour), ProgrammedUnits: 5}))
	assert.False(t, n.ContainsDose(DoseEntry{SyncIdentifier: "other", StartDate: received, ProgrammedUnits: 1}))
}

func TestContainsDoseHeuristicWithoutCompletion(t *testing.T) {
	received := time.Now().UTC()
	n := StoredNotification{ID: "n1", ReceivedDate: received, Action: BolusEntry{AmountInUnits: 2}}

	assert.True(t, n.ContainsDose(DoseEntry{StartDate: received.Add(time.Minute), ProgrammedUnits: 1.5}))
	assert.False(t, n.ContainsDose(DoseEntry{StartDate: received.Add(time.Minute), ProgrammedUnits: 2.5}), "larger than requested")
	assert.False(t, n.ContainsDose(DoseEntry{StartDate: received.Add(-time.Second), ProgrammedUnits: 1}), "before receipt")
	assert.False(t, n.ContainsDose(DoseEntry{StartDate: received.Add(6 * time.Minute), ProgrammedUnits: 1}), "outside window")
}

func TestContainsDoseBoundedByFailureDate(t *testing.T) {
	received := time.Now().UTC()
	n := StoredNotification{
		ID:           "n1",
		ReceivedDate: received,
		Action:       BolusEntry{AmountInUnits: 2},
		Status:       FailureStatus(received.Add(30*time.Second), "pump error"),
	}

	assert.True(t, n.ContainsDose(DoseEntry{StartDate: received.Add(10 * time.Second), ProgrammedUnits: 2}))
	assert.False(t, n.ContainsDose(DoseEntry{StartDate: received.Add(time.Minute), ProgrammedUnits: 2}))
}

func TestContainsDoseIgnoresNonBolusNotifications(t *testing.T) {
	n := StoredNotification{ID: "n1", ReceivedDate: time.Now(), Action: CarbsEntry{AmountInGrams: 10}}
	assert.False(t, n.ContainsDose(DoseEntry{StartDate: time.Now(), ProgrammedUnits: 1}))
}

func TestRequiresNote(t *testing.T) {
	now := time.Now()
	empty := ""
	msg := "reduced"
	assert.False(t, StoredNotification{}.RequiresNote())
	assert.True(t, StoredNotification{Status: FailureStatus(now, "Expired")}.RequiresNote())
	assert.False(t, StoredNotification{Status: SuccessStatus(now, "s", nil)}.RequiresNote())
	assert.False(t, StoredNotification{Status: SuccessStatus(now, "s", &empty)}.RequiresNote())
	assert.True(t, StoredNotification{Status: SuccessStatus(now, "s", &msg)}.RequiresNote())
}

func TestQueuedCommandDecodeRequiresID(t *testing.T) {
	var c QueuedCommand
	err := c.UnmarshalJSON([]byte(`{"action":{"type":"bolus","amount":1},"otp":"1"}`))
	require.ErrorIs(t, err, ErrMissingCommandID)

	require.NoError(t, c.UnmarshalJSON([]byte(`{"_id":"c1","action":{"type":"override","name":"Exercise","durationTime":1800},"otp":"1","createdDate":"2024-01-01T00:00:00Z"}`)))
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, StatePending, c.Status.State)
	override, ok := c.Action.(TemporaryScheduleOverride)
	require.True(t, ok)
	require.NotNil(t, override.DurationTime)
	assert.Equal(t, 30*time.Minute, *override.DurationTime)
}

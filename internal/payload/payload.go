// Package payload decodes push notification payloads. A payload is a flat
// string-keyed map; its optional "version" key selects the protocol.
package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/g960059/remotecmd/internal/model"
)

const VersionKey = "version"

var (
	ErrUnrecognizedPayload = errors.New("unrecognized remote command payload")
	ErrMissingID           = model.ErrMissingCommandID
	ErrInvalidVersion      = errors.New("invalid payload version")
)

// Version returns the numeric protocol version carried by raw. ok is false
// when the payload has no version key. Both "2.0" and 2.0 are accepted.
func Version(raw map[string]any) (v float64, ok bool, err error) {
	value, present := raw[VersionKey]
	if !present || value == nil {
		return 0, false, nil
	}
	switch x := value.(type) {
	case float64:
		return x, true, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, true, fmt.Errorf("%w: %q", ErrInvalidVersion, x.String())
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, true, fmt.Errorf("%w: %q", ErrInvalidVersion, x)
		}
		return f, true, nil
	default:
		return 0, true, fmt.Errorf("%w: %v", ErrInvalidVersion, value)
	}
}

// Time is a payload timestamp such as 2022-12-24T21:34:02.090Z.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid payload time %q", s)
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("payload time must be a string: %w", err)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t *Time) ptr() *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time
	return &v
}

// V1 is a decoded first-generation push: the action travels inside the
// notification itself.
type V1 struct {
	ID            string
	Action        model.Action
	RemoteAddress string
	Expiration    *time.Time
	SentAt        *time.Time
	OTP           *string
	// RequiresOTP is set for actions that deliver or log treatment.
	RequiresOTP bool
}

type v1Doc struct {
	Bolus           *float64 `json:"bolus-entry"`
	Carbs           *float64 `json:"carbs-entry"`
	AbsorptionHours *float64 `json:"absorption-time"`
	FoodType        *string  `json:"food-type"`
	StartTime       *Time    `json:"start-time"`
	OverrideName    *string  `json:"override-name"`
	OverrideMinutes *float64 `json:"override-duration-minutes"`
	RemoteAddress   string   `json:"remote-address"`
	Expiration      *Time    `json:"expiration"`
	SentAt          *Time    `json:"sent-at"`
	OTP             *string  `json:"otp"`
}

const (
	keyBolus          = "bolus-entry"
	keyCarbs          = "carbs-entry"
	keyOverrideName   = "override-name"
	keyCancelOverride = "cancel-temporary-override"
)

// DecodeV1 selects the action shape by key presence, checked in the order
// bolus, carbs, override, cancel.
func DecodeV1(raw map[string]any) (V1, error) {
	kind, ok := v1Kind(raw)
	if !ok {
		return V1{}, ErrUnrecognizedPayload
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return V1{}, fmt.Errorf("encode payload: %w", err)
	}
	var doc v1Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return V1{}, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}

	out := V1{
		RemoteAddress: doc.RemoteAddress,
		Expiration:    doc.Expiration.ptr(),
		SentAt:        doc.SentAt.ptr(),
		OTP:           doc.OTP,
	}
	out.ID = NotificationID(out.SentAt)

	switch kind {
	case keyBolus:
		if doc.Bolus == nil {
			return V1{}, fmt.Errorf("%w: bolus-entry must be a number", ErrUnrecognizedPayload)
		}
		out.Action = model.BolusEntry{AmountInUnits: *doc.Bolus}
		out.RequiresOTP = true
	case keyCarbs:
		if doc.Carbs == nil {
			return V1{}, fmt.Errorf("%w: carbs-entry must be a number", ErrUnrecognizedPayload)
		}
		carbs := model.CarbsEntry{
			AmountInGrams: *doc.Carbs,
			FoodType:      doc.FoodType,
			StartDate:     doc.StartTime.ptr(),
		}
		if doc.AbsorptionHours != nil {
			d := time.Duration(*doc.AbsorptionHours * float64(time.Hour))
			carbs.AbsorptionTime = &d
		}
		out.Action = carbs
		out.RequiresOTP = true
	case keyOverrideName:
		if doc.OverrideName == nil {
			return V1{}, fmt.Errorf("%w: override-name must be a string", ErrUnrecognizedPayload)
		}
		out.Action = overrideAction(*doc.OverrideName, doc.OverrideMinutes, doc.RemoteAddress)
	case keyCancelOverride:
		out.Action = model.CancelTemporaryOverride{RemoteAddress: doc.RemoteAddress}
	}
	return out, nil
}

func v1Kind(raw map[string]any) (string, bool) {
	for _, key := range []string{keyBolus, keyCarbs, keyOverrideName, keyCancelOverride} {
		if _, ok := raw[key]; ok {
			return key, true
		}
	}
	return "", false
}

// NotificationID derives the V1 identity from sent-at. Two commands sent at
// the same instant share an id. Without sent-at every delivery is new.
func NotificationID(sentAt *time.Time) string {
	if sentAt == nil {
		return uuid.NewString()
	}
	secs := float64(sentAt.UnixNano()) / float64(time.Second)
	return strconv.FormatFloat(secs, 'f', -1, 64)
}

// Some settings travel as overrides with a reserved name.
var reservedSettings = map[string]model.ActionKind{
	"autoBolusEnabled": model.ActionAutobolus,
	"dosingEnabled":    model.ActionClosedLoop,
}

func overrideAction(name string, minutes *float64, remoteAddress string) model.Action {
	if kind, active, ok := reservedSetting(name); ok {
		if kind == model.ActionAutobolus {
			return model.Autobolus{Active: active}
		}
		return model.ClosedLoop{Active: active}
	}
	o := model.TemporaryScheduleOverride{Name: name, RemoteAddress: remoteAddress}
	if minutes != nil {
		d := time.Duration(*minutes * float64(time.Minute))
		o.DurationTime = &d
	}
	return o
}

func reservedSetting(name string) (model.ActionKind, bool, bool) {
	var key, value string
	switch {
	case strings.Contains(name, "="):
		key, value, _ = strings.Cut(name, "=")
	case strings.HasSuffix(name, " On"):
		key, value = strings.TrimSuffix(name, " On"), "true"
	case strings.HasSuffix(name, " Off"):
		key, value = strings.TrimSuffix(name, " Off"), "false"
	default:
		return "", false, false
	}
	kind, ok := reservedSettings[strings.TrimSpace(key)]
	if !ok {
		return "", false, false
	}
	active, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return "", false, false
	}
	return kind, active, true
}

// V2Reference is the part of a second-generation push that matters locally:
// the id of a command held by the backend.
type V2Reference struct {
	ID string
}

func DecodeV2Reference(raw map[string]any) (V2Reference, error) {
	id, _ := raw["_id"].(string)
	if strings.TrimSpace(id) == "" {
		return V2Reference{}, ErrMissingID
	}
	return V2Reference{ID: id}, nil
}

// Decode parses a JSON object into the flat map form used by the sources.
func Decode(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrUnrecognizedPayload)
	}
	return raw, nil
}

package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

var ErrUnknownAction = errors.New("unknown action type")

// actionDoc is the tagged-union wire form of an Action. Durations are seconds.
type actionDoc struct {
	Type           ActionKind `json:"type"`
	Amount         *float64   `json:"amount,omitempty"`
	AbsorptionTime *float64   `json:"absorptionTime,omitempty"`
	FoodType       *string    `json:"foodType,omitempty"`
	StartDate      *time.Time `json:"startDate,omitempty"`
	Name           string     `json:"name,omitempty"`
	DurationTime   *float64   `json:"durationTime,omitempty"`
	RemoteAddress  string     `json:"remoteAddress,omitempty"`
	Active         *bool      `json:"active,omitempty"`
}

func MarshalAction(a Action) ([]byte, error) {
	doc, err := toActionDoc(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func UnmarshalAction(data []byte) (Action, error) {
	var doc actionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return fromActionDoc(doc)
}

func toActionDoc(a Action) (actionDoc, error) {
	switch v := a.(type) {
	case BolusEntry:
		return actionDoc{Type: ActionBolus, Amount: ptr(v.AmountInUnits)}, nil
	case CarbsEntry:
		return actionDoc{
			Type:           ActionCarbs,
			Amount:         ptr(v.AmountInGrams),
			AbsorptionTime: durationSeconds(v.AbsorptionTime),
			FoodType:       v.FoodType,
			StartDate:      v.StartDate,
		}, nil
	case TemporaryScheduleOverride:
		return actionDoc{
			Type:          ActionOverride,
			Name:          v.Name,
			DurationTime:  durationSeconds(v.DurationTime),
			RemoteAddress: v.RemoteAddress,
		}, nil
	case CancelTemporaryOverride:
		return actionDoc{Type: ActionCancelOverride, RemoteAddress: v.RemoteAddress}, nil
	case Autobolus:
		return actionDoc{Type: ActionAutobolus, Active: ptr(v.Active)}, nil
	case ClosedLoop:
		return actionDoc{Type: ActionClosedLoop, Active: ptr(v.Active)}, nil
	default:
		return actionDoc{}, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

func fromActionDoc(doc actionDoc) (Action, error) {
	switch doc.Type {
	case ActionBolus:
		if doc.Amount == nil {
			return nil, fmt.Errorf("bolus action: amount is required")
		}
		return BolusEntry{AmountInUnits: *doc.Amount}, nil
	case ActionCarbs:
		if doc.Amount == nil {
			return nil, fmt.Errorf("carbs action: amount is required")
		}
		return CarbsEntry{
			AmountInGrams:  *doc.Amount,
			AbsorptionTime: secondsDuration(doc.AbsorptionTime),
			FoodType:       doc.FoodType,
			StartDate:      doc.StartDate,
		}, nil
	case ActionOverride:
		if doc.Name == "" {
			return nil, fmt.Errorf("override action: name is required")
		}
		return TemporaryScheduleOverride{
			Name:          doc.Name,
			DurationTime:  secondsDuration(doc.DurationTime),
			RemoteAddress: doc.RemoteAddress,
		}, nil
	case ActionCancelOverride:
		return CancelTemporaryOverride{RemoteAddress: doc.RemoteAddress}, nil
	case ActionAutobolus:
		return Autobolus{Active: doc.Active != nil && *doc.Active}, nil
	case ActionClosedLoop:
		return ClosedLoop{Active: doc.Active != nil && *doc.Active}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, doc.Type)
	}
}

func durationSeconds(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	return ptr(d.Seconds())
}

func secondsDuration(v *float64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v * float64(time.Second))
	return &d
}

func ptr[T any](v T) *T {
	return &v
}

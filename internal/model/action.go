package model

import (
	"strconv"
	"strings"
	"time"
)

type ActionKind string

const (
	ActionBolus          ActionKind = "bolus"
	ActionCarbs          ActionKind = "carbs"
	ActionOverride       ActionKind = "override"
	ActionCancelOverride ActionKind = "cancelOverride"
	ActionAutobolus      ActionKind = "autobolus"
	ActionClosedLoop     ActionKind = "closedLoop"
)

// Action is a remote-triggerable therapy action. The set of implementations is
// closed: only the variant types declared in this file satisfy it.
type Action interface {
	Kind() ActionKind
	// Title is the human-readable action name, e.g. "Bolus Entry".
	Title() string
	// Detail is the quantity or parameter shown next to the name, e.g. "2.5 U".
	Detail() string
	sealed()
}

type BolusEntry struct {
	AmountInUnits float64
}

type CarbsEntry struct {
	AmountInGrams  float64
	AbsorptionTime *time.Duration
	FoodType       *string
	StartDate      *time.Time
}

type TemporaryScheduleOverride struct {
	Name          string
	DurationTime  *time.Duration
	RemoteAddress string
}

type CancelTemporaryOverride struct {
	RemoteAddress string
}

type Autobolus struct {
	Active bool
}

type ClosedLoop struct {
	Active bool
}

func (BolusEntry) Kind() ActionKind                { return ActionBolus }
func (CarbsEntry) Kind() ActionKind                { return ActionCarbs }
func (TemporaryScheduleOverride) Kind() ActionKind { return ActionOverride }
func (CancelTemporaryOverride) Kind() ActionKind   { return ActionCancelOverride }
func (Autobolus) Kind() ActionKind                 { return ActionAutobolus }
func (ClosedLoop) Kind() ActionKind                { return ActionClosedLoop }

func (BolusEntry) Title() string                { return "Bolus Entry" }
func (CarbsEntry) Title() string                { return "Carb Entry" }
func (TemporaryScheduleOverride) Title() string { return "Override" }
func (CancelTemporaryOverride) Title() string   { return "Cancel Override" }
func (Autobolus) Title() string                 { return "Autobolus Update" }
func (ClosedLoop) Title() string                { return "Closed Loop Update" }

func (a BolusEntry) Detail() string                { return FormatAmount(a.AmountInUnits) + " U" }
func (a CarbsEntry) Detail() string                { return FormatAmount(a.AmountInGrams) + " g" }
func (a TemporaryScheduleOverride) Detail() string { return a.Name }
func (CancelTemporaryOverride) Detail() string     { return "" }
func (a Autobolus) Detail() string                 { return activeLabel(a.Active) }
func (a ClosedLoop) Detail() string                { return activeLabel(a.Active) }

func (BolusEntry) sealed()                {}
func (CarbsEntry) sealed()                {}
func (TemporaryScheduleOverride) sealed() {}
func (CancelTemporaryOverride) sealed()   {}
func (Autobolus) sealed()                 {}
func (ClosedLoop) sealed()                {}

// Describe renders "<title> <detail>", e.g. "Bolus Entry 2.5 U" or "Cancel Override".
func Describe(a Action) string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.Title() + " " + a.Detail())
}

// FormatAmount renders a quantity in its shortest decimal form ("2.5", "10").
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func activeLabel(active bool) string {
	if active {
		return "Active"
	}
	return "Inactive"
}

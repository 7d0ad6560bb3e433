// Package therapy provides a simulated therapy device that carries out remote
// actions: bolus delivery, carb logging, overrides and dosing toggles.
package therapy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/remotecmd/internal/model"
)

const (
	DefaultMaxBolus     = 10.0
	DefaultRecentWindow = 15 * time.Minute
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrMaxBolusReached  = errors.New("bolus rejected: maximum recent bolus reached")
	ErrNoActiveOverride = errors.New("no active override")
	ErrClosedLoopOff    = errors.New("autobolus requires closed loop")
)

// Simulator holds the device state behind a mutex. Bolus requests are clamped
// so that boluses delivered within RecentWindow never exceed MaxBolus.
type Simulator struct {
	MaxBolus     float64
	RecentWindow time.Duration

	now func() time.Time

	mutex          sync.RWMutex
	doses          []model.DoseEntry
	carbs          []model.CarbEntry
	activeOverride *model.OverrideEntry
	autobolus      bool
	closedLoop     bool
}

// State is a point-in-time copy of the simulator.
type State struct {
	Doses          []model.DoseEntry    `json:"doses"`
	Carbs          []model.CarbEntry    `json:"carbs"`
	ActiveOverride *model.OverrideEntry `json:"activeOverride,omitempty"`
	Autobolus      bool                 `json:"autobolus"`
	ClosedLoop     bool                 `json:"closedLoop"`
}

func NewSimulator(maxBolus float64, now func() time.Time) *Simulator {
	if maxBolus <= 0 {
		maxBolus = DefaultMaxBolus
	}
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		MaxBolus:     maxBolus,
		RecentWindow: DefaultRecentWindow,
		now:          now,
		closedLoop:   true,
	}
}

func (s *Simulator) DeliverBolus(_ context.Context, units float64) (model.DoseEntry, error) {
	if units <= 0 {
		return model.DoseEntry{}, ErrInvalidAmount
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now().UTC()
	available := s.MaxBolus - s.recentBolusUnits(now)
	if available <= 0 {
		return model.DoseEntry{}, ErrMaxBolusReached
	}
	programmed := min(units, available)
	dose := model.DoseEntry{
		SyncIdentifier:  uuid.NewString(),
		StartDate:       now,
		ProgrammedUnits: programmed,
	}
	s.doses = append(s.doses, dose)

	log.WithFields(log.Fields{"requested": units, "programmed": programmed}).Info("Bolus delivered")
	return dose, nil
}

func (s *Simulator) LogCarbs(_ context.Context, entry model.CarbsEntry) (model.CarbEntry, error) {
	if entry.AmountInGrams <= 0 {
		return model.CarbEntry{}, ErrInvalidAmount
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	start := s.now().UTC()
	if entry.StartDate != nil {
		start = entry.StartDate.UTC()
	}
	carb := model.CarbEntry{
		SyncIdentifier: uuid.NewString(),
		StartDate:      start,
		Grams:          entry.AmountInGrams,
	}
	s.carbs = append(s.carbs, carb)

	log.WithField("grams", entry.AmountInGrams).Info("Carbs logged")
	return carb, nil
}

func (s *Simulator) EnactOverride(_ context.Context, o model.TemporaryScheduleOverride) (model.OverrideEntry, error) {
	if o.Name == "" {
		return model.OverrideEntry{}, fmt.Errorf("override name is required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := model.OverrideEntry{
		SyncIdentifier: uuid.NewString(),
		Name:           o.Name,
		StartDate:      s.now().UTC(),
		Duration:       o.DurationTime,
	}
	s.activeOverride = &entry

	log.WithField("name", o.Name).Info("Override enacted")
	return entry, nil
}

// CancelOverride ends the active override and returns it.
func (s *Simulator) CancelOverride(_ context.Context, _ model.CancelTemporaryOverride) (model.OverrideEntry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	active := s.currentOverride(s.now())
	if active == nil {
		return model.OverrideEntry{}, ErrNoActiveOverride
	}
	cancelled := *active
	s.activeOverride = nil
	log.WithField("name", cancelled.Name).Info("Override cancelled")
	return cancelled, nil
}

func (s *Simulator) SetAutobolus(_ context.Context, active bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if active && !s.closedLoop {
		return ErrClosedLoopOff
	}
	s.autobolus = active
	log.WithField("active", active).Info("Autobolus updated")
	return nil
}

func (s *Simulator) SetClosedLoop(_ context.Context, active bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closedLoop = active
	if !active {
		s.autobolus = false
	}
	log.WithField("active", active).Info("Closed loop updated")
	return nil
}

func (s *Simulator) Snapshot() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	st := State{
		Doses:      append([]model.DoseEntry(nil), s.doses...),
		Carbs:      append([]model.CarbEntry(nil), s.carbs...),
		Autobolus:  s.autobolus,
		ClosedLoop: s.closedLoop,
	}
	if o := s.currentOverride(s.now()); o != nil {
		cp := *o
		st.ActiveOverride = &cp
	}
	return st
}

func (s *Simulator) recentBolusUnits(now time.Time) float64 {
	var total float64
	for _, d := range s.doses {
		if now.Sub(d.StartDate) < s.RecentWindow {
			total += d.ProgrammedUnits
		}
	}
	return total
}

// currentOverride returns the active override unless its duration ran out.
func (s *Simulator) currentOverride(now time.Time) *model.OverrideEntry {
	o := s.activeOverride
	if o == nil {
		return nil
	}
	if o.Duration != nil && !now.Before(o.StartDate.Add(*o.Duration)) {
		return nil
	}
	return o
}

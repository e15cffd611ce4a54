// Package memory is an in-process implementation of the rental repositories.
// Every operation runs under one mutex, which makes each call as atomic as the
// equivalent Postgres transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/store"
)

// Store holds all rental data in maps.
type Store struct {
	mu sync.RWMutex

	seq int64

	bikeModels    map[int64]*models.BikeModel
	units         map[int64]*models.StockUnit
	holds         map[int64]*models.UnitHold
	rentals       map[int64]*models.Rental
	attempts      map[int64]*models.PaymentAttempt
	verifications map[int64]*models.VerificationRecord
	returns       map[int64]*models.ReturnReport
	handovers     map[int64]*models.HandoverRecord
	processed     map[string]models.ProcessedEvent

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		bikeModels:    make(map[int64]*models.BikeModel),
		units:         make(map[int64]*models.StockUnit),
		holds:         make(map[int64]*models.UnitHold),
		rentals:       make(map[int64]*models.Rental),
		attempts:      make(map[int64]*models.PaymentAttempt),
		verifications: make(map[int64]*models.VerificationRecord),
		returns:       make(map[int64]*models.ReturnReport),
		handovers:     make(map[int64]*models.HandoverRecord),
		processed:     make(map[string]models.ProcessedEvent),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// AddModel seeds a catalog model.
func (s *Store) AddModel(m models.BikeModel) *models.BikeModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextID()
	}
	m.CreatedAt = s.now()
	s.bikeModels[m.ID] = &m
	out := m
	return &out
}

// AddUnit seeds a free stock unit of a model.
func (s *Store) AddUnit(modelID, stationID int64, plate string) *models.StockUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u := &models.StockUnit{
		ID:        s.nextID(),
		ModelID:   modelID,
		StationID: stationID,
		Plate:     plate,
		State:     models.UnitFree,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.units[u.ID] = u
	out := *u
	return &out
}

// GetModel retrieves a catalog model by ID
func (s *Store) GetModel(_ context.Context, id int64) (*models.BikeModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.bikeModels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *m
	return &out, nil
}

// GetUnit retrieves a stock unit by ID
func (s *Store) GetUnit(_ context.Context, id int64) (*models.StockUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *u
	return &out, nil
}

// ListHolds returns every hold recorded for a unit, oldest first.
func (s *Store) ListHolds(_ context.Context, unitID int64) ([]models.UnitHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdsOf(unitID), nil
}

func (s *Store) holdsOf(unitID int64) []models.UnitHold {
	var out []models.UnitHold
	for _, h := range s.holds {
		if h.UnitID == unitID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out
}

func (s *Store) unitFree(u *models.StockUnit, w models.Window) bool {
	if u.InMaintenance {
		return false
	}
	for _, h := range s.holds {
		if h.UnitID == u.ID && h.Live() && w.Overlaps(models.Window{Start: h.StartAt, End: h.EndAt}) {
			return false
		}
	}
	return true
}

func (s *Store) unitsOf(modelID int64) []*models.StockUnit {
	var out []*models.StockUnit
	for _, u := range s.units {
		if u.ModelID == modelID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasFreeUnit reports whether any unit of the model could be reserved for the window.
func (s *Store) HasFreeUnit(_ context.Context, modelID int64, w models.Window) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.unitsOf(modelID) {
		if s.unitFree(u, w) {
			return true, nil
		}
	}
	return false, nil
}

// ReserveUnit claims the lowest-id free unit of the model for the window.
func (s *Store) ReserveUnit(_ context.Context, modelID, rentalID int64, w models.Window) (*models.StockUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w = w.UTC()
	for _, u := range s.unitsOf(modelID) {
		if !s.unitFree(u, w) {
			continue
		}
		now := s.now()
		h := &models.UnitHold{
			ID:        s.nextID(),
			UnitID:    u.ID,
			RentalID:  rentalID,
			StartAt:   w.Start,
			EndAt:     w.End,
			State:     models.HoldHeld,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.holds[h.ID] = h
		return s.refreshUnit(u.ID), nil
	}
	return nil, nil
}

// ActivateHold moves the rental's hold on the unit to IN_USE.
func (s *Store) ActivateHold(_ context.Context, unitID, rentalID int64) (*models.StockUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if u.InMaintenance {
		return nil, store.ErrMaintenance
	}
	h := s.liveHold(unitID, rentalID)
	if h == nil {
		return nil, store.ErrNotFound
	}
	h.State = models.HoldInUse
	h.UpdatedAt = s.now()
	return s.refreshUnit(unitID), nil
}

// ReleaseHold releases the rental's live hold on the unit.
func (s *Store) ReleaseHold(_ context.Context, unitID, rentalID int64) (*models.StockUnit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[unitID]; !ok {
		return nil, false, store.ErrNotFound
	}
	released := s.releaseHold(unitID, rentalID)
	return s.refreshUnit(unitID), released, nil
}

// RetireUnit releases the rental's hold and takes the unit out of service.
func (s *Store) RetireUnit(_ context.Context, unitID, rentalID int64, reason string) (*models.StockUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.releaseHold(unitID, rentalID)
	u.InMaintenance = true
	u.MaintenanceReason = reason
	return s.refreshUnit(unitID), nil
}

// CompleteMaintenance puts the unit back into service.
func (s *Store) CompleteMaintenance(_ context.Context, unitID int64) (*models.StockUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unitID]
	if !ok {
		return nil, store.ErrNotFound
	}
	u.InMaintenance = false
	u.MaintenanceReason = ""
	return s.refreshUnit(unitID), nil
}

func (s *Store) liveHold(unitID, rentalID int64) *models.UnitHold {
	for _, h := range s.holds {
		if h.UnitID == unitID && h.RentalID == rentalID && h.Live() {
			return h
		}
	}
	return nil
}

func (s *Store) releaseHold(unitID, rentalID int64) bool {
	h := s.liveHold(unitID, rentalID)
	if h == nil {
		return false
	}
	h.State = models.HoldReleased
	h.UpdatedAt = s.now()
	return true
}

// refreshUnit derives the unit state from its flag and holds and returns a copy.
func (s *Store) refreshUnit(unitID int64) *models.StockUnit {
	u := s.units[unitID]
	var inUse, held *models.UnitHold
	for _, h := range s.holdsOf(unitID) {
		h := h
		switch h.State {
		case models.HoldInUse:
			if inUse == nil {
				inUse = &h
			}
		case models.HoldHeld:
			if held == nil {
				held = &h
			}
		}
	}

	u.CurrentRentalID = nil
	switch {
	case inUse != nil:
		id := inUse.RentalID
		u.CurrentRentalID = &id
	case held != nil:
		id := held.RentalID
		u.CurrentRentalID = &id
	}

	switch {
	case u.InMaintenance:
		u.State = models.UnitMaintenance
	case inUse != nil:
		u.State = models.UnitInUse
	case held != nil:
		u.State = models.UnitHeld
	default:
		u.State = models.UnitFree
	}
	u.Version++
	u.UpdatedAt = s.now()

	out := *u
	return &out
}

package memory

import (
	"context"
	"sort"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/store"
)

// CreateRental inserts a new rental
func (s *Store) CreateRental(_ context.Context, r *models.Rental) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r.ID = s.nextID()
	r.Version = 1
	r.StartAt = r.StartAt.UTC()
	r.EndAt = r.EndAt.UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	stored := *r
	s.rentals[r.ID] = &stored
	return nil
}

// GetRental retrieves a rental by ID
func (s *Store) GetRental(_ context.Context, id int64) (*models.Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rentals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *r
	return &out, nil
}

// ListRentalsByIdempotencyKey returns the rentals created by one checkout request.
func (s *Store) ListRentalsByIdempotencyKey(_ context.Context, key string) ([]models.Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterRentals(func(r *models.Rental) bool { return r.IdempotencyKey == key }), nil
}

// ListRentalsByRenter returns a renter's rentals in the given state.
func (s *Store) ListRentalsByRenter(_ context.Context, renterID int64, state models.RentalState) ([]models.Rental, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterRentals(func(r *models.Rental) bool {
		return r.RenterID == renterID && r.State == state
	}), nil
}

func (s *Store) filterRentals(keep func(*models.Rental) bool) []models.Rental {
	var out []models.Rental
	for _, r := range s.rentals {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CompareAndSetRentalState moves a rental from (from, version) to the target state.
func (s *Store) CompareAndSetRentalState(_ context.Context, id int64, from models.RentalState, version int64,
	to models.RentalState, patch models.RentalPatch) (*models.Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rentals[id]
	if !ok || r.State != from || r.Version != version {
		return nil, store.ErrConflict
	}

	r.State = to
	if patch.StockUnitID != nil {
		v := *patch.StockUnitID
		r.StockUnitID = &v
	}
	if patch.PaymentID != nil {
		v := *patch.PaymentID
		r.PaymentID = &v
	}
	if patch.FinalFee != nil {
		v := *patch.FinalFee
		r.FinalFee = &v
	}
	if patch.ActivatedAt != nil {
		v := patch.ActivatedAt.UTC()
		r.ActivatedAt = &v
	}
	if patch.ClosedAt != nil {
		v := patch.ClosedAt.UTC()
		r.ClosedAt = &v
	}
	r.Version++
	r.UpdatedAt = s.now()

	out := *r
	return &out, nil
}

// AttachPayment points the rentals at the attempt that pays for them.
func (s *Store) AttachPayment(_ context.Context, rentalIDs []int64, attemptID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range rentalIDs {
		if r, ok := s.rentals[id]; ok {
			v := attemptID
			r.PaymentID = &v
			r.UpdatedAt = s.now()
		}
	}
	return nil
}

// CreateAttempt inserts a pending payment attempt
func (s *Store) CreateAttempt(_ context.Context, p *models.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.attempts {
		if p.ExternalReference != nil && existing.ExternalReference != nil &&
			*existing.ExternalReference == *p.ExternalReference {
			return store.ErrDuplicate
		}
		if p.IdempotencyKey != "" && existing.IdempotencyKey == p.IdempotencyKey {
			return store.ErrDuplicate
		}
	}

	p.ID = s.nextID()
	p.Version = 1
	p.CreatedAt = s.now()
	stored := *p
	stored.RentalIDs = append([]int64(nil), p.RentalIDs...)
	s.attempts[p.ID] = &stored
	return nil
}

func copyAttempt(p *models.PaymentAttempt) *models.PaymentAttempt {
	out := *p
	out.RentalIDs = append([]int64(nil), p.RentalIDs...)
	return &out
}

// GetAttempt retrieves a payment attempt by ID
func (s *Store) GetAttempt(_ context.Context, id int64) (*models.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAttempt(p), nil
}

// GetAttemptByReference retrieves a payment attempt by its gateway reference
func (s *Store) GetAttemptByReference(_ context.Context, ref string) (*models.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.attempts {
		if p.ExternalReference != nil && *p.ExternalReference == ref {
			return copyAttempt(p), nil
		}
	}
	return nil, store.ErrNotFound
}

// GetAttemptByIdempotencyKey retrieves the attempt created by a checkout request
func (s *Store) GetAttemptByIdempotencyKey(_ context.Context, key string) (*models.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.attempts {
		if key != "" && p.IdempotencyKey == key {
			return copyAttempt(p), nil
		}
	}
	return nil, store.ErrNotFound
}

// SetCheckoutURL stores the hosted payment page for an attempt
func (s *Store) SetCheckoutURL(_ context.Context, id int64, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.attempts[id]
	if !ok {
		return store.ErrNotFound
	}
	p.CheckoutURL = url
	return nil
}

// ResolveAttempt moves a pending attempt to a terminal status.
func (s *Store) ResolveAttempt(_ context.Context, id, version int64, status models.PaymentStatus, reason string) (*models.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.attempts[id]
	if !ok || p.Status != models.PaymentPending || p.Version != version {
		return nil, store.ErrConflict
	}
	now := s.now()
	p.Status = status
	p.FailureReason = reason
	p.Version++
	p.ResolvedAt = &now
	return copyAttempt(p), nil
}

// ListStalePendingAttempts returns pending attempts of a channel created before the cutoff.
func (s *Store) ListStalePendingAttempts(_ context.Context, channel models.PaymentChannel, before time.Time) ([]models.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.PaymentAttempt
	for _, p := range s.attempts {
		if p.Status == models.PaymentPending && p.Channel == channel && p.CreatedAt.Before(before) {
			out = append(out, *copyAttempt(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

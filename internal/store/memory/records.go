package memory

import (
	"context"

	"rental-service/internal/models"
	"rental-service/internal/store"
)

// GetVerification retrieves a renter's verification record
func (s *Store) GetVerification(_ context.Context, renterID int64) (*models.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verifications[renterID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *v
	return &out, nil
}

// UpsertVerification writes a renter's verification record
func (s *Store) UpsertVerification(_ context.Context, v *models.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *v
	if prev, ok := s.verifications[v.RenterID]; ok {
		if stored.IDDocumentURL == "" {
			stored.IDDocumentURL = prev.IDDocumentURL
		}
		if stored.LicenseDocumentURL == "" {
			stored.LicenseDocumentURL = prev.LicenseDocumentURL
		}
	}
	stored.UpdatedAt = s.now()
	v.UpdatedAt = stored.UpdatedAt
	s.verifications[v.RenterID] = &stored
	return nil
}

// CreateReturnReport inserts the single close record of a rental
func (s *Store) CreateReturnReport(_ context.Context, r *models.ReturnReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.returns[r.RentalID]; ok {
		return store.ErrDuplicate
	}
	r.ID = s.nextID()
	r.SubmittedAt = s.now()
	stored := *r
	s.returns[r.RentalID] = &stored
	return nil
}

// GetReturnReport retrieves the return report of a rental
func (s *Store) GetReturnReport(_ context.Context, rentalID int64) (*models.ReturnReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.returns[rentalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *r
	return &out, nil
}

// CreateHandover inserts the handover checklist of a rental
func (s *Store) CreateHandover(_ context.Context, h *models.HandoverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handovers[h.RentalID]; ok {
		return store.ErrDuplicate
	}
	h.ID = s.nextID()
	h.HandedOverAt = s.now()
	stored := *h
	s.handovers[h.RentalID] = &stored
	return nil
}

// GetHandover retrieves the handover record of a rental
func (s *Store) GetHandover(_ context.Context, rentalID int64) (*models.HandoverRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handovers[rentalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *h
	return &out, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; !ok {
		s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: s.now()}
	}
	return nil
}

// ClaimEvent records eventID and reports whether this call was the first to do so.
func (s *Store) ClaimEvent(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; ok {
		return false, nil
	}
	s.processed[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: s.now()}
	return true, nil
}

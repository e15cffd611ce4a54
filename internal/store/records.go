package store

import (
	"context"
	"fmt"

	"rental-service/internal/models"
)

// GetVerification retrieves a renter's verification record
func (s *Store) GetVerification(ctx context.Context, renterID int64) (*models.VerificationRecord, error) {
	var v models.VerificationRecord
	if err := s.db.GetContext(ctx, &v,
		"SELECT * FROM verification_records WHERE renter_id = $1", renterID); err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

// UpsertVerification writes a renter's verification record
func (s *Store) UpsertVerification(ctx context.Context, v *models.VerificationRecord) error {
	query := `
		INSERT INTO verification_records (renter_id, id_document_url, license_document_url, status, reviewer_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (renter_id) DO UPDATE SET
			id_document_url = COALESCE(NULLIF(EXCLUDED.id_document_url, ''), verification_records.id_document_url),
			license_document_url = COALESCE(NULLIF(EXCLUDED.license_document_url, ''), verification_records.license_document_url),
			status = EXCLUDED.status,
			reviewer_id = EXCLUDED.reviewer_id,
			note = EXCLUDED.note,
			updated_at = NOW()
		RETURNING updated_at`

	if err := s.db.GetContext(ctx, &v.UpdatedAt, query,
		v.RenterID, v.IDDocumentURL, v.LicenseDocumentURL, v.Status, v.ReviewerID, v.Note); err != nil {
		return fmt.Errorf("failed to upsert verification: %w", err)
	}
	return nil
}

// CreateReturnReport inserts the single close record of a rental. A second
// report for the same rental yields ErrDuplicate.
func (s *Store) CreateReturnReport(ctx context.Context, r *models.ReturnReport) error {
	query := `
		INSERT INTO return_reports (rental_id, final_battery, condition, extra_fee, reason, return_station_id, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, submitted_at`

	err := s.db.QueryRowxContext(ctx, query,
		r.RentalID, r.FinalBattery, r.Condition, r.ExtraFee, r.Reason, r.ReturnStationID, r.SubmittedBy,
	).Scan(&r.ID, &r.SubmittedAt)
	return translate(err)
}

// GetReturnReport retrieves the return report of a rental
func (s *Store) GetReturnReport(ctx context.Context, rentalID int64) (*models.ReturnReport, error) {
	var r models.ReturnReport
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM return_reports WHERE rental_id = $1", rentalID); err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// CreateHandover inserts the handover checklist of a rental
func (s *Store) CreateHandover(ctx context.Context, h *models.HandoverRecord) error {
	query := `
		INSERT INTO handover_records (rental_id, staff_id, initial_battery, initial_condition, checklist)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, handed_over_at`

	checklist := h.Checklist
	if len(checklist) == 0 {
		checklist = []byte("{}")
	}
	err := s.db.QueryRowxContext(ctx, query,
		h.RentalID, h.StaffID, h.InitialBattery, h.InitialCondition, []byte(checklist),
	).Scan(&h.ID, &h.HandedOverAt)
	return translate(err)
}

// GetHandover retrieves the handover record of a rental
func (s *Store) GetHandover(ctx context.Context, rentalID int64) (*models.HandoverRecord, error) {
	var h models.HandoverRecord
	if err := s.db.GetContext(ctx, &h, "SELECT * FROM handover_records WHERE rental_id = $1", rentalID); err != nil {
		return nil, translate(err)
	}
	return &h, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

// ClaimEvent records eventID and reports whether this call was the first to do so.
func (s *Store) ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return n == 1, nil
}

package store

import (
	"context"
	"fmt"

	"rental-service/internal/models"

	"github.com/lib/pq"
)

// CreateRental inserts a new rental
func (s *Store) CreateRental(ctx context.Context, r *models.Rental) error {
	query := `
		INSERT INTO rentals (renter_id, model_id, station_id, return_station_id, start_at, end_at,
			state, base_fee, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, version, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		r.RenterID, r.ModelID, r.StationID, r.ReturnStationID, r.StartAt.UTC(), r.EndAt.UTC(),
		r.State, r.BaseFee, r.IdempotencyKey,
	).Scan(&r.ID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rental: %w", translate(err))
	}
	return nil
}

// GetRental retrieves a rental by ID
func (s *Store) GetRental(ctx context.Context, id int64) (*models.Rental, error) {
	var r models.Rental
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM rentals WHERE id = $1", id); err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// ListRentalsByIdempotencyKey returns the rentals created by one checkout request.
func (s *Store) ListRentalsByIdempotencyKey(ctx context.Context, key string) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.SelectContext(ctx, &rentals,
		"SELECT * FROM rentals WHERE idempotency_key = $1 ORDER BY id", key)
	return rentals, err
}

// ListRentalsByRenter returns a renter's rentals in the given state.
func (s *Store) ListRentalsByRenter(ctx context.Context, renterID int64, state models.RentalState) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.SelectContext(ctx, &rentals,
		"SELECT * FROM rentals WHERE renter_id = $1 AND state = $2 ORDER BY id", renterID, state)
	return rentals, err
}

// CompareAndSetRentalState moves a rental from (from, version) to the target
// state. It returns ErrConflict when the row no longer matches.
func (s *Store) CompareAndSetRentalState(ctx context.Context, id int64, from models.RentalState, version int64,
	to models.RentalState, patch models.RentalPatch) (*models.Rental, error) {
	query := `
		UPDATE rentals SET
			state = $4,
			stock_unit_id = COALESCE($5, stock_unit_id),
			payment_id = COALESCE($6, payment_id),
			final_fee = COALESCE($7, final_fee),
			activated_at = COALESCE($8, activated_at),
			closed_at = COALESCE($9, closed_at),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND state = $2 AND version = $3
		RETURNING *`

	var r models.Rental
	err := s.db.GetContext(ctx, &r, query,
		id, from, version, to,
		patch.StockUnitID, patch.PaymentID, patch.FinalFee, patch.ActivatedAt, patch.ClosedAt)
	if err != nil {
		err = translate(err)
		if err == ErrNotFound {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &r, nil
}

// AttachPayment points the rentals at the attempt that pays for them.
func (s *Store) AttachPayment(ctx context.Context, rentalIDs []int64, attemptID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rentals SET payment_id = $1, updated_at = NOW() WHERE id = ANY($2)",
		attemptID, pq.Array(rentalIDs))
	if err != nil {
		return fmt.Errorf("failed to attach payment: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"rental-service/internal/models"
)

// CreateAttempt inserts a pending payment attempt
func (s *Store) CreateAttempt(ctx context.Context, p *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (rental_ids, channel, external_reference, amount, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, version, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		p.RentalIDs, p.Channel, p.ExternalReference, p.Amount, p.Status, p.IdempotencyKey,
	).Scan(&p.ID, &p.Version, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment attempt: %w", translate(err))
	}
	return nil
}

// GetAttempt retrieves a payment attempt by ID
func (s *Store) GetAttempt(ctx context.Context, id int64) (*models.PaymentAttempt, error) {
	var p models.PaymentAttempt
	if err := s.db.GetContext(ctx, &p, "SELECT * FROM payment_attempts WHERE id = $1", id); err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// GetAttemptByReference retrieves a payment attempt by its gateway reference
func (s *Store) GetAttemptByReference(ctx context.Context, ref string) (*models.PaymentAttempt, error) {
	var p models.PaymentAttempt
	if err := s.db.GetContext(ctx, &p,
		"SELECT * FROM payment_attempts WHERE external_reference = $1", ref); err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// GetAttemptByIdempotencyKey retrieves the attempt created by a checkout request
func (s *Store) GetAttemptByIdempotencyKey(ctx context.Context, key string) (*models.PaymentAttempt, error) {
	var p models.PaymentAttempt
	if err := s.db.GetContext(ctx, &p,
		"SELECT * FROM payment_attempts WHERE idempotency_key = $1", key); err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// SetCheckoutURL stores the hosted payment page for a pending attempt
func (s *Store) SetCheckoutURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payment_attempts SET checkout_url = $1 WHERE id = $2", url, id)
	return err
}

// ResolveAttempt moves a pending attempt to a terminal status. It returns
// ErrConflict when the attempt is no longer pending at that version.
func (s *Store) ResolveAttempt(ctx context.Context, id, version int64, status models.PaymentStatus, reason string) (*models.PaymentAttempt, error) {
	query := `
		UPDATE payment_attempts SET
			status = $3, failure_reason = $4, version = version + 1, resolved_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'PENDING'
		RETURNING *`

	var p models.PaymentAttempt
	if err := s.db.GetContext(ctx, &p, query, id, version, status, reason); err != nil {
		err = translate(err)
		if err == ErrNotFound {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &p, nil
}

// ListStalePendingAttempts returns pending attempts of a channel created before the cutoff.
func (s *Store) ListStalePendingAttempts(ctx context.Context, channel models.PaymentChannel, before time.Time) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT * FROM payment_attempts
		WHERE status = 'PENDING' AND channel = $1 AND created_at < $2
		ORDER BY created_at LIMIT 100`,
		channel, before.UTC())
	return attempts, err
}

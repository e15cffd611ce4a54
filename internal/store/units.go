package store

import (
	"context"
	"fmt"

	"rental-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const freeUnitPredicate = `
	u.model_id = $1 AND u.in_maintenance = FALSE
	AND NOT EXISTS (
		SELECT 1 FROM unit_holds h
		WHERE h.unit_id = u.id AND h.state <> 'RELEASED'
		  AND h.start_at < $3 AND h.end_at > $2)`

// refreshUnitQuery re-derives the unit state from its maintenance flag and live holds.
const refreshUnitQuery = `
	UPDATE stock_units u SET
		state = CASE
			WHEN u.in_maintenance THEN 'MAINTENANCE'
			WHEN EXISTS (SELECT 1 FROM unit_holds h WHERE h.unit_id = u.id AND h.state = 'IN_USE') THEN 'IN_USE'
			WHEN EXISTS (SELECT 1 FROM unit_holds h WHERE h.unit_id = u.id AND h.state = 'HELD') THEN 'HELD'
			ELSE 'FREE' END,
		current_rental_id = COALESCE(
			(SELECT h.rental_id FROM unit_holds h WHERE h.unit_id = u.id AND h.state = 'IN_USE' LIMIT 1),
			(SELECT h.rental_id FROM unit_holds h WHERE h.unit_id = u.id AND h.state = 'HELD' ORDER BY h.start_at, h.id LIMIT 1)),
		version = u.version + 1,
		updated_at = NOW()
	WHERE u.id = $1
	RETURNING *`

// GetUnit retrieves a stock unit by ID
func (s *Store) GetUnit(ctx context.Context, id int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	if err := s.db.GetContext(ctx, &unit, "SELECT * FROM stock_units WHERE id = $1", id); err != nil {
		return nil, translate(err)
	}
	return &unit, nil
}

// ListHolds returns every hold recorded for a unit, oldest first.
func (s *Store) ListHolds(ctx context.Context, unitID int64) ([]models.UnitHold, error) {
	var holds []models.UnitHold
	err := s.db.SelectContext(ctx, &holds,
		"SELECT * FROM unit_holds WHERE unit_id = $1 ORDER BY start_at, id", unitID)
	return holds, err
}

// HasFreeUnit reports whether any unit of the model could be reserved for the window.
func (s *Store) HasFreeUnit(ctx context.Context, modelID int64, w models.Window) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM stock_units u WHERE"+freeUnitPredicate+")",
		modelID, w.Start.UTC(), w.End.UTC())
	return exists, err
}

// ReserveUnit claims the lowest-id free unit of the model for the window.
// It returns nil without error when every unit is taken.
func (s *Store) ReserveUnit(ctx context.Context, modelID, rentalID int64, w models.Window) (*models.StockUnit, error) {
	w = w.UTC()
	var unit *models.StockUnit

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Lock the model's units in id order so concurrent reserves serialize
		// without deadlocking.
		var ids []int64
		if err := tx.SelectContext(ctx, &ids,
			"SELECT id FROM stock_units WHERE model_id = $1 ORDER BY id FOR UPDATE", modelID); err != nil {
			return fmt.Errorf("failed to lock units: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		var unitIDs []int64
		if err := tx.SelectContext(ctx, &unitIDs,
			"SELECT u.id FROM stock_units u WHERE"+freeUnitPredicate+" ORDER BY u.id LIMIT 1",
			modelID, w.Start, w.End); err != nil {
			return fmt.Errorf("failed to find free unit: %w", err)
		}
		if len(unitIDs) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO unit_holds (unit_id, rental_id, start_at, end_at, state) VALUES ($1, $2, $3, $4, 'HELD')",
			unitIDs[0], rentalID, w.Start, w.End); err != nil {
			return fmt.Errorf("failed to insert hold: %w", translate(err))
		}

		refreshed, err := refreshUnitTx(ctx, tx, unitIDs[0])
		if err != nil {
			return err
		}
		unit = refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// ActivateHold moves the rental's hold on the unit to IN_USE.
func (s *Store) ActivateHold(ctx context.Context, unitID, rentalID int64) (*models.StockUnit, error) {
	var unit *models.StockUnit
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := lockUnitTx(ctx, tx, unitID)
		if err != nil {
			return err
		}
		if locked.InMaintenance {
			return ErrMaintenance
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE unit_holds SET state = 'IN_USE', updated_at = NOW()
			WHERE unit_id = $1 AND rental_id = $2 AND state IN ('HELD', 'IN_USE')`,
			unitID, rentalID)
		if err != nil {
			return fmt.Errorf("failed to activate hold: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		unit, err = refreshUnitTx(ctx, tx, unitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// ReleaseHold releases the rental's live hold on the unit. released is false
// when there was nothing live to release.
func (s *Store) ReleaseHold(ctx context.Context, unitID, rentalID int64) (*models.StockUnit, bool, error) {
	var unit *models.StockUnit
	var released bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lockUnitTx(ctx, tx, unitID); err != nil {
			return err
		}

		n, err := releaseHoldTx(ctx, tx, unitID, rentalID)
		if err != nil {
			return err
		}
		released = n > 0

		unit, err = refreshUnitTx(ctx, tx, unitID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return unit, released, nil
}

// RetireUnit releases the rental's hold and takes the unit out of service.
func (s *Store) RetireUnit(ctx context.Context, unitID, rentalID int64, reason string) (*models.StockUnit, error) {
	var unit *models.StockUnit
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lockUnitTx(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := releaseHoldTx(ctx, tx, unitID, rentalID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE stock_units SET in_maintenance = TRUE, maintenance_reason = $2 WHERE id = $1",
			unitID, reason); err != nil {
			return fmt.Errorf("failed to flag maintenance: %w", err)
		}

		var err error
		unit, err = refreshUnitTx(ctx, tx, unitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// CompleteMaintenance puts the unit back into service.
func (s *Store) CompleteMaintenance(ctx context.Context, unitID int64) (*models.StockUnit, error) {
	var unit *models.StockUnit
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := lockUnitTx(ctx, tx, unitID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE stock_units SET in_maintenance = FALSE, maintenance_reason = '' WHERE id = $1",
			unitID); err != nil {
			return fmt.Errorf("failed to clear maintenance: %w", err)
		}

		var err error
		unit, err = refreshUnitTx(ctx, tx, unitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

func lockUnitTx(ctx context.Context, tx *sqlx.Tx, unitID int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	if err := tx.GetContext(ctx, &unit, "SELECT * FROM stock_units WHERE id = $1 FOR UPDATE", unitID); err != nil {
		return nil, translate(err)
	}
	return &unit, nil
}

func releaseHoldTx(ctx context.Context, tx *sqlx.Tx, unitID, rentalID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE unit_holds SET state = 'RELEASED', updated_at = NOW()
		WHERE unit_id = $1 AND rental_id = $2 AND state <> 'RELEASED'`,
		unitID, rentalID)
	if err != nil {
		return 0, fmt.Errorf("failed to release hold: %w", err)
	}
	return res.RowsAffected()
}

func refreshUnitTx(ctx context.Context, tx *sqlx.Tx, unitID int64) (*models.StockUnit, error) {
	var unit models.StockUnit
	if err := tx.GetContext(ctx, &unit, refreshUnitQuery, unitID); err != nil {
		return nil, fmt.Errorf("failed to refresh unit state: %w", translate(err))
	}
	return &unit, nil
}

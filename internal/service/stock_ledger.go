package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger owns the allocation of physical units to rental windows.
type StockLedger struct {
	repo   StockRepository
	cache  AvailabilityCache
	logger *zap.Logger
}

// NewStockLedger creates a new stock ledger. cache may be nil.
func NewStockLedger(repo StockRepository, cache AvailabilityCache) *StockLedger {
	return &StockLedger{
		repo:   repo,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Reserve claims the first free unit of the model for the window. ok is false
// when no unit is free, which is a normal outcome rather than an error.
func (l *StockLedger) Reserve(ctx context.Context, modelID, rentalID int64, w models.Window) (*models.StockUnit, bool, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Reserve",
		attribute.Int64("model_id", modelID), attribute.Int64("rental_id", rentalID))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	unit, err := l.repo.ReserveUnit(ctx, modelID, rentalID, w)
	if errors.Is(err, store.ErrConflict) {
		// the exclusion constraint caught an overlap the lock should have prevented
		l.logger.Warn("Reserve hit overlap constraint",
			zap.Int64("model_id", modelID),
			zap.Int64("rental_id", rentalID))
		util.ReservationsTotal.WithLabelValues("unavailable").Inc()
		return nil, false, nil
	}
	if err != nil {
		util.ReservationsTotal.WithLabelValues("error").Inc()
		util.FailSpan(span, err)
		return nil, false, fmt.Errorf("failed to reserve unit: %w", err)
	}
	if unit == nil {
		util.ReservationsTotal.WithLabelValues("unavailable").Inc()
		return nil, false, nil
	}

	util.ReservationsTotal.WithLabelValues("reserved").Inc()
	l.invalidate(ctx, modelID)

	l.logger.Info("Unit reserved",
		zap.Int64("unit_id", unit.ID),
		zap.Int64("rental_id", rentalID),
		zap.Time("start", w.Start),
		zap.Time("end", w.End))
	return unit, true, nil
}

// Activate puts the rental's hold into use. Repeating it for the same rental
// is harmless; a unit in maintenance is refused.
func (l *StockLedger) Activate(ctx context.Context, unitID, rentalID int64) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Activate", attribute.Int64("unit_id", unitID))
	defer span.End()

	_, err := l.repo.ActivateHold(ctx, unitID, rentalID)
	switch {
	case errors.Is(err, store.ErrMaintenance):
		return ErrUnitInMaintenance
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("no live hold on unit %d for rental %d: %w", unitID, rentalID, ErrNotFound)
	case err != nil:
		util.FailSpan(span, err)
		return fmt.Errorf("failed to activate hold: %w", err)
	}
	return nil
}

// Release gives the rental's hold back. Releasing twice is a no-op.
func (l *StockLedger) Release(ctx context.Context, unitID, rentalID int64) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Release", attribute.Int64("unit_id", unitID))
	defer span.End()

	unit, released, err := l.repo.ReleaseHold(ctx, unitID, rentalID)
	if err != nil {
		util.FailSpan(span, err)
		return fmt.Errorf("failed to release hold: %w", err)
	}
	if !released {
		l.logger.Debug("Release found no live hold",
			zap.Int64("unit_id", unitID),
			zap.Int64("rental_id", rentalID))
		return nil
	}

	l.invalidate(ctx, unit.ModelID)
	l.logger.Info("Unit released",
		zap.Int64("unit_id", unitID),
		zap.Int64("rental_id", rentalID),
		zap.String("unit_state", string(unit.State)))
	return nil
}

// Retire releases the rental's hold and sends the unit to maintenance.
func (l *StockLedger) Retire(ctx context.Context, unitID, rentalID int64, reason string) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.Retire", attribute.Int64("unit_id", unitID))
	defer span.End()

	unit, err := l.repo.RetireUnit(ctx, unitID, rentalID, reason)
	if err != nil {
		util.FailSpan(span, err)
		return fmt.Errorf("failed to retire unit: %w", err)
	}

	l.invalidate(ctx, unit.ModelID)
	l.logger.Warn("Unit retired to maintenance",
		zap.Int64("unit_id", unitID),
		zap.Int64("rental_id", rentalID),
		zap.String("reason", reason))
	return nil
}

// CompleteMaintenance returns a unit to service.
func (l *StockLedger) CompleteMaintenance(ctx context.Context, unitID int64) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.CompleteMaintenance", attribute.Int64("unit_id", unitID))
	defer span.End()

	unit, err := l.repo.CompleteMaintenance(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("unit %d: %w", unitID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to complete maintenance: %w", err)
	}

	l.invalidate(ctx, unit.ModelID)
	l.logger.Info("Unit back in service",
		zap.Int64("unit_id", unitID),
		zap.String("unit_state", string(unit.State)))
	return nil
}

// CheckAvailability reports whether a reservation for the window could succeed
// right now. Answers are cached per model until the model's stock changes.
func (l *StockLedger) CheckAvailability(ctx context.Context, modelID int64, w models.Window) (bool, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.CheckAvailability", attribute.Int64("model_id", modelID))
	defer span.End()

	if !w.Valid() {
		return false, &ValidationError{Field: "window", Message: "end must be after start"}
	}
	w = w.UTC()

	var token int64
	cacheOK := false
	if l.cache != nil {
		available, found, tok, err := l.cache.CachedAvailability(ctx, modelID, w)
		if err != nil {
			l.logger.Warn("Availability cache read failed, using DB", zap.Error(err))
		} else {
			cacheOK = true
			token = tok
			if found {
				util.AvailabilityCacheTotal.WithLabelValues("hit").Inc()
				return available, nil
			}
		}
	}
	util.AvailabilityCacheTotal.WithLabelValues("miss").Inc()

	available, err := l.repo.HasFreeUnit(ctx, modelID, w)
	if err != nil {
		return false, fmt.Errorf("failed to check availability: %w", err)
	}

	if cacheOK {
		if err := l.cache.StoreAvailability(ctx, modelID, w, token, available); err != nil {
			l.logger.Warn("Availability cache write failed", zap.Error(err))
		}
	}
	return available, nil
}

// UnitState returns a unit with its derived state.
func (l *StockLedger) UnitState(ctx context.Context, unitID int64) (*models.StockUnit, error) {
	unit, err := l.repo.GetUnit(ctx, unitID)
	if err != nil {
		return nil, notFound(err, "unit", unitID)
	}
	return unit, nil
}

func (l *StockLedger) invalidate(ctx context.Context, modelID int64) {
	if l.cache == nil {
		return
	}
	if err := l.cache.InvalidateAvailability(ctx, modelID); err != nil {
		l.logger.Warn("Failed to invalidate availability cache",
			zap.Int64("model_id", modelID),
			zap.Error(err))
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-service/internal/gateway"
	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const checkoutLockTTL = 30 * time.Second

// CheckoutItem is one bike model the renter wants for a window.
type CheckoutItem struct {
	ModelID         int64     `json:"model_id" validate:"required,gt=0"`
	StationID       int64     `json:"station_id" validate:"required,gt=0"`
	ReturnStationID int64     `json:"return_station_id"`
	Start           time.Time `json:"start" validate:"required"`
	End             time.Time `json:"end" validate:"required,gtfield=Start"`
}

// CheckoutRequest reserves and pays for one or more items at once.
type CheckoutRequest struct {
	RenterID       int64                 `json:"renter_id" validate:"required,gt=0"`
	Channel        models.PaymentChannel `json:"channel" validate:"required,oneof=CASH GATEWAY"`
	Items          []CheckoutItem        `json:"items" validate:"required,min=1,dive"`
	IdempotencyKey string                `json:"-"`
	Buyer          Buyer                 `json:"buyer"`
}

// CheckoutResult lists every rental the checkout created and the attempt
// paying for the reserved ones. Unavailable is set when nothing was reserved.
type CheckoutResult struct {
	Rentals     []models.Rental        `json:"rentals"`
	Attempt     *models.PaymentAttempt `json:"payment,omitempty"`
	Unavailable bool                   `json:"unavailable"`
	Message     string                 `json:"message,omitempty"`
	Replayed    bool                   `json:"replayed"`
}

// CheckoutService turns a cart into reserved rentals and one payment attempt.
type CheckoutService struct {
	catalog    CatalogRepository
	rentals    RentalRepository
	payments   PaymentRepository
	ledger     *StockLedger
	machine    *RentalMachine
	reconciler *PaymentReconciler
	locker     Locker
	logger     *zap.Logger
}

// NewCheckoutService creates a new checkout service. locker may be nil.
func NewCheckoutService(
	catalog CatalogRepository,
	rentals RentalRepository,
	payments PaymentRepository,
	ledger *StockLedger,
	machine *RentalMachine,
	reconciler *PaymentReconciler,
	locker Locker,
) *CheckoutService {
	return &CheckoutService{
		catalog:    catalog,
		rentals:    rentals,
		payments:   payments,
		ledger:     ledger,
		machine:    machine,
		reconciler: reconciler,
		locker:     locker,
		logger:     util.GetLogger(),
	}
}

// Checkout creates a rental per item, reserves a unit for each and opens a
// single payment attempt for the reserved ones. A repeated idempotency key
// returns the first checkout's result.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout",
		attribute.Int64("renter_id", req.RenterID), attribute.Int("items", len(req.Items)))
	defer span.End()

	if err := validateStruct(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if result, err := s.replay(ctx, req.IdempotencyKey, s.locker == nil); err != nil || result != nil {
			return result, err
		}
		if s.locker != nil {
			lockKey := "checkout:" + req.IdempotencyKey
			acquired, err := s.locker.AcquireLock(ctx, lockKey, checkoutLockTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to acquire checkout lock: %w", err)
			}
			if !acquired {
				return nil, ErrCheckoutInProgress
			}
			defer func() {
				if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
					s.logger.Warn("Failed to release checkout lock", zap.Error(err))
				}
			}()
			if result, err := s.replay(ctx, req.IdempotencyKey, true); err != nil || result != nil {
				return result, err
			}
		}
	}

	result := &CheckoutResult{}
	var (
		reserved []int64
		amount   int64
		lines    []gateway.Item
	)
	for _, item := range req.Items {
		rental, model, err := s.createRental(ctx, req, item)
		if err != nil {
			s.abandon(ctx, reserved)
			return nil, err
		}

		unit, ok, err := s.ledger.Reserve(ctx, item.ModelID, rental.ID, rental.Window())
		if err != nil {
			s.abandon(ctx, append(reserved, rental.ID))
			return nil, err
		}
		if !ok {
			rental, err = s.machine.MarkUnavailable(ctx, rental)
			if err != nil {
				s.abandon(ctx, reserved)
				return nil, err
			}
			result.Rentals = append(result.Rentals, *rental)
			continue
		}

		rental, err = s.machine.MarkReserved(ctx, rental, unit.ID)
		if err != nil {
			if rerr := s.ledger.Release(ctx, unit.ID, rental.ID); rerr != nil {
				s.logger.Error("Failed to release unit after checkout error", zap.Error(rerr))
			}
			s.abandon(ctx, reserved)
			return nil, err
		}
		result.Rentals = append(result.Rentals, *rental)
		reserved = append(reserved, rental.ID)
		amount += rental.BaseFee
		lines = append(lines, gateway.Item{Name: model.Name, Quantity: 1, Price: rental.BaseFee})
	}

	if len(reserved) == 0 {
		result.Unavailable = true
		result.Message = ErrStockUnavailable.Error()
		s.logger.Info("Checkout found no stock", zap.Int64("renter_id", req.RenterID))
		return result, nil
	}

	attempt, err := s.reconciler.StartAttempt(ctx, StartAttemptRequest{
		RentalIDs:      reserved,
		Channel:        req.Channel,
		Amount:         amount,
		Buyer:          req.Buyer,
		IdempotencyKey: req.IdempotencyKey,
		Items:          lines,
	})
	if errors.Is(err, ErrPaymentLinkFailed) {
		result.Attempt = attempt
		return result, err
	}
	if err != nil {
		s.abandon(ctx, reserved)
		return nil, err
	}
	result.Attempt = attempt

	for i := range result.Rentals {
		if attempt.Covers(result.Rentals[i].ID) {
			id := attempt.ID
			result.Rentals[i].PaymentID = &id
		}
	}

	s.logger.Info("Checkout completed",
		zap.Int64("renter_id", req.RenterID),
		zap.Int64("attempt_id", attempt.ID),
		zap.Int("reserved", len(reserved)),
		zap.Int("requested", len(req.Items)),
		zap.Int64("amount", amount))
	return result, nil
}

func (s *CheckoutService) createRental(ctx context.Context, req CheckoutRequest, item CheckoutItem) (*models.Rental, *models.BikeModel, error) {
	model, err := s.catalog.GetModel(ctx, item.ModelID)
	if err != nil {
		return nil, nil, notFound(err, "bike model", item.ModelID)
	}

	w := models.Window{Start: item.Start, End: item.End}.UTC()
	returnStation := item.ReturnStationID
	if returnStation == 0 {
		returnStation = item.StationID
	}

	rental := &models.Rental{
		RenterID:        req.RenterID,
		ModelID:         model.ID,
		StationID:       item.StationID,
		ReturnStationID: returnStation,
		StartAt:         w.Start,
		EndAt:           w.End,
		State:           models.RentalRequested,
		BaseFee:         model.PricePerDay * w.Days(),
		IdempotencyKey:  req.IdempotencyKey,
	}
	if err := s.rentals.CreateRental(ctx, rental); err != nil {
		return nil, nil, fmt.Errorf("failed to create rental: %w", err)
	}
	return rental, model, nil
}

// abandon cancels rentals a failed checkout already reserved.
func (s *CheckoutService) abandon(ctx context.Context, rentalIDs []int64) {
	for _, id := range rentalIDs {
		if _, err := s.machine.Cancel(ctx, id, models.EventCancelRequested, "checkout failed"); err != nil {
			s.logger.Error("Failed to cancel rental of failed checkout",
				zap.Int64("rental_id", id),
				zap.Error(err))
		}
	}
}

// replay returns the result of an earlier checkout with the same key, or nil.
// A checkout that died before opening its payment attempt can still hold
// units; with settle set its open rentals are cancelled; without it replay
// returns nil so the caller retries under the checkout lock.
func (s *CheckoutService) replay(ctx context.Context, key string, settle bool) (*CheckoutResult, error) {
	rentals, err := s.rentals.ListRentalsByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up checkout: %w", err)
	}
	if len(rentals) == 0 {
		return nil, nil
	}

	result := &CheckoutResult{Rentals: rentals, Replayed: true}
	attempt, err := s.payments.GetAttemptByIdempotencyKey(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !settle {
			return nil, nil
		}
		s.settleOrphans(ctx, key, rentals)
		result.Unavailable = true
		result.Message = ErrStockUnavailable.Error()
	case err != nil:
		return nil, fmt.Errorf("failed to look up checkout payment: %w", err)
	default:
		result.Attempt = attempt
	}

	s.logger.Info("Checkout replayed",
		zap.String("idempotency_key", key),
		zap.Int("rentals", len(rentals)))
	return result, nil
}

// settleOrphans cancels the still open rentals of a checkout that never
// opened a payment attempt and refreshes them in place.
func (s *CheckoutService) settleOrphans(ctx context.Context, key string, rentals []models.Rental) {
	for i := range rentals {
		if rentals[i].State != models.RentalRequested && rentals[i].State != models.RentalPendingPayment {
			continue
		}
		s.logger.Warn("Checkout left a rental without payment",
			zap.String("idempotency_key", key),
			zap.Int64("rental_id", rentals[i].ID),
			zap.String("state", string(rentals[i].State)))
		s.abandon(ctx, []int64{rentals[i].ID})
		if fresh, err := s.machine.Load(ctx, rentals[i].ID); err == nil {
			rentals[i] = *fresh
		}
	}
}

// CancelRental is the renter cancelling their own rental.
func (s *CheckoutService) CancelRental(ctx context.Context, rentalID, renterID int64) (*Transition, error) {
	rental, err := s.machine.Load(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if rental.RenterID != renterID {
		return nil, ErrForbidden
	}
	return s.machine.Cancel(ctx, rentalID, models.EventCancelRequested, "cancelled by renter")
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Guard failure reasons reported in a Transition.
const (
	ReasonVerificationRequired = "verification required"
	ReasonVerificationRejected = "verification rejected"
	ReasonPaymentNotSucceeded  = "payment not succeeded"
	ReasonAlreadyActive        = "already active"
	ReasonUnitInMaintenance    = "unit under maintenance"
	ReasonHoldReleased         = "stock hold released"
)

var stateEventTypes = map[models.RentalState]string{
	models.RentalPendingPayment: models.EventTypeRentalReserved,
	models.RentalActive:         models.EventTypeRentalActivated,
	models.RentalCancelled:      models.EventTypeRentalCancelled,
	models.RentalRejected:       models.EventTypeRentalRejected,
	models.RentalReturned:       models.EventTypeRentalReturned,
	models.RentalClosed:         models.EventTypeRentalClosed,
}

// Transition is the outcome of asking the machine to move a rental. A guard
// that blocks the move yields Applied=false with a Reason, not an error.
type Transition struct {
	RentalID int64              `json:"rental_id"`
	Applied  bool               `json:"applied"`
	From     models.RentalState `json:"from"`
	To       models.RentalState `json:"to"`
	Reason   string             `json:"reason,omitempty"`
}

// RentalSummary is the read view of one rental.
type RentalSummary struct {
	Rental  *models.Rental
	Unit    *models.StockUnit
	Payment *models.PaymentAttempt
}

// RentalMachine applies rental transitions with compare-and-set semantics.
type RentalMachine struct {
	rentals       RentalRepository
	payments      PaymentRepository
	verifications VerificationRepository
	events        EventLog
	ledger        *StockLedger
	publisher     EventPublisher
	logger        *zap.Logger
	now           func() time.Time
}

// NewRentalMachine creates a new rental state machine
func NewRentalMachine(
	rentals RentalRepository,
	payments PaymentRepository,
	verifications VerificationRepository,
	events EventLog,
	ledger *StockLedger,
	publisher EventPublisher,
) *RentalMachine {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &RentalMachine{
		rentals:       rentals,
		payments:      payments,
		verifications: verifications,
		events:        events,
		ledger:        ledger,
		publisher:     publisher,
		logger:        util.GetLogger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Fire moves r along event with a single compare-and-set on (state, version).
// A lost race returns ErrStaleState; an event with no row in the transition
// table returns ErrInvalidTransition.
func (m *RentalMachine) Fire(ctx context.Context, r *models.Rental, event models.RentalEvent, patch models.RentalPatch, reason string) (*models.Rental, error) {
	to, ok := models.NextRentalState(r.State, event)
	if !ok {
		return nil, fmt.Errorf("%s from %s: %w", event, r.State, ErrInvalidTransition)
	}

	updated, err := m.rentals.CompareAndSetRentalState(ctx, r.ID, r.State, r.Version, to, patch)
	if errors.Is(err, store.ErrConflict) {
		util.StaleTransitionsTotal.Inc()
		m.logger.Info("Rental transition lost race",
			zap.Int64("rental_id", r.ID),
			zap.String("from", string(r.State)),
			zap.String("event", string(event)))
		return nil, fmt.Errorf("rental %d: %w", r.ID, ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update rental state: %w", err)
	}

	util.RentalTransitionsTotal.WithLabelValues(string(r.State), string(to)).Inc()
	m.logger.Info("Rental transitioned",
		zap.Int64("rental_id", r.ID),
		zap.String("from", string(r.State)),
		zap.String("to", string(to)),
		zap.String("event", string(event)))

	m.publishState(ctx, r.State, updated, reason)
	return updated, nil
}

func (m *RentalMachine) publishState(ctx context.Context, from models.RentalState, r *models.Rental, reason string) {
	eventType, ok := stateEventTypes[r.State]
	if !ok {
		return
	}
	event := &models.RentalStateEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: m.now(),
		},
		RentalID: r.ID,
		RenterID: r.RenterID,
		UnitID:   r.StockUnitID,
		From:     from,
		To:       r.State,
		Reason:   reason,
		FinalFee: r.FinalFee,
	}
	if err := m.publisher.PublishRentalEvent(ctx, event); err != nil {
		m.logger.Error("Failed to publish rental event",
			zap.Int64("rental_id", r.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}

// Load reads a rental.
func (m *RentalMachine) Load(ctx context.Context, rentalID int64) (*models.Rental, error) {
	r, err := m.rentals.GetRental(ctx, rentalID)
	if err != nil {
		return nil, notFound(err, "rental", rentalID)
	}
	return r, nil
}

// MarkReserved records the held unit and moves REQUESTED to PENDING_PAYMENT.
func (m *RentalMachine) MarkReserved(ctx context.Context, r *models.Rental, unitID int64) (*models.Rental, error) {
	return m.Fire(ctx, r, models.EventStockReserved, models.RentalPatch{StockUnitID: &unitID}, "")
}

// MarkUnavailable cancels a REQUESTED rental for which no unit was free.
func (m *RentalMachine) MarkUnavailable(ctx context.Context, r *models.Rental) (*models.Rental, error) {
	return m.Fire(ctx, r, models.EventStockUnavailable, models.RentalPatch{}, ErrStockUnavailable.Error())
}

// IsApproved reports whether the renter's documents were approved.
func (m *RentalMachine) IsApproved(ctx context.Context, renterID int64) (bool, error) {
	status, err := m.verificationStatus(ctx, renterID)
	return status == models.VerificationApproved, err
}

func (m *RentalMachine) verificationStatus(ctx context.Context, renterID int64) (models.VerificationStatus, error) {
	v, err := m.verifications.GetVerification(ctx, renterID)
	if errors.Is(err, store.ErrNotFound) {
		return models.VerificationUnverified, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load verification: %w", err)
	}
	return v.Status, nil
}

// Activate moves a PENDING_PAYMENT rental to ACTIVE once its payment
// succeeded and the renter is approved. The unit hold goes into use before the
// rental CAS; a concurrent cancel that wins the CAS releases it again.
func (m *RentalMachine) Activate(ctx context.Context, rentalID int64) (*Transition, error) {
	ctx, span := util.StartSpan(ctx, "RentalMachine.Activate", attribute.Int64("rental_id", rentalID))
	defer span.End()

	r, err := m.Load(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	tr := &Transition{RentalID: r.ID, From: r.State, To: r.State}

	switch r.State {
	case models.RentalPendingPayment:
	case models.RentalActive:
		tr.Reason = ReasonAlreadyActive
		return tr, nil
	default:
		tr.Reason = fmt.Sprintf("rental is %s", r.State)
		return tr, nil
	}

	if r.PaymentID == nil {
		tr.Reason = ReasonPaymentNotSucceeded
		return tr, nil
	}
	attempt, err := m.payments.GetAttempt(ctx, *r.PaymentID)
	if err != nil {
		return nil, notFound(err, "payment attempt", *r.PaymentID)
	}
	if attempt.Status != models.PaymentSucceeded {
		if attempt.Status.Terminal() {
			util.IntegrityViolationsTotal.Inc()
			m.logger.Error("Activation requested without a succeeded payment",
				zap.Int64("rental_id", r.ID),
				zap.Int64("attempt_id", attempt.ID),
				zap.String("payment_status", string(attempt.Status)))
		}
		tr.Reason = ReasonPaymentNotSucceeded
		return tr, nil
	}

	status, err := m.verificationStatus(ctx, r.RenterID)
	if err != nil {
		return nil, err
	}
	switch status {
	case models.VerificationApproved:
	case models.VerificationRejected:
		m.logger.Warn("Paid rental of a rejected renter",
			zap.Int64("rental_id", r.ID),
			zap.Int64("renter_id", r.RenterID))
		return m.Cancel(ctx, r.ID, models.EventVerificationRejected, ReasonVerificationRejected)
	default:
		m.logger.Info("Activation waiting for verification",
			zap.Int64("rental_id", r.ID),
			zap.Int64("renter_id", r.RenterID))
		tr.Reason = ReasonVerificationRequired
		return tr, nil
	}

	if r.StockUnitID == nil {
		return nil, fmt.Errorf("rental %d is pending payment without a unit: %w", r.ID, ErrInvalidTransition)
	}
	if err := m.ledger.Activate(ctx, *r.StockUnitID, r.ID); err != nil {
		switch {
		case errors.Is(err, ErrUnitInMaintenance):
			m.logger.Warn("Activation blocked by maintenance",
				zap.Int64("rental_id", r.ID),
				zap.Int64("unit_id", *r.StockUnitID))
			tr.Reason = ReasonUnitInMaintenance
			return tr, nil
		case errors.Is(err, ErrNotFound):
			tr.Reason = ReasonHoldReleased
			return tr, nil
		}
		return nil, err
	}

	now := m.now()
	updated, err := m.Fire(ctx, r, models.EventPaymentSucceeded, models.RentalPatch{ActivatedAt: &now}, "")
	if errors.Is(err, ErrStaleState) {
		current, lerr := m.Load(ctx, rentalID)
		if lerr != nil {
			return nil, lerr
		}
		tr.To = current.State
		if current.State == models.RentalActive {
			tr.Reason = ReasonAlreadyActive
			return tr, nil
		}
		if current.State.Terminal() {
			tr.Reason = fmt.Sprintf("rental is %s", current.State)
			return tr, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	tr.Applied = true
	tr.To = updated.State
	return tr, nil
}

// Cancel drives a rental to CANCELLED or REJECTED through event and gives its
// unit back. The rental CAS goes first so only the winner releases stock.
// A rental whose payment already succeeded gets a refund request.
// Cancelling an already cancelled or rejected rental re-runs the release and
// the refund check, which completes a compensation interrupted by a transient
// failure.
func (m *RentalMachine) Cancel(ctx context.Context, rentalID int64, event models.RentalEvent, reason string) (*Transition, error) {
	ctx, span := util.StartSpan(ctx, "RentalMachine.Cancel",
		attribute.Int64("rental_id", rentalID), attribute.String("event", string(event)))
	defer span.End()

	r, err := m.Load(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	tr := &Transition{RentalID: r.ID, From: r.State, To: r.State}

	if _, ok := models.NextRentalState(r.State, event); !ok {
		if r.State == models.RentalCancelled || r.State == models.RentalRejected {
			tr.Reason = fmt.Sprintf("rental is %s", r.State)
			m.refundIfPaid(ctx, r)
			if r.StockUnitID != nil {
				if err := m.ledger.Release(ctx, *r.StockUnitID, r.ID); err != nil {
					return tr, err
				}
			}
			return tr, nil
		}
		tr.Reason = fmt.Sprintf("cannot apply %s to a rental that is %s", event, r.State)
		return tr, fmt.Errorf("%s from %s: %w", event, r.State, ErrInvalidTransition)
	}

	updated, err := m.Fire(ctx, r, event, models.RentalPatch{}, reason)
	if err != nil {
		return nil, err
	}
	tr.Applied = true
	tr.To = updated.State
	tr.Reason = reason

	m.refundIfPaid(ctx, updated)
	if event.ReleasesStock() && updated.StockUnitID != nil {
		if err := m.ledger.Release(ctx, *updated.StockUnitID, updated.ID); err != nil {
			m.logger.Error("Failed to release unit after cancel",
				zap.Int64("rental_id", updated.ID),
				zap.Int64("unit_id", *updated.StockUnitID),
				zap.Error(err))
			return tr, err
		}
	}
	return tr, nil
}

// refundIfPaid requests a refund when the cancelled rental's payment succeeded.
func (m *RentalMachine) refundIfPaid(ctx context.Context, r *models.Rental) {
	if r.PaymentID == nil {
		return
	}
	attempt, err := m.payments.GetAttempt(ctx, *r.PaymentID)
	if err != nil {
		m.logger.Error("Failed to load payment for refund check",
			zap.Int64("rental_id", r.ID),
			zap.Int64("attempt_id", *r.PaymentID),
			zap.Error(err))
		return
	}
	if attempt.Status == models.PaymentSucceeded {
		m.RequestRefund(ctx, attempt, r, r.State)
	}
}

// RequestRefund publishes REFUND_REQUIRED for a paid rental that will not run,
// once per attempt and rental however many paths observe it.
func (m *RentalMachine) RequestRefund(ctx context.Context, attempt *models.PaymentAttempt, r *models.Rental, state models.RentalState) {
	key := fmt.Sprintf("refund:%d:%d", attempt.ID, r.ID)
	first, err := m.events.ClaimEvent(ctx, key, models.EventTypeRefundRequired)
	if err != nil {
		m.logger.Warn("Failed to claim refund, publishing anyway",
			zap.String("key", key),
			zap.Error(err))
	} else if !first {
		m.logger.Debug("Refund already requested", zap.String("key", key))
		return
	}
	m.publishRefund(ctx, attempt, r, state)
}

// publishRefund announces money taken for a rental that will not run.
func (m *RentalMachine) publishRefund(ctx context.Context, attempt *models.PaymentAttempt, rental *models.Rental, state models.RentalState) {
	event := &models.RefundRequiredEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundRequired,
			Timestamp: m.now(),
		},
		AttemptID: attempt.ID,
		RentalID:  rental.ID,
		RenterID:  rental.RenterID,
		Amount:    rental.BaseFee,
		State:     state,
	}
	m.logger.Warn("Refund required",
		zap.Int64("attempt_id", attempt.ID),
		zap.Int64("rental_id", rental.ID),
		zap.Int64("amount", rental.BaseFee))
	if err := m.publisher.PublishRefundRequired(ctx, event); err != nil {
		m.logger.Error("Failed to publish refund event",
			zap.Int64("rental_id", rental.ID),
			zap.Error(err))
	}
}

// GetRental returns the rental with its unit and payment attempt.
func (m *RentalMachine) GetRental(ctx context.Context, rentalID int64) (*RentalSummary, error) {
	r, err := m.Load(ctx, rentalID)
	if err != nil {
		return nil, err
	}

	summary := &RentalSummary{Rental: r}
	if r.StockUnitID != nil {
		unit, err := m.ledger.UnitState(ctx, *r.StockUnitID)
		if err != nil {
			return nil, err
		}
		summary.Unit = unit
	}
	if r.PaymentID != nil {
		attempt, err := m.payments.GetAttempt(ctx, *r.PaymentID)
		if err != nil {
			return nil, notFound(err, "payment attempt", *r.PaymentID)
		}
		summary.Payment = attempt
	}
	return summary, nil
}

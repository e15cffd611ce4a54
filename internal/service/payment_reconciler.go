package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"rental-service/internal/gateway"
	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Disposition says what a reported payment outcome did.
type Disposition string

const (
	DispositionApplied   Disposition = "APPLIED"
	DispositionDuplicate Disposition = "DUPLICATE"
	DispositionIgnored   Disposition = "IGNORED"
	DispositionRefused   Disposition = "REFUSED"
)

// Outcome is a payment result reported by the gateway, staff or the expiry job.
type Outcome struct {
	Status models.PaymentStatus
	Reason string
}

// ItemResult is what an outcome did to one covered rental.
type ItemResult struct {
	RentalID   int64       `json:"rental_id"`
	Transition *Transition `json:"transition,omitempty"`
	Error      string      `json:"error,omitempty"`

	err error
}

// ReconcileResult is the result of reporting one payment outcome.
type ReconcileResult struct {
	AttemptID   int64                `json:"attempt_id"`
	Status      models.PaymentStatus `json:"status"`
	Disposition Disposition          `json:"disposition"`
	Items       []ItemResult         `json:"items,omitempty"`
}

// Err returns the first transient per-rental failure, if any.
func (r *ReconcileResult) Err() error {
	for _, item := range r.Items {
		if item.err != nil && IsRetryable(item.err) {
			return item.err
		}
	}
	return nil
}

// Buyer is shown on the hosted payment page.
type Buyer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// StartAttemptRequest opens a payment attempt for a set of rentals.
type StartAttemptRequest struct {
	RentalIDs      []int64               `validate:"required,min=1"`
	Channel        models.PaymentChannel `validate:"required,oneof=CASH GATEWAY"`
	Amount         int64                 `validate:"gte=0"`
	Buyer          Buyer
	IdempotencyKey string
	Description    string
	Items          []gateway.Item
}

// ReconcilerConfig holds payment timing settings.
type ReconcilerConfig struct {
	LinkTTL time.Duration
	Grace   time.Duration
	// CashPickupGrace is how long after the latest rental start an uncollected
	// cash attempt keeps its units held. Zero disables cash expiry.
	CashPickupGrace time.Duration
}

// PaymentReconciler applies payment outcomes to attempts and their rentals.
type PaymentReconciler struct {
	payments  PaymentRepository
	rentals   RentalRepository
	machine   *RentalMachine
	gateway   PaymentGateway
	outcomes  OutcomeCache
	publisher EventPublisher
	cfg       ReconcilerConfig
	logger    *zap.Logger
	now       func() time.Time
	seq       uint32
}

// NewPaymentReconciler creates a new payment reconciler. gw and outcomes may be nil.
func NewPaymentReconciler(
	payments PaymentRepository,
	rentals RentalRepository,
	machine *RentalMachine,
	gw PaymentGateway,
	outcomes OutcomeCache,
	publisher EventPublisher,
	cfg ReconcilerConfig,
) *PaymentReconciler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 5 * time.Minute
	}
	return &PaymentReconciler{
		payments:  payments,
		rentals:   rentals,
		machine:   machine,
		gateway:   gw,
		outcomes:  outcomes,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// nextOrderCode returns a numeric gateway order code: epoch millis followed by
// a three digit sequence.
func (p *PaymentReconciler) nextOrderCode() int64 {
	n := atomic.AddUint32(&p.seq, 1) % 1000
	return p.now().UnixMilli()*1000 + int64(n)
}

// StartAttempt persists a pending attempt covering the rentals. For the gateway
// channel the payment link is created after the row exists; a link failure
// cancels the attempt, which releases the rentals' stock.
func (p *PaymentReconciler) StartAttempt(ctx context.Context, req StartAttemptRequest) (*models.PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.StartAttempt",
		attribute.String("channel", string(req.Channel)), attribute.Int("rentals", len(req.RentalIDs)))
	defer span.End()

	if err := validateStruct(req); err != nil {
		return nil, err
	}

	attempt := &models.PaymentAttempt{
		RentalIDs:      req.RentalIDs,
		Channel:        req.Channel,
		Amount:         req.Amount,
		Status:         models.PaymentPending,
		IdempotencyKey: req.IdempotencyKey,
	}
	var orderCode int64
	if req.Channel == models.ChannelGateway {
		orderCode = p.nextOrderCode()
		ref := gateway.Reference(orderCode)
		attempt.ExternalReference = &ref
	}

	if err := p.payments.CreateAttempt(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrDuplicate) && req.IdempotencyKey != "" {
			existing, lerr := p.payments.GetAttemptByIdempotencyKey(ctx, req.IdempotencyKey)
			if lerr == nil {
				return existing, nil
			}
		}
		util.FailSpan(span, err)
		return nil, fmt.Errorf("failed to create payment attempt: %w", err)
	}
	if err := p.rentals.AttachPayment(ctx, attempt.RentalIDs, attempt.ID); err != nil {
		return nil, fmt.Errorf("failed to attach payment: %w", err)
	}
	util.PaymentAttemptsTotal.WithLabelValues(string(attempt.Channel)).Inc()

	p.logger.Info("Payment attempt started",
		zap.Int64("attempt_id", attempt.ID),
		zap.String("channel", string(attempt.Channel)),
		zap.Int64s("rental_ids", attempt.RentalIDs),
		zap.Int64("amount", attempt.Amount))

	if attempt.Channel == models.ChannelCash {
		return attempt, nil
	}

	link, err := p.createLink(ctx, orderCode, req)
	if err != nil {
		p.logger.Error("Failed to create payment link",
			zap.Int64("attempt_id", attempt.ID),
			zap.Error(err))
		if _, rerr := p.ReportOutcome(ctx, attempt.ID, Outcome{
			Status: models.PaymentCancelled,
			Reason: "payment link failed",
		}); rerr != nil {
			p.logger.Error("Failed to cancel attempt after link failure",
				zap.Int64("attempt_id", attempt.ID),
				zap.Error(rerr))
		}
		attempt.Status = models.PaymentCancelled
		return attempt, fmt.Errorf("%w: %v", ErrPaymentLinkFailed, err)
	}

	if err := p.payments.SetCheckoutURL(ctx, attempt.ID, link.CheckoutURL); err != nil {
		return nil, fmt.Errorf("failed to store checkout url: %w", err)
	}
	attempt.CheckoutURL = link.CheckoutURL
	return attempt, nil
}

func (p *PaymentReconciler) createLink(ctx context.Context, orderCode int64, req StartAttemptRequest) (*gateway.Link, error) {
	if p.gateway == nil {
		return nil, errors.New("no payment gateway configured")
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Rental %d", orderCode%100000)
	}

	start := time.Now()
	defer func() {
		util.GatewayLatency.Observe(time.Since(start).Seconds())
	}()
	return p.gateway.CreatePaymentLink(ctx, gateway.LinkRequest{
		OrderCode:   orderCode,
		Amount:      req.Amount,
		Description: description,
		BuyerName:   req.Buyer.Name,
		BuyerEmail:  req.Buyer.Email,
		BuyerPhone:  req.Buyer.Phone,
		Items:       req.Items,
		ExpiresAt:   p.now().Add(p.cfg.LinkTTL),
	})
}

// ReportOutcome applies an outcome to the attempt with the given ID.
func (p *PaymentReconciler) ReportOutcome(ctx context.Context, attemptID int64, outcome Outcome) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.ReportOutcome",
		attribute.Int64("attempt_id", attemptID), attribute.String("status", string(outcome.Status)))
	defer span.End()

	if !outcome.Status.Terminal() {
		return nil, &ValidationError{Field: "status", Message: "must be a terminal payment status"}
	}
	attempt, err := p.payments.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, notFound(err, "payment attempt", attemptID)
	}
	return p.reconcile(ctx, attempt, outcome, "direct")
}

// ReportGatewayOutcome applies a gateway callback addressed by external
// reference. A callback the Redis record already saw with the same status is
// answered without touching the database; the record is written only after
// the database has applied the outcome.
func (p *PaymentReconciler) ReportGatewayOutcome(ctx context.Context, ref string, outcome Outcome) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.ReportGatewayOutcome",
		attribute.String("reference", ref), attribute.String("status", string(outcome.Status)))
	defer span.End()

	if !outcome.Status.Terminal() {
		return nil, &ValidationError{Field: "status", Message: "must be a terminal payment status"}
	}

	if p.outcomes != nil {
		seen, err := p.outcomes.LookupOutcome(ctx, ref)
		if err != nil {
			p.logger.Warn("Outcome cache lookup failed, using DB",
				zap.String("reference", ref),
				zap.Error(err))
		} else if seen == outcome.Status {
			util.DuplicateOutcomesTotal.WithLabelValues("cache").Inc()
			util.PaymentOutcomesTotal.WithLabelValues(string(outcome.Status), string(DispositionDuplicate)).Inc()
			p.logger.Debug("Duplicate gateway callback",
				zap.String("reference", ref),
				zap.String("status", string(outcome.Status)))
			return &ReconcileResult{Status: outcome.Status, Disposition: DispositionDuplicate}, nil
		}
	}

	attempt, err := p.payments.GetAttemptByReference(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		util.PaymentOutcomesTotal.WithLabelValues(string(outcome.Status), string(DispositionIgnored)).Inc()
		p.logger.Warn("Gateway callback for unknown reference",
			zap.String("reference", ref),
			zap.String("status", string(outcome.Status)))
		return &ReconcileResult{Status: outcome.Status, Disposition: DispositionIgnored}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment attempt: %w", err)
	}

	result, err := p.reconcile(ctx, attempt, outcome, "gateway")
	if err != nil {
		return result, err
	}

	if p.outcomes != nil && result.Err() == nil &&
		(result.Disposition == DispositionApplied || result.Disposition == DispositionDuplicate) {
		if _, err := p.outcomes.RecordOutcome(ctx, ref, result.Status); err != nil {
			p.logger.Warn("Failed to record outcome",
				zap.String("reference", ref),
				zap.Error(err))
		}
	}
	return result, nil
}

// ConfirmCash is staff confirming cash was collected for the attempt.
func (p *PaymentReconciler) ConfirmCash(ctx context.Context, attemptID, staffID int64) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.ConfirmCash",
		attribute.Int64("attempt_id", attemptID), attribute.Int64("staff_id", staffID))
	defer span.End()

	attempt, err := p.payments.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, notFound(err, "payment attempt", attemptID)
	}
	if attempt.Channel != models.ChannelCash {
		return nil, &ValidationError{Field: "channel", Message: "attempt is not a cash payment"}
	}

	p.logger.Info("Cash collected",
		zap.Int64("attempt_id", attemptID),
		zap.Int64("staff_id", staffID),
		zap.Int64("amount", attempt.Amount))
	return p.reconcile(ctx, attempt, Outcome{Status: models.PaymentSucceeded}, "cash")
}

// ExpireStaleAttempts cancels gateway attempts whose link outlived its TTL
// plus grace, and cash attempts nobody paid for by pickup time plus
// CashPickupGrace, releasing their stock. It returns how many it cancelled.
func (p *PaymentReconciler) ExpireStaleAttempts(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.ExpireStaleAttempts")
	defer span.End()

	now := p.now()
	stale, err := p.payments.ListStalePendingAttempts(ctx, models.ChannelGateway, now.Add(-(p.cfg.LinkTTL + p.cfg.Grace)))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	expired, errs := p.expire(ctx, stale, "payment link expired")

	if p.cfg.CashPickupGrace > 0 {
		// attempts younger than the grace keep their hold whatever the start
		cash, err := p.payments.ListStalePendingAttempts(ctx, models.ChannelCash, now.Add(-p.cfg.CashPickupGrace))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list stale cash attempts: %w", err))
		}
		noShows := make([]models.PaymentAttempt, 0, len(cash))
		for i := range cash {
			missed, err := p.pickupMissed(ctx, &cash[i], now)
			if err != nil {
				errs = append(errs, fmt.Errorf("attempt %d: %w", cash[i].ID, err))
				continue
			}
			if missed {
				noShows = append(noShows, cash[i])
			}
		}
		n, cashErrs := p.expire(ctx, noShows, "cash not collected")
		expired += n
		errs = append(errs, cashErrs...)
	}

	if expired > 0 {
		p.logger.Info("Expired stale payment attempts", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (p *PaymentReconciler) expire(ctx context.Context, attempts []models.PaymentAttempt, reason string) (int, []error) {
	expired := 0
	var errs []error
	for i := range attempts {
		result, err := p.reconcile(ctx, &attempts[i], Outcome{
			Status: models.PaymentCancelled,
			Reason: reason,
		}, "expiry")
		if err != nil {
			errs = append(errs, fmt.Errorf("attempt %d: %w", attempts[i].ID, err))
			continue
		}
		if result.Disposition == DispositionApplied {
			expired++
			util.ExpiredAttemptsTotal.Inc()
		}
	}
	return expired, errs
}

// pickupMissed reports whether every rental of a cash attempt started more
// than CashPickupGrace ago.
func (p *PaymentReconciler) pickupMissed(ctx context.Context, attempt *models.PaymentAttempt, now time.Time) (bool, error) {
	var latest time.Time
	for _, id := range attempt.RentalIDs {
		r, err := p.rentals.GetRental(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to load rental %d: %w", id, err)
		}
		if r.StartAt.After(latest) {
			latest = r.StartAt
		}
	}
	return !latest.IsZero() && now.After(latest.Add(p.cfg.CashPickupGrace)), nil
}

func (p *PaymentReconciler) reconcile(ctx context.Context, attempt *models.PaymentAttempt, outcome Outcome, source string) (*ReconcileResult, error) {
	result := &ReconcileResult{AttemptID: attempt.ID, Status: outcome.Status}

	if attempt.Status.Terminal() {
		if attempt.Status == outcome.Status {
			util.DuplicateOutcomesTotal.WithLabelValues(source).Inc()
			util.PaymentOutcomesTotal.WithLabelValues(string(outcome.Status), string(DispositionDuplicate)).Inc()
			p.logger.Info("Duplicate payment outcome",
				zap.Int64("attempt_id", attempt.ID),
				zap.String("status", string(outcome.Status)),
				zap.String("source", source))
			result.Disposition = DispositionDuplicate
			if attempt.Status == models.PaymentSucceeded {
				result.Items = p.fanOut(ctx, attempt)
			}
			return result, nil
		}

		util.IntegrityViolationsTotal.Inc()
		util.PaymentOutcomesTotal.WithLabelValues(string(outcome.Status), string(DispositionRefused)).Inc()
		p.logger.Error("Conflicting payment outcome refused",
			zap.Int64("attempt_id", attempt.ID),
			zap.String("recorded", string(attempt.Status)),
			zap.String("reported", string(outcome.Status)),
			zap.String("source", source))
		result.Status = attempt.Status
		result.Disposition = DispositionRefused
		return result, fmt.Errorf("attempt %d is %s, reported %s: %w",
			attempt.ID, attempt.Status, outcome.Status, ErrIntegrityViolation)
	}

	resolved, err := p.payments.ResolveAttempt(ctx, attempt.ID, attempt.Version, outcome.Status, outcome.Reason)
	if errors.Is(err, store.ErrConflict) {
		current, lerr := p.payments.GetAttempt(ctx, attempt.ID)
		if lerr != nil {
			return nil, fmt.Errorf("failed to reload payment attempt: %w", lerr)
		}
		if !current.Status.Terminal() {
			return nil, fmt.Errorf("attempt %d: %w", attempt.ID, ErrStaleState)
		}
		return p.reconcile(ctx, current, outcome, source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payment attempt: %w", err)
	}

	util.PaymentOutcomesTotal.WithLabelValues(string(outcome.Status), string(DispositionApplied)).Inc()
	p.logger.Info("Payment attempt resolved",
		zap.Int64("attempt_id", resolved.ID),
		zap.String("status", string(resolved.Status)),
		zap.String("source", source))
	p.publishResolved(ctx, resolved)

	result.Disposition = DispositionApplied
	result.Items = p.fanOut(ctx, resolved)
	return result, nil
}

// fanOut drives every covered rental. One rental failing does not undo the others.
// A paid rental that can no longer run gets a refund request; the machine
// publishes it at most once, so a redelivered outcome may pass here again.
func (p *PaymentReconciler) fanOut(ctx context.Context, attempt *models.PaymentAttempt) []ItemResult {
	items := make([]ItemResult, 0, len(attempt.RentalIDs))
	for _, rentalID := range attempt.RentalIDs {
		var (
			tr  *Transition
			err error
		)
		if attempt.Status == models.PaymentSucceeded {
			tr, err = p.machine.Activate(ctx, rentalID)
			if err == nil && (tr.To == models.RentalCancelled || tr.To == models.RentalRejected) {
				p.requestRefund(ctx, attempt, rentalID, tr.To)
			}
		} else {
			tr, err = p.machine.Cancel(ctx, rentalID, models.EventPaymentFailed, string(attempt.Status))
		}

		item := ItemResult{RentalID: rentalID, Transition: tr, err: err}
		if err != nil {
			item.Error = err.Error()
			p.logger.Warn("Payment outcome not applied to rental",
				zap.Int64("attempt_id", attempt.ID),
				zap.Int64("rental_id", rentalID),
				zap.Error(err))
		}
		items = append(items, item)
	}
	return items
}

func (p *PaymentReconciler) requestRefund(ctx context.Context, attempt *models.PaymentAttempt, rentalID int64, state models.RentalState) {
	rental, err := p.machine.Load(ctx, rentalID)
	if err != nil {
		p.logger.Error("Failed to load rental for refund", zap.Int64("rental_id", rentalID), zap.Error(err))
		return
	}
	p.machine.RequestRefund(ctx, attempt, rental, state)
}

func (p *PaymentReconciler) publishResolved(ctx context.Context, attempt *models.PaymentAttempt) {
	event := &models.PaymentResolvedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentResolved,
			Timestamp: p.now(),
		},
		AttemptID: attempt.ID,
		RentalIDs: attempt.RentalIDs,
		Status:    attempt.Status,
		Amount:    attempt.Amount,
		Reason:    attempt.FailureReason,
	}
	if attempt.ExternalReference != nil {
		event.ExternalReference = *attempt.ExternalReference
	}
	if err := p.publisher.PublishPaymentResolved(ctx, event); err != nil {
		p.logger.Error("Failed to publish payment resolved event",
			zap.Int64("attempt_id", attempt.ID),
			zap.Error(err))
	}
}

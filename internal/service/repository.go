package service

import (
	"context"
	"time"

	"rental-service/internal/gateway"
	"rental-service/internal/models"
)

// CatalogRepository reads bike models.
type CatalogRepository interface {
	GetModel(ctx context.Context, id int64) (*models.BikeModel, error)
}

// StockRepository performs atomic unit and hold operations.
type StockRepository interface {
	GetUnit(ctx context.Context, id int64) (*models.StockUnit, error)
	ListHolds(ctx context.Context, unitID int64) ([]models.UnitHold, error)
	HasFreeUnit(ctx context.Context, modelID int64, w models.Window) (bool, error)
	ReserveUnit(ctx context.Context, modelID, rentalID int64, w models.Window) (*models.StockUnit, error)
	ActivateHold(ctx context.Context, unitID, rentalID int64) (*models.StockUnit, error)
	ReleaseHold(ctx context.Context, unitID, rentalID int64) (*models.StockUnit, bool, error)
	RetireUnit(ctx context.Context, unitID, rentalID int64, reason string) (*models.StockUnit, error)
	CompleteMaintenance(ctx context.Context, unitID int64) (*models.StockUnit, error)
}

// RentalRepository persists rentals. State changes go through the CAS only.
type RentalRepository interface {
	CreateRental(ctx context.Context, r *models.Rental) error
	GetRental(ctx context.Context, id int64) (*models.Rental, error)
	ListRentalsByIdempotencyKey(ctx context.Context, key string) ([]models.Rental, error)
	ListRentalsByRenter(ctx context.Context, renterID int64, state models.RentalState) ([]models.Rental, error)
	CompareAndSetRentalState(ctx context.Context, id int64, from models.RentalState, version int64,
		to models.RentalState, patch models.RentalPatch) (*models.Rental, error)
	AttachPayment(ctx context.Context, rentalIDs []int64, attemptID int64) error
}

// PaymentRepository persists payment attempts.
type PaymentRepository interface {
	CreateAttempt(ctx context.Context, p *models.PaymentAttempt) error
	GetAttempt(ctx context.Context, id int64) (*models.PaymentAttempt, error)
	GetAttemptByReference(ctx context.Context, ref string) (*models.PaymentAttempt, error)
	GetAttemptByIdempotencyKey(ctx context.Context, key string) (*models.PaymentAttempt, error)
	SetCheckoutURL(ctx context.Context, id int64, url string) error
	ResolveAttempt(ctx context.Context, id, version int64, status models.PaymentStatus, reason string) (*models.PaymentAttempt, error)
	ListStalePendingAttempts(ctx context.Context, channel models.PaymentChannel, before time.Time) ([]models.PaymentAttempt, error)
}

// VerificationRepository persists renter verification records.
type VerificationRepository interface {
	GetVerification(ctx context.Context, renterID int64) (*models.VerificationRecord, error)
	UpsertVerification(ctx context.Context, v *models.VerificationRecord) error
}

// ReturnRepository persists return reports.
type ReturnRepository interface {
	CreateReturnReport(ctx context.Context, r *models.ReturnReport) error
	GetReturnReport(ctx context.Context, rentalID int64) (*models.ReturnReport, error)
}

// HandoverRepository persists handover records.
type HandoverRepository interface {
	CreateHandover(ctx context.Context, h *models.HandoverRecord) error
	GetHandover(ctx context.Context, rentalID int64) (*models.HandoverRecord, error)
}

// EventLog remembers consumed event IDs.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error)
}

// Repository is everything the engine stores. Both the Postgres and the
// in-memory store satisfy it.
type Repository interface {
	CatalogRepository
	StockRepository
	RentalRepository
	PaymentRepository
	VerificationRepository
	ReturnRepository
	HandoverRepository
	EventLog
}

// EventPublisher emits domain events.
type EventPublisher interface {
	PublishRentalEvent(ctx context.Context, event *models.RentalStateEvent) error
	PublishPaymentResolved(ctx context.Context, event *models.PaymentResolvedEvent) error
	PublishRefundRequired(ctx context.Context, event *models.RefundRequiredEvent) error
}

// PaymentGateway creates hosted payment pages.
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, req gateway.LinkRequest) (*gateway.Link, error)
}

// OutcomeCache is the fast duplicate check for gateway callbacks.
type OutcomeCache interface {
	LookupOutcome(ctx context.Context, ref string) (models.PaymentStatus, error)
	RecordOutcome(ctx context.Context, ref string, status models.PaymentStatus) (models.PaymentStatus, error)
}

// AvailabilityCache caches availability answers per model under a version token.
type AvailabilityCache interface {
	CachedAvailability(ctx context.Context, modelID int64, w models.Window) (available, found bool, token int64, err error)
	StoreAvailability(ctx context.Context, modelID int64, w models.Window, token int64, available bool) error
	InvalidateAvailability(ctx context.Context, modelID int64) error
}

// Locker serializes work on one key across instances.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

type nopPublisher struct{}

func (nopPublisher) PublishRentalEvent(context.Context, *models.RentalStateEvent) error { return nil }
func (nopPublisher) PublishPaymentResolved(context.Context, *models.PaymentResolvedEvent) error {
	return nil
}
func (nopPublisher) PublishRefundRequired(context.Context, *models.RefundRequiredEvent) error {
	return nil
}

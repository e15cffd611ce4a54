package service

import (
	"context"
	"errors"
	"fmt"

	"rental-service/internal/models"
	"rental-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Decision is a staff review of a renter's documents.
type Decision struct {
	RenterID   int64                     `validate:"required,gt=0"`
	Status     models.VerificationStatus `validate:"required,oneof=APPROVED REJECTED"`
	ReviewerID int64
	Note       string
}

// DocumentSubmission is a renter uploading identity and license documents.
type DocumentSubmission struct {
	RenterID           int64  `json:"renter_id" validate:"required,gt=0"`
	IDDocumentURL      string `json:"id_document_url" validate:"required,url"`
	LicenseDocumentURL string `json:"license_document_url" validate:"required,url"`
}

// VerificationGate answers whether a renter may start a rental and applies
// staff decisions to the renter's waiting rentals.
type VerificationGate struct {
	verifications VerificationRepository
	rentals       RentalRepository
	machine       *RentalMachine
	logger        *zap.Logger
}

// NewVerificationGate creates a new verification gate
func NewVerificationGate(verifications VerificationRepository, rentals RentalRepository, machine *RentalMachine) *VerificationGate {
	return &VerificationGate{
		verifications: verifications,
		rentals:       rentals,
		machine:       machine,
		logger:        util.GetLogger(),
	}
}

// IsApproved reports whether the renter's documents were approved.
func (g *VerificationGate) IsApproved(ctx context.Context, renterID int64) (bool, error) {
	return g.machine.IsApproved(ctx, renterID)
}

// SubmitDocuments stores the renter's documents and puts them up for review.
func (g *VerificationGate) SubmitDocuments(ctx context.Context, sub DocumentSubmission) (*models.VerificationRecord, error) {
	if err := validateStruct(sub); err != nil {
		return nil, err
	}
	record := &models.VerificationRecord{
		RenterID:           sub.RenterID,
		IDDocumentURL:      sub.IDDocumentURL,
		LicenseDocumentURL: sub.LicenseDocumentURL,
		Status:             models.VerificationPending,
	}
	if err := g.verifications.UpsertVerification(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save verification: %w", err)
	}
	g.logger.Info("Verification documents submitted", zap.Int64("renter_id", sub.RenterID))
	return record, nil
}

// ApplyDecision stores the decision and drives the renter's PENDING_PAYMENT
// rentals: approval activates the paid ones, rejection rejects all of them and
// releases their units.
func (g *VerificationGate) ApplyDecision(ctx context.Context, d Decision) ([]Transition, error) {
	ctx, span := util.StartSpan(ctx, "VerificationGate.ApplyDecision",
		attribute.Int64("renter_id", d.RenterID), attribute.String("status", string(d.Status)))
	defer span.End()

	if err := validateStruct(d); err != nil {
		return nil, err
	}

	record := &models.VerificationRecord{
		RenterID: d.RenterID,
		Status:   d.Status,
		Note:     d.Note,
	}
	if d.ReviewerID != 0 {
		reviewer := d.ReviewerID
		record.ReviewerID = &reviewer
	}
	if err := g.verifications.UpsertVerification(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save verification: %w", err)
	}
	g.logger.Info("Verification decided",
		zap.Int64("renter_id", d.RenterID),
		zap.String("status", string(d.Status)),
		zap.Int64("reviewer_id", d.ReviewerID))

	waiting, err := g.rentals.ListRentalsByRenter(ctx, d.RenterID, models.RentalPendingPayment)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending rentals: %w", err)
	}

	var (
		transitions []Transition
		errs        []error
	)
	for i := range waiting {
		rental := &waiting[i]
		var tr *Transition
		if d.Status == models.VerificationApproved {
			tr, err = g.machine.Activate(ctx, rental.ID)
		} else {
			tr, err = g.reject(ctx, rental, d.Note)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rental %d: %w", rental.ID, err))
			continue
		}
		transitions = append(transitions, *tr)
	}
	return transitions, errors.Join(errs...)
}

// reject releases the rental's unit; the machine requests a refund if it was paid.
func (g *VerificationGate) reject(ctx context.Context, rental *models.Rental, note string) (*Transition, error) {
	reason := ReasonVerificationRejected
	if note != "" {
		reason = reason + ": " + note
	}
	return g.machine.Cancel(ctx, rental.ID, models.EventVerificationRejected, reason)
}

package service

import (
	"context"
	"testing"

	"rental-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectionReleasesStockAndRequestsRefund(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)
	rentalID := result.Rentals[0].ID

	_, err := f.engine.Payments.ConfirmCash(ctx, result.Attempt.ID, 77)
	require.NoError(t, err)
	require.Equal(t, models.RentalPendingPayment, f.rental(t, rentalID).State)

	transitions, err := f.engine.Verification.ApplyDecision(ctx, Decision{
		RenterID:   1,
		Status:     models.VerificationRejected,
		ReviewerID: 900,
		Note:       "license expired",
	})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Applied)
	assert.Equal(t, models.RentalRejected, transitions[0].To)

	assert.Equal(t, models.RentalRejected, f.rental(t, rentalID).State)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)
	require.Equal(t, 1, f.pub.refundCount())
	assert.Equal(t, models.RentalRejected, f.pub.refunds[0].State)

	approved, err := f.engine.Verification.IsApproved(ctx, 1)
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestRejectionWithoutPaymentSkipsRefund(t *testing.T) {
	f := newFixture(t, 1)
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)

	_, err := f.engine.Verification.ApplyDecision(context.Background(), Decision{
		RenterID: 1,
		Status:   models.VerificationRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RentalRejected, f.rental(t, result.Rentals[0].ID).State)
	assert.Equal(t, 0, f.pub.refundCount())
}

func TestPaymentFromRejectedRenterRefunded(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.engine.Verification.ApplyDecision(ctx, Decision{
		RenterID:   1,
		Status:     models.VerificationRejected,
		ReviewerID: 900,
	})
	require.NoError(t, err)

	result := f.checkout(t, 1, models.ChannelCash, 0, 1)
	rentalID := result.Rentals[0].ID

	res, err := f.engine.Payments.ConfirmCash(ctx, result.Attempt.ID, 77)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.True(t, res.Items[0].Transition.Applied)
	assert.Equal(t, models.RentalRejected, res.Items[0].Transition.To)

	assert.Equal(t, models.RentalRejected, f.rental(t, rentalID).State)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)
	require.Equal(t, 1, f.pub.refundCount())
	assert.Equal(t, rentalID, f.pub.refunds[0].RentalID)
	assert.Equal(t, models.RentalRejected, f.pub.refunds[0].State)

	// the same outcome again finds the rental settled and the refund claimed
	_, err = f.engine.Payments.ConfirmCash(ctx, result.Attempt.ID, 77)
	require.NoError(t, err)
	assert.Equal(t, 1, f.pub.refundCount())
}

func TestApprovalLeavesUnpaidRentalsWaiting(t *testing.T) {
	f := newFixture(t, 1)
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)

	transitions, err := f.engine.Verification.ApplyDecision(context.Background(), Decision{
		RenterID: 1,
		Status:   models.VerificationApproved,
	})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.False(t, transitions[0].Applied)
	assert.Equal(t, ReasonPaymentNotSucceeded, transitions[0].Reason)
	assert.Equal(t, models.RentalPendingPayment, f.rental(t, result.Rentals[0].ID).State)
}

func TestApplyDecisionValidation(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.engine.Verification.ApplyDecision(context.Background(), Decision{
		RenterID: 1,
		Status:   models.VerificationPending,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitDocuments(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.engine.Verification.SubmitDocuments(ctx, DocumentSubmission{RenterID: 5, IDDocumentURL: "not a url"})
	assert.ErrorIs(t, err, ErrValidation)

	record, err := f.engine.Verification.SubmitDocuments(ctx, DocumentSubmission{
		RenterID:           5,
		IDDocumentURL:      "https://files.example/id/5.jpg",
		LicenseDocumentURL: "https://files.example/license/5.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerificationPending, record.Status)

	approved, err := f.engine.Verification.IsApproved(ctx, 5)
	require.NoError(t, err)
	assert.False(t, approved)

	f.approve(t, 5)
	stored, err := f.store.GetVerification(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationApproved, stored.Status)
	assert.Equal(t, "https://files.example/id/5.jpg", stored.IDDocumentURL)
}

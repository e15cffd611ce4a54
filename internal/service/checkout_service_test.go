package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"rental-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCashCheckoutHappyPath(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.approve(t, 1)

	result := f.checkout(t, 1, models.ChannelCash, 0, 2)
	require.Len(t, result.Rentals, 1)
	assert.False(t, result.Unavailable)
	rental := result.Rentals[0]
	assert.Equal(t, models.RentalPendingPayment, rental.State)
	assert.Equal(t, int64(2*pricePerDay), rental.BaseFee)
	require.NotNil(t, rental.StockUnitID)
	assert.Equal(t, f.units[0].ID, *rental.StockUnitID)

	require.NotNil(t, result.Attempt)
	assert.Equal(t, models.ChannelCash, result.Attempt.Channel)
	assert.Equal(t, models.PaymentPending, result.Attempt.Status)
	assert.Equal(t, int64(2*pricePerDay), result.Attempt.Amount)
	assert.Nil(t, result.Attempt.ExternalReference)
	assert.Equal(t, models.UnitHeld, f.unit(t, f.units[0].ID).State)

	reconciled, err := f.engine.Payments.ConfirmCash(ctx, result.Attempt.ID, 77)
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, reconciled.Disposition)
	require.Len(t, reconciled.Items, 1)
	assert.True(t, reconciled.Items[0].Transition.Applied)

	active := f.rental(t, rental.ID)
	assert.Equal(t, models.RentalActive, active.State)
	assert.NotNil(t, active.ActivatedAt)
	unit := f.unit(t, f.units[0].ID)
	assert.Equal(t, models.UnitInUse, unit.State)
	require.NotNil(t, unit.CurrentRentalID)
	assert.Equal(t, rental.ID, *unit.CurrentRentalID)

	closed, err := f.engine.Returns.SubmitReturn(ctx, ReturnRequest{
		RentalID:     rental.ID,
		FinalBattery: 64,
		Condition:    models.ConditionGood,
		StaffID:      77,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RentalClosed, closed.Rental.State)
	require.NotNil(t, closed.Rental.FinalFee)
	assert.Equal(t, int64(2*pricePerDay), *closed.Rental.FinalFee)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)

	assert.Equal(t, 1, f.pub.countRental(models.EventTypeRentalReserved))
	assert.Equal(t, 1, f.pub.countRental(models.EventTypeRentalActivated))
	assert.Equal(t, 1, f.pub.countRental(models.EventTypeRentalReturned))
	assert.Equal(t, 1, f.pub.countRental(models.EventTypeRentalClosed))
}

func TestCheckoutUnavailable(t *testing.T) {
	f := newFixture(t, 0)

	result := f.checkout(t, 1, models.ChannelCash, 0, 1)
	assert.True(t, result.Unavailable)
	assert.Equal(t, "this model is currently unavailable for your dates", result.Message)
	assert.Nil(t, result.Attempt)
	require.Len(t, result.Rentals, 1)
	assert.Equal(t, models.RentalCancelled, result.Rentals[0].State)
}

func TestCheckoutPartialAvailability(t *testing.T) {
	f := newFixture(t, 1)

	item := CheckoutItem{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(1)}
	result, err := f.engine.Checkout.Checkout(context.Background(), CheckoutRequest{
		RenterID: 1,
		Channel:  models.ChannelCash,
		Items:    []CheckoutItem{item, item},
	})
	require.NoError(t, err)
	require.Len(t, result.Rentals, 2)
	assert.Equal(t, models.RentalPendingPayment, result.Rentals[0].State)
	assert.Equal(t, models.RentalCancelled, result.Rentals[1].State)

	require.NotNil(t, result.Attempt)
	assert.Equal(t, []int64{result.Rentals[0].ID}, []int64(result.Attempt.RentalIDs))
	assert.Equal(t, int64(pricePerDay), result.Attempt.Amount)
}

func TestCheckoutFeeRoundsUpStartedDays(t *testing.T) {
	f := newFixture(t, 1)

	result, err := f.engine.Checkout.Checkout(context.Background(), CheckoutRequest{
		RenterID: 1,
		Channel:  models.ChannelCash,
		Items: []CheckoutItem{{
			ModelID:   f.model.ID,
			StationID: 1,
			Start:     day(0),
			End:       day(1).Add(3 * time.Hour),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2*pricePerDay), result.Rentals[0].BaseFee)
	assert.Equal(t, result.Rentals[0].StationID, result.Rentals[0].ReturnStationID)
}

func TestCheckoutIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	req := CheckoutRequest{
		RenterID:       1,
		Channel:        models.ChannelGateway,
		IdempotencyKey: "cart-123",
		Items:          []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(1)}},
	}
	first, err := f.engine.Checkout.Checkout(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.Checkout.Checkout(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Attempt.ID, second.Attempt.ID)
	assert.Equal(t, first.Rentals[0].ID, second.Rentals[0].ID)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[1].ID).State)
	assert.Len(t, f.gw.requests, 1)
}

func TestCheckoutKeyLockedByAnotherRequest(t *testing.T) {
	f := newFixture(t, 1)
	locker := &fakeLocker{}
	checkout := NewCheckoutService(f.store, f.store, f.store, f.engine.Ledger, f.engine.Machine, f.engine.Payments, locker)

	acquired, err := locker.AcquireLock(context.Background(), "checkout:cart-9", checkoutLockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = checkout.Checkout(context.Background(), CheckoutRequest{
		RenterID:       1,
		Channel:        models.ChannelCash,
		IdempotencyKey: "cart-9",
		Items:          []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(1)}},
	})
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t, 1)

	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{
			name: "end before start",
			req: CheckoutRequest{RenterID: 1, Channel: models.ChannelCash,
				Items: []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(2), End: day(1)}}},
		},
		{
			name: "no items",
			req:  CheckoutRequest{RenterID: 1, Channel: models.ChannelCash},
		},
		{
			name: "unknown channel",
			req: CheckoutRequest{RenterID: 1, Channel: "CARD",
				Items: []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(1)}}},
		},
		{
			name: "missing renter",
			req: CheckoutRequest{Channel: models.ChannelCash,
				Items: []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(1)}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Checkout.Checkout(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestCheckoutUnknownModel(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.engine.Checkout.Checkout(context.Background(), CheckoutRequest{
		RenterID: 1,
		Channel:  models.ChannelCash,
		Items:    []CheckoutItem{{ModelID: 9999, StationID: 1, Start: day(0), End: day(1)}},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRental(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)
	rentalID := result.Rentals[0].ID

	_, err := f.engine.Checkout.CancelRental(ctx, rentalID, 2)
	assert.ErrorIs(t, err, ErrForbidden)

	tr, err := f.engine.Checkout.CancelRental(ctx, rentalID, 1)
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, models.RentalCancelled, tr.To)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)

	again, err := f.engine.Checkout.CancelRental(ctx, rentalID, 1)
	require.NoError(t, err)
	assert.False(t, again.Applied)
}

func TestCancelPaidRentalRequestsRefund(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)
	rentalID := result.Rentals[0].ID

	// paid before the renter was verified, so the rental is still waiting
	_, err := f.engine.Payments.ConfirmCash(ctx, result.Attempt.ID, 77)
	require.NoError(t, err)
	require.Equal(t, models.RentalPendingPayment, f.rental(t, rentalID).State)

	tr, err := f.engine.Checkout.CancelRental(ctx, rentalID, 1)
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, models.RentalCancelled, f.rental(t, rentalID).State)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)

	require.Equal(t, 1, f.pub.refundCount())
	assert.Equal(t, rentalID, f.pub.refunds[0].RentalID)
	assert.Equal(t, result.Attempt.ID, f.pub.refunds[0].AttemptID)
	assert.Equal(t, models.RentalCancelled, f.pub.refunds[0].State)
	assert.Equal(t, int64(pricePerDay), f.pub.refunds[0].Amount)

	again, err := f.engine.Checkout.CancelRental(ctx, rentalID, 1)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, 1, f.pub.refundCount())
}

func TestCancelUnpaidRentalSkipsRefund(t *testing.T) {
	f := newFixture(t, 1)
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)

	_, err := f.engine.Checkout.CancelRental(context.Background(), result.Rentals[0].ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, f.pub.refundCount())
}

func TestReplayOfCheckoutWithoutAttemptReleasesStock(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	w := models.Window{Start: day(0), End: day(1)}

	// a checkout that reserved a unit and died before opening its payment
	orphan := &models.Rental{
		RenterID:        1,
		ModelID:         f.model.ID,
		StationID:       1,
		ReturnStationID: 1,
		StartAt:         w.Start,
		EndAt:           w.End,
		State:           models.RentalRequested,
		BaseFee:         pricePerDay,
		IdempotencyKey:  "cart-7",
	}
	require.NoError(t, f.store.CreateRental(ctx, orphan))
	unit, ok, err := f.engine.Ledger.Reserve(ctx, f.model.ID, orphan.ID, w)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.engine.Machine.MarkReserved(ctx, orphan, unit.ID)
	require.NoError(t, err)
	require.Equal(t, models.UnitHeld, f.unit(t, unit.ID).State)

	req := CheckoutRequest{
		RenterID:       1,
		Channel:        models.ChannelCash,
		IdempotencyKey: "cart-7",
		Items:          []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: w.Start, End: w.End}},
	}
	result, err := f.engine.Checkout.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.True(t, result.Unavailable)
	assert.Nil(t, result.Attempt)
	require.Len(t, result.Rentals, 1)
	assert.Equal(t, models.RentalCancelled, result.Rentals[0].State)
	assert.Equal(t, models.RentalCancelled, f.rental(t, orphan.ID).State)
	assert.Equal(t, models.UnitFree, f.unit(t, unit.ID).State)

	again, err := f.engine.Checkout.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, f.pub.countRental(models.EventTypeRentalCancelled))
}

func TestReplayWaitsForLockBeforeSettling(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	locker := &fakeLocker{}
	checkout := NewCheckoutService(f.store, f.store, f.store, f.engine.Ledger, f.engine.Machine, f.engine.Payments, locker)

	inFlight := &models.Rental{
		RenterID:       1,
		ModelID:        f.model.ID,
		StationID:      1,
		StartAt:        day(0),
		EndAt:          day(1),
		State:          models.RentalRequested,
		IdempotencyKey: "cart-8",
	}
	require.NoError(t, f.store.CreateRental(ctx, inFlight))
	acquired, err := locker.AcquireLock(ctx, "checkout:cart-8", checkoutLockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = checkout.Checkout(ctx, CheckoutRequest{
		RenterID:       1,
		Channel:        models.ChannelCash,
		IdempotencyKey: "cart-8",
		Items:          []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(1)}},
	})
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Equal(t, models.RentalRequested, f.rental(t, inFlight.ID).State)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	const units, renters = 3, 12
	f := newFixture(t, units)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved []int64
	)
	for i := 0; i < renters; i++ {
		wg.Add(1)
		go func(renterID int64) {
			defer wg.Done()
			result, err := f.engine.Checkout.Checkout(context.Background(), CheckoutRequest{
				RenterID: renterID,
				Channel:  models.ChannelCash,
				Items:    []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(3)}},
			})
			if !assert.NoError(t, err) || result.Unavailable {
				return
			}
			mu.Lock()
			reserved = append(reserved, *result.Rentals[0].StockUnitID)
			mu.Unlock()
		}(int64(i + 1))
	}
	wg.Wait()

	require.Len(t, reserved, units)
	assert.ElementsMatch(t, []int64{f.units[0].ID, f.units[1].ID, f.units[2].ID}, reserved)
	for _, u := range f.units {
		assert.Equal(t, models.UnitHeld, f.unit(t, u.ID).State)
	}
}

func TestRaceForLastUnit(t *testing.T) {
	f := newFixture(t, 1)

	results := make([]*CheckoutResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Checkout.Checkout(context.Background(), CheckoutRequest{
				RenterID: int64(i + 1),
				Channel:  models.ChannelCash,
				Items:    []CheckoutItem{{ModelID: f.model.ID, StationID: 1, Start: day(0), End: day(2)}},
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.True(t, results[0].Unavailable != results[1].Unavailable,
		"exactly one checkout should win the last unit")
}

func TestNonOverlappingWindowsShareUnit(t *testing.T) {
	f := newFixture(t, 1)

	first := f.checkout(t, 1, models.ChannelCash, 0, 2)
	second := f.checkout(t, 2, models.ChannelCash, 2, 4)
	overlapping := f.checkout(t, 3, models.ChannelCash, 1, 3)

	assert.False(t, first.Unavailable)
	assert.False(t, second.Unavailable)
	assert.True(t, overlapping.Unavailable)
	assert.Equal(t, *first.Rentals[0].StockUnitID, *second.Rentals[0].StockUnitID)
}

package service

import (
	"context"
	"testing"

	"rental-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReturnSevereDamageRetiresUnit(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	rental := f.activeRental(t, 1, 0, 2)

	result, err := f.engine.Returns.SubmitReturn(ctx, ReturnRequest{
		RentalID:     rental.ID,
		FinalBattery: 12,
		Condition:    models.ConditionSevereDamage,
		ExtraFee:     500000,
		Reason:       "frame cracked",
		StaffID:      77,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RentalClosed, result.Rental.State)
	require.NotNil(t, result.Rental.FinalFee)
	assert.Equal(t, rental.BaseFee+500000, *result.Rental.FinalFee)
	assert.NotNil(t, result.Rental.ClosedAt)

	unit := f.unit(t, f.units[0].ID)
	assert.Equal(t, models.UnitMaintenance, unit.State)
	assert.Equal(t, "frame cracked", unit.MaintenanceReason)

	available, err := f.engine.Ledger.CheckAvailability(ctx, f.model.ID, models.Window{Start: day(10), End: day(11)})
	require.NoError(t, err)
	assert.False(t, available)

	require.NoError(t, f.engine.Ledger.CompleteMaintenance(ctx, f.units[0].ID))
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)
	again := f.checkout(t, 2, models.ChannelCash, 10, 11)
	assert.False(t, again.Unavailable)
}

func TestReturnFinalFeeNeverBelowBase(t *testing.T) {
	for _, extra := range []int64{0, 1, 250000} {
		f := newFixture(t, 1)
		rental := f.activeRental(t, 1, 0, 3)

		req := ReturnRequest{
			RentalID:     rental.ID,
			FinalBattery: 80,
			Condition:    models.ConditionMinorDamage,
			ExtraFee:     extra,
			StaffID:      77,
		}
		if extra > 0 {
			req.Reason = "scratched fender"
		}
		result, err := f.engine.Returns.SubmitReturn(context.Background(), req)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, *result.Rental.FinalFee, result.Rental.BaseFee)
		assert.Equal(t, result.Rental.BaseFee+extra, *result.Rental.FinalFee)
		assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)
	}
}

func TestReturnValidation(t *testing.T) {
	f := newFixture(t, 1)
	rental := f.activeRental(t, 1, 0, 1)

	valid := ReturnRequest{RentalID: rental.ID, FinalBattery: 50, Condition: models.ConditionGood, StaffID: 77}
	tests := []struct {
		name   string
		mutate func(r *ReturnRequest)
		field  string
	}{
		{"battery above 100", func(r *ReturnRequest) { r.FinalBattery = 101 }, "FinalBattery"},
		{"negative battery", func(r *ReturnRequest) { r.FinalBattery = -1 }, "FinalBattery"},
		{"unknown condition", func(r *ReturnRequest) { r.Condition = "BROKEN" }, "Condition"},
		{"negative extra fee", func(r *ReturnRequest) { r.ExtraFee = -1 }, "ExtraFee"},
		{"extra fee without reason", func(r *ReturnRequest) { r.ExtraFee = 1000 }, "Reason"},
		{"missing staff", func(r *ReturnRequest) { r.StaffID = 0 }, "StaffID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.engine.Returns.SubmitReturn(context.Background(), req)
			require.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.Equal(t, models.RentalActive, f.rental(t, rental.ID).State)
}

func TestReturnAlreadyClosed(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	rental := f.activeRental(t, 1, 0, 1)

	req := ReturnRequest{RentalID: rental.ID, FinalBattery: 90, Condition: models.ConditionGood, StaffID: 77}
	_, err := f.engine.Returns.SubmitReturn(ctx, req)
	require.NoError(t, err)

	_, err = f.engine.Returns.SubmitReturn(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.Equal(t, "this rental was already closed", err.Error())
}

func TestReturnRequiresActiveRental(t *testing.T) {
	f := newFixture(t, 1)
	result := f.checkout(t, 1, models.ChannelCash, 0, 1)

	_, err := f.engine.Returns.SubmitReturn(context.Background(), ReturnRequest{
		RentalID:     result.Rentals[0].ID,
		FinalBattery: 90,
		Condition:    models.ConditionGood,
		StaffID:      77,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReturnResumesInterruptedSettlement(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	rental := f.activeRental(t, 1, 0, 1)

	// a previous submission claimed the rental and stored its report, then failed
	returned, err := f.engine.Machine.Fire(ctx, rental, models.EventReturnSubmitted, models.RentalPatch{}, "")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateReturnReport(ctx, &models.ReturnReport{
		RentalID:     returned.ID,
		FinalBattery: 30,
		Condition:    models.ConditionMinorDamage,
		ExtraFee:     40000,
		Reason:       "broken mirror",
		SubmittedBy:  77,
	}))

	result, err := f.engine.Returns.SubmitReturn(ctx, ReturnRequest{
		RentalID:     rental.ID,
		FinalBattery: 99,
		Condition:    models.ConditionGood,
		StaffID:      78,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RentalClosed, result.Rental.State)
	assert.Equal(t, rental.BaseFee+40000, *result.Rental.FinalFee)
	assert.Equal(t, models.ConditionMinorDamage, result.Report.Condition)
	assert.Equal(t, models.UnitFree, f.unit(t, f.units[0].ID).State)
}

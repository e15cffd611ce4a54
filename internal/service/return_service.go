package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReturnRequest is staff's assessment of a returned bike.
type ReturnRequest struct {
	RentalID        int64            `json:"rental_id" validate:"required,gt=0"`
	FinalBattery    int              `json:"final_battery" validate:"gte=0,lte=100"`
	Condition       models.Condition `json:"condition" validate:"required,oneof=GOOD MINOR_DAMAGE SEVERE_DAMAGE"`
	ExtraFee        int64            `json:"extra_fee" validate:"gte=0"`
	Reason          string           `json:"reason"`
	StaffID         int64            `json:"staff_id" validate:"required,gt=0"`
	ReturnStationID int64            `json:"return_station_id"`
}

// ReturnResult is a closed rental and its report.
type ReturnResult struct {
	Rental *models.Rental       `json:"rental"`
	Report *models.ReturnReport `json:"report"`
}

// ReturnService closes rentals with a condition based fee.
type ReturnService struct {
	machine *RentalMachine
	returns ReturnRepository
	ledger  *StockLedger
	logger  *zap.Logger
}

// NewReturnService creates a new return service
func NewReturnService(machine *RentalMachine, returns ReturnRepository, ledger *StockLedger) *ReturnService {
	return &ReturnService{
		machine: machine,
		returns: returns,
		ledger:  ledger,
		logger:  util.GetLogger(),
	}
}

// SubmitReturn records the return report, frees or retires the unit and
// closes the rental with finalFee = baseFee + extraFee. A rental left RETURNED
// by an interrupted submission is settled from its stored report.
func (s *ReturnService) SubmitReturn(ctx context.Context, req ReturnRequest) (*ReturnResult, error) {
	ctx, span := util.StartSpan(ctx, "ReturnService.SubmitReturn",
		attribute.Int64("rental_id", req.RentalID), attribute.String("condition", string(req.Condition)))
	defer span.End()

	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.ExtraFee > 0 && strings.TrimSpace(req.Reason) == "" {
		return nil, &ValidationError{Field: "Reason", Message: "is required when an extra fee is charged"}
	}

	rental, err := s.machine.Load(ctx, req.RentalID)
	if err != nil {
		return nil, err
	}

	var report *models.ReturnReport
	switch rental.State {
	case models.RentalClosed:
		return nil, ErrAlreadyClosed
	case models.RentalActive:
		rental, err = s.machine.Fire(ctx, rental, models.EventReturnSubmitted, models.RentalPatch{}, string(req.Condition))
		if err != nil {
			return nil, err
		}
		report, err = s.persistReport(ctx, rental, req)
		if err != nil {
			return nil, err
		}
	case models.RentalReturned:
		report, err = s.returns.GetReturnReport(ctx, rental.ID)
		if errors.Is(err, store.ErrNotFound) {
			report, err = s.persistReport(ctx, rental, req)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load return report: %w", err)
		}
		s.logger.Info("Resuming return settlement",
			zap.Int64("rental_id", rental.ID),
			zap.Int64("report_id", report.ID))
	default:
		return nil, fmt.Errorf("return of a rental that is %s: %w", rental.State, ErrInvalidTransition)
	}

	closed, err := s.settle(ctx, rental, report)
	if err != nil {
		return nil, err
	}
	return &ReturnResult{Rental: closed, Report: report}, nil
}

func (s *ReturnService) persistReport(ctx context.Context, rental *models.Rental, req ReturnRequest) (*models.ReturnReport, error) {
	report := &models.ReturnReport{
		RentalID:        rental.ID,
		FinalBattery:    req.FinalBattery,
		Condition:       req.Condition,
		ExtraFee:        req.ExtraFee,
		Reason:          req.Reason,
		ReturnStationID: req.ReturnStationID,
		SubmittedBy:     req.StaffID,
	}
	if report.ReturnStationID == 0 {
		report.ReturnStationID = rental.ReturnStationID
	}

	err := s.returns.CreateReturnReport(ctx, report)
	if errors.Is(err, store.ErrDuplicate) {
		return s.returns.GetReturnReport(ctx, rental.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create return report: %w", err)
	}
	return report, nil
}

func (s *ReturnService) settle(ctx context.Context, rental *models.Rental, report *models.ReturnReport) (*models.Rental, error) {
	if rental.StockUnitID != nil {
		unitID := *rental.StockUnitID
		var err error
		if report.Condition == models.ConditionSevereDamage {
			reason := report.Reason
			if reason == "" {
				reason = string(models.ConditionSevereDamage)
			}
			err = s.ledger.Retire(ctx, unitID, rental.ID, reason)
		} else {
			err = s.ledger.Release(ctx, unitID, rental.ID)
		}
		if err != nil {
			return nil, err
		}
	}

	finalFee := rental.BaseFee + report.ExtraFee
	closedAt := s.machine.now()
	closed, err := s.machine.Fire(ctx, rental, models.EventFeeSettled, models.RentalPatch{
		FinalFee: &finalFee,
		ClosedAt: &closedAt,
	}, "")
	if err != nil {
		return nil, err
	}

	util.ReturnsTotal.WithLabelValues(string(report.Condition)).Inc()
	s.logger.Info("Rental closed",
		zap.Int64("rental_id", closed.ID),
		zap.String("condition", string(report.Condition)),
		zap.Int64("base_fee", closed.BaseFee),
		zap.Int64("final_fee", finalFee))
	return closed, nil
}

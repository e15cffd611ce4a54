package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rental-service/internal/models"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HandoverRequest is the checklist staff fill when a bike leaves the station.
type HandoverRequest struct {
	RentalID         int64           `json:"rental_id" validate:"required,gt=0"`
	StaffID          int64           `json:"staff_id" validate:"required,gt=0"`
	InitialBattery   int             `json:"initial_battery" validate:"gte=0,lte=100"`
	InitialCondition string          `json:"initial_condition" validate:"required"`
	Checklist        json.RawMessage `json:"checklist"`
}

// HandoverService keeps the handover audit trail. It never changes rental state.
type HandoverService struct {
	machine   *RentalMachine
	handovers HandoverRepository
	logger    *zap.Logger
}

// NewHandoverService creates a new handover service
func NewHandoverService(machine *RentalMachine, handovers HandoverRepository) *HandoverService {
	return &HandoverService{
		machine:   machine,
		handovers: handovers,
		logger:    util.GetLogger(),
	}
}

// RecordHandover stores the handover of an ACTIVE rental, at most once.
func (s *HandoverService) RecordHandover(ctx context.Context, req HandoverRequest) (*models.HandoverRecord, error) {
	ctx, span := util.StartSpan(ctx, "HandoverService.RecordHandover", attribute.Int64("rental_id", req.RentalID))
	defer span.End()

	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if len(req.Checklist) > 0 && !json.Valid(req.Checklist) {
		return nil, &ValidationError{Field: "Checklist", Message: "must be valid JSON"}
	}

	rental, err := s.machine.Load(ctx, req.RentalID)
	if err != nil {
		return nil, err
	}
	if rental.State != models.RentalActive {
		return nil, fmt.Errorf("handover of a rental that is %s: %w", rental.State, ErrInvalidTransition)
	}

	checklist := req.Checklist
	if len(checklist) == 0 {
		checklist = json.RawMessage("{}")
	}
	record := &models.HandoverRecord{
		RentalID:         rental.ID,
		StaffID:          req.StaffID,
		InitialBattery:   req.InitialBattery,
		InitialCondition: req.InitialCondition,
		Checklist:        checklist,
	}
	if err := s.handovers.CreateHandover(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyHandedOver
		}
		return nil, fmt.Errorf("failed to create handover: %w", err)
	}

	s.logger.Info("Bike handed over",
		zap.Int64("rental_id", rental.ID),
		zap.Int64("staff_id", req.StaffID),
		zap.Int("battery", req.InitialBattery))
	return record, nil
}

package service

import (
	"context"
	"errors"
	"fmt"

	"rental-service/internal/store"
)

// Business rejections. Callers test them with errors.Is.
var (
	ErrStockUnavailable     = errors.New("this model is currently unavailable for your dates")
	ErrVerificationRequired = errors.New("verification required")
	ErrInvalidTransition    = errors.New("transition not allowed from current state")
	ErrStaleState           = errors.New("rental was modified concurrently, re-read and retry")
	ErrAlreadyClosed        = errors.New("this rental was already closed")
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("not allowed for this caller")
	ErrUnitInMaintenance    = errors.New("unit is under maintenance")
	ErrPaymentLinkFailed    = errors.New("payment link could not be created")
	ErrCheckoutInProgress   = errors.New("a checkout with this idempotency key is in progress")
	ErrAlreadyHandedOver    = errors.New("this rental was already handed over")
)

// ErrIntegrityViolation is returned when a payment attempt that already left
// PENDING is reported with a different terminal status.
var ErrIntegrityViolation = errors.New("conflicting terminal payment status")

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsRetryable reports whether err is transient, meaning the same call may
// succeed later. Business rejections and integrity violations are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range []error{
		ErrStockUnavailable, ErrVerificationRequired, ErrInvalidTransition, ErrAlreadyClosed,
		ErrValidation, ErrNotFound, ErrForbidden, ErrUnitInMaintenance, ErrIntegrityViolation,
		ErrAlreadyHandedOver, context.Canceled,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

// notFound converts a store miss into the service sentinel.
func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %v: %w", what, id, err)
}

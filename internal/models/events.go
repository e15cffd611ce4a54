package models

import "time"

// Event types published on the rental events topic
const (
	EventTypeRentalReserved  = "RENTAL_RESERVED"
	EventTypeRentalActivated = "RENTAL_ACTIVATED"
	EventTypeRentalCancelled = "RENTAL_CANCELLED"
	EventTypeRentalRejected  = "RENTAL_REJECTED"
	EventTypeRentalReturned  = "RENTAL_RETURNED"
	EventTypeRentalClosed    = "RENTAL_CLOSED"
	EventTypePaymentResolved = "PAYMENT_RESOLVED"
	EventTypeRefundRequired  = "REFUND_REQUIRED"
)

// Event types consumed from the signals topic
const (
	EventTypeVerificationDecided  = "VERIFICATION_DECIDED"
	EventTypeMaintenanceCompleted = "MAINTENANCE_COMPLETED"
	EventTypeGatewayCallback      = "GATEWAY_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// RentalStateEvent is published after a rental changes state.
type RentalStateEvent struct {
	BaseEvent
	RentalID int64       `json:"rental_id"`
	RenterID int64       `json:"renter_id"`
	UnitID   *int64      `json:"unit_id,omitempty"`
	From     RentalState `json:"from"`
	To       RentalState `json:"to"`
	Reason   string      `json:"reason,omitempty"`
	FinalFee *int64      `json:"final_fee,omitempty"`
}

// PaymentResolvedEvent is published when an attempt leaves PENDING.
type PaymentResolvedEvent struct {
	BaseEvent
	AttemptID         int64         `json:"attempt_id"`
	ExternalReference string        `json:"external_reference,omitempty"`
	RentalIDs         []int64       `json:"rental_ids"`
	Status            PaymentStatus `json:"status"`
	Amount            int64         `json:"amount"`
	Reason            string        `json:"reason,omitempty"`
}

// RefundRequiredEvent asks finance to return money taken for a rental
// that was cancelled or rejected before its payment succeeded.
type RefundRequiredEvent struct {
	BaseEvent
	AttemptID int64       `json:"attempt_id"`
	RentalID  int64       `json:"rental_id"`
	RenterID  int64       `json:"renter_id"`
	Amount    int64       `json:"amount"`
	State     RentalState `json:"state"`
}

// VerificationDecidedEvent carries a staff decision on a renter's documents.
type VerificationDecidedEvent struct {
	BaseEvent
	RenterID   int64              `json:"renter_id"`
	Status     VerificationStatus `json:"status"`
	ReviewerID int64              `json:"reviewer_id"`
	Note       string             `json:"note,omitempty"`
}

// MaintenanceCompletedEvent signals a unit is back in service.
type MaintenanceCompletedEvent struct {
	BaseEvent
	UnitID int64 `json:"unit_id"`
}

// GatewayCallbackEvent is a gateway notification relayed by another service.
type GatewayCallbackEvent struct {
	BaseEvent
	OrderCode int64  `json:"order_code"`
	Code      string `json:"code"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancel"`
	Reason    string `json:"reason,omitempty"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// BikeModel is a catalog entry. The engine only reads it.
type BikeModel struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Brand       string    `db:"brand" json:"brand"`
	PricePerDay int64     `db:"price_per_day" json:"price_per_day"`
	Currency    string    `db:"currency" json:"currency"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// UnitState is the allocation state of a physical unit.
type UnitState string

const (
	UnitFree        UnitState = "FREE"
	UnitHeld        UnitState = "HELD"
	UnitInUse       UnitState = "IN_USE"
	UnitMaintenance UnitState = "MAINTENANCE"
)

// StockUnit is one physical bike with a plate.
type StockUnit struct {
	ID                int64     `db:"id" json:"id"`
	ModelID           int64     `db:"model_id" json:"model_id"`
	StationID         int64     `db:"station_id" json:"station_id"`
	Plate             string    `db:"plate" json:"plate"`
	State             UnitState `db:"state" json:"state"`
	CurrentRentalID   *int64    `db:"current_rental_id" json:"current_rental_id,omitempty"`
	InMaintenance     bool      `db:"in_maintenance" json:"in_maintenance"`
	MaintenanceReason string    `db:"maintenance_reason" json:"maintenance_reason,omitempty"`
	Version           int64     `db:"version" json:"version"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// HoldState is the state of one unit allocation for one rental window.
type HoldState string

const (
	HoldHeld     HoldState = "HELD"
	HoldInUse    HoldState = "IN_USE"
	HoldReleased HoldState = "RELEASED"
)

// UnitHold binds a unit to a rental for a window. Live holds never overlap on a unit.
type UnitHold struct {
	ID        int64     `db:"id" json:"id"`
	UnitID    int64     `db:"unit_id" json:"unit_id"`
	RentalID  int64     `db:"rental_id" json:"rental_id"`
	StartAt   time.Time `db:"start_at" json:"start_at"`
	EndAt     time.Time `db:"end_at" json:"end_at"`
	State     HoldState `db:"state" json:"state"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Live reports whether the hold still blocks its window.
func (h UnitHold) Live() bool {
	return h.State == HoldHeld || h.State == HoldInUse
}

// Window is a half-open rental period [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open windows share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && w.End.After(w.Start)
}

// Days returns the number of started days in the window, at least one.
func (w Window) Days() int64 {
	d := w.End.Sub(w.Start)
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}

// UTC returns the window in the canonical storage offset.
func (w Window) UTC() Window {
	return Window{Start: w.Start.UTC(), End: w.End.UTC()}
}

// Rental is one renter's reservation and use of one unit over a window.
type Rental struct {
	ID              int64       `db:"id" json:"id"`
	RenterID        int64       `db:"renter_id" json:"renter_id"`
	ModelID         int64       `db:"model_id" json:"model_id"`
	StockUnitID     *int64      `db:"stock_unit_id" json:"stock_unit_id,omitempty"`
	StationID       int64       `db:"station_id" json:"station_id"`
	ReturnStationID int64       `db:"return_station_id" json:"return_station_id"`
	StartAt         time.Time   `db:"start_at" json:"start_at"`
	EndAt           time.Time   `db:"end_at" json:"end_at"`
	State           RentalState `db:"state" json:"state"`
	PaymentID       *int64      `db:"payment_id" json:"payment_id,omitempty"`
	BaseFee         int64       `db:"base_fee" json:"base_fee"`
	FinalFee        *int64      `db:"final_fee" json:"final_fee,omitempty"`
	IdempotencyKey  string      `db:"idempotency_key" json:"-"`
	Version         int64       `db:"version" json:"version"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	ActivatedAt     *time.Time  `db:"activated_at" json:"activated_at,omitempty"`
	ClosedAt        *time.Time  `db:"closed_at" json:"closed_at,omitempty"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// Window returns the requested rental window.
func (r *Rental) Window() Window {
	return Window{Start: r.StartAt, End: r.EndAt}
}

// PaymentChannel is how a checkout pays.
type PaymentChannel string

const (
	ChannelCash    PaymentChannel = "CASH"
	ChannelGateway PaymentChannel = "GATEWAY"
)

// PaymentStatus of one payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Terminal reports whether the status can no longer change.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentCancelled
}

// PaymentAttempt is one payment transaction covering one or more rentals.
type PaymentAttempt struct {
	ID                int64          `db:"id" json:"id"`
	RentalIDs         pq.Int64Array  `db:"rental_ids" json:"rental_ids"`
	Channel           PaymentChannel `db:"channel" json:"channel"`
	ExternalReference *string        `db:"external_reference" json:"external_reference,omitempty"`
	CheckoutURL       string         `db:"checkout_url" json:"checkout_url,omitempty"`
	Amount            int64          `db:"amount" json:"amount"`
	Status            PaymentStatus  `db:"status" json:"status"`
	FailureReason     string         `db:"failure_reason" json:"failure_reason,omitempty"`
	IdempotencyKey    string         `db:"idempotency_key" json:"-"`
	Version           int64          `db:"version" json:"version"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	ResolvedAt        *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Covers reports whether the attempt pays for the given rental.
func (p *PaymentAttempt) Covers(rentalID int64) bool {
	for _, id := range p.RentalIDs {
		if id == rentalID {
			return true
		}
	}
	return false
}

// VerificationStatus of a renter's identity and license documents.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationPending    VerificationStatus = "PENDING"
	VerificationApproved   VerificationStatus = "APPROVED"
	VerificationRejected   VerificationStatus = "REJECTED"
)

// VerificationRecord holds the staff review of a renter's documents.
type VerificationRecord struct {
	RenterID           int64              `db:"renter_id" json:"renter_id"`
	IDDocumentURL      string             `db:"id_document_url" json:"id_document_url"`
	LicenseDocumentURL string             `db:"license_document_url" json:"license_document_url"`
	Status             VerificationStatus `db:"status" json:"status"`
	ReviewerID         *int64             `db:"reviewer_id" json:"reviewer_id,omitempty"`
	Note               string             `db:"note" json:"note,omitempty"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// Condition of a bike assessed by staff at return.
type Condition string

const (
	ConditionGood         Condition = "GOOD"
	ConditionMinorDamage  Condition = "MINOR_DAMAGE"
	ConditionSevereDamage Condition = "SEVERE_DAMAGE"
)

// ReturnReport is the single authoritative close record of a rental.
type ReturnReport struct {
	ID              int64     `db:"id" json:"id"`
	RentalID        int64     `db:"rental_id" json:"rental_id"`
	FinalBattery    int       `db:"final_battery" json:"final_battery"`
	Condition       Condition `db:"condition" json:"condition"`
	ExtraFee        int64     `db:"extra_fee" json:"extra_fee"`
	Reason          string    `db:"reason" json:"reason,omitempty"`
	ReturnStationID int64     `db:"return_station_id" json:"return_station_id"`
	SubmittedBy     int64     `db:"submitted_by" json:"submitted_by"`
	SubmittedAt     time.Time `db:"submitted_at" json:"submitted_at"`
}

// HandoverRecord is the audit checklist filled when staff hand a bike over.
type HandoverRecord struct {
	ID               int64           `db:"id" json:"id"`
	RentalID         int64           `db:"rental_id" json:"rental_id"`
	StaffID          int64           `db:"staff_id" json:"staff_id"`
	InitialBattery   int             `db:"initial_battery" json:"initial_battery"`
	InitialCondition string          `db:"initial_condition" json:"initial_condition"`
	Checklist        json.RawMessage `db:"checklist" json:"checklist"`
	HandedOverAt     time.Time       `db:"handed_over_at" json:"handed_over_at"`
}

// RentalPatch carries the columns a state transition may set alongside the state.
// Nil fields are left untouched.
type RentalPatch struct {
	StockUnitID *int64
	PaymentID   *int64
	FinalFee    *int64
	ActivatedAt *time.Time
	ClosedAt    *time.Time
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

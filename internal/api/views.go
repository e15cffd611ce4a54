package api

import (
	"time"

	"rental-service/internal/models"
	"rental-service/internal/service"
)

// Labels shown to API clients. Internal state names never leave this package.
var rentalStateLabels = map[models.RentalState]string{
	models.RentalRequested:      "requested",
	models.RentalPendingPayment: "awaiting_payment",
	models.RentalActive:         "in_progress",
	models.RentalReturned:       "returned",
	models.RentalClosed:         "completed",
	models.RentalCancelled:      "cancelled",
	models.RentalRejected:       "rejected",
}

var paymentStatusLabels = map[models.PaymentStatus]string{
	models.PaymentPending:   "pending",
	models.PaymentSucceeded: "paid",
	models.PaymentFailed:    "failed",
	models.PaymentCancelled: "cancelled",
}

var unitStateLabels = map[models.UnitState]string{
	models.UnitFree:        "available",
	models.UnitHeld:        "reserved",
	models.UnitInUse:       "rented",
	models.UnitMaintenance: "maintenance",
}

type rentalView struct {
	ID              int64      `json:"id"`
	RenterID        int64      `json:"renter_id"`
	ModelID         int64      `json:"model_id"`
	UnitID          *int64     `json:"unit_id,omitempty"`
	StationID       int64      `json:"station_id"`
	ReturnStationID int64      `json:"return_station_id"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Status          string     `json:"status"`
	PaymentID       *int64     `json:"payment_id,omitempty"`
	BaseFee         int64      `json:"base_fee"`
	FinalFee        *int64     `json:"final_fee,omitempty"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

func newRentalView(r *models.Rental) *rentalView {
	if r == nil {
		return nil
	}
	return &rentalView{
		ID:              r.ID,
		RenterID:        r.RenterID,
		ModelID:         r.ModelID,
		UnitID:          r.StockUnitID,
		StationID:       r.StationID,
		ReturnStationID: r.ReturnStationID,
		Start:           r.StartAt,
		End:             r.EndAt,
		Status:          rentalStateLabels[r.State],
		PaymentID:       r.PaymentID,
		BaseFee:         r.BaseFee,
		FinalFee:        r.FinalFee,
		ActivatedAt:     r.ActivatedAt,
		ClosedAt:        r.ClosedAt,
	}
}

type paymentView struct {
	ID          int64   `json:"id"`
	RentalIDs   []int64 `json:"rental_ids"`
	Channel     string  `json:"channel"`
	Reference   string  `json:"reference,omitempty"`
	CheckoutURL string  `json:"checkout_url,omitempty"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
}

func newPaymentView(p *models.PaymentAttempt) *paymentView {
	if p == nil {
		return nil
	}
	v := &paymentView{
		ID:          p.ID,
		RentalIDs:   p.RentalIDs,
		Channel:     string(p.Channel),
		CheckoutURL: p.CheckoutURL,
		Amount:      p.Amount,
		Status:      paymentStatusLabels[p.Status],
		Reason:      p.FailureReason,
	}
	if p.ExternalReference != nil {
		v.Reference = *p.ExternalReference
	}
	return v
}

type unitView struct {
	ID        int64  `json:"id"`
	Plate     string `json:"plate"`
	StationID int64  `json:"station_id"`
	Status    string `json:"status"`
}

type summaryView struct {
	*rentalView
	Unit    *unitView    `json:"unit,omitempty"`
	Payment *paymentView `json:"payment,omitempty"`
}

func newSummaryView(s *service.RentalSummary) summaryView {
	v := summaryView{
		rentalView: newRentalView(s.Rental),
		Payment:    newPaymentView(s.Payment),
	}
	if s.Unit != nil {
		v.Unit = &unitView{
			ID:        s.Unit.ID,
			Plate:     s.Unit.Plate,
			StationID: s.Unit.StationID,
			Status:    unitStateLabels[s.Unit.State],
		}
	}
	return v
}

type transitionView struct {
	RentalID int64  `json:"rental_id"`
	Applied  bool   `json:"applied"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

func newTransitionView(t *service.Transition) transitionView {
	return transitionView{
		RentalID: t.RentalID,
		Applied:  t.Applied,
		From:     rentalStateLabels[t.From],
		To:       rentalStateLabels[t.To],
		Reason:   t.Reason,
	}
}

type checkoutView struct {
	Rentals     []*rentalView `json:"rentals"`
	Payment     *paymentView  `json:"payment,omitempty"`
	Unavailable bool          `json:"unavailable"`
	Message     string        `json:"message,omitempty"`
	Replayed    bool          `json:"replayed"`
}

func newCheckoutView(r *service.CheckoutResult) checkoutView {
	v := checkoutView{
		Rentals:     make([]*rentalView, 0, len(r.Rentals)),
		Payment:     newPaymentView(r.Attempt),
		Unavailable: r.Unavailable,
		Message:     r.Message,
		Replayed:    r.Replayed,
	}
	for i := range r.Rentals {
		v.Rentals = append(v.Rentals, newRentalView(&r.Rentals[i]))
	}
	return v
}

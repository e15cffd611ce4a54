package models

// RentalState is the lifecycle state of a rental.
type RentalState string

const (
	RentalRequested      RentalState = "REQUESTED"
	RentalPendingPayment RentalState = "PENDING_PAYMENT"
	RentalActive         RentalState = "ACTIVE"
	RentalReturned       RentalState = "RETURNED"
	RentalClosed         RentalState = "CLOSED"
	RentalCancelled      RentalState = "CANCELLED"
	RentalRejected       RentalState = "REJECTED"
)

// Terminal reports whether no further transition can leave the state.
func (s RentalState) Terminal() bool {
	return s == RentalClosed || s == RentalCancelled || s == RentalRejected
}

// RentalEvent triggers a rental state transition.
type RentalEvent string

const (
	EventStockReserved        RentalEvent = "stock_reserved"
	EventStockUnavailable     RentalEvent = "stock_unavailable"
	EventCancelRequested      RentalEvent = "cancel_requested"
	EventPaymentSucceeded     RentalEvent = "payment_succeeded"
	EventPaymentFailed        RentalEvent = "payment_failed"
	EventVerificationRejected RentalEvent = "verification_rejected"
	EventReturnSubmitted      RentalEvent = "return_submitted"
	EventFeeSettled           RentalEvent = "fee_settled"
)

// rentalTransitions is the only place legal rental transitions are defined.
var rentalTransitions = map[RentalState]map[RentalEvent]RentalState{
	RentalRequested: {
		EventStockReserved:    RentalPendingPayment,
		EventStockUnavailable: RentalCancelled,
		EventCancelRequested:  RentalCancelled,
	},
	RentalPendingPayment: {
		EventPaymentSucceeded:     RentalActive,
		EventPaymentFailed:        RentalCancelled,
		EventCancelRequested:      RentalCancelled,
		EventVerificationRejected: RentalRejected,
	},
	RentalActive: {
		EventReturnSubmitted: RentalReturned,
	},
	RentalReturned: {
		EventFeeSettled: RentalClosed,
	},
}

// NextRentalState looks up the target of an event from a state.
func NextRentalState(from RentalState, event RentalEvent) (RentalState, bool) {
	to, ok := rentalTransitions[from][event]
	return to, ok
}

// ReleasesStock reports whether entering the target through the event gives the unit back.
func (e RentalEvent) ReleasesStock() bool {
	switch e {
	case EventPaymentFailed, EventCancelRequested, EventVerificationRejected:
		return true
	}
	return false
}

package service

// Dependencies are the engine's collaborators outside the repository.
// Any of them may be left nil except where noted on the component.
type Dependencies struct {
	Gateway      PaymentGateway
	Outcomes     OutcomeCache
	Availability AvailabilityCache
	Locker       Locker
	Publisher    EventPublisher
	Payments     ReconcilerConfig
}

// Engine wires every component over one repository.
type Engine struct {
	Ledger       *StockLedger
	Machine      *RentalMachine
	Payments     *PaymentReconciler
	Returns      *ReturnService
	Verification *VerificationGate
	Checkout     *CheckoutService
	Handover     *HandoverService
}

// NewEngine builds all components
func NewEngine(repo Repository, deps Dependencies) *Engine {
	ledger := NewStockLedger(repo, deps.Availability)
	machine := NewRentalMachine(repo, repo, repo, repo, ledger, deps.Publisher)
	payments := NewPaymentReconciler(repo, repo, machine, deps.Gateway, deps.Outcomes, deps.Publisher, deps.Payments)

	return &Engine{
		Ledger:       ledger,
		Machine:      machine,
		Payments:     payments,
		Returns:      NewReturnService(machine, repo, ledger),
		Verification: NewVerificationGate(repo, repo, machine),
		Checkout:     NewCheckoutService(repo, repo, repo, ledger, machine, payments, deps.Locker),
		Handover:     NewHandoverService(machine, repo),
	}
}

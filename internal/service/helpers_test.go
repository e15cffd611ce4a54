package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"rental-service/internal/gateway"
	"rental-service/internal/models"
	"rental-service/internal/store/memory"

	"github.com/stretchr/testify/require"
)

const pricePerDay = 150000

var baseDay = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return baseDay.Add(time.Duration(n) * 24 * time.Hour)
}

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	requests []gateway.LinkRequest
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req gateway.LinkRequest) (*gateway.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.Link{
		CheckoutURL:   fmt.Sprintf("https://pay.example/web/%d", req.OrderCode),
		PaymentLinkID: fmt.Sprintf("link-%d", req.OrderCode),
		OrderCode:     req.OrderCode,
	}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	rentals  []*models.RentalStateEvent
	resolved []*models.PaymentResolvedEvent
	refunds  []*models.RefundRequiredEvent
}

func (p *recordingPublisher) PublishRentalEvent(_ context.Context, e *models.RentalStateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rentals = append(p.rentals, e)
	return nil
}

func (p *recordingPublisher) PublishPaymentResolved(_ context.Context, e *models.PaymentResolvedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolved = append(p.resolved, e)
	return nil
}

func (p *recordingPublisher) PublishRefundRequired(_ context.Context, e *models.RefundRequiredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, e)
	return nil
}

func (p *recordingPublisher) countRental(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.rentals {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) resolvedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resolved)
}

func (p *recordingPublisher) refundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refunds)
}

type fakeOutcomeCache struct {
	mu      sync.Mutex
	seen    map[string]models.PaymentStatus
	lookups int
	err     error
}

func newFakeOutcomeCache() *fakeOutcomeCache {
	return &fakeOutcomeCache{seen: make(map[string]models.PaymentStatus)}
}

func (c *fakeOutcomeCache) LookupOutcome(_ context.Context, ref string) (models.PaymentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.err != nil {
		return "", c.err
	}
	return c.seen[ref], nil
}

func (c *fakeOutcomeCache) RecordOutcome(_ context.Context, ref string, status models.PaymentStatus) (models.PaymentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	prev, ok := c.seen[ref]
	if !ok {
		c.seen[ref] = status
	}
	return prev, nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type fixture struct {
	store  *memory.Store
	engine *Engine
	gw     *fakeGateway
	pub    *recordingPublisher
	model  *models.BikeModel
	units  []*models.StockUnit
}

func newFixture(t *testing.T, units int) *fixture {
	t.Helper()

	st := memory.New()
	f := &fixture{
		store: st,
		gw:    &fakeGateway{},
		pub:   &recordingPublisher{},
	}
	f.model = st.AddModel(models.BikeModel{
		Name:        "Klara S",
		Brand:       "VinFast",
		PricePerDay: pricePerDay,
		Currency:    "VND",
	})
	for i := 0; i < units; i++ {
		f.units = append(f.units, st.AddUnit(f.model.ID, 1, fmt.Sprintf("29A-%05d", i+1)))
	}
	f.engine = NewEngine(st, Dependencies{
		Gateway:   f.gw,
		Publisher: f.pub,
		Payments:  ReconcilerConfig{LinkTTL: 5 * time.Minute, Grace: time.Minute},
	})
	return f
}

func (f *fixture) approve(t *testing.T, renterID int64) {
	t.Helper()
	_, err := f.engine.Verification.ApplyDecision(context.Background(), Decision{
		RenterID:   renterID,
		Status:     models.VerificationApproved,
		ReviewerID: 900,
	})
	require.NoError(t, err)
}

func (f *fixture) checkout(t *testing.T, renterID int64, channel models.PaymentChannel, startDay, endDay int) *CheckoutResult {
	t.Helper()
	result, err := f.engine.Checkout.Checkout(context.Background(), CheckoutRequest{
		RenterID: renterID,
		Channel:  channel,
		Items: []CheckoutItem{{
			ModelID:   f.model.ID,
			StationID: 1,
			Start:     day(startDay),
			End:       day(endDay),
		}},
	})
	require.NoError(t, err)
	return result
}

// activeRental checks out with cash for an approved renter and confirms payment.
func (f *fixture) activeRental(t *testing.T, renterID int64, startDay, endDay int) *models.Rental {
	t.Helper()
	f.approve(t, renterID)
	result := f.checkout(t, renterID, models.ChannelCash, startDay, endDay)
	require.NotNil(t, result.Attempt)

	_, err := f.engine.Payments.ConfirmCash(context.Background(), result.Attempt.ID, 77)
	require.NoError(t, err)

	r := f.rental(t, result.Rentals[0].ID)
	require.Equal(t, models.RentalActive, r.State)
	return r
}

func (f *fixture) rental(t *testing.T, id int64) *models.Rental {
	t.Helper()
	r, err := f.store.GetRental(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) unit(t *testing.T, id int64) *models.StockUnit {
	t.Helper()
	u, err := f.store.GetUnit(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) attempt(t *testing.T, id int64) *models.PaymentAttempt {
	t.Helper()
	p, err := f.store.GetAttempt(context.Background(), id)
	require.NoError(t, err)
	return p
}

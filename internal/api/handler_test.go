package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"rental-service/internal/gateway"
	"rental-service/internal/models"
	"rental-service/internal/service"
	"rental-service/internal/store/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type linkStub struct{}

func (linkStub) CreatePaymentLink(_ context.Context, req gateway.LinkRequest) (*gateway.Link, error) {
	return &gateway.Link{CheckoutURL: "https://pay.example/web/" + strconv.FormatInt(req.OrderCode, 10), OrderCode: req.OrderCode}, nil
}

type stubParser struct {
	cb  *gateway.Callback
	err error
}

func (p *stubParser) ParseWebhook([]byte) (*gateway.Callback, error) {
	return p.cb, p.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	engine *service.Engine
	parser *stubParser
	model  *models.BikeModel
}

func newTestServer(t *testing.T, units int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memory.New()
	model := st.AddModel(models.BikeModel{Name: "VinFast Evo", PricePerDay: 120000, Currency: "vnd"})
	for i := 0; i < units; i++ {
		st.AddUnit(model.ID, 1, fmt.Sprintf("29C-%05d", i+1))
	}
	engine := service.NewEngine(st, service.Dependencies{Gateway: linkStub{}})
	parser := &stubParser{}

	router := gin.New()
	NewHandler(engine, parser, map[string]Pinger{"store": st}).SetupRoutes(router)
	return &testServer{router: router, store: st, engine: engine, parser: parser, model: model}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var start = time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)

func checkoutBody(modelID int64, channel models.PaymentChannel) gin.H {
	return gin.H{
		"channel": channel,
		"items": []gin.H{{
			"model_id":   modelID,
			"station_id": 1,
			"start":      start,
			"end":        start.Add(48 * time.Hour),
		}},
	}
}

func renter(id int64) map[string]string {
	return map[string]string{headerRenterID: strconv.FormatInt(id, 10)}
}

func staff(id int64) map[string]string {
	return map[string]string{headerStaffID: strconv.FormatInt(id, 10)}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyReportsFailedDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(nil, nil, map[string]Pinger{"redis": stubPinger{err: errors.New("connection refused")}}).SetupRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestCheckoutAndRentalLifecycle(t *testing.T) {
	s := newTestServer(t, 1)
	ctx := context.Background()
	_, err := s.engine.Verification.ApplyDecision(ctx, service.Decision{RenterID: 7, Status: models.VerificationApproved})
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/checkout", checkoutBody(s.model.ID, models.ChannelCash), renter(7))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode(t, w)
	rentals := out["rentals"].([]interface{})
	require.Len(t, rentals, 1)
	rental := rentals[0].(map[string]interface{})
	assert.Equal(t, "awaiting_payment", rental["status"])
	assert.EqualValues(t, 240000, rental["base_fee"])
	payment := out["payment"].(map[string]interface{})
	assert.Equal(t, "pending", payment["status"])

	rentalID := int64(rental["id"].(float64))
	paymentID := int64(payment["id"].(float64))

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/cash", paymentID), nil, staff(90))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "APPLIED", decode(t, w)["disposition"])

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/rentals/%d", rentalID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	assert.Equal(t, "in_progress", out["status"])
	assert.Equal(t, "rented", out["unit"].(map[string]interface{})["status"])
	assert.Equal(t, "paid", out["payment"].(map[string]interface{})["status"])

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rentals/%d/handover", rentalID), gin.H{
		"initial_battery":   98,
		"initial_condition": "GOOD",
		"checklist":         gin.H{"helmet": true},
	}, staff(90))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rentals/%d/return", rentalID), gin.H{
		"final_battery": 40,
		"condition":     "MINOR_DAMAGE",
		"extra_fee":     50000,
		"reason":        "scratched mirror",
	}, staff(90))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out = decode(t, w)
	closed := out["rental"].(map[string]interface{})
	assert.Equal(t, "completed", closed["status"])
	assert.EqualValues(t, 290000, closed["final_fee"])

	w = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rentals/%d/return", rentalID), gin.H{
		"final_battery": 40,
		"condition":     "GOOD",
	}, staff(90))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCheckoutUnavailable(t *testing.T) {
	s := newTestServer(t, 0)

	w := s.do(t, http.MethodPost, "/api/v1/checkout", checkoutBody(s.model.ID, models.ChannelCash), renter(7))
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["unavailable"])
	assert.NotEmpty(t, out["message"])
	assert.Equal(t, "cancelled", out["rentals"].([]interface{})[0].(map[string]interface{})["status"])
}

func TestCheckoutIdempotencyHeader(t *testing.T) {
	s := newTestServer(t, 2)
	headers := renter(7)
	headers[headerIdempotencyKey] = "cart-42"

	first := s.do(t, http.MethodPost, "/api/v1/checkout", checkoutBody(s.model.ID, models.ChannelGateway), headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := s.do(t, http.MethodPost, "/api/v1/checkout", checkoutBody(s.model.ID, models.ChannelGateway), headers)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	a, b := decode(t, first), decode(t, second)
	assert.Equal(t, true, b["replayed"])
	assert.Equal(t, a["payment"].(map[string]interface{})["id"], b["payment"].(map[string]interface{})["id"])
}

func TestCheckoutValidation(t *testing.T) {
	s := newTestServer(t, 1)
	body := checkoutBody(s.model.ID, "BITCOIN")

	w := s.do(t, http.MethodPost, "/api/v1/checkout", body, renter(7))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Channel", decode(t, w)["field"])

	w = s.do(t, http.MethodPost, "/api/v1/checkout", "not an object", renter(7))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelRental(t *testing.T) {
	s := newTestServer(t, 1)
	w := s.do(t, http.MethodPost, "/api/v1/checkout", checkoutBody(s.model.ID, models.ChannelCash), renter(7))
	require.Equal(t, http.StatusCreated, w.Code)
	rentalID := int64(decode(t, w)["rentals"].([]interface{})[0].(map[string]interface{})["id"].(float64))
	path := fmt.Sprintf("/api/v1/rentals/%d/cancel", rentalID)

	w = s.do(t, http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, path, nil, renter(8))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, path, nil, renter(7))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["applied"])
	assert.Equal(t, "cancelled", out["to"])

	w = s.do(t, http.MethodGet, "/api/v1/rentals/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/rentals/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAvailability(t *testing.T) {
	s := newTestServer(t, 1)
	q := fmt.Sprintf("/api/v1/availability?model_id=%d&start=%s&end=%s",
		s.model.ID, start.Format(time.RFC3339), start.Add(24*time.Hour).Format(time.RFC3339))

	w := s.do(t, http.MethodGet, q, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["available"])

	w = s.do(t, http.MethodGet, "/api/v1/availability?model_id=1&start=tomorrow", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	backwards := fmt.Sprintf("/api/v1/availability?model_id=%d&start=%s&end=%s",
		s.model.ID, start.Format(time.RFC3339), start.Format(time.RFC3339))
	w = s.do(t, http.MethodGet, backwards, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t, 1)
	w := s.do(t, http.MethodPost, "/api/v1/checkout", checkoutBody(s.model.ID, models.ChannelGateway), renter(7))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ref := decode(t, w)["payment"].(map[string]interface{})["reference"].(string)
	orderCode, err := strconv.ParseInt(ref, 10, 64)
	require.NoError(t, err)

	s.parser.cb = &gateway.Callback{OrderCode: orderCode, Code: "00", Outcome: models.PaymentSucceeded}
	w = s.do(t, http.MethodPost, "/api/v1/payments/webhook", gin.H{}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "APPLIED", decode(t, w)["disposition"])

	w = s.do(t, http.MethodPost, "/api/v1/payments/webhook", gin.H{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DUPLICATE", decode(t, w)["disposition"])

	// a conflicting status is refused but still acknowledged
	s.parser.cb = &gateway.Callback{OrderCode: orderCode, Code: "01", Outcome: models.PaymentFailed}
	w = s.do(t, http.MethodPost, "/api/v1/payments/webhook", gin.H{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "REFUSED", decode(t, w)["disposition"])

	s.parser.cb = &gateway.Callback{OrderCode: 12345, Code: "00", Outcome: models.PaymentSucceeded}
	w = s.do(t, http.MethodPost, "/api/v1/payments/webhook", gin.H{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "IGNORED", decode(t, w)["disposition"])

	s.parser.err = gateway.ErrInvalidSignature
	w = s.do(t, http.MethodPost, "/api/v1/payments/webhook", gin.H{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVerificationRoutes(t *testing.T) {
	s := newTestServer(t, 1)

	w := s.do(t, http.MethodPost, "/api/v1/verifications", gin.H{
		"id_document_url":      "https://files.example/id.jpg",
		"license_document_url": "https://files.example/license.jpg",
	}, renter(7))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "PENDING", decode(t, w)["status"])

	w = s.do(t, http.MethodPost, "/api/v1/verifications/7/decision", gin.H{"status": "MAYBE"}, staff(90))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/verifications/7/decision", gin.H{"status": "APPROVED"}, staff(90))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	approved, err := s.engine.Verification.IsApproved(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&service.ValidationError{Field: "x", Message: "y"}, http.StatusBadRequest},
		{fmt.Errorf("rental 1: %w", service.ErrNotFound), http.StatusNotFound},
		{service.ErrForbidden, http.StatusForbidden},
		{service.ErrStaleState, http.StatusConflict},
		{service.ErrAlreadyClosed, http.StatusConflict},
		{service.ErrCheckoutInProgress, http.StatusConflict},
		{service.ErrPaymentLinkFailed, http.StatusBadGateway},
		{errors.New("pq: connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

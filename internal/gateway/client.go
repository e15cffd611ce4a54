// Package gateway talks to the hosted payment gateway: it creates payment
// links and verifies the webhooks the gateway sends back.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

const (
	codeSuccess       = "00"
	statusPaid        = "PAID"
	statusCancelled   = "CANCELLED"
	maxDescriptionLen = 25
)

var (
	// ErrInvalidSignature is returned for a webhook whose checksum does not match.
	ErrInvalidSignature = errors.New("gateway: invalid signature")
	// ErrRejected is returned when the gateway answers with a non-success code.
	ErrRejected = errors.New("gateway: request rejected")
)

// Config holds the merchant credentials.
type Config struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	ReturnURL   string
	CancelURL   string
}

// Client is a PayOS-style payment link client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new gateway client
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     util.GetLogger(),
	}
}

// Item is a line shown on the hosted payment page.
type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// LinkRequest describes the payment link to create.
type LinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	BuyerName   string
	BuyerEmail  string
	BuyerPhone  string
	Items       []Item
	ExpiresAt   time.Time
}

// Link is a created hosted payment page.
type Link struct {
	CheckoutURL   string
	PaymentLinkID string
	OrderCode     int64
}

type createLinkBody struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BuyerName   string `json:"buyerName,omitempty"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	BuyerPhone  string `json:"buyerPhone,omitempty"`
	Items       []Item `json:"items,omitempty"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"`
	Signature   string `json:"signature"`
}

type createLinkResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data *struct {
		CheckoutURL   string `json:"checkoutUrl"`
		PaymentLinkID string `json:"paymentLinkId"`
		OrderCode     int64  `json:"orderCode"`
	} `json:"data"`
}

// CreatePaymentLink asks the gateway for a hosted payment page.
func (c *Client) CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.CreatePaymentLink")
	defer span.End()

	start := time.Now()
	defer func() {
		util.GatewayLatency.Observe(time.Since(start).Seconds())
	}()

	desc := req.Description
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen]
	}

	body := createLinkBody{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: desc,
		BuyerName:   req.BuyerName,
		BuyerEmail:  req.BuyerEmail,
		BuyerPhone:  req.BuyerPhone,
		Items:       req.Items,
		CancelURL:   withOrderCode(c.cfg.CancelURL, req.OrderCode),
		ReturnURL:   withOrderCode(c.cfg.ReturnURL, req.OrderCode),
	}
	if !req.ExpiresAt.IsZero() {
		body.ExpiredAt = req.ExpiresAt.Unix()
	}
	body.Signature = Sign(c.cfg.ChecksumKey, fmt.Sprintf(
		"amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		body.Amount, body.CancelURL, body.Description, body.OrderCode, body.ReturnURL))

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal link request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v2/payment-requests", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build link request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-client-id", c.cfg.ClientID)
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		util.FailSpan(span, err)
		return nil, fmt.Errorf("failed to call gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %d", ErrRejected, resp.StatusCode)
	}

	var out createLinkResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if out.Code != codeSuccess || out.Data == nil || out.Data.CheckoutURL == "" {
		c.logger.Warn("Gateway refused payment link",
			zap.Int64("order_code", req.OrderCode),
			zap.String("code", out.Code),
			zap.String("desc", out.Desc))
		return nil, fmt.Errorf("%w: code=%s desc=%s", ErrRejected, out.Code, out.Desc)
	}

	return &Link{
		CheckoutURL:   out.Data.CheckoutURL,
		PaymentLinkID: out.Data.PaymentLinkID,
		OrderCode:     req.OrderCode,
	}, nil
}

func withOrderCode(base string, orderCode int64) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "orderCode=" + strconv.FormatInt(orderCode, 10)
}

// Callback is a verified gateway notification.
type Callback struct {
	OrderCode     int64
	Amount        int64
	Code          string
	Desc          string
	Reference     string
	PaymentLinkID string
	Outcome       models.PaymentStatus
}

// ExternalReference is the key the attempt is stored under.
func (cb *Callback) ExternalReference() string {
	return Reference(cb.OrderCode)
}

type webhookBody struct {
	Code      string                 `json:"code"`
	Desc      string                 `json:"desc"`
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data"`
	Signature string                 `json:"signature"`
}

// ParseWebhook verifies a webhook body and extracts the payment outcome.
func (c *Client) ParseWebhook(body []byte) (*Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var wb webhookBody
	if err := dec.Decode(&wb); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if wb.Data == nil {
		return nil, fmt.Errorf("webhook has no data")
	}

	expected := Sign(c.cfg.ChecksumKey, SignaturePayload(wb.Data))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(wb.Signature))) {
		return nil, ErrInvalidSignature
	}

	cb := &Callback{
		Code:          stringField(wb.Data, "code"),
		Desc:          stringField(wb.Data, "desc"),
		Reference:     stringField(wb.Data, "reference"),
		PaymentLinkID: stringField(wb.Data, "paymentLinkId"),
	}
	if n, err := strconv.ParseInt(stringField(wb.Data, "orderCode"), 10, 64); err == nil {
		cb.OrderCode = n
	} else {
		return nil, fmt.Errorf("webhook has invalid orderCode: %w", err)
	}
	cb.Amount, _ = strconv.ParseInt(stringField(wb.Data, "amount"), 10, 64)

	code := wb.Code
	if cb.Code != "" {
		code = cb.Code
	}
	status := ""
	if wb.Success && code == codeSuccess {
		status = statusPaid
	}
	cb.Outcome = MapOutcome(code, status, false)
	return cb, nil
}

// MapOutcome turns gateway result fields into a payment status: success code
// with PAID and no cancel flag is Succeeded, a cancel flag or CANCELLED status
// is Cancelled and anything else is Failed.
func MapOutcome(code, status string, cancelled bool) models.PaymentStatus {
	status = strings.ToUpper(status)
	switch {
	case cancelled || status == statusCancelled:
		return models.PaymentCancelled
	case code == codeSuccess && status == statusPaid:
		return models.PaymentSucceeded
	default:
		return models.PaymentFailed
	}
}

// Reference formats an order code as the stored external reference.
func Reference(orderCode int64) string {
	return strconv.FormatInt(orderCode, 10)
}

// Sign computes the hex HMAC-SHA256 checksum of data.
func Sign(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignaturePayload joins the data fields as sorted key=value pairs.
func SignaturePayload(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+stringField(data, k))
	}
	return strings.Join(parts, "&")
}

func stringField(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

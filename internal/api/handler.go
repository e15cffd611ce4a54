package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"rental-service/internal/gateway"
	"rental-service/internal/models"
	"rental-service/internal/service"
	"rental-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerRenterID       = "X-Renter-ID"
	headerStaffID        = "X-Staff-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

// WebhookParser verifies and decodes gateway webhooks.
type WebhookParser interface {
	ParseWebhook(body []byte) (*gateway.Callback, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	engine   *service.Engine
	webhooks WebhookParser
	probes   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine *service.Engine, webhooks WebhookParser, probes map[string]Pinger) *Handler {
	return &Handler{
		engine:   engine,
		webhooks: webhooks,
		probes:   probes,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)
		v1.GET("/availability", h.availability)

		v1.GET("/rentals/:id", h.getRental)
		v1.POST("/rentals/:id/cancel", h.cancelRental)
		v1.POST("/rentals/:id/handover", h.handover)
		v1.POST("/rentals/:id/return", h.submitReturn)

		v1.POST("/payments/:id/cash", h.confirmCash)
		v1.POST("/payments/webhook", h.paymentWebhook)

		v1.POST("/verifications", h.submitDocuments)
		v1.POST("/verifications/:renterId/decision", h.decideVerification)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.probes {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if renterID, ok := headerID(c, headerRenterID); ok {
		req.RenterID = renterID
	}
	req.IdempotencyKey = c.GetHeader(headerIdempotencyKey)

	result, err := h.engine.Checkout.Checkout(c.Request.Context(), req)
	if err != nil && !(errors.Is(err, service.ErrPaymentLinkFailed) && result != nil) {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	switch {
	case err != nil:
		status = http.StatusBadGateway
	case result.Unavailable:
		status = http.StatusConflict
	case result.Replayed:
		status = http.StatusOK
	}
	c.JSON(status, newCheckoutView(result))
}

func (h *Handler) availability(c *gin.Context) {
	modelID, err := strconv.ParseInt(c.Query("model_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid model_id"})
		return
	}
	start, err1 := time.Parse(time.RFC3339, c.Query("start"))
	end, err2 := time.Parse(time.RFC3339, c.Query("end"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be RFC3339 timestamps"})
		return
	}

	w := models.Window{Start: start, End: end}
	available, err := h.engine.Ledger.CheckAvailability(c.Request.Context(), modelID, w)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model_id":  modelID,
		"start":     w.Start.UTC(),
		"end":       w.End.UTC(),
		"available": available,
	})
}

func (h *Handler) getRental(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	summary, err := h.engine.Machine.GetRental(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newSummaryView(summary))
}

func (h *Handler) cancelRental(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	renterID, ok := requireHeaderID(c, headerRenterID)
	if !ok {
		return
	}

	t, err := h.engine.Checkout.CancelRental(c.Request.Context(), id, renterID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTransitionView(t))
}

func (h *Handler) handover(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	staffID, ok := requireHeaderID(c, headerStaffID)
	if !ok {
		return
	}
	var req service.HandoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.RentalID = id
	req.StaffID = staffID

	record, err := h.engine.Handover.RecordHandover(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *Handler) submitReturn(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	staffID, ok := requireHeaderID(c, headerStaffID)
	if !ok {
		return
	}
	var req service.ReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.RentalID = id
	req.StaffID = staffID

	result, err := h.engine.Returns.SubmitReturn(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rental": newRentalView(result.Rental),
		"report": result.Report,
	})
}

func (h *Handler) confirmCash(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	staffID, ok := requireHeaderID(c, headerStaffID)
	if !ok {
		return
	}

	result, err := h.engine.Payments.ConfirmCash(c.Request.Context(), id, staffID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// paymentWebhook answers 200 for every callback it could settle one way or
// another. Only transient failures answer 500 so the gateway redelivers.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if h.webhooks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment gateway not configured"})
		return
	}

	cb, err := h.webhooks.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("Rejected payment webhook", zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, gateway.ErrInvalidSignature) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": "Invalid webhook", "details": err.Error()})
		return
	}

	result, err := h.engine.Payments.ReportGatewayOutcome(c.Request.Context(), cb.ExternalReference(),
		service.Outcome{Status: cb.Outcome, Reason: cb.Desc})
	if err == nil && result != nil {
		err = result.Err()
	}
	if err != nil && service.IsRetryable(err) {
		h.logger.Error("Payment webhook failed",
			zap.Int64("order_code", cb.OrderCode),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Temporary failure, retry later"})
		return
	}

	resp := gin.H{"success": true, "order_code": cb.OrderCode}
	if result != nil {
		resp["disposition"] = result.Disposition
		resp["status"] = paymentStatusLabels[result.Status]
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) submitDocuments(c *gin.Context) {
	renterID, ok := requireHeaderID(c, headerRenterID)
	if !ok {
		return
	}
	var sub service.DocumentSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		badRequest(c, err)
		return
	}
	sub.RenterID = renterID

	record, err := h.engine.Verification.SubmitDocuments(c.Request.Context(), sub)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, record)
}

type decisionBody struct {
	Status models.VerificationStatus `json:"status"`
	Note   string                    `json:"note"`
}

func (h *Handler) decideVerification(c *gin.Context) {
	renterID, ok := pathID(c, "renterId")
	if !ok {
		return
	}
	staffID, ok := requireHeaderID(c, headerStaffID)
	if !ok {
		return
	}
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	transitions, err := h.engine.Verification.ApplyDecision(c.Request.Context(), service.Decision{
		RenterID:   renterID,
		Status:     body.Status,
		ReviewerID: staffID,
		Note:       body.Note,
	})
	if err != nil && len(transitions) == 0 {
		h.fail(c, err)
		return
	}

	views := make([]transitionView, 0, len(transitions))
	for i := range transitions {
		views = append(views, newTransitionView(&transitions[i]))
	}
	resp := gin.H{"renter_id": renterID, "status": body.Status, "rentals": views}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// fail maps service errors to HTTP answers.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}

	resp := gin.H{"error": err.Error()}
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		resp["field"] = ve.Field
	}
	c.JSON(status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrVerificationRequired):
		return http.StatusForbidden
	case errors.Is(err, service.ErrStockUnavailable),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyClosed),
		errors.Is(err, service.ErrAlreadyHandedOver),
		errors.Is(err, service.ErrStaleState),
		errors.Is(err, service.ErrCheckoutInProgress),
		errors.Is(err, service.ErrUnitInMaintenance),
		errors.Is(err, service.ErrIntegrityViolation):
		return http.StatusConflict
	case errors.Is(err, service.ErrPaymentLinkFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func headerID(c *gin.Context, header string) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader(header), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func requireHeaderID(c *gin.Context, header string) (int64, bool) {
	id, ok := headerID(c, header)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid " + header + " header"})
	}
	return id, ok
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

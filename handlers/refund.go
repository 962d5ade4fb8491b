package handlers

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"dukapay/apperrors"
	"dukapay/database"
	"dukapay/gateway"
	"dukapay/kafka"
	"dukapay/middleware"
	"dukapay/models"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type RefundHandler struct {
	db       *sql.DB
	gateway  GatewayClient
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewRefundHandler(db *sql.DB, gw GatewayClient, producer sarama.SyncProducer, topic string, logger *zap.Logger) *RefundHandler {
	return &RefundHandler{
		db:       db,
		gateway:  gw,
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// InitiateRefund records a refund request against a completed payment. No
// gateway call happens here; submission waits for an admin's approval.
func (h *RefundHandler) InitiateRefund(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "InitiateRefund")
	defer span.End()

	var req models.InitiateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.Int("payment_id", req.PaymentID))

	payment, err := database.GetPayment(ctx, h.db, req.PaymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, apperrors.NotFound("payment %d not found", req.PaymentID))
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if payment.Status != models.PaymentStatusCompleted {
		respondError(c, apperrors.Validation("payment %d is not completed", payment.ID))
		return
	}

	refunded, err := database.RefundedAmount(ctx, h.db, payment.ID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to sum refunds", zap.Int("payment_id", payment.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	remaining := payment.Amount - refunded
	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount <= 0 {
		respondError(c, apperrors.Validation("refund amount must be positive"))
		return
	}
	if amount > remaining+models.AmountEpsilon {
		respondError(c, apperrors.Integrity(
			"refund amount %.2f exceeds remaining refundable balance %.2f", amount, remaining))
		return
	}

	refundID, err := database.CreateRefund(ctx, h.db, models.Refund{
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		RequestedBy: req.RequestedBy,
		Amount:      amount,
		Reason:      req.Reason,
	})
	if err != nil {
		// The balance is re-checked under a row lock inside CreateRefund, so a
		// concurrent request may still push the total over the limit here.
		span.RecordError(err)
		h.logger.Error("Failed to create refund", zap.Int("payment_id", payment.ID), zap.Error(err))
		respondError(c, err)
		return
	}

	span.SetAttributes(attribute.Int("refund.id", refundID))
	h.logger.Info("Refund requested",
		zap.Int("refund_id", refundID),
		zap.Int("payment_id", payment.ID),
		zap.Float64("amount", amount),
	)

	c.JSON(http.StatusCreated, gin.H{
		"refund_id": refundID,
		"status":    models.RefundStatusPending,
		"amount":    amount,
	})
}

// ApproveRefund moves a pending refund to processing and submits the
// reversal. The pending→processing compare-and-swap guarantees exactly one
// approval wins; the loser gets a conflict.
func (h *RefundHandler) ApproveRefund(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "ApproveRefund")
	defer span.End()

	var req models.ApproveRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	adminID := middleware.AdminID(c)
	span.SetAttributes(attribute.Int("refund_id", req.RefundID), attribute.Int("admin_id", adminID))

	refund, err := database.GetRefund(ctx, h.db, req.RefundID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, apperrors.NotFound("refund %d not found", req.RefundID))
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get refund", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	ok, err := database.MarkRefundProcessing(ctx, h.db, refund.ID, adminID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to mark refund processing", zap.Int("refund_id", refund.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !ok {
		respondError(c, apperrors.Conflict("refund %d is not in pending state", refund.ID))
		return
	}

	payment, err := database.GetPayment(ctx, h.db, refund.PaymentID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Int("payment_id", refund.PaymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	result, err := h.gateway.SubmitRefund(ctx, payment.MpesaReceipt, refund.Amount, refund.Reason)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Gateway refund submission failed",
			zap.Int("refund_id", refund.ID), zap.Error(err))
		if apperrors.IsRetryable(err) {
			// Timeout or outage: the reversal may or may not have reached the
			// provider. Put the refund back to pending so the same approval
			// can be retried; its amount stays reserved against the balance.
			if _, rbErr := database.ReleaseRefundApproval(ctx, h.db, refund.ID); rbErr != nil {
				h.logger.Error("Failed to release refund approval", zap.Int("refund_id", refund.ID), zap.Error(rbErr))
			}
			respondError(c, err)
			return
		}
		// Explicit provider rejection: terminal.
		if _, rbErr := database.ResolveRefund(ctx, h.db, refund.ID, refund.PaymentID,
			models.RefundStatusFailed, "gateway rejected: "+err.Error(),
			models.TxnRefundApprove, ""); rbErr != nil {
			h.logger.Error("Failed to record refund rejection", zap.Int("refund_id", refund.ID), zap.Error(rbErr))
		}
		middleware.RecordRefundResolved(string(models.RefundStatusFailed))
		respondError(c, err)
		return
	}

	if err := database.RecordRefundSubmission(ctx, h.db, refund.ID, refund.PaymentID,
		result.ConversationID, result.Raw); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to record refund submission", zap.Int("refund_id", refund.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Refund approved and submitted",
		zap.Int("refund_id", refund.ID),
		zap.Int("admin_id", adminID),
		zap.String("gateway_ref", result.ConversationID),
	)

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"refund_id":   refund.ID,
		"status":      models.RefundStatusProcessing,
		"gateway_ref": result.ConversationID,
	})
}

// DenyRefund terminates a pending refund with the admin's reason.
func (h *RefundHandler) DenyRefund(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "DenyRefund")
	defer span.End()

	var req models.DenyRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	adminID := middleware.AdminID(c)

	refund, err := database.GetRefund(ctx, h.db, req.RefundID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, apperrors.NotFound("refund %d not found", req.RefundID))
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get refund", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	ok, err := database.DenyRefund(ctx, h.db, refund.ID, refund.PaymentID, adminID, req.Reason)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to deny refund", zap.Int("refund_id", refund.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !ok {
		respondError(c, apperrors.Conflict("refund %d is not in pending state", refund.ID))
		return
	}

	middleware.RecordRefundResolved(string(models.RefundStatusFailed))
	h.logger.Info("Refund denied",
		zap.Int("refund_id", refund.ID),
		zap.Int("admin_id", adminID),
		zap.String("reason", req.Reason),
	)

	c.JSON(http.StatusOK, gin.H{"success": true, "refund_id": refund.ID, "status": models.RefundStatusFailed})
}

// HandleCallback resolves a processing refund from the provider's reversal
// result. Mirrors the payment callback contract: always acknowledged,
// duplicate-tolerant.
func (h *RefundHandler) HandleCallback(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "RefundCallback")
	defer span.End()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	cb, err := gateway.ParseRefundCallback(raw)
	if err != nil {
		h.logger.Warn("Unparseable refund callback", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	span.SetAttributes(attribute.String("gateway_ref", cb.ConversationID))

	refund, err := database.GetRefundByGatewayRef(ctx, h.db, cb.ConversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.logger.Warn("Callback for unknown refund", zap.String("gateway_ref", cb.ConversationID))
			c.JSON(http.StatusOK, gin.H{"accepted": true, "matched": false})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get refund", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	newStatus := models.RefundStatusFailed
	eventType := "refund_failed"
	if cb.Success() {
		newStatus = models.RefundStatusCompleted
		eventType = "refund_completed"
	}

	ok, err := database.ResolveRefund(ctx, h.db, refund.ID, refund.PaymentID,
		newStatus, cb.ResultDesc, models.TxnRefundCallback, cb.Raw)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to resolve refund", zap.Int("refund_id", refund.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !ok {
		// Already terminal: duplicate delivery, audit only.
		middleware.RecordDuplicateCallback()
		if err := database.AppendTransaction(ctx, h.db, refund.PaymentID, models.TxnRefundCallback,
			string(refund.Status), strconv.Itoa(cb.ResultCode), cb.Raw); err != nil {
			h.logger.Error("Failed to append audit entry", zap.Int("refund_id", refund.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true, "refund_id": refund.ID, "new_status": refund.Status})
		return
	}

	middleware.RecordRefundResolved(string(newStatus))
	h.publishRefundEvent(c, refund, newStatus, eventType)
	h.logger.Info("Refund resolved via callback",
		zap.Int("refund_id", refund.ID), zap.String("status", string(newStatus)))

	c.JSON(http.StatusOK, gin.H{"accepted": true, "refund_id": refund.ID, "new_status": newStatus})
}

// GetRefundHistory lists refunds, newest first, optionally for one payment.
func (h *RefundHandler) GetRefundHistory(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "GetRefundHistory")
	defer span.End()

	paymentID := 0
	if idStr := c.Query("payment_id"); idStr != "" {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
			return
		}
		paymentID = id
	}
	limit, offset := pagination(c)

	refunds, err := database.ListRefunds(ctx, h.db, paymentID, limit, offset)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list refunds", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// GetRefundStatistics aggregates refunds by status over a date range.
func (h *RefundHandler) GetRefundStatistics(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "GetRefundStatistics")
	defer span.End()

	start, end, err := dateRange(c.Query("start_date"), c.Query("end_date"))
	if err != nil {
		respondError(c, err)
		return
	}

	stats, err := database.RefundStatistics(ctx, h.db, start, end)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to aggregate refunds", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *RefundHandler) publishRefundEvent(c *gin.Context, refund models.Refund, status models.RefundStatus, eventType string) {
	if h.producer == nil {
		return
	}
	event := models.RefundEvent{
		RefundID:  refund.ID,
		PaymentID: refund.PaymentID,
		OrderID:   refund.OrderID,
		Amount:    refund.Amount,
		Status:    status,
		EventType: eventType,
	}
	if err := kafka.PublishEvent(c.Request.Context(), h.producer, h.topic, event, eventType, h.logger); err != nil {
		h.logger.Error("Failed to publish refund event", zap.Error(err))
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// dateRange parses YYYY-MM-DD bounds; the end date is inclusive.
func dateRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, apperrors.Validation("start_date and end_date are required")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Validation("invalid start_date: %s", startStr)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return time.Time{}, time.Time{}, apperrors.Validation("invalid end_date: %s", endStr)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, apperrors.Validation("end_date is before start_date")
	}
	return start, end.AddDate(0, 0, 1), nil
}

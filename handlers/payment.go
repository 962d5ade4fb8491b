package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

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

// Kenyan MSISDN in international format, e.g. 254712345678.
var phonePattern = regexp.MustCompile(`^254[17]\d{8}$`)

type PaymentHandler struct {
	db       *sql.DB
	gateway  GatewayClient
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewPaymentHandler(db *sql.DB, gw GatewayClient, producer sarama.SyncProducer, topic string, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		db:       db,
		gateway:  gw,
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// InitiatePayment pushes a payment prompt to the customer's phone. A pending
// payment row is only written after the gateway accepts the push, so a
// gateway failure leaves no partial state.
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "InitiatePayment")
	defer span.End()

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int("order_id", req.OrderID),
		attribute.Float64("amount", req.Amount),
	)

	if !phonePattern.MatchString(req.Phone) {
		respondError(c, apperrors.Validation("invalid phone number format: %s", req.Phone))
		return
	}

	order, err := database.GetOrder(ctx, h.db, req.OrderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, apperrors.NotFound("order %d not found", req.OrderID))
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Int("order_id", req.OrderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if order.UserID != req.UserID {
		respondError(c, apperrors.NotFound("order %d not found", req.OrderID))
		return
	}

	if diff := order.TotalAmount - req.Amount; diff > models.AmountEpsilon || diff < -models.AmountEpsilon {
		respondError(c, apperrors.Validation("amount %.2f does not match order total %.2f", req.Amount, order.TotalAmount))
		return
	}

	push, err := h.gateway.InitiatePayment(ctx, req.Phone, req.Amount,
		fmt.Sprintf("ORDER-%d", order.ID), "Order payment")
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Gateway initiation failed",
			zap.Int("order_id", order.ID), zap.Error(err))
		respondError(c, err)
		return
	}

	paymentID, err := database.CreatePayment(ctx, h.db, models.Payment{
		OrderID:           order.ID,
		UserID:            req.UserID,
		Method:            "mpesa",
		Amount:            req.Amount,
		CheckoutRequestID: push.CheckoutRequestID,
		Phone:             req.Phone,
	}, push.Raw)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to persist payment",
			zap.String("checkout_request_id", push.CheckoutRequestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("payment.id", paymentID))
	h.logger.Info("Payment initiated",
		zap.Int("payment_id", paymentID),
		zap.Int("order_id", order.ID),
		zap.String("checkout_request_id", push.CheckoutRequestID),
	)

	c.JSON(http.StatusCreated, gin.H{
		"payment_id":          paymentID,
		"checkout_request_id": push.CheckoutRequestID,
		"customer_message":    push.CustomerMessage,
	})
}

// QueryPayment asks the gateway for the state of a pending push and resolves
// the payment when the answer is final. Safe to call repeatedly; the caller
// polls with its own backoff.
func (h *PaymentHandler) QueryPayment(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "QueryPayment")
	defer span.End()

	var req models.QueryPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := database.GetPaymentByCheckoutRef(ctx, h.db, req.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, apperrors.NotFound("payment not found for reference %s", req.CheckoutRequestID))
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("payment.id", payment.ID))

	if payment.Status.IsTerminal() {
		c.JSON(http.StatusOK, gin.H{
			"resolved": true,
			"status":   payment.Status,
			"message":  payment.ResultDesc,
		})
		return
	}

	status, err := h.gateway.QueryStatus(ctx, req.CheckoutRequestID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Gateway status query failed",
			zap.Int("payment_id", payment.ID), zap.Error(err))
		respondError(c, err)
		return
	}

	switch status.Outcome {
	case gateway.OutcomeSuccess:
		ok, err := database.CompletePayment(ctx, h.db, payment.ID, payment.OrderID,
			status.ReceiptNumber, status.ResultCode, status.ResultDesc, models.TxnQuery, status.Raw)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to complete payment", zap.Int("payment_id", payment.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		resolved := models.PaymentStatusCompleted
		if ok {
			middleware.RecordPaymentResolved(string(resolved), "query")
			h.publishPaymentEvent(c, payment, resolved, "payment_completed", status.ReceiptNumber)
			h.logger.Info("Payment completed via query", zap.Int("payment_id", payment.ID))
		} else {
			// A concurrent callback or query already resolved it; audit with
			// the status that actually won, which may be failed.
			if current, readErr := database.GetPayment(ctx, h.db, payment.ID); readErr == nil {
				resolved = current.Status
			}
			if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnQuery,
				string(resolved), status.ResultCode, status.Raw); err != nil {
				h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"resolved": true,
			"status":   resolved,
			"message":  status.ResultDesc,
		})

	case gateway.OutcomeFailed:
		ok, err := database.FailPayment(ctx, h.db, payment.ID, payment.OrderID,
			status.ResultCode, status.ResultDesc, models.TxnQuery, status.Raw)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to fail payment", zap.Int("payment_id", payment.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if ok {
			middleware.RecordPaymentResolved(string(models.PaymentStatusFailed), "query")
			h.publishPaymentEvent(c, payment, models.PaymentStatusFailed, "payment_failed", "")
		}
		c.JSON(http.StatusOK, gin.H{
			"resolved": true,
			"status":   models.PaymentStatusFailed,
			"message":  status.ResultDesc,
		})

	default:
		if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnQuery,
			string(models.PaymentStatusPending), status.ResultCode, status.Raw); err != nil {
			h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{
			"resolved": false,
			"status":   models.PaymentStatusPending,
			"message":  status.ResultDesc,
		})
	}
}

// HandleCallback processes the provider's asynchronous payment result. The
// provider is always acknowledged with 200, including for unknown references
// and duplicates, so it never retry-storms; business failures are logged.
func (h *PaymentHandler) HandleCallback(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "HandleCallback")
	defer span.End()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	cb, err := gateway.ParseCallback(raw)
	if err != nil {
		h.logger.Warn("Unparseable payment callback", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}

	span.SetAttributes(
		attribute.String("checkout_request_id", cb.CheckoutRequestID),
		attribute.Int("result_code", cb.ResultCode),
	)

	payment, err := database.GetPaymentByCheckoutRef(ctx, h.db, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.logger.Warn("Callback for unknown payment",
				zap.String("checkout_request_id", cb.CheckoutRequestID))
			c.JSON(http.StatusOK, gin.H{"accepted": true, "matched": false})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("payment.id", payment.ID))

	if payment.Status.IsTerminal() {
		// Duplicate delivery: audit it, change nothing.
		middleware.RecordDuplicateCallback()
		if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnCallback,
			string(payment.Status), strconv.Itoa(cb.ResultCode), cb.Raw); err != nil {
			h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
		}
		h.logger.Info("Duplicate callback ignored",
			zap.Int("payment_id", payment.ID), zap.String("status", string(payment.Status)))
		c.JSON(http.StatusOK, gin.H{
			"accepted":   true,
			"payment_id": payment.ID,
			"order_id":   payment.OrderID,
			"new_status": payment.Status,
		})
		return
	}

	var newStatus models.PaymentStatus
	if cb.Success() {
		ok, err := database.CompletePayment(ctx, h.db, payment.ID, payment.OrderID,
			cb.ReceiptNumber, strconv.Itoa(cb.ResultCode), cb.ResultDesc, models.TxnCallback, cb.Raw)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to complete payment", zap.Int("payment_id", payment.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		newStatus = models.PaymentStatusCompleted
		if ok {
			middleware.RecordPaymentResolved(string(newStatus), "callback")
			h.publishPaymentEvent(c, payment, newStatus, "payment_completed", cb.ReceiptNumber)
			h.logger.Info("Payment completed via callback",
				zap.Int("payment_id", payment.ID), zap.String("receipt", cb.ReceiptNumber))
		} else {
			middleware.RecordDuplicateCallback()
			if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnCallback,
				string(newStatus), strconv.Itoa(cb.ResultCode), cb.Raw); err != nil {
				h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
			}
		}
	} else {
		ok, err := database.FailPayment(ctx, h.db, payment.ID, payment.OrderID,
			strconv.Itoa(cb.ResultCode), cb.ResultDesc, models.TxnCallback, cb.Raw)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to fail payment", zap.Int("payment_id", payment.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		newStatus = models.PaymentStatusFailed
		if ok {
			middleware.RecordPaymentResolved(string(newStatus), "callback")
			h.publishPaymentEvent(c, payment, newStatus, "payment_failed", "")
			h.logger.Info("Payment failed via callback",
				zap.Int("payment_id", payment.ID), zap.String("result_desc", cb.ResultDesc))
		} else {
			middleware.RecordDuplicateCallback()
			if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnCallback,
				string(newStatus), strconv.Itoa(cb.ResultCode), cb.Raw); err != nil {
				h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":   true,
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"new_status": newStatus,
	})
}

// GetPaymentStatus looks a payment up by id or checkout reference.
func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "GetPaymentStatus")
	defer span.End()

	var payment models.Payment
	var err error

	if idStr := c.Query("payment_id"); idStr != "" {
		id, convErr := strconv.Atoi(idStr)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
			return
		}
		payment, err = database.GetPayment(ctx, h.db, id)
	} else if ref := c.Query("checkout_request_id"); ref != "" {
		payment, err = database.GetPaymentByCheckoutRef(ctx, h.db, ref)
	} else {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_id or checkout_request_id is required"})
		return
	}

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":    payment.ID,
		"order_id":      payment.OrderID,
		"status":        payment.Status,
		"amount":        payment.Amount,
		"mpesa_receipt": payment.MpesaReceipt,
		"completed_at":  payment.CompletedAt,
	})
}

func (h *PaymentHandler) publishPaymentEvent(c *gin.Context, payment models.Payment, status models.PaymentStatus, eventType, receipt string) {
	if h.producer == nil {
		return
	}
	event := models.PaymentEvent{
		PaymentID:    payment.ID,
		OrderID:      payment.OrderID,
		UserID:       payment.UserID,
		Amount:       payment.Amount,
		Status:       status,
		EventType:    eventType,
		MpesaReceipt: receipt,
	}
	if err := kafka.PublishEvent(c.Request.Context(), h.producer, h.topic, event, eventType, h.logger); err != nil {
		// Don't fail the request, but log the error
		h.logger.Error("Failed to publish payment event", zap.Error(err))
	}
}

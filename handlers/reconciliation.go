package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dukapay/apperrors"
	"dukapay/cache"
	"dukapay/database"
	"dukapay/gateway"
	"dukapay/kafka"
	"dukapay/middleware"
	"dukapay/models"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const reportCacheTTL = 5 * time.Minute

type ReconciliationHandler struct {
	db       *sql.DB
	gateway  GatewayClient
	producer sarama.SyncProducer
	topic    string
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewReconciliationHandler(db *sql.DB, gw GatewayClient, producer sarama.SyncProducer, topic string, rdb *redis.Client, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{
		db:       db,
		gateway:  gw,
		producer: producer,
		topic:    topic,
		rdb:      rdb,
		logger:   logger,
	}
}

// reconcileOne compares one payment against the gateway's record and appends
// the outcome. It observes only: the payment row is never transitioned here.
func (h *ReconciliationHandler) reconcileOne(ctx context.Context, payment models.Payment) (models.ReconciliationLog, error) {
	log := models.ReconciliationLog{
		PaymentID:   payment.ID,
		LocalAmount: payment.Amount,
		LocalStatus: string(payment.Status),
	}

	status, err := h.gateway.QueryStatus(ctx, payment.CheckoutRequestID)
	if err != nil {
		return log, err
	}

	switch status.Outcome {
	case gateway.OutcomeSuccess:
		log.GatewayStatus = string(models.PaymentStatusCompleted)
	case gateway.OutcomeFailed:
		log.GatewayStatus = string(models.PaymentStatusFailed)
	default:
		log.GatewayStatus = string(models.PaymentStatusPending)
	}
	log.GatewayAmount = status.Amount
	log.Classification, log.Difference = models.Classify(
		payment.Amount, payment.Status, status.Amount, log.GatewayStatus, status.Found)

	if _, err := database.InsertReconciliationLog(ctx, h.db, log); err != nil {
		return log, err
	}
	if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnReconcile,
		string(log.Classification), status.ResultCode, status.Raw); err != nil {
		h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
	}

	middleware.RecordReconciliation(string(log.Classification))
	if log.Classification != models.ReconMatched && h.producer != nil {
		event := models.DiscrepancyEvent{
			PaymentID:      payment.ID,
			Classification: log.Classification,
			Difference:     log.Difference,
			EventType:      "discrepancy_detected",
		}
		if err := kafka.PublishEvent(ctx, h.producer, h.topic, event, event.EventType, h.logger); err != nil {
			h.logger.Error("Failed to publish discrepancy event", zap.Error(err))
		}
	}
	return log, nil
}

// ReconcilePayment cross-checks a single payment on demand.
func (h *ReconciliationHandler) ReconcilePayment(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "ReconcilePayment")
	defer span.End()

	var req models.ReconcileRequest
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

	log, err := h.reconcileOne(ctx, payment)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Reconciliation failed", zap.Int("payment_id", payment.ID), zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":     payment.ID,
		"classification": log.Classification,
		"local_amount":   log.LocalAmount,
		"gateway_amount": log.GatewayAmount,
		"difference":     log.Difference,
	})
}

// ReconcileRange runs the comparison over every payment initiated in the
// range. A gateway failure for one payment is recorded as unmatched with an
// error note and the batch continues.
func (h *ReconciliationHandler) ReconcileRange(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "ReconcileRange")
	defer span.End()

	var req models.ReconcileRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start, end, err := dateRange(req.StartDate, req.EndDate)
	if err != nil {
		respondError(c, err)
		return
	}

	payments, err := database.PaymentsInRange(ctx, h.db, start, end)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list payments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var summary models.ReconciliationSummary
	for _, payment := range payments {
		summary.Total++
		log, err := h.reconcileOne(ctx, payment)
		if err != nil {
			// Record the lookup failure and keep going.
			summary.Unmatched++
			errLog := models.ReconciliationLog{
				PaymentID:      payment.ID,
				LocalAmount:    payment.Amount,
				LocalStatus:    string(payment.Status),
				GatewayStatus:  "unknown",
				Classification: models.ReconUnmatched,
				Difference:     payment.Amount,
				Notes:          "gateway lookup failed: " + err.Error(),
			}
			if _, insErr := database.InsertReconciliationLog(ctx, h.db, errLog); insErr != nil {
				h.logger.Error("Failed to record lookup failure",
					zap.Int("payment_id", payment.ID), zap.Error(insErr))
			}
			summary.TotalDifference += payment.Amount
			continue
		}
		switch log.Classification {
		case models.ReconMatched:
			summary.Matched++
		case models.ReconUnmatched:
			summary.Unmatched++
		default:
			summary.Discrepancies++
		}
		summary.TotalDifference += log.Difference
	}

	span.SetAttributes(
		attribute.Int("reconciled", summary.Total),
		attribute.Int("discrepancies", summary.Discrepancies),
	)
	h.logger.Info("Reconciliation batch finished",
		zap.Int("total", summary.Total),
		zap.Int("matched", summary.Matched),
		zap.Int("unmatched", summary.Unmatched),
		zap.Int("discrepancies", summary.Discrepancies),
	)

	c.JSON(http.StatusOK, summary)
}

// GetDiscrepancies lists payments whose latest reconciliation outcome is
// unmatched, discrepancy, or either.
func (h *ReconciliationHandler) GetDiscrepancies(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "GetDiscrepancies")
	defer span.End()

	var classifications []string
	switch c.DefaultQuery("filter", "all") {
	case "unmatched":
		classifications = []string{string(models.ReconUnmatched)}
	case "discrepancy":
		classifications = []string{string(models.ReconDiscrepancy)}
	case "all":
		classifications = []string{string(models.ReconUnmatched), string(models.ReconDiscrepancy)}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "filter must be unmatched, discrepancy or all"})
		return
	}

	limit, offset := pagination(c)
	logs, err := database.ListDiscrepancies(ctx, h.db, classifications, limit, offset)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list discrepancies", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"discrepancies": logs, "count": len(logs)})
}

// ManualMatch records an admin-confirmed gateway amount as an append-only
// correction. The payment's recorded amount and status stay untouched.
func (h *ReconciliationHandler) ManualMatch(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "ManualMatch")
	defer span.End()

	var req models.ManualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	adminID := middleware.AdminID(c)
	span.SetAttributes(attribute.Int("payment_id", req.PaymentID), attribute.Int("admin_id", adminID))

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

	diff := payment.Amount - req.GatewayAmount
	if diff < 0 {
		diff = -diff
	}
	gatewayAmount := req.GatewayAmount
	log := models.ReconciliationLog{
		PaymentID:      payment.ID,
		LocalAmount:    payment.Amount,
		GatewayAmount:  &gatewayAmount,
		LocalStatus:    string(payment.Status),
		GatewayStatus:  string(models.PaymentStatusCompleted),
		Classification: models.ReconMatched,
		Difference:     diff,
		Notes:          req.Notes,
		AdminID:        &adminID,
	}
	if _, err := database.InsertReconciliationLog(ctx, h.db, log); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to record manual match", zap.Int("payment_id", payment.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if err := database.AppendTransaction(ctx, h.db, payment.ID, models.TxnManualMatch,
		string(models.ReconMatched), "", req.Notes); err != nil {
		h.logger.Error("Failed to append audit entry", zap.Int("payment_id", payment.ID), zap.Error(err))
	}

	h.logger.Info("Manual match recorded",
		zap.Int("payment_id", payment.ID),
		zap.Int("admin_id", adminID),
		zap.Float64("gateway_amount", req.GatewayAmount),
	)

	c.JSON(http.StatusOK, gin.H{"success": true, "payment_id": payment.ID})
}

// GenerateReport aggregates reconciliation outcomes over a period as JSON or
// flat CSV. The JSON form is cached briefly in Redis.
func (h *ReconciliationHandler) GenerateReport(c *gin.Context) {
	ctx, span := otel.Tracer("payments").Start(c.Request.Context(), "GenerateReport")
	defer span.End()

	startStr := c.Query("start_date")
	endStr := c.Query("end_date")
	start, end, err := dateRange(startStr, endStr)
	if err != nil {
		respondError(c, err)
		return
	}
	format := c.DefaultQuery("format", "json")

	if format == "json" && h.rdb != nil {
		var cached models.ReconciliationReport
		if hit, err := cache.GetReport(ctx, h.rdb, startStr, endStr, &cached); err == nil && hit {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	logs, err := database.ReconciliationLogsInRange(ctx, h.db, start, end)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to list reconciliation logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	report := models.ReconciliationReport{
		StartDate: startStr,
		EndDate:   endStr,
		Details:   logs,
	}
	for _, log := range logs {
		report.Summary.Total++
		switch log.Classification {
		case models.ReconMatched:
			report.Summary.Matched++
		case models.ReconUnmatched:
			report.Summary.Unmatched++
		default:
			report.Summary.Discrepancies++
		}
		report.Summary.TotalDifference += log.Difference
	}

	if format == "csv" {
		c.Header("Content-Disposition", "attachment; filename=reconciliation.csv")
		c.Data(http.StatusOK, "text/csv", []byte(reportCSV(report)))
		return
	}

	if h.rdb != nil {
		if err := cache.SetReport(ctx, h.rdb, startStr, endStr, report, reportCacheTTL); err != nil {
			h.logger.Warn("Failed to cache report", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, report)
}

func reportCSV(report models.ReconciliationReport) string {
	var b strings.Builder
	b.WriteString("payment_id,local_amount,gateway_amount,local_status,gateway_status,classification,difference,created_at\n")
	for _, log := range report.Details {
		gatewayAmount := ""
		if log.GatewayAmount != nil {
			gatewayAmount = fmt.Sprintf("%.2f", *log.GatewayAmount)
		}
		b.WriteString(fmt.Sprintf("%d,%.2f,%s,%s,%s,%s,%.2f,%s\n",
			log.PaymentID, log.LocalAmount, gatewayAmount, log.LocalStatus,
			log.GatewayStatus, log.Classification, log.Difference,
			log.CreatedAt.Format(time.RFC3339)))
	}
	return b.String()
}

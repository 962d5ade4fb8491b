package handlers

import (
	"context"
	"net/http"

	"dukapay/apperrors"
	"dukapay/gateway"

	"github.com/gin-gonic/gin"
)

// GatewayClient is what the handlers need from the provider adapter; the
// concrete client lives in the gateway package, tests substitute their own.
type GatewayClient interface {
	InitiatePayment(ctx context.Context, phone string, amount float64, accountReference, description string) (gateway.StkPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (gateway.StatusResult, error)
	SubmitRefund(ctx context.Context, transactionID string, amount float64, reason string) (gateway.RefundResult, error)
}

// respondError maps the error taxonomy onto HTTP statuses. The provider
// result code rides along when one exists so admins can diagnose rejections.
func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if code := apperrors.CodeOf(err); code != "" {
		body["result_code"] = code
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		c.JSON(http.StatusBadRequest, body)
	case apperrors.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	case apperrors.KindConflict:
		c.JSON(http.StatusConflict, body)
	case apperrors.KindIntegrity:
		c.JSON(http.StatusUnprocessableEntity, body)
	case apperrors.KindGatewayTransient:
		body["retryable"] = true
		c.JSON(http.StatusServiceUnavailable, body)
	case apperrors.KindGatewayPermanent:
		c.JSON(http.StatusBadGateway, body)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dukapay/gateway"
	"dukapay/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Mock gateway client for testing.
type mockGateway struct {
	initiateFunc func(ctx context.Context, phone string, amount float64, accountReference, description string) (gateway.StkPushResult, error)
	queryFunc    func(ctx context.Context, checkoutRequestID string) (gateway.StatusResult, error)
	refundFunc   func(ctx context.Context, transactionID string, amount float64, reason string) (gateway.RefundResult, error)
}

func (m *mockGateway) InitiatePayment(ctx context.Context, phone string, amount float64, accountReference, description string) (gateway.StkPushResult, error) {
	if m.initiateFunc != nil {
		return m.initiateFunc(ctx, phone, amount, accountReference, description)
	}
	return gateway.StkPushResult{CheckoutRequestID: "ws_CO_123", ResponseCode: "0"}, nil
}

func (m *mockGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (gateway.StatusResult, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, checkoutRequestID)
	}
	return gateway.StatusResult{Outcome: gateway.OutcomePending}, nil
}

func (m *mockGateway) SubmitRefund(ctx context.Context, transactionID string, amount float64, reason string) (gateway.RefundResult, error) {
	if m.refundFunc != nil {
		return m.refundFunc(ctx, transactionID, amount, reason)
	}
	return gateway.RefundResult{ConversationID: "AG_123", ResponseCode: "0"}, nil
}

func setupPaymentTest(t *testing.T, gw GatewayClient) (*PaymentHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := &PaymentHandler{
		db:      db,
		gateway: gw,
		logger:  logger,
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/payments/initiate", handler.InitiatePayment)
	router.POST("/payments/query", handler.QueryPayment)
	router.POST("/payments/callback", handler.HandleCallback)
	router.GET("/payments/status", handler.GetPaymentStatus)

	return handler, mock, router
}

func orderRows(orderID, userID int, total float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "total_amount", "status", "payment_status", "created_at", "updated_at"}).
		AddRow(orderID, userID, total, models.OrderStatusPending, models.OrderPaymentUnpaid, time.Now(), time.Now())
}

func paymentRows(id, orderID int, amount float64, status models.PaymentStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "order_id", "user_id", "method", "amount", "checkout_request_id",
		"phone", "status", "mpesa_receipt", "result_code", "result_desc", "initiated_at", "completed_at"}).
		AddRow(id, orderID, 7, "mpesa", amount, "ws_CO_123", "254712345678", status, "", "", "", time.Now(), nil)
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestInitiatePayment_Success(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, user_id, total_amount, status, payment_status, created_at, updated_at FROM orders WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(orderRows(1, 7, 1000.00))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO payments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE orders SET payment_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := postJSON(router, "/payments/initiate", models.InitiatePaymentRequest{
		OrderID: 1, Phone: "254712345678", Amount: 1000.00, UserID: 7,
	})

	if w.Code != http.StatusCreated {
		t.Errorf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["checkout_request_id"] != "ws_CO_123" {
		t.Errorf("Expected checkout_request_id ws_CO_123, got %v", resp["checkout_request_id"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestInitiatePayment_AmountMismatch(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, user_id, total_amount, status, payment_status, created_at, updated_at FROM orders WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(orderRows(1, 7, 1000.00))

	w := postJSON(router, "/payments/initiate", models.InitiatePaymentRequest{
		OrderID: 1, Phone: "254712345678", Amount: 900.00, UserID: 7,
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	// No payment row may be written on a validation failure.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestInitiatePayment_InvalidPhone(t *testing.T) {
	handler, _, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	w := postJSON(router, "/payments/initiate", models.InitiatePaymentRequest{
		OrderID: 1, Phone: "0712-345-678", Amount: 1000.00, UserID: 7,
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestInitiatePayment_GatewayRejected_NoPartialState(t *testing.T) {
	gw := &mockGateway{
		initiateFunc: func(ctx context.Context, phone string, amount float64, ref, desc string) (gateway.StkPushResult, error) {
			return gateway.StkPushResult{}, fmt.Errorf("push rejected")
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, user_id, total_amount, status, payment_status, created_at, updated_at FROM orders WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(orderRows(1, 7, 1000.00))

	w := postJSON(router, "/payments/initiate", models.InitiatePaymentRequest{
		OrderID: 1, Phone: "254712345678", Amount: 1000.00, UserID: 7,
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}

	// The only database access was the order lookup.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestInitiatePayment_OrderNotOwned(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, user_id, total_amount, status, payment_status, created_at, updated_at FROM orders WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(orderRows(1, 99, 1000.00))

	w := postJSON(router, "/payments/initiate", models.InitiatePaymentRequest{
		OrderID: 1, Phone: "254712345678", Amount: 1000.00, UserID: 7,
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

const successCallback = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_123",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 1000.00},
					{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]
			}
		}
	}
}`

func postRaw(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleCallback_CompletesPendingPayment(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusPending))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET payment_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := postRaw(router, "/payments/callback", successCallback)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["accepted"] != true {
		t.Errorf("Expected accepted true, got %v", resp["accepted"])
	}
	if resp["new_status"] != string(models.PaymentStatusCompleted) {
		t.Errorf("Expected new_status completed, got %v", resp["new_status"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleCallback_DuplicateIsNoOpWithAudit(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusCompleted))

	// Only an audit append; no payment or order update.
	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(2, 1))

	w := postRaw(router, "/payments/callback", successCallback)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["accepted"] != true {
		t.Errorf("Expected accepted true, got %v", resp["accepted"])
	}
	if resp["new_status"] != string(models.PaymentStatusCompleted) {
		t.Errorf("Expected status unchanged, got %v", resp["new_status"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleCallback_LostRace_AuditsWithoutSecondTransition(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusPending))

	// A concurrent callback won the conditional update: zero rows affected.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(3, 1))

	w := postRaw(router, "/payments/callback", successCallback)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestHandleCallback_UnknownReference_AcknowledgedAnyway(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnError(sql.ErrNoRows)

	w := postRaw(router, "/payments/callback", successCallback)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["accepted"] != true || resp["matched"] != false {
		t.Errorf("Expected accepted ack with matched false, got %v", resp)
	}
}

func TestQueryPayment_AlreadyCompleted_IsIdempotent(t *testing.T) {
	gw := &mockGateway{
		queryFunc: func(ctx context.Context, ref string) (gateway.StatusResult, error) {
			t.Fatal("gateway must not be queried for an already-resolved payment")
			return gateway.StatusResult{}, nil
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusCompleted))

	w := postJSON(router, "/payments/query", models.QueryPaymentRequest{CheckoutRequestID: "ws_CO_123"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["resolved"] != true {
		t.Errorf("Expected resolved true, got %v", resp["resolved"])
	}
}

func TestQueryPayment_StillPending_LeavesPaymentAlone(t *testing.T) {
	gw := &mockGateway{
		queryFunc: func(ctx context.Context, ref string) (gateway.StatusResult, error) {
			return gateway.StatusResult{
				Outcome:    gateway.OutcomePending,
				ResultCode: "1037",
				ResultDesc: "DS timeout user cannot be reached",
			}, nil
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusPending))

	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(4, 1))

	w := postJSON(router, "/payments/query", models.QueryPaymentRequest{CheckoutRequestID: "ws_CO_123"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["resolved"] != false {
		t.Errorf("Expected resolved false, got %v", resp["resolved"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestQueryPayment_GatewaySuccess_CompletesPayment(t *testing.T) {
	amount := 1000.00
	gw := &mockGateway{
		queryFunc: func(ctx context.Context, ref string) (gateway.StatusResult, error) {
			return gateway.StatusResult{
				Outcome:       gateway.OutcomeSuccess,
				ResultCode:    "0",
				ResultDesc:    "The service request is processed successfully.",
				ReceiptNumber: "NLJ7RT61SV",
				Amount:        &amount,
			}, nil
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusPending))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET payment_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payment_transactions").
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectCommit()

	w := postJSON(router, "/payments/query", models.QueryPaymentRequest{CheckoutRequestID: "ws_CO_123"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestQueryPayment_LostRace_AuditsWinnersStatus(t *testing.T) {
	amount := 1000.00
	gw := &mockGateway{
		queryFunc: func(ctx context.Context, ref string) (gateway.StatusResult, error) {
			return gateway.StatusResult{
				Outcome:       gateway.OutcomeSuccess,
				ResultCode:    "0",
				ResultDesc:    "The service request is processed successfully.",
				ReceiptNumber: "NLJ7RT61SV",
				Amount:        &amount,
			}, nil
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE checkout_request_id = \\$1").
		WithArgs("ws_CO_123").
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusPending))

	// A concurrent callback resolved the payment failed before our update.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	// The audit row carries the status that actually won, not the query's.
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1").
		WithArgs(42).
		WillReturnRows(paymentRows(42, 1, 1000.00, models.PaymentStatusFailed))
	mock.ExpectExec("INSERT INTO payment_transactions").
		WithArgs(42, models.TxnQuery, string(models.PaymentStatusFailed), "0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(6, 1))

	w := postJSON(router, "/payments/query", models.QueryPaymentRequest{CheckoutRequestID: "ws_CO_123"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != string(models.PaymentStatusFailed) {
		t.Errorf("Expected status failed, got %v", resp["status"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestGetPaymentStatus_NotFound(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1").
		WithArgs(999).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/payments/status?payment_id=999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

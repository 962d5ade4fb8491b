package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dukapay/apperrors"
	"dukapay/config"

	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Config{
		GatewayBaseURL:        server.URL,
		GatewayConsumerKey:    "key",
		GatewayConsumerSecret: "secret",
		GatewayShortCode:      "174379",
		GatewayPasskey:        "passkey",
		GatewayCallbackURL:    "https://example.com/payments/callback",
		GatewayTimeout:        5 * time.Second,
	}
	return NewClient(cfg, nil, zaptest.NewLogger(t))
}

func authAnd(next http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "test-token",
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/", next)
	return mux
}

func TestInitiatePayment_Success(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mpesa/stkpush/v1/processrequest" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["PhoneNumber"] != "254712345678" {
			t.Errorf("Unexpected phone %v", body["PhoneNumber"])
		}
		if body["BusinessShortCode"] != "174379" {
			t.Errorf("Unexpected shortcode %v", body["BusinessShortCode"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResponseCode":      "0",
			"CustomerMessage":   "Success. Request accepted for processing",
		})
	}))

	result, err := client.InitiatePayment(context.Background(), "254712345678", 1000, "order-42", "Order payment")
	if err != nil {
		t.Fatalf("InitiatePayment failed: %v", err)
	}
	if result.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Errorf("Unexpected checkout request id %q", result.CheckoutRequestID)
	}
	if result.CustomerMessage == "" {
		t.Error("Expected customer message")
	}
}

func TestInitiatePayment_ProviderRejects(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Insufficient subscriber balance",
		})
	}))

	_, err := client.InitiatePayment(context.Background(), "254712345678", 1000, "order-42", "Order payment")
	if apperrors.KindOf(err) != apperrors.KindGatewayPermanent {
		t.Errorf("Expected permanent gateway error, got %v", err)
	}
	if apperrors.IsRetryable(err) {
		t.Error("Rejection must not be retryable")
	}
}

func TestInitiatePayment_ServerErrorIsTransient(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.InitiatePayment(context.Background(), "254712345678", 1000, "order-42", "Order payment")
	if apperrors.KindOf(err) != apperrors.KindGatewayTransient {
		t.Errorf("Expected transient gateway error, got %v", err)
	}
	if !apperrors.IsRetryable(err) {
		t.Error("Transient gateway error must be retryable")
	}
}

func TestQueryStatus_Success(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mpesa/stkpushquery/v1/query" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ResponseCode":  "0",
			"ResultCode":    "0",
			"ResultDesc":    "The service request is processed successfully.",
			"ReceiptNumber": "NLJ7RT61SV",
			"Amount":        1000.00,
		})
	}))

	result, err := client.QueryStatus(context.Background(), "ws_CO_123")
	if err != nil {
		t.Fatalf("QueryStatus failed: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Errorf("Expected success outcome, got %v", result.Outcome)
	}
	if !result.Found {
		t.Error("Expected the provider record to be found")
	}
	if result.Amount == nil || *result.Amount != 1000.00 {
		t.Errorf("Expected amount 1000, got %v", result.Amount)
	}
	if result.ReceiptNumber != "NLJ7RT61SV" {
		t.Errorf("Unexpected receipt %q", result.ReceiptNumber)
	}
}

func TestQueryStatus_StillPending(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ResponseCode": "0",
			"ResultCode":   "500.001.1001",
			"ResultDesc":   "The transaction is being processed",
		})
	}))

	result, err := client.QueryStatus(context.Background(), "ws_CO_123")
	if err != nil {
		t.Fatalf("QueryStatus failed: %v", err)
	}
	if result.Outcome != OutcomePending {
		t.Errorf("Expected pending outcome, got %v", result.Outcome)
	}
	if result.Amount != nil {
		t.Errorf("Pending status must not carry an amount")
	}
}

func TestQueryStatus_NoProviderRecord(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "404.001.04",
			"errorMessage": "Invalid transaction",
		})
	}))

	result, err := client.QueryStatus(context.Background(), "ws_CO_nope")
	if err != nil {
		t.Fatalf("QueryStatus failed: %v", err)
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("Expected failed outcome, got %v", result.Outcome)
	}
	if result.Found {
		t.Error("Expected Found false when the provider has no record")
	}
	if result.Amount != nil {
		t.Error("Missing provider record must leave amount nil")
	}
}

func TestSubmitRefund_Success(t *testing.T) {
	client := testClient(t, authAnd(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mpesa/reversal/v1/request" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["TransactionID"] != "NLJ7RT61SV" {
			t.Errorf("Unexpected transaction id %v", body["TransactionID"])
		}
		if body["OriginatorConversationID"] == "" {
			t.Error("Expected a generated originator conversation id")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"ConversationID":      "AG_20260901_00001",
			"ResponseCode":        "0",
			"ResponseDescription": "Accept the service request successfully.",
		})
	}))

	result, err := client.SubmitRefund(context.Background(), "NLJ7RT61SV", 500, "damaged goods")
	if err != nil {
		t.Fatalf("SubmitRefund failed: %v", err)
	}
	if result.ConversationID != "AG_20260901_00001" {
		t.Errorf("Unexpected conversation id %q", result.ConversationID)
	}
}

func TestParseCallback_Success(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 1000.00},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	cb, err := ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback failed: %v", err)
	}
	if !cb.Success() {
		t.Error("Expected successful callback")
	}
	if cb.Amount != 1000.00 {
		t.Errorf("Expected amount 1000, got %v", cb.Amount)
	}
	if cb.ReceiptNumber != "NLJ7RT61SV" {
		t.Errorf("Unexpected receipt %q", cb.ReceiptNumber)
	}
}

func TestParseCallback_FailureHasNoMetadata(t *testing.T) {
	raw := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`)

	cb, err := ParseCallback(raw)
	if err != nil {
		t.Fatalf("ParseCallback failed: %v", err)
	}
	if cb.Success() {
		t.Error("Expected failed callback")
	}
	if cb.ResultCode != 1032 {
		t.Errorf("Unexpected result code %d", cb.ResultCode)
	}
}

func TestParseCallback_Invalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":            `{"Body": `,
		"missing checkout id": `{"Body": {"stkCallback": {"ResultCode": 0}}}`,
		"success no receipt": `{"Body": {"stkCallback": {
			"CheckoutRequestID": "ws_CO_1", "ResultCode": 0,
			"CallbackMetadata": {"Item": [{"Name": "Amount", "Value": 10}]}}}}`,
	} {
		if _, err := ParseCallback([]byte(raw)); apperrors.KindOf(err) != apperrors.KindValidation {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestParseRefundCallback(t *testing.T) {
	raw := []byte(`{
		"Result": {
			"ResultType": 0,
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"OriginatorConversationID": "8521-4298025-1",
			"ConversationID": "AG_20260901_00001",
			"TransactionID": "MJ561H6X5O"
		}
	}`)

	cb, err := ParseRefundCallback(raw)
	if err != nil {
		t.Fatalf("ParseRefundCallback failed: %v", err)
	}
	if !cb.Success() || cb.ConversationID != "AG_20260901_00001" {
		t.Errorf("Unexpected callback %+v", cb)
	}

	if _, err := ParseRefundCallback([]byte(`{"Result": {"ResultCode": 0}}`)); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Errorf("Expected validation error for missing ConversationID, got %v", err)
	}
}

func TestOpenCircuit_IsRetryableGatewayError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 5; i++ {
		if _, err := client.InitiatePayment(context.Background(), "254712345678", 1000, "order-42", "Order payment"); err == nil {
			t.Fatal("Expected failure while tripping the circuit")
		}
	}

	_, err := client.InitiatePayment(context.Background(), "254712345678", 1000, "order-42", "Order payment")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("Expected open circuit, got %v", err)
	}
	if apperrors.KindOf(err) != apperrors.KindGatewayTransient {
		t.Errorf("Open circuit must surface as a transient gateway error, got kind %v", apperrors.KindOf(err))
	}
	if !apperrors.IsRetryable(err) {
		t.Error("Open circuit must be retryable")
	}
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.InitiatePayment(context.Background(), "254712345678", 1000, "order-42", "Order payment")
	if apperrors.KindOf(err) != apperrors.KindGatewayPermanent {
		t.Errorf("Expected permanent gateway error for bad credentials, got %v", err)
	}
}

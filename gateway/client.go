package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"dukapay/apperrors"
	"dukapay/config"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tokenCacheKey = "mpesa:access_token"

// Client talks to the mobile-money provider. All calls run behind a circuit
// breaker with a bounded timeout; auth tokens are cached in Redis so that
// instances share one token. Payment and refund state is never cached here.
type Client struct {
	http    *resty.Client
	cfg     config.Config
	rdb     *redis.Client
	breaker *breaker
	logger  *zap.Logger
}

func NewClient(cfg config.Config, rdb *redis.Client, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.GatewayBaseURL).
		SetTimeout(cfg.GatewayTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		rdb:     rdb,
		breaker: newBreaker(5, 30*time.Second),
		logger:  logger,
	}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// authenticate returns a bearer token, from Redis when cached. A Redis
// outage degrades to fetching a fresh token per call.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	if c.rdb != nil {
		if token, err := c.rdb.Get(ctx, tokenCacheKey).Result(); err == nil && token != "" {
			return token, nil
		}
	}

	var auth authResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.GatewayConsumerKey, c.cfg.GatewayConsumerSecret).
		SetResult(&auth).
		Get("/oauth/v1/generate?grant_type=client_credentials")
	if err != nil {
		return "", apperrors.GatewayTransient("failed to reach gateway auth endpoint", err)
	}
	if resp.IsError() {
		return "", apperrors.GatewayPermanent("gateway rejected credentials", resp.Status())
	}
	if auth.AccessToken == "" {
		return "", apperrors.GatewayPermanent("gateway returned empty access token", "")
	}

	if c.rdb != nil {
		ttl := tokenTTL(auth.ExpiresIn)
		if err := c.rdb.Set(ctx, tokenCacheKey, auth.AccessToken, ttl).Err(); err != nil {
			c.logger.Warn("Failed to cache gateway token", zap.Error(err))
		}
	}
	return auth.AccessToken, nil
}

// tokenTTL keeps a safety margin below the provider's expiry.
func tokenTTL(expiresIn string) time.Duration {
	seconds := 3600
	if n, err := fmt.Sscanf(expiresIn, "%d", &seconds); n != 1 || err != nil {
		seconds = 3600
	}
	if seconds > 120 {
		seconds -= 60
	}
	return time.Duration(seconds) * time.Second
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.GatewayShortCode + c.cfg.GatewayPasskey + timestamp))
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorMessage        string `json:"errorMessage"`
}

// InitiatePayment submits an STK push prompting the customer's handset.
func (c *Client) InitiatePayment(ctx context.Context, phone string, amount float64, accountReference, description string) (StkPushResult, error) {
	var result StkPushResult

	err := c.breaker.execute(func() error {
		token, err := c.authenticate(ctx)
		if err != nil {
			return err
		}

		timestamp := time.Now().Format("20060102150405")
		body := map[string]any{
			"BusinessShortCode": c.cfg.GatewayShortCode,
			"Password":          c.password(timestamp),
			"Timestamp":         timestamp,
			"TransactionType":   "CustomerPayBillOnline",
			"Amount":            amount,
			"PartyA":            phone,
			"PartyB":            c.cfg.GatewayShortCode,
			"PhoneNumber":       phone,
			"CallBackURL":       c.cfg.GatewayCallbackURL,
			"AccountReference":  accountReference,
			"TransactionDesc":   description,
		}

		var push stkPushResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(body).
			SetResult(&push).
			SetError(&push).
			Post("/mpesa/stkpush/v1/processrequest")
		if err != nil {
			return apperrors.GatewayTransient("failed to reach gateway", err)
		}
		if resp.IsError() {
			if resp.StatusCode() >= 500 {
				return apperrors.GatewayTransient("gateway error "+resp.Status(), nil)
			}
			return apperrors.GatewayPermanent("gateway rejected payment push: "+push.ErrorMessage, resp.Status())
		}
		if push.ResponseCode != "0" || push.CheckoutRequestID == "" {
			return apperrors.GatewayPermanent("payment push not accepted: "+push.ResponseDescription, push.ResponseCode)
		}

		result = StkPushResult{
			CheckoutRequestID: push.CheckoutRequestID,
			MerchantRequestID: push.MerchantRequestID,
			ResponseCode:      push.ResponseCode,
			CustomerMessage:   push.CustomerMessage,
			Raw:               string(resp.Body()),
		}
		return nil
	})

	return result, err
}

type statusResponse struct {
	ResponseCode  string  `json:"ResponseCode"`
	ResultCode    string  `json:"ResultCode"`
	ResultDesc    string  `json:"ResultDesc"`
	ReceiptNumber string  `json:"ReceiptNumber"`
	Amount        float64 `json:"Amount"`
	ErrorCode     string  `json:"errorCode"`
	ErrorMessage  string  `json:"errorMessage"`
}

// QueryStatus asks the provider for the authoritative state of a push.
// A provider answer of "transaction not found" maps to Found=false with
// OutcomeFailed; network trouble surfaces as a transient gateway error.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error) {
	var result StatusResult

	err := c.breaker.execute(func() error {
		token, err := c.authenticate(ctx)
		if err != nil {
			return err
		}

		timestamp := time.Now().Format("20060102150405")
		body := map[string]any{
			"BusinessShortCode": c.cfg.GatewayShortCode,
			"Password":          c.password(timestamp),
			"Timestamp":         timestamp,
			"CheckoutRequestID": checkoutRequestID,
		}

		var status statusResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(body).
			SetResult(&status).
			SetError(&status).
			Post("/mpesa/stkpushquery/v1/query")
		if err != nil {
			return apperrors.GatewayTransient("failed to reach gateway", err)
		}
		if resp.IsError() {
			if resp.StatusCode() >= 500 {
				return apperrors.GatewayTransient("gateway error "+resp.Status(), nil)
			}
			if status.ErrorCode == "404.001.04" {
				// No record on the provider side.
				result = StatusResult{
					Outcome:    OutcomeFailed,
					ResultCode: status.ErrorCode,
					ResultDesc: status.ErrorMessage,
					Raw:        string(resp.Body()),
				}
				return nil
			}
			return apperrors.GatewayPermanent("gateway rejected status query: "+status.ErrorMessage, status.ErrorCode)
		}

		result = StatusResult{
			Outcome:       outcomeForResultCode(status.ResultCode),
			Found:         true,
			ResultCode:    status.ResultCode,
			ResultDesc:    status.ResultDesc,
			ReceiptNumber: status.ReceiptNumber,
			Raw:           string(resp.Body()),
		}
		if status.ResultCode == "0" {
			amount := status.Amount
			result.Amount = &amount
		}
		return nil
	})

	return result, err
}

type reversalResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
	ErrorMessage             string `json:"errorMessage"`
}

// SubmitRefund submits a reversal for a completed transaction. The provider
// answers asynchronously; the ConversationID correlates the later callback.
func (c *Client) SubmitRefund(ctx context.Context, transactionID string, amount float64, reason string) (RefundResult, error) {
	var result RefundResult

	err := c.breaker.execute(func() error {
		token, err := c.authenticate(ctx)
		if err != nil {
			return err
		}

		body := map[string]any{
			"OriginatorConversationID": uuid.NewString(),
			"TransactionID":            transactionID,
			"Amount":                   amount,
			"ReceiverParty":            c.cfg.GatewayShortCode,
			"RecieverIdentifierType":   "11",
			"Remarks":                  reason,
			"Occasion":                 "refund",
			"ResultURL":                c.cfg.GatewayCallbackURL,
			"QueueTimeOutURL":          c.cfg.GatewayCallbackURL,
		}

		var reversal reversalResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(body).
			SetResult(&reversal).
			SetError(&reversal).
			Post("/mpesa/reversal/v1/request")
		if err != nil {
			return apperrors.GatewayTransient("failed to reach gateway", err)
		}
		if resp.IsError() {
			if resp.StatusCode() >= 500 {
				return apperrors.GatewayTransient("gateway error "+resp.Status(), nil)
			}
			return apperrors.GatewayPermanent("gateway rejected reversal: "+reversal.ErrorMessage, resp.Status())
		}
		if reversal.ResponseCode != "0" {
			return apperrors.GatewayPermanent("reversal not accepted: "+reversal.ResponseDescription, reversal.ResponseCode)
		}

		result = RefundResult{
			ConversationID: reversal.ConversationID,
			ResponseCode:   reversal.ResponseCode,
			ResponseDesc:   reversal.ResponseDescription,
			Raw:            string(resp.Body()),
		}
		return nil
	})

	return result, err
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback validates and flattens the provider's nested payment
// callback payload.
func ParseCallback(raw []byte) (Callback, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Callback{}, apperrors.Validation("malformed callback payload: %v", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return Callback{}, apperrors.Validation("callback missing CheckoutRequestID")
	}

	parsed := Callback{
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Raw:               string(raw),
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if v, ok := item.Value.(float64); ok {
				parsed.Amount = v
			}
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				parsed.ReceiptNumber = v
			}
		}
	}

	if parsed.Success() && parsed.ReceiptNumber == "" {
		return Callback{}, apperrors.Validation("successful callback missing receipt number")
	}
	return parsed, nil
}

type reversalCallbackEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// ParseRefundCallback flattens the provider's reversal result payload.
func ParseRefundCallback(raw []byte) (RefundCallback, error) {
	var envelope reversalCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return RefundCallback{}, apperrors.Validation("malformed refund callback payload: %v", err)
	}
	if envelope.Result.ConversationID == "" {
		return RefundCallback{}, apperrors.Validation("refund callback missing ConversationID")
	}
	return RefundCallback{
		ConversationID: envelope.Result.ConversationID,
		ResultCode:     envelope.Result.ResultCode,
		ResultDesc:     envelope.Result.ResultDesc,
		TransactionID:  envelope.Result.TransactionID,
		Raw:            string(raw),
	}, nil
}

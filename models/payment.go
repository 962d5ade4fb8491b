package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// AmountEpsilon is the tolerance for comparing currency amounts.
const AmountEpsilon = 0.01

type Payment struct {
	ID                int           `json:"id"`
	OrderID           int           `json:"order_id"`
	UserID            int           `json:"user_id"`
	Method            string        `json:"method"`
	Amount            float64       `json:"amount"`
	CheckoutRequestID string        `json:"checkout_request_id"`
	Phone             string        `json:"phone"`
	Status            PaymentStatus `json:"status"`
	MpesaReceipt      string        `json:"mpesa_receipt,omitempty"`
	ResultCode        string        `json:"result_code,omitempty"`
	ResultDesc        string        `json:"result_desc,omitempty"`
	InitiatedAt       time.Time     `json:"initiated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the payment can no longer transition.
func (p PaymentStatus) IsTerminal() bool {
	return p == PaymentStatusCompleted || p == PaymentStatusFailed
}

type TransactionType string

const (
	TxnInitiate       TransactionType = "initiate"
	TxnQuery          TransactionType = "query"
	TxnCallback       TransactionType = "callback"
	TxnRefundRequest  TransactionType = "refund_request"
	TxnRefundApprove  TransactionType = "refund_approve"
	TxnRefundDeny     TransactionType = "refund_deny"
	TxnRefundCallback TransactionType = "refund_callback"
	TxnReconcile      TransactionType = "reconcile"
	TxnManualMatch    TransactionType = "manual_match"
)

// PaymentTransaction is one append-only audit entry per lifecycle event.
type PaymentTransaction struct {
	ID          int             `json:"id"`
	PaymentID   int             `json:"payment_id"`
	TxnType     TransactionType `json:"txn_type"`
	Status      string          `json:"status"`
	ResultCode  string          `json:"result_code,omitempty"`
	RawResponse string          `json:"raw_response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type InitiatePaymentRequest struct {
	OrderID int     `json:"order_id" binding:"required"`
	Phone   string  `json:"phone" binding:"required"`
	Amount  float64 `json:"amount" binding:"required"`
	UserID  int     `json:"user_id" binding:"required"`
}

type QueryPaymentRequest struct {
	CheckoutRequestID string `json:"checkout_request_id" binding:"required"`
}

type PaymentEvent struct {
	PaymentID    int           `json:"payment_id"`
	OrderID      int           `json:"order_id"`
	UserID       int           `json:"user_id"`
	Amount       float64       `json:"amount"`
	Status       PaymentStatus `json:"status"`
	EventType    string        `json:"event_type"` // payment_completed, payment_failed
	MpesaReceipt string        `json:"mpesa_receipt,omitempty"`
}

package models

import "time"

type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusFailed     RefundStatus = "failed"
)

func (r RefundStatus) IsTerminal() bool {
	return r == RefundStatusCompleted || r == RefundStatusFailed
}

type Refund struct {
	ID          int          `json:"id"`
	PaymentID   int          `json:"payment_id"`
	OrderID     int          `json:"order_id"`
	RequestedBy int          `json:"requested_by"`
	Amount      float64      `json:"amount"`
	Reason      string       `json:"reason"`
	Status      RefundStatus `json:"status"`
	GatewayRef  string       `json:"gateway_ref,omitempty"`
	AdminID     *int         `json:"admin_id,omitempty"`
	AdminNotes  string       `json:"admin_notes,omitempty"`
	RequestedAt time.Time    `json:"requested_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

type InitiateRefundRequest struct {
	PaymentID   int      `json:"payment_id" binding:"required"`
	Amount      *float64 `json:"amount"` // nil means full remaining balance
	Reason      string   `json:"reason" binding:"required"`
	RequestedBy int      `json:"requested_by" binding:"required"`
}

type ApproveRefundRequest struct {
	RefundID int `json:"refund_id" binding:"required"`
}

type DenyRefundRequest struct {
	RefundID int    `json:"refund_id" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// RefundStatistics aggregates refunds by status over a date range.
type RefundStatistics struct {
	TotalCount      int     `json:"total_count"`
	TotalAmount     float64 `json:"total_amount"`
	PendingCount    int     `json:"pending_count"`
	ProcessingCount int     `json:"processing_count"`
	CompletedCount  int     `json:"completed_count"`
	CompletedAmount float64 `json:"completed_amount"`
	FailedCount     int     `json:"failed_count"`
}

type RefundEvent struct {
	RefundID  int          `json:"refund_id"`
	PaymentID int          `json:"payment_id"`
	OrderID   int          `json:"order_id"`
	Amount    float64      `json:"amount"`
	Status    RefundStatus `json:"status"`
	EventType string       `json:"event_type"` // refund_completed, refund_failed
}

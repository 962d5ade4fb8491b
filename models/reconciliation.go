package models

import "time"

type ReconciliationResult string

const (
	ReconMatched     ReconciliationResult = "matched"
	ReconUnmatched   ReconciliationResult = "unmatched"
	ReconDiscrepancy ReconciliationResult = "discrepancy"
)

// ReconciliationLog is one append-only comparison of a local payment against
// the gateway's record. Manual-match corrections are rows here too, carrying
// the admin id; the payment row itself is never rewritten.
type ReconciliationLog struct {
	ID             int                  `json:"id"`
	PaymentID      int                  `json:"payment_id"`
	LocalAmount    float64              `json:"local_amount"`
	GatewayAmount  *float64             `json:"gateway_amount,omitempty"`
	LocalStatus    string               `json:"local_status"`
	GatewayStatus  string               `json:"gateway_status"`
	Classification ReconciliationResult `json:"classification"`
	Difference     float64              `json:"difference"`
	Notes          string               `json:"notes,omitempty"`
	AdminID        *int                 `json:"admin_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Classify is the pure comparison rule: unmatched iff the provider has no
// record at all; matched iff statuses agree and amounts agree within
// AmountEpsilon. A found record with no captured amount (failed or pending on
// the provider side) still matches a local record with the same status.
func Classify(localAmount float64, localStatus PaymentStatus, gatewayAmount *float64, gatewayStatus string, recordExists bool) (ReconciliationResult, float64) {
	if !recordExists {
		return ReconUnmatched, localAmount
	}
	if gatewayAmount == nil {
		if string(localStatus) == gatewayStatus {
			return ReconMatched, 0
		}
		return ReconDiscrepancy, localAmount
	}
	diff := localAmount - *gatewayAmount
	if diff < 0 {
		diff = -diff
	}
	if diff <= AmountEpsilon && string(localStatus) == gatewayStatus {
		return ReconMatched, 0
	}
	return ReconDiscrepancy, diff
}

type ReconcileRequest struct {
	PaymentID int `json:"payment_id" binding:"required"`
}

type ReconcileRangeRequest struct {
	StartDate string `json:"start_date" binding:"required"` // YYYY-MM-DD
	EndDate   string `json:"end_date" binding:"required"`
}

type ManualMatchRequest struct {
	PaymentID     int     `json:"payment_id" binding:"required"`
	GatewayAmount float64 `json:"gateway_amount" binding:"required"`
	Notes         string  `json:"notes" binding:"required"`
}

// ReconciliationSummary aggregates one batch run.
type ReconciliationSummary struct {
	Total           int     `json:"total"`
	Matched         int     `json:"matched"`
	Unmatched       int     `json:"unmatched"`
	Discrepancies   int     `json:"discrepancies"`
	TotalDifference float64 `json:"total_difference"`
}

// ReconciliationReport is the admin-facing period report.
type ReconciliationReport struct {
	StartDate string                `json:"start_date"`
	EndDate   string                `json:"end_date"`
	Summary   ReconciliationSummary `json:"summary"`
	Details   []ReconciliationLog   `json:"details"`
}

type DiscrepancyEvent struct {
	PaymentID      int                  `json:"payment_id"`
	Classification ReconciliationResult `json:"classification"`
	Difference     float64              `json:"difference"`
	EventType      string               `json:"event_type"` // discrepancy_detected
}

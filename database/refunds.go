package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dukapay/apperrors"
	"dukapay/models"
)

const refundColumns = "id, payment_id, order_id, requested_by, amount, reason, status, COALESCE(gateway_ref, ''), admin_id, COALESCE(admin_notes, ''), requested_at, resolved_at"

func scanRefund(row *sql.Row) (models.Refund, error) {
	var r models.Refund
	err := row.Scan(&r.ID, &r.PaymentID, &r.OrderID, &r.RequestedBy, &r.Amount, &r.Reason,
		&r.Status, &r.GatewayRef, &r.AdminID, &r.AdminNotes, &r.RequestedAt, &r.ResolvedAt)
	return r, err
}

func GetRefund(ctx context.Context, db *sql.DB, refundID int) (models.Refund, error) {
	return scanRefund(db.QueryRowContext(ctx,
		"SELECT "+refundColumns+" FROM payment_refunds WHERE id = $1", refundID))
}

func GetRefundByGatewayRef(ctx context.Context, db *sql.DB, gatewayRef string) (models.Refund, error) {
	return scanRefund(db.QueryRowContext(ctx,
		"SELECT "+refundColumns+" FROM payment_refunds WHERE gateway_ref = $1", gatewayRef))
}

// RefundedAmount sums all non-failed refunds against a payment. Failed
// refunds (denied or gateway-rejected) release their amount back to the
// refundable balance.
func RefundedAmount(ctx context.Context, db *sql.DB, paymentID int) (float64, error) {
	var total float64
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM payment_refunds WHERE payment_id = $1 AND status != $2",
		paymentID, models.RefundStatusFailed,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// CreateRefund inserts a pending refund and its audit entry in one
// transaction. The refundable balance is re-checked under a row lock on the
// payment, so concurrent requests cannot jointly exceed it.
func CreateRefund(ctx context.Context, db *sql.DB, r models.Refund) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var paymentAmount float64
	err = tx.QueryRowContext(ctx,
		"SELECT amount FROM payments WHERE id = $1 FOR UPDATE", r.PaymentID,
	).Scan(&paymentAmount)
	if err != nil {
		return 0, fmt.Errorf("failed to lock payment: %w", err)
	}

	var refunded float64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM payment_refunds WHERE payment_id = $1 AND status != $2",
		r.PaymentID, models.RefundStatusFailed,
	).Scan(&refunded)
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	remaining := paymentAmount - refunded
	if r.Amount > remaining+models.AmountEpsilon {
		return 0, apperrors.Integrity(
			"refund amount %.2f exceeds remaining refundable balance %.2f", r.Amount, remaining)
	}

	var refundID int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO payment_refunds (payment_id, order_id, requested_by, amount, reason, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		r.PaymentID, r.OrderID, r.RequestedBy, r.Amount, r.Reason, models.RefundStatusPending,
	).Scan(&refundID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert refund: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, raw_response) VALUES ($1, $2, $3, $4)",
		r.PaymentID, models.TxnRefundRequest, models.RefundStatusPending, r.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return refundID, nil
}

// MarkRefundProcessing is the approval compare-and-swap: only one concurrent
// approval can move the refund out of pending.
func MarkRefundProcessing(ctx context.Context, db *sql.DB, refundID, adminID int) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE payment_refunds SET status = $1, admin_id = $2 WHERE id = $3 AND status = $4",
		models.RefundStatusProcessing, adminID, refundID, models.RefundStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update refund: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

// ReleaseRefundApproval is the inverse of MarkRefundProcessing: it puts a
// processing refund back to pending after a transient gateway failure, without
// releasing its amount from the refundable balance, so the approval can be
// retried.
func ReleaseRefundApproval(ctx context.Context, db *sql.DB, refundID int) (bool, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE payment_refunds SET status = $1, admin_id = NULL WHERE id = $2 AND status = $3",
		models.RefundStatusPending, refundID, models.RefundStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update refund: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

// RecordRefundSubmission stores the gateway reference and the approval audit
// entry together after a successful gateway submission.
func RecordRefundSubmission(ctx context.Context, db *sql.DB, refundID, paymentID int, gatewayRef, rawResponse string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE payment_refunds SET gateway_ref = $1 WHERE id = $2",
		gatewayRef, refundID,
	)
	if err != nil {
		return fmt.Errorf("failed to update refund: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, raw_response) VALUES ($1, $2, $3, $4)",
		paymentID, models.TxnRefundApprove, models.RefundStatusProcessing, rawResponse,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ResolveRefund transitions a processing refund to a terminal state. Returns
// false when the refund was no longer processing (duplicate callback).
func ResolveRefund(ctx context.Context, db *sql.DB, refundID, paymentID int, to models.RefundStatus, notes string, txnType models.TransactionType, rawResponse string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE payment_refunds SET status = $1, admin_notes = $2, resolved_at = CURRENT_TIMESTAMP WHERE id = $3 AND status = $4",
		to, notes, refundID, models.RefundStatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update refund: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, raw_response) VALUES ($1, $2, $3, $4)",
		paymentID, txnType, to, rawResponse,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// DenyRefund transitions a pending refund straight to failed with the
// admin's reason. No gateway call is involved.
func DenyRefund(ctx context.Context, db *sql.DB, refundID, paymentID, adminID int, reason string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE payment_refunds SET status = $1, admin_id = $2, admin_notes = $3, resolved_at = CURRENT_TIMESTAMP WHERE id = $4 AND status = $5",
		models.RefundStatusFailed, adminID, reason, refundID, models.RefundStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update refund: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, raw_response) VALUES ($1, $2, $3, $4)",
		paymentID, models.TxnRefundDeny, models.RefundStatusFailed, reason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// ListRefunds returns refund history, optionally scoped to one payment.
func ListRefunds(ctx context.Context, db *sql.DB, paymentID, limit, offset int) ([]models.Refund, error) {
	query := "SELECT " + refundColumns + " FROM payment_refunds"
	args := []any{}
	if paymentID > 0 {
		query += " WHERE payment_id = $1 ORDER BY requested_at DESC LIMIT $2 OFFSET $3"
		args = append(args, paymentID, limit, offset)
	} else {
		query += " ORDER BY requested_at DESC LIMIT $1 OFFSET $2"
		args = append(args, limit, offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []models.Refund
	for rows.Next() {
		var r models.Refund
		if err := rows.Scan(&r.ID, &r.PaymentID, &r.OrderID, &r.RequestedBy, &r.Amount, &r.Reason,
			&r.Status, &r.GatewayRef, &r.AdminID, &r.AdminNotes, &r.RequestedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

// RefundStatistics aggregates counts and sums by status over a date range.
func RefundStatistics(ctx context.Context, db *sql.DB, start, end time.Time) (models.RefundStatistics, error) {
	var s models.RefundStatistics
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(amount), 0),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM payment_refunds WHERE requested_at >= $1 AND requested_at < $2`,
		start, end,
	).Scan(&s.TotalCount, &s.TotalAmount, &s.PendingCount, &s.ProcessingCount,
		&s.CompletedCount, &s.CompletedAmount, &s.FailedCount)
	if err != nil {
		return s, fmt.Errorf("failed to aggregate refunds: %w", err)
	}
	return s, nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dukapay/models"

	"github.com/lib/pq"
)

// InsertReconciliationLog appends one comparison outcome. The log is
// append-only; re-running a reconciliation adds a new row.
func InsertReconciliationLog(ctx context.Context, db *sql.DB, l models.ReconciliationLog) (int, error) {
	var id int
	err := db.QueryRowContext(ctx,
		"INSERT INTO reconciliation_logs (payment_id, local_amount, gateway_amount, local_status, gateway_status, classification, difference, notes, admin_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id",
		l.PaymentID, l.LocalAmount, l.GatewayAmount, l.LocalStatus, l.GatewayStatus,
		l.Classification, l.Difference, l.Notes, l.AdminID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reconciliation log: %w", err)
	}
	return id, nil
}

// PaymentsInRange returns payments initiated inside [start, end).
func PaymentsInRange(ctx context.Context, db *sql.DB, start, end time.Time) ([]models.Payment, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE initiated_at >= $1 AND initiated_at < $2 ORDER BY id",
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Method, &p.Amount, &p.CheckoutRequestID,
			&p.Phone, &p.Status, &p.MpesaReceipt, &p.ResultCode, &p.ResultDesc, &p.InitiatedAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// ListDiscrepancies returns the latest reconciliation outcome per payment,
// filtered to the requested classifications.
func ListDiscrepancies(ctx context.Context, db *sql.DB, classifications []string, limit, offset int) ([]models.ReconciliationLog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT ON (payment_id)
			id, payment_id, local_amount, gateway_amount, local_status, gateway_status,
			classification, difference, COALESCE(notes, ''), admin_id, created_at
		FROM reconciliation_logs
		WHERE classification = ANY($1)
		ORDER BY payment_id, created_at DESC
		LIMIT $2 OFFSET $3`,
		pq.Array(classifications), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()
	return scanReconciliationLogs(rows)
}

// ReconciliationLogsInRange returns all outcomes recorded inside [start, end).
func ReconciliationLogsInRange(ctx context.Context, db *sql.DB, start, end time.Time) ([]models.ReconciliationLog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, payment_id, local_amount, gateway_amount, local_status, gateway_status,
			classification, difference, COALESCE(notes, ''), admin_id, created_at
		FROM reconciliation_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation logs: %w", err)
	}
	defer rows.Close()
	return scanReconciliationLogs(rows)
}

func scanReconciliationLogs(rows *sql.Rows) ([]models.ReconciliationLog, error) {
	var logs []models.ReconciliationLog
	for rows.Next() {
		var l models.ReconciliationLog
		if err := rows.Scan(&l.ID, &l.PaymentID, &l.LocalAmount, &l.GatewayAmount, &l.LocalStatus,
			&l.GatewayStatus, &l.Classification, &l.Difference, &l.Notes, &l.AdminID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

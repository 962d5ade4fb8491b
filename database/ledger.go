package database

import (
	"context"
	"database/sql"
	"fmt"

	"dukapay/models"
)

// The ledger is the single source of truth. Status transitions use a
// conditional UPDATE and check the affected-row count, so of two concurrent
// callbacks for the same record only the first effects the transition; the
// loser observes zero rows and treats the record as already resolved.

const paymentColumns = "id, order_id, user_id, method, amount, checkout_request_id, phone, status, COALESCE(mpesa_receipt, ''), COALESCE(result_code, ''), COALESCE(result_desc, ''), initiated_at, completed_at"

func scanPayment(row *sql.Row) (models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Method, &p.Amount, &p.CheckoutRequestID,
		&p.Phone, &p.Status, &p.MpesaReceipt, &p.ResultCode, &p.ResultDesc, &p.InitiatedAt, &p.CompletedAt)
	return p, err
}

func GetPayment(ctx context.Context, db *sql.DB, paymentID int) (models.Payment, error) {
	return scanPayment(db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1", paymentID))
}

func GetPaymentByCheckoutRef(ctx context.Context, db *sql.DB, checkoutRequestID string) (models.Payment, error) {
	return scanPayment(db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE checkout_request_id = $1", checkoutRequestID))
}

func GetOrder(ctx context.Context, db *sql.DB, orderID int) (models.Order, error) {
	var o models.Order
	err := db.QueryRowContext(ctx,
		"SELECT id, user_id, total_amount, status, payment_status, created_at, updated_at FROM orders WHERE id = $1",
		orderID,
	).Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreatePayment inserts a pending payment and its initiate audit entry in one
// transaction, and marks the order's payment as pending.
func CreatePayment(ctx context.Context, db *sql.DB, p models.Payment, rawResponse string) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var paymentID int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO payments (order_id, user_id, method, amount, checkout_request_id, phone, status) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		p.OrderID, p.UserID, p.Method, p.Amount, p.CheckoutRequestID, p.Phone, models.PaymentStatusPending,
	).Scan(&paymentID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert payment: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, raw_response) VALUES ($1, $2, $3, $4)",
		paymentID, models.TxnInitiate, models.PaymentStatusPending, rawResponse,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.OrderPaymentPending, p.OrderID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return paymentID, nil
}

// CompletePayment transitions a pending payment to completed, confirms the
// order and appends the audit entry, all in one transaction. Returns false
// without error when the payment was no longer pending.
func CompletePayment(ctx context.Context, db *sql.DB, paymentID, orderID int, receipt, resultCode, resultDesc string, txnType models.TransactionType, rawResponse string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, mpesa_receipt = $2, result_code = $3, result_desc = $4, completed_at = CURRENT_TIMESTAMP WHERE id = $5 AND status = $6",
		models.PaymentStatusCompleted, receipt, resultCode, resultDesc, paymentID, models.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		models.OrderPaymentCompleted, models.OrderStatusConfirmed, orderID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, result_code, raw_response) VALUES ($1, $2, $3, $4, $5)",
		paymentID, txnType, models.PaymentStatusCompleted, resultCode, rawResponse,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// FailPayment transitions a pending payment to failed and marks the order's
// payment as failed. The order status itself is left unchanged.
func FailPayment(ctx context.Context, db *sql.DB, paymentID, orderID int, resultCode, resultDesc string, txnType models.TransactionType, rawResponse string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, result_code = $2, result_desc = $3, completed_at = CURRENT_TIMESTAMP WHERE id = $4 AND status = $5",
		models.PaymentStatusFailed, resultCode, resultDesc, paymentID, models.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.OrderPaymentFailed, orderID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, result_code, raw_response) VALUES ($1, $2, $3, $4, $5)",
		paymentID, txnType, models.PaymentStatusFailed, resultCode, rawResponse,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// AppendTransaction records a lifecycle event outside any other transaction,
// used for duplicate callbacks and read-path audit entries.
func AppendTransaction(ctx context.Context, db *sql.DB, paymentID int, txnType models.TransactionType, status, resultCode, rawResponse string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO payment_transactions (payment_id, txn_type, status, result_code, raw_response) VALUES ($1, $2, $3, $4, $5)",
		paymentID, txnType, status, resultCode, rawResponse,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

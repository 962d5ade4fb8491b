package database

import (
	"database/sql"
	"fmt"

	"dukapay/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(cfg config.Config, logger *zap.Logger) (*sql.DB, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create tables if they don't exist
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		user_id INTEGER NOT NULL,
		total_amount DECIMAL(10, 2) NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		payment_status VARCHAR(50) NOT NULL DEFAULT 'unpaid',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS payments (
		id SERIAL PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		user_id INTEGER NOT NULL,
		method VARCHAR(50) NOT NULL DEFAULT 'mpesa',
		amount DECIMAL(10, 2) NOT NULL,
		checkout_request_id VARCHAR(255) NOT NULL UNIQUE,
		phone VARCHAR(20) NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		mpesa_receipt VARCHAR(255),
		result_code VARCHAR(20),
		result_desc TEXT,
		initiated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS payment_transactions (
		id SERIAL PRIMARY KEY,
		payment_id INTEGER NOT NULL REFERENCES payments(id),
		txn_type VARCHAR(50) NOT NULL,
		status VARCHAR(50) NOT NULL,
		result_code VARCHAR(20),
		raw_response TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS payment_refunds (
		id SERIAL PRIMARY KEY,
		payment_id INTEGER NOT NULL REFERENCES payments(id),
		order_id INTEGER NOT NULL,
		requested_by INTEGER NOT NULL,
		amount DECIMAL(10, 2) NOT NULL,
		reason TEXT NOT NULL,
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		gateway_ref VARCHAR(255) UNIQUE,
		admin_id INTEGER,
		admin_notes TEXT,
		requested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		resolved_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS reconciliation_logs (
		id SERIAL PRIMARY KEY,
		payment_id INTEGER NOT NULL REFERENCES payments(id),
		local_amount DECIMAL(10, 2) NOT NULL,
		gateway_amount DECIMAL(10, 2),
		local_status VARCHAR(50) NOT NULL,
		gateway_status VARCHAR(50) NOT NULL,
		classification VARCHAR(50) NOT NULL,
		difference DECIMAL(10, 2) NOT NULL DEFAULT 0,
		notes TEXT,
		admin_id INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

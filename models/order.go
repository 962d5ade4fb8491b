package models

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

type OrderPaymentStatus string

const (
	OrderPaymentUnpaid    OrderPaymentStatus = "unpaid"
	OrderPaymentPending   OrderPaymentStatus = "pending"
	OrderPaymentCompleted OrderPaymentStatus = "completed"
	OrderPaymentFailed    OrderPaymentStatus = "failed"
)

// Order is the storefront-owned projection this service reads and updates.
// Catalog, cart and the rest of the order lifecycle live elsewhere.
type Order struct {
	ID            int                `json:"id"`
	UserID        int                `json:"user_id"`
	TotalAmount   float64            `json:"total_amount"`
	Status        OrderStatus        `json:"status"`
	PaymentStatus OrderPaymentStatus `json:"payment_status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

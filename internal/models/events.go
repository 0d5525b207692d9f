package models

import "time"

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderCompleted = "ORDER_COMPLETED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderExpired   = "ORDER_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is created and awaiting payment
type OrderCreatedEvent struct {
	BaseEvent
	OrderID          int64  `json:"order_id"`
	UserID           int64  `json:"user_id"`
	ProductID        int64  `json:"product_id"`
	PaymentAmountSat int64  `json:"payment_amount_sat"`
	BitcoinAddress   string `json:"bitcoin_address"`
	ExpiresAt        string `json:"expires_at"`
}

// OrderCompletedEvent published when a matched payment completed an order
type OrderCompletedEvent struct {
	BaseEvent
	OrderID         int64  `json:"order_id"`
	UserID          int64  `json:"user_id"`
	TransactionHash string `json:"transaction_hash"`
	AmountSat       int64  `json:"amount_sat"`
}

// OrderCancelledEvent published when the user cancelled a pending order
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}

// OrderExpiredEvent published by the sweeper for each expired order
type OrderExpiredEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}

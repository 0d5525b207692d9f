package models

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Product is a catalog row; the engine only validates orders against it
type Product struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	PriceFiat decimal.Decimal `db:"price_fiat" json:"price_fiat"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Location holds the immutable list of content links sold for a product
type Location struct {
	ID           int64          `db:"id" json:"id"`
	ProductID    int64          `db:"product_id" json:"product_id"`
	Name         string         `db:"name" json:"name"`
	ContentLinks pq.StringArray `db:"content_links" json:"content_links"`
	IsActive     bool           `db:"is_active" json:"is_active"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Order is a purchase order awaiting an on-chain payment.
// All BTC amounts are satoshis. PaymentAmountSat = PriceBTCSat + jitter;
// the jitter is what lets many orders share one receiving address.
type Order struct {
	ID               int64           `db:"id" json:"id"`
	UserID           int64           `db:"user_id" json:"user_id"`
	ProductID        int64           `db:"product_id" json:"product_id"`
	LocationID       int64           `db:"location_id" json:"location_id"`
	PriceFiat        decimal.Decimal `db:"price_fiat" json:"price_fiat"`
	PriceBTCSat      int64           `db:"price_btc_sat" json:"price_btc_sat"`
	BTCRate          decimal.Decimal `db:"btc_rate" json:"btc_rate"`
	BitcoinAddress   string          `db:"bitcoin_address" json:"bitcoin_address"`
	PaymentAmountSat int64           `db:"payment_amount_sat" json:"payment_amount_sat"`
	Status           string          `db:"status" json:"status"`
	ContentLink      sql.NullString  `db:"content_link" json:"content_link,omitempty"`
	TransactionHash  sql.NullString  `db:"transaction_hash" json:"transaction_hash,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt        time.Time       `db:"expires_at" json:"expires_at"`
	CompletedAt      sql.NullTime    `db:"completed_at" json:"completed_at,omitempty"`
}

// Order statuses. pending is the only non-terminal state; transitions are one-way.
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusExpired   = "expired"
)

// IsTerminal reports whether the order can no longer change state
func (o *Order) IsTerminal() bool {
	return o.Status != OrderStatusPending
}

// UsedTransaction marks an on-chain transaction as consumed by an order.
// Append-only: an existing row means the hash can never fulfill another order.
type UsedTransaction struct {
	ID              int64     `db:"id" json:"id"`
	TransactionHash string    `db:"transaction_hash" json:"transaction_hash"`
	OrderID         int64     `db:"order_id" json:"order_id"`
	AmountSat       int64     `db:"amount_sat" json:"amount_sat"`
	UsedAt          time.Time `db:"used_at" json:"used_at"`
}

// UsedLink marks a content link of a location as handed out. Append-only.
type UsedLink struct {
	ID         int64     `db:"id" json:"id"`
	LocationID int64     `db:"location_id" json:"location_id"`
	Link       string    `db:"link" json:"link"`
	UsedAt     time.Time `db:"used_at" json:"used_at"`
}

// Stats is an aggregate snapshot for the admin stats endpoint
type Stats struct {
	TotalOrders     int64           `json:"total_orders"`
	PendingOrders   int64           `json:"pending_orders"`
	CompletedOrders int64           `json:"completed_orders"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
}

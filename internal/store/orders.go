package store

import (
	"context"
	"database/sql"
	"fmt"

	"btc-order-service/internal/models"
)

// CreateOrder inserts a new pending order and fills in its generated fields
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, product_id, location_id, price_fiat, price_btc_sat,
		                    btc_rate, bitcoin_address, payment_amount_sat, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		order.UserID, order.ProductID, order.LocationID, order.PriceFiat, order.PriceBTCSat,
		order.BTCRate, order.BitcoinAddress, order.PaymentAmountSat, order.Status, order.ExpiresAt).
		Scan(&order.ID, &order.CreatedAt)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// HasPendingAmountCollision reports whether another pending order on the same
// address expects an amount within ±tolerance of amountSat. Used by the
// disambiguator to redraw the jitter before accepting it.
func (s *Store) HasPendingAmountCollision(ctx context.Context, address string, amountSat, toleranceSat int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM orders
			WHERE status = 'pending'
			  AND bitcoin_address = $1
			  AND payment_amount_sat BETWEEN $2 AND $3
		)`, address, amountSat-toleranceSat, amountSat+toleranceSat)
	return exists, err
}

// CompleteOrder is a conditioned update: it only applies while the order is
// still pending. Zero rows affected means another transition won the race and
// is reported as ErrAlreadyProcessed, which callers treat as benign.
func (s *Store) CompleteOrder(ctx context.Context, orderID int64, contentLink, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'completed', content_link = $2, transaction_hash = $3,
		    completed_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'pending'`,
		orderID, contentLink, txHash)
	if err != nil {
		return fmt.Errorf("failed to complete order: %w", err)
	}
	return checkTransition(res)
}

// CancelOrder transitions a pending order to cancelled
func (s *Store) CancelOrder(ctx context.Context, orderID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = 'cancelled' WHERE id = $1 AND status = 'pending'", orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return checkTransition(res)
}

// ExpireOrder transitions a pending order to expired
func (s *Store) ExpireOrder(ctx context.Context, orderID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = 'expired' WHERE id = $1 AND status = 'pending'", orderID)
	if err != nil {
		return fmt.Errorf("failed to expire order: %w", err)
	}
	return checkTransition(res)
}

// ListExpiredPending returns pending orders whose payment window has closed
func (s *Store) ListExpiredPending(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE status = 'pending' AND expires_at < NOW()")
	return orders, err
}

func checkTransition(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrAlreadyProcessed
	}
	return nil
}

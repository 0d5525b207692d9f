package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"btc-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate bootstraps the schema. The unique constraints on used_transactions
// and used_links are the final arbiter for every exactly-once guarantee.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			price_fiat DECIMAL(10,2) NOT NULL CHECK (price_fiat > 0),
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			id SERIAL PRIMARY KEY,
			product_id INTEGER REFERENCES products(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			content_links TEXT[] NOT NULL CHECK (array_length(content_links, 1) > 0),
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			product_id INTEGER REFERENCES products(id) ON DELETE CASCADE,
			location_id INTEGER REFERENCES locations(id) ON DELETE CASCADE,
			price_fiat DECIMAL(10,2) NOT NULL CHECK (price_fiat > 0),
			price_btc_sat BIGINT NOT NULL CHECK (price_btc_sat > 0),
			btc_rate DECIMAL(14,2) NOT NULL CHECK (btc_rate > 0),
			bitcoin_address VARCHAR(255) NOT NULL,
			payment_amount_sat BIGINT NOT NULL CHECK (payment_amount_sat > 0),
			status VARCHAR(50) DEFAULT 'pending'
				CHECK (status IN ('pending', 'completed', 'cancelled', 'expired')),
			content_link TEXT,
			transaction_hash VARCHAR(64),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS used_transactions (
			id SERIAL PRIMARY KEY,
			transaction_hash VARCHAR(64) NOT NULL UNIQUE,
			order_id INTEGER REFERENCES orders(id) ON DELETE CASCADE,
			amount_sat BIGINT NOT NULL CHECK (amount_sat > 0),
			used_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS used_links (
			id SERIAL PRIMARY KEY,
			location_id INTEGER REFERENCES locations(id) ON DELETE CASCADE,
			link TEXT NOT NULL,
			used_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(location_id, link)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_used_transactions_hash ON used_transactions(transaction_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetLocation retrieves a location by ID
func (s *Store) GetLocation(ctx context.Context, id int64) (*models.Location, error) {
	var location models.Location
	err := s.db.GetContext(ctx, &location, "SELECT * FROM locations WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("location not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &location, nil
}

// GetStats returns order counts and completed revenue for the admin endpoint
func (s *Store) GetStats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	err := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COALESCE(SUM(price_fiat) FILTER (WHERE status = 'completed'), 0)
		FROM orders`).
		Scan(&stats.TotalOrders, &stats.PendingOrders, &stats.CompletedOrders, &stats.TotalRevenue)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

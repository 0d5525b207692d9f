package store

import (
	"context"
	"database/sql"
	"fmt"

	"btc-order-service/internal/models"
)

// IsTransactionUsed reports whether a transaction hash was already claimed
func (s *Store) IsTransactionUsed(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM used_transactions WHERE transaction_hash = $1)", txHash)
	return exists, err
}

// ClaimTransaction atomically consumes a transaction hash for an order. The
// unique constraint on transaction_hash is the final arbiter when two orders
// race on the same payment: at most one insert lands, the loser gets
// ErrTxAlreadyClaimed.
func (s *Store) ClaimTransaction(ctx context.Context, txHash string, orderID, amountSat int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO used_transactions (transaction_hash, order_id, amount_sat)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_hash) DO NOTHING`,
		txHash, orderID, amountSat)
	if err != nil {
		return fmt.Errorf("failed to claim transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrTxAlreadyClaimed
	}
	return nil
}

// GetClaimByOrder returns the transaction this order already claimed, if any.
// Lets a re-poll resume after a claim succeeded but link allocation failed.
func (s *Store) GetClaimByOrder(ctx context.Context, orderID int64) (*models.UsedTransaction, error) {
	var claim models.UsedTransaction
	err := s.db.GetContext(ctx, &claim,
		"SELECT * FROM used_transactions WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// GetUsedLinks returns the set of links already handed out for a location
func (s *Store) GetUsedLinks(ctx context.Context, locationID int64) (map[string]struct{}, error) {
	var links []string
	err := s.db.SelectContext(ctx, &links,
		"SELECT link FROM used_links WHERE location_id = $1", locationID)
	if err != nil {
		return nil, err
	}

	used := make(map[string]struct{}, len(links))
	for _, l := range links {
		used[l] = struct{}{}
	}
	return used, nil
}

// ClaimLink atomically consumes one content link of a location. Same
// exactly-once pattern as ClaimTransaction: the (location_id, link) unique
// constraint decides who won, the loser gets ErrLinkAlreadyClaimed.
func (s *Store) ClaimLink(ctx context.Context, locationID int64, link string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO used_links (location_id, link)
		VALUES ($1, $2)
		ON CONFLICT (location_id, link) DO NOTHING`,
		locationID, link)
	if err != nil {
		return fmt.Errorf("failed to claim link: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrLinkAlreadyClaimed
	}
	return nil
}

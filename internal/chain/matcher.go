package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"btc-order-service/internal/util"

	"go.uber.org/zap"
)

const (
	// ToleranceSat is the maximum allowed difference between an observed
	// payment and an order's expected amount. Kept at 1 satoshi: uniqueness
	// comes from the jitter, and a wider window raises the false-match risk
	// between orders with near-identical amounts.
	ToleranceSat int64 = 1

	// clockSkewBuffer is subtracted from the order creation time when
	// filtering out older transactions, to absorb clock drift between us
	// and the explorer.
	clockSkewBuffer = 30 * time.Second

	// maxSaneAmountSat flags suspiciously large expected amounts (10 BTC)
	maxSaneAmountSat int64 = 10 * 100_000_000
)

// TxSource lists recent transactions for an address.
type TxSource interface {
	AddressTransactions(ctx context.Context, address string) ([]Transaction, error)
}

// UsageChecker reports whether a transaction hash was already consumed.
type UsageChecker interface {
	IsTransactionUsed(ctx context.Context, txHash string) (bool, error)
}

// Matcher looks for an on-chain transaction paying an order's exact expected
// amount to the shared receiving address.
type Matcher struct {
	source   TxSource
	used     UsageChecker
	testMode bool
	logger   *zap.Logger
	now      func() time.Time
}

func NewMatcher(source TxSource, used UsageChecker, testMode bool) *Matcher {
	return &Matcher{
		source:   source,
		used:     used,
		testMode: testMode,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// Check returns the hash of the first unclaimed transaction that pays address
// a value within ±ToleranceSat of expectedSat and is dated after the order
// was created. It returns "" when no payment matched yet; explorer failures
// also yield "" so the caller simply polls again later.
func (m *Matcher) Check(ctx context.Context, address string, expectedSat int64, orderCreatedAt time.Time) (string, error) {
	if m.testMode {
		hash := syntheticHash(address, expectedSat)
		m.logger.Info("Test mode: reporting synthetic payment match",
			zap.Int64("expected_sat", expectedSat),
			zap.String("tx_hash", hash))
		return hash, nil
	}

	if expectedSat <= 0 {
		m.logger.Error("Expected payment amount is not positive", zap.Int64("expected_sat", expectedSat))
		return "", nil
	}
	if expectedSat > maxSaneAmountSat {
		m.logger.Warn("Unusually large expected payment amount", zap.Int64("expected_sat", expectedSat))
	}

	minSat := expectedSat - ToleranceSat
	maxSat := expectedSat + ToleranceSat
	cutoff := orderCreatedAt.Add(-clockSkewBuffer).Unix()

	start := m.now()
	defer func() {
		util.PaymentCheckLatency.Observe(m.now().Sub(start).Seconds())
	}()

	txs, err := m.source.AddressTransactions(ctx, address)
	if err != nil {
		// Exhausted retries mean "no match yet", never a hard failure
		m.logger.Warn("Explorer lookup failed, treating as no match",
			zap.String("address", address),
			zap.Error(err))
		return "", nil
	}

	for _, tx := range txs {
		if tx.Hash == "" {
			continue
		}
		// A payment must have been sent after the order existed
		if tx.Time <= cutoff {
			continue
		}

		claimed, err := m.used.IsTransactionUsed(ctx, tx.Hash)
		if err != nil {
			return "", fmt.Errorf("replay guard lookup failed: %w", err)
		}
		if claimed {
			continue
		}

		for _, out := range tx.Outputs {
			if out.Address != address {
				continue
			}
			if out.ValueSat >= minSat && out.ValueSat <= maxSat {
				m.logger.Info("Payment matched",
					zap.String("tx_hash", tx.Hash),
					zap.Int64("value_sat", out.ValueSat),
					zap.Int64("expected_sat", expectedSat))
				return tx.Hash, nil
			}
		}
	}

	return "", nil
}

// syntheticHash derives a stable fake transaction hash so test-mode runs are
// deterministic yet distinct per order amount.
func syntheticHash(address string, expectedSat int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", address, expectedSat)))
	return hex.EncodeToString(sum[:])
}

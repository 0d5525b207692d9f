// Package service implements the payment reconciliation and inventory
// allocation engine: order lifecycle, payment disambiguation, blockchain
// matching and exactly-once link handout.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"btc-order-service/internal/chain"
	"btc-order-service/internal/models"
	"btc-order-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is everything the engine needs from the relational store. The
// conditioned updates and unique constraints behind it are the sole
// concurrency-control mechanism; the engine never takes application locks.
type Store interface {
	LinkStore
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	HasPendingAmountCollision(ctx context.Context, address string, amountSat, toleranceSat int64) (bool, error)
	CompleteOrder(ctx context.Context, orderID int64, contentLink, txHash string) error
	CancelOrder(ctx context.Context, orderID int64) error
	ExpireOrder(ctx context.Context, orderID int64) error
	ClaimTransaction(ctx context.Context, txHash string, orderID, amountSat int64) error
	GetClaimByOrder(ctx context.Context, orderID int64) (*models.UsedTransaction, error)
	GetStats(ctx context.Context) (*models.Stats, error)
}

// RateSource resolves the current fiat price of one BTC.
type RateSource interface {
	GetRate(ctx context.Context) decimal.Decimal
}

// PaymentMatcher looks for an on-chain payment of the expected amount.
type PaymentMatcher interface {
	Check(ctx context.Context, address string, expectedSat int64, orderCreatedAt time.Time) (string, error)
}

// EventPublisher publishes order lifecycle events.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *models.Order) error
	PublishOrderCompleted(ctx context.Context, order *models.Order, txHash string) error
	PublishOrderCancelled(ctx context.Context, order *models.Order) error
	PublishOrderExpired(ctx context.Context, order *models.Order) error
}

// CheckThrottle rate-limits explorer polling per order. Advisory only; it is
// never part of any correctness guarantee.
type CheckThrottle interface {
	TryAcquire(ctx context.Context, orderID int64) (bool, error)
}

// CheckOutcome is the result category of a payment check.
type CheckOutcome string

const (
	CheckMatched          CheckOutcome = "matched"
	CheckNotYet           CheckOutcome = "not_yet"
	CheckAlreadyProcessed CheckOutcome = "already_processed"
)

// CheckResult is what check-and-complete reports back to the caller.
type CheckResult struct {
	Outcome     CheckOutcome
	ContentLink string
}

// Config carries the engine's tunables.
type Config struct {
	BitcoinAddress string
	ExpiryWindow   time.Duration // payment window for new orders
	JitterMinSat   int64
	JitterMaxSat   int64
}

// Engine owns order lifecycle and payment reconciliation.
type Engine struct {
	store     Store
	oracle    RateSource
	matcher   PaymentMatcher
	allocator *Allocator
	publisher EventPublisher
	throttle  CheckThrottle
	cfg       Config
	logger    *zap.Logger
	jitterFn  func() int64
}

func NewEngine(
	store Store,
	oracle RateSource,
	matcher PaymentMatcher,
	allocator *Allocator,
	publisher EventPublisher,
	throttle CheckThrottle,
	cfg Config,
) *Engine {
	e := &Engine{
		store:     store,
		oracle:    oracle,
		matcher:   matcher,
		allocator: allocator,
		publisher: publisher,
		throttle:  throttle,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
	e.jitterFn = func() int64 {
		return cfg.JitterMinSat + rand.Int63n(cfg.JitterMaxSat-cfg.JitterMinSat+1)
	}
	return e
}

const satoshiPerBTC = 100_000_000

// jitterRedraws bounds how often a colliding jitter is redrawn before the
// last draw is accepted anyway. Collisions only shrink to a tolerable race,
// they are not made impossible.
const jitterRedraws = 5

// CreateOrder validates the product and location, prices the order at the
// current rate and gives it a jittered expected payment amount so it stays
// identifiable among all orders sharing the receiving address.
func (e *Engine) CreateOrder(ctx context.Context, userID, productID, locationID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Engine.CreateOrder")
	defer span.End()

	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if !product.IsActive {
		return nil, fmt.Errorf("product %d is not active", productID)
	}

	location, err := e.store.GetLocation(ctx, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load location: %w", err)
	}
	if !location.IsActive || location.ProductID != productID {
		return nil, fmt.Errorf("location %d is not available for product %d", locationID, productID)
	}

	rate := e.oracle.GetRate(ctx)
	baseSat := fiatToSatoshi(product.PriceFiat, rate)
	if baseSat <= 0 {
		return nil, fmt.Errorf("computed base amount is not positive (price=%s rate=%s)",
			product.PriceFiat, rate)
	}

	amountSat := baseSat + e.jitterFn()
	for i := 0; i < jitterRedraws; i++ {
		collides, err := e.store.HasPendingAmountCollision(ctx, e.cfg.BitcoinAddress, amountSat, 2*chain.ToleranceSat)
		if err != nil {
			return nil, fmt.Errorf("failed to check amount collision: %w", err)
		}
		if !collides {
			break
		}
		amountSat = baseSat + e.jitterFn()
	}

	now := time.Now()
	order := &models.Order{
		UserID:           userID,
		ProductID:        productID,
		LocationID:       locationID,
		PriceFiat:        product.PriceFiat,
		PriceBTCSat:      baseSat,
		BTCRate:          rate,
		BitcoinAddress:   e.cfg.BitcoinAddress,
		PaymentAmountSat: amountSat,
		Status:           models.OrderStatusPending,
		ExpiresAt:        now.Add(e.cfg.ExpiryWindow),
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	e.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("payment_amount_sat", amountSat),
		zap.Time("expires_at", order.ExpiresAt))

	if err := e.publisher.PublishOrderCreated(ctx, order); err != nil {
		e.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return order, nil
}

// CheckAndComplete polls the chain for the order's payment and, on a match,
// claims the transaction, allocates one content link and completes the order.
// Safe to call concurrently and repeatedly: every mutation is a conditioned
// write, so double completion is impossible and repeats are benign.
func (e *Engine) CheckAndComplete(ctx context.Context, orderID int64) (*CheckResult, error) {
	ctx, span := util.StartSpan(ctx, "Engine.CheckAndComplete")
	defer span.End()

	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.IsTerminal() {
		util.PaymentChecksTotal.WithLabelValues(string(CheckAlreadyProcessed)).Inc()
		return &CheckResult{
			Outcome:     CheckAlreadyProcessed,
			ContentLink: order.ContentLink.String,
		}, nil
	}

	if time.Now().After(order.ExpiresAt) {
		// Don't wait for the sweeper: expire it now. Losing this race to a
		// concurrent completion is fine, the conditioned update decides.
		if err := e.store.ExpireOrder(ctx, orderID); err == nil {
			util.OrdersExpiredTotal.Inc()
			if perr := e.publisher.PublishOrderExpired(ctx, order); perr != nil {
				e.logger.Error("Failed to publish OrderExpired event", zap.Error(perr))
			}
		} else if !errors.Is(err, models.ErrAlreadyProcessed) {
			e.logger.Error("Failed to expire overdue order", zap.Int64("order_id", orderID), zap.Error(err))
		}
		util.PaymentChecksTotal.WithLabelValues(string(CheckAlreadyProcessed)).Inc()
		return &CheckResult{Outcome: CheckAlreadyProcessed}, nil
	}

	// A claim left over from an earlier check (link allocation failed after
	// the hash was consumed) is resumed instead of re-matching: the replay
	// guard would otherwise hide our own payment from us.
	claim, err := e.store.GetClaimByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up prior claim: %w", err)
	}

	var txHash string
	if claim != nil {
		txHash = claim.TransactionHash
	} else {
		if e.throttle != nil {
			ok, err := e.throttle.TryAcquire(ctx, orderID)
			if err != nil {
				e.logger.Warn("Check throttle unavailable, proceeding", zap.Error(err))
			} else if !ok {
				util.PaymentChecksTotal.WithLabelValues(string(CheckNotYet)).Inc()
				return &CheckResult{Outcome: CheckNotYet}, nil
			}
		}

		hash, err := e.matcher.Check(ctx, order.BitcoinAddress, order.PaymentAmountSat, order.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("payment check failed: %w", err)
		}
		if hash == "" {
			util.PaymentChecksTotal.WithLabelValues(string(CheckNotYet)).Inc()
			return &CheckResult{Outcome: CheckNotYet}, nil
		}

		if err := e.store.ClaimTransaction(ctx, hash, orderID, order.PaymentAmountSat); err != nil {
			if errors.Is(err, models.ErrTxAlreadyClaimed) {
				// Another order's matcher won this hash
				util.TxClaimConflictsTotal.Inc()
				util.PaymentChecksTotal.WithLabelValues(string(CheckNotYet)).Inc()
				return &CheckResult{Outcome: CheckNotYet}, nil
			}
			return nil, err
		}
		txHash = hash
	}

	link, err := e.allocator.Allocate(ctx, order.LocationID)
	if err != nil {
		if errors.Is(err, models.ErrNoLinksAvailable) {
			// Order stays pending; the claimed hash is resumed on re-poll
			// once an admin resupplies the location
			return nil, err
		}
		return nil, fmt.Errorf("link allocation failed: %w", err)
	}

	if err := e.store.CompleteOrder(ctx, orderID, link, txHash); err != nil {
		if errors.Is(err, models.ErrAlreadyProcessed) {
			// A concurrent cancel/expire/completion won after we matched.
			// The claimed link and hash stay consumed; benign but worth a log.
			e.logger.Warn("Order left pending state during completion",
				zap.Int64("order_id", orderID),
				zap.String("tx_hash", txHash))
			util.PaymentChecksTotal.WithLabelValues(string(CheckAlreadyProcessed)).Inc()
			return &CheckResult{Outcome: CheckAlreadyProcessed}, nil
		}
		return nil, err
	}

	util.OrdersCompletedTotal.Inc()
	util.PaymentChecksTotal.WithLabelValues(string(CheckMatched)).Inc()
	e.logger.Info("Order completed",
		zap.Int64("order_id", orderID),
		zap.String("tx_hash", txHash))

	if err := e.publisher.PublishOrderCompleted(ctx, order, txHash); err != nil {
		e.logger.Error("Failed to publish OrderCompleted event", zap.Error(err))
	}

	return &CheckResult{Outcome: CheckMatched, ContentLink: link}, nil
}

// CancelOrder transitions a pending order to cancelled. Cancelling an order
// that already left pending returns models.ErrAlreadyProcessed, which callers
// treat as a no-op rather than a failure.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) error {
	order, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	if err := e.store.CancelOrder(ctx, orderID); err != nil {
		return err
	}

	util.OrdersCancelledTotal.Inc()
	e.logger.Info("Order cancelled", zap.Int64("order_id", orderID))

	if err := e.publisher.PublishOrderCancelled(ctx, order); err != nil {
		e.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}
	return nil
}

// GetOrder retrieves an order by ID
func (e *Engine) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	return e.store.GetOrderByID(ctx, orderID)
}

// GetUserOrders returns a user's order history, newest first
func (e *Engine) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return e.store.GetOrdersByUserID(ctx, userID)
}

// AllocateLink hands out one link directly, bypassing payment matching.
// Used by the manual admin-override fulfillment path.
func (e *Engine) AllocateLink(ctx context.Context, locationID int64) (string, error) {
	return e.allocator.Allocate(ctx, locationID)
}

// GetStats returns aggregate order counts for the admin endpoint
func (e *Engine) GetStats(ctx context.Context) (*models.Stats, error) {
	return e.store.GetStats(ctx)
}

// fiatToSatoshi converts a fiat price to satoshis at the given rate, rounding
// up so the shop never undercharges by a fraction of a satoshi.
func fiatToSatoshi(priceFiat, rate decimal.Decimal) int64 {
	if !rate.IsPositive() {
		return 0
	}
	return priceFiat.Div(rate).Mul(decimal.NewFromInt(satoshiPerBTC)).Ceil().IntPart()
}

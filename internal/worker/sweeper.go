// Package worker holds the background loops: the expiration sweeper and the
// notification consumer.
package worker

import (
	"context"
	"errors"
	"time"

	"btc-order-service/internal/models"
	"btc-order-service/internal/service"
	"btc-order-service/internal/util"

	"go.uber.org/zap"
)

// SweeperStore is the slice of the store the sweeper needs.
type SweeperStore interface {
	ListExpiredPending(ctx context.Context) ([]models.Order, error)
	ExpireOrder(ctx context.Context, orderID int64) error
}

// Sweeper expires stale pending orders on a fixed interval. It uses the same
// conditioned transition as the rest of the engine, so racing against an
// in-flight completion is safe: whoever writes first wins.
type Sweeper struct {
	store     SweeperStore
	publisher service.EventPublisher
	interval  time.Duration
	logger    *zap.Logger
}

func NewSweeper(store SweeperStore, publisher service.EventPublisher, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		publisher: publisher,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Run loops until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting expiration sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiration sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep expires every overdue pending order. Per-order failures are logged
// and never abort the rest of the sweep.
func (s *Sweeper) sweep(ctx context.Context) {
	orders, err := s.store.ListExpiredPending(ctx)
	if err != nil {
		s.logger.Error("Failed to list expired orders", zap.Error(err))
		return
	}
	if len(orders) == 0 {
		return
	}

	swept := 0
	for i := range orders {
		order := &orders[i]

		if err := s.store.ExpireOrder(ctx, order.ID); err != nil {
			if errors.Is(err, models.ErrAlreadyProcessed) {
				// Completed or cancelled between the list and the update
				continue
			}
			s.logger.Error("Failed to expire order",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			continue
		}

		swept++
		util.OrdersExpiredTotal.Inc()

		if err := s.publisher.PublishOrderExpired(ctx, order); err != nil {
			s.logger.Error("Failed to publish OrderExpired event",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	if swept > 0 {
		s.logger.Info("Expired stale pending orders", zap.Int("count", swept))
	}
}

// Package rates resolves the fiat price of Bitcoin from a prioritized list of
// providers, with a TTL cache and a degraded-mode fallback.
package rates

import (
	"context"
	"sync"
	"time"

	"btc-order-service/internal/retry"
	"btc-order-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Oracle caches one (rate, fetched_at) pair and refreshes it from providers
// on expiry. Concurrent cache-miss callers may each hit providers; provider
// calls are idempotent so this is only an inefficiency.
type Oracle struct {
	providers []Provider
	currency  string
	ttl       time.Duration
	fallback  decimal.Decimal
	policy    retry.Policy
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	cached *cacheEntry
}

// NewOracle creates a rate oracle. Providers are tried in order; fallback is
// served only when every provider fails and nothing was ever cached.
func NewOracle(providers []Provider, currency string, ttl time.Duration, fallback decimal.Decimal, policy retry.Policy) *Oracle {
	return &Oracle{
		providers: providers,
		currency:  currency,
		ttl:       ttl,
		fallback:  fallback,
		policy:    policy,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// GetRate returns the cached rate if fresh, otherwise refreshes it. It never
// fails: on total provider failure it degrades to the stale cache or the
// fallback constant, logging a warning either way.
func (o *Oracle) GetRate(ctx context.Context) decimal.Decimal {
	o.mu.RLock()
	cached := o.cached
	o.mu.RUnlock()

	if cached != nil && o.now().Sub(cached.fetchedAt) < o.ttl {
		return cached.rate
	}

	for _, p := range o.providers {
		var rate decimal.Decimal
		err := o.policy.Do(ctx, func(ctx context.Context) error {
			r, err := p.Fetch(ctx, o.currency)
			if err != nil {
				return err
			}
			rate = r
			return nil
		})
		if err != nil {
			o.logger.Warn("Rate provider failed",
				zap.String("provider", p.Name()),
				zap.Error(err))
			continue
		}
		if !rate.IsPositive() {
			o.logger.Warn("Rate provider returned non-positive rate",
				zap.String("provider", p.Name()),
				zap.String("rate", rate.String()))
			continue
		}

		o.mu.Lock()
		o.cached = &cacheEntry{rate: rate, fetchedAt: o.now()}
		o.mu.Unlock()

		o.logger.Info("BTC rate updated",
			zap.String("provider", p.Name()),
			zap.String("currency", o.currency),
			zap.String("rate", rate.String()))
		return rate
	}

	util.RateFetchDegradedTotal.Inc()

	if cached != nil {
		o.logger.Warn("All rate providers failed, serving stale cached rate",
			zap.String("rate", cached.rate.String()),
			zap.Time("fetched_at", cached.fetchedAt))
		return cached.rate
	}

	o.logger.Warn("All rate providers failed and no cache exists, serving fallback rate",
		zap.String("fallback", o.fallback.String()))
	return o.fallback
}

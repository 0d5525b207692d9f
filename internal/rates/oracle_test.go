package rates

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"btc-order-service/internal/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = retry.Policy{MaxAttempts: 1}

func geckoServer(rate string, status int, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"bitcoin":{"rub":%s}}`, rate)
	}))
}

func tickerServer(rate string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"RUB":{"last":%s,"symbol":"₽"}}`, rate)
	}))
}

func TestGetRateFirstProviderWins(t *testing.T) {
	gecko := geckoServer("5123456.78", http.StatusOK, nil)
	defer gecko.Close()
	ticker := tickerServer("9999999")
	defer ticker.Close()

	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: gecko.URL, Client: gecko.Client()},
		&BlockchainTickerProvider{BaseURL: ticker.URL, Client: ticker.Client()},
	}, "RUB", DefaultCacheTTL, decimal.NewFromInt(5_000_000), testPolicy)

	rate := o.GetRate(context.Background())
	assert.True(t, rate.Equal(decimal.RequireFromString("5123456.78")), "got %s", rate)
}

func TestGetRateFallsThroughToNextProvider(t *testing.T) {
	gecko := geckoServer("", http.StatusInternalServerError, nil)
	defer gecko.Close()
	ticker := tickerServer("5200000.50")
	defer ticker.Close()

	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: gecko.URL, Client: gecko.Client()},
		&BlockchainTickerProvider{BaseURL: ticker.URL, Client: ticker.Client()},
	}, "RUB", DefaultCacheTTL, decimal.NewFromInt(5_000_000), testPolicy)

	rate := o.GetRate(context.Background())
	assert.True(t, rate.Equal(decimal.RequireFromString("5200000.50")), "got %s", rate)
}

func TestGetRateSkipsNonPositiveRate(t *testing.T) {
	gecko := geckoServer("0", http.StatusOK, nil)
	defer gecko.Close()
	ticker := tickerServer("5200000")
	defer ticker.Close()

	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: gecko.URL, Client: gecko.Client()},
		&BlockchainTickerProvider{BaseURL: ticker.URL, Client: ticker.Client()},
	}, "RUB", DefaultCacheTTL, decimal.NewFromInt(5_000_000), testPolicy)

	rate := o.GetRate(context.Background())
	assert.True(t, rate.Equal(decimal.NewFromInt(5_200_000)))
}

func TestGetRateUsesCacheWithinTTL(t *testing.T) {
	var calls int32
	gecko := geckoServer("5123456.78", http.StatusOK, &calls)
	defer gecko.Close()

	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: gecko.URL, Client: gecko.Client()},
	}, "RUB", DefaultCacheTTL, decimal.NewFromInt(5_000_000), testPolicy)

	o.GetRate(context.Background())
	o.GetRate(context.Background())
	o.GetRate(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fresh cache must not hit providers")
}

func TestGetRateRefreshesAfterTTL(t *testing.T) {
	var calls int32
	gecko := geckoServer("5123456.78", http.StatusOK, &calls)
	defer gecko.Close()

	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: gecko.URL, Client: gecko.Client()},
	}, "RUB", 5*time.Minute, decimal.NewFromInt(5_000_000), testPolicy)

	now := time.Now()
	o.now = func() time.Time { return now }
	o.GetRate(context.Background())

	o.now = func() time.Time { return now.Add(6 * time.Minute) }
	o.GetRate(context.Background())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetRateServesStaleCacheWhenProvidersFail(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"bitcoin":{"rub":5123456.78}}`)
	}))
	defer srv.Close()

	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: srv.URL, Client: srv.Client()},
	}, "RUB", 5*time.Minute, decimal.NewFromInt(5_000_000), testPolicy)

	now := time.Now()
	o.now = func() time.Time { return now }
	first := o.GetRate(context.Background())
	require.True(t, first.Equal(decimal.RequireFromString("5123456.78")))

	// TTL expires, provider goes down: availability beats freshness
	healthy.Store(false)
	o.now = func() time.Time { return now.Add(10 * time.Minute) }
	stale := o.GetRate(context.Background())
	assert.True(t, stale.Equal(first))
}

func TestGetRateFallbackWhenNothingCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fallback := decimal.NewFromInt(5_000_000)
	o := NewOracle([]Provider{
		&CoinGeckoProvider{BaseURL: srv.URL, Client: srv.Client()},
		&BlockchainTickerProvider{BaseURL: srv.URL, Client: srv.Client()},
	}, "RUB", DefaultCacheTTL, fallback, testPolicy)

	rate := o.GetRate(context.Background())
	assert.True(t, rate.Equal(fallback))
}

// Package chain talks to a blockchain explorer and matches incoming payments
// to orders by their disambiguated expected amount.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"btc-order-service/internal/retry"
	"btc-order-service/internal/util"

	"go.uber.org/zap"
)

const defaultTxLimit = 50

// ExplorerClient fetches recent transactions for an address from a
// Blockchain.info-compatible API, with bounded retries and backoff.
type ExplorerClient struct {
	baseURL    string
	apiKey     string
	txLimit    int
	httpClient *http.Client
	policy     retry.Policy
	logger     *zap.Logger
}

func NewExplorerClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *ExplorerClient {
	return &ExplorerClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		txLimit:    defaultTxLimit,
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
		logger:     util.GetLogger(),
	}
}

// AddressTransactions returns the last page of transactions for the address.
// Rate limiting (429) and transient network errors are retried with backoff;
// the last error is returned once attempts are exhausted.
func (c *ExplorerClient) AddressTransactions(ctx context.Context, address string) ([]Transaction, error) {
	url := fmt.Sprintf("%s/rawaddr/%s?limit=%d", c.baseURL, address, c.txLimit)

	var result AddressResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			util.ExplorerRequestsTotal.WithLabelValues("network_error").Inc()
			return fmt.Errorf("explorer request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			util.ExplorerRequestsTotal.WithLabelValues("rate_limited").Inc()
			c.logger.Warn("Explorer rate limited, backing off", zap.String("address", address))
			return retry.ErrRateLimited
		}
		if resp.StatusCode != http.StatusOK {
			util.ExplorerRequestsTotal.WithLabelValues("bad_status").Inc()
			return fmt.Errorf("explorer returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			util.ExplorerRequestsTotal.WithLabelValues("decode_error").Inc()
			return fmt.Errorf("explorer decode failed: %w", err)
		}

		util.ExplorerRequestsTotal.WithLabelValues("ok").Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result.Transactions, nil
}

package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider fetches the current BTC price in one fiat currency.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, currency string) (decimal.Decimal, error)
}

// CoinGeckoProvider queries the CoinGecko simple-price API.
type CoinGeckoProvider struct {
	BaseURL string
	Client  *http.Client
}

func (p *CoinGeckoProvider) Name() string { return "coingecko" }

func (p *CoinGeckoProvider) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	cur := strings.ToLower(currency)
	url := fmt.Sprintf("%s/api/v3/simple/price?ids=bitcoin&vs_currencies=%s", p.BaseURL, cur)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	// {"bitcoin":{"rub":5123456.78}}
	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko decode failed: %w", err)
	}

	rate, ok := body["bitcoin"][cur]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko response missing bitcoin/%s", cur)
	}
	return rate, nil
}

// BlockchainTickerProvider queries the Blockchain.info ticker API.
type BlockchainTickerProvider struct {
	BaseURL string
	Client  *http.Client
}

func (p *BlockchainTickerProvider) Name() string { return "blockchain-ticker" }

func (p *BlockchainTickerProvider) Fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/ticker", nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("ticker returned status %d", resp.StatusCode)
	}

	// {"RUB":{"last":5123456.78,...},"USD":{...}}
	var body map[string]struct {
		Last decimal.Decimal `json:"last"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("ticker decode failed: %w", err)
	}

	entry, ok := body[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("ticker response missing currency %s", currency)
	}
	return entry.Last, nil
}

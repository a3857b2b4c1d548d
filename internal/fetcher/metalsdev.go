package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// MetalsDevOptions parameterise the free secondary feed.
type MetalsDevOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Defaults   metals.Prices
	AuxDefault decimal.Decimal
}

// MetalsDev fetches all metals in a single call from the free secondary feed.
// Missing per-metal fields are tolerated and backfilled from configured
// constants.
type MetalsDev struct {
	opts    MetalsDevOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMetalsDev constructs the secondary feed adapter.
func NewMetalsDev(opts MetalsDevOptions, logger zerolog.Logger) *MetalsDev {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.metals.dev/v1"
	}

	return &MetalsDev{
		opts:    opts,
		logger:  logger.With().Str("component", "metalsdev_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name identifies the secondary stage.
func (m *MetalsDev) Name() metals.Source { return metals.SourceSecondary }

type metalsDevResponse struct {
	Status string `json:"status"`
	Metals struct {
		Gold      *float64 `json:"gold"`
		Silver    *float64 `json:"silver"`
		Platinum  *float64 `json:"platinum"`
		Palladium *float64 `json:"palladium"`
	} `json:"metals"`
	Currencies struct {
		PAXG *float64 `json:"paxg"`
	} `json:"currencies"`
}

// Fetch retrieves the latest quotes in one round trip.
func (m *MetalsDev) Fetch(ctx context.Context) (metals.Prices, decimal.Decimal, error) {
	endpoint := m.baseURL + "/latest?currency=USD&unit=toz"
	if m.opts.APIKey != "" {
		endpoint += "&api_key=" + url.QueryEscape(m.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}

	if resp.StatusCode != http.StatusOK {
		return metals.Prices{}, decimal.Zero, parseFeedError(resp.StatusCode, payload)
	}

	var body metalsDevResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("decode response: %w", err)
	}
	if body.Status != "" && body.Status != "success" {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("feed status %q", body.Status)
	}

	prices := metals.Prices{
		Gold:      pickPrice(body.Metals.Gold, m.opts.Defaults.Gold),
		Silver:    pickPrice(body.Metals.Silver, m.opts.Defaults.Silver),
		Platinum:  pickPrice(body.Metals.Platinum, m.opts.Defaults.Platinum),
		Palladium: pickPrice(body.Metals.Palladium, m.opts.Defaults.Palladium),
	}
	if !prices.Gold.IsPositive() {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("no usable gold price in response")
	}

	aux := pickPrice(body.Currencies.PAXG, m.opts.AuxDefault)
	return prices, aux, nil
}

// pickPrice prefers a positive live value, otherwise the configured constant.
func pickPrice(live *float64, fallback decimal.Decimal) decimal.Decimal {
	if live != nil && *live > 0 {
		return decimal.NewFromFloat(*live)
	}
	return fallback
}

var _ Source = (*MetalsDev)(nil)

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

const auxSymbol = "PAXG"

// GoldAPIOptions parameterise the keyed primary feed.
type GoldAPIOptions struct {
	BaseURL      string
	APIKey       string
	RequestDelay time.Duration
	Timeout      time.Duration
	UserAgent    string
}

// GoldAPI fetches per-symbol spot prices from the primary keyed feed. One
// HTTP call per symbol, spaced by a mandatory delay to respect the feed's
// rate limit. Any symbol failing fails the whole source.
type GoldAPI struct {
	opts    GoldAPIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	sleep   func(time.Duration)
}

// NewGoldAPI constructs the primary feed adapter.
func NewGoldAPI(opts GoldAPIOptions, logger zerolog.Logger) *GoldAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.goldapi.io"
	}

	return &GoldAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "goldapi_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		sleep:   time.Sleep,
	}
}

// Name identifies the primary stage.
func (g *GoldAPI) Name() metals.Source { return metals.SourcePrimary }

// Fetch retrieves all four metals plus the PAXG auxiliary price.
func (g *GoldAPI) Fetch(ctx context.Context) (metals.Prices, decimal.Decimal, error) {
	if g.opts.APIKey == "" {
		return metals.Prices{}, decimal.Zero, errors.New("api key not configured")
	}

	var prices metals.Prices
	for i, metal := range metals.All {
		if i > 0 && g.opts.RequestDelay > 0 {
			g.sleep(g.opts.RequestDelay)
		}
		price, err := g.fetchSymbol(ctx, metal.Symbol())
		if err != nil {
			return metals.Prices{}, decimal.Zero, fmt.Errorf("%s: %w", metal, err)
		}
		prices.Set(metal, price)
	}

	if g.opts.RequestDelay > 0 {
		g.sleep(g.opts.RequestDelay)
	}
	aux, err := g.fetchSymbol(ctx, auxSymbol)
	if err != nil {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("%s: %w", auxSymbol, err)
	}

	return prices, aux, nil
}

func (g *GoldAPI) fetchSymbol(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/api/%s/USD", g.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("x-access-token", g.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "metalwatcher/1.0")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, fmt.Errorf("rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, parseFeedError(resp.StatusCode, payload)
	}

	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}

	price := decimal.NewFromFloat(body.Price)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}

	return price, nil
}

func parseFeedError(status int, payload []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("feed error (%d)", status)
}

var _ Source = (*GoldAPI)(nil)

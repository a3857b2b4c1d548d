package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// Source is one stage of the fallback chain. A source either returns a full
// set of metal prices plus the auxiliary PAXG price, or fails with a reason.
type Source interface {
	Name() metals.Source
	Fetch(ctx context.Context) (metals.Prices, decimal.Decimal, error)
}

// PriceCache receives normalized results for cross-process reuse and serves
// the stale-copy fallback. Implemented by the state store.
type PriceCache interface {
	StorePrices(ctx context.Context, prices metals.Prices, aux decimal.Decimal) error
	CachedPrices(ctx context.Context) (metals.Prices, decimal.Decimal, error)
}

// Chain orders sources into a first-success-wins fallback. Fetch never fails:
// the last source is a constant table.
type Chain struct {
	sources []Source
	cache   PriceCache
	logger  zerolog.Logger
	now     func() time.Time
}

// NewChain builds the fallback chain. Sources are tried in the given order.
func NewChain(sources []Source, cache PriceCache, logger zerolog.Logger) *Chain {
	return &Chain{
		sources: sources,
		cache:   cache,
		logger:  logger.With().Str("component", "price_fetcher").Logger(),
		now:     time.Now,
	}
}

// Fetch walks the chain and returns the first successful result, carrying the
// accumulated failure reasons of every source tried before it.
func (c *Chain) Fetch(ctx context.Context) metals.FetchResult {
	start := c.now()
	var errs []string

	for _, src := range c.sources {
		prices, aux, err := src.Fetch(ctx)
		if err != nil {
			reason := fmt.Sprintf("%s: %v", src.Name(), err)
			errs = append(errs, reason)
			c.logger.Warn().Str("source", string(src.Name())).Err(err).Msg("price source failed, falling back")
			continue
		}

		if c.cache != nil && cacheable(src.Name()) {
			if cacheErr := c.cache.StorePrices(ctx, prices, aux); cacheErr != nil {
				c.logger.Warn().Err(cacheErr).Msg("failed to write price cache")
			}
		}

		return metals.FetchResult{
			Prices:     prices,
			AuxPrice:   aux,
			Source:     src.Name(),
			DurationMs: c.now().Sub(start).Milliseconds(),
			Errors:     errs,
		}
	}

	// Unreachable when the chain ends with the hardcoded source, which
	// cannot fail. Kept as a defensive zero result.
	return metals.FetchResult{
		Source:     metals.SourceHardcoded,
		DurationMs: c.now().Sub(start).Milliseconds(),
		Errors:     errs,
	}
}

func cacheable(name metals.Source) bool {
	return name == metals.SourcePrimary || name == metals.SourceSecondary
}

// CacheSource serves the stale copy from the shared price cache. The copy is
// accepted only when its gold price is positive.
type CacheSource struct {
	cache PriceCache
}

// NewCacheSource wraps the shared cache as a chain stage.
func NewCacheSource(cache PriceCache) *CacheSource {
	return &CacheSource{cache: cache}
}

// Name identifies the stale-cache stage.
func (s *CacheSource) Name() metals.Source { return metals.SourceCache }

// Fetch reads the untimed stale copy.
func (s *CacheSource) Fetch(ctx context.Context) (metals.Prices, decimal.Decimal, error) {
	if s.cache == nil {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("cache not configured")
	}
	prices, aux, err := s.cache.CachedPrices(ctx)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}
	if !prices.Gold.IsPositive() {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("cached gold price not positive")
	}
	return prices, aux, nil
}

// HardcodedSource returns a constant price table. It never fails and
// terminates every chain.
type HardcodedSource struct {
	prices metals.Prices
	aux    decimal.Decimal
}

// NewHardcodedSource builds the terminal constant source.
func NewHardcodedSource(prices metals.Prices, aux decimal.Decimal) *HardcodedSource {
	return &HardcodedSource{prices: prices, aux: aux}
}

// Name identifies the hardcoded stage.
func (s *HardcodedSource) Name() metals.Source { return metals.SourceHardcoded }

// Fetch returns the constant table.
func (s *HardcodedSource) Fetch(context.Context) (metals.Prices, decimal.Decimal, error) {
	return s.prices, s.aux, nil
}

var (
	_ Source = (*CacheSource)(nil)
	_ Source = (*HardcodedSource)(nil)
)

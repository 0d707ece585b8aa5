// Package marketdata serves candle series and last prices to the cycle orchestrator.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/types"
)

// Source fetches raw candles, oldest first.
type Source interface {
	Fetch(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error)
}

// PriceFeed is an optional streaming last-price source.
type PriceFeed interface {
	Price(symbol string, maxAge time.Duration) (float64, bool)
}

// Provider validates series from a Source and caches them per (symbol, timeframe).
type Provider struct {
	src   Source
	feed  PriceFeed
	cache *candleCache
	now   func() time.Time
}

var _ interfaces.MarketData = (*Provider)(nil)

func NewProvider(src Source, ttl time.Duration) *Provider {
	return &Provider{src: src, cache: newCandleCache(ttl), now: time.Now}
}

// WithFeed makes LastPrice prefer fresh ticks from feed.
func (p *Provider) WithFeed(feed PriceFeed) *Provider {
	p.feed = feed
	return p
}

func (p *Provider) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, lookback int) (types.CandleSeries, error) {
	if !tf.Valid() {
		return types.CandleSeries{}, fmt.Errorf("unsupported timeframe %q", tf)
	}
	if lookback <= 0 {
		return types.CandleSeries{}, fmt.Errorf("lookback must be positive, got %d", lookback)
	}

	key := cacheKey{symbol: symbol, tf: tf}
	if cs, ok := p.cache.get(key, lookback, p.now()); ok {
		logger.Debug(ctx, "Candle cache hit", "symbol", symbol, "timeframe", tf, "count", len(cs))
		return types.CandleSeries{Symbol: symbol, Timeframe: tf, Candles: cs}, nil
	}

	start := time.Now()
	cs, err := p.src.Fetch(ctx, symbol, tf, lookback)
	metrics.ObserveCall("marketdata", "candles_"+string(tf), start, err)
	if err != nil {
		return types.CandleSeries{}, fmt.Errorf("fetch %s %s: %w", symbol, tf, err)
	}
	if err := checkOrdered(cs); err != nil {
		return types.CandleSeries{}, fmt.Errorf("%s %s: %w", symbol, tf, err)
	}
	p.cache.put(key, cs, p.now())
	return types.CandleSeries{Symbol: symbol, Timeframe: tf, Candles: cs}, nil
}

// LastPrice uses a fresh tick when a feed is attached, else the close of the latest 5m bar.
func (p *Provider) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if p.feed != nil {
		if px, ok := p.feed.Price(symbol, time.Minute); ok {
			return px, nil
		}
	}
	cs, err := p.GetCandles(ctx, symbol, types.TF5m, 1)
	if err != nil {
		return 0, err
	}
	if cs.Len() == 0 {
		return 0, &types.InsufficientDataError{Reason: "no candles for " + symbol}
	}
	return cs.Candles[cs.Len()-1].Close, nil
}

// Sweep drops expired cache entries.
func (p *Provider) Sweep() int {
	return p.cache.sweep(p.now())
}

func checkOrdered(cs []types.Candle) error {
	for i := 1; i < len(cs); i++ {
		if cs[i].Ts <= cs[i-1].Ts {
			return fmt.Errorf("timestamps not strictly increasing at bar %d", i)
		}
	}
	return nil
}

package interfaces

import (
	"context"

	"llm-trading-arena/internal/types"
)

type MarketData interface {
	// GetCandles returns at most lookback bars with strictly increasing timestamps.
	GetCandles(ctx context.Context, symbol string, tf types.Timeframe, lookback int) (types.CandleSeries, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

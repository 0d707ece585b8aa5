package risk

import (
	"errors"
	"testing"

	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeRiskAndCapitalBound(t *testing.T) {
	res, err := Size(SizeInput{Capital: 100000, RiskPct: 2, Entry: 100, Stop: 98, RiskRewardRatio: 3, Side: types.Buy})
	require.NoError(t, err)

	assert.Equal(t, 2000.0, res.RiskAmount)
	assert.Equal(t, 2.0, res.PerShareRisk)
	assert.Equal(t, 1000, res.SizeByRisk)
	assert.Equal(t, 1000, res.SizeByCapital)
	assert.Equal(t, 1000, res.Qty)
	assert.InDelta(t, 106.0, res.Target, 1e-9)
	assert.False(t, res.StopFallback)
}

func TestSizeHonoursDesiredQuantity(t *testing.T) {
	res, err := Size(SizeInput{Capital: 100000, RiskPct: 2, Entry: 100, Stop: 98, DesiredQty: 10, RiskRewardRatio: 3})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Qty)
}

func TestSizeShortTargetBelowEntry(t *testing.T) {
	res, err := Size(SizeInput{Capital: 50000, RiskPct: 1, Entry: 200, Stop: 202, RiskRewardRatio: 2, Side: types.Sell})
	require.NoError(t, err)
	assert.Equal(t, 250, res.Qty)
	assert.InDelta(t, 196.0, res.Target, 1e-9)
}

func TestSizeZeroPerShareRiskFallsBack(t *testing.T) {
	res, err := Size(SizeInput{Capital: 100000, RiskPct: 2, Entry: 100, Stop: 100, RiskRewardRatio: 3, Side: types.Sell})
	require.NoError(t, err)

	assert.True(t, res.StopFallback)
	assert.InDelta(t, 2.0, res.PerShareRisk, 1e-9)
	assert.Equal(t, 1000, res.Qty)
	assert.InDelta(t, 94.0, res.Target, 1e-9)
}

func TestSizeNeverBelowOne(t *testing.T) {
	// risk budget of 1 cannot cover the 50 point stop, still one share
	res, err := Size(SizeInput{Capital: 1000, RiskPct: 0.1, Entry: 500, Stop: 450, RiskRewardRatio: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SizeByRisk)
	assert.Equal(t, 1, res.Qty)
	assert.LessOrEqual(t, float64(res.Qty)*500, 1000.0)
}

func TestSizeRejects(t *testing.T) {
	_, err := Size(SizeInput{Capital: 1000, RiskPct: 2, Entry: 0, Stop: 0})
	var ve *types.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = Size(SizeInput{Capital: 50, RiskPct: 2, Entry: 100, Stop: 98})
	var rl *types.RiskLimitError
	assert.True(t, errors.As(err, &rl))
	assert.True(t, types.IsSoft(err))
}

func TestStopPrice(t *testing.T) {
	assert.InDelta(t, 2495.0, StopPrice(2500, types.Buy, 0.2, 0.05), 1e-9)
	assert.InDelta(t, 2505.0, StopPrice(2500, types.Sell, 0.2, 0.05), 1e-9)
	assert.InDelta(t, 101.35, RoundToTick(101.3412, 0.05), 1e-9)

	table := map[string]float64{"vwap": 0.2}
	assert.Equal(t, 0.2, StrategyStopPct(table, " VWAP ", 1))
	assert.Equal(t, 1.0, StrategyStopPct(table, "unknown", 1))
}

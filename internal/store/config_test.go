package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
mode: DRY_RUN
accounts:
  - id: claude
    capital_allocation: 100000
    symbols: [reliance, " tcs "]
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "STATIC", cfg.DataSource)
	assert.Equal(t, 300, cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, 5*time.Minute, cfg.Interval())
	assert.Equal(t, 30*time.Second, cfg.CallTimeout())
	assert.Equal(t, "09:15", cfg.MarketHours.Open)
	assert.Equal(t, "15:30", cfg.MarketHours.Close)
	assert.Equal(t, 2.0, cfg.Risk.DefaultRiskPerTradePct)
	assert.Equal(t, 10.0, cfg.Risk.MaxDailyLossPct)
	assert.Equal(t, 0.3, cfg.Signal.RetestTolerancePct)
	assert.Equal(t, 9, cfg.Indicators.EMAFast)
	assert.Equal(t, 21, cfg.Indicators.EMASlow)
	assert.True(t, *cfg.Signal.SessionReset)
	assert.Equal(t, 5, cfg.LLM.MaxIterations)
	assert.Len(t, cfg.Timeframes(), 4)

	accts := cfg.SeedAccounts()
	require.Len(t, accts, 1)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, accts[0].Symbols)
	assert.Equal(t, 2.0, accts[0].RiskPerTradePct)
	assert.Equal(t, 3, accts[0].MaxPositions)
	assert.True(t, accts[0].Active)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad mode", "mode: PAPER\naccounts: [{id: a, symbols: [X]}]"},
		{"short interval", "scheduler: {interval_seconds: 10}\naccounts: [{id: a, symbols: [X]}]"},
		{"bad timeframe", "market_data: {timeframes: [3m]}\naccounts: [{id: a, symbols: [X]}]"},
		{"no accounts", "mode: DRY_RUN"},
		{"duplicate account", "accounts: [{id: a, symbols: [X]}, {id: a, symbols: [Y]}]"},
		{"ema periods inverted", "indicators: {ema_fast: 30, ema_slow: 10}\naccounts: [{id: a, symbols: [X]}]"},
		{"bad clock", "market_hours: {open: '9am'}\naccounts: [{id: a, symbols: [X]}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(minimalConfig), 0o644))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Accounts[0].ID)
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("09:15")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+15*time.Minute, d)

	_, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "OPENROUTER", cfg.LLM.Provider)
	assert.Equal(t, types.AllTimeframes, cfg.Timeframes())
	assert.Equal(t, 0.2, cfg.Risk.StrategyStopPct["vwap"])
	require.Len(t, cfg.Accounts, 2)
	accts := cfg.SeedAccounts()
	assert.Equal(t, 1.5, accts[1].RiskPerTradePct)
	assert.Equal(t, 2.0, accts[0].RiskPerTradePct)
}

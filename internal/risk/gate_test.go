package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
)

var ist = time.FixedZone("IST", 19800)

func testGate(now time.Time) *Gate {
	g := NewGate(NewMarketHours(9*time.Hour+15*time.Minute, 15*time.Hour+30*time.Minute, ist, []string{"2026-01-26"}), 10)
	g.Now = func() time.Time { return now }
	return g
}

func TestMarketHours(t *testing.T) {
	h := NewMarketHours(9*time.Hour+15*time.Minute, 15*time.Hour+30*time.Minute, ist, []string{"2026-01-26"})

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday open", time.Date(2026, 1, 19, 9, 15, 0, 0, ist), true},
		{"monday close", time.Date(2026, 1, 19, 15, 30, 0, 0, ist), true},
		{"before open", time.Date(2026, 1, 19, 9, 14, 59, 0, ist), false},
		{"after close", time.Date(2026, 1, 19, 15, 31, 0, 0, ist), false},
		{"saturday", time.Date(2026, 1, 17, 11, 0, 0, 0, ist), false},
		{"holiday", time.Date(2026, 1, 26, 11, 0, 0, 0, ist), false},
		{"utc input", time.Date(2026, 1, 19, 5, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.IsOpen(tt.at))
		})
	}
}

func TestValidateOrder(t *testing.T) {
	ctx := context.Background()
	open := testGate(time.Date(2026, 1, 19, 10, 0, 0, 0, ist))
	acct := types.Account{ID: "a", Active: true, CapitalAllocation: 100000}

	assert.NoError(t, open.ValidateOrder(ctx, acct, "TCS", types.Buy, 10))

	var ve *types.ValidationError
	assert.True(t, errors.As(open.ValidateOrder(ctx, acct, "TCS", types.Side("HOLD"), 10), &ve))
	assert.True(t, errors.As(open.ValidateOrder(ctx, acct, "TCS", types.Buy, 0), &ve))

	var ae *types.AccountStateError
	inactive := acct
	inactive.Active = false
	assert.True(t, errors.As(open.ValidateOrder(ctx, inactive, "TCS", types.Buy, 1), &ae))
	unfunded := acct
	unfunded.CapitalAllocation = 0
	assert.True(t, errors.As(open.ValidateOrder(ctx, unfunded, "TCS", types.Buy, 1), &ae))

	closed := testGate(time.Date(2026, 1, 19, 16, 0, 0, 0, ist))
	var mc *types.MarketClosedError
	assert.True(t, errors.As(closed.ValidateOrder(ctx, acct, "TCS", types.Buy, 1), &mc))
}

func TestDailyLoss(t *testing.T) {
	ctx := context.Background()
	g := testGate(time.Date(2026, 1, 19, 10, 0, 0, 0, ist))
	acct := types.Account{ID: "a", Active: true, CapitalAllocation: 100000}

	assert.NoError(t, g.DailyLoss(ctx, acct, 5000))
	assert.NoError(t, g.DailyLoss(ctx, acct, -10000))

	err := g.DailyLoss(ctx, acct, -10000.01)
	var rl *types.RiskLimitError
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, "daily_loss", rl.Limit)
}

func TestPositionSlots(t *testing.T) {
	g := testGate(time.Now())
	acct := types.Account{ID: "a", MaxPositions: 2}
	assert.NoError(t, g.PositionSlots(context.Background(), acct, 1))
	assert.Error(t, g.PositionSlots(context.Background(), acct, 2))
}

func TestDayStart(t *testing.T) {
	g := testGate(time.Date(2026, 1, 19, 2, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 1, 19, 0, 0, 0, 0, ist), g.DayStart())
}

package risk

import (
	"context"
	"fmt"
	"time"

	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/types"
)

// Gate decides whether an order or a cycle may proceed. Every rejection is a typed
// error; only malformed input is a ValidationError.
type Gate struct {
	Hours           MarketHours
	MaxDailyLossPct float64
	Now             func() time.Time
}

func NewGate(hours MarketHours, maxDailyLossPct float64) *Gate {
	return &Gate{Hours: hours, MaxDailyLossPct: maxDailyLossPct, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// MarketOpen returns a MarketClosedError outside the trading window.
func (g *Gate) MarketOpen() error {
	if ok, why := g.Hours.check(g.now()); !ok {
		return &types.MarketClosedError{Reason: why}
	}
	return nil
}

// DayStart is local midnight of the current exchange day.
func (g *Gate) DayStart() time.Time {
	return StartOfDay(g.now().In(g.Hours.Location))
}

// ValidateOrder runs the pre-flight checks in order: parameters, market hours, account state.
func (g *Gate) ValidateOrder(ctx context.Context, acct types.Account, symbol string, side types.Side, qty int) error {
	if symbol == "" {
		return &types.ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if !side.Valid() {
		return &types.ValidationError{Field: "side", Reason: fmt.Sprintf("side must be BUY or SELL, got %q", side)}
	}
	if qty <= 0 {
		return &types.ValidationError{Field: "quantity", Reason: fmt.Sprintf("quantity must be positive, got %d", qty)}
	}
	if err := g.MarketOpen(); err != nil {
		logger.Risk(ctx, acct.ID, "ORDER_BLOCKED_MARKET_CLOSED", "symbol", symbol, "side", side, "qty", qty)
		return err
	}
	return g.AccountState(acct)
}

func (g *Gate) AccountState(acct types.Account) error {
	if !acct.Active {
		return &types.AccountStateError{AccountID: acct.ID, Reason: "account is not active"}
	}
	if acct.CapitalAllocation <= 0 {
		return &types.AccountStateError{AccountID: acct.ID, Reason: "no capital allocated to account"}
	}
	return nil
}

// DailyLoss rejects when today's realized loss exceeds capital*max_daily_loss_pct/100.
// realizedPnL is signed; only losses count.
func (g *Gate) DailyLoss(ctx context.Context, acct types.Account, realizedPnL float64) error {
	if g.MaxDailyLossPct <= 0 || realizedPnL >= 0 {
		return nil
	}
	limit := acct.CapitalAllocation * g.MaxDailyLossPct / 100
	loss := -realizedPnL
	if loss > limit {
		logger.Risk(ctx, acct.ID, "DAILY_LOSS_LIMIT_BREACHED",
			"realized_loss", loss,
			"limit", limit,
			"max_daily_loss_pct", g.MaxDailyLossPct,
		)
		return &types.RiskLimitError{Limit: "daily_loss", Reason: fmt.Sprintf("realized loss %.2f exceeds %.2f", loss, limit)}
	}
	return nil
}

// PositionSlots rejects a new position when the account already holds its maximum.
func (g *Gate) PositionSlots(ctx context.Context, acct types.Account, open int) error {
	if acct.MaxPositions <= 0 || open < acct.MaxPositions {
		return nil
	}
	logger.Risk(ctx, acct.ID, "POSITION_LIMIT_REACHED", "open_positions", open, "max_positions", acct.MaxPositions)
	return &types.RiskLimitError{Limit: "max_positions", Reason: fmt.Sprintf("maximum positions limit reached (%d)", acct.MaxPositions)}
}

// Metrics summarises an account's risk budget for prompts and status tools.
func Metrics(acct types.Account, maxDailyLossPct float64) map[string]float64 {
	return map[string]float64{
		"allocated_capital":        acct.CapitalAllocation,
		"risk_per_trade_percent":   acct.RiskPerTradePct,
		"max_positions":            float64(acct.MaxPositions),
		"daily_loss_limit_percent": maxDailyLossPct,
		"current_risk_amount":      acct.CapitalAllocation * acct.RiskPerTradePct / 100,
	}
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/risk"
	"llm-trading-arena/internal/tradelog"
	"llm-trading-arena/internal/types"

	"github.com/tidwall/gjson"
)

const defaultStrategy = "vwap"

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func opposite(s types.Side) types.Side {
	if s == types.Buy {
		return types.Sell
	}
	return types.Buy
}

func (r *Registry) lastPrice(ctx context.Context, symbol string) (float64, error) {
	pctx, cancel := r.withTimeout(ctx)
	defer cancel()
	px, err := r.deps.Market.LastPrice(pctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price for %s: %w", symbol, err)
	}
	if px <= 0 {
		return 0, fmt.Errorf("price for %s: non-positive quote %.2f", symbol, px)
	}
	return px, nil
}

// orderHandler opens a position on side, or closes an open opposite position
// in the same symbol.
func (r *Registry) orderHandler(side types.Side) handler {
	return func(ctx context.Context, call types.ToolCall, args gjson.Result) (string, error) {
		symbol := strings.ToUpper(strings.TrimSpace(args.Get("symbol").String()))
		qty := int(args.Get("quantity").Int())
		strategy := strings.ToLower(strings.TrimSpace(args.Get("strategy").String()))
		if strategy == "" {
			strategy = defaultStrategy
		}

		if !slices.Contains(r.account.Symbols, symbol) {
			return "", &types.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s is not traded by this account", symbol)}
		}
		if err := r.deps.Gate.ValidateOrder(ctx, r.account, symbol, side, qty); err != nil {
			return "", err
		}

		open, err := r.deps.Store.OpenPositions(context.WithoutCancel(ctx), r.account.ID)
		if err != nil {
			return "", fmt.Errorf("load open positions: %w", err)
		}
		for _, p := range open {
			if p.Symbol == symbol && p.Side == opposite(side) {
				return r.exitPosition(ctx, call, p)
			}
		}
		if err := r.deps.Gate.PositionSlots(ctx, r.account, len(open)); err != nil {
			return "", err
		}

		entry, err := r.lastPrice(ctx, symbol)
		if err != nil {
			return "", err
		}
		rp := r.deps.Risk
		stopPct := risk.StrategyStopPct(rp.StrategyStopPct, strategy, rp.DefaultStopPct)
		stop := risk.StopPrice(entry, side, stopPct, rp.MinTick)
		sized, err := risk.Size(risk.SizeInput{
			Capital:         r.account.CapitalAllocation,
			RiskPct:         r.account.RiskPerTradePct,
			Entry:           entry,
			Stop:            stop,
			DesiredQty:      qty,
			RiskRewardRatio: rp.RiskRewardRatio,
			Side:            side,
		})
		if err != nil {
			logger.Risk(ctx, r.account.ID, "ORDER_SIZING_REJECTED", "symbol", symbol, "entry", entry, "error", err)
			return "", err
		}

		resp, err := r.placeOrder(ctx, types.OrderReq{
			Symbol: symbol,
			Side:   side,
			Qty:    sized.Qty,
			Type:   types.Market,
			Tag:    orderTag(r.invocationID, call.ID, 0),
		})
		if err != nil {
			return "", err
		}
		fill := entry
		if resp.Price > 0 {
			fill = resp.Price
		}

		pos := &types.Position{
			AccountID:    r.account.ID,
			InvocationID: r.invocationID,
			Symbol:       symbol,
			Side:         side,
			Qty:          sized.Qty,
			EntryPrice:   fill,
			StopPrice:    stop,
			TargetPrice:  risk.RoundToTick(sized.Target, rp.MinTick),
			Strategy:     strategy,
			OrderID:      resp.OrderID,
		}
		if err := r.deps.Store.CreatePosition(context.WithoutCancel(ctx), pos); err != nil {
			logger.ErrorWithErr(ctx, "Order placed but position not recorded", err, "order_id", resp.OrderID, "symbol", symbol)
			return "", fmt.Errorf("order %s placed but position not recorded: %w", resp.OrderID, err)
		}
		r.journal(ctx, pos, fill, resp.OrderID)

		return marshalResult(map[string]any{
			"status":        "success",
			"action":        strings.ToLower(string(side)),
			"order_id":      resp.OrderID,
			"order_status":  resp.Status,
			"symbol":        symbol,
			"quantity":      sized.Qty,
			"requested_qty": qty,
			"price":         fill,
			"stop":          stop,
			"target":        pos.TargetPrice,
			"risk_amount":   sized.RiskAmount,
			"strategy":      strategy,
		})
	}
}

func (r *Registry) exitPosition(ctx context.Context, call types.ToolCall, p types.Position) (string, error) {
	side := opposite(p.Side)
	resp, err := r.placeOrder(ctx, types.OrderReq{
		Symbol: p.Symbol,
		Side:   side,
		Qty:    p.Qty,
		Type:   types.Market,
		Tag:    orderTag(r.invocationID, call.ID, 0),
	})
	if err != nil {
		return "", err
	}
	exit := resp.Price
	if exit <= 0 {
		if exit, err = r.lastPrice(ctx, p.Symbol); err != nil {
			exit = p.EntryPrice
		}
	}
	closed, err := r.deps.Store.ClosePosition(context.WithoutCancel(ctx), p.ID, exit, time.Now())
	if err != nil {
		return "", fmt.Errorf("order %s placed but position not closed: %w", resp.OrderID, err)
	}
	exitPos := closed
	exitPos.Side = side
	r.journal(ctx, &exitPos, exit, resp.OrderID)

	return marshalResult(map[string]any{
		"status":       "closed",
		"action":       strings.ToLower(string(side)),
		"order_id":     resp.OrderID,
		"symbol":       p.Symbol,
		"quantity":     p.Qty,
		"entry_price":  p.EntryPrice,
		"exit_price":   exit,
		"realized_pnl": closed.RealizedPnL,
	})
}

func (r *Registry) closeAll(ctx context.Context, call types.ToolCall, _ gjson.Result) (string, error) {
	if err := r.deps.Gate.MarketOpen(); err != nil {
		return "", err
	}
	if err := r.deps.Gate.AccountState(r.account); err != nil {
		return "", err
	}

	cctx, cancel := r.withTimeout(ctx)
	cancelled, err := r.deps.Broker.CancelAll(cctx, r.account)
	cancel()
	if err != nil {
		return "", fmt.Errorf("cancel orders: %w", err)
	}

	pctx, cancel := r.withTimeout(ctx)
	held, err := r.deps.Broker.GetPositions(pctx, r.account)
	cancel()
	if err != nil {
		return "", fmt.Errorf("load broker positions: %w", err)
	}

	lastPx := make(map[string]float64, len(held))
	stillHeld := map[string]bool{}
	var squared []map[string]any
	var errs []error
	for i, bp := range held {
		if bp.Qty == 0 {
			continue
		}
		side := types.Sell
		if bp.Qty < 0 {
			side = types.Buy
		}
		qty := int(math.Abs(float64(bp.Qty)))
		resp, err := r.placeOrder(ctx, types.OrderReq{
			Symbol: bp.Symbol,
			Side:   side,
			Qty:    qty,
			Type:   types.Market,
			Tag:    orderTag(r.invocationID, call.ID, i+1),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bp.Symbol, err))
			stillHeld[bp.Symbol] = true
			continue
		}
		px := bp.LastPrice
		if resp.Price > 0 {
			px = resp.Price
		}
		lastPx[bp.Symbol] = px
		squared = append(squared, map[string]any{"symbol": bp.Symbol, "side": side, "quantity": qty, "order_id": resp.OrderID})
		metrics.Trades.WithLabelValues(r.account.ID, string(side)).Inc()
		logger.Trade(ctx, r.account.ID, bp.Symbol, string(side), qty, px, resp.OrderID, "reason", "close_all")
	}

	open, err := r.deps.Store.OpenPositions(context.WithoutCancel(ctx), r.account.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("load open positions: %w", err))
	}
	closedCount := 0
	var realized float64
	for _, p := range open {
		if stillHeld[p.Symbol] {
			continue
		}
		px, ok := lastPx[p.Symbol]
		if !ok {
			// the broker no longer holds it (stopped out or squared off elsewhere)
			if px, err = r.lastPrice(ctx, p.Symbol); err != nil {
				px = p.EntryPrice
			}
		}
		closed, err := r.deps.Store.ClosePosition(context.WithoutCancel(ctx), p.ID, px, time.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("close position %s: %w", p.ID, err))
			continue
		}
		closedCount++
		realized += closed.RealizedPnL
	}

	result, merr := marshalResult(map[string]any{
		"status":           "success",
		"cancelled_orders": cancelled,
		"squared_off":      squared,
		"closed_positions": closedCount,
		"realized_pnl":     realized,
	})
	if err := errors.Join(errs...); err != nil {
		return "", fmt.Errorf("close_all incomplete (%s): %w", result, err)
	}
	return result, merr
}

func (r *Registry) getStatus(ctx context.Context, _ types.ToolCall, _ gjson.Result) (string, error) {
	pctx, cancel := r.withTimeout(ctx)
	pf, err := r.deps.Broker.GetPortfolio(pctx, r.account)
	cancel()
	if err != nil {
		return "", fmt.Errorf("portfolio: %w", err)
	}

	pctx, cancel = r.withTimeout(ctx)
	held, err := r.deps.Broker.GetPositions(pctx, r.account)
	cancel()
	if err != nil {
		return "", fmt.Errorf("positions: %w", err)
	}

	open, err := r.deps.Store.OpenPositions(context.WithoutCancel(ctx), r.account.ID)
	if err != nil {
		return "", fmt.Errorf("open positions: %w", err)
	}
	tracked := make([]map[string]any, 0, len(open))
	for _, p := range open {
		tracked = append(tracked, map[string]any{
			"symbol":   p.Symbol,
			"side":     p.Side,
			"quantity": p.Qty,
			"entry":    p.EntryPrice,
			"stop":     p.StopPrice,
			"target":   p.TargetPrice,
			"strategy": p.Strategy,
		})
	}

	return marshalResult(map[string]any{
		"account_id":       r.account.ID,
		"invocation_count": r.account.InvocationCount,
		"market_open":      r.deps.Gate.MarketOpen() == nil,
		"cash":             pf.Cash,
		"invested":         pf.Invested,
		"day_pnl":          pf.DayPnL,
		"broker_positions": held,
		"open_positions":   tracked,
		"risk":             risk.Metrics(r.account, r.deps.Gate.MaxDailyLossPct),
	})
}

// journal records an accepted order in the trade log and metrics.
func (r *Registry) journal(ctx context.Context, p *types.Position, price float64, orderID string) {
	metrics.Trades.WithLabelValues(r.account.ID, string(p.Side)).Inc()
	logger.Trade(ctx, r.account.ID, p.Symbol, string(p.Side), p.Qty, price, orderID,
		"invocation_id", r.invocationID,
		"strategy", p.Strategy,
		"stop", p.StopPrice,
		"target", p.TargetPrice,
	)
	if err := tradelog.Append(tradelog.Entry{
		AccountID:    r.account.ID,
		InvocationID: r.invocationID,
		Symbol:       p.Symbol,
		Side:         string(p.Side),
		Qty:          p.Qty,
		Price:        price,
		Stop:         p.StopPrice,
		Target:       p.TargetPrice,
		Strategy:     p.Strategy,
		OrderID:      orderID,
	}); err != nil {
		logger.ErrorWithErr(ctx, "Failed to append trade log", err, "order_id", orderID)
	}
}

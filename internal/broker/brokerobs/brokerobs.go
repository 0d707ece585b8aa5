package brokerobs

import (
	"context"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/trace"
	"llm-trading-arena/internal/types"
)

// observableBroker wraps a Broker with logging, tracing and call metrics.
type observableBroker struct {
	broker  interfaces.Broker
	service string
}

var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap decorates broker; service names it in metrics (e.g. "kite", "paper").
func Wrap(broker interfaces.Broker, service string) interfaces.Broker {
	return &observableBroker{broker: broker, service: service}
}

func (ob *observableBroker) GetPortfolio(ctx context.Context, acct types.Account) (types.Portfolio, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetPortfolio")
	defer span.End()
	start := time.Now()

	pf, err := ob.broker.GetPortfolio(ctx, acct)
	metrics.ObserveCall(ob.service, "portfolio", start, err)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch portfolio", err, "account_id", acct.ID)
		return types.Portfolio{}, err
	}

	logger.DebugSkip(ctx, 1, "Portfolio fetched",
		"account_id", acct.ID,
		"cash", pf.Cash,
		"invested", pf.Invested,
		"day_pnl", pf.DayPnL,
	)
	return pf, nil
}

func (ob *observableBroker) GetPositions(ctx context.Context, acct types.Account) ([]types.BrokerPosition, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetPositions")
	defer span.End()
	start := time.Now()

	ps, err := ob.broker.GetPositions(ctx, acct)
	metrics.ObserveCall(ob.service, "positions", start, err)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch positions", err, "account_id", acct.ID)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Positions fetched", "account_id", acct.ID, "count", len(ps))
	return ps, nil
}

func (ob *observableBroker) PlaceOrder(ctx context.Context, acct types.Account, req types.OrderReq) (types.OrderResp, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PlaceOrder")
	defer span.End()
	start := time.Now()

	logger.InfoSkip(ctx, 1, "Placing order",
		"account_id", acct.ID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Qty,
		"type", req.Type,
		"tag", req.Tag,
	)

	resp, err := ob.broker.PlaceOrder(ctx, acct, req)
	metrics.ObserveCall(ob.service, "place_order", start, err)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"account_id", acct.ID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Qty,
		)
		return resp, err
	}

	logger.InfoSkip(ctx, 1, "Order placed successfully",
		"account_id", acct.ID,
		"symbol", req.Symbol,
		"order_id", resp.OrderID,
		"status", resp.Status,
	)
	return resp, nil
}

func (ob *observableBroker) CancelAll(ctx context.Context, acct types.Account) (int, error) {
	ctx, span := trace.StartSpan(ctx, "broker.CancelAll")
	defer span.End()
	start := time.Now()

	n, err := ob.broker.CancelAll(ctx, acct)
	metrics.ObserveCall(ob.service, "cancel_all", start, err)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel orders", err, "account_id", acct.ID, "cancelled", n)
		return n, err
	}

	logger.InfoSkip(ctx, 1, "Orders cancelled", "account_id", acct.ID, "count", n)
	return n, nil
}

func (ob *observableBroker) FindOrderByTag(ctx context.Context, acct types.Account, tag string) (*types.OrderResp, error) {
	ctx, span := trace.StartSpan(ctx, "broker.FindOrderByTag")
	defer span.End()
	start := time.Now()

	resp, err := ob.broker.FindOrderByTag(ctx, acct, tag)
	metrics.ObserveCall(ob.service, "find_order", start, err)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to look up order", err, "account_id", acct.ID, "tag", tag)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Order lookup", "account_id", acct.ID, "tag", tag, "found", resp != nil)
	return resp, nil
}

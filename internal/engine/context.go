package engine

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"

	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/risk"
	"llm-trading-arena/internal/ta"
	"llm-trading-arena/internal/types"

	"golang.org/x/sync/errgroup"
)

const recentCloses = 10

// TimeframeView is the analysed state of one (symbol, timeframe) series.
type TimeframeView struct {
	Timeframe  types.Timeframe `json:"timeframe"`
	Bars       int             `json:"bars"`
	Signal     *types.Signal   `json:"signal,omitempty"`
	RSI        *float64        `json:"rsi,omitempty"`
	SMA        *float64        `json:"sma,omitempty"`
	EMAFast    *float64        `json:"ema_fast,omitempty"`
	EMASlow    *float64        `json:"ema_slow,omitempty"`
	EMACross   ta.Cross        `json:"ema_cross,omitempty"`
	ATR        *float64        `json:"atr,omitempty"`
	LastCloses []float64       `json:"last_closes,omitempty"`
	Err        string          `json:"error,omitempty"`
}

type SymbolView struct {
	Symbol     string          `json:"symbol"`
	Price      float64         `json:"price"`
	Timeframes []TimeframeView `json:"timeframes"`
}

// PositionView is an open position marked to the latest price.
type PositionView struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Qty        int        `json:"quantity"`
	Entry      float64    `json:"entry_price"`
	Stop       float64    `json:"stop_price"`
	Target     float64    `json:"target_price"`
	Strategy   string     `json:"strategy"`
	LastPrice  float64    `json:"last_price"`
	Unrealized float64    `json:"unrealized_pnl"`
	StopHit    bool       `json:"stop_hit,omitempty"`
	TargetHit  bool       `json:"target_hit,omitempty"`
}

type PortfolioView struct {
	Portfolio        types.Portfolio        `json:"portfolio"`
	BrokerPositions  []types.BrokerPosition `json:"broker_positions"`
	Open             []PositionView         `json:"open_positions"`
	RealizedToday    float64                `json:"realized_today"`
	InvocationNumber int                    `json:"invocation_number"`
	Risk             map[string]float64     `json:"risk"`
}

func optional(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// marketContext fetches and analyses every tracked symbol on every configured
// timeframe. Per-series failures are kept in the view; the cycle fails only
// when no series could be fetched at all.
func (e *Engine) marketContext(ctx context.Context, acct types.Account) ([]SymbolView, error) {
	symbols := slices.Clone(acct.Symbols)
	slices.Sort(symbols)
	symbols = slices.Compact(symbols)

	views := make([]SymbolView, len(symbols))
	var (
		mu      sync.Mutex
		fetched int
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.p.FetchWorkers)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			v := SymbolView{Symbol: sym, Timeframes: make([]TimeframeView, 0, len(e.p.Timeframes))}
			for _, tf := range e.p.Timeframes {
				tv, series, err := e.analyse(gctx, sym, tf)
				mu.Lock()
				if err != nil {
					lastErr = err
				} else {
					fetched++
				}
				mu.Unlock()
				if err != nil {
					logger.Warn(ctx, "Market data unavailable", "account_id", acct.ID, "symbol", sym, "timeframe", tf, "error", err)
				}
				if v.Price == 0 && series.Len() > 0 {
					v.Price = series.Candles[series.Len()-1].Close
				}
				v.Timeframes = append(v.Timeframes, tv)
			}
			views[i] = v
			return nil
		})
	}
	_ = g.Wait()

	if fetched == 0 && lastErr != nil {
		return nil, &types.ExternalServiceError{Service: "marketdata", Op: "candles", Err: lastErr}
	}
	return views, nil
}

// analyse fetches one series and derives its signal and indicators. A series
// that was fetched but cannot be classified is not an error for the caller.
func (e *Engine) analyse(ctx context.Context, symbol string, tf types.Timeframe) (TimeframeView, types.CandleSeries, error) {
	tv := TimeframeView{Timeframe: tf}

	fctx, cancel := e.callCtx(ctx)
	defer cancel()
	series, err := e.market.GetCandles(fctx, symbol, tf, e.p.Lookback)
	if err != nil {
		tv.Err = err.Error()
		return tv, types.CandleSeries{}, err
	}
	tv.Bars = series.Len()

	closes := series.Closes()
	snap := ta.Compute(series.Candles, e.p.Indicators)
	tv.RSI = optional(snap.RSI)
	tv.SMA = optional(snap.SMA)
	tv.EMAFast = optional(snap.EMAFast)
	tv.EMASlow = optional(snap.EMASlow)
	tv.EMACross = snap.Cross
	tv.ATR = optional(snap.ATR)
	tv.LastCloses = closes[max(0, len(closes)-recentCloses):]

	an, err := e.detector.Analyze(series)
	if err != nil {
		tv.Err = err.Error()
		return tv, series, nil
	}
	sig := an.Signal
	tv.Signal = &sig
	return tv, series, nil
}

// portfolioContext reads the broker account and reconciles stored positions
// against it.
func (e *Engine) portfolioContext(ctx context.Context, acct types.Account, realized float64) (PortfolioView, error) {
	view := PortfolioView{
		RealizedToday:    realized,
		InvocationNumber: acct.InvocationCount + 1,
		Risk:             risk.Metrics(acct, e.p.MaxDailyLossPct),
	}

	pctx, cancel := e.callCtx(ctx)
	pf, err := e.broker.GetPortfolio(pctx, acct)
	cancel()
	if err != nil {
		return view, externalErr("broker", "portfolio", err)
	}
	hctx, cancel := e.callCtx(ctx)
	held, err := e.broker.GetPositions(hctx, acct)
	cancel()
	if err != nil {
		return view, externalErr("broker", "positions", err)
	}
	view.Portfolio = pf
	view.BrokerPositions = held

	open, err := e.store.OpenPositions(context.WithoutCancel(ctx), acct.ID)
	if err != nil {
		return view, err
	}
	open = e.reconcile(ctx, acct, open, held)

	for _, p := range open {
		view.Open = append(view.Open, markPosition(p, brokerPrice(held, p.Symbol)))
	}
	return view, nil
}

// callCtx gives one external call its own timeout. Cancelling ctx does not
// abort a call already in flight.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.p.CallTimeout)
}

func externalErr(service, op string, err error) error {
	var ext *types.ExternalServiceError
	if errors.As(err, &ext) {
		return err
	}
	return &types.ExternalServiceError{Service: service, Op: op, Err: err}
}

// reconcile closes stored positions the broker no longer holds in the
// recorded direction, at the broker's last reported price. It returns the
// positions still open.
func (e *Engine) reconcile(ctx context.Context, acct types.Account, open []types.Position, held []types.BrokerPosition) []types.Position {
	kept := open[:0:0]
	for _, p := range open {
		qty, px := 0, 0.0
		for _, h := range held {
			if h.Symbol == p.Symbol {
				qty, px = h.Qty, h.LastPrice
			}
		}
		if (p.Side == types.Buy && qty > 0) || (p.Side == types.Sell && qty < 0) {
			kept = append(kept, p)
			continue
		}
		if px <= 0 {
			px = p.EntryPrice
		}
		closed, err := e.store.ClosePosition(context.WithoutCancel(ctx), p.ID, px, e.now())
		if err != nil {
			logger.Warn(ctx, "Failed to reconcile position", "account_id", acct.ID, "position_id", p.ID, "error", err)
			kept = append(kept, p)
			continue
		}
		logger.Info(ctx, "Position closed by broker-reported exit",
			"account_id", acct.ID,
			"symbol", p.Symbol,
			"side", p.Side,
			"exit_price", px,
			"realized_pnl", closed.RealizedPnL,
		)
	}
	return kept
}

func brokerPrice(held []types.BrokerPosition, symbol string) float64 {
	for _, h := range held {
		if h.Symbol == symbol {
			return h.LastPrice
		}
	}
	return 0
}

// markPosition values p at last and flags crossed stop or target levels.
func markPosition(p types.Position, last float64) PositionView {
	v := PositionView{
		ID:        p.ID,
		Symbol:    p.Symbol,
		Side:      p.Side,
		Qty:       p.Qty,
		Entry:     p.EntryPrice,
		Stop:      p.StopPrice,
		Target:    p.TargetPrice,
		Strategy:  p.Strategy,
		LastPrice: last,
	}
	if last <= 0 {
		return v
	}
	dir := 1.0
	if p.Side == types.Sell {
		dir = -1
	}
	v.Unrealized = (last - p.EntryPrice) * float64(p.Qty) * dir
	if p.StopPrice > 0 {
		v.StopHit = (last-p.StopPrice)*dir <= 0
	}
	if p.TargetPrice > 0 {
		v.TargetHit = (last-p.TargetPrice)*dir >= 0
	}
	return v
}

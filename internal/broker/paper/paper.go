// Package paper is the DRY_RUN Broker gateway: orders fill against last price
// in an in-memory account seeded from the account's capital allocation.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/types"

	"github.com/google/uuid"
)

type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

type holding struct {
	qty int // signed, negative is short
	avg float64
}

type order struct {
	resp types.OrderResp
	tag  string
	req  types.OrderReq
}

type book struct {
	cash     float64
	realized float64
	holdings map[string]*holding
	orders   []*order
}

type Gateway struct {
	prices PriceSource

	mu    sync.Mutex
	books map[string]*book
}

var _ interfaces.Broker = (*Gateway)(nil)

func New(prices PriceSource) *Gateway {
	return &Gateway{prices: prices, books: make(map[string]*book)}
}

func (g *Gateway) book(acct types.Account) *book {
	b, ok := g.books[acct.ID]
	if !ok {
		b = &book{cash: acct.CapitalAllocation, holdings: make(map[string]*holding)}
		g.books[acct.ID] = b
	}
	return b
}

func (g *Gateway) GetPortfolio(ctx context.Context, acct types.Account) (types.Portfolio, error) {
	positions, err := g.GetPositions(ctx, acct)
	if err != nil {
		return types.Portfolio{}, err
	}

	g.mu.Lock()
	b := g.book(acct)
	pf := types.Portfolio{Cash: b.cash, DayPnL: b.realized}
	g.mu.Unlock()

	for _, p := range positions {
		pf.Invested += math.Abs(float64(p.Qty)) * p.AvgPrice
		pf.DayPnL += p.PnL
	}
	return pf, nil
}

func (g *Gateway) GetPositions(ctx context.Context, acct types.Account) ([]types.BrokerPosition, error) {
	g.mu.Lock()
	b := g.book(acct)
	snapshot := make(map[string]holding, len(b.holdings))
	for s, h := range b.holdings {
		snapshot[s] = *h
	}
	g.mu.Unlock()

	out := make([]types.BrokerPosition, 0, len(snapshot))
	for s, h := range snapshot {
		last, err := g.prices.LastPrice(ctx, s)
		if err != nil {
			last = h.avg
		}
		out = append(out, types.BrokerPosition{
			Symbol:    s,
			Qty:       h.qty,
			AvgPrice:  h.avg,
			LastPrice: last,
			PnL:       (last - h.avg) * float64(h.qty),
		})
	}
	return out, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, acct types.Account, req types.OrderReq) (types.OrderResp, error) {
	last, err := g.prices.LastPrice(ctx, req.Symbol)
	if err != nil {
		return types.OrderResp{}, &types.ExternalServiceError{Service: "paper", Op: "price", Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.book(acct)

	o := &order{tag: req.Tag, req: req, resp: types.OrderResp{OrderID: "SIM-" + uuid.NewString()[:8]}}
	if req.Type == types.Limit && req.Price != nil && !marketable(req.Side, *req.Price, last) {
		o.resp.Status = "OPEN"
		o.resp.Message = "dry-run limit resting"
		o.resp.Price = *req.Price
		b.orders = append(b.orders, o)
		return o.resp, nil
	}

	if req.Side == types.Buy && b.covering(req.Symbol, req.Qty) < req.Qty {
		if cost := float64(req.Qty) * last; cost > b.cash {
			o.resp.Status = "REJECTED"
			o.resp.Message = "insufficient funds"
			b.orders = append(b.orders, o)
			return o.resp, fmt.Errorf("order rejected: need %.2f, cash %.2f", cost, b.cash)
		}
	}

	b.fill(req.Symbol, req.Side, req.Qty, last)
	o.resp.Status = "SIMULATED"
	o.resp.Message = "dry-run"
	o.resp.Price = last
	b.orders = append(b.orders, o)
	return o.resp, nil
}

func (g *Gateway) CancelAll(ctx context.Context, acct types.Account) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, o := range g.book(acct).orders {
		if o.resp.Status == "OPEN" {
			o.resp.Status = "CANCELLED"
			n++
		}
	}
	return n, nil
}

func (g *Gateway) FindOrderByTag(ctx context.Context, acct types.Account, tag string) (*types.OrderResp, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	orders := g.book(acct).orders
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].tag == tag && tag != "" {
			r := orders[i].resp
			return &r, nil
		}
	}
	return nil, nil
}

func marketable(side types.Side, limit, last float64) bool {
	if side == types.Buy {
		return limit >= last
	}
	return limit <= last
}

// covering returns how much of a buy only closes an existing short.
func (b *book) covering(symbol string, qty int) int {
	h, ok := b.holdings[symbol]
	if !ok || h.qty >= 0 {
		return 0
	}
	return min(qty, -h.qty)
}

func (b *book) fill(symbol string, side types.Side, qty int, price float64) {
	signed := qty
	if side == types.Sell {
		signed = -qty
	}
	b.cash -= float64(signed) * price

	h, ok := b.holdings[symbol]
	if !ok {
		b.holdings[symbol] = &holding{qty: signed, avg: price}
		return
	}

	switch {
	case h.qty == 0 || (h.qty > 0) == (signed > 0):
		total := abs(h.qty) + qty
		h.avg = (float64(abs(h.qty))*h.avg + float64(qty)*price) / float64(total)
		h.qty += signed
	default:
		closing := min(abs(h.qty), qty)
		dir := 1.0
		if h.qty < 0 {
			dir = -1
		}
		b.realized += float64(closing) * (price - h.avg) * dir
		h.qty += signed
		if h.qty != 0 && (h.qty > 0) != (dir > 0) {
			h.avg = price
		}
	}
	if h.qty == 0 {
		delete(b.holdings, symbol)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

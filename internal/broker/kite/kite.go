// Package kite is the live Broker gateway on Zerodha Kite Connect.
package kite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"
)

const (
	varietyRegular = "regular"
	productMIS     = "MIS"
	validityDay    = "DAY"

	// Kite allows 10 order requests per second per user.
	ordersPerSecond = 10
	maxTagLen       = 20
)

type Params struct {
	Exchange string
	// Env var names used when an account does not name its own.
	APIKeyEnv      string
	AccessTokenEnv string
	Timeout        time.Duration
	// BaseURI overrides the Kite API root.
	BaseURI string
}

// Gateway keeps one Kite client per account.
type Gateway struct {
	p       Params
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]*kiteconnect.Client
}

var _ interfaces.Broker = (*Gateway)(nil)

func New(p Params) *Gateway {
	if p.Exchange == "" {
		p.Exchange = "NSE"
	}
	return &Gateway{
		p:       p,
		limiter: rate.NewLimiter(rate.Limit(ordersPerSecond), 1),
		clients: make(map[string]*kiteconnect.Client),
	}
}

func (g *Gateway) client(acct types.Account) (*kiteconnect.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if kc, ok := g.clients[acct.ID]; ok {
		return kc, nil
	}
	keyEnv, tokenEnv := acct.BrokerAPIKeyEnv, acct.BrokerAccessKeyEnv
	if keyEnv == "" {
		keyEnv = g.p.APIKeyEnv
	}
	if tokenEnv == "" {
		tokenEnv = g.p.AccessTokenEnv
	}
	apiKey, token := os.Getenv(keyEnv), os.Getenv(tokenEnv)
	if apiKey == "" || token == "" {
		return nil, &types.AccountStateError{AccountID: acct.ID, Reason: fmt.Sprintf("missing broker credentials (%s/%s)", keyEnv, tokenEnv)}
	}

	kc := kiteconnect.New(apiKey)
	kc.SetAccessToken(token)
	if g.p.Timeout > 0 {
		kc.SetHTTPClient(&http.Client{Timeout: g.p.Timeout})
	}
	if g.p.BaseURI != "" {
		kc.SetBaseURI(g.p.BaseURI)
	}
	g.clients[acct.ID] = kc
	return kc, nil
}

func external(op string, err error) error {
	return &types.ExternalServiceError{Service: "kite", Op: op, Err: err}
}

// placeFailed maps a place_order failure. kiteconnect reports every transport
// failure, client timeouts included, as a NetworkException, so the order may
// have reached the exchange; it surfaces as a deadline so callers look the
// order up by tag before retrying.
func placeFailed(err error) error {
	var ke kiteconnect.Error
	if errors.As(err, &ke) && ke.ErrorType == kiteconnect.NetworkError {
		return external("place_order", fmt.Errorf("%w: %s", context.DeadlineExceeded, ke.Message))
	}
	return external("place_order", err)
}

func (g *Gateway) GetPortfolio(ctx context.Context, acct types.Account) (types.Portfolio, error) {
	kc, err := g.client(acct)
	if err != nil {
		return types.Portfolio{}, err
	}
	margins, err := kc.GetUserMargins()
	if err != nil {
		return types.Portfolio{}, external("margins", err)
	}
	positions, err := g.GetPositions(ctx, acct)
	if err != nil {
		return types.Portfolio{}, err
	}

	pf := types.Portfolio{Cash: margins.Equity.Net}
	for _, p := range positions {
		pf.Invested += math.Abs(float64(p.Qty)) * p.AvgPrice
		pf.DayPnL += p.PnL
	}
	return pf, nil
}

func (g *Gateway) GetPositions(ctx context.Context, acct types.Account) ([]types.BrokerPosition, error) {
	kc, err := g.client(acct)
	if err != nil {
		return nil, err
	}
	ps, err := kc.GetPositions()
	if err != nil {
		return nil, external("positions", err)
	}

	out := make([]types.BrokerPosition, 0, len(ps.Net))
	for _, p := range ps.Net {
		if p.Quantity == 0 {
			continue
		}
		out = append(out, types.BrokerPosition{
			Symbol:    p.Tradingsymbol,
			Qty:       p.Quantity,
			AvgPrice:  p.AveragePrice,
			LastPrice: p.LastPrice,
			PnL:       (p.LastPrice - p.AveragePrice) * float64(p.Quantity),
		})
	}
	return out, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, acct types.Account, req types.OrderReq) (types.OrderResp, error) {
	kc, err := g.client(acct)
	if err != nil {
		return types.OrderResp{}, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return types.OrderResp{}, err
	}

	params := kiteconnect.OrderParams{
		Exchange:        g.p.Exchange,
		Tradingsymbol:   req.Symbol,
		TransactionType: string(req.Side),
		Quantity:        req.Qty,
		Product:         productMIS,
		OrderType:       string(req.Type),
		Validity:        validityDay,
		Tag:             truncateTag(req.Tag),
	}
	if req.Type == types.Limit && req.Price != nil {
		params.Price = *req.Price
	}

	resp, err := kc.PlaceOrder(varietyRegular, params)
	if err != nil {
		return types.OrderResp{}, placeFailed(err)
	}
	return types.OrderResp{OrderID: resp.OrderID, Status: "PLACED", Message: "ok"}, nil
}

func (g *Gateway) CancelAll(ctx context.Context, acct types.Account) (int, error) {
	kc, err := g.client(acct)
	if err != nil {
		return 0, err
	}
	orders, err := kc.GetOrders()
	if err != nil {
		return 0, external("orders", err)
	}

	n := 0
	for _, o := range orders {
		if !cancellable(o.Status) {
			continue
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return n, err
		}
		variety := o.Variety
		if variety == "" {
			variety = varietyRegular
		}
		if _, err := kc.CancelOrder(variety, o.OrderID, nil); err != nil {
			return n, external("cancel_order", err)
		}
		n++
	}
	return n, nil
}

func (g *Gateway) FindOrderByTag(ctx context.Context, acct types.Account, tag string) (*types.OrderResp, error) {
	kc, err := g.client(acct)
	if err != nil {
		return nil, err
	}
	orders, err := kc.GetOrders()
	if err != nil {
		return nil, external("orders", err)
	}
	tag = truncateTag(tag)
	for i := len(orders) - 1; i >= 0; i-- {
		o := orders[i]
		if o.Tag == tag {
			return &types.OrderResp{OrderID: o.OrderID, Status: o.Status, Message: o.StatusMessage, Price: o.AveragePrice}, nil
		}
	}
	return nil, nil
}

func cancellable(status string) bool {
	switch strings.ToUpper(status) {
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED":
		return true
	}
	return false
}

func truncateTag(tag string) string {
	if len(tag) > maxTagLen {
		return tag[:maxTagLen]
	}
	return tag
}

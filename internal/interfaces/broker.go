package interfaces

import (
	"context"

	"llm-trading-arena/internal/types"
)

// Broker is the per-account order gateway. PlaceOrder is not idempotent by itself;
// callers look an order up by tag before retrying after a timeout.
type Broker interface {
	GetPortfolio(ctx context.Context, acct types.Account) (types.Portfolio, error)
	GetPositions(ctx context.Context, acct types.Account) ([]types.BrokerPosition, error)
	PlaceOrder(ctx context.Context, acct types.Account, req types.OrderReq) (types.OrderResp, error)
	CancelAll(ctx context.Context, acct types.Account) (int, error)
	// FindOrderByTag returns nil when no order carries the tag.
	FindOrderByTag(ctx context.Context, acct types.Account, tag string) (*types.OrderResp, error)
}

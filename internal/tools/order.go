package tools

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"time"

	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/types"
)

const maxTagLen = 20

// orderTag derives a broker tag that is stable for a given tool call and leg,
// so a retried call can find an order that already landed.
func orderTag(invocationID, callID string, leg int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s/%d", invocationID, callID, leg)
	tag := fmt.Sprintf("arena%016x", h.Sum64())
	return tag[:maxTagLen]
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// withTimeout bounds an external call without tying it to the cycle's
// cancellation; an in-flight call is allowed to finish.
func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := r.deps.CallTimeout
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// placeOrder submits req at most twice. After a timeout the broker is asked
// whether an order with the same tag exists before the single retry.
func (r *Registry) placeOrder(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	resp, err := r.submit(ctx, req)
	if err == nil || !isTimeout(err) {
		return resp, err
	}

	logger.Warn(ctx, "Order submission timed out, checking broker by tag", "tag", req.Tag, "symbol", req.Symbol)
	lctx, cancel := r.withTimeout(ctx)
	found, ferr := r.deps.Broker.FindOrderByTag(lctx, r.account, req.Tag)
	cancel()
	if ferr != nil {
		// unknown state; never risk a duplicate
		return types.OrderResp{}, fmt.Errorf("order state unknown after timeout: %w", err)
	}
	if found != nil {
		return *found, nil
	}
	return r.submit(ctx, req)
}

func (r *Registry) submit(ctx context.Context, req types.OrderReq) (types.OrderResp, error) {
	cctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.deps.Broker.PlaceOrder(cctx, r.account, req)
}

// Package engineobs decorates an Engine with a cycle span, cycle logs and the
// cycle latency histogram.
package engineobs

import (
	"context"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/trace"
	"llm-trading-arena/internal/types"

	"go.opentelemetry.io/otel/attribute"
)

type observedEngine struct {
	inner interfaces.Engine
}

var _ interfaces.Engine = (*observedEngine)(nil)

func Wrap(eng interfaces.Engine) interfaces.Engine {
	return &observedEngine{inner: eng}
}

func (o *observedEngine) RunCycle(ctx context.Context, acct types.Account) (*types.CycleResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.RunCycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", acct.ID),
		attribute.String("model", acct.Model),
	)

	start := time.Now()
	res, err := o.inner.RunCycle(ctx, acct)
	elapsed := time.Since(start)

	if res != nil {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		// skips never reach the reasoning service and would flatten the histogram
		if res.Outcome != types.CycleSkipped {
			metrics.CycleDuration.WithLabelValues(acct.ID).Observe(elapsed.Seconds())
		}
	}

	switch {
	case err != nil:
		logger.ErrorWithErrSkip(ctx, 1, "Cycle failed", err,
			"account_id", acct.ID,
			"duration_ms", elapsed.Milliseconds(),
		)
	case res.Outcome == types.CycleSkipped:
		logger.DebugSkip(ctx, 1, "Cycle skipped", "account_id", acct.ID, "reason", res.Reason)
	default:
		logger.InfoSkip(ctx, 1, "Cycle completed",
			"account_id", acct.ID,
			"invocation_id", res.InvocationID,
			"tool_calls", res.ToolCalls,
			"tokens", res.Tokens,
			"iterations_exhausted", res.IterationsExhausted,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	return res, err
}

package interfaces

import (
	"context"

	"llm-trading-arena/internal/types"
)

type Engine interface {
	RunCycle(ctx context.Context, acct types.Account) (*types.CycleResult, error)
}

package interfaces

import (
	"context"
	"time"

	"llm-trading-arena/internal/types"
)

// AuditStore persists accounts, invocations, tool calls and positions.
type AuditStore interface {
	GetAccount(ctx context.Context, id string) (types.Account, error)
	ActiveAccounts(ctx context.Context) ([]types.Account, error)

	OpenInvocation(ctx context.Context, inv *types.Invocation) error
	AppendToolCall(ctx context.Context, rec *types.ToolCallRecord) error
	// CloseInvocation finalises the record; with bumpAccount set the account's
	// invocation_count and last_executed change in the same transaction.
	CloseInvocation(ctx context.Context, inv *types.Invocation, bumpAccount bool) error

	OpenPositions(ctx context.Context, accountID string) ([]types.Position, error)
	CreatePosition(ctx context.Context, p *types.Position) error
	ClosePosition(ctx context.Context, id string, exitPrice float64, at time.Time) (types.Position, error)
	RealizedPnLSince(ctx context.Context, accountID string, since time.Time) (float64, error)
}

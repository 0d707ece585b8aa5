package noop

import (
	"context"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/types"
)

// Reasoner is the fallback when no provider is configured: it never requests a
// tool and always answers HOLD.
type Reasoner struct{}

var _ interfaces.Reasoner = (*Reasoner)(nil)

func New() *Reasoner {
	return &Reasoner{}
}

func (r *Reasoner) Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error) {
	logger.Debug(ctx, "Noop reasoner called - always returns HOLD", "model", model, "messages", len(msgs))
	return types.ChatResponse{
		Message: types.Message{Role: types.RoleAssistant, Content: "HOLD: no reasoning provider configured"},
	}, nil
}

package interfaces

import (
	"context"

	"llm-trading-arena/internal/types"
)

// Reasoner is the chat-completion service driving the agent loop.
// When the returned message carries tool calls its content is not a decision.
type Reasoner interface {
	Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error)
}

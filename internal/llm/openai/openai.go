// Package openai drives any OpenAI-compatible chat completion endpoint
// (OpenAI, OpenRouter) with function calling.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/types"

	goopenai "github.com/sashabaranov/go-openai"
)

const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

type Params struct {
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

type Reasoner struct {
	client      *goopenai.Client
	maxTokens   int
	temperature float32
}

var _ interfaces.Reasoner = (*Reasoner)(nil)

func New(p Params) (*Reasoner, error) {
	if p.APIKey == "" {
		return nil, errors.New("openai: API key missing")
	}
	cfg := goopenai.DefaultConfig(p.APIKey)
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	if p.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: p.Timeout}
	}
	return &Reasoner{
		client:      goopenai.NewClientWithConfig(cfg),
		maxTokens:   p.MaxTokens,
		temperature: p.Temperature,
	}, nil
}

func (r *Reasoner) Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    toMessages(msgs),
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}
	if len(tools) > 0 {
		req.Tools = toTools(tools)
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return types.ChatResponse{}, &types.ExternalServiceError{Service: "openai", Op: "chat", Err: err}
	}
	if len(resp.Choices) == 0 {
		return types.ChatResponse{}, &types.ExternalServiceError{Service: "openai", Op: "chat", Err: errors.New("no choices")}
	}

	return types.ChatResponse{
		Message: fromMessage(resp.Choices[0].Message),
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}

func toMessages(msgs []types.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := goopenai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func toTools(tools []types.ToolSchema) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromMessage(m goopenai.ChatCompletionMessage) types.Message {
	out := types.Message{Role: types.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

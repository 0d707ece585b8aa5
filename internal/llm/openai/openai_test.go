package openai

import (
	"testing"

	"llm-trading-arena/internal/types"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessagesCarriesToolCalls(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleSystem, Content: "sys"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call_1", Name: "buy", Arguments: `{"symbol":"TCS"}`}}},
		{Role: types.RoleTool, ToolCallID: "call_1", Name: "buy", Content: "ok"},
	}
	out := toMessages(msgs)
	require.Len(t, out, 3)
	assert.Equal(t, goopenai.ChatMessageRoleSystem, out[0].Role)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "buy", out[1].ToolCalls[0].Function.Name)
	assert.Equal(t, goopenai.ToolTypeFunction, out[1].ToolCalls[0].Type)
	assert.Equal(t, "call_1", out[2].ToolCallID)
}

func TestFromMessage(t *testing.T) {
	m := fromMessage(goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleAssistant,
		Content: "ignored",
		ToolCalls: []goopenai.ToolCall{{
			ID:       "call_9",
			Function: goopenai.FunctionCall{Name: "get_status", Arguments: "{}"},
		}},
	})
	assert.Equal(t, types.RoleAssistant, m.Role)
	require.Len(t, m.ToolCalls, 1)
	assert.Equal(t, types.ToolCall{ID: "call_9", Name: "get_status", Arguments: "{}"}, m.ToolCalls[0])
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)

	r, err := New(Params{APIKey: "k", BaseURL: OpenRouterBaseURL})
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Len(t, toTools([]types.ToolSchema{{Name: "buy"}}), 1)
}

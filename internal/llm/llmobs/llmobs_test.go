package llmobs

import (
	"context"
	"errors"
	"testing"

	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReasoner struct {
	fail bool
}

func (s stubReasoner) Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error) {
	if s.fail {
		return types.ChatResponse{}, errors.New("down")
	}
	return types.ChatResponse{Message: types.Message{Role: types.RoleAssistant, Content: "HOLD"}, Tokens: 40}, nil
}

func TestObserverStats(t *testing.T) {
	ok := Wrap(stubReasoner{}, "test")
	for n := 0; n < 3; n++ {
		_, err := ok.Chat(context.Background(), "model-b", nil, nil)
		require.NoError(t, err)
	}
	_, err := ok.Chat(context.Background(), "model-a", nil, nil)
	require.NoError(t, err)

	stats := ok.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "model-a", stats[0].Model)
	assert.Equal(t, 3, stats[1].Calls)
	assert.Equal(t, 120, stats[1].Tokens)

	bad := Wrap(stubReasoner{fail: true}, "test")
	_, err = bad.Chat(context.Background(), "model-a", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, bad.Stats()[0].Errors)
}

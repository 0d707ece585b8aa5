// Package claude talks to the Anthropic Messages API with tool use.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/types"

	"github.com/tidwall/gjson"
)

const (
	defaultEndpoint = "https://api.anthropic.com/v1/messages"
	apiVersion      = "2023-06-01"
)

type Params struct {
	APIKey      string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// Reasoner maps the chat/tool-call exchange onto Anthropic content blocks.
type Reasoner struct {
	p        Params
	endpoint string
	http     *http.Client
}

var _ interfaces.Reasoner = (*Reasoner)(nil)

func New(p Params) (*Reasoner, error) {
	if p.APIKey == "" {
		return nil, errors.New("claude: API key missing")
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 2000
	}
	endpoint := defaultEndpoint
	// proxies and gateways override the endpoint
	if ep := os.Getenv("CLAUDE_API_ENDPOINT"); ep != "" {
		endpoint = ep
	}
	return &Reasoner{p: p, endpoint: endpoint, http: &http.Client{Timeout: p.Timeout}}, nil
}

type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
}

func (r *Reasoner) Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error) {
	body := buildRequest(model, msgs, tools, r.p.MaxTokens, r.p.Temperature)
	bb, err := json.Marshal(body)
	if err != nil {
		return types.ChatResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(bb))
	if err != nil {
		return types.ChatResponse{}, err
	}
	req.Header.Set("x-api-key", r.p.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return types.ChatResponse{}, &types.ExternalServiceError{Service: "claude", Op: "messages", Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.ChatResponse{}, &types.ExternalServiceError{Service: "claude", Op: "messages", Err: err}
	}
	if resp.StatusCode >= 300 {
		return types.ChatResponse{}, &types.ExternalServiceError{
			Service: "claude",
			Op:      "messages",
			Err:     fmt.Errorf("http %d: %s", resp.StatusCode, gjson.GetBytes(respBytes, "error.message").String()),
		}
	}
	return parseResponse(respBytes)
}

func buildRequest(model string, msgs []types.Message, tools []types.ToolSchema, maxTokens int, temp float32) request {
	req := request{Model: model, MaxTokens: maxTokens, Temperature: temp}
	var system []string

	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleTool:
			b := block{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			// consecutive tool results share one user turn
			if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "user" && isToolResults(req.Messages[n-1]) {
				req.Messages[n-1].Content = append(req.Messages[n-1].Content, b)
				continue
			}
			req.Messages = append(req.Messages, message{Role: "user", Content: []block{b}})
		case types.RoleAssistant:
			var blocks []block
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, block{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			req.Messages = append(req.Messages, message{Role: "assistant", Content: blocks})
		default:
			req.Messages = append(req.Messages, message{Role: "user", Content: []block{{Type: "text", Text: m.Content}}})
		}
	}
	req.System = strings.Join(system, "\n\n")

	for _, t := range tools {
		req.Tools = append(req.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return req
}

func isToolResults(m message) bool {
	return len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

func parseResponse(b []byte) (types.ChatResponse, error) {
	if !gjson.ValidBytes(b) {
		return types.ChatResponse{}, &types.ExternalServiceError{Service: "claude", Op: "messages", Err: errors.New("invalid JSON response")}
	}
	out := types.ChatResponse{Message: types.Message{Role: types.RoleAssistant}}
	var text []string

	gjson.GetBytes(b, "content").ForEach(func(_, blk gjson.Result) bool {
		switch blk.Get("type").String() {
		case "text":
			text = append(text, blk.Get("text").String())
		case "tool_use":
			out.Message.ToolCalls = append(out.Message.ToolCalls, types.ToolCall{
				ID:        blk.Get("id").String(),
				Name:      blk.Get("name").String(),
				Arguments: blk.Get("input").Raw,
			})
		}
		return true
	})
	out.Message.Content = strings.TrimSpace(strings.Join(text, "\n"))
	out.Tokens = int(gjson.GetBytes(b, "usage.input_tokens").Int() + gjson.GetBytes(b, "usage.output_tokens").Int())
	return out, nil
}

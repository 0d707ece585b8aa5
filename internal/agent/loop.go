// Package agent runs the bounded conversation between the reasoning service
// and the tool invoker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/types"
)

const DefaultMaxIterations = 5

type State int

const (
	AwaitingResponse State = iota
	ExecutingTools
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingResponse:
		return "AWAITING_RESPONSE"
	case ExecutingTools:
		return "EXECUTING_TOOLS"
	case Done:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Invoker executes tool calls and records them; tools.Registry implements it.
type Invoker interface {
	Schemas() []types.ToolSchema
	Invoke(ctx context.Context, call types.ToolCall) (types.ToolCallRecord, error)
}

type Config struct {
	Model string
	// MaxIterations bounds tool rounds; the loop makes at most MaxIterations+1 reasoning calls.
	MaxIterations int
	CallTimeout   time.Duration
}

type Result struct {
	Response            string
	Tokens              int
	ReasoningCalls      int
	IterationsExhausted bool
	ToolCalls           []types.ToolCallRecord
	Messages            []types.Message
}

// ErrInterrupted is returned when the context ends between steps.
var ErrInterrupted = errors.New("agent loop interrupted")

type Loop struct {
	reasoner interfaces.Reasoner
	cfg      Config
}

func New(reasoner interfaces.Reasoner, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Loop{reasoner: reasoner, cfg: cfg}
}

// Run drives AWAITING_RESPONSE -> EXECUTING_TOOLS -> ... -> DONE.
//
// A reasoning failure returns an ExternalServiceError; tool calls executed in
// earlier rounds stay in the returned result. Cancellation of ctx is observed
// only between steps: a running reasoning call or tool batch completes first.
func (l *Loop) Run(ctx context.Context, system, user string, inv Invoker) (Result, error) {
	res := Result{Messages: []types.Message{
		{Role: types.RoleSystem, Content: system},
		{Role: types.RoleUser, Content: user},
	}}
	schemas := inv.Schemas()

	state := AwaitingResponse
	rounds := 0
	var pending []types.ToolCall
	// text that came alongside tool calls; only reported when the loop is cut off
	var interim string

	for state != Done {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w in %s: %w", ErrInterrupted, state, err)
		}

		switch state {
		case AwaitingResponse:
			resp, err := l.chat(ctx, res.Messages, schemas)
			res.ReasoningCalls++
			if err != nil {
				var ext *types.ExternalServiceError
				if !errors.As(err, &ext) {
					err = &types.ExternalServiceError{Service: "reasoning", Op: "chat", Err: err}
				}
				return res, err
			}
			res.Tokens += resp.Tokens

			msg := resp.Message
			msg.Role = types.RoleAssistant
			for i := range msg.ToolCalls {
				if msg.ToolCalls[i].ID == "" {
					msg.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", res.ReasoningCalls, i)
				}
			}
			res.Messages = append(res.Messages, msg)
			if len(msg.ToolCalls) > 0 && msg.Content != "" {
				interim = msg.Content
			}

			switch {
			case len(msg.ToolCalls) == 0:
				res.Response = msg.Content
				state = Done
			case rounds >= l.cfg.MaxIterations:
				// no round left to report results back; leave the calls unexecuted
				logger.Warn(ctx, "Agent loop exhausted iterations",
					"max_iterations", l.cfg.MaxIterations,
					"ignored_tool_calls", len(msg.ToolCalls),
				)
				res.IterationsExhausted = true
				res.Response = interim
				state = Done
			default:
				pending = msg.ToolCalls
				state = ExecutingTools
			}

		case ExecutingTools:
			rounds++
			for _, tc := range pending {
				rec, err := inv.Invoke(ctx, tc)
				if err != nil {
					return res, err
				}
				res.ToolCalls = append(res.ToolCalls, rec)
				res.Messages = append(res.Messages, types.Message{
					Role:       types.RoleTool,
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    rec.Result,
				})
			}
			pending = nil
			state = AwaitingResponse
		}
	}
	return res, nil
}

// chat bounds the call with its own timeout; it is not cut short by ctx cancellation.
func (l *Loop) chat(ctx context.Context, msgs []types.Message, schemas []types.ToolSchema) (types.ChatResponse, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CallTimeout)
	defer cancel()
	return l.reasoner.Chat(cctx, l.cfg.Model, msgs, schemas)
}

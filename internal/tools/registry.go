// Package tools exposes trading actions to the reasoning service and records
// every invocation of them in the audit trail.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/risk"
	"llm-trading-arena/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// RiskParams are the account-independent sizing settings.
type RiskParams struct {
	RiskRewardRatio float64
	DefaultStopPct  float64
	StrategyStopPct map[string]float64
	MinTick         float64
}

// Deps are the collaborators shared by all registries.
type Deps struct {
	Broker      interfaces.Broker
	Market      interfaces.MarketData
	Store       interfaces.AuditStore
	Gate        *risk.Gate
	Risk        RiskParams
	CallTimeout time.Duration
}

var errNotAvailable = errors.New("not available")

type handler func(ctx context.Context, call types.ToolCall, args gjson.Result) (string, error)

type tool struct {
	schema   types.ToolSchema
	compiled *jsonschema.Schema
	handle   handler
}

// Registry is bound to one account and one invocation. It is not safe for
// concurrent use; the agent loop calls Invoke sequentially.
type Registry struct {
	deps         Deps
	account      types.Account
	invocationID string
	tools        map[Action]tool
	seq          int
}

var (
	compileOnce sync.Once
	compiled    map[Action]*jsonschema.Schema
	schemas     map[Action]types.ToolSchema
	compileErr  error
)

func compileSchemas() {
	compiled = make(map[Action]*jsonschema.Schema, len(actions))
	schemas = make(map[Action]types.ToolSchema, len(actions))
	for _, a := range actions {
		desc, raw := a.describe()
		s, err := jsonschema.CompileString(a.String()+".json", raw)
		if err != nil {
			compileErr = fmt.Errorf("compile %s schema: %w", a, err)
			return
		}
		var params map[string]any
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			compileErr = fmt.Errorf("decode %s schema: %w", a, err)
			return
		}
		compiled[a] = s
		schemas[a] = types.ToolSchema{Name: a.String(), Description: desc, Parameters: params}
	}
}

func NewRegistry(deps Deps, acct types.Account, invocationID string) (*Registry, error) {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return nil, compileErr
	}
	r := &Registry{deps: deps, account: acct, invocationID: invocationID, tools: make(map[Action]tool)}
	handlers := map[Action]handler{
		ActionBuy:       r.orderHandler(types.Buy),
		ActionSell:      r.orderHandler(types.Sell),
		ActionCloseAll:  r.closeAll,
		ActionGetStatus: r.getStatus,
	}
	for _, a := range actions {
		r.tools[a] = tool{schema: schemas[a], compiled: compiled[a], handle: handlers[a]}
	}
	return r, nil
}

// Schemas returns the tool declarations in a fixed order.
func (r *Registry) Schemas() []types.ToolSchema {
	out := make([]types.ToolSchema, 0, len(actions))
	for _, a := range actions {
		out = append(out, r.tools[a].schema)
	}
	return out
}

// Invoke runs one tool call and appends its record to the audit trail before
// returning. Tool failures become FAILED records; the returned error is set only
// when the record could not be persisted.
func (r *Registry) Invoke(ctx context.Context, call types.ToolCall) (types.ToolCallRecord, error) {
	r.seq++
	start := time.Now()
	rec := types.ToolCallRecord{
		InvocationID: r.invocationID,
		Seq:          r.seq,
		Name:         call.Name,
		Arguments:    call.Arguments,
		CreatedAt:    start.UTC(),
	}

	result, err := r.run(ctx, call)
	rec.Latency = time.Since(start)
	if err != nil {
		rec.Status = types.ToolFailed
		rec.Result = err.Error()
		logger.Warn(ctx, "Tool call failed",
			"account_id", r.account.ID,
			"invocation_id", r.invocationID,
			"tool", call.Name,
			"error", err,
		)
	} else {
		rec.Status = types.ToolSuccess
		rec.Result = result
		logger.Info(ctx, "Tool call succeeded",
			"account_id", r.account.ID,
			"invocation_id", r.invocationID,
			"tool", call.Name,
			"duration_ms", rec.Latency.Milliseconds(),
		)
	}
	metrics.ToolCalls.WithLabelValues(ParseAction(call.Name).String(), string(rec.Status)).Inc()

	// persist even if the caller is shutting down
	if perr := r.deps.Store.AppendToolCall(context.WithoutCancel(ctx), &rec); perr != nil {
		logger.ErrorWithErr(ctx, "Failed to record tool call", perr, "invocation_id", r.invocationID, "seq", rec.Seq)
		return rec, fmt.Errorf("record tool call %d: %w", rec.Seq, perr)
	}
	return rec, nil
}

func (r *Registry) run(ctx context.Context, call types.ToolCall) (result string, err error) {
	ctx, span := logger.StartSpan(ctx, "tools.Invoke")
	defer span.End()

	action := ParseAction(call.Name)
	t, ok := r.tools[action]
	if !ok {
		return "", &types.ToolExecutionError{Tool: call.Name, Err: errNotAvailable}
	}

	raw := strings.TrimSpace(call.Arguments)
	if raw == "" {
		raw = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", &types.ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return "", &types.ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("invalid arguments: %w", err)}
	}

	defer func() {
		if p := recover(); p != nil {
			err = &types.ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	result, err = t.handle(ctx, call, gjson.Parse(raw))
	if err != nil {
		return "", &types.ToolExecutionError{Tool: call.Name, Err: err}
	}
	return result, nil
}

// Package engine runs one decision cycle for one account: gate, gather
// context, converse with the reasoning service, and persist the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm-trading-arena/internal/agent"
	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/risk"
	"llm-trading-arena/internal/signal"
	"llm-trading-arena/internal/store"
	"llm-trading-arena/internal/ta"
	"llm-trading-arena/internal/tools"
	"llm-trading-arena/internal/tradelog"
	"llm-trading-arena/internal/types"
)

// Params are the cycle settings drawn from configuration.
type Params struct {
	DefaultModel    string
	System          string
	MaxIterations   int
	CallTimeout     time.Duration
	Timeframes      []types.Timeframe
	Lookback        int
	Indicators      ta.Periods
	MaxDailyLossPct float64
	MarketHours     string
	FetchWorkers    int
	Risk            tools.RiskParams
}

// ParamsFromConfig maps the config sections the engine reads.
func ParamsFromConfig(cfg *store.Config) Params {
	return Params{
		DefaultModel:  cfg.LLM.Model,
		System:        cfg.LLM.System,
		MaxIterations: cfg.LLM.MaxIterations,
		CallTimeout:   cfg.CallTimeout(),
		Timeframes:    cfg.Timeframes(),
		Lookback:      cfg.MarketData.Lookback,
		Indicators: ta.Periods{
			SMA:     cfg.Indicators.SMAWindow,
			EMAFast: cfg.Indicators.EMAFast,
			EMASlow: cfg.Indicators.EMASlow,
			RSI:     cfg.Indicators.RSIPeriod,
			ATR:     cfg.Indicators.ATRPeriod,
		},
		MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
		MarketHours:     cfg.MarketHours.Open + " - " + cfg.MarketHours.Close,
		FetchWorkers:    4,
		Risk: tools.RiskParams{
			RiskRewardRatio: cfg.Risk.RiskRewardRatio,
			DefaultStopPct:  cfg.Risk.DefaultStopPct,
			StrategyStopPct: cfg.Risk.StrategyStopPct,
			MinTick:         cfg.Risk.MinTick,
		},
	}
}

type Engine struct {
	p        Params
	gate     *risk.Gate
	detector signal.Detector
	market   interfaces.MarketData
	broker   interfaces.Broker
	reasoner interfaces.Reasoner
	store    interfaces.AuditStore
	now      func() time.Time
}

var _ interfaces.Engine = (*Engine)(nil)

func New(p Params, gate *risk.Gate, det signal.Detector, md interfaces.MarketData, brk interfaces.Broker, r interfaces.Reasoner, st interfaces.AuditStore) *Engine {
	if len(p.Timeframes) == 0 {
		p.Timeframes = types.AllTimeframes
	}
	if p.Lookback <= 0 {
		p.Lookback = 75
	}
	if p.FetchWorkers <= 0 {
		p.FetchWorkers = 1
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 30 * time.Second
	}
	return &Engine{p: p, gate: gate, detector: det, market: md, broker: brk, reasoner: r, store: st, now: time.Now}
}

// RunCycle executes one cycle for acct. Skips (market closed, daily loss
// breached) return a SKIPPED result and a nil error. Any other failure is
// recorded as a FAILED invocation and returned.
func (e *Engine) RunCycle(ctx context.Context, acct types.Account) (*types.CycleResult, error) {
	start := e.now()
	res := &types.CycleResult{AccountID: acct.ID}

	// market closed: no external calls, no state change
	if err := e.gate.MarketOpen(); err != nil {
		logger.Debug(ctx, "Market closed, skipping account", "account_id", acct.ID, "reason", err)
		return e.skip(res, err, start), nil
	}
	if err := e.gate.AccountState(acct); err != nil {
		logger.Warn(ctx, "Account not tradable, skipping", "account_id", acct.ID, "error", err)
		return e.skip(res, err, start), nil
	}

	realized, err := e.store.RealizedPnLSince(context.WithoutCancel(ctx), acct.ID, e.gate.DayStart())
	if err != nil {
		return e.fail(res, fmt.Errorf("load realized pnl: %w", err), start)
	}
	if err := e.gate.DailyLoss(ctx, acct, realized); err != nil {
		logger.Warn(ctx, "Daily loss limit breached, skipping account", "account_id", acct.ID, "realized_pnl", realized)
		return e.skip(res, err, start), nil
	}

	model := acct.Model
	if model == "" {
		model = e.p.DefaultModel
	}
	inv := &types.Invocation{AccountID: acct.ID, Model: model}

	market, err := e.marketContext(ctx, acct)
	if err != nil {
		return e.failInvocation(ctx, res, inv, err, start)
	}
	portfolio, err := e.portfolioContext(ctx, acct, realized)
	if err != nil {
		return e.failInvocation(ctx, res, inv, err, start)
	}

	inv.Prompt = RenderPrompt(acct, market, portfolio, PromptRules{
		MaxDailyLossPct: e.p.MaxDailyLossPct,
		MarketHours:     e.p.MarketHours,
	})
	inv.MarketContext = map[string]any{"symbols": market}
	inv.PortfolioContext = map[string]any{"portfolio": portfolio}

	if err := e.store.OpenInvocation(context.WithoutCancel(ctx), inv); err != nil {
		return e.fail(res, fmt.Errorf("open invocation: %w", err), start)
	}
	res.InvocationID = inv.ID

	reg, err := tools.NewRegistry(tools.Deps{
		Broker:      e.broker,
		Market:      e.market,
		Store:       e.store,
		Gate:        e.gate,
		Risk:        e.p.Risk,
		CallTimeout: e.p.CallTimeout,
	}, acct, inv.ID)
	if err != nil {
		return e.closeFailed(ctx, res, inv, err, start)
	}

	loop := agent.New(e.reasoner, agent.Config{
		Model:         model,
		MaxIterations: e.p.MaxIterations,
		CallTimeout:   e.p.CallTimeout,
	})
	out, runErr := loop.Run(ctx, e.p.System, inv.Prompt, reg)

	inv.Response = out.Response
	inv.Tokens = out.Tokens
	inv.IterationsExhausted = out.IterationsExhausted
	inv.ToolCalls = out.ToolCalls
	res.Response = out.Response
	res.Tokens = out.Tokens
	res.ToolCalls = len(out.ToolCalls)
	res.IterationsExhausted = out.IterationsExhausted

	if runErr != nil {
		return e.closeFailed(ctx, res, inv, runErr, start)
	}

	inv.Status = types.InvocationCompleted
	inv.Latency = e.now().Sub(start)
	// the invocation close and the account bump commit together
	if err := e.store.CloseInvocation(context.WithoutCancel(ctx), inv, true); err != nil {
		return e.closeFailed(ctx, res, inv, fmt.Errorf("close invocation: %w", err), start)
	}

	res.Outcome = types.CycleCompleted
	res.Latency = inv.Latency
	e.record(ctx, acct, inv, res)
	return res, nil
}

func (e *Engine) skip(res *types.CycleResult, why error, start time.Time) *types.CycleResult {
	res.Outcome = types.CycleSkipped
	res.Reason = why.Error()
	res.Latency = e.now().Sub(start)
	metrics.Cycles.WithLabelValues(res.AccountID, string(res.Outcome)).Inc()
	return res
}

func (e *Engine) fail(res *types.CycleResult, err error, start time.Time) (*types.CycleResult, error) {
	res.Outcome = types.CycleFailed
	res.Reason = err.Error()
	res.Latency = e.now().Sub(start)
	metrics.Cycles.WithLabelValues(res.AccountID, string(res.Outcome)).Inc()
	return res, err
}

// failInvocation records a failure that happened before the agent loop as a
// FAILED invocation so the cycle still leaves an audit entry.
func (e *Engine) failInvocation(ctx context.Context, res *types.CycleResult, inv *types.Invocation, cause error, start time.Time) (*types.CycleResult, error) {
	if err := e.store.OpenInvocation(context.WithoutCancel(ctx), inv); err != nil {
		return e.fail(res, errors.Join(cause, fmt.Errorf("open invocation: %w", err)), start)
	}
	res.InvocationID = inv.ID
	return e.closeFailed(ctx, res, inv, cause, start)
}

// closeFailed closes inv as FAILED without touching the account record.
func (e *Engine) closeFailed(ctx context.Context, res *types.CycleResult, inv *types.Invocation, cause error, start time.Time) (*types.CycleResult, error) {
	inv.Status = types.InvocationFailed
	inv.Error = cause.Error()
	inv.Latency = e.now().Sub(start)
	if err := e.store.CloseInvocation(context.WithoutCancel(ctx), inv, false); err != nil {
		logger.ErrorWithErr(ctx, "Failed to close invocation", err, "invocation_id", inv.ID)
		cause = errors.Join(cause, fmt.Errorf("close invocation: %w", err))
	}
	res.InvocationID = inv.ID
	res.Outcome = types.CycleFailed
	res.Reason = cause.Error()
	res.Latency = inv.Latency
	e.record(ctx, types.Account{ID: inv.AccountID}, inv, res)
	return res, cause
}

func (e *Engine) record(ctx context.Context, acct types.Account, inv *types.Invocation, res *types.CycleResult) {
	metrics.Cycles.WithLabelValues(acct.ID, string(res.Outcome)).Inc()
	logger.Decision(ctx, acct.ID, inv.ID, res.ToolCalls, res.Response,
		"model", inv.Model,
		"status", inv.Status,
		"tokens", inv.Tokens,
		"latency_ms", inv.Latency.Milliseconds(),
		"iterations_exhausted", inv.IterationsExhausted,
	)
	if err := tradelog.AppendDecision(tradelog.DecisionEntry{
		AccountID:           acct.ID,
		InvocationID:        inv.ID,
		Model:               inv.Model,
		Status:              string(inv.Status),
		Response:            inv.Response,
		ToolCalls:           res.ToolCalls,
		Tokens:              inv.Tokens,
		LatencyMs:           inv.Latency.Milliseconds(),
		IterationsExhausted: inv.IterationsExhausted,
		Error:               inv.Error,
	}); err != nil {
		logger.Warn(ctx, "Failed to journal decision", "invocation_id", inv.ID, "error", err)
	}
}

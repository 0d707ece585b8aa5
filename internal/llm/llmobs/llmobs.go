package llmobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/trace"
	"llm-trading-arena/internal/types"
)

// ModelStat aggregates calls per model.
type ModelStat struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	Errors       int     `json:"errors"`
	Tokens       int     `json:"tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	totalLatency time.Duration
}

// Observer wraps a Reasoner with logging, tracing and per-model statistics.
type Observer struct {
	reasoner interfaces.Reasoner
	provider string

	mu    sync.Mutex
	stats map[string]*ModelStat
}

var _ interfaces.Reasoner = (*Observer)(nil)

func Wrap(reasoner interfaces.Reasoner, provider string) *Observer {
	return &Observer{reasoner: reasoner, provider: provider, stats: make(map[string]*ModelStat)}
}

func (o *Observer) Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error) {
	ctx, span := trace.StartSpan(ctx, "llm.Chat")
	defer span.End()

	// DebugSkip(1) reports the agent loop as the caller, not this wrapper
	logger.DebugSkip(ctx, 1, "Requesting completion",
		"provider", o.provider,
		"model", model,
		"messages", len(msgs),
		"tools", len(tools),
	)

	start := time.Now()
	resp, err := o.reasoner.Chat(ctx, model, msgs, tools)
	elapsed := time.Since(start)
	metrics.ObserveCall(o.provider, "chat", start, err)
	o.record(model, elapsed, resp.Tokens, err)

	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Completion failed", err,
			"provider", o.provider,
			"model", model,
			"duration_ms", elapsed.Milliseconds(),
		)
		return types.ChatResponse{}, err
	}

	metrics.ModelTokens.WithLabelValues(model).Add(float64(resp.Tokens))
	logger.InfoSkip(ctx, 1, "Completion received",
		"provider", o.provider,
		"model", model,
		"tool_calls", len(resp.Message.ToolCalls),
		"tokens", resp.Tokens,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

func (o *Observer) record(model string, d time.Duration, tokens int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.stats[model]
	if !ok {
		s = &ModelStat{Model: model}
		o.stats[model] = s
	}
	s.Calls++
	if err != nil {
		s.Errors++
	}
	s.Tokens += tokens
	s.totalLatency += d
	s.AvgLatencyMs = float64(s.totalLatency.Milliseconds()) / float64(s.Calls)
}

// Stats returns a snapshot sorted by model name.
func (o *Observer) Stats() []ModelStat {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ModelStat, 0, len(o.stats))
	for _, s := range o.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

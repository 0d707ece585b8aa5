package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"llm-trading-arena/internal/agent"
	"llm-trading-arena/internal/audit"
	"llm-trading-arena/internal/risk"
	"llm-trading-arena/internal/signal"
	"llm-trading-arena/internal/ta"
	"llm-trading-arena/internal/tools"
	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ist        = time.FixedZone("IST", 19800)
	marketOpen = time.Date(2026, 1, 19, 11, 0, 0, 0, ist)
	weekend    = time.Date(2026, 1, 18, 11, 0, 0, 0, ist)
)

// wait blocks for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingMarket struct {
	mu     sync.Mutex
	calls  int
	prices map[string]float64
	fail   map[string]bool
	delay  time.Duration
}

func (m *countingMarket) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) (types.CandleSeries, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if err := wait(ctx, m.delay); err != nil {
		return types.CandleSeries{}, err
	}
	if m.fail[symbol] {
		return types.CandleSeries{}, errors.New("feed down")
	}
	base := m.prices[symbol]
	start := time.Date(2026, 1, 19, 9, 15, 0, 0, ist)
	cs := make([]types.Candle, 30)
	for i := range cs {
		c := base + float64(i%5) - 2
		cs[i] = types.Candle{
			Ts:   start.Add(time.Duration(i) * tf.Duration()).Unix(),
			Open: c, High: c + 1, Low: c - 1, Close: c, Vol: 1000,
		}
	}
	return types.CandleSeries{Symbol: symbol, Timeframe: tf, Candles: cs}, nil
}

func (m *countingMarket) LastPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.prices[symbol], nil
}

type countingBroker struct {
	mu        sync.Mutex
	calls     int
	positions []types.BrokerPosition
	fail      error
	delay     time.Duration
}

func (b *countingBroker) hit() {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
}

func (b *countingBroker) GetPortfolio(ctx context.Context, acct types.Account) (types.Portfolio, error) {
	b.hit()
	if err := wait(ctx, b.delay); err != nil {
		return types.Portfolio{}, err
	}
	if b.fail != nil {
		return types.Portfolio{}, b.fail
	}
	return types.Portfolio{Cash: acct.CapitalAllocation}, nil
}

func (b *countingBroker) GetPositions(ctx context.Context, acct types.Account) ([]types.BrokerPosition, error) {
	b.hit()
	if err := wait(ctx, b.delay); err != nil {
		return nil, err
	}
	return b.positions, nil
}

func (b *countingBroker) PlaceOrder(ctx context.Context, acct types.Account, req types.OrderReq) (types.OrderResp, error) {
	b.hit()
	return types.OrderResp{OrderID: "ORD-1", Status: "COMPLETE"}, nil
}

func (b *countingBroker) CancelAll(ctx context.Context, acct types.Account) (int, error) {
	b.hit()
	return 0, nil
}

func (b *countingBroker) FindOrderByTag(ctx context.Context, acct types.Account, tag string) (*types.OrderResp, error) {
	b.hit()
	return nil, nil
}

type scriptedReasoner struct {
	mu      sync.Mutex
	replies []types.ChatResponse
	err     error
	calls   int
	prompts []string
}

func (r *scriptedReasoner) Chat(ctx context.Context, model string, msgs []types.Message, tools []types.ToolSchema) (types.ChatResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prompts = append(r.prompts, msgs[1].Content)
	if r.err != nil {
		return types.ChatResponse{}, r.err
	}
	if len(r.replies) == 0 {
		return types.ChatResponse{Message: types.Message{Role: types.RoleAssistant, Content: "HOLD"}}, nil
	}
	out := r.replies[0]
	r.replies = r.replies[1:]
	return out, nil
}

type fixture struct {
	eng      *Engine
	store    *audit.Store
	market   *countingMarket
	broker   *countingBroker
	reasoner *scriptedReasoner
	acct     types.Account
}

func newFixture(t *testing.T, at time.Time) *fixture {
	t.Helper()
	t.Setenv("TRADER_LOG_DIR", t.TempDir())

	st, err := audit.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	acct := types.Account{ID: "gpt", Name: "GPT", Model: "m", CapitalAllocation: 100000, RiskPerTradePct: 2, MaxPositions: 3, Symbols: []string{"TCS", "INFY"}, Active: true}
	require.NoError(t, st.UpsertAccount(context.Background(), acct))

	gate := risk.NewGate(risk.NewMarketHours(9*time.Hour+15*time.Minute, 15*time.Hour+30*time.Minute, ist, nil), 10)
	gate.Now = func() time.Time { return at }

	f := &fixture{
		store:    st,
		market:   &countingMarket{prices: map[string]float64{"TCS": 100, "INFY": 200}, fail: map[string]bool{}},
		broker:   &countingBroker{},
		reasoner: &scriptedReasoner{},
		acct:     acct,
	}
	f.eng = New(Params{
		DefaultModel:    "m",
		System:          "sys",
		MaxIterations:   5,
		CallTimeout:     time.Second,
		Timeframes:      []types.Timeframe{types.TF5m, types.TF15m},
		Lookback:        30,
		Indicators:      ta.Periods{SMA: 20, EMAFast: 9, EMASlow: 21, RSI: 14, ATR: 14},
		MaxDailyLossPct: 10,
		MarketHours:     "09:15 - 15:30",
		FetchWorkers:    2,
		Risk:            tools.RiskParams{RiskRewardRatio: 3, DefaultStopPct: 1, StrategyStopPct: map[string]float64{"vwap": 0.2}, MinTick: 0.05},
	}, gate, signal.NewDetector(0.3, 1, true, ist), f.market, f.broker, f.reasoner, st)
	return f
}

func (f *fixture) account(t *testing.T) types.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), f.acct.ID)
	require.NoError(t, err)
	return a
}

func TestMarketClosedMakesNoCalls(t *testing.T) {
	f := newFixture(t, weekend)

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)

	assert.Equal(t, types.CycleSkipped, res.Outcome)
	assert.Empty(t, res.InvocationID)
	assert.Zero(t, f.market.calls)
	assert.Zero(t, f.broker.calls)
	assert.Zero(t, f.reasoner.calls)

	a := f.account(t)
	assert.Zero(t, a.InvocationCount)
	assert.Nil(t, a.LastExecuted)
}

func TestCycleCompletesAndBumpsAccount(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.reasoner.replies = []types.ChatResponse{
		{Message: types.Message{ToolCalls: []types.ToolCall{{ID: "c1", Name: "buy", Arguments: `{"symbol":"TCS","quantity":5,"strategy":"vwap"}`}}}, Tokens: 100},
		{Message: types.Message{Content: "Bought 5 TCS on VWAP retest"}, Tokens: 40},
	}

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)

	assert.Equal(t, types.CycleCompleted, res.Outcome)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 140, res.Tokens)
	assert.Equal(t, 2, f.reasoner.calls)

	inv, err := f.store.GetInvocation(context.Background(), res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationCompleted, inv.Status)
	assert.Equal(t, "Bought 5 TCS on VWAP retest", inv.Response)
	require.Len(t, inv.ToolCalls, 1)
	assert.Equal(t, types.ToolSuccess, inv.ToolCalls[0].Status)
	assert.Equal(t, inv.Prompt, f.reasoner.prompts[0])

	a := f.account(t)
	assert.Equal(t, 1, a.InvocationCount)
	assert.NotNil(t, a.LastExecuted)

	open, err := f.store.OpenPositions(context.Background(), f.acct.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 5, open[0].Qty)
}

func TestPromptIsOrderedAndNumbered(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.acct.InvocationCount = 7

	_, err := f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)

	p := f.reasoner.prompts[0]
	assert.Contains(t, p, "invocation #8 for account 'GPT'")
	assert.Less(t, strings.Index(p, "=== INFY"), strings.Index(p, "=== TCS"))
	assert.Less(t, strings.Index(p, "5m timeframe"), strings.Index(p, "15m timeframe"))
	assert.Contains(t, p, "Risk only 2.00% of capital per trade")
	assert.Contains(t, p, "buy(symbol, quantity, strategy)")
	assert.Contains(t, p, "EMA fast/slow: ")
	assert.NotContains(t, p, "EMA fast/slow: n/a / n/a")
}

func TestReasoningFailureRecordsFailedInvocation(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.reasoner.err = errors.New("upstream 503")

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.Error(t, err)
	assert.True(t, types.IsExternal(err))
	assert.Equal(t, types.CycleFailed, res.Outcome)

	inv, err := f.store.GetInvocation(context.Background(), res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationFailed, inv.Status)
	assert.Contains(t, inv.Error, "upstream 503")
	assert.Empty(t, inv.ToolCalls)

	a := f.account(t)
	assert.Zero(t, a.InvocationCount, "failed cycles do not bump the account")
	assert.Nil(t, a.LastExecuted)

	// the next cycle is not blocked by a dangling in-progress record
	f.reasoner.err = nil
	res, err = f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)
	assert.Equal(t, types.CycleCompleted, res.Outcome)
}

func TestBrokerFailureSkipsReasoning(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.broker.fail = errors.New("kite: gateway timeout")

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.Error(t, err)
	assert.True(t, types.IsExternal(err))
	assert.Zero(t, f.reasoner.calls)

	inv, err := f.store.GetInvocation(context.Background(), res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationFailed, inv.Status)
}

func TestMarketDataOutageFailsCycle(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.market.fail = map[string]bool{"TCS": true, "INFY": true}

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.Error(t, err)
	var ext *types.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "marketdata", ext.Service)
	assert.Equal(t, types.CycleFailed, res.Outcome)
	assert.Zero(t, f.reasoner.calls)
}

func TestPartialMarketDataStillRuns(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.market.fail = map[string]bool{"TCS": true}

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)
	assert.Equal(t, types.CycleCompleted, res.Outcome)
	assert.Contains(t, f.reasoner.prompts[0], "Note: feed down")
}

func TestDailyLossSkipsCycle(t *testing.T) {
	f := newFixture(t, marketOpen)
	ctx := context.Background()
	p := &types.Position{AccountID: f.acct.ID, Symbol: "TCS", Side: types.Buy, Qty: 100, EntryPrice: 200}
	require.NoError(t, f.store.CreatePosition(ctx, p))
	_, err := f.store.ClosePosition(ctx, p.ID, 50, marketOpen.Add(-time.Hour))
	require.NoError(t, err)

	res, err := f.eng.RunCycle(ctx, f.acct)
	require.NoError(t, err)
	assert.Equal(t, types.CycleSkipped, res.Outcome)
	assert.Contains(t, res.Reason, "daily_loss")
	assert.Zero(t, f.reasoner.calls)
	assert.Zero(t, f.account(t).InvocationCount)
}

func TestReconcileClosesPositionsGoneAtBroker(t *testing.T) {
	f := newFixture(t, marketOpen)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePosition(ctx, &types.Position{AccountID: f.acct.ID, Symbol: "TCS", Side: types.Buy, Qty: 10, EntryPrice: 100}))
	require.NoError(t, f.store.CreatePosition(ctx, &types.Position{AccountID: f.acct.ID, Symbol: "INFY", Side: types.Buy, Qty: 4, EntryPrice: 200, StopPrice: 199}))
	f.broker.positions = []types.BrokerPosition{{Symbol: "INFY", Qty: 4, AvgPrice: 200, LastPrice: 198}}

	_, err := f.eng.RunCycle(ctx, f.acct)
	require.NoError(t, err)

	open, err := f.store.OpenPositions(ctx, f.acct.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "INFY", open[0].Symbol)
	assert.Contains(t, f.reasoner.prompts[0], "INFY BUY 4 @ 200.00, stop 199.00")
	assert.Contains(t, f.reasoner.prompts[0], "[STOP HIT]")
}

func TestInactiveAccountSkipped(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.acct.Active = false

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)
	assert.Equal(t, types.CycleSkipped, res.Outcome)
	assert.Zero(t, f.broker.calls)
}

func TestMarkPosition(t *testing.T) {
	short := types.Position{Symbol: "SBIN", Side: types.Sell, Qty: 10, EntryPrice: 100, StopPrice: 102, TargetPrice: 94}

	v := markPosition(short, 103)
	assert.True(t, v.StopHit)
	assert.False(t, v.TargetHit)
	assert.InDelta(t, -30, v.Unrealized, 1e-9)

	v = markPosition(short, 93)
	assert.True(t, v.TargetHit)
	assert.InDelta(t, 70, v.Unrealized, 1e-9)

	v = markPosition(short, 0)
	assert.False(t, v.StopHit)
	assert.Zero(t, v.Unrealized)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "100,000.00", money(100000))
	assert.Equal(t, "-1,234.50", money(-1234.5))
	assert.Equal(t, "12.00", money(12))
}

func TestCancellationLetsInFlightFetchesFinish(t *testing.T) {
	f := newFixture(t, marketOpen)
	f.market.delay = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := f.eng.RunCycle(ctx, f.acct)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrInterrupted)
	assert.False(t, types.IsExternal(err), "market data must not be cut short")
	assert.Zero(t, f.reasoner.calls)

	inv, err := f.store.GetInvocation(context.Background(), res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationFailed, inv.Status)
	assert.Contains(t, inv.Prompt, "=== TCS")
	assert.NotContains(t, inv.Prompt, "context canceled")
}

func TestBrokerReadsHaveSeparateTimeouts(t *testing.T) {
	f := newFixture(t, marketOpen)
	// each read fits the 1s call timeout, the two together do not
	f.broker.delay = 600 * time.Millisecond

	res, err := f.eng.RunCycle(context.Background(), f.acct)
	require.NoError(t, err)
	assert.Equal(t, types.CycleCompleted, res.Outcome)
}

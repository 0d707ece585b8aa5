package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit", "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) types.Account {
	t.Helper()
	a := types.Account{ID: "gpt", Name: "GPT", Model: "openai/gpt-4o", CapitalAllocation: 100000, RiskPerTradePct: 2, MaxPositions: 3, Symbols: []string{"TCS", "INFY"}, Active: true}
	require.NoError(t, s.UpsertAccount(context.Background(), a))
	return a
}

func TestAccountUpsertKeepsCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seed(t, s)

	inv := &types.Invocation{AccountID: a.ID, Model: a.Model, Prompt: "p"}
	require.NoError(t, s.OpenInvocation(ctx, inv))
	require.NoError(t, s.CloseInvocation(ctx, inv, true))

	a.CapitalAllocation = 50000
	require.NoError(t, s.UpsertAccount(ctx, a))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, got.CapitalAllocation)
	assert.Equal(t, 1, got.InvocationCount)
	assert.NotNil(t, got.LastExecuted)
	assert.Equal(t, []string{"TCS", "INFY"}, got.Symbols)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.UpsertAccount(ctx, types.Account{ID: "off", Active: false}))

	accts, err := s.ActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, "gpt", accts[0].ID)
}

func TestInvocationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seed(t, s)

	inv := &types.Invocation{AccountID: a.ID, Model: a.Model, Prompt: "prompt", MarketContext: map[string]any{"TCS": "x"}}
	require.NoError(t, s.OpenInvocation(ctx, inv))
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, types.InvocationInProgress, inv.Status)

	// one open invocation per account
	err := s.OpenInvocation(ctx, &types.Invocation{AccountID: a.ID})
	var ae *types.AccountStateError
	assert.True(t, errors.As(err, &ae))

	for i, name := range []string{"close_all", "buy"} {
		require.NoError(t, s.AppendToolCall(ctx, &types.ToolCallRecord{
			InvocationID: inv.ID, Seq: i + 1, Name: name, Arguments: "{}", Result: "ok", Status: types.ToolSuccess,
		}))
	}

	inv.Response = "done"
	inv.Tokens = 321
	inv.Latency = 1500 * time.Millisecond
	require.NoError(t, s.CloseInvocation(ctx, inv, true))

	got, err := s.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationCompleted, got.Status)
	assert.Equal(t, "done", got.Response)
	assert.Equal(t, 321, got.Tokens)
	assert.Equal(t, 1500*time.Millisecond, got.Latency)
	assert.Equal(t, "x", got.MarketContext["TCS"])
	require.Len(t, got.ToolCalls, 2)
	assert.Equal(t, "close_all", got.ToolCalls[0].Name)
	assert.Equal(t, "buy", got.ToolCalls[1].Name)

	// closed records are immutable
	assert.Error(t, s.CloseInvocation(ctx, inv, true))
	assert.Error(t, s.AppendToolCall(ctx, &types.ToolCallRecord{InvocationID: inv.ID, Seq: 3, Name: "buy"}))

	acct, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, acct.InvocationCount)
}

func TestCloseInvocationRollsBackWithoutAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv := &types.Invocation{AccountID: "ghost", Prompt: "p"}
	require.NoError(t, s.OpenInvocation(ctx, inv))
	require.Error(t, s.CloseInvocation(ctx, inv, true))

	got, err := s.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationInProgress, got.Status, "invocation close rolled back with the account bump")
}

func TestFailedInvocationDoesNotBump(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seed(t, s)

	inv := &types.Invocation{AccountID: a.ID}
	require.NoError(t, s.OpenInvocation(ctx, inv))
	inv.Status = types.InvocationFailed
	inv.Error = "openai chat: timeout"
	require.NoError(t, s.CloseInvocation(ctx, inv, false))

	acct, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, acct.InvocationCount)
	assert.Nil(t, acct.LastExecuted)
}

func TestConcurrentCloseBumpsEachOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s)
	require.NoError(t, s.UpsertAccount(ctx, types.Account{ID: "b", Active: true}))

	var wg sync.WaitGroup
	for _, id := range []string{"gpt", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 0; n < 5; n++ {
				inv := &types.Invocation{AccountID: id}
				if assert.NoError(t, s.OpenInvocation(ctx, inv)) {
					assert.NoError(t, s.CloseInvocation(ctx, inv, true))
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"gpt", "b"} {
		a, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 5, a.InvocationCount)
	}
}

func TestAbandonStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seed(t, s)

	inv := &types.Invocation{AccountID: a.ID}
	require.NoError(t, s.OpenInvocation(ctx, inv))

	n, err := s.AbandonStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InvocationAbandoned, got.Status)

	// the account can open a fresh invocation afterwards
	assert.NoError(t, s.OpenInvocation(ctx, &types.Invocation{AccountID: a.ID}))
}

func TestPositionsAndRealizedPnL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seed(t, s)
	dayStart := time.Now().UTC().Add(-time.Hour)

	long := &types.Position{AccountID: a.ID, Symbol: "TCS", Side: types.Buy, Qty: 10, EntryPrice: 100}
	short := &types.Position{AccountID: a.ID, Symbol: "INFY", Side: types.Sell, Qty: 5, EntryPrice: 200}
	require.NoError(t, s.CreatePosition(ctx, long))
	require.NoError(t, s.CreatePosition(ctx, short))

	open, err := s.OpenPositions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	closedLong, err := s.ClosePosition(ctx, long.ID, 95, time.Now())
	require.NoError(t, err)
	assert.Equal(t, -50.0, closedLong.RealizedPnL)

	closedShort, err := s.ClosePosition(ctx, short.ID, 180, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 100.0, closedShort.RealizedPnL)

	_, err = s.ClosePosition(ctx, long.ID, 90, time.Now())
	assert.Error(t, err)

	pnl, err := s.RealizedPnLSince(ctx, a.ID, dayStart)
	require.NoError(t, err)
	assert.Equal(t, 50.0, pnl)

	pnl, err = s.RealizedPnLSince(ctx, a.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.0, pnl)

	open, err = s.OpenPositions(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

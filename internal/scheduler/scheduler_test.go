package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAccounts []types.Account

func (s staticAccounts) ActiveAccounts(ctx context.Context) ([]types.Account, error) {
	return s, nil
}

type brokenAccounts struct{}

func (brokenAccounts) ActiveAccounts(ctx context.Context) ([]types.Account, error) {
	return nil, errors.New("database is locked")
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string][]types.CycleOutcome
}

func newRecorder() *recorder {
	return &recorder{outcomes: map[string][]types.CycleOutcome{}}
}

func (r *recorder) RecordCycle(id string, outcome types.CycleOutcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = append(r.outcomes[id], outcome)
}

func (r *recorder) get(id string) []types.CycleOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.CycleOutcome(nil), r.outcomes[id]...)
}

// fakeEngine tracks per-account concurrency and can block or fail accounts.
type fakeEngine struct {
	mu      sync.Mutex
	running map[string]int
	overlap atomic.Bool
	peak    atomic.Int32
	active  atomic.Int32
	release chan struct{}
	fail    map[string]error
	panics  map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: map[string]int{}, fail: map[string]error{}, panics: map[string]bool{}}
}

func (f *fakeEngine) RunCycle(ctx context.Context, acct types.Account) (*types.CycleResult, error) {
	f.mu.Lock()
	f.running[acct.ID]++
	if f.running[acct.ID] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running[acct.ID]--
		f.mu.Unlock()
	}()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.release != nil {
		<-f.release
	}
	if f.panics[acct.ID] {
		panic("boom")
	}
	if err := f.fail[acct.ID]; err != nil {
		return &types.CycleResult{AccountID: acct.ID, Outcome: types.CycleFailed}, err
	}
	return &types.CycleResult{AccountID: acct.ID, Outcome: types.CycleCompleted}, nil
}

func accounts(ids ...string) staticAccounts {
	out := make(staticAccounts, len(ids))
	for i, id := range ids {
		out[i] = types.Account{ID: id, Active: true}
	}
	return out
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	eng := newFakeEngine()
	eng.fail["b"] = errors.New("reasoning 503")
	eng.panics["c"] = true
	rec := newRecorder()

	s := New(eng, accounts("a", "b", "c", "d"), rec, Params{Interval: time.Minute, MaxConcurrent: 4})
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, []types.CycleOutcome{types.CycleCompleted}, rec.get("a"))
	assert.Equal(t, []types.CycleOutcome{types.CycleFailed}, rec.get("b"))
	assert.Equal(t, []types.CycleOutcome{types.CycleFailed}, rec.get("c"))
	assert.Equal(t, []types.CycleOutcome{types.CycleCompleted}, rec.get("d"))
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	rec := newRecorder()
	s := New(eng, accounts("a", "b", "c", "d", "e"), rec, Params{Interval: time.Minute, MaxConcurrent: 2})

	done := make(chan error)
	go func() { done <- s.RunOnce(context.Background()) }()
	for i := 0; i < 5; i++ {
		eng.release <- struct{}{}
	}
	require.NoError(t, <-done)
	assert.LessOrEqual(t, eng.peak.Load(), int32(2))
}

func TestAccountNeverOverlapsItself(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	rec := newRecorder()
	s := New(eng, accounts("a"), rec, Params{Interval: time.Minute, MaxConcurrent: 4})

	first := make(chan error)
	go func() { first <- s.RunOnce(context.Background()) }()
	require.Eventually(t, func() bool { return eng.active.Load() == 1 }, time.Second, time.Millisecond)

	// a second tick while the first cycle is still running is skipped
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []types.CycleOutcome{types.CycleSkipped}, rec.get("a"))

	eng.release <- struct{}{}
	require.NoError(t, <-first)
	assert.False(t, eng.overlap.Load())
	assert.Equal(t, []types.CycleOutcome{types.CycleSkipped, types.CycleCompleted}, rec.get("a"))
}

func TestRunOnceReportsAccountListFailure(t *testing.T) {
	s := New(newFakeEngine(), brokenAccounts{}, newRecorder(), Params{Interval: time.Minute})
	assert.Error(t, s.RunOnce(context.Background()))
}

func TestStartRunsImmediatelyAndStopDrains(t *testing.T) {
	eng := newFakeEngine()
	rec := newRecorder()
	s := New(eng, accounts("a", "b"), rec, Params{Interval: time.Hour, MaxConcurrent: 2, RunOnStart: true})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(rec.get("a")) == 1 && len(rec.get("b")) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	eng := newFakeEngine()
	eng.release = make(chan struct{})
	rec := newRecorder()
	s := New(eng, accounts("a"), rec, Params{Interval: time.Hour, MaxConcurrent: 1, RunOnStart: true})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return eng.active.Load() == 1 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Stop(short), "drain times out while the cycle is blocked")

	eng.release <- struct{}{}
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, []types.CycleOutcome{types.CycleCompleted}, rec.get("a"))
}

func TestStartRejectsZeroInterval(t *testing.T) {
	s := New(newFakeEngine(), accounts("a"), newRecorder(), Params{})
	assert.Error(t, s.Start(context.Background()))
}

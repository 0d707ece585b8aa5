// Package scheduler fires the cycle orchestrator for every active account on
// a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/types"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// AccountSource lists the accounts to run on each tick.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]types.Account, error)
}

// Recorder receives the outcome of every cycle attempt.
type Recorder interface {
	RecordCycle(accountID string, outcome types.CycleOutcome, err error)
}

type Params struct {
	Interval      time.Duration
	MaxConcurrent int
	RunOnStart    bool
}

// Scheduler runs at most one cycle per account at a time; different accounts
// run concurrently up to MaxConcurrent.
type Scheduler struct {
	engine   interfaces.Engine
	accounts AccountSource
	rec      Recorder
	p        Params

	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
	ticks  sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(eng interfaces.Engine, accounts AccountSource, rec Recorder, p Params) *Scheduler {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	return &Scheduler{engine: eng, accounts: accounts, rec: rec, p: p, locks: make(map[string]*sync.Mutex)}
}

// Start registers the tick and starts the cron runner. Cycles run under a
// context derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.p.Interval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)

	l := cronLogger{}
	s.cron = cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l)),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.p.Interval), s.tick); err != nil {
		return fmt.Errorf("register tick: %w", err)
	}
	s.cron.Start()
	logger.Info(ctx, "Scheduler started", "interval", s.p.Interval.String(), "max_concurrent", s.p.MaxConcurrent)

	if s.p.RunOnStart {
		s.ticks.Add(1)
		go func() {
			defer s.ticks.Done()
			s.runTick()
		}()
	}
	return nil
}

// Stop prevents new ticks, asks in-flight agent loops to finish their current
// step, and waits for running cycles until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.ticks.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(ctx, "Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

func (s *Scheduler) tick() {
	s.ticks.Add(1)
	defer s.ticks.Done()
	s.runTick()
}

func (s *Scheduler) runTick() {
	if err := s.RunOnce(s.runCtx); err != nil {
		logger.ErrorWithErr(s.runCtx, "Scheduler tick failed", err)
	}
}

// RunOnce runs one cycle for every active account and waits for all of them.
// A failing account never stops the others; the returned error only reports
// that the account list could not be loaded.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	accts, err := s.accounts.ActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list active accounts: %w", err)
	}
	logger.Debug(ctx, "Scheduler tick", "accounts", len(accts))

	var g errgroup.Group
	g.SetLimit(s.p.MaxConcurrent)
	for _, acct := range accts {
		acct := acct
		g.Go(func() error {
			s.runAccount(ctx, acct)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Scheduler) runAccount(ctx context.Context, acct types.Account) {
	lock := s.lockFor(acct.ID)
	if !lock.TryLock() {
		logger.Warn(ctx, "Previous cycle still running, skipping account", "account_id", acct.ID)
		s.rec.RecordCycle(acct.ID, types.CycleSkipped, nil)
		return
	}
	defer lock.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("cycle panic: %v", p)
			logger.ErrorWithErr(ctx, "Cycle panicked", err, "account_id", acct.ID)
			s.rec.RecordCycle(acct.ID, types.CycleFailed, err)
		}
	}()

	res, err := s.engine.RunCycle(ctx, acct)
	outcome := types.CycleFailed
	if res != nil && res.Outcome != "" {
		outcome = res.Outcome
	}
	if err != nil {
		outcome = types.CycleFailed
	}
	s.rec.RecordCycle(acct.ID, outcome, err)
}

// cronLogger routes cron's own logging through the structured logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug(context.Background(), "cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.ErrorWithErr(context.Background(), "cron: "+msg, err, keysAndValues...)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm-trading-arena/internal/eod"
	"llm-trading-arena/internal/health"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/scheduler"
	"llm-trading-arena/internal/store"
	"llm-trading-arena/internal/trace"
	"llm-trading-arena/internal/tradelog"
)

const shutdownGrace = 90 * time.Second

func main() {
	if err := initializeSystem(); err != nil {
		log.Fatal(err)
	}
	if err := run(); err != nil {
		logger.ErrorWithErr(context.Background(), "Arena exited with error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	compressOldLogs(ctx)

	st, err := initializeStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	md, feed, err := initializeMarketData(ctx, cfg)
	if err != nil {
		return err
	}
	if feed != nil {
		defer feed.Stop(context.Background())
	}

	brk := initializeBroker(ctx, cfg, md)
	reasoner, err := initializeReasoner(ctx, cfg)
	if err != nil {
		return err
	}
	eng, err := initializeEngine(cfg, md, brk, reasoner, st)
	if err != nil {
		return err
	}

	mon := health.NewMonitor(health.DefaultFailureThreshold)
	sched := scheduler.New(eng, st, mon, scheduler.Params{
		Interval:      cfg.Interval(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrentAccounts,
		RunOnStart:    cfg.Scheduler.RunOnStart,
	})

	var srv *health.Server
	if cfg.Health.Addr != "" {
		srv = health.NewServer(cfg.Health.Addr, health.NewRouter(mon, metrics.NewRegistry(), reasoner))
		srv.Start(ctx)
	}

	// cycles are not tied to ctx so a signal lets them finish their current step
	if err := sched.Start(context.Background()); err != nil {
		return err
	}
	logger.Info(ctx, "Arena started",
		"mode", cfg.Mode,
		"data_source", cfg.DataSource,
		"provider", cfg.LLM.Provider,
		"accounts", len(cfg.Accounts),
	)

	eodCutoff := eod.DefaultCutoff
	if d, err := store.ParseClock(cfg.MarketHours.Close); err == nil {
		eodCutoff = d + 10*time.Minute
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-housekeeping.C:
			if n := md.Sweep(); n > 0 {
				logger.Debug(ctx, "Evicted expired candles", "count", n)
			}
			if eod.ShouldRun(tradelog.Now(), eodCutoff) {
				writeSummary(ctx)
			}
		case <-sigc:
			logger.Info(ctx, "Shutting down...")
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			if err := sched.Stop(sctx); err != nil {
				logger.ErrorWithErr(ctx, "Scheduler did not drain", err)
			}
			writeSummary(ctx)
			if srv != nil {
				_ = srv.Shutdown(sctx)
			}
			_ = trace.Shutdown(sctx)
			return nil
		}
	}
}

func writeSummary(ctx context.Context) {
	path, err := eod.SummarizeDay(tradelog.Now())
	if err != nil {
		logger.ErrorWithErr(ctx, "EOD summary failed", err)
		return
	}
	if path != "" {
		logger.Info(ctx, "EOD summary written", "path", path)
	}
}

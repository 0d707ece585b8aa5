package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"llm-trading-arena/internal/audit"
	"llm-trading-arena/internal/broker/brokerobs"
	"llm-trading-arena/internal/broker/kite"
	"llm-trading-arena/internal/broker/paper"
	"llm-trading-arena/internal/engine"
	"llm-trading-arena/internal/engine/engineobs"
	"llm-trading-arena/internal/interfaces"
	"llm-trading-arena/internal/llm/claude"
	"llm-trading-arena/internal/llm/llmobs"
	"llm-trading-arena/internal/llm/noop"
	"llm-trading-arena/internal/llm/openai"
	"llm-trading-arena/internal/logger"
	"llm-trading-arena/internal/marketdata"
	"llm-trading-arena/internal/risk"
	"llm-trading-arena/internal/signal"
	"llm-trading-arena/internal/store"
	"llm-trading-arena/internal/trace"
	"llm-trading-arena/internal/tradelog"

	"github.com/joho/godotenv"
)

// initializeSystem initializes environment, logger and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func configPath() string {
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := store.LoadConfig(configPath())
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	tradelog.SetLocation(cfg.Location())
	return cfg, nil
}

// compressOldLogs compresses old tradelog files if retention is configured
func compressOldLogs(ctx context.Context) {
	v := os.Getenv("TRADER_LOG_RETENTION_DAYS")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn(ctx, "Invalid TRADER_LOG_RETENTION_DAYS", "value", v)
		return
	}
	if err := tradelog.CompressOlder(n); err != nil {
		logger.Warn(ctx, "Failed to compress old logs", "error", err)
	}
}

// initializeStore opens the audit database, seeds configured accounts and
// closes invocations left open by a previous crash.
func initializeStore(ctx context.Context, cfg *store.Config) (*audit.Store, error) {
	st, err := audit.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.SeedAccounts() {
		if err := st.UpsertAccount(ctx, a); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed account %s: %w", a.ID, err)
		}
	}
	n, err := st.AbandonStale(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("abandon stale invocations: %w", err)
	}
	if n > 0 {
		logger.Warn(ctx, "Marked interrupted invocations as abandoned", "count", n)
	}
	return st, nil
}

func trackedSymbols(cfg *store.Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range cfg.SeedAccounts() {
		for _, s := range a.Symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// initializeMarketData returns the candle provider and, for LIVE data, the
// running tick feed.
func initializeMarketData(ctx context.Context, cfg *store.Config) (*marketdata.Provider, *marketdata.TickerFeed, error) {
	ttl := time.Duration(cfg.MarketData.CacheTTLSeconds) * time.Second

	if cfg.DataSource != "LIVE" {
		logger.Info(ctx, "Using STATIC mock candle data for testing")
		return marketdata.NewProvider(marketdata.NewStaticSource(), ttl), nil, nil
	}

	apiKey := os.Getenv(envOr(cfg.MarketData.APIKeyEnv, "KITE_API_KEY"))
	token := os.Getenv(envOr(cfg.MarketData.AccessTokenEnv, "KITE_ACCESS_TOKEN"))
	src, err := marketdata.NewKiteSource(marketdata.KiteParams{
		APIKey:      apiKey,
		AccessToken: token,
		Tokens:      cfg.MarketData.InstrumentTokens,
		Timeout:     cfg.CallTimeout(),
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info(ctx, "Using LIVE candle data from Zerodha")

	feed := marketdata.NewTickerFeed(apiKey, token, cfg.MarketData.InstrumentTokens)
	if err := feed.Start(ctx, trackedSymbols(cfg)); err != nil {
		logger.Warn(ctx, "Ticker unavailable, last prices will come from candles", "error", err)
		return marketdata.NewProvider(src, ttl), nil, nil
	}
	return marketdata.NewProvider(src, ttl).WithFeed(feed), feed, nil
}

// initializeBroker initializes and returns the broker instance with observability
func initializeBroker(ctx context.Context, cfg *store.Config, md *marketdata.Provider) interfaces.Broker {
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - orders will be simulated")
		return brokerobs.Wrap(paper.New(md), "paper")
	}

	brk := kite.New(kite.Params{
		Exchange:       cfg.Exchange,
		APIKeyEnv:      "KITE_API_KEY",
		AccessTokenEnv: "KITE_ACCESS_TOKEN",
		Timeout:        cfg.CallTimeout(),
	})
	return brokerobs.Wrap(brk, "kite")
}

// initializeReasoner initializes the reasoning service with observability
func initializeReasoner(ctx context.Context, cfg *store.Config) (*llmobs.Observer, error) {
	var (
		r   interfaces.Reasoner
		err error
	)
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)

	switch cfg.LLM.Provider {
	case "OPENROUTER", "OPENAI":
		base := cfg.LLM.BaseURL
		if base == "" && cfg.LLM.Provider == "OPENROUTER" {
			base = openai.OpenRouterBaseURL
		}
		r, err = openai.New(openai.Params{
			APIKey:      apiKey,
			BaseURL:     base,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.CallTimeout(),
		})
	case "CLAUDE":
		r, err = claude.New(claude.Params{
			APIKey:      apiKey,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.CallTimeout(),
		})
	default:
		r = noop.New()
		logger.Warn(ctx, "No LLM provider configured - using Noop reasoner (always HOLD)")
	}
	if err != nil {
		return nil, fmt.Errorf("init %s reasoner: %w", cfg.LLM.Provider, err)
	}

	return llmobs.Wrap(r, cfg.LLM.Provider), nil
}

// initializeEngine initializes and returns the cycle orchestrator with observability
func initializeEngine(cfg *store.Config, md interfaces.MarketData, brk interfaces.Broker, r interfaces.Reasoner, st interfaces.AuditStore) (interfaces.Engine, error) {
	hours, err := risk.MarketHoursFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	gate := risk.NewGate(hours, cfg.Risk.MaxDailyLossPct)
	det := signal.NewDetector(cfg.Signal.RetestTolerancePct, cfg.Signal.BandMultiplier, *cfg.Signal.SessionReset, cfg.Location())

	eng := engine.New(engine.ParamsFromConfig(cfg), gate, det, md, brk, r, st)
	return engineobs.Wrap(eng), nil
}

func envOr(name, def string) string {
	if name != "" {
		return name
	}
	return def
}

package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"llm-trading-arena/internal/types"

	"gopkg.in/yaml.v3"
)

type AccountConfig struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Model             string   `yaml:"model"`
	CapitalAllocation float64  `yaml:"capital_allocation"`
	RiskPerTradePct   float64  `yaml:"risk_per_trade_pct"`
	MaxPositions      int      `yaml:"max_positions"`
	Symbols           []string `yaml:"symbols"`
	Active            *bool    `yaml:"active"`
	APIKeyEnv         string   `yaml:"api_key_env"`
	AccessTokenEnv    string   `yaml:"access_token_env"`
}

type Config struct {
	Mode       string `yaml:"mode"`
	DataSource string `yaml:"data_source"`
	Exchange   string `yaml:"exchange"`
	Scheduler  struct {
		IntervalSeconds       int  `yaml:"interval_seconds"`
		MaxConcurrentAccounts int  `yaml:"max_concurrent_accounts"`
		CallTimeoutSeconds    int  `yaml:"call_timeout_seconds"`
		RunOnStart            bool `yaml:"run_on_start"`
	} `yaml:"scheduler"`
	MarketHours struct {
		Open     string   `yaml:"open"`
		Close    string   `yaml:"close"`
		Timezone string   `yaml:"timezone"`
		Holidays []string `yaml:"holidays"`
	} `yaml:"market_hours"`
	Risk struct {
		DefaultRiskPerTradePct float64            `yaml:"default_risk_per_trade_pct"`
		MaxDailyLossPct        float64            `yaml:"max_daily_loss_pct"`
		MaxPositions           int                `yaml:"max_positions"`
		RiskRewardRatio        float64            `yaml:"risk_reward_ratio"`
		DefaultStopPct         float64            `yaml:"default_stop_pct"`
		StrategyStopPct        map[string]float64 `yaml:"strategy_stop_pct"`
		MinTick                float64            `yaml:"min_tick"`
	} `yaml:"risk"`
	Signal struct {
		RetestTolerancePct float64 `yaml:"retest_tolerance_pct"`
		BandMultiplier     float64 `yaml:"band_multiplier"`
		SessionReset       *bool   `yaml:"session_reset"`
	} `yaml:"signal"`
	Indicators struct {
		SMAWindow int `yaml:"sma_window"`
		EMAFast   int `yaml:"ema_fast"`
		EMASlow   int `yaml:"ema_slow"`
		RSIPeriod int `yaml:"rsi_period"`
		ATRPeriod int `yaml:"atr_period"`
	} `yaml:"indicators"`
	MarketData struct {
		Timeframes       []string          `yaml:"timeframes"`
		Lookback         int               `yaml:"lookback"`
		CacheTTLSeconds  int               `yaml:"cache_ttl_seconds"`
		InstrumentTokens map[string]uint32 `yaml:"instrument_tokens"`
		APIKeyEnv        string            `yaml:"api_key_env"`
		AccessTokenEnv   string            `yaml:"access_token_env"`
	} `yaml:"market_data"`
	LLM struct {
		Provider      string  `yaml:"provider"`
		Model         string  `yaml:"model"`
		BaseURL       string  `yaml:"base_url"`
		APIKeyEnv     string  `yaml:"api_key_env"`
		MaxTokens     int     `yaml:"max_tokens"`
		Temperature   float32 `yaml:"temperature"`
		System        string  `yaml:"system"`
		MaxIterations int     `yaml:"max_iterations"`
	} `yaml:"llm"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`
	Accounts []AccountConfig `yaml:"accounts"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.DataSource != "STATIC" && c.DataSource != "LIVE" {
		return fmt.Errorf("invalid data_source '%s': must be 'STATIC' or 'LIVE'", c.DataSource)
	}
	if c.Scheduler.IntervalSeconds < 60 {
		return fmt.Errorf("scheduler.interval_seconds must be at least 60, got %d", c.Scheduler.IntervalSeconds)
	}
	if _, err := time.LoadLocation(c.MarketHours.Timezone); err != nil {
		return fmt.Errorf("market_hours.timezone '%s': %w", c.MarketHours.Timezone, err)
	}
	if _, err := ParseClock(c.MarketHours.Open); err != nil {
		return fmt.Errorf("market_hours.open: %w", err)
	}
	if _, err := ParseClock(c.MarketHours.Close); err != nil {
		return fmt.Errorf("market_hours.close: %w", err)
	}
	if c.Risk.DefaultRiskPerTradePct <= 0 || c.Risk.DefaultRiskPerTradePct > 100 {
		return fmt.Errorf("risk.default_risk_per_trade_pct must be between 0-100, got %.2f", c.Risk.DefaultRiskPerTradePct)
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		return fmt.Errorf("risk.max_daily_loss_pct must be between 0-100, got %.2f", c.Risk.MaxDailyLossPct)
	}
	for _, tf := range c.MarketData.Timeframes {
		if !types.Timeframe(tf).Valid() {
			return fmt.Errorf("market_data.timeframes: unsupported timeframe '%s'", tf)
		}
	}
	if c.Indicators.EMAFast >= c.Indicators.EMASlow {
		return fmt.Errorf("indicators.ema_fast (%d) must be below ema_slow (%d)", c.Indicators.EMAFast, c.Indicators.EMASlow)
	}
	if c.LLM.MaxIterations <= 0 {
		return fmt.Errorf("llm.max_iterations must be positive, got %d", c.LLM.MaxIterations)
	}
	if len(c.Accounts) == 0 {
		return errors.New("accounts cannot be empty")
	}
	seen := map[string]bool{}
	for _, a := range c.Accounts {
		if a.ID == "" {
			return errors.New("account id cannot be empty")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id '%s'", a.ID)
		}
		seen[a.ID] = true
		if len(a.Symbols) == 0 {
			return fmt.Errorf("account '%s' has no symbols", a.ID)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "DRY_RUN"
	}
	if c.DataSource == "" {
		c.DataSource = "STATIC"
	}
	if c.Exchange == "" {
		c.Exchange = "NSE"
	}
	if c.Scheduler.IntervalSeconds == 0 {
		c.Scheduler.IntervalSeconds = 300
	}
	if c.Scheduler.MaxConcurrentAccounts == 0 {
		c.Scheduler.MaxConcurrentAccounts = 4
	}
	if c.Scheduler.CallTimeoutSeconds == 0 {
		c.Scheduler.CallTimeoutSeconds = 30
	}
	if c.MarketHours.Open == "" {
		c.MarketHours.Open = "09:15"
	}
	if c.MarketHours.Close == "" {
		c.MarketHours.Close = "15:30"
	}
	if c.MarketHours.Timezone == "" {
		c.MarketHours.Timezone = "Asia/Kolkata"
	}
	if c.Risk.DefaultRiskPerTradePct == 0 {
		c.Risk.DefaultRiskPerTradePct = 2.0
	}
	if c.Risk.MaxDailyLossPct == 0 {
		c.Risk.MaxDailyLossPct = 10.0
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 3
	}
	if c.Risk.RiskRewardRatio == 0 {
		c.Risk.RiskRewardRatio = 3.0
	}
	if c.Risk.DefaultStopPct == 0 {
		c.Risk.DefaultStopPct = 1.0
	}
	if c.Risk.StrategyStopPct == nil {
		c.Risk.StrategyStopPct = map[string]float64{"vwap": 0.2, "ema": 1.0, "rsi": 1.5, "smc": 0.8}
	}
	if c.Risk.MinTick == 0 {
		c.Risk.MinTick = 0.05
	}
	if c.Signal.RetestTolerancePct == 0 {
		c.Signal.RetestTolerancePct = 0.3
	}
	if c.Signal.BandMultiplier == 0 {
		c.Signal.BandMultiplier = 1.0
	}
	if c.Signal.SessionReset == nil {
		reset := true
		c.Signal.SessionReset = &reset
	}
	if c.Indicators.SMAWindow == 0 {
		c.Indicators.SMAWindow = 20
	}
	if c.Indicators.EMAFast == 0 {
		c.Indicators.EMAFast = 9
	}
	if c.Indicators.EMASlow == 0 {
		c.Indicators.EMASlow = 21
	}
	if c.Indicators.RSIPeriod == 0 {
		c.Indicators.RSIPeriod = 14
	}
	if c.Indicators.ATRPeriod == 0 {
		c.Indicators.ATRPeriod = 14
	}
	if len(c.MarketData.Timeframes) == 0 {
		for _, tf := range types.AllTimeframes {
			c.MarketData.Timeframes = append(c.MarketData.Timeframes, string(tf))
		}
	}
	if c.MarketData.Lookback == 0 {
		c.MarketData.Lookback = 75
	}
	if c.MarketData.CacheTTLSeconds == 0 {
		c.MarketData.CacheTTLSeconds = 60
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "NOOP"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENROUTER_API_KEY"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 2000
	}
	if c.LLM.MaxIterations == 0 {
		c.LLM.MaxIterations = 5
	}
	if c.LLM.System == "" {
		c.LLM.System = "You are an expert AI trading assistant for Indian stock markets. Use the provided tools to make trading decisions based on market analysis."
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/arena.db"
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Name == "" {
			a.Name = a.ID
		}
		if a.Model == "" {
			a.Model = c.LLM.Model
		}
		if a.RiskPerTradePct == 0 {
			a.RiskPerTradePct = c.Risk.DefaultRiskPerTradePct
		}
		if a.MaxPositions == 0 {
			a.MaxPositions = c.Risk.MaxPositions
		}
		for j, s := range a.Symbols {
			a.Symbols[j] = strings.ToUpper(strings.TrimSpace(s))
		}
	}
}

// Location returns the exchange time zone. Validate has already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MarketHours.Timezone)
	if err != nil {
		return time.FixedZone("IST", 19800)
	}
	return loc
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Scheduler.CallTimeoutSeconds) * time.Second
}

func (c *Config) Timeframes() []types.Timeframe {
	out := make([]types.Timeframe, 0, len(c.MarketData.Timeframes))
	for _, tf := range c.MarketData.Timeframes {
		out = append(out, types.Timeframe(tf))
	}
	return out
}

// SeedAccounts converts the configured account list into domain accounts.
func (c *Config) SeedAccounts() []types.Account {
	out := make([]types.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		active := true
		if a.Active != nil {
			active = *a.Active
		}
		out = append(out, types.Account{
			ID:                 a.ID,
			Name:               a.Name,
			Model:              a.Model,
			CapitalAllocation:  a.CapitalAllocation,
			RiskPerTradePct:    a.RiskPerTradePct,
			MaxPositions:       a.MaxPositions,
			Symbols:            append([]string(nil), a.Symbols...),
			Active:             active,
			BrokerAPIKeyEnv:    a.APIKeyEnv,
			BrokerAccessKeyEnv: a.AccessTokenEnv,
		})
	}
	return out
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock '%s': %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

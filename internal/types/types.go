package types

import "time"

type Candle struct {
	Ts                          int64
	Open, High, Low, Close, Vol float64
}

// Timeframe is a candle interval supported by the market data provider.
type Timeframe string

const (
	TF5m    Timeframe = "5m"
	TF15m   Timeframe = "15m"
	TF1h    Timeframe = "1h"
	TFDaily Timeframe = "daily"
)

// AllTimeframes lists the timeframes in the order they are rendered into prompts.
var AllTimeframes = []Timeframe{TF5m, TF15m, TF1h, TFDaily}

func (tf Timeframe) Valid() bool {
	switch tf {
	case TF5m, TF15m, TF1h, TFDaily:
		return true
	}
	return false
}

// Intraday reports whether bars of this timeframe belong to a single trading session.
func (tf Timeframe) Intraday() bool {
	return tf != TFDaily
}

// Duration is the wall-clock span of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// CandleSeries is an ordered, immutable run of bars for one (symbol, timeframe).
type CandleSeries struct {
	Symbol    string
	Timeframe Timeframe
	Candles   []Candle
}

func (s CandleSeries) Len() int { return len(s.Candles) }

func (s CandleSeries) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

type SignalLabel string

const (
	BullishBreakout  SignalLabel = "BULLISH_BREAKOUT"
	BullishRetest    SignalLabel = "BULLISH_RETEST"
	BearishBreakdown SignalLabel = "BEARISH_BREAKDOWN"
	BearishRetest    SignalLabel = "BEARISH_RETEST"
	Neutral          SignalLabel = "NEUTRAL"
)

// Signal is a VWAP classification valid only for the bar at Index.
type Signal struct {
	Label       SignalLabel `json:"signal"`
	Index       int         `json:"index"`
	Price       float64     `json:"price"`
	VWAP        float64     `json:"vwap"`
	DistancePct float64     `json:"distance_pct"`
	UpperBand   float64     `json:"upper_band"`
	LowerBand   float64     `json:"lower_band"`
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

type Account struct {
	ID                 string
	Name               string
	Model              string
	CapitalAllocation  float64
	RiskPerTradePct    float64
	MaxPositions       int
	Symbols            []string
	InvocationCount    int
	LastExecuted       *time.Time
	Active             bool
	BrokerAPIKeyEnv    string
	BrokerAccessKeyEnv string
}

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

type Position struct {
	ID           string
	AccountID    string
	InvocationID string
	Symbol       string
	Side         Side
	Qty          int
	EntryPrice   float64
	StopPrice    float64
	TargetPrice  float64
	Strategy     string
	OrderID      string
	Status       PositionStatus
	ExitPrice    float64
	RealizedPnL  float64
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// BrokerPosition is a holding as reported by the broker gateway.
type BrokerPosition struct {
	Symbol    string  `json:"symbol"`
	Qty       int     `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"current_price"`
	PnL       float64 `json:"pnl"`
}

type Portfolio struct {
	Cash     float64 `json:"cash"`
	Invested float64 `json:"invested"`
	DayPnL   float64 `json:"day_pnl"`
}

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

type OrderReq struct {
	Symbol string
	Side   Side
	Qty    int
	Type   OrderType
	Price  *float64
	Tag    string
}

type OrderResp struct {
	OrderID string  `json:"order_id"`
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Price   float64 `json:"price,omitempty"`
}

type InvocationStatus string

const (
	InvocationInProgress InvocationStatus = "IN_PROGRESS"
	InvocationCompleted  InvocationStatus = "COMPLETED"
	InvocationFailed     InvocationStatus = "FAILED"
	InvocationAbandoned  InvocationStatus = "ABANDONED"
)

// Invocation is the audit unit for one cycle of one account.
type Invocation struct {
	ID                  string
	AccountID           string
	Model               string
	Prompt              string
	Response            string
	Tokens              int
	Latency             time.Duration
	Status              InvocationStatus
	Error               string
	IterationsExhausted bool
	MarketContext       map[string]any
	PortfolioContext    map[string]any
	CreatedAt           time.Time
	ClosedAt            *time.Time
	ToolCalls           []ToolCallRecord
}

type ToolCallStatus string

const (
	ToolSuccess ToolCallStatus = "SUCCESS"
	ToolFailed  ToolCallStatus = "FAILED"
)

type ToolCallRecord struct {
	ID           string
	InvocationID string
	Seq          int
	Name         string
	Arguments    string
	Result       string
	Status       ToolCallStatus
	Latency      time.Duration
	CreatedAt    time.Time
}

// Reasoning service messages.

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ChatResponse struct {
	Message Message
	Tokens  int
}

// CycleOutcome summarises one orchestrator run for an account.
type CycleOutcome string

const (
	CycleCompleted CycleOutcome = "COMPLETED"
	CycleSkipped   CycleOutcome = "SKIPPED"
	CycleFailed    CycleOutcome = "FAILED"
)

type CycleResult struct {
	AccountID           string
	InvocationID        string
	Outcome             CycleOutcome
	Reason              string
	Response            string
	ToolCalls           int
	Tokens              int
	IterationsExhausted bool
	Latency             time.Duration
}

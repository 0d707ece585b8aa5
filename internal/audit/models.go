package audit

import (
	"encoding/json"
	"time"

	"llm-trading-arena/internal/types"

	"gorm.io/datatypes"
)

type accountRow struct {
	ID                 string `gorm:"primaryKey"`
	Name               string
	Model              string
	CapitalAllocation  float64
	RiskPerTradePct    float64
	MaxPositions       int
	Symbols            datatypes.JSON
	InvocationCount    int
	LastExecuted       *time.Time
	Active             bool
	BrokerAPIKeyEnv    string
	BrokerAccessKeyEnv string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (accountRow) TableName() string { return "accounts" }

type invocationRow struct {
	ID                  string `gorm:"primaryKey"`
	AccountID           string `gorm:"index:idx_inv_account_status"`
	Model               string
	Prompt              string
	Response            string
	Tokens              int
	LatencyMs           int64
	Status              string `gorm:"index:idx_inv_account_status"`
	Error               string
	IterationsExhausted bool
	MarketContext       datatypes.JSON
	PortfolioContext    datatypes.JSON
	CreatedAt           time.Time
	ClosedAt            *time.Time
}

func (invocationRow) TableName() string { return "invocations" }

type toolCallRow struct {
	ID           string `gorm:"primaryKey"`
	InvocationID string `gorm:"uniqueIndex:idx_tool_inv_seq"`
	Seq          int    `gorm:"uniqueIndex:idx_tool_inv_seq"`
	Name         string
	Arguments    string
	Result       string
	Status       string
	LatencyMs    int64
	CreatedAt    time.Time
}

func (toolCallRow) TableName() string { return "tool_calls" }

type positionRow struct {
	ID           string `gorm:"primaryKey"`
	AccountID    string `gorm:"index:idx_pos_account_status"`
	InvocationID string
	Symbol       string
	Side         string
	Qty          int
	EntryPrice   float64
	StopPrice    float64
	TargetPrice  float64
	Strategy     string
	OrderID      string
	Status       string `gorm:"index:idx_pos_account_status"`
	ExitPrice    float64
	RealizedPnL  float64 `gorm:"column:realized_pnl"`
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

func (positionRow) TableName() string { return "positions" }

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func accountFromRow(r accountRow) types.Account {
	a := types.Account{
		ID:                 r.ID,
		Name:               r.Name,
		Model:              r.Model,
		CapitalAllocation:  r.CapitalAllocation,
		RiskPerTradePct:    r.RiskPerTradePct,
		MaxPositions:       r.MaxPositions,
		InvocationCount:    r.InvocationCount,
		LastExecuted:       r.LastExecuted,
		Active:             r.Active,
		BrokerAPIKeyEnv:    r.BrokerAPIKeyEnv,
		BrokerAccessKeyEnv: r.BrokerAccessKeyEnv,
	}
	if len(r.Symbols) > 0 {
		_ = json.Unmarshal(r.Symbols, &a.Symbols)
	}
	return a
}

func invocationFromRow(r invocationRow) types.Invocation {
	inv := types.Invocation{
		ID:                  r.ID,
		AccountID:           r.AccountID,
		Model:               r.Model,
		Prompt:              r.Prompt,
		Response:            r.Response,
		Tokens:              r.Tokens,
		Latency:             time.Duration(r.LatencyMs) * time.Millisecond,
		Status:              types.InvocationStatus(r.Status),
		Error:               r.Error,
		IterationsExhausted: r.IterationsExhausted,
		CreatedAt:           r.CreatedAt,
		ClosedAt:            r.ClosedAt,
	}
	if len(r.MarketContext) > 0 {
		_ = json.Unmarshal(r.MarketContext, &inv.MarketContext)
	}
	if len(r.PortfolioContext) > 0 {
		_ = json.Unmarshal(r.PortfolioContext, &inv.PortfolioContext)
	}
	return inv
}

func toolCallFromRow(r toolCallRow) types.ToolCallRecord {
	return types.ToolCallRecord{
		ID:           r.ID,
		InvocationID: r.InvocationID,
		Seq:          r.Seq,
		Name:         r.Name,
		Arguments:    r.Arguments,
		Result:       r.Result,
		Status:       types.ToolCallStatus(r.Status),
		Latency:      time.Duration(r.LatencyMs) * time.Millisecond,
		CreatedAt:    r.CreatedAt,
	}
}

func positionFromRow(r positionRow) types.Position {
	return types.Position{
		ID:           r.ID,
		AccountID:    r.AccountID,
		InvocationID: r.InvocationID,
		Symbol:       r.Symbol,
		Side:         types.Side(r.Side),
		Qty:          r.Qty,
		EntryPrice:   r.EntryPrice,
		StopPrice:    r.StopPrice,
		TargetPrice:  r.TargetPrice,
		Strategy:     r.Strategy,
		OrderID:      r.OrderID,
		Status:       types.PositionStatus(r.Status),
		ExitPrice:    r.ExitPrice,
		RealizedPnL:  r.RealizedPnL,
		OpenedAt:     r.OpenedAt,
		ClosedAt:     r.ClosedAt,
	}
}

package risk

import (
	"fmt"
	"math"
	"strings"

	"llm-trading-arena/internal/types"

	"github.com/shopspring/decimal"
)

// DefaultStopDistancePct is used when entry and stop coincide.
const DefaultStopDistancePct = 2.0

// SizeInput holds everything needed to size one candidate entry.
type SizeInput struct {
	Capital         float64
	RiskPct         float64
	Entry           float64
	Stop            float64
	DesiredQty      int // <= 0 means no caller cap
	RiskRewardRatio float64
	// Side picks the target direction when the stop had to fall back.
	Side types.Side
}

type SizeResult struct {
	RiskAmount    float64 `json:"risk_amount"`
	PerShareRisk  float64 `json:"per_share_risk"`
	SizeByRisk    int     `json:"size_by_risk"`
	SizeByCapital int     `json:"size_by_capital"`
	Qty           int     `json:"quantity"`
	Target        float64 `json:"target"`
	StopFallback  bool    `json:"stop_fallback"`
}

// Size bounds a position by the risk budget, by capital and by the desired quantity.
// The result is never below one share; when one share already exceeds capital
// a RiskLimitError is returned instead.
func Size(in SizeInput) (SizeResult, error) {
	if in.Entry <= 0 || math.IsNaN(in.Entry) {
		return SizeResult{}, &types.ValidationError{Field: "entry", Reason: fmt.Sprintf("entry price must be positive, got %v", in.Entry)}
	}
	if in.Capital <= 0 {
		return SizeResult{}, &types.ValidationError{Field: "capital", Reason: "capital must be positive"}
	}
	if in.Capital < in.Entry {
		return SizeResult{}, &types.RiskLimitError{Limit: "capital", Reason: fmt.Sprintf("capital %.2f cannot cover one share at %.2f", in.Capital, in.Entry)}
	}

	res := SizeResult{RiskAmount: in.Capital * in.RiskPct / 100}

	res.PerShareRisk = math.Abs(in.Entry - in.Stop)
	if res.PerShareRisk == 0 {
		res.PerShareRisk = in.Entry * DefaultStopDistancePct / 100
		res.StopFallback = true
	}

	res.SizeByRisk = int(math.Floor(res.RiskAmount / res.PerShareRisk))
	res.SizeByCapital = int(math.Floor(in.Capital / in.Entry))

	qty := min(res.SizeByRisk, res.SizeByCapital)
	if in.DesiredQty > 0 {
		qty = min(qty, in.DesiredQty)
	}
	res.Qty = max(1, qty)

	sign := -1.0
	switch {
	case res.StopFallback:
		if in.Side != types.Sell {
			sign = 1
		}
	case in.Entry > in.Stop:
		sign = 1
	}
	res.Target = in.Entry + sign*res.PerShareRisk*in.RiskRewardRatio
	return res, nil
}

// StopPrice places a stop distancePct away from entry on the losing side.
func StopPrice(entry float64, side types.Side, distancePct, tick float64) float64 {
	d := distancePct / 100
	var stop float64
	if side == types.Sell {
		stop = entry * (1 + d)
	} else {
		stop = entry * (1 - d)
	}
	return RoundToTick(stop, tick)
}

// StrategyStopPct looks up a per-strategy stop distance, falling back to def.
func StrategyStopPct(table map[string]float64, strategy string, def float64) float64 {
	if v, ok := table[strings.ToLower(strings.TrimSpace(strategy))]; ok && v > 0 {
		return v
	}
	return def
}

func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(x).Div(t).Round(0).Mul(t).InexactFloat64()
}

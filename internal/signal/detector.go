// Package signal classifies a candle series against its VWAP.
package signal

import (
	"fmt"
	"math"
	"time"

	"llm-trading-arena/internal/ta"
	"llm-trading-arena/internal/types"
)

const (
	DefaultRetestTolerancePct = 0.3
	DefaultBandMultiplier     = 1.0
)

type Detector struct {
	RetestTolerancePct float64
	BandMultiplier     float64
	SessionReset       bool
	Location           *time.Location
}

func NewDetector(tolerancePct, bandMult float64, sessionReset bool, loc *time.Location) Detector {
	if tolerancePct <= 0 {
		tolerancePct = DefaultRetestTolerancePct
	}
	if bandMult <= 0 {
		bandMult = DefaultBandMultiplier
	}
	return Detector{RetestTolerancePct: tolerancePct, BandMultiplier: bandMult, SessionReset: sessionReset, Location: loc}
}

// Analysis is the VWAP series of a candle series plus the signal at its last bar.
type Analysis struct {
	VWAP   ta.VWAPResult
	Signal types.Signal
}

// Analyze recomputes VWAP from scratch and classifies the latest bar.
func (d Detector) Analyze(series types.CandleSeries) (Analysis, error) {
	if series.Len() < 2 {
		return Analysis{}, &types.InsufficientDataError{
			Reason: fmt.Sprintf("%s %s: need at least 2 bars, got %d", series.Symbol, series.Timeframe, series.Len()),
		}
	}
	opts := ta.VWAPOptions{
		SessionReset: d.SessionReset && series.Timeframe.Intraday(),
		Location:     d.Location,
	}
	res, err := ta.VWAPWithBands(series.Candles, d.BandMultiplier, opts)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{VWAP: res, Signal: d.At(series.Candles, res, series.Len()-1)}, nil
}

// At classifies bar i using only bars i-1 and i.
func (d Detector) At(candles []types.Candle, v ta.VWAPResult, i int) types.Signal {
	sig := types.Signal{
		Label:     types.Neutral,
		Index:     i,
		Price:     candles[i].Close,
		VWAP:      v.VWAP[i],
		UpperBand: v.Upper[i],
		LowerBand: v.Lower[i],
	}
	sig.DistancePct = DistancePct(sig.Price, sig.VWAP)
	if i == 0 {
		return sig
	}
	sig.Label = Classify(candles[i-1].Close, v.VWAP[i-1], candles[i].Close, v.VWAP[i], d.tolerance())
	return sig
}

func (d Detector) tolerance() float64 {
	if d.RetestTolerancePct <= 0 {
		return DefaultRetestTolerancePct
	}
	return d.RetestTolerancePct
}

// Classify is a pure function of the previous and current close/VWAP pairs.
func Classify(prevClose, prevVWAP, close, vwap, tolerancePct float64) types.SignalLabel {
	switch {
	case prevClose < prevVWAP && close > vwap:
		return types.BullishBreakout
	case prevClose > prevVWAP && close < vwap:
		return types.BearishBreakdown
	case math.Abs(DistancePct(close, vwap)) < tolerancePct:
		if prevClose > prevVWAP {
			return types.BullishRetest
		}
		return types.BearishRetest
	default:
		return types.Neutral
	}
}

func DistancePct(price, vwap float64) float64 {
	if vwap == 0 {
		return 0
	}
	return (price - vwap) / vwap * 100
}

package ta

import (
	"math"

	"llm-trading-arena/internal/types"
)

// Periods sizes the trailing windows of a Snapshot.
type Periods struct {
	SMA     int
	EMAFast int
	EMASlow int
	RSI     int
	ATR     int
}

type Cross string

const (
	NoCross      Cross = ""
	BullishCross Cross = "BULLISH_CROSS"
	BearishCross Cross = "BEARISH_CROSS"
)

// Snapshot is the indicator state at the last bar. A window the series is
// too short for reads NaN.
type Snapshot struct {
	SMA     float64
	EMAFast float64
	EMASlow float64
	RSI     float64
	ATR     float64
	// Cross is set when the fast EMA moved through the slow one on the last bar.
	Cross Cross
}

func Compute(bars []types.Candle, p Periods) Snapshot {
	closes := make([]float64, len(bars))
	for i, c := range bars {
		closes[i] = c.Close
	}
	s := Snapshot{
		SMA:     SMA(closes, p.SMA),
		EMAFast: EMA(closes, p.EMAFast),
		EMASlow: EMA(closes, p.EMASlow),
		RSI:     RSI(closes, p.RSI),
		ATR:     ATR(bars, p.ATR),
	}
	if len(closes) > 1 && p.EMAFast < p.EMASlow {
		prev := closes[:len(closes)-1]
		before := EMA(prev, p.EMAFast) - EMA(prev, p.EMASlow)
		now := s.EMAFast - s.EMASlow
		switch {
		case before <= 0 && now > 0:
			s.Cross = BullishCross
		case before >= 0 && now < 0:
			s.Cross = BearishCross
		}
	}
	return s
}

func SMA(closes []float64, n int) float64 {
	if n <= 0 || len(closes) < n {
		return math.NaN()
	}
	var sum float64
	for _, c := range closes[len(closes)-n:] {
		sum += c
	}
	return sum / float64(n)
}

// EMA seeds with the SMA of the first n values and smooths the rest.
func EMA(closes []float64, n int) float64 {
	if n <= 0 || len(closes) < n {
		return math.NaN()
	}
	k := 2.0 / float64(n+1)
	ema := SMA(closes[:n], n)
	for _, c := range closes[n:] {
		ema += k * (c - ema)
	}
	return ema
}

// RSI uses Wilder smoothing seeded with the plain average of the first period changes.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	var avgGain, avgLoss float64
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := math.Max(d, 0), math.Max(-d, 0)
		if i <= period {
			avgGain += gain / float64(period)
			avgLoss += loss / float64(period)
			continue
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// ATR averages the true range of the last period bars.
func ATR(bars []types.Candle, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return math.NaN()
	}
	var sum float64
	for i := len(bars) - period; i < len(bars); i++ {
		prev := bars[i-1].Close
		h, l := bars[i].High, bars[i].Low
		sum += math.Max(h-l, math.Max(math.Abs(h-prev), math.Abs(l-prev)))
	}
	return sum / float64(period)
}

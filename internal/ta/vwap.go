package ta

import (
	"math"
	"strconv"
	"time"

	"llm-trading-arena/internal/types"
)

// VWAPOptions controls accumulation. With SessionReset set, the running sums
// restart at the first bar of each calendar day in Location.
type VWAPOptions struct {
	SessionReset bool
	Location     *time.Location
}

// VWAPResult is aligned index-for-index with the input candles.
type VWAPResult struct {
	VWAP  []float64
	Upper []float64
	Lower []float64
}

func TypicalPrice(c types.Candle) float64 {
	return (c.High + c.Low + c.Close) / 3
}

// VWAP returns cumulative(typical*volume)/cumulative(volume) per bar.
// A bar whose cumulative volume is zero yields an InsufficientDataError.
func VWAP(candles []types.Candle, opts VWAPOptions) ([]float64, error) {
	res, err := VWAPWithBands(candles, 0, opts)
	if err != nil {
		return nil, err
	}
	return res.VWAP, nil
}

// VWAPWithBands also derives upper/lower = VWAP ± k*sqrt(cum(vol*(tp-vwap)^2)/cum(vol)).
func VWAPWithBands(candles []types.Candle, k float64, opts VWAPOptions) (VWAPResult, error) {
	if len(candles) == 0 {
		return VWAPResult{}, &types.InsufficientDataError{Reason: "empty candle series"}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	n := len(candles)
	res := VWAPResult{
		VWAP:  make([]float64, n),
		Upper: make([]float64, n),
		Lower: make([]float64, n),
	}

	var cumTPV, cumVol, cumSq float64
	var session string
	for i, c := range candles {
		if opts.SessionReset {
			day := time.Unix(c.Ts, 0).In(loc).Format("2006-01-02")
			if day != session {
				session = day
				cumTPV, cumVol, cumSq = 0, 0, 0
			}
		}
		tp := TypicalPrice(c)
		cumTPV += tp * c.Vol
		cumVol += c.Vol
		if cumVol <= 0 {
			return VWAPResult{}, &types.InsufficientDataError{Reason: "zero cumulative volume at bar " + strconv.Itoa(i)}
		}
		v := cumTPV / cumVol
		res.VWAP[i] = v

		d := tp - v
		cumSq += c.Vol * d * d
		sd := math.Sqrt(cumSq / cumVol)
		res.Upper[i] = v + k*sd
		res.Lower[i] = v - k*sd
	}
	return res, nil
}

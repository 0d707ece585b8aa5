package marketdata

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"llm-trading-arena/internal/types"
)

// StaticSource synthesises a random walk per symbol. Series are deterministic for a
// given (symbol, timeframe, end bar) so repeated cycles see consistent history.
type StaticSource struct {
	Now func() time.Time
}

func NewStaticSource() *StaticSource {
	return &StaticSource{Now: time.Now}
}

func (s *StaticSource) Fetch(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	step := tf.Duration()
	end := s.Now().Truncate(step)

	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(tf))
	seed := int64(h.Sum64()) ^ end.Unix()
	rng := rand.New(rand.NewSource(seed))

	base := 500 + float64(h.Sum64()%3000)
	cs := make([]types.Candle, 0, n)
	price := base
	for i := n; i > 0; i-- {
		open := price
		c := open + (rng.Float64()-0.5)*base*0.004
		hi := max(open, c) + rng.Float64()*base*0.002
		lo := min(open, c) - rng.Float64()*base*0.002
		cs = append(cs, types.Candle{
			Ts:    end.Add(-time.Duration(i-1) * step).Unix(),
			Open:  open,
			High:  hi,
			Low:   lo,
			Close: c,
			Vol:   1000 + rng.Float64()*9000,
		})
		price = c
	}
	return cs, nil
}

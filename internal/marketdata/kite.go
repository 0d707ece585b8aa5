package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"llm-trading-arena/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"
)

// Kite historical data allows three requests per second.
const historicalRPS = 3

// KiteSource reads historical candles from Kite Connect.
type KiteSource struct {
	kc      *kiteconnect.Client
	mapper  *instrumentMapper
	limiter *rate.Limiter
	now     func() time.Time
}

type KiteParams struct {
	APIKey      string
	AccessToken string
	Tokens      map[string]uint32
	Timeout     time.Duration
}

func NewKiteSource(p KiteParams) (*KiteSource, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, fmt.Errorf("kite market data: missing API key/access token")
	}
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	if p.Timeout > 0 {
		kc.SetHTTPClient(&http.Client{Timeout: p.Timeout})
	}
	return &KiteSource{
		kc:      kc,
		mapper:  newInstrumentMapper(p.Tokens),
		limiter: rate.NewLimiter(rate.Limit(historicalRPS), 1),
		now:     time.Now,
	}, nil
}

func kiteInterval(tf types.Timeframe) (string, error) {
	switch tf {
	case types.TF5m:
		return "5minute", nil
	case types.TF15m:
		return "15minute", nil
	case types.TF1h:
		return "60minute", nil
	case types.TFDaily:
		return "day", nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", tf)
}

// lookbackWindow converts a bar count into a calendar window that covers it,
// allowing for weekends and the 6h15m NSE session.
func lookbackWindow(tf types.Timeframe, n int) time.Duration {
	perDay := 1
	if tf.Intraday() {
		perDay = max(1, int((375*time.Minute)/tf.Duration()))
	}
	days := n/perDay + 1
	days = days*7/5 + 4
	return time.Duration(days) * 24 * time.Hour
}

func (k *KiteSource) Fetch(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	interval, err := kiteInterval(tf)
	if err != nil {
		return nil, err
	}
	token, err := k.mapper.token(symbol)
	if err != nil {
		return nil, err
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	to := k.now()
	from := to.Add(-lookbackWindow(tf, n))
	data, err := k.kc.GetHistoricalData(int(token), interval, from, to, false, false)
	if err != nil {
		return nil, &types.ExternalServiceError{Service: "kite", Op: "historical", Err: err}
	}

	cs := make([]types.Candle, 0, len(data))
	for _, d := range data {
		cs = append(cs, types.Candle{
			Ts:    d.Date.Time.Unix(),
			Open:  d.Open,
			High:  d.High,
			Low:   d.Low,
			Close: d.Close,
			Vol:   float64(d.Volume),
		})
	}
	if len(cs) > n {
		cs = cs[len(cs)-n:]
	}
	return cs, nil
}

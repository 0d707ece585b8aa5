package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"llm-trading-arena/internal/logger"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// TickerFeed keeps last traded prices current over the Kite websocket.
type TickerFeed struct {
	ticker *kiteticker.Ticker
	mapper *instrumentMapper
	tokens []uint32

	mu     sync.RWMutex
	prices map[string]tick
}

type tick struct {
	price float64
	at    time.Time
}

func NewTickerFeed(apiKey, accessToken string, overrides map[string]uint32) *TickerFeed {
	return &TickerFeed{
		ticker: kiteticker.New(apiKey, accessToken),
		mapper: newInstrumentMapper(overrides),
		prices: make(map[string]tick),
	}
}

// Start connects and subscribes to symbols in LTP mode. It returns immediately;
// the connection is served until ctx is done or Stop is called.
func (tf *TickerFeed) Start(ctx context.Context, symbols []string) error {
	tokens, err := tf.mapper.tokens(symbols)
	if err != nil {
		return fmt.Errorf("ticker subscribe: %w", err)
	}
	tf.tokens = tokens

	tf.ticker.OnConnect(func() {
		logger.Info(ctx, "Ticker connected", "symbols", symbols)
		if err := tf.ticker.Subscribe(tf.tokens); err != nil {
			logger.ErrorWithErr(ctx, "Ticker subscribe failed", err)
			return
		}
		if err := tf.ticker.SetMode(kiteticker.ModeLTP, tf.tokens); err != nil {
			logger.ErrorWithErr(ctx, "Ticker set mode failed", err)
		}
	})
	tf.ticker.OnError(func(err error) {
		logger.ErrorWithErr(ctx, "Ticker error", err)
	})
	tf.ticker.OnClose(func(code int, reason string) {
		logger.Warn(ctx, "Ticker closed", "code", code, "reason", reason)
	})
	tf.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		logger.Info(ctx, "Ticker reconnecting", "attempt", attempt, "delay", delay)
	})
	tf.ticker.OnNoReconnect(func(attempt int) {
		logger.Warn(ctx, "Ticker gave up reconnecting", "attempt", attempt)
	})
	tf.ticker.OnTick(tf.onTick)

	go tf.ticker.ServeWithContext(ctx)
	return nil
}

func (tf *TickerFeed) Stop(ctx context.Context) {
	logger.Info(ctx, "Stopping ticker")
	tf.ticker.Stop()
}

func (tf *TickerFeed) onTick(t models.Tick) {
	symbol := tf.mapper.symbol(t.InstrumentToken)
	if symbol == "" {
		return
	}
	tf.mu.Lock()
	tf.prices[symbol] = tick{price: t.LastPrice, at: time.Now()}
	tf.mu.Unlock()
}

// Price returns the latest tick no older than maxAge.
func (tf *TickerFeed) Price(symbol string, maxAge time.Duration) (float64, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	t, ok := tf.prices[symbol]
	if !ok || t.price <= 0 || time.Since(t.at) > maxAge {
		return 0, false
	}
	return t.price, true
}

package marketdata

import (
	"sync"
	"time"

	"llm-trading-arena/internal/types"
)

type cacheKey struct {
	symbol string
	tf     types.Timeframe
}

type cacheEntry struct {
	candles   []types.Candle
	fetchedAt time.Time
}

// candleCache holds fetched series per (symbol, timeframe) for ttl.
type candleCache struct {
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
	mu      sync.RWMutex
}

func newCandleCache(ttl time.Duration) *candleCache {
	return &candleCache{ttl: ttl, entries: make(map[cacheKey]cacheEntry)}
}

// get returns the last n cached candles if the entry is fresh and long enough.
func (cc *candleCache) get(k cacheKey, n int, now time.Time) ([]types.Candle, bool) {
	if cc.ttl <= 0 {
		return nil, false
	}
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	e, ok := cc.entries[k]
	if !ok || now.Sub(e.fetchedAt) > cc.ttl || len(e.candles) < n {
		return nil, false
	}
	return e.candles[len(e.candles)-n:], true
}

func (cc *candleCache) put(k cacheKey, candles []types.Candle, now time.Time) {
	if cc.ttl <= 0 {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.entries[k] = cacheEntry{candles: candles, fetchedAt: now}
}

// sweep drops expired entries.
func (cc *candleCache) sweep(now time.Time) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	n := 0
	for k, e := range cc.entries {
		if now.Sub(e.fetchedAt) > cc.ttl {
			delete(cc.entries, k)
			n++
		}
	}
	return n
}

func (cc *candleCache) clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.entries = make(map[cacheKey]cacheEntry)
}

package marketdata

import (
	"fmt"
	"sync"
)

// defaultTokens maps NSE symbols to Kite instrument tokens for the common large caps.
// Anything else must come from market_data.instrument_tokens.
var defaultTokens = map[string]uint32{
	"RELIANCE":  256265,
	"TCS":       2953217,
	"HDFCBANK":  341249,
	"INFY":      408065,
	"ICICIBANK": 1270529,
	"SBIN":      779521,
	"ITC":       424961,
	"LT":        2939649,
	"AXISBANK":  1510401,
	"KOTAKBANK": 492033,
}

// instrumentMapper is a bidirectional symbol/token table.
type instrumentMapper struct {
	symbolToToken map[string]uint32
	tokenToSymbol map[uint32]string
	mu            sync.RWMutex
}

func newInstrumentMapper(overrides map[string]uint32) *instrumentMapper {
	im := &instrumentMapper{
		symbolToToken: make(map[string]uint32),
		tokenToSymbol: make(map[uint32]string),
	}
	for s, t := range defaultTokens {
		im.addMapping(s, t)
	}
	for s, t := range overrides {
		im.addMapping(s, t)
	}
	return im
}

func (im *instrumentMapper) addMapping(symbol string, token uint32) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if old, ok := im.symbolToToken[symbol]; ok {
		delete(im.tokenToSymbol, old)
	}
	im.symbolToToken[symbol] = token
	im.tokenToSymbol[token] = symbol
}

func (im *instrumentMapper) token(symbol string) (uint32, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	t, ok := im.symbolToToken[symbol]
	if !ok {
		return 0, fmt.Errorf("no instrument token for %s", symbol)
	}
	return t, nil
}

func (im *instrumentMapper) symbol(token uint32) string {
	im.mu.RLock()
	defer im.mu.RUnlock()

	return im.tokenToSymbol[token]
}

func (im *instrumentMapper) tokens(symbols []string) ([]uint32, error) {
	out := make([]uint32, 0, len(symbols))
	for _, s := range symbols {
		t, err := im.token(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

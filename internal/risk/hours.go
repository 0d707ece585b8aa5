package risk

import (
	"fmt"
	"time"

	"llm-trading-arena/internal/store"
)

// MarketHours is a business-day trading window in exchange local time.
type MarketHours struct {
	Open     time.Duration
	Close    time.Duration
	Location *time.Location
	holidays map[string]bool
}

func NewMarketHours(open, close time.Duration, loc *time.Location, holidays []string) MarketHours {
	if loc == nil {
		loc = time.FixedZone("IST", 19800)
	}
	h := MarketHours{Open: open, Close: close, Location: loc, holidays: map[string]bool{}}
	for _, d := range holidays {
		h.holidays[d] = true
	}
	return h
}

func MarketHoursFromConfig(cfg *store.Config) (MarketHours, error) {
	open, err := store.ParseClock(cfg.MarketHours.Open)
	if err != nil {
		return MarketHours{}, err
	}
	closeAt, err := store.ParseClock(cfg.MarketHours.Close)
	if err != nil {
		return MarketHours{}, err
	}
	if closeAt <= open {
		return MarketHours{}, fmt.Errorf("market close %s must be after open %s", cfg.MarketHours.Close, cfg.MarketHours.Open)
	}
	return NewMarketHours(open, closeAt, cfg.Location(), cfg.MarketHours.Holidays), nil
}

// IsOpen reports whether t falls on a business day inside [open, close].
func (h MarketHours) IsOpen(t time.Time) bool {
	ok, _ := h.check(t)
	return ok
}

func (h MarketHours) check(t time.Time) (bool, string) {
	local := t.In(h.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false, "weekend"
	}
	if h.holidays[local.Format("2006-01-02")] {
		return false, "exchange holiday"
	}
	since := local.Sub(StartOfDay(local))
	if since < h.Open || since > h.Close {
		return false, fmt.Sprintf("outside %s-%s", fmtClock(h.Open), fmtClock(h.Close))
	}
	return true, ""
}

// StartOfDay returns local midnight for t.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func fmtClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

// Package eod writes the end-of-day trade summary CSV from the trade journal.
package eod

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"llm-trading-arena/internal/tradelog"
)

// DefaultCutoff is the local time after which the day's summary may be written.
const DefaultCutoff = 15*time.Hour + 40*time.Minute

type aggKey struct {
	Account, Symbol string
}

type aggRow struct {
	aggKey
	Trades    int
	BuyQty    int
	BuyValue  float64
	SellQty   int
	SellValue float64
}

// realized matches bought against sold quantity at the average prices.
func (r aggRow) realized() (buyAvg, sellAvg, pnl float64) {
	if r.BuyQty > 0 {
		buyAvg = r.BuyValue / float64(r.BuyQty)
	}
	if r.SellQty > 0 {
		sellAvg = r.SellValue / float64(r.SellQty)
	}
	matched := min(r.BuyQty, r.SellQty)
	return buyAvg, sellAvg, float64(matched) * (sellAvg - buyAvg)
}

// amount formats v to two decimals, printing values that round to zero as 0.00.
func amount(v float64) string {
	out := strconv.FormatFloat(v, 'f', 2, 64)
	if out == "-0.00" {
		return "0.00"
	}
	return out
}

func csvPath(t time.Time) string {
	return filepath.Join(tradelog.Dir(), "eod", t.Format("2006-01-02")+".csv")
}

// SummarizeDay aggregates t's journal per account and symbol. It returns ""
// without error when there were no trades.
func SummarizeDay(t time.Time) (string, error) {
	f, err := os.Open(tradelog.TradesFile(t))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	aggs := map[aggKey]*aggRow{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e tradelog.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		k := aggKey{Account: e.AccountID, Symbol: e.Symbol}
		row := aggs[k]
		if row == nil {
			row = &aggRow{aggKey: k}
			aggs[k] = row
		}
		row.Trades++
		switch e.Side {
		case "BUY":
			row.BuyQty += e.Qty
			row.BuyValue += float64(e.Qty) * e.Price
		case "SELL":
			row.SellQty += e.Qty
			row.SellValue += float64(e.Qty) * e.Price
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if len(aggs) == 0 {
		return "", nil
	}

	rows := make([]*aggRow, 0, len(aggs))
	for _, r := range aggs {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Account != rows[j].Account {
			return rows[i].Account < rows[j].Account
		}
		return rows[i].Symbol < rows[j].Symbol
	})

	outPath := csvPath(t)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write([]string{"account", "symbol", "trades", "buy_qty", "buy_avg", "sell_qty", "sell_avg", "realized_pnl", "gross_buy_value", "gross_sell_value"}); err != nil {
		return "", err
	}
	totals := map[string]float64{}
	for _, r := range rows {
		buyAvg, sellAvg, pnl := r.realized()
		totals[r.Account] += pnl
		if err := w.Write([]string{
			r.Account, r.Symbol, strconv.Itoa(r.Trades),
			strconv.Itoa(r.BuyQty), fmt.Sprintf("%.4f", buyAvg),
			strconv.Itoa(r.SellQty), fmt.Sprintf("%.4f", sellAvg),
			amount(pnl), fmt.Sprintf("%.2f", r.BuyValue), fmt.Sprintf("%.2f", r.SellValue),
		}); err != nil {
			return "", err
		}
	}
	accounts := make([]string, 0, len(totals))
	for a := range totals {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	for _, a := range accounts {
		if err := w.Write([]string{a, "TOTAL", "", "", "", "", "", amount(totals[a]), "", ""}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return outPath, w.Error()
}

// ShouldRun reports whether now is past the cutoff and today's summary has
// not been written yet.
func ShouldRun(now time.Time, cutoff time.Duration) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if now.Before(midnight.Add(cutoff)) {
		return false
	}
	_, err := os.Stat(csvPath(now))
	return errors.Is(err, os.ErrNotExist)
}

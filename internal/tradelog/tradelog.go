// Package tradelog journals accepted orders and agent decisions to daily JSONL files.
package tradelog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	loc = time.FixedZone("IST", 19800)
)

type Entry struct {
	Time         string         `json:"time"`
	AccountID    string         `json:"account_id"`
	InvocationID string         `json:"invocation_id"`
	Symbol       string         `json:"symbol"`
	Side         string         `json:"side"`
	Qty          int            `json:"qty"`
	Price        float64        `json:"price"`
	Stop         float64        `json:"stop"`
	Target       float64        `json:"target"`
	Strategy     string         `json:"strategy"`
	OrderID      string         `json:"order_id"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type DecisionEntry struct {
	Time                string `json:"time"`
	AccountID           string `json:"account_id"`
	InvocationID        string `json:"invocation_id"`
	Model               string `json:"model"`
	Status              string `json:"status"`
	Response            string `json:"response"`
	ToolCalls           int    `json:"tool_calls"`
	Tokens              int    `json:"tokens"`
	LatencyMs           int64  `json:"latency_ms"`
	IterationsExhausted bool   `json:"iterations_exhausted,omitempty"`
	Error               string `json:"error,omitempty"`
}

// SetLocation sets the zone used for file names and timestamps.
func SetLocation(l *time.Location) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		loc = l
	}
}

func logDir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

func dailyFilepath(t time.Time) string {
	return filepath.Join(logDir(), t.Format("2006-01-02")+".txt")
}

// Dir is the journal directory, TRADER_LOG_DIR or ./logs.
func Dir() string { return logDir() }

// Now is the current time in the journal's zone.
func Now() time.Time {
	mu.Lock()
	defer mu.Unlock()
	return time.Now().In(loc)
}

// TradesFile is the journal file holding the trades of t's day.
func TradesFile(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return dailyFilepath(t.In(loc))
}

func decisionsFilepath(t time.Time) string {
	return filepath.Join(logDir(), "decisions", t.Format("2006-01-02")+".txt")
}

func Append(e Entry) error {
	mu.Lock()
	defer mu.Unlock()
	now := time.Now().In(loc)
	e.Time = now.Format("2006-01-02 15:04:05")
	return appendLine(dailyFilepath(now), e)
}

func AppendDecision(e DecisionEntry) error {
	mu.Lock()
	defer mu.Unlock()
	now := time.Now().In(loc)
	e.Time = now.Format("2006-01-02 15:04:05")
	return appendLine(decisionsFilepath(now), e)
}

func appendLine(p string, v any) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// CompressOlder gzips journal files not modified within retentionDays.
func CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(logDir(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		if _, err := os.Stat(gz); err == nil {
			_ = os.Remove(p)
			return nil
		}
		if err := gzipFile(p, gz); err == nil {
			_ = os.Remove(p)
		}
		return nil
	})
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

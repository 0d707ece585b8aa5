// Package health aggregates cycle outcomes into a system status and serves it
// over HTTP alongside Prometheus metrics.
package health

import (
	"sort"
	"sync"
	"time"

	"llm-trading-arena/internal/types"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// DefaultFailureThreshold is the number of consecutive failed cycles after
// which an account degrades the system status.
const DefaultFailureThreshold = 3

type AccountHealth struct {
	AccountID           string             `json:"account_id"`
	LastOutcome         types.CycleOutcome `json:"last_outcome"`
	LastError           string             `json:"last_error,omitempty"`
	LastRun             time.Time          `json:"last_run"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Completed           int                `json:"completed"`
	Failed              int                `json:"failed"`
	Skipped             int                `json:"skipped"`
}

type Report struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Accounts []AccountHealth `json:"accounts"`
}

type Monitor struct {
	mu        sync.RWMutex
	accounts  map[string]*AccountHealth
	started   time.Time
	threshold int
	now       func() time.Time
}

func NewMonitor(threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Monitor{accounts: make(map[string]*AccountHealth), started: time.Now(), threshold: threshold, now: time.Now}
}

// RecordCycle implements scheduler.Recorder.
func (m *Monitor) RecordCycle(accountID string, outcome types.CycleOutcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		a = &AccountHealth{AccountID: accountID}
		m.accounts[accountID] = a
	}
	a.LastOutcome = outcome
	a.LastRun = m.now().UTC()
	a.LastError = ""
	if err != nil {
		a.LastError = err.Error()
	}

	switch outcome {
	case types.CycleFailed:
		a.Failed++
		a.ConsecutiveFailures++
	case types.CycleCompleted:
		a.Completed++
		a.ConsecutiveFailures = 0
	case types.CycleSkipped:
		a.Skipped++
	}
}

// Status is degraded while any account has failed threshold cycles in a row.
func (m *Monitor) Status() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{Status: StatusOK, Uptime: m.now().Sub(m.started).Truncate(time.Second).String()}
	for _, a := range m.accounts {
		r.Accounts = append(r.Accounts, *a)
		if a.ConsecutiveFailures >= m.threshold {
			r.Status = StatusDegraded
		}
	}
	sort.Slice(r.Accounts, func(i, j int) bool { return r.Accounts[i].AccountID < r.Accounts[j].AccountID })
	return r
}

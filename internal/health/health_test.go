package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"llm-trading-arena/internal/llm/llmobs"
	"llm-trading-arena/internal/metrics"
	"llm-trading-arena/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fixedStats []llmobs.ModelStat

func (f fixedStats) Stats() []llmobs.ModelStat { return f }

func TestMonitorDegradesAfterConsecutiveFailures(t *testing.T) {
	m := NewMonitor(2)
	m.RecordCycle("a", types.CycleCompleted, nil)
	m.RecordCycle("b", types.CycleFailed, errors.New("timeout"))
	assert.Equal(t, StatusOK, m.Status().Status)

	m.RecordCycle("b", types.CycleFailed, errors.New("timeout"))
	rep := m.Status()
	assert.Equal(t, StatusDegraded, rep.Status)
	require.Len(t, rep.Accounts, 2)
	assert.Equal(t, "a", rep.Accounts[0].AccountID)
	assert.Equal(t, 2, rep.Accounts[1].ConsecutiveFailures)
	assert.Equal(t, "timeout", rep.Accounts[1].LastError)

	// skips neither reset nor extend the failure streak
	m.RecordCycle("b", types.CycleSkipped, nil)
	assert.Equal(t, StatusDegraded, m.Status().Status)

	m.RecordCycle("b", types.CycleCompleted, nil)
	assert.Equal(t, StatusOK, m.Status().Status)
}

func TestHealthz(t *testing.T) {
	m := NewMonitor(1)
	m.RecordCycle("gpt", types.CycleCompleted, nil)
	r := NewRouter(m, metrics.NewRegistry(), fixedStats{{Model: "gpt-4o", Calls: 3, Tokens: 900}})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "status").String())
	assert.Equal(t, "gpt", gjson.Get(body, "accounts.0.account_id").String())
	assert.Equal(t, int64(3), gjson.Get(body, "models.0.calls").Int())

	m.RecordCycle("gpt", types.CycleFailed, errors.New("db locked"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", gjson.Get(w.Body.String(), "status").String())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Cycles.WithLabelValues("gpt", "COMPLETED").Inc()
	r := NewRouter(NewMonitor(0), metrics.NewRegistry(), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "arena_cycles_total"))
}

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "arena"

var (
	ExternalCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "external_calls_total",
		Help:      "Calls to market data, broker and reasoning services.",
	}, []string{"service", "op", "outcome"})

	ExternalLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "external_call_seconds",
		Help:      "Latency of external service calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"service", "op"})

	Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Orchestrator cycles by account and outcome.",
	}, []string{"account", "outcome"})

	CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_seconds",
		Help:      "Wall time of cycles that reached the reasoning service.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"account"})

	ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by name and status.",
	}, []string{"tool", "status"})

	ModelTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_tokens_total",
		Help:      "Tokens consumed per model.",
	}, []string{"model"})

	Trades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Orders accepted by the broker.",
	}, []string{"account", "side"})
)

// NewRegistry returns a registry carrying all arena collectors plus Go runtime stats.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ExternalCalls, ExternalLatency, Cycles, CycleDuration, ToolCalls, ModelTokens, Trades,
	)
	return reg
}

// ObserveCall records one external call started at start.
func ObserveCall(service, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ExternalCalls.WithLabelValues(service, op, outcome).Inc()
	ExternalLatency.WithLabelValues(service, op).Observe(time.Since(start).Seconds())
}

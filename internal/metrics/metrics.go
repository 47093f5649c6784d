// Package metrics defines the Prometheus collectors for the audit service.
// All collectors are registered at init via promauto and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Review run metrics
	ReviewsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_reviews_started_total",
			Help: "Total number of review runs started",
		},
		[]string{"strategy"},
	)

	ReviewsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_reviews_completed_total",
			Help: "Total number of review runs completed",
		},
		[]string{"strategy", "status"},
	)

	ReviewDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revaudit_review_duration_seconds",
			Help:    "Review run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent", "method"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revaudit_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)

	IssuesFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_issues_found_total",
			Help: "Total number of issues raised by agents",
		},
		[]string{"agent", "severity"},
	)

	// LLM capability metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_llm_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"agent", "status"},
	)

	LLMFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_llm_fallbacks_total",
			Help: "Agent executions that fell back to rule-based analysis",
		},
		[]string{"agent", "reason"},
	)

	LLMTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revaudit_llm_tokens_used",
			Help:    "Number of tokens used per review run",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000},
		},
	)

	LLMCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revaudit_llm_cost_usd",
			Help:    "Cost in USD per review run",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Budget metrics
	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_budget_denials_total",
			Help: "Requests denied by the spending or rate limiter",
		},
		[]string{"reason"},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_pricing_fallbacks_total",
			Help: "Cost computations that fell back to default pricing",
		},
		[]string{"reason"},
	)

	// Streaming metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revaudit_events_emitted_total",
			Help: "Total number of run events published",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revaudit_events_dropped_total",
			Help: "Events discarded after consumer disconnect",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revaudit_active_streams",
			Help: "Number of open event streams",
		},
	)
)

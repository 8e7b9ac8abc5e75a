// Package metrics exposes routecore's Prometheus instrumentation: routing
// decisions, task attempts, escalations, scheduler queue depth, and budget
// consumption.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles all routecore collectors behind one scrape handler.
type Registry struct {
	reg *prometheus.Registry

	RoutingDecisionsTotal *prometheus.CounterVec // by status, rankedBy
	AttemptsTotal         *prometheus.CounterVec // by model, taskType, outcome
	AttemptLatency        *prometheus.HistogramVec
	EscalationsTotal      *prometheus.CounterVec // by taskType
	CheapFirstTotal       *prometheus.CounterVec // by outcome: substituted | blocked
	CostUSD               *prometheus.CounterVec // by model, role
	BudgetRemainingUSD    prometheus.Gauge       // last run's remaining budget
	QueueDepth            *prometheus.GaugeVec   // scheduler ready-queue depth by role
	JudgeCallsTotal       *prometheus.CounterVec // by outcome: ok | error
	RateLimitedTotal      prometheus.Counter

	// Async-job dispatch health.
	AsyncDispatchUp      prometheus.Gauge   // 1 when Temporal dispatch is available
	AsyncCircuitState    prometheus.Gauge   // 0=closed, 1=open, 2=half-open
	AsyncFallbackTotal   prometheus.Counter // runs executed in-process because Temporal dispatch was unavailable
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RoutingDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_routing_decisions_total",
			Help: "Routing decisions by status and ranking policy",
		}, []string{"status", "ranked_by"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_attempts_total",
			Help: "Executor attempts by model, task type, and outcome",
		}, []string{"model", "task_type", "outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routecore_attempt_latency_ms",
			Help:    "Executor attempt latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_escalations_total",
			Help: "Escalation attempts by task type",
		}, []string{"task_type"}),
		CheapFirstTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_cheap_first_total",
			Help: "Cheap-first routing outcomes",
		}, []string{"outcome"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_cost_usd_total",
			Help: "Actual USD cost by model and role",
		}, []string{"model", "role"}),
		BudgetRemainingUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecore_budget_remaining_usd",
			Help: "Remaining budget of the most recent project run",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routecore_scheduler_queue_depth",
			Help: "Packages waiting for a pool slot, by role",
		}, []string{"role"}),
		JudgeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecore_judge_calls_total",
			Help: "Judge evaluations by outcome",
		}, []string{"outcome"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		AsyncDispatchUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecore_async_dispatch_up",
			Help: "Whether durable async-job dispatch is connected (1=up, 0=down/disabled)",
		}),
		AsyncCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecore_async_circuit_state",
			Help: "Async dispatch circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		AsyncFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecore_async_fallback_total",
			Help: "Async jobs executed in-process because durable dispatch was unavailable",
		}),
	}
	reg.MustRegister(
		m.RoutingDecisionsTotal, m.AttemptsTotal, m.AttemptLatency,
		m.EscalationsTotal, m.CheapFirstTotal, m.CostUSD,
		m.BudgetRemainingUSD, m.QueueDepth, m.JudgeCallsTotal,
		m.RateLimitedTotal, m.AsyncDispatchUp, m.AsyncCircuitState,
		m.AsyncFallbackTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailuresReceived tracks failure events handed to the coordinator
	FailuresReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_failures_received_total",
			Help: "Total number of failure events received for triage",
		},
		[]string{"source"},
	)

	// Verdicts tracks policy decisions per pipeline
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_verdicts_total",
			Help: "Total number of retry/escalate verdicts",
		},
		[]string{"pipeline", "decision"},
	)

	// ActionOutcomes tracks the result of acting on a verdict
	ActionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_action_outcomes_total",
			Help: "Total number of actions by outcome",
		},
		[]string{"decision", "outcome"},
	)

	// DuplicateRuns tracks failure events skipped because the run was already handled
	DuplicateRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_duplicate_runs_total",
			Help: "Total number of failure events skipped as duplicates",
		},
	)

	// DegradedClassifications tracks triages where every provider failed
	DegradedClassifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_degraded_classifications_total",
			Help: "Total number of classifications degraded to unknown",
		},
	)

	// LedgerWriteErrors tracks failed ledger appends
	LedgerWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_ledger_write_errors_total",
			Help: "Total number of ledger append failures",
		},
	)

	// TriageDuration tracks end-to-end triage latency, excluding the retry delay
	TriageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_duration_seconds",
			Help:    "Time spent classifying, deciding and recording a failure",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"decision"},
	)

	// ProviderCalls tracks analysis provider calls by result
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_provider_calls_total",
			Help: "Total number of analysis provider calls",
		},
		[]string{"provider", "result"},
	)

	// ProviderLatency tracks analysis provider call latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_provider_latency_seconds",
			Help:    "Analysis provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// ProviderCost tracks accumulated provider spend
	ProviderCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_provider_cost_total",
			Help: "Accumulated analysis cost estimate",
		},
		[]string{"provider"},
	)

	// PendingRetries tracks delayed retries persisted for a later restart
	PendingRetries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_pending_retries",
			Help: "Number of delayed retries waiting in the pending store",
		},
	)

	// PollCycles tracks feed polling cycles
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_poll_cycles_total",
			Help: "Total number of run feed polling cycles",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "triage_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_decisions_total",
		Help: "Total number of pipeline decisions, labelled by outcome.",
	}, []string{"decision"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "npe_pipeline_duration_ms",
		Help:    "End-to-end evaluation latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	DedupSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_dedup_suppressed_total",
		Help: "Events stopped by the dedup guard, labelled by tier.",
	}, []string{"tier"})

	ScorerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_scorer_calls_total",
		Help: "Scoring attempts, labelled by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npe_scorer_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	EnrichDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_enrich_degraded_total",
		Help: "Context sources that timed out or failed, labelled by source.",
	}, []string{"source"})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_dispatch_failures_total",
		Help: "Dispatches that exhausted their retries, labelled by stream.",
	}, []string{"stream"})

	DigestFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_digest_flushes_total",
		Help: "Digest batches processed by the scheduler, labelled by outcome.",
	}, []string{"outcome"})

	RulesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npe_rules_active",
		Help: "Number of rules in the current in-memory snapshot.",
	})

	RuleRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npe_rule_refresh_errors_total",
		Help: "Rule snapshot refreshes that failed to load from the store.",
	})

	BatchQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npe_batch_queue_utilization_ratio",
		Help: "Current batch evaluation queue utilization (0–1).",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npe_http_requests_total",
		Help: "HTTP requests served, labelled by route pattern and status code.",
	}, []string{"route", "code"})
)

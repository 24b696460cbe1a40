package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CompletionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_completion_calls_total",
			Help: "Completion calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distill_completion_duration_seconds",
			Help:    "Completion call latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"model"},
	)

	CompletionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_completion_cache_total",
			Help: "Completion cache lookups by result",
		},
		[]string{"result"},
	)

	StageResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_stage_results_total",
			Help: "Stage calls by stage and whether they contributed a parsed result",
		},
		[]string{"stage", "outcome"},
	)

	FallbackTiers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_fallback_tiers_total",
			Help: "Fallback tiers entered by the orchestrator",
		},
		[]string{"tier"},
	)

	NormalizerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_normalizer_rejections_total",
			Help: "Candidate mappings dropped during normalization, by reason",
		},
		[]string{"reason"},
	)

	ReportsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_reports_processed_total",
			Help: "Reports processed by final status",
		},
		[]string{"status"},
	)

	// BatchReports counts batch outcomes, including reports that never
	// reached the pipeline. ReportsProcessed is owned by the orchestrator.
	BatchReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distill_batch_reports_total",
			Help: "Batch reports by final status, including skipped and write failures",
		},
		[]string{"status"},
	)

	ReportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distill_report_duration_seconds",
			Help:    "Wall time to process one report",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distill_workers_active",
			Help: "Batch workers currently processing a report",
		},
	)
)

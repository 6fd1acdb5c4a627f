package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics instrument every run regardless of outcome.
var (
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_pipeline_runs_started_total",
		Help: "Pipeline runs started, by pipeline.",
	}, []string{"pipeline"})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_pipeline_runs_finished_total",
		Help: "Pipeline runs finished, by pipeline and terminal status.",
	}, []string{"pipeline", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atlas_pipeline_run_duration_seconds",
		Help:    "Wall-clock duration of pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"pipeline"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_upstream_requests_total",
		Help: "Requests to upstream services, by target and outcome.",
	}, []string{"target", "outcome"})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_llm_calls_total",
		Help: "LLM gateway calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atlas_llm_tokens_total",
		Help: "Token usage reported by providers.",
	}, []string{"provider", "kind"})
)

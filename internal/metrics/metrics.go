// Package metrics registers the Prometheus collectors for the API and the
// pipeline workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope", "class"},
	)

	RateLimitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_rate_limit_backend_errors_total",
			Help: "Rate limiter backend failures (requests were allowed)",
		},
	)

	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manuscript_uploads_total",
			Help: "Manuscript upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Pipeline
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_stage_duration_seconds",
			Help:    "Duration of analysis stages",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "outcome"},
	)

	AnalysisOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_total",
			Help: "Analysis messages by outcome (complete, duplicate, retry, failed)",
		},
		[]string{"outcome"},
	)

	AssetOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asset_agent_results_total",
			Help: "Asset agent runs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AgentTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tokens_total",
			Help: "Tokens consumed by agents",
		},
		[]string{"agent", "direction"},
	)

	QueueDeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dead_letters_total",
			Help: "Messages dropped after exhausting their attempts",
		},
		[]string{"queue"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordRateLimit(scope, class string) {
	RateLimitRejections.WithLabelValues(scope, class).Inc()
}

func RecordRateLimitError() {
	RateLimitErrors.Inc()
}

func RecordUpload(outcome string) {
	Uploads.WithLabelValues(outcome).Inc()
}

func RecordStage(stage, outcome string, duration time.Duration) {
	StageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

func RecordAnalysis(outcome string) {
	AnalysisOutcomes.WithLabelValues(outcome).Inc()
}

func RecordAsset(kind, outcome string) {
	AssetOutcomes.WithLabelValues(kind, outcome).Inc()
}

func RecordTokens(agent string, in, out int) {
	if in > 0 {
		AgentTokens.WithLabelValues(agent, "in").Add(float64(in))
	}
	if out > 0 {
		AgentTokens.WithLabelValues(agent, "out").Add(float64(out))
	}
}

func RecordDeadLetter(queue string) {
	QueueDeadLetters.WithLabelValues(queue).Inc()
}

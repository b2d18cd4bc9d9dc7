// Package telemetry exposes Prometheus collectors for the digest service.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	articlesIngestedTotal      *prometheus.CounterVec
	scrapeRunsTotal            *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	modelRequestsTotal         *prometheus.CounterVec
	modelRetriesTotal          prometheus.Counter
	modelTokensTotal           prometheus.Counter
	breakerState               prometheus.Gauge
	guardrailDecisionsTotal    *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	pipelineDurationSeconds    prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		articlesIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_articles_ingested_total",
				Help: "Total articles written to the store, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scrapeRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_scrape_runs_total",
				Help: "Total scrape runs, labeled by source kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "digest_scrape_duration_seconds",
				Help:    "Histogram of per-source scrape durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
			[]string{"kind"},
		)

		modelRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_model_requests_total",
				Help: "Total model gateway invocations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		modelRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digest_model_retries_total",
				Help: "Total model invocation retries after transient failures.",
			},
		)

		modelTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "digest_model_tokens_total",
				Help: "Total tokens consumed across model invocations.",
			},
		)

		breakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "digest_breaker_state",
				Help: "Model endpoint circuit state: 0 closed, 1 half-open, 2 open.",
			},
		)

		guardrailDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_guardrail_decisions_total",
				Help: "Total admission decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digest_pipeline_runs_total",
				Help: "Total digest pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		pipelineDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "digest_pipeline_duration_seconds",
				Help:    "Histogram of end-to-end pipeline run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSource reduces a source identifier to a low-cardinality label.
// URLs collapse to their hostname, social handles keep their leading @.
func SanitizeSource(sourceID string) string {
	if strings.HasPrefix(sourceID, "@") {
		return strings.ToLower(sourceID)
	}
	raw := sourceID
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest counts one article write.
func ObserveIngest(sourceID string, outcome string) {
	articlesIngestedTotal.WithLabelValues(SanitizeSource(sourceID), outcome).Inc()
}

// ObserveScrapeRun records one connector invocation.
func ObserveScrapeRun(kind string, failed bool, duration time.Duration) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	scrapeRunsTotal.WithLabelValues(kind, outcome).Inc()
	scrapeDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveModelRequest counts one gateway invocation by outcome
// (success, transient, permanent, circuit_open).
func ObserveModelRequest(outcome string) {
	modelRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveModelRetry counts one retry attempt.
func ObserveModelRetry() {
	modelRetriesTotal.Inc()
}

// AddModelTokens accumulates consumed tokens.
func AddModelTokens(n int64) {
	if n > 0 {
		modelTokensTotal.Add(float64(n))
	}
}

// SetBreakerState publishes the circuit state gauge.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// ObserveGuardrail counts one admission decision
// (allowed, rate_limited, budget_exhausted, invalid).
func ObserveGuardrail(outcome string) {
	guardrailDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObservePipelineRun records one completed pipeline run.
func ObservePipelineRun(status string, duration time.Duration) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
	pipelineDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the blogroll crawler.
package metrics

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
	feedFetchesTotal           *prometheus.CounterVec
	extractionAttemptsTotal    *prometheus.CounterVec
	extractionDegradedTotal    prometheus.Counter
	enrichmentsTotal           *prometheus.CounterVec
	coverImagesTotal           *prometheus.CounterVec
	auditProbesTotal           *prometheus.CounterVec
	articlesPrunedTotal        prometheus.Counter
	jobRunsTotal               *prometheus.CounterVec
	jobOverlapSkipsTotal       *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	rateLimitHosts             prometheus.Gauge
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
				Name: "blogcrawler_articles_ingested_total",
				Help: "Feed entries offered to the article store, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		feedFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_feed_fetches_total",
				Help: "Feed fetches, labeled by outcome.",
			},
			[]string{"status"},
		)

		extractionAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_extraction_attempts_total",
				Help: "Article page extraction attempts, labeled by result.",
			},
			[]string{"result"},
		)

		extractionDegradedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blogcrawler_extraction_degraded_total",
				Help: "Articles stored without content after exhausting extraction retries.",
			},
		)

		enrichmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_enrichments_total",
				Help: "Text analysis calls, labeled by outcome.",
			},
			[]string{"status"},
		)

		coverImagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_cover_images_total",
				Help: "Cover image pipeline runs, labeled by outcome.",
			},
			[]string{"status"},
		)

		auditProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_audit_probes_total",
				Help: "Article liveness probes, labeled by result.",
			},
			[]string{"result"},
		)

		articlesPrunedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blogcrawler_articles_pruned_total",
				Help: "Articles deleted after exceeding the crawl error threshold.",
			},
		)

		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_job_runs_total",
				Help: "Scheduled job runs, labeled by job and status.",
			},
			[]string{"job", "status"},
		)

		jobOverlapSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blogcrawler_job_overlap_skips_total",
				Help: "Job ticks skipped because the previous run was still in flight.",
			},
			[]string{"job"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blogcrawler_job_duration_seconds",
				Help:    "Histogram of job run durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"job"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blogcrawler_active_workers",
				Help: "Number of workers currently ingesting a source.",
			},
		)

		rateLimitHosts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blogcrawler_rate_limit_hosts",
				Help: "Number of hosts with a rate limit bucket.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blogcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveArticle counts one feed entry outcome for site.
func ObserveArticle(site, status string) {
	Init()
	articlesIngestedTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveFeedFetch counts a feed fetch outcome.
func ObserveFeedFetch(status string) {
	Init()
	feedFetchesTotal.WithLabelValues(status).Inc()
}

// ObserveExtractionAttempt counts a single extraction attempt.
func ObserveExtractionAttempt(result string) {
	Init()
	extractionAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveExtractionDegraded counts an article stored without content.
func ObserveExtractionDegraded() {
	Init()
	extractionDegradedTotal.Inc()
}

// ObserveEnrichment counts a text analysis outcome.
func ObserveEnrichment(status string) {
	Init()
	enrichmentsTotal.WithLabelValues(status).Inc()
}

// ObserveCoverImage counts a cover image pipeline outcome.
func ObserveCoverImage(status string) {
	Init()
	coverImagesTotal.WithLabelValues(status).Inc()
}

// ObserveAuditProbe counts a liveness probe result.
func ObserveAuditProbe(result string) {
	Init()
	auditProbesTotal.WithLabelValues(result).Inc()
}

// ObserveArticlePruned counts an article deletion by the auditor.
func ObserveArticlePruned() {
	Init()
	articlesPrunedTotal.Inc()
}

// ObserveJobRun records a finished job run.
func ObserveJobRun(job, status string, duration time.Duration) {
	Init()
	jobRunsTotal.WithLabelValues(job, status).Inc()
	jobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveJobOverlapSkip counts a tick skipped by the overlap guard.
func ObserveJobOverlapSkip(job string) {
	Init()
	jobOverlapSkipsTotal.WithLabelValues(job).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetRateLimitHosts records how many hosts hold a rate limit bucket.
func SetRateLimitHosts(n int) {
	Init()
	rateLimitHosts.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

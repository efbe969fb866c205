// Package api hosts the operator HTTP surface of the crawler. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources/ingest to crawl one source immediately.
//   - POST /v1/sources/reset-crawl-error to clear a source's error counter.
//   - GET /v1/jobs and POST /v1/jobs/{name}/run for the scheduler registry.
//   - GET /v1/statistics[/latest] and /v1/articles/random for read access.
package api

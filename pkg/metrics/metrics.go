// Package metrics provides the centralized Prometheus registry reference
// for the importer. All metrics are defined in their respective packages
// (client, ratelimit, store, importer) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the importer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - gsc_requests_total{operation, status} (Counter): API requests by operation and HTTP status
//   - gsc_request_duration_seconds{operation} (Histogram): API request duration
//   - gsc_errors_total{class} (Counter): API errors by class (validation, auth, quota, network)
//
// Retry Metrics (pkg/client):
//   - gsc_retries_total{error_class} (Counter): Retry attempts by error class
//   - gsc_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - gsc_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Budget Metrics (pkg/ratelimit):
//   - gsc_rate_budget_tokens (Gauge): Tokens remaining in the request budget
//   - gsc_rate_budget_waits_total (Counter): Acquisitions that had to wait for refill
//   - gsc_rate_budget_wait_seconds (Histogram): Time spent waiting for tokens
//
// Store Metrics (pkg/store):
//   - gsc_store_rows_upserted_total{table} (Counter): Rows upserted by table
//
// Import Metrics (pkg/importer):
//   - gsc_import_jobs_total{status} (Counter): Import jobs by terminal status
//
// Example Prometheus Queries:
//
//   # Request error rate
//   sum(rate(gsc_errors_total[5m])) / sum(rate(gsc_requests_total[5m]))
//
//   # Budget pressure (frequent waits mean the capacity is the bottleneck)
//   rate(gsc_rate_budget_waits_total[5m])
//
//   # Failed imports
//   increase(gsc_import_jobs_total{status="failed"}[1h])

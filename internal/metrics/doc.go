// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

/*
Package metrics provides Prometheus metrics collection and export for observability.

This package implements comprehensive application instrumentation using the Prometheus
client library, exposing metrics for monitoring capture throughput, durability
operations, and provider health.

# Overview

The package provides metrics for:
  - Pipeline throughput, drops, and queue pressure
  - Write-ahead log appends, commits, truncations, and corruption detection
  - Sink append/flush performance for the JSONL and DuckDB backends
  - Streaming feed health, reconnects, and gap detection
  - Failover switches and per-provider health scores
  - Historical provider request latency and error classification
  - Backfill job execution and retry behavior
  - Deduplication ledger efficiency

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:8090/metrics

# Available Metrics

Pipeline Metrics:
  - pipeline_events_published_total: Events accepted into the queue (counter)
    Labels: type (trade, bboquote, l2_snapshot, l2_delta, integrity)
  - pipeline_events_dropped_total: Events dropped before persistence (counter)
    Labels: reason (backpressure_queue_full, wal_failure, duplicate, shutdown_lost, validation)
  - pipeline_queue_depth: Current queue depth (gauge)
  - pipeline_queue_utilization: Queue fill ratio 0.0-1.0 (gauge)
  - pipeline_batch_flush_duration_seconds: Batch flush latency (histogram)

WAL Metrics:
  - wal_appends_total: Records appended (counter)
  - wal_commits_total: Commit markers written (counter)
  - wal_corruptions_detected_total: Checksum failures during scans (counter)
  - wal_active_segments: Segment files on disk (gauge)
  - wal_append_duration_seconds: Append latency (histogram)
    Buckets: .0001, .0005, .001, .005, .01, .05, .1, .5, 1

Sink Metrics:
  - sink_appends_total: Events appended per backend (counter)
    Labels: backend (jsonl, duckdb)
  - sink_flush_duration_seconds: Flush latency per backend (histogram)
  - sink_open_partitions: Open partition file handles (gauge)

Feed Metrics:
  - feed_messages_received_total: Raw provider messages (counter)
    Labels: provider
  - feed_gaps_detected_total: Depth sequence gaps (counter)
    Labels: provider
  - feed_connection_state: Connection state (gauge)
    Values: 0=disconnected, 1=connected
  - failover_switches_total: Primary feed switches (counter)
    Labels: from, to

Provider Metrics:
  - provider_request_duration_seconds: Fetch latency (histogram)
    Labels: provider, operation
  - provider_request_errors_total: Failed fetches (counter)
    Labels: provider, error_type (rate_limited, auth, transient, not_applicable, other)
  - circuit_breaker_state: Current state (gauge)
    Labels: name
    Values: 0=closed, 1=half-open, 2=open

Backfill Metrics:
  - backfill_requests_total: Historical fetch requests (counter)
    Labels: provider, result
  - backfill_jobs_active: Jobs in the Running state (gauge)
  - backfill_job_duration_seconds: Job execution time (histogram)
    Buckets: 1, 5, 10, 30, 60, 120, 300, 600

# Usage Example

Basic setup in main.go:

	import (
	    "github.com/tomtom215/tabularium/internal/metrics"
	    "github.com/prometheus/client_golang/prometheus/promhttp"
	)

	func main() {
	    // Register metrics endpoint
	    http.Handle("/metrics", promhttp.Handler())

	    // Record metrics
	    metrics.RecordEventPublished("trade")
	    metrics.RecordWALAppend(120*time.Microsecond, nil)
	    metrics.RecordBatchFlush(5*time.Millisecond, 256)
	}

Recording WAL metrics inside the durability layer:

	func (w *WAL) Append(payload []byte) (uint64, error) {
	    start := time.Now()
	    seq, err := w.append(payload)
	    metrics.RecordWALAppend(time.Since(start), err)
	    return seq, err
	}

# Prometheus Configuration

Example prometheus.yml configuration:

	scrape_configs:
	  - job_name: 'tabularium'
	    static_configs:
	      - targets: ['localhost:8090']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

Example PromQL queries:

	# Event ingest rate by type
	rate(pipeline_events_published_total[5m])

	# Drop ratio
	sum(rate(pipeline_events_dropped_total[5m])) / sum(rate(pipeline_events_published_total[5m]))

	# WAL append p99 latency
	histogram_quantile(0.99, rate(wal_append_duration_seconds_bucket[5m]))

	# Feed gap rate per provider
	rate(feed_gaps_detected_total[5m])

# Thread Safety

All metric recording functions are thread-safe and designed for concurrent use
from multiple goroutines. The Prometheus client library handles synchronization
internally.

# Cardinality Management

To prevent high cardinality issues:

  - Symbol is never used as a label (universes can exceed 10k symbols)
  - Drop reasons and error types are limited to predefined constants
  - Provider labels are bounded by the configured provider set
  - WAL append error labels are truncated to 50 characters

# Best Practices

When adding new metrics:

 1. Use appropriate metric types:
    - Counter: Monotonically increasing values (events, drops, retries)
    - Gauge: Point-in-time values (queue depth, open partitions)
    - Histogram: Distribution of values (latency, batch size)

 2. Choose descriptive names:
    - Use underscore separation: wal_append_duration_seconds
    - Include units: _seconds, _bytes, _total
    - Follow Prometheus naming conventions

 3. Minimize cardinality:
    - Avoid per-symbol and per-sequence labels
    - Use fixed reason and error type constants

# See Also

  - internal/pipeline: Queue pressure and batch flush metrics recording
  - internal/wal: Durability metrics recording
  - internal/ops: HTTP endpoint exposing /metrics
  - https://prometheus.io/docs/practices/naming/: Metric naming conventions
  - https://prometheus.io/docs/practices/instrumentation/: Instrumentation guide
*/
package metrics

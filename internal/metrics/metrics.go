// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides comprehensive instrumentation for:
// - Pipeline throughput and queue pressure
// - WAL durability operations
// - Sink append/flush performance (JSONL and DuckDB)
// - Provider feed health, failover and rate limiting
// - Deduplication ledger efficiency
// - Backfill job execution

var (
	// Pipeline Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_published_total",
			Help: "Total number of events accepted into the pipeline queue",
		},
		[]string{"type"}, // "trade", "bboquote", "l2_snapshot", "l2_delta", "integrity"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_dropped_total",
			Help: "Total number of events dropped before durable persistence",
		},
		[]string{"reason"}, // "backpressure_queue_full", "wal_failure", "duplicate", "shutdown_lost", "validation"
	)

	EventsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_events_consumed_total",
			Help: "Total number of events drained from the queue by the consumer",
		},
	)

	EventsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_events_recovered_total",
			Help: "Total number of events replayed from the WAL during recovery",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of events buffered in the pipeline queue",
		},
	)

	QueuePeakDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_peak_depth",
			Help: "Highest observed queue depth since startup",
		},
	)

	QueueUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_utilization",
			Help: "Queue fill ratio between 0.0 and 1.0",
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_flush_duration_seconds",
			Help:    "Duration of pipeline batch flush operations in seconds",
			Buckets: prometheus.DefBuckets, // 0.005s, 0.01s, 0.025s, 0.05s, 0.1s, 0.25s, 0.5s, 1s, 2.5s, 5s, 10s
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_size",
			Help:    "Number of events in each batch flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// WAL Metrics
	WALAppends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_appends_total",
			Help: "Total number of records appended to the write-ahead log",
		},
	)

	WALAppendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wal_append_errors_total",
			Help: "Total number of failed WAL appends",
		},
		[]string{"error_type"},
	)

	WALCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_commits_total",
			Help: "Total number of commit markers written to the WAL",
		},
	)

	WALTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_truncations_total",
			Help: "Total number of WAL truncation passes",
		},
	)

	WALSegmentsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_segments_removed_total",
			Help: "Total number of fully committed WAL segments deleted by truncation",
		},
	)

	WALCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wal_corruptions_detected_total",
			Help: "Total number of checksum or framing failures detected during WAL scans",
		},
	)

	WALActiveSegments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wal_active_segments",
			Help: "Current number of WAL segment files on disk",
		},
	)

	WALLastCommittedSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wal_last_committed_sequence",
			Help: "Highest sequence number covered by a commit marker",
		},
	)

	WALAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wal_append_duration_seconds",
			Help:    "Duration of WAL append operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// Sink Metrics
	SinkAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_appends_total",
			Help: "Total number of events appended to a sink backend",
		},
		[]string{"backend"}, // "jsonl", "duckdb"
	)

	SinkAppendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_append_errors_total",
			Help: "Total number of failed sink appends",
		},
		[]string{"backend", "error_type"},
	)

	SinkFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_flushes_total",
			Help: "Total number of sink flush operations",
		},
		[]string{"backend"},
	)

	SinkFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sink_flush_duration_seconds",
			Help:    "Duration of sink flush operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	SinkBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_bytes_written_total",
			Help: "Total number of bytes written to sink storage",
		},
		[]string{"backend"},
	)

	SinkOpenPartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sink_open_partitions",
			Help: "Current number of open partition file handles",
		},
	)

	SinkPartitionRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sink_partition_rotations_total",
			Help: "Total number of partition files closed on date rollover",
		},
	)

	// Deduplication Metrics
	DedupSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_suppressed_total",
			Help: "Total number of duplicate events suppressed before the queue",
		},
	)

	DedupLedgerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_ledger_entries",
			Help: "Current number of identity entries in the dedup ledger",
		},
	)

	DedupCompactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_compactions_total",
			Help: "Total number of dedup ledger compaction passes",
		},
	)

	DedupEntriesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_entries_expired_total",
			Help: "Total number of identity entries removed by TTL compaction",
		},
	)

	// Feed Metrics
	FeedMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_messages_received_total",
			Help: "Total number of raw messages received from streaming providers",
		},
		[]string{"provider"},
	)

	FeedParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_parse_failures_total",
			Help: "Total number of provider messages that failed to parse",
		},
		[]string{"provider"},
	)

	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of streaming reconnect attempts",
		},
		[]string{"provider"},
	)

	FeedGapsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_gaps_detected_total",
			Help: "Total number of sequence gaps detected in depth feeds",
		},
		[]string{"provider"},
	)

	FeedConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_connection_state",
			Help: "Streaming connection state (0=disconnected, 1=connected)",
		},
		[]string{"provider"},
	)

	FeedHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_health_score",
			Help: "Failover health score per provider between 0.0 and 1.0",
		},
		[]string{"provider"},
	)

	// Failover Metrics
	FailoverSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_switches_total",
			Help: "Total number of primary feed switches",
		},
		[]string{"from", "to"},
	)

	FailbackSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "failover_failbacks_total",
			Help: "Total number of returns to the preferred provider",
		},
	)

	// Provider Request Metrics
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Duration of provider fetch requests in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}, // Optimized for API latency
		},
		[]string{"provider", "operation"},
	)

	ProviderRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_request_errors_total",
			Help: "Total number of failed provider requests",
		},
		[]string{"provider", "error_type"}, // "rate_limited", "auth", "transient", "not_applicable", "other"
	)

	// Rate Limiter Metrics
	RateLimitWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_waits_total",
			Help: "Total number of requests delayed by the local rate limiter",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Total number of 429 responses received from providers",
		},
		[]string{"provider"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Backfill Metrics
	BackfillRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_requests_total",
			Help: "Total number of historical fetch requests issued by backfill jobs",
		},
		[]string{"provider", "result"}, // result: "success", "failure", "rate_limited", "not_applicable"
	)

	BackfillRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backfill_retries_total",
			Help: "Total number of backfill request retry attempts",
		},
	)

	BackfillRecordsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backfill_records_fetched_total",
			Help: "Total number of historical records fetched and republished",
		},
	)

	BackfillJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backfill_jobs_active",
			Help: "Current number of backfill jobs in the Running state",
		},
	)

	BackfillJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backfill_job_duration_seconds",
			Help:    "Duration of backfill job execution in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600}, // Jobs can take minutes
		},
	)

	// Drop Audit Metrics
	AuditRecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Total number of drop records written to the audit trail",
		},
	)

	AuditWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_errors_total",
			Help: "Total number of failed audit trail writes",
		},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordEventPublished records an event accepted into the queue
func RecordEventPublished(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped before durable persistence
func RecordEventDropped(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordBatchFlush records a pipeline batch flush operation
func RecordBatchFlush(duration time.Duration, batchSize int) {
	BatchFlushDuration.Observe(duration.Seconds())
	BatchSize.Observe(float64(batchSize))
	EventsConsumed.Add(float64(batchSize))
}

// UpdateQueueGauges updates queue pressure gauges with current stats
func UpdateQueueGauges(depth, peakDepth int, utilization float64) {
	QueueDepth.Set(float64(depth))
	QueuePeakDepth.Set(float64(peakDepth))
	QueueUtilization.Set(utilization)
}

// RecordWALAppend records a WAL append and its outcome
func RecordWALAppend(duration time.Duration, err error) {
	WALAppendDuration.Observe(duration.Seconds())
	if err != nil {
		errorType := err.Error()
		// Truncate long error messages
		if len(errorType) > 50 {
			errorType = errorType[:50]
		}
		WALAppendErrors.WithLabelValues(errorType).Inc()
		return
	}
	WALAppends.Inc()
}

// RecordWALCommit records a commit marker write
func RecordWALCommit(sequence uint64) {
	WALCommits.Inc()
	WALLastCommittedSequence.Set(float64(sequence))
}

// RecordWALTruncation records a truncation pass and the segments it removed
func RecordWALTruncation(segmentsRemoved int) {
	WALTruncations.Inc()
	WALSegmentsRemoved.Add(float64(segmentsRemoved))
}

// RecordWALCorruption records a checksum or framing failure found during a scan
func RecordWALCorruption() {
	WALCorruptions.Inc()
}

// UpdateWALSegments updates the active segment gauge
func UpdateWALSegments(count int) {
	WALActiveSegments.Set(float64(count))
}

// RecordSinkAppend records events appended to a sink backend
func RecordSinkAppend(backend string, count int, err error) {
	if err != nil {
		errorType := err.Error()
		if len(errorType) > 50 {
			errorType = errorType[:50]
		}
		SinkAppendErrors.WithLabelValues(backend, errorType).Inc()
		return
	}
	SinkAppends.WithLabelValues(backend).Add(float64(count))
}

// RecordSinkFlush records a sink flush operation
func RecordSinkFlush(backend string, duration time.Duration, bytesWritten int64) {
	SinkFlushes.WithLabelValues(backend).Inc()
	SinkFlushDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if bytesWritten > 0 {
		SinkBytesWritten.WithLabelValues(backend).Add(float64(bytesWritten))
	}
}

// UpdateSinkOpenPartitions updates the open partition handle gauge
func UpdateSinkOpenPartitions(count int) {
	SinkOpenPartitions.Set(float64(count))
}

// RecordSinkPartitionRotation records a partition file closed on date rollover
func RecordSinkPartitionRotation() {
	SinkPartitionRotations.Inc()
}

// RecordDedupSuppressed records a duplicate event suppressed before the queue
func RecordDedupSuppressed() {
	DedupSuppressed.Inc()
}

// RecordDedupCompaction records a compaction pass and the entries it expired
func RecordDedupCompaction(entriesExpired int) {
	DedupCompactions.Inc()
	DedupEntriesExpired.Add(float64(entriesExpired))
}

// UpdateDedupLedgerSize updates the ledger entry gauge
func UpdateDedupLedgerSize(entries int64) {
	DedupLedgerEntries.Set(float64(entries))
}

// RecordFeedMessage records a raw message received from a streaming provider
func RecordFeedMessage(provider string) {
	FeedMessagesReceived.WithLabelValues(provider).Inc()
}

// RecordFeedParseFailure records a provider message that failed to parse
func RecordFeedParseFailure(provider string) {
	FeedParseFailures.WithLabelValues(provider).Inc()
}

// RecordFeedReconnect records a streaming reconnect attempt
func RecordFeedReconnect(provider string) {
	FeedReconnects.WithLabelValues(provider).Inc()
}

// RecordFeedGap records a sequence gap detected in a depth feed
func RecordFeedGap(provider string) {
	FeedGapsDetected.WithLabelValues(provider).Inc()
}

// UpdateFeedConnection updates the connection state gauge for a provider
func UpdateFeedConnection(provider string, connected bool) {
	if connected {
		FeedConnectionState.WithLabelValues(provider).Set(1)
	} else {
		FeedConnectionState.WithLabelValues(provider).Set(0)
	}
}

// UpdateFeedHealth updates the failover health score for a provider
func UpdateFeedHealth(provider string, score float64) {
	FeedHealthScore.WithLabelValues(provider).Set(score)
}

// RecordFailover records a primary feed switch
func RecordFailover(from, to string) {
	FailoverSwitches.WithLabelValues(from, to).Inc()
}

// RecordFailback records a return to the preferred provider
func RecordFailback(from, to string) {
	FailoverSwitches.WithLabelValues(from, to).Inc()
	FailbackSwitches.Inc()
}

// RecordProviderRequest records a provider fetch request. errorType is the
// caller's classification ("rate_limited", "auth", "transient",
// "not_applicable", "other") or empty for a success.
func RecordProviderRequest(provider, operation string, duration time.Duration, errorType string) {
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if errorType != "" {
		ProviderRequestErrors.WithLabelValues(provider, errorType).Inc()
	}
}

// RecordRateLimitWait records a request delayed by the local limiter
func RecordRateLimitWait(provider string) {
	RateLimitWaits.WithLabelValues(provider).Inc()
}

// RecordRateLimitHit records a 429 response from a provider
func RecordRateLimitHit(provider string) {
	RateLimitHits.WithLabelValues(provider).Inc()
}

// RecordBackfillRequest records a historical fetch request and its result
func RecordBackfillRequest(provider, result string) {
	BackfillRequests.WithLabelValues(provider, result).Inc()
}

// RecordBackfillRetry records a backfill retry attempt
func RecordBackfillRetry() {
	BackfillRetries.Inc()
}

// RecordBackfillRecords records historical records fetched and republished
func RecordBackfillRecords(count int) {
	BackfillRecordsFetched.Add(float64(count))
}

// TrackBackfillJob tracks jobs entering and leaving the Running state
func TrackBackfillJob(inc bool) {
	if inc {
		BackfillJobsActive.Inc()
	} else {
		BackfillJobsActive.Dec()
	}
}

// RecordBackfillJob records a completed backfill job execution
func RecordBackfillJob(duration time.Duration) {
	BackfillJobDuration.Observe(duration.Seconds())
}

// RecordAuditWrite records a drop record written to the audit trail
func RecordAuditWrite(err error) {
	if err != nil {
		AuditWriteErrors.Inc()
		return
	}
	AuditRecordsWritten.Inc()
}

// RecordEventsRecovered records events replayed from the WAL during recovery
func RecordEventsRecovered(count int) {
	EventsRecovered.Add(float64(count))
}

// UpdateCircuitBreakerState updates the breaker state gauge
// (0=closed, 1=half-open, 2=open)
func UpdateCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitBreakerRequest records a request passing through a breaker
func RecordCircuitBreakerRequest(name, result string) {
	CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

// RecordCircuitBreakerTransition records a breaker state change
func RecordCircuitBreakerTransition(name, fromState, toState string) {
	CircuitBreakerTransitions.WithLabelValues(name, fromState, toState).Inc()
}

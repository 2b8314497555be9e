// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package config

import (
	"time"
)

// AppConfig holds all application configuration loaded from config files and
// environment variables. Provides centralized configuration management for the
// capture pipeline, durability layer, providers, failover, and observability.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any scalar setting via TABVLM_* variables
//
// Configuration Categories:
//
//  1. Durability:
//     - Storage: JSONL partition layout, compression, optional DuckDB mirror
//     - WAL: Segmented write-ahead log and sync mode
//     - Dedup: At-most-once identity ledger
//
//  2. Ingestion:
//     - Pipeline: Bounded queue, batching, drop policy
//     - Providers: Streaming and historical provider definitions
//     - Failover: Primary/backup switching rule
//     - RateLimits: Per-provider admission windows
//     - Backfill: Job execution, retries, parallelism
//
//  3. Observability:
//     - Status: Periodic status file writer
//     - Ops: Operational HTTP endpoint (/metrics, /healthz, /statusz)
//     - Logging: Log levels and output formats
//
// Thread Safety:
// AppConfig is immutable after LoadWithKoanf() and safe for concurrent read
// access from multiple goroutines.
type AppConfig struct {
	Storage    StorageConfig              `koanf:"storage"`
	WAL        WALConfig                  `koanf:"wal"`
	Pipeline   PipelineConfig             `koanf:"pipeline"`
	Dedup      DedupConfig                `koanf:"dedup"`
	Providers  ProvidersConfig            `koanf:"providers"`
	Failover   FailoverConfig             `koanf:"failover"`
	RateLimits map[string]RateLimitConfig `koanf:"rate_limits"`
	Backfill   BackfillConfig             `koanf:"backfill"`
	Status     StatusConfig               `koanf:"status"`
	Ops        OpsConfig                  `koanf:"ops"`
	Logging    LoggingConfig              `koanf:"logging"`

	// Symbols is the capture universe. When empty the composition layer
	// substitutes the default universe and logs a warning.
	Symbols []string `koanf:"symbols"`
}

// StorageConfig holds the append-only store layout and the optional columnar mirror.
//
// Events land in per-(symbol, type, date) JSONL partitions under DataRoot.
// The default profile writes {dataRoot}/{SYMBOL}/{type}/{yyyy-MM-dd}.jsonl
// (plus .gz when compression is enabled).
//
// Environment Variables:
//   - TABVLM_DATA_ROOT: Root directory for all captured data (required)
//   - TABVLM_STORAGE_COMPRESSION: Gzip partition files (default: false)
//   - TABVLM_STORAGE_NAMING_POLICY: Partition layout policy (default: hierarchical)
//   - TABVLM_STORAGE_DATE_PARTITION: Date granularity (default: daily)
//   - TABVLM_STORAGE_MAX_OPEN_PARTITIONS: Open file handle cap (default: 256)
//   - TABVLM_STORAGE_BUFFER_SIZE: Per-partition write buffer in bytes (default: 65536)
//   - TABVLM_DUCKDB_ENABLED: Mirror events into DuckDB (default: false)
//   - TABVLM_DUCKDB_PATH: DuckDB database path (default: {dataRoot}/market_events.duckdb)
type StorageConfig struct {
	DataRoot          string `koanf:"data_root"`           // Root directory for partitions, WAL, audit, status
	Compression       bool   `koanf:"compression"`         // Gzip-compress partition files (.jsonl.gz)
	NamingPolicy      string `koanf:"naming_policy"`       // flat|by_symbol|by_date|by_type|by_source|by_asset_class|hierarchical|canonical
	DatePartition     string `koanf:"date_partition"`      // none|daily|hourly|monthly
	MaxOpenPartitions int    `koanf:"max_open_partitions"` // LRU cap on simultaneously open partition files
	BufferSize        int    `koanf:"buffer_size"`         // Per-partition buffered writer size in bytes
	DuckDBEnabled     bool   `koanf:"duckdb_enabled"`      // Mirror events into a DuckDB table
	DuckDBPath        string `koanf:"duckdb_path"`         // DuckDB file path; empty derives from DataRoot
}

// WALConfig holds the segmented write-ahead log settings.
//
// The WAL makes accepted events crash-safe before the sink flush completes.
// Sync mode trades durability for throughput:
//   - per_record: fsync after every append (strongest, slowest)
//   - batched: group fsyncs by count or delay (default; bounded loss window)
//   - none: rely on OS page cache (fastest, weakest)
//
// Environment Variables:
//   - TABVLM_WAL_ENABLED: Enable the write-ahead log (default: true)
//   - TABVLM_WAL_DIR: WAL directory (default: {dataRoot}/_wal)
//   - TABVLM_WAL_SEGMENT_SIZE: Segment roll size in bytes (default: 64MiB)
//   - TABVLM_WAL_SYNC_MODE: per_record, batched, or none (default: batched)
//   - TABVLM_WAL_SYNC_BATCH_SIZE: Appends per fsync in batched mode (default: 256)
//   - TABVLM_WAL_SYNC_MAX_DELAY: Max fsync delay in batched mode (default: 50ms)
type WALConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Dir           string        `koanf:"dir"` // Empty derives {dataRoot}/_wal
	SegmentSize   int64         `koanf:"segment_size"`
	SyncMode      string        `koanf:"sync_mode"` // per_record|batched|none
	SyncBatchSize int           `koanf:"sync_batch_size"`
	SyncMaxDelay  time.Duration `koanf:"sync_max_delay"`
}

// PipelineConfig holds the bounded event queue and batching consumer settings.
//
// Environment Variables:
//   - TABVLM_PIPELINE_CAPACITY: Bounded queue capacity (default: 8192)
//   - TABVLM_PIPELINE_BATCH_SIZE: Max events drained per consumer cycle (default: 256)
//   - TABVLM_PIPELINE_DROP_POLICY: drop_newest, drop_oldest, or wait (default: drop_newest)
//   - TABVLM_PIPELINE_FLUSH_INTERVAL: Periodic sink flush + WAL truncate (default: 5s)
//   - TABVLM_PIPELINE_FINAL_FLUSH_TIMEOUT: Shutdown drain bound (default: 30s)
type PipelineConfig struct {
	Capacity          int           `koanf:"capacity"`
	BatchSize         int           `koanf:"batch_size"`
	DropPolicy        string        `koanf:"drop_policy"` // drop_newest|drop_oldest|wait
	FlushInterval     time.Duration `koanf:"flush_interval"`
	FinalFlushTimeout time.Duration `koanf:"final_flush_timeout"`
}

// DedupConfig holds the persistent at-most-once identity ledger settings.
//
// Environment Variables:
//   - TABVLM_DEDUP_ENABLED: Enable deduplication (default: true)
//   - TABVLM_DEDUP_DIR: Ledger directory (default: {dataRoot}/_dedup)
//   - TABVLM_DEDUP_TTL: Identity entry lifetime (default: 24h)
//   - TABVLM_DEDUP_COMPACT_INTERVAL: Ledger compaction cadence (default: 1h)
type DedupConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Dir             string        `koanf:"dir"` // Empty derives {dataRoot}/_dedup
	TTL             time.Duration `koanf:"ttl"`
	CompactInterval time.Duration `koanf:"compact_interval"`
}

// ProvidersConfig defines the streaming and historical provider set.
//
// Provider lists are structured and therefore YAML-only; there are no
// per-provider environment variable mappings. Credentials may still be
// injected per provider via APIKeyID/APISecret values of the form
// ${ENV_VAR_NAME}, resolved at client creation.
type ProvidersConfig struct {
	Streaming  []StreamingProviderConfig  `koanf:"streaming"`
	Historical []HistoricalProviderConfig `koanf:"historical"`
	Catalog    CatalogConfig              `koanf:"catalog"`
}

// StreamingProviderConfig defines one real-time feed source.
//
// Example - WebSocket feed:
//
//	streaming:
//	  - name: alpaca
//	    kind: websocket
//	    enabled: true
//	    url: wss://stream.data.alpaca.markets/v2/iex
//	    api_key_id: ${ALPACA_KEY_ID}
//	    api_secret: ${ALPACA_SECRET}
//	    depth_levels: 10
//
// Example - NATS-delivered feed:
//
//	streaming:
//	  - name: internal-bus
//	    kind: nats
//	    enabled: true
//	    url: nats://127.0.0.1:4222
//	    subject_prefix: md
type StreamingProviderConfig struct {
	Name          string `koanf:"name"`
	Kind          string `koanf:"kind"` // websocket|nats|simulated
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	APIKeyID      string `koanf:"api_key_id"`
	APISecret     string `koanf:"api_secret"`
	SubjectPrefix string `koanf:"subject_prefix"` // NATS subject prefix (default: md)
	DepthLevels   int    `koanf:"depth_levels"`   // Requested book depth (0 = trades/quotes only)
	Seed          int64  `koanf:"seed"`           // Simulated feed determinism (0 = time-based)
}

// HistoricalProviderConfig defines one backfill data source.
type HistoricalProviderConfig struct {
	Name      string        `koanf:"name"`
	Enabled   bool          `koanf:"enabled"`
	Priority  int           `koanf:"priority"` // Lower is preferred
	BaseURL   string        `koanf:"base_url"`
	APIKeyID  string        `koanf:"api_key_id"`
	APISecret string        `koanf:"api_secret"`
	TokenURL  string        `koanf:"token_url"` // OAuth token endpoint; empty = static key auth
	Timeout   time.Duration `koanf:"timeout"`   // Per-request timeout (default: 30s)
}

// CatalogConfig holds the persistent instrument catalog cache settings.
//
// The catalog caches symbol-search results (instrument metadata, asset class)
// in a local Badger store so repeated lookups avoid provider round trips.
type CatalogConfig struct {
	Enabled bool          `koanf:"enabled"`
	Dir     string        `koanf:"dir"` // Empty derives {dataRoot}/_catalog
	TTL     time.Duration `koanf:"ttl"`
}

// FailoverConfig holds the single primary/backup switching rule for this run.
//
// Environment Variables:
//   - TABVLM_FAILOVER_PRIMARY: Preferred streaming provider name
//   - TABVLM_FAILOVER_BACKUPS: Ordered comma-separated backup names
//   - TABVLM_FAILOVER_AFTER: Disconnected time before switching (default: 30s)
//   - TABVLM_FAILOVER_ERROR_WINDOW: Error rate observation window (default: 1m)
//   - TABVLM_FAILOVER_ERROR_THRESHOLD: Error rate triggering a switch (default: 0.5)
//   - TABVLM_FAILOVER_RECOVERY_STABLE: Continuous health before failback (default: 5m)
//   - TABVLM_FAILOVER_EVAL_INTERVAL: Rule evaluation cadence (default: 5s)
type FailoverConfig struct {
	Primary        string        `koanf:"primary"`
	Backups        []string      `koanf:"backups"`
	FailoverAfter  time.Duration `koanf:"failover_after"`
	ErrorWindow    time.Duration `koanf:"error_window"`
	ErrorThreshold float64       `koanf:"error_threshold"`
	RecoveryStable time.Duration `koanf:"recovery_stable"`
	EvalInterval   time.Duration `koanf:"eval_interval"`
}

// RateLimitConfig holds one provider's sliding-window admission settings.
// The map key in AppConfig.RateLimits is the provider name; the reserved
// key "default" applies to providers without an explicit entry.
type RateLimitConfig struct {
	MaxRequests int           `koanf:"max_requests"`
	Window      time.Duration `koanf:"window"`
	MinDelay    time.Duration `koanf:"min_delay"`
}

// BackfillConfig holds historical job execution settings.
//
// Environment Variables:
//   - TABVLM_BACKFILL_MAX_CONCURRENT: Global in-flight request cap (default: 4)
//   - TABVLM_BACKFILL_PER_PROVIDER_CONCURRENT: Per-provider cap (default: 2)
//   - TABVLM_BACKFILL_MAX_RETRIES: Retry attempts per request (default: 5)
//   - TABVLM_BACKFILL_RETRY_INITIAL: Initial backoff (default: 2s)
//   - TABVLM_BACKFILL_RETRY_MAX_DELAY: Backoff cap (default: 1m)
//   - TABVLM_BACKFILL_RETRY_MULTIPLIER: Backoff growth factor (default: 2.0)
//   - TABVLM_BACKFILL_RETRY_JITTER: Jitter fraction 0..1 (default: 0.2)
//   - TABVLM_BACKFILL_PREFERRED_PROVIDERS: Comma-separated preference order
type BackfillConfig struct {
	MaxConcurrent         int           `koanf:"max_concurrent"`
	PerProviderConcurrent int           `koanf:"per_provider_concurrent"`
	MaxRetries            int           `koanf:"max_retries"`
	RetryInitial          time.Duration `koanf:"retry_initial"`
	RetryMaxDelay         time.Duration `koanf:"retry_max_delay"`
	RetryMultiplier       float64       `koanf:"retry_multiplier"`
	RetryJitter           float64       `koanf:"retry_jitter"`
	PreferredProviders    []string      `koanf:"preferred_providers"`
}

// StatusConfig holds the periodic status file writer settings.
//
// Environment Variables:
//   - TABVLM_STATUS_ENABLED: Write {dataRoot}/_status/status.json (default: true)
//   - TABVLM_STATUS_INTERVAL: Rewrite cadence (default: 10s)
type StatusConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// OpsConfig holds the operational HTTP endpoint settings.
//
// The endpoint serves /metrics (Prometheus), /healthz, and /statusz.
// Port 0 disables the listener; the CLI port option overrides this value.
//
// Environment Variables:
//   - TABVLM_OPS_ENABLED: Enable the operational endpoint (default: true)
//   - TABVLM_OPS_HOST: Bind address (default: 0.0.0.0)
//   - TABVLM_OPS_PORT: Listen port, 0 disables (default: 8090)
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// LoggingConfig holds log output settings.
//
// Environment Variables:
//   - TABVLM_LOG_LEVEL: trace, debug, info, warn, error, fatal, panic (default: info)
//   - TABVLM_LOG_FORMAT: json or console (default: json)
//   - TABVLM_LOG_CALLER: Include file:line caller info (default: false)
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

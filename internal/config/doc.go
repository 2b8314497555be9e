// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

/*
Package config provides centralized configuration management for Tabularium.

This package handles loading, validation, and layered merging of configuration
for all application components. It ensures consistent configuration across the
capture pipeline, durability layer, and providers, and provides sensible
defaults for optional settings.

# Configuration Sources

Configuration is merged in three layers (later layers win):

 1. Built-in defaults (defaultConfig)
 2. Optional YAML config file (config.yaml, CONFIG_PATH, or the CLI path)
 3. Environment variables prefixed TABVLM_

# Configuration Structure

The package organizes configuration into logical groups:

  - StorageConfig: JSONL partition layout, compression, optional DuckDB mirror
  - WALConfig: Segmented write-ahead log and fsync policy
  - PipelineConfig: Bounded queue, batching consumer, drop policy
  - DedupConfig: Persistent at-most-once identity ledger
  - ProvidersConfig: Streaming and historical provider definitions
  - FailoverConfig: Primary/backup switching rule
  - RateLimitConfig: Per-provider sliding-window admission
  - BackfillConfig: Historical job execution and retry policy
  - StatusConfig / OpsConfig / LoggingConfig: Observability surfaces

# Environment Variables

Scalar settings map onto TABVLM_* variables via an explicit whitelist:

Storage (StorageConfig):
  - TABVLM_DATA_ROOT: Root directory for all captured data (required)
  - TABVLM_STORAGE_COMPRESSION: Gzip partition files (default: false)
  - TABVLM_STORAGE_NAMING_POLICY: Partition layout (default: hierarchical)
  - TABVLM_STORAGE_DATE_PARTITION: Date granularity (default: daily)
  - TABVLM_DUCKDB_ENABLED: Mirror events into DuckDB (default: false)

Write-Ahead Log (WALConfig):
  - TABVLM_WAL_ENABLED: Enable the WAL (default: true)
  - TABVLM_WAL_SEGMENT_SIZE: Segment roll size in bytes (default: 64MiB)
  - TABVLM_WAL_SYNC_MODE: per_record, batched, none (default: batched)

Pipeline (PipelineConfig):
  - TABVLM_PIPELINE_CAPACITY: Queue capacity (default: 8192)
  - TABVLM_PIPELINE_BATCH_SIZE: Consumer batch size (default: 256)
  - TABVLM_PIPELINE_DROP_POLICY: drop_newest, drop_oldest, wait

Deduplication (DedupConfig):
  - TABVLM_DEDUP_ENABLED: Enable deduplication (default: true)
  - TABVLM_DEDUP_TTL: Identity lifetime (default: 24h)

Failover (FailoverConfig):
  - TABVLM_FAILOVER_PRIMARY: Preferred streaming provider name
  - TABVLM_FAILOVER_BACKUPS: Comma-separated backup order
  - TABVLM_FAILOVER_AFTER: Disconnect tolerance (default: 30s)

Backfill (BackfillConfig):
  - TABVLM_BACKFILL_MAX_CONCURRENT: Global request cap (default: 4)
  - TABVLM_BACKFILL_MAX_RETRIES: Attempts per request (default: 5)

Universe:
  - TABVLM_SYMBOLS: Comma-separated capture universe (default: SPY)

Structured settings (provider lists, per-provider rate limits) are YAML-only.

# Usage Example

Basic configuration loading:

	import "github.com/tomtom215/tabularium/internal/config"

	// Load configuration with layered merging
	cfg, err := config.LoadWithKoanf("")
	if err != nil {
	    log.Fatalf("Failed to load config: %v", err)
	}

	// Access configuration values
	fmt.Printf("Capturing to %s\n", cfg.Storage.DataRoot)
	fmt.Printf("Queue capacity %d, drop policy %s\n", cfg.Pipeline.Capacity, cfg.Pipeline.DropPolicy)

Testing with custom configuration:

	// Override environment variables for testing
	t.Setenv("TABVLM_DATA_ROOT", t.TempDir())
	t.Setenv("TABVLM_PIPELINE_CAPACITY", "128")

	cfg, err := config.LoadWithKoanf("")
	// Use cfg for testing

# Validation

The package performs comprehensive validation:

  - Required fields: storage.data_root
  - Enumerations: naming policy, date partition, sync mode, drop policy, log level
  - Numeric ranges: pipeline.batch_size (1-10000), backfill.max_concurrent (1-64)
  - Duration ranges: wal.sync_max_delay (1ms-10s), dedup.ttl ≥1m
  - URL formats: provider base_url must be valid HTTP(S), streaming URLs ws/wss/nats
  - Symbols: uppercase letters, digits, dots, hyphens, 1-20 characters

# Defaults

Sensible defaults are provided for all optional settings:

  - Queue capacity 8192 with drop_newest (favors fresh market state)
  - WAL batched sync, 256 records or 50ms (bounded loss, high throughput)
  - Dedup TTL 24 hours (covers one trading day of replays)
  - Flush interval 5 seconds (bounds data loss on crash)
  - Ops endpoint on port 8090

# Environment Files

For local development, create a config.yaml:

	# config.yaml
	storage:
	  data_root: ./data
	symbols: [SPY, QQQ, AAPL]
	providers:
	  streaming:
	    - name: sim
	      kind: simulated
	      enabled: true
	logging:
	  level: debug
	  format: console

# Thread Safety

The AppConfig struct is immutable after LoadWithKoanf() returns, making it safe
for concurrent access from multiple goroutines without synchronization.

# See Also

  - config.example.yaml: Complete configuration template
  - README.md: User-facing configuration documentation
*/
package config

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package config

import (
	"fmt"
	"time"
)

// Validate checks that required configuration is present and valid
func (c *AppConfig) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateWAL(); err != nil {
		return err
	}

	if err := c.validatePipeline(); err != nil {
		return err
	}

	if err := c.validateDedup(); err != nil {
		return err
	}

	if err := c.validateProviders(); err != nil {
		return err
	}

	if err := c.validateFailover(); err != nil {
		return err
	}

	if err := c.validateRateLimits(); err != nil {
		return err
	}

	if err := c.validateBackfill(); err != nil {
		return err
	}

	if err := c.validateStatus(); err != nil {
		return err
	}

	if err := c.validateOps(); err != nil {
		return err
	}

	if err := c.validateLogging(); err != nil {
		return err
	}

	return c.validateSymbols()
}

// Storage limit constants
const (
	storageMinBufferSize       = 1024
	storageMaxOpenPartitionCap = 4096
)

var validNamingPolicies = map[string]bool{
	"flat":           true,
	"by_symbol":      true,
	"by_date":        true,
	"by_type":        true,
	"by_source":      true,
	"by_asset_class": true,
	"hierarchical":   true,
	"canonical":      true,
}

var validDatePartitions = map[string]bool{
	"none":    true,
	"daily":   true,
	"hourly":  true,
	"monthly": true,
}

// validateStorage validates the partition store configuration
func (c *AppConfig) validateStorage() error {
	validators := []func() error{
		c.validateStorageDataRoot,
		c.validateStorageNamingPolicy,
		c.validateStorageDatePartition,
		c.validateStorageMaxOpenPartitions,
		c.validateStorageBufferSize,
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			return err
		}
	}
	return nil
}

// validateStorageDataRoot validates the data root directory
func (c *AppConfig) validateStorageDataRoot() error {
	if c.Storage.DataRoot == "" {
		return fmt.Errorf("storage.data_root is required (TABVLM_DATA_ROOT)")
	}
	return nil
}

// validateStorageNamingPolicy validates the partition layout policy
func (c *AppConfig) validateStorageNamingPolicy() error {
	if !validNamingPolicies[c.Storage.NamingPolicy] {
		return fmt.Errorf("storage.naming_policy must be one of flat, by_symbol, by_date, by_type, by_source, by_asset_class, hierarchical, canonical (TABVLM_STORAGE_NAMING_POLICY), got: %s",
			c.Storage.NamingPolicy)
	}
	return nil
}

// validateStorageDatePartition validates the date partition granularity
func (c *AppConfig) validateStorageDatePartition() error {
	if !validDatePartitions[c.Storage.DatePartition] {
		return fmt.Errorf("storage.date_partition must be one of none, daily, hourly, monthly (TABVLM_STORAGE_DATE_PARTITION), got: %s",
			c.Storage.DatePartition)
	}
	return nil
}

// validateStorageMaxOpenPartitions validates the open partition handle cap
func (c *AppConfig) validateStorageMaxOpenPartitions() error {
	if c.Storage.MaxOpenPartitions < 1 || c.Storage.MaxOpenPartitions > storageMaxOpenPartitionCap {
		return fmt.Errorf("storage.max_open_partitions must be between 1 and 4096 (TABVLM_STORAGE_MAX_OPEN_PARTITIONS)")
	}
	return nil
}

// validateStorageBufferSize validates the per-partition write buffer size
func (c *AppConfig) validateStorageBufferSize() error {
	if c.Storage.BufferSize < storageMinBufferSize {
		return fmt.Errorf("storage.buffer_size must be at least 1024 bytes (TABVLM_STORAGE_BUFFER_SIZE)")
	}
	return nil
}

// WAL limit constants
const (
	walMinSegmentSize = 1 * 1024 * 1024 // 1MB
	walMaxBatchSize   = 65536
	walMinSyncDelay   = time.Millisecond
	walMaxSyncDelay   = 10 * time.Second
)

var validWALSyncModes = map[string]bool{
	"per_record": true,
	"batched":    true,
	"none":       true,
}

// validateWAL validates write-ahead log configuration (only if enabled)
func (c *AppConfig) validateWAL() error {
	if !c.WAL.Enabled {
		return nil
	}

	if c.WAL.SegmentSize < walMinSegmentSize {
		return fmt.Errorf("wal.segment_size must be at least 1MB (1048576 bytes) (TABVLM_WAL_SEGMENT_SIZE)")
	}

	if !validWALSyncModes[c.WAL.SyncMode] {
		return fmt.Errorf("wal.sync_mode must be one of per_record, batched, none (TABVLM_WAL_SYNC_MODE), got: %s", c.WAL.SyncMode)
	}

	if c.WAL.SyncMode == "batched" {
		if c.WAL.SyncBatchSize < 1 || c.WAL.SyncBatchSize > walMaxBatchSize {
			return fmt.Errorf("wal.sync_batch_size must be between 1 and 65536 (TABVLM_WAL_SYNC_BATCH_SIZE)")
		}
		if c.WAL.SyncMaxDelay < walMinSyncDelay || c.WAL.SyncMaxDelay > walMaxSyncDelay {
			return fmt.Errorf("wal.sync_max_delay must be between 1ms and 10s (TABVLM_WAL_SYNC_MAX_DELAY)")
		}
	}

	return nil
}

// Pipeline limit constants
const (
	pipelineMaxBatchSize     = 10000
	pipelineMinFlushInterval = 100 * time.Millisecond
	pipelineMinFinalFlush    = time.Second
)

var validDropPolicies = map[string]bool{
	"drop_newest": true,
	"drop_oldest": true,
	"wait":        true,
}

// validatePipeline validates the event queue and batching configuration
func (c *AppConfig) validatePipeline() error {
	if c.Pipeline.Capacity < 1 {
		return fmt.Errorf("pipeline.capacity must be at least 1 (TABVLM_PIPELINE_CAPACITY)")
	}

	if c.Pipeline.BatchSize < 1 || c.Pipeline.BatchSize > pipelineMaxBatchSize {
		return fmt.Errorf("pipeline.batch_size must be between 1 and 10000 (TABVLM_PIPELINE_BATCH_SIZE)")
	}

	if !validDropPolicies[c.Pipeline.DropPolicy] {
		return fmt.Errorf("pipeline.drop_policy must be one of drop_newest, drop_oldest, wait (TABVLM_PIPELINE_DROP_POLICY), got: %s",
			c.Pipeline.DropPolicy)
	}

	if c.Pipeline.FlushInterval < pipelineMinFlushInterval {
		return fmt.Errorf("pipeline.flush_interval must be at least 100ms (TABVLM_PIPELINE_FLUSH_INTERVAL)")
	}

	if c.Pipeline.FinalFlushTimeout < pipelineMinFinalFlush {
		return fmt.Errorf("pipeline.final_flush_timeout must be at least 1s (TABVLM_PIPELINE_FINAL_FLUSH_TIMEOUT)")
	}

	return nil
}

// Dedup limit constants
const (
	dedupMinTTL             = time.Minute
	dedupMinCompactInterval = time.Minute
)

// validateDedup validates deduplication configuration (only if enabled)
func (c *AppConfig) validateDedup() error {
	if !c.Dedup.Enabled {
		return nil
	}

	if c.Dedup.TTL < dedupMinTTL {
		return fmt.Errorf("dedup.ttl must be at least 1m (TABVLM_DEDUP_TTL)")
	}

	if c.Dedup.CompactInterval < dedupMinCompactInterval {
		return fmt.Errorf("dedup.compact_interval must be at least 1m (TABVLM_DEDUP_COMPACT_INTERVAL)")
	}

	return nil
}

var validStreamingKinds = map[string]bool{
	"websocket": true,
	"nats":      true,
	"simulated": true,
}

// validateProviders validates streaming and historical provider definitions
func (c *AppConfig) validateProviders() error {
	seen := make(map[string]bool)

	for i, p := range c.Providers.Streaming {
		if p.Name == "" {
			return fmt.Errorf("providers.streaming[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers.streaming[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true

		if !validStreamingKinds[p.Kind] {
			return fmt.Errorf("providers.streaming[%d].kind must be one of websocket, nats, simulated, got: %s", i, p.Kind)
		}

		switch p.Kind {
		case "websocket":
			if p.URL == "" {
				return fmt.Errorf("providers.streaming[%d].url is required for websocket providers", i)
			}
			if err := validateWSURL(p.URL, fmt.Sprintf("providers.streaming[%d].url", i)); err != nil {
				return err
			}
		case "nats":
			if p.URL == "" {
				return fmt.Errorf("providers.streaming[%d].url is required for nats providers", i)
			}
			if err := validateNATSURL(p.URL); err != nil {
				return fmt.Errorf("providers.streaming[%d].url is invalid: %w", i, err)
			}
		}
	}

	for i, p := range c.Providers.Historical {
		if p.Name == "" {
			return fmt.Errorf("providers.historical[%d].name is required", i)
		}
		if !p.Enabled {
			continue
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers.historical[%d].base_url is required when enabled", i)
		}
		if err := validateHTTPURL(p.BaseURL, fmt.Sprintf("providers.historical[%d].base_url", i)); err != nil {
			return err
		}
		if p.TokenURL != "" {
			if err := validateHTTPURL(p.TokenURL, fmt.Sprintf("providers.historical[%d].token_url", i)); err != nil {
				return err
			}
		}
		if p.Priority < 0 {
			return fmt.Errorf("providers.historical[%d].priority must be non-negative", i)
		}
	}

	if c.Providers.Catalog.Enabled && c.Providers.Catalog.TTL < time.Minute {
		return fmt.Errorf("providers.catalog.ttl must be at least 1m (TABVLM_CATALOG_TTL)")
	}

	return nil
}

// Failover limit constants
const (
	failoverMinDuration = time.Second
)

// validateFailover validates the failover rule (only if a primary is named)
func (c *AppConfig) validateFailover() error {
	if c.Failover.Primary == "" {
		return nil
	}

	if c.Failover.FailoverAfter < failoverMinDuration {
		return fmt.Errorf("failover.failover_after must be at least 1s (TABVLM_FAILOVER_AFTER)")
	}

	if c.Failover.ErrorWindow < failoverMinDuration {
		return fmt.Errorf("failover.error_window must be at least 1s (TABVLM_FAILOVER_ERROR_WINDOW)")
	}

	if c.Failover.ErrorThreshold <= 0 || c.Failover.ErrorThreshold > 1 {
		return fmt.Errorf("failover.error_threshold must be in (0, 1] (TABVLM_FAILOVER_ERROR_THRESHOLD)")
	}

	if c.Failover.RecoveryStable < failoverMinDuration {
		return fmt.Errorf("failover.recovery_stable must be at least 1s (TABVLM_FAILOVER_RECOVERY_STABLE)")
	}

	if c.Failover.EvalInterval < failoverMinDuration {
		return fmt.Errorf("failover.eval_interval must be at least 1s (TABVLM_FAILOVER_EVAL_INTERVAL)")
	}

	for _, b := range c.Failover.Backups {
		if b == c.Failover.Primary {
			return fmt.Errorf("failover.backups must not contain the primary provider %q", c.Failover.Primary)
		}
	}

	return nil
}

// validateRateLimits validates all per-provider rate limit windows
func (c *AppConfig) validateRateLimits() error {
	for name, rl := range c.RateLimits {
		if rl.MaxRequests < 1 {
			return fmt.Errorf("rate_limits.%s.max_requests must be at least 1", name)
		}
		if rl.Window < time.Second {
			return fmt.Errorf("rate_limits.%s.window must be at least 1s", name)
		}
		if rl.MinDelay < 0 || rl.MinDelay >= rl.Window {
			return fmt.Errorf("rate_limits.%s.min_delay must be non-negative and shorter than the window", name)
		}
	}
	return nil
}

// Backfill limit constants
const (
	backfillMaxConcurrentCap = 64
	backfillMaxRetriesCap    = 100
	backfillMinRetryInitial  = 100 * time.Millisecond
)

// validateBackfill validates historical job execution configuration
func (c *AppConfig) validateBackfill() error {
	validators := []func() error{
		c.validateBackfillConcurrency,
		c.validateBackfillRetries,
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			return err
		}
	}
	return nil
}

// validateBackfillConcurrency validates the request parallelism caps
func (c *AppConfig) validateBackfillConcurrency() error {
	if c.Backfill.MaxConcurrent < 1 || c.Backfill.MaxConcurrent > backfillMaxConcurrentCap {
		return fmt.Errorf("backfill.max_concurrent must be between 1 and 64 (TABVLM_BACKFILL_MAX_CONCURRENT)")
	}
	if c.Backfill.PerProviderConcurrent < 1 || c.Backfill.PerProviderConcurrent > c.Backfill.MaxConcurrent {
		return fmt.Errorf("backfill.per_provider_concurrent must be between 1 and backfill.max_concurrent (TABVLM_BACKFILL_PER_PROVIDER_CONCURRENT)")
	}
	return nil
}

// validateBackfillRetries validates the retry policy shape
func (c *AppConfig) validateBackfillRetries() error {
	if c.Backfill.MaxRetries < 0 || c.Backfill.MaxRetries > backfillMaxRetriesCap {
		return fmt.Errorf("backfill.max_retries must be between 0 and 100 (TABVLM_BACKFILL_MAX_RETRIES)")
	}
	if c.Backfill.RetryInitial < backfillMinRetryInitial {
		return fmt.Errorf("backfill.retry_initial must be at least 100ms (TABVLM_BACKFILL_RETRY_INITIAL)")
	}
	if c.Backfill.RetryMaxDelay < c.Backfill.RetryInitial {
		return fmt.Errorf("backfill.retry_max_delay must be at least backfill.retry_initial (TABVLM_BACKFILL_RETRY_MAX_DELAY)")
	}
	if c.Backfill.RetryMultiplier < 1 {
		return fmt.Errorf("backfill.retry_multiplier must be at least 1.0 (TABVLM_BACKFILL_RETRY_MULTIPLIER)")
	}
	if c.Backfill.RetryJitter < 0 || c.Backfill.RetryJitter > 1 {
		return fmt.Errorf("backfill.retry_jitter must be between 0.0 and 1.0 (TABVLM_BACKFILL_RETRY_JITTER)")
	}
	return nil
}

// validateStatus validates the status file writer configuration
func (c *AppConfig) validateStatus() error {
	if !c.Status.Enabled {
		return nil
	}
	if c.Status.Interval < time.Second {
		return fmt.Errorf("status.interval must be at least 1s (TABVLM_STATUS_INTERVAL)")
	}
	return nil
}

// validateOps validates the operational endpoint configuration
func (c *AppConfig) validateOps() error {
	if c.Ops.Port < 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("ops.port must be between 0 and 65535 (TABVLM_OPS_PORT)")
	}
	return nil
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"fatal": true,
	"panic": true,
}

// validateLogging validates logging configuration
func (c *AppConfig) validateLogging() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error, fatal, panic (TABVLM_LOG_LEVEL), got: %s",
			c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console (TABVLM_LOG_FORMAT), got: %s", c.Logging.Format)
	}
	return nil
}

// Symbol length limits
const (
	symbolMinLen = 1
	symbolMaxLen = 20
)

// validateSymbols validates the capture universe. An empty universe is
// permitted here; the composition layer substitutes the default and warns.
func (c *AppConfig) validateSymbols() error {
	for _, s := range c.Symbols {
		if len(s) < symbolMinLen || len(s) > symbolMaxLen {
			return fmt.Errorf("symbols entry %q must be between 1 and 20 characters (TABVLM_SYMBOLS)", s)
		}
		for _, r := range s {
			valid := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-'
			if !valid {
				return fmt.Errorf("symbols entry %q must contain only uppercase letters, digits, dots, and hyphens (TABVLM_SYMBOLS)", s)
			}
		}
	}
	return nil
}

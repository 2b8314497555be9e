// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are the locations checked for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tabularium/config.yaml",
	"/etc/tabularium/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces all environment overrides.
const envPrefix = "TABVLM_"

// globalKoanf holds the koanf instance from the most recent load so tooling
// (config dumps, watch callbacks) can interrogate the merged key set.
var globalKoanf *koanf.Koanf

// defaultConfig returns the built-in defaults applied before file and
// environment layers. Empty Dir/Path fields are derived from Storage.DataRoot
// by the composition layer, not here.
func defaultConfig() *AppConfig {
	return &AppConfig{
		Storage: StorageConfig{
			DataRoot:          "/data/market",
			Compression:       false,
			NamingPolicy:      "hierarchical",
			DatePartition:     "daily",
			MaxOpenPartitions: 256,
			BufferSize:        64 * 1024,
			DuckDBEnabled:     false,
			DuckDBPath:        "",
		},
		WAL: WALConfig{
			Enabled:       true,
			Dir:           "",
			SegmentSize:   64 * 1024 * 1024,
			SyncMode:      "batched",
			SyncBatchSize: 256,
			SyncMaxDelay:  50 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			Capacity:          8192,
			BatchSize:         256,
			DropPolicy:        "drop_newest",
			FlushInterval:     5 * time.Second,
			FinalFlushTimeout: 30 * time.Second,
		},
		Dedup: DedupConfig{
			Enabled:         true,
			Dir:             "",
			TTL:             24 * time.Hour,
			CompactInterval: 1 * time.Hour,
		},
		Providers: ProvidersConfig{
			Streaming:  nil,
			Historical: nil,
			Catalog: CatalogConfig{
				Enabled: false,
				Dir:     "",
				TTL:     24 * time.Hour,
			},
		},
		Failover: FailoverConfig{
			Primary:        "",
			Backups:        nil,
			FailoverAfter:  30 * time.Second,
			ErrorWindow:    1 * time.Minute,
			ErrorThreshold: 0.5,
			RecoveryStable: 5 * time.Minute,
			EvalInterval:   5 * time.Second,
		},
		RateLimits: map[string]RateLimitConfig{
			"default": {
				MaxRequests: 200,
				Window:      1 * time.Minute,
				MinDelay:    0,
			},
		},
		Backfill: BackfillConfig{
			MaxConcurrent:         4,
			PerProviderConcurrent: 2,
			MaxRetries:            5,
			RetryInitial:          2 * time.Second,
			RetryMaxDelay:         1 * time.Minute,
			RetryMultiplier:       2.0,
			RetryJitter:           0.2,
			PreferredProviders:    nil,
		},
		Status: StatusConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
		Ops: OpsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Symbols: nil,
	}
}

// LoadWithKoanf loads configuration in three layers: built-in defaults, an
// optional YAML file, then TABVLM_* environment overrides. An explicit
// configPath must exist; an empty configPath falls back to CONFIG_PATH and
// the default search locations, where a missing file is not an error.
func LoadWithKoanf(configPath string) (*AppConfig, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	// Layer 2: optional YAML file. An explicit path must load; a discovered
	// path was already stat-checked, so failures there are real parse errors.
	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment overrides.
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated env values become slices for whitelisted paths.
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	globalKoanf = k
	return &cfg, nil
}

// findConfigFile returns the first existing config file from CONFIG_PATH or
// the default search locations, or "" when none exists.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps TABVLM_* environment variable names onto koanf
// config paths. The mapping is an explicit whitelist; unmapped variables
// return "" and are skipped, so unrelated TABVLM_-prefixed variables cannot
// clobber config keys by accident.
func envTransformFunc(s string) string {
	if !strings.HasPrefix(s, envPrefix) {
		return ""
	}
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))

	mappings := map[string]string{
		// Storage
		"data_root":                   "storage.data_root",
		"storage_compression":         "storage.compression",
		"storage_naming_policy":       "storage.naming_policy",
		"storage_date_partition":      "storage.date_partition",
		"storage_max_open_partitions": "storage.max_open_partitions",
		"storage_buffer_size":         "storage.buffer_size",
		"duckdb_enabled":              "storage.duckdb_enabled",
		"duckdb_path":                 "storage.duckdb_path",

		// WAL
		"wal_enabled":         "wal.enabled",
		"wal_dir":             "wal.dir",
		"wal_segment_size":    "wal.segment_size",
		"wal_sync_mode":       "wal.sync_mode",
		"wal_sync_batch_size": "wal.sync_batch_size",
		"wal_sync_max_delay":  "wal.sync_max_delay",

		// Pipeline
		"pipeline_capacity":            "pipeline.capacity",
		"pipeline_batch_size":          "pipeline.batch_size",
		"pipeline_drop_policy":         "pipeline.drop_policy",
		"pipeline_flush_interval":      "pipeline.flush_interval",
		"pipeline_final_flush_timeout": "pipeline.final_flush_timeout",

		// Dedup
		"dedup_enabled":          "dedup.enabled",
		"dedup_dir":              "dedup.dir",
		"dedup_ttl":              "dedup.ttl",
		"dedup_compact_interval": "dedup.compact_interval",

		// Catalog
		"catalog_enabled": "providers.catalog.enabled",
		"catalog_dir":     "providers.catalog.dir",
		"catalog_ttl":     "providers.catalog.ttl",

		// Failover
		"failover_primary":         "failover.primary",
		"failover_backups":         "failover.backups",
		"failover_after":           "failover.failover_after",
		"failover_error_window":    "failover.error_window",
		"failover_error_threshold": "failover.error_threshold",
		"failover_recovery_stable": "failover.recovery_stable",
		"failover_eval_interval":   "failover.eval_interval",

		// Backfill
		"backfill_max_concurrent":          "backfill.max_concurrent",
		"backfill_per_provider_concurrent": "backfill.per_provider_concurrent",
		"backfill_max_retries":             "backfill.max_retries",
		"backfill_retry_initial":           "backfill.retry_initial",
		"backfill_retry_max_delay":         "backfill.retry_max_delay",
		"backfill_retry_multiplier":        "backfill.retry_multiplier",
		"backfill_retry_jitter":            "backfill.retry_jitter",
		"backfill_preferred_providers":     "backfill.preferred_providers",

		// Status
		"status_enabled":  "status.enabled",
		"status_interval": "status.interval",

		// Ops
		"ops_enabled": "ops.enabled",
		"ops_host":    "ops.host",
		"ops_port":    "ops.port",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Universe
		"symbols": "symbols",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}

// sliceConfigPaths are paths whose environment values are comma-separated
// lists. Provider definitions and rate-limit maps are structured and remain
// YAML-only.
var sliceConfigPaths = []string{
	"symbols",
	"failover.backups",
	"backfill.preferred_providers",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// If it's already a slice (from YAML file), skip
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		// If it's a string, split by comma
		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// GetKoanfInstance returns the koanf instance from the most recent
// LoadWithKoanf call, or nil before any load.
func GetKoanfInstance() *koanf.Koanf {
	return globalKoanf
}

// WatchConfigFile invokes callback whenever the config file at path changes.
// Callers reload with LoadWithKoanf inside the callback and decide which
// settings may be re-applied to a running process.
func WatchConfigFile(path string, callback func()) error {
	if path == "" {
		return fmt.Errorf("config watch requires an explicit file path")
	}
	f := file.Provider(path)
	return f.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package sink persists normalized market events to durable storage backends.
//
// The primary backend is JSONL: one JSON object per line, partitioned into
// files by a configurable naming policy (see Namer). An optional DuckDB
// backend mirrors the same events into a columnar table for analytical
// queries. CompositeSink fans a single append out to several backends in
// order, isolating secondary-backend failures from the primary write path.
//
// Sinks are written to by the single pipeline consumer; Flush may arrive
// concurrently from the periodic flusher, so implementations serialize
// internally.
package sink

import (
	"time"

	"github.com/tomtom215/tabularium/internal/events"
)

// Sink is the destination for normalized market events leaving the pipeline.
//
// Append buffers one event into the backend. Flush forces buffered data to
// durable storage and may block briefly. Close flushes then releases all
// underlying resources; it is idempotent.
type Sink interface {
	Append(event *events.MarketEvent) error
	Flush() error
	Close() error
}

// Config holds JSONL sink configuration.
//
// The composition layer maps the storage section of the application config
// onto this struct; the sink package never reads the environment itself.
type Config struct {
	// Dir is the data root under which partition files are created.
	Dir string

	// Compress enables per-file gzip. Partition files end in .jsonl.gz and
	// each reopened partition appends a fresh gzip member, which stock gzip
	// readers decode as one concatenated stream.
	Compress bool

	// Policy selects the directory layout for partition files.
	Policy Policy

	// DatePartition selects the file granularity within a partition.
	DatePartition DatePartition

	// MaxOpenPartitions caps simultaneously open partition files. When the
	// cap is reached the least recently written partition is flushed and
	// closed before a new one is opened.
	MaxOpenPartitions int

	// BufferSize is the per-partition write buffer in bytes.
	BufferSize int
}

// DefaultConfig returns a Config with defaults suitable for a single-host
// capture node. Dir has no default and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		Dir:               "",
		Compress:          false,
		Policy:            PolicyHierarchical,
		DatePartition:     PartitionDaily,
		MaxOpenPartitions: 256,
		BufferSize:        64 * 1024,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return &ConfigError{Field: "Dir", Message: "data directory is required"}
	}
	if !c.Policy.valid() {
		return &ConfigError{Field: "Policy", Message: "unknown naming policy " + string(c.Policy)}
	}
	if !c.DatePartition.valid() {
		return &ConfigError{Field: "DatePartition", Message: "unknown date partition " + string(c.DatePartition)}
	}
	if c.MaxOpenPartitions < 1 {
		return &ConfigError{Field: "MaxOpenPartitions", Message: "must be at least 1"}
	}
	if c.BufferSize < 512 {
		return &ConfigError{Field: "BufferSize", Message: "must be at least 512 bytes"}
	}
	return nil
}

// DuckDBConfig holds configuration for the columnar mirror backend.
type DuckDBConfig struct {
	// Path is the DuckDB database file.
	Path string

	// BatchSize is the number of events per insert transaction. Buffered
	// events are flushed asynchronously once the buffer reaches this size.
	BatchSize int

	// FlushInterval is the period of the background flush timer.
	FlushInterval time.Duration

	// Threads is the DuckDB thread count. Zero or negative uses the CPU count.
	Threads int

	// MaxMemory is the DuckDB memory limit, e.g. "512MB".
	MaxMemory string
}

// DefaultDuckDBConfig returns defaults for the columnar backend. Path has no
// default and must be set by the caller.
func DefaultDuckDBConfig() DuckDBConfig {
	return DuckDBConfig{
		Path:          "",
		BatchSize:     256,
		FlushInterval: 5 * time.Second,
		Threads:       0,
		MaxMemory:     "512MB",
	}
}

// Validate checks that the configuration is usable.
func (c *DuckDBConfig) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "database path is required"}
	}
	if c.BatchSize < 1 {
		return &ConfigError{Field: "BatchSize", Message: "must be at least 1"}
	}
	if c.FlushInterval <= 0 {
		return &ConfigError{Field: "FlushInterval", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a sink configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "sink config error: " + e.Field + ": " + e.Message
}

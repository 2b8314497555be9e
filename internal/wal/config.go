// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package wal

import (
	"time"
)

// SyncMode controls when appended records are fsynced to disk.
type SyncMode string

const (
	// SyncPerRecord fsyncs after every append and commit. Slowest,
	// strongest durability.
	SyncPerRecord SyncMode = "per_record"

	// SyncBatched fsyncs after BatchSize unsynced records or MaxDelay,
	// whichever comes first. A crash loses at most the unsynced tail.
	SyncBatched SyncMode = "batched"

	// SyncNone never fsyncs explicitly and relies on the OS page cache.
	// Durability is best-effort only.
	SyncNone SyncMode = "none"
)

// ParseSyncMode converts a config string into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case SyncPerRecord, SyncBatched, SyncNone:
		return SyncMode(s), nil
	default:
		return "", &ConfigError{Field: "SyncMode", Message: "unknown sync mode " + s}
	}
}

// Config holds write-ahead log settings.
type Config struct {
	// Dir is the directory holding segment files and the commit marker.
	Dir string

	// SegmentSize is the size threshold in bytes at which the active
	// segment is rolled. Records are never split across segments.
	SegmentSize int64

	// SyncMode selects the fsync policy for appends and commits.
	SyncMode SyncMode

	// BatchSize is the number of unsynced records that forces an fsync
	// in batched mode.
	BatchSize int

	// MaxDelay bounds how long an unsynced record may sit in the page
	// cache in batched mode.
	MaxDelay time.Duration
}

// DefaultConfig returns production WAL defaults. Dir must be set by
// the caller.
func DefaultConfig() Config {
	return Config{
		SegmentSize: 64 * 1024 * 1024,
		SyncMode:    SyncBatched,
		BatchSize:   256,
		MaxDelay:    50 * time.Millisecond,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return &ConfigError{Field: "Dir", Message: "WAL directory is required"}
	}
	if c.SegmentSize < minSegmentSize {
		return &ConfigError{Field: "SegmentSize", Message: "must be at least 4096 bytes"}
	}
	switch c.SyncMode {
	case SyncPerRecord, SyncBatched, SyncNone:
	default:
		return &ConfigError{Field: "SyncMode", Message: "unknown sync mode " + string(c.SyncMode)}
	}
	if c.SyncMode == SyncBatched {
		if c.BatchSize < 1 {
			return &ConfigError{Field: "BatchSize", Message: "must be at least 1"}
		}
		if c.MaxDelay <= 0 {
			return &ConfigError{Field: "MaxDelay", Message: "must be positive"}
		}
	}
	return nil
}

// minSegmentSize keeps segments large enough to hold at least a few
// records plus headers.
const minSegmentSize = 4096

// ConfigError describes an invalid WAL configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "WAL config error: " + e.Field + ": " + e.Message
}

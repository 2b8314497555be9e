// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package pipeline

import (
	"fmt"
	"time"
)

// Policy selects the backpressure behaviour when the event channel is full.
type Policy string

const (
	// DropNewest rejects the incoming event and leaves the queue intact.
	DropNewest Policy = "drop_newest"

	// DropOldest evicts the head of the queue to make room for the
	// incoming event. Evicted events are audited.
	DropOldest Policy = "drop_oldest"

	// Wait blocks the publisher until space is available or the pipeline
	// closes.
	Wait Policy = "wait"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case DropNewest, DropOldest, Wait:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// Config controls the event pipeline.
type Config struct {
	// QueueCapacity bounds the publish channel.
	QueueCapacity int

	// BatchSize caps how many events the consumer drains per cycle.
	// Each cycle ends with a sink flush and a WAL commit.
	BatchSize int

	// Policy is the backpressure behaviour applied by TryPublish when the
	// queue is full.
	Policy Policy

	// FlushInterval is the period of the background flusher, which flushes
	// the sink and truncates committed WAL segments.
	FlushInterval time.Duration

	// FinalFlushTimeout bounds the drain of queued events during Close.
	// Events still queued when it expires are audited as lost.
	FinalFlushTimeout time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     8192,
		BatchSize:         256,
		Policy:            DropNewest,
		FlushInterval:     5 * time.Second,
		FinalFlushTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration for correctness.
func (c Config) Validate() error {
	if c.QueueCapacity < 1 {
		return &ConfigError{Field: "QueueCapacity", Message: "must be at least 1"}
	}
	if c.BatchSize < 1 {
		return &ConfigError{Field: "BatchSize", Message: "must be at least 1"}
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return &ConfigError{Field: "Policy", Message: err.Error()}
	}
	if c.FlushInterval <= 0 {
		return &ConfigError{Field: "FlushInterval", Message: "must be positive"}
	}
	if c.FinalFlushTimeout <= 0 {
		return &ConfigError{Field: "FinalFlushTimeout", Message: "must be positive"}
	}
	return nil
}

// ConfigError describes an invalid pipeline configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "pipeline config error: " + e.Field + ": " + e.Message
}

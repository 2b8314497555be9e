// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package sink

import (
	"fmt"
	"sync/atomic"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
)

// NamedSink pairs a backend with the name used in logs and metrics.
type NamedSink struct {
	Name string
	Sink Sink
}

// CompositeSink fans each operation out to multiple backends in order. The
// first backend is the primary: only its errors are returned to the caller,
// so the pipeline's durability decisions are driven by the primary write
// path. Secondary failures are logged and counted but never interrupt it.
type CompositeSink struct {
	backends []NamedSink

	secondaryErrors atomic.Int64
}

// NewCompositeSink builds a composite over the given backends. The first
// backend is the primary.
func NewCompositeSink(backends ...NamedSink) (*CompositeSink, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend required")
	}
	for i, b := range backends {
		if b.Sink == nil {
			return nil, fmt.Errorf("backend %d (%s) is nil", i, b.Name)
		}
	}
	return &CompositeSink{backends: backends}, nil
}

// Append writes the event to every backend in order and returns the
// primary's error, if any.
func (c *CompositeSink) Append(e *events.MarketEvent) error {
	var primaryErr error
	for i, b := range c.backends {
		err := b.Sink.Append(e)
		if err == nil {
			continue
		}
		if i == 0 {
			primaryErr = err
			continue
		}
		c.secondaryErrors.Add(1)
		logging.Warn().
			Err(err).
			Str("backend", b.Name).
			Str("symbol", e.Symbol).
			Str("type", e.Type).
			Msg("SINK: Secondary backend append failed")
	}
	return primaryErr
}

// Flush flushes every backend in order and returns the primary's error.
func (c *CompositeSink) Flush() error {
	var primaryErr error
	for i, b := range c.backends {
		err := b.Sink.Flush()
		if err == nil {
			continue
		}
		if i == 0 {
			primaryErr = err
			continue
		}
		c.secondaryErrors.Add(1)
		logging.Warn().
			Err(err).
			Str("backend", b.Name).
			Msg("SINK: Secondary backend flush failed")
	}
	return primaryErr
}

// Close closes every backend in order and returns the primary's error.
func (c *CompositeSink) Close() error {
	var primaryErr error
	for i, b := range c.backends {
		err := b.Sink.Close()
		if err == nil {
			continue
		}
		if i == 0 {
			primaryErr = err
			continue
		}
		c.secondaryErrors.Add(1)
		logging.Warn().
			Err(err).
			Str("backend", b.Name).
			Msg("SINK: Secondary backend close failed")
	}
	return primaryErr
}

// SecondaryErrors returns the number of non-primary backend failures seen
// across appends, flushes and closes.
func (c *CompositeSink) SecondaryErrors() int64 {
	return c.secondaryErrors.Load()
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package services

import (
	"context"
	"time"

	"github.com/tomtom215/tabularium/internal/logging"
)

// Flusher matches the pipeline's periodic durability hooks.
//
// Satisfied by *pipeline.Pipeline.
type Flusher interface {
	Flush() error
	FlushInterval() time.Duration
}

// FlusherService periodically flushes the pipeline. Each flush pushes
// buffered sink writes to disk and truncates the WAL up to the last
// committed sequence, which is what bounds both data loss on crash and
// WAL growth between restarts.
type FlusherService struct {
	flusher Flusher
	name    string
}

// NewFlusherService creates a supervised periodic flusher.
func NewFlusherService(flusher Flusher) *FlusherService {
	return &FlusherService{
		flusher: flusher,
		name:    "flusher",
	}
}

// Serve implements suture.Service. Flush failures are logged and do not
// stop the service: a transient sink error should not kill the flush
// loop, and a persistent one is already surfaced by pipeline stats.
func (f *FlusherService) Serve(ctx context.Context) error {
	interval := f.flusher.FlushInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.flusher.Flush(); err != nil {
				logging.Warn().
					Err(err).
					Msg("FLUSHER: Periodic flush failed")
			}
		}
	}
}

// String implements fmt.Stringer for logging.
func (f *FlusherService) String() string {
	return f.name
}

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

// Compactor matches the dedup ledger's compaction hook.
//
// Satisfied by *dedup.Deduper.
type Compactor interface {
	Compact() (int, error)
}

// CompactorService periodically compacts the dedup ledger, dropping
// entries past their TTL so the ledger stays bounded over multi-day
// runs.
type CompactorService struct {
	compactor Compactor
	interval  time.Duration
	name      string
}

// NewCompactorService creates a supervised periodic compactor. A
// non-positive interval falls back to one hour, matching the dedup
// package default.
func NewCompactorService(compactor Compactor, interval time.Duration) *CompactorService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CompactorService{
		compactor: compactor,
		interval:  interval,
		name:      "dedup-compactor",
	}
}

// Serve implements suture.Service. Compaction failures are logged and
// do not stop the service: the ledger stays correct without compaction,
// it just grows.
func (c *CompactorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := c.compactor.Compact()
			if err != nil {
				logging.Warn().
					Err(err).
					Msg("COMPACTOR: Dedup compaction failed")
				continue
			}
			logging.Debug().
				Int("expired", expired).
				Msg("COMPACTOR: Dedup ledger compacted")
		}
	}
}

// String implements fmt.Stringer for logging.
func (c *CompactorService) String() string {
	return c.name
}

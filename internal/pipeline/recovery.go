// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package pipeline

import (
	"fmt"
	"time"

	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/wal"
)

// RecoveryResult summarizes a WAL replay.
type RecoveryResult struct {
	// TotalPending is the number of uncommitted records found.
	TotalPending int

	// Recovered is the number of records re-appended to the sink.
	Recovered int

	// Failed counts records that could not be replayed: undecodable
	// payloads, or records behind a sink failure.
	Failed int

	Duration time.Duration
}

// Recover replays uncommitted WAL records into the sink, then commits and
// truncates the replayed prefix. Call before Start so replayed events keep
// their original order relative to new publishes. A sink failure stops the
// replay; the remaining records stay uncommitted for the next attempt.
func (p *Pipeline) Recover() (RecoveryResult, error) {
	var res RecoveryResult
	if p.wal == nil {
		return res, nil
	}
	start := time.Now()

	it, err := p.wal.Uncommitted()
	if err != nil {
		return res, fmt.Errorf("open WAL iteration: %w", err)
	}
	defer func() { _ = it.Close() }()

	var maxApplied uint64
	sinkBroken := false
	for it.Next() {
		rec := it.Record()
		res.TotalPending++
		if sinkBroken {
			continue
		}
		e, err := p.ser.Unmarshal(rec.Payload)
		if err != nil {
			res.Failed++
			logging.Warn().
				Uint64("sequence", rec.Sequence).
				Err(err).
				Msg("PIPELINE: Undecodable WAL record skipped during recovery")
			continue
		}
		if err := p.sink.Append(e); err != nil {
			res.Failed++
			sinkBroken = true
			logging.Error().
				Uint64("sequence", rec.Sequence).
				Err(err).
				Msg("PIPELINE: Sink append failed during recovery, remaining records deferred")
			continue
		}
		res.Recovered++
		maxApplied = rec.Sequence
	}
	if err := it.Err(); err != nil {
		logging.Warn().
			Err(err).
			Msg("PIPELINE: WAL iteration stopped early during recovery")
	}

	if res.Recovered > 0 {
		if err := p.sink.Flush(); err != nil {
			return res, fmt.Errorf("flush sink after recovery: %w", err)
		}
	}
	if maxApplied > 0 {
		if err := p.wal.Commit(maxApplied); err != nil {
			return res, fmt.Errorf("commit recovered records: %w", err)
		}
		if err := p.wal.Truncate(maxApplied); err != nil {
			return res, fmt.Errorf("truncate recovered records: %w", err)
		}
	}

	res.Duration = time.Since(start)
	p.recovered.Add(int64(res.Recovered))
	metrics.RecordEventsRecovered(res.Recovered)
	if res.TotalPending > 0 {
		logging.Info().
			Int("pending", res.TotalPending).
			Int("recovered", res.Recovered).
			Int("failed", res.Failed).
			Dur("duration", res.Duration).
			Msg("PIPELINE: Recovery complete")
	}
	return res, nil
}

// walAdapter narrows wal.WAL to the WriteAheadLog interface. The indirection
// exists because Uncommitted returns a concrete iterator type.
type walAdapter struct {
	*wal.WAL
}

func (a walAdapter) Uncommitted() (RecordIterator, error) {
	return a.WAL.Uncommitted()
}

// WrapWAL adapts a wal.WAL for use by the pipeline. Returns nil for a nil
// WAL so a disabled log stays disabled.
func WrapWAL(w *wal.WAL) WriteAheadLog {
	if w == nil {
		return nil
	}
	return walAdapter{w}
}

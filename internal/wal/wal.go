// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package wal implements a segmented write-ahead log that makes
// published market events durable before they reach the sink.
//
// Records are framed with a fixed header (sequence, type, payload
// length, CRC-32C) and appended to size-rolled segment files. A
// separate commit marker file tracks the highest sequence known to be
// flushed to the sink; records above the marker are replayed on
// startup. Torn tails from a crash are detected by checksum and
// truncated on open.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// Sentinel errors returned by WAL operations.
var (
	// ErrWALClosed is returned when operating on a closed WAL.
	ErrWALClosed = fmt.Errorf("WAL is closed")

	// ErrEmptyPayload is returned when appending a zero-length payload.
	ErrEmptyPayload = fmt.Errorf("payload cannot be empty")

	// ErrPayloadTooLarge is returned when a payload exceeds the maximum
	// record size.
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds maximum record size")

	// ErrCommitBeyondAppend is returned when committing a sequence that
	// was never appended.
	ErrCommitBeyondAppend = fmt.Errorf("commit sequence beyond last appended")
)

// walCloseTimeout bounds how long Close waits for the final flush.
const walCloseTimeout = 10 * time.Second

// Record is one durable entry in the log.
type Record struct {
	// Sequence is the monotonically increasing append sequence,
	// starting at 1.
	Sequence uint64

	// Payload is the serialized event bytes.
	Payload []byte
}

// Stats is a point-in-time snapshot of WAL state.
type Stats struct {
	// LastAppended is the sequence of the most recent append.
	LastAppended uint64

	// LastCommitted is the highest sequence confirmed flushed to the sink.
	LastCommitted uint64

	// Pending is the number of appended but uncommitted records.
	Pending uint64

	// Segments is the number of segment files on disk.
	Segments int

	// ActiveSegmentSize is the byte size of the segment being appended to.
	ActiveSegmentSize int64

	// TotalSize is the byte size of all segments.
	TotalSize int64

	// SyncMode is the configured fsync policy.
	SyncMode SyncMode
}

// WAL is a single-writer segmented write-ahead log. Append, Commit and
// Truncate are safe for concurrent use, though the pipeline funnels
// them through a single consumer goroutine.
type WAL struct {
	cfg Config

	mu     sync.Mutex
	closed bool

	// Active segment state. The writer stack is buf over file.
	file        *os.File
	buf         *bufio.Writer
	activeStart uint64
	activeSize  int64

	// sealed holds all non-active segments in ascending start order.
	sealed []segmentInfo

	lastAppended  uint64
	lastCommitted uint64

	// commitSegmentStart is the start sequence of the segment holding
	// the most recent commit record. Truncate keeps that segment so the
	// commit point survives loss of the marker file.
	commitSegmentStart uint64

	// Batched sync bookkeeping.
	unsyncedCount int
	dirty         bool

	stopChan chan struct{}
	doneChan chan struct{}

	scratch []byte
}

// Open validates cfg, recovers existing state from cfg.Dir and returns
// a WAL ready for appends. Torn record tails are truncated in place so
// subsequent appends overwrite the garbage.
func Open(cfg Config) (*WAL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	w := &WAL{
		cfg:      cfg,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}

	if cfg.SyncMode == SyncBatched {
		go w.syncLoop()
	} else {
		close(w.doneChan)
	}

	metrics.UpdateWALSegments(len(w.sealed) + 1)
	logging.Info().
		Str("dir", cfg.Dir).
		Str("sync_mode", string(cfg.SyncMode)).
		Uint64("last_appended", w.lastAppended).
		Uint64("last_committed", w.lastCommitted).
		Int("segments", len(w.sealed)+1).
		Msg("WAL: Opened")
	return w, nil
}

// recover loads the commit point and the last appended sequence from
// disk, repairing a torn tail on the newest segment.
func (w *WAL) recover() error {
	segments, err := listSegments(w.cfg.Dir)
	if err != nil {
		return err
	}

	committed, ok := readCommitFile(w.cfg.Dir)
	if !ok {
		// Marker missing or corrupt. Fall back to the newest commit
		// record in the segments.
		committed = scanLastCommit(segments)
	}
	w.lastCommitted = committed

	if len(segments) == 0 {
		w.lastAppended = committed
		return nil
	}

	last := segments[len(segments)-1]
	highest, valid, err := scanTail(last)
	if err != nil {
		return err
	}
	if valid < last.Size {
		// Interrupted write. Drop the garbage so appends land at the
		// last valid boundary.
		if err := os.Truncate(last.Path, valid); err != nil {
			return fmt.Errorf("repair segment %s: %w", last.Path, err)
		}
		metrics.RecordWALCorruption()
		logging.Warn().
			Str("segment", last.Path).
			Int64("valid_bytes", valid).
			Int64("file_bytes", last.Size).
			Msg("WAL: Corrupt tail repaired")
		last.Size = valid
		segments[len(segments)-1] = last
	}

	// A segment with no data records still implies every sequence below
	// its start exists in earlier segments.
	w.lastAppended = highest
	if last.StartSeq > 0 && last.StartSeq-1 > w.lastAppended {
		w.lastAppended = last.StartSeq - 1
	}
	// Committed records were durable before the marker moved, so the
	// append cursor can never trail the commit point.
	if w.lastCommitted > w.lastAppended {
		w.lastAppended = w.lastCommitted
	}

	w.sealed = segments[:len(segments)-1]
	w.activeStart = last.StartSeq
	w.activeSize = last.Size
	w.commitSegmentStart = last.StartSeq
	return nil
}

// scanTail scans one segment and returns the highest data sequence
// seen plus the count of valid bytes.
func scanTail(seg segmentInfo) (highest uint64, valid int64, err error) {
	f, err := os.Open(seg.Path) //nolint:gosec // G304: path comes from the WAL directory listing
	if err != nil {
		return 0, 0, fmt.Errorf("open segment %s: %w", seg.Path, err)
	}
	defer func() { _ = f.Close() }()

	valid, err = scanSegment(bufio.NewReader(f), func(rec scannedRecord) error {
		if rec.Type == recordData && rec.Sequence > highest {
			highest = rec.Sequence
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return highest, valid, nil
}

// scanLastCommit finds the newest commit record across segments,
// scanning backwards so the common case reads one file.
func scanLastCommit(segments []segmentInfo) uint64 {
	for i := len(segments) - 1; i >= 0; i-- {
		var committed uint64
		f, err := os.Open(segments[i].Path) //nolint:gosec // G304: path comes from the WAL directory listing
		if err != nil {
			continue
		}
		_, _ = scanSegment(bufio.NewReader(f), func(rec scannedRecord) error {
			if rec.Type == recordCommit && rec.Sequence > committed {
				committed = rec.Sequence
			}
			return nil
		})
		_ = f.Close()
		if committed > 0 {
			return committed
		}
	}
	return 0
}

// openActive opens the newest segment for appending, creating the
// first segment when the directory is empty.
func (w *WAL) openActive() error {
	if w.activeStart == 0 && w.activeSize == 0 && len(w.sealed) == 0 {
		w.activeStart = w.lastAppended + 1
		w.commitSegmentStart = w.activeStart
	}
	path := filepath.Join(w.cfg.Dir, segmentFileName(w.activeStart))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Append frames payload with the next sequence and writes it to the
// active segment, rolling to a new segment when the size threshold is
// reached. Durability depends on the configured sync mode.
func (w *WAL) Append(payload []byte) (Record, error) {
	start := time.Now()
	rec, err := w.append(payload)
	metrics.RecordWALAppend(time.Since(start), err)
	return rec, err
}

func (w *WAL) append(payload []byte) (Record, error) {
	if len(payload) == 0 {
		return Record{}, ErrEmptyPayload
	}
	if len(payload) > maxPayloadLen {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Record{}, ErrWALClosed
	}

	seq := w.lastAppended + 1
	need := recordSize(len(payload))
	if w.activeSize > 0 && w.activeSize+need > w.cfg.SegmentSize {
		if err := w.rollLocked(seq); err != nil {
			return Record{}, err
		}
	}

	w.scratch = encodeRecord(w.scratch[:0], seq, recordData, payload)
	if _, err := w.buf.Write(w.scratch); err != nil {
		return Record{}, fmt.Errorf("append record %d: %w", seq, err)
	}
	w.activeSize += need
	w.lastAppended = seq

	switch w.cfg.SyncMode {
	case SyncPerRecord:
		if err := w.syncLocked(); err != nil {
			return Record{}, err
		}
	case SyncBatched:
		w.dirty = true
		w.unsyncedCount++
		if w.unsyncedCount >= w.cfg.BatchSize {
			if err := w.syncLocked(); err != nil {
				return Record{}, err
			}
		}
	case SyncNone:
		// Hand the bytes to the page cache; the OS decides when they
		// reach disk.
		if err := w.buf.Flush(); err != nil {
			return Record{}, fmt.Errorf("flush record %d: %w", seq, err)
		}
	}
	return Record{Sequence: seq, Payload: payload}, nil
}

// rollLocked seals the active segment and starts a new one whose name
// carries nextSeq. Caller holds w.mu.
func (w *WAL) rollLocked(nextSeq uint64) error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush segment on roll: %w", err)
	}
	if w.cfg.SyncMode != SyncNone {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync segment on roll: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment on roll: %w", err)
	}
	w.sealed = append(w.sealed, segmentInfo{
		StartSeq: w.activeStart,
		Path:     filepath.Join(w.cfg.Dir, segmentFileName(w.activeStart)),
		Size:     w.activeSize,
	})

	w.activeStart = nextSeq
	w.activeSize = 0
	w.unsyncedCount = 0
	w.dirty = false
	if err := w.openActive(); err != nil {
		return err
	}
	metrics.UpdateWALSegments(len(w.sealed) + 1)
	logging.Debug().
		Uint64("start_sequence", nextSeq).
		Int("segments", len(w.sealed)+1).
		Msg("WAL: Segment rolled")
	return nil
}

// syncLocked flushes the buffer and fsyncs the active segment. Caller
// holds w.mu.
func (w *WAL) syncLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	w.unsyncedCount = 0
	w.dirty = false
	return nil
}

// syncLoop bounds the staleness of batched appends. It exits when
// Close signals stopChan.
func (w *WAL) syncLoop() {
	defer close(w.doneChan)
	ticker := time.NewTicker(w.cfg.MaxDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.dirty && !w.closed {
				if err := w.syncLocked(); err != nil {
					logging.Error().Err(err).Msg("WAL: Background sync failed")
				}
			}
			w.mu.Unlock()
		case <-w.stopChan:
			return
		}
	}
}

// Commit durably records that every sequence up to and including seq
// has been flushed to the sink. Commits are monotone and idempotent:
// committing at or below the current point is a no-op.
func (w *WAL) Commit(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if seq <= w.lastCommitted {
		return nil
	}
	if seq > w.lastAppended {
		return fmt.Errorf("%w: sequence %d, last appended %d", ErrCommitBeyondAppend, seq, w.lastAppended)
	}

	if w.activeSize > 0 && w.activeSize+recordSize(0) > w.cfg.SegmentSize {
		if err := w.rollLocked(w.lastAppended + 1); err != nil {
			return err
		}
	}
	w.scratch = encodeRecord(w.scratch[:0], seq, recordCommit, nil)
	if _, err := w.buf.Write(w.scratch); err != nil {
		return fmt.Errorf("append commit record %d: %w", seq, err)
	}
	w.activeSize += recordSize(0)

	// Data up to seq must be durable before the marker moves, or a
	// crash could leave the marker pointing past recoverable records.
	if w.cfg.SyncMode != SyncNone {
		if err := w.syncLocked(); err != nil {
			return err
		}
	} else if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush commit record %d: %w", seq, err)
	}

	if err := writeCommitFile(w.cfg.Dir, seq); err != nil {
		return err
	}
	w.lastCommitted = seq
	w.commitSegmentStart = w.activeStart
	metrics.RecordWALCommit(seq)
	return nil
}

// Truncate removes sealed segments whose records all have sequences at
// or below seq. The active segment and the segment holding the latest
// commit record are always kept. Truncate is idempotent.
func (w *WAL) Truncate(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if seq > w.lastCommitted {
		seq = w.lastCommitted
	}

	removed := 0
	kept := w.sealed[:0]
	for i, seg := range w.sealed {
		// A sealed segment's records all precede the next segment's
		// start, so it is disposable once that start is within the
		// committed range.
		nextStart := w.activeStart
		if i+1 < len(w.sealed) {
			nextStart = w.sealed[i+1].StartSeq
		}
		if removed == i && nextStart <= seq+1 && seg.StartSeq != w.commitSegmentStart {
			if err := os.Remove(seg.Path); err != nil {
				return fmt.Errorf("remove segment %s: %w", seg.Path, err)
			}
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	w.sealed = kept

	if removed > 0 {
		metrics.RecordWALTruncation(removed)
		metrics.UpdateWALSegments(len(w.sealed) + 1)
		logging.Debug().
			Int("removed", removed).
			Uint64("through_sequence", seq).
			Int("segments", len(w.sealed)+1).
			Msg("WAL: Truncated segments")
	}
	return nil
}

// Stats returns a snapshot of the log state.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := w.activeSize
	for _, seg := range w.sealed {
		total += seg.Size
	}
	return Stats{
		LastAppended:      w.lastAppended,
		LastCommitted:     w.lastCommitted,
		Pending:           w.lastAppended - w.lastCommitted,
		Segments:          len(w.sealed) + 1,
		ActiveSegmentSize: w.activeSize,
		TotalSize:         total,
		SyncMode:          w.cfg.SyncMode,
	}
}

// Close flushes and closes the active segment. It is idempotent and
// bounded by a timeout so shutdown cannot hang on a wedged disk.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopChan)
	<-w.doneChan

	done := make(chan error, 1)
	go func() {
		done <- w.closeFiles()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close WAL: %w", err)
		}
		logging.Debug().
			Uint64("last_appended", w.lastAppended).
			Uint64("last_committed", w.lastCommitted).
			Msg("WAL: Closed")
		return nil
	case <-time.After(walCloseTimeout):
		return fmt.Errorf("WAL close timeout after %v", walCloseTimeout)
	}
}

func (w *WAL) closeFiles() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.buf.Flush(); err != nil {
		firstErr = fmt.Errorf("flush segment: %w", err)
	}
	if w.cfg.SyncMode != SyncNone {
		if err := w.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync segment: %w", err)
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close segment: %w", err)
	}
	return firstErr
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tomtom215/tabularium/internal/metrics"
)

// Iterator walks the uncommitted data records of the log in append
// order. Usage follows the bufio.Scanner shape:
//
//	it, err := w.Uncommitted()
//	for it.Next() {
//	    rec := it.Record()
//	    ...
//	}
//	err = it.Err()
//	_ = it.Close()
type Iterator struct {
	segments []segmentInfo
	after    uint64

	idx  int
	file *os.File
	sc   *segmentScanner
	size int64

	cur    Record
	err    error
	closed bool
}

// Uncommitted returns an iterator over data records with sequences
// above the commit point. Buffered appends are flushed first so the
// iterator sees every record.
func (w *WAL) Uncommitted() (*Iterator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, fmt.Errorf("flush before iteration: %w", err)
	}

	candidates := make([]segmentInfo, 0, len(w.sealed)+1)
	for i, seg := range w.sealed {
		nextStart := w.activeStart
		if i+1 < len(w.sealed) {
			nextStart = w.sealed[i+1].StartSeq
		}
		// Every record in this segment precedes nextStart; skip it when
		// that whole range is committed.
		if nextStart <= w.lastCommitted+1 {
			continue
		}
		candidates = append(candidates, seg)
	}
	candidates = append(candidates, segmentInfo{
		StartSeq: w.activeStart,
		Path:     filepath.Join(w.cfg.Dir, segmentFileName(w.activeStart)),
		Size:     w.activeSize,
	})

	return &Iterator{segments: candidates, after: w.lastCommitted}, nil
}

// Next advances to the next uncommitted data record. It returns false
// at the end of the log or on error; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	for {
		if it.sc == nil {
			if it.idx >= len(it.segments) {
				return false
			}
			seg := it.segments[it.idx]
			f, err := os.Open(seg.Path) //nolint:gosec // G304: path comes from the WAL directory listing
			if err != nil {
				it.err = fmt.Errorf("open segment %s: %w", seg.Path, err)
				return false
			}
			it.file = f
			it.sc = newSegmentScanner(bufio.NewReader(f))
			it.size = seg.Size
		}

		rec, ok := it.sc.next()
		if !ok {
			if it.sc.consumed < it.size {
				// Valid data ends before the file does. The remainder
				// is unrecoverable; stop rather than skip records.
				metrics.RecordWALCorruption()
				it.err = fmt.Errorf("corrupt record in segment %s at offset %d", it.segments[it.idx].Path, it.sc.consumed)
				_ = it.file.Close()
				it.file = nil
				return false
			}
			_ = it.file.Close()
			it.file = nil
			it.sc = nil
			it.idx++
			continue
		}
		if rec.Type == recordData && rec.Sequence > it.after {
			it.cur = Record{Sequence: rec.Sequence, Payload: rec.Payload}
			return true
		}
	}
}

// Record returns the record produced by the last successful Next.
func (it *Iterator) Record() Record {
	return it.cur
}

// Err returns the first error encountered while iterating.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the iterator's open segment handle. It is idempotent.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.file != nil {
		err := it.file.Close()
		it.file = nil
		return err
	}
	return nil
}

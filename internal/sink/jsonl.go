// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package sink

import (
	"bufio"
	"compress/gzip"
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// JSONLSink writes events as one JSON object per line into partition files
// laid out by a Namer. Partitions are opened lazily on first append and kept
// open behind a least-recently-written cap; evicted partitions are flushed,
// synced and closed before the handle is released.
//
// Append is called by the single pipeline consumer. Flush may arrive
// concurrently from the periodic flusher, so all state is guarded by one
// mutex.
type JSONLSink struct {
	cfg   Config
	namer *Namer
	ser   *events.Serializer

	mu           sync.Mutex
	partitions   map[string]*partition
	lru          *list.List // *partition values, front is most recently written
	flushedBytes int64
	closed       bool

	appended  atomic.Int64
	bytesOut  atomic.Int64
	rotations atomic.Int64
}

// partition is one open output file plus its write stack. With compression
// the stack is bufio -> gzip -> file, otherwise bufio -> file.
type partition struct {
	relPath string
	file    *os.File
	gz      *gzip.Writer
	buf     *bufio.Writer
	elem    *list.Element
	records int64
}

// JSONLStats is a point-in-time snapshot of sink counters.
type JSONLStats struct {
	EventsAppended     int64
	BytesWritten       int64
	OpenPartitions     int
	PartitionRotations int64
}

// NewJSONLSink creates the sink and its data root directory. resolver may be
// nil; it is only consulted for the by_asset_class naming policy.
func NewJSONLSink(cfg Config, resolver AssetClassResolver) (*JSONLSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data root %s: %w", cfg.Dir, err)
	}

	return &JSONLSink{
		cfg:        cfg,
		namer:      NewNamer(cfg.Policy, cfg.DatePartition, cfg.Compress, resolver),
		ser:        events.NewSerializer(),
		partitions: make(map[string]*partition),
		lru:        list.New(),
	}, nil
}

// Namer exposes the sink's path derivation, used by gap detection to locate
// already-captured files.
func (s *JSONLSink) Namer() *Namer {
	return s.namer
}

// Append serializes the event and writes it to its partition file.
func (s *JSONLSink) Append(e *events.MarketEvent) error {
	line, err := s.ser.Marshal(e)
	if err != nil {
		metrics.RecordSinkAppend("jsonl", 0, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		err := fmt.Errorf("jsonl sink is closed")
		metrics.RecordSinkAppend("jsonl", 0, err)
		return err
	}

	p, err := s.partitionFor(e)
	if err != nil {
		metrics.RecordSinkAppend("jsonl", 0, err)
		return err
	}

	n, err := p.buf.Write(line)
	if err == nil {
		err = p.buf.WriteByte('\n')
		n++
	}
	if err != nil {
		metrics.RecordSinkAppend("jsonl", 0, err)
		return fmt.Errorf("append %s: %w", p.relPath, err)
	}

	p.records++
	s.lru.MoveToFront(p.elem)
	s.appended.Add(1)
	s.bytesOut.Add(int64(n))
	metrics.RecordSinkAppend("jsonl", 1, nil)
	return nil
}

// Flush forces buffered bytes in every open partition to durable storage.
func (s *JSONLSink) Flush() error {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, p := range s.partitions {
		if err := p.sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", p.relPath, err)
		}
	}

	total := s.bytesOut.Load()
	delta := total - s.flushedBytes
	s.flushedBytes = total
	metrics.RecordSinkFlush("jsonl", time.Since(start), delta)
	return firstErr
}

// Close flushes and closes all partitions. Idempotent.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, p := range s.partitions {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", p.relPath, err)
		}
	}
	s.partitions = make(map[string]*partition)
	s.lru.Init()
	metrics.UpdateSinkOpenPartitions(0)

	logging.Debug().
		Int64("events", s.appended.Load()).
		Int64("bytes", s.bytesOut.Load()).
		Int64("rotations", s.rotations.Load()).
		Msg("JSONL: Sink closed")
	return firstErr
}

// Stats returns current sink counters.
func (s *JSONLSink) Stats() JSONLStats {
	s.mu.Lock()
	open := len(s.partitions)
	s.mu.Unlock()

	return JSONLStats{
		EventsAppended:     s.appended.Load(),
		BytesWritten:       s.bytesOut.Load(),
		OpenPartitions:     open,
		PartitionRotations: s.rotations.Load(),
	}
}

// partitionFor returns the open partition for the event, opening it and
// evicting the least recently written one if the cap is reached. Caller
// holds s.mu.
func (s *JSONLSink) partitionFor(e *events.MarketEvent) (*partition, error) {
	rel := s.namer.PathFor(e, e.EffectiveSymbol())
	if p, ok := s.partitions[rel]; ok {
		return p, nil
	}

	if len(s.partitions) >= s.cfg.MaxOpenPartitions {
		if err := s.evictOldest(); err != nil {
			return nil, err
		}
	}

	p, err := s.openPartition(rel)
	if err != nil {
		return nil, err
	}
	s.partitions[rel] = p
	p.elem = s.lru.PushFront(p)
	metrics.UpdateSinkOpenPartitions(len(s.partitions))

	logging.Debug().
		Str("partition", rel).
		Int("open", len(s.partitions)).
		Msg("JSONL: Partition opened")
	return p, nil
}

func (s *JSONLSink) openPartition(rel string) (*partition, error) {
	abs := filepath.Join(s.cfg.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return nil, fmt.Errorf("create partition dir for %s: %w", rel, err)
	}

	file, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: path is derived from validated symbols
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", rel, err)
	}

	p := &partition{relPath: rel, file: file}
	if s.cfg.Compress {
		p.gz = gzip.NewWriter(file)
		p.buf = bufio.NewWriterSize(p.gz, s.cfg.BufferSize)
	} else {
		p.buf = bufio.NewWriterSize(file, s.cfg.BufferSize)
	}
	return p, nil
}

// evictOldest closes the least recently written partition. Caller holds s.mu.
func (s *JSONLSink) evictOldest() error {
	back := s.lru.Back()
	if back == nil {
		return nil
	}
	p := back.Value.(*partition)

	if err := p.close(); err != nil {
		return fmt.Errorf("evict %s: %w", p.relPath, err)
	}
	s.lru.Remove(back)
	delete(s.partitions, p.relPath)
	s.rotations.Add(1)
	metrics.RecordSinkPartitionRotation()
	metrics.UpdateSinkOpenPartitions(len(s.partitions))

	logging.Debug().
		Str("partition", p.relPath).
		Int64("records", p.records).
		Msg("JSONL: Partition evicted")
	return nil
}

// sync pushes buffered bytes down the write stack and fsyncs the file. The
// gzip layer emits a sync block, so data written before a crash stays
// decodable even without the stream footer.
func (p *partition) sync() error {
	if err := p.buf.Flush(); err != nil {
		return err
	}
	if p.gz != nil {
		if err := p.gz.Flush(); err != nil {
			return err
		}
	}
	return p.file.Sync()
}

// close finishes the write stack and closes the file. The gzip footer is
// written here, so cleanly closed partitions are complete gzip members.
func (p *partition) close() error {
	var firstErr error
	if err := p.buf.Flush(); err != nil {
		firstErr = err
	}
	if p.gz != nil {
		if err := p.gz.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.file.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

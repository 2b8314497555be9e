// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package audit maintains the drop trail: a JSONL journal of every
// event the pipeline discarded and why. The trail is the accountability
// half of the backpressure design; data may be shed under load, but
// never silently.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// Drop reasons recorded in the trail.
const (
	// ReasonQueueFull marks an event shed by the backpressure policy.
	ReasonQueueFull = "backpressure_queue_full"

	// ReasonWALFailure marks an event that could not be made durable.
	ReasonWALFailure = "wal_failure"

	// ReasonSinkFailure marks an event the sink refused to append.
	ReasonSinkFailure = "sink_failure"

	// ReasonDuplicate marks an event suppressed by deduplication.
	ReasonDuplicate = "duplicate"

	// ReasonShutdownLost marks an event stranded in the queue when the
	// final flush timeout expired.
	ReasonShutdownLost = "shutdown_lost"

	// ReasonValidation marks an event rejected before publication.
	ReasonValidation = "validation"

	// ReasonPublishCancelled marks an event whose publish was cancelled
	// after its WAL append. The WAL copy replays at the next recovery
	// only if the commit watermark has not passed it; the trail entry
	// accounts for the event either way.
	ReasonPublishCancelled = "publish_cancelled"
)

// trailFileName is the active journal inside the audit directory.
// Rolled files get a unix-seconds suffix.
const trailFileName = "dropped_events.jsonl"

// DropRecord is one journal line.
type DropRecord struct {
	// Timestamp is when the drop was recorded.
	Timestamp time.Time `json:"timestamp"`

	// EventTimestamp is the venue time of the dropped event.
	EventTimestamp time.Time `json:"event_timestamp"`

	EventType string `json:"event_type"`
	Symbol    string `json:"symbol"`
	Sequence  uint64 `json:"sequence"`
	Source    string `json:"source"`
	Reason    string `json:"reason"`
}

// Config holds drop trail settings.
type Config struct {
	// Dir is the directory holding the trail files.
	Dir string

	// BufferSize is the async writer queue depth. Record never blocks;
	// when the queue is full the drop record itself is lost and
	// counted.
	BufferSize int

	// MaxFileSize rolls the journal when it grows past this many bytes.
	MaxFileSize int64
}

// DefaultConfig returns production trail defaults. Dir must be set by
// the caller.
func DefaultConfig() Config {
	return Config{
		BufferSize:  1024,
		MaxFileSize: 128 * 1024 * 1024,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return &ConfigError{Field: "Dir", Message: "audit directory is required"}
	}
	if c.BufferSize < 1 {
		return &ConfigError{Field: "BufferSize", Message: "must be at least 1"}
	}
	if c.MaxFileSize < 1 {
		return &ConfigError{Field: "MaxFileSize", Message: "must be at least 1 byte"}
	}
	return nil
}

// ConfigError describes an invalid audit configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "audit config error: " + e.Field + ": " + e.Message
}

// Stats is a snapshot of trail counters.
type Stats struct {
	// Recorded counts drop records written to the journal.
	Recorded int64

	// Lost counts drop records that could not be journaled, either
	// because the buffer was full or the trail was closed.
	Lost int64
}

// Trail journals dropped events asynchronously. Record is safe for
// concurrent use and never blocks the caller.
type Trail struct {
	cfg Config

	recordChan chan DropRecord
	stopChan   chan struct{}
	wg         sync.WaitGroup

	// file and size belong to the writer goroutine after NewTrail.
	file *os.File
	size int64

	recorded atomic.Int64
	lost     atomic.Int64
	closed   atomic.Bool
}

// NewTrail opens the journal in cfg.Dir and starts the async writer.
func NewTrail(cfg Config) (*Trail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	path := filepath.Join(cfg.Dir, trailFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		return nil, fmt.Errorf("open drop trail: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat drop trail: %w", err)
	}

	t := &Trail{
		cfg:        cfg,
		recordChan: make(chan DropRecord, cfg.BufferSize),
		stopChan:   make(chan struct{}),
		file:       f,
		size:       info.Size(),
	}
	t.wg.Add(1)
	go t.writer()
	return t, nil
}

// Record journals that e was dropped for reason. The write is
// asynchronous; when the buffer is full the record is counted as lost
// rather than blocking the pipeline.
func (t *Trail) Record(e *events.MarketEvent, reason string) {
	metrics.RecordEventDropped(reason)
	if t.closed.Load() {
		t.lost.Add(1)
		return
	}

	rec := DropRecord{
		Timestamp:      time.Now().UTC(),
		EventTimestamp: e.Timestamp,
		EventType:      e.Type,
		Symbol:         e.EffectiveSymbol(),
		Sequence:       e.Sequence,
		Source:         e.Source,
		Reason:         reason,
	}
	select {
	case t.recordChan <- rec:
	default:
		t.lost.Add(1)
		logging.Warn().
			Str("reason", reason).
			Str("symbol", rec.Symbol).
			Msg("AUDIT: Trail buffer full, drop record lost")
	}
}

// writer drains the record queue. On stop it finishes whatever is
// buffered before returning so shutdown loses nothing that was queued.
func (t *Trail) writer() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopChan:
			for {
				select {
				case rec := <-t.recordChan:
					t.writeRecord(rec)
				default:
					return
				}
			}
		case rec := <-t.recordChan:
			t.writeRecord(rec)
		}
	}
}

func (t *Trail) writeRecord(rec DropRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		metrics.RecordAuditWrite(err)
		logging.Error().Err(err).Msg("AUDIT: Failed to encode drop record")
		return
	}
	data = append(data, '\n')

	if t.size+int64(len(data)) > t.cfg.MaxFileSize {
		if err := t.roll(); err != nil {
			metrics.RecordAuditWrite(err)
			logging.Error().Err(err).Msg("AUDIT: Trail roll failed")
			// Keep writing to the oversized file rather than lose the
			// record.
		}
	}

	n, err := t.file.Write(data)
	t.size += int64(n)
	metrics.RecordAuditWrite(err)
	if err != nil {
		logging.Error().Err(err).Msg("AUDIT: Failed to write drop record")
		return
	}
	t.recorded.Add(1)
}

// roll renames the active journal with a unix-seconds suffix and opens
// a fresh one.
func (t *Trail) roll() error {
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync drop trail: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("close drop trail: %w", err)
	}

	active := filepath.Join(t.cfg.Dir, trailFileName)
	stamp := time.Now().Unix()
	rolled := filepath.Join(t.cfg.Dir, fmt.Sprintf("dropped_events-%d.jsonl", stamp))
	for {
		if _, err := os.Stat(rolled); os.IsNotExist(err) {
			break
		}
		stamp++
		rolled = filepath.Join(t.cfg.Dir, fmt.Sprintf("dropped_events-%d.jsonl", stamp))
	}
	if err := os.Rename(active, rolled); err != nil {
		return fmt.Errorf("rename drop trail: %w", err)
	}

	f, err := os.OpenFile(active, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		return fmt.Errorf("reopen drop trail: %w", err)
	}
	t.file = f
	t.size = 0
	logging.Debug().Str("rolled_to", rolled).Msg("AUDIT: Trail rolled")
	return nil
}

// Stats returns a snapshot of trail counters.
func (t *Trail) Stats() Stats {
	return Stats{
		Recorded: t.recorded.Load(),
		Lost:     t.lost.Load(),
	}
}

// Close drains buffered records and closes the journal. It is
// idempotent; Record calls after Close count as lost.
func (t *Trail) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.stopChan)
	t.wg.Wait()

	var firstErr error
	if err := t.file.Sync(); err != nil {
		firstErr = fmt.Errorf("sync drop trail: %w", err)
	}
	if err := t.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close drop trail: %w", err)
	}
	if lost := t.lost.Load(); lost > 0 {
		logging.Warn().Int64("lost", lost).Msg("AUDIT: Trail closed with lost drop records")
	}
	return firstErr
}

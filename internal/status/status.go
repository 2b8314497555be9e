// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package status periodically snapshots the running system into
// {dataRoot}/_status/status.json. The same snapshot backs the /statusz
// endpoint, so file watchers and HTTP pollers see identical documents.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/audit"
	"github.com/tomtom215/tabularium/internal/backfill"
	"github.com/tomtom215/tabularium/internal/collectors"
	"github.com/tomtom215/tabularium/internal/dedup"
	"github.com/tomtom215/tabularium/internal/failover"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/pipeline"
	"github.com/tomtom215/tabularium/internal/ratelimit"
	"github.com/tomtom215/tabularium/internal/sink"
	"github.com/tomtom215/tabularium/internal/wal"
)

const statusDirName = "_status"

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "status config error: " + e.Field + ": " + e.Message
}

// Config controls the periodic status writer.
type Config struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Interval: 10 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Enabled && c.Interval <= 0 {
		return &ConfigError{Field: "interval", Message: "must be positive"}
	}
	return nil
}

// Sources supplies the component snapshots the writer assembles. Nil
// fields omit their section, so a replay-only process simply reports
// less.
type Sources struct {
	Pipeline   func() pipeline.Stats
	WAL        func() wal.Stats
	JSONL      func() sink.JSONLStats
	DuckDB     func() sink.DuckDBStats
	Dedup      func() dedup.Stats
	Audit      func() audit.Stats
	Collectors func() []collectors.Stats
	Feed       func() failover.Status
	RateLimits func() []ratelimit.Stats
	Jobs       func() ([]*backfill.Job, error)
}

// Document is the status file schema.
type Document struct {
	GeneratedAt time.Time         `json:"generated_at"`
	DataRoot    string            `json:"data_root"`
	Process     ProcessStatus     `json:"process"`
	Pipeline    *PipelineStatus   `json:"pipeline,omitempty"`
	WAL         *WALStatus        `json:"wal,omitempty"`
	Sink        *SinkStatus       `json:"sink,omitempty"`
	Dedup       *DedupStatus      `json:"dedup,omitempty"`
	Audit       *AuditStatus      `json:"audit,omitempty"`
	Collectors  []CollectorStatus `json:"collectors,omitempty"`
	Feed        *failover.Status  `json:"feed,omitempty"`
	RateLimits  []RateLimitStatus `json:"rate_limits,omitempty"`
	Backfill    *BackfillStatus   `json:"backfill,omitempty"`
}

// ProcessStatus carries deployment info.
type ProcessStatus struct {
	Version       string    `json:"version"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// PipelineStatus mirrors pipeline.Stats.
type PipelineStatus struct {
	Published          int64   `json:"published"`
	Consumed           int64   `json:"consumed"`
	Recovered          int64   `json:"recovered"`
	Dropped            int64   `json:"dropped"`
	DroppedQueueFull   int64   `json:"dropped_queue_full"`
	DroppedDuplicate   int64   `json:"dropped_duplicate"`
	DroppedWALFailure  int64   `json:"dropped_wal_failure"`
	DroppedSinkFailure int64   `json:"dropped_sink_failure"`
	DroppedShutdown    int64   `json:"dropped_shutdown"`
	DroppedValidation  int64   `json:"dropped_validation"`
	DroppedCancelled   int64   `json:"dropped_cancelled"`
	QueueDepth         int     `json:"queue_depth"`
	QueueCapacity      int     `json:"queue_capacity"`
	PeakQueueDepth     int     `json:"peak_queue_depth"`
	Utilization        float64 `json:"utilization"`
	SinkDegraded       bool    `json:"sink_degraded"`
}

// WALStatus mirrors wal.Stats.
type WALStatus struct {
	LastAppended      uint64 `json:"last_appended"`
	LastCommitted     uint64 `json:"last_committed"`
	Pending           uint64 `json:"pending"`
	Segments          int    `json:"segments"`
	ActiveSegmentSize int64  `json:"active_segment_size"`
	TotalSize         int64  `json:"total_size"`
	SyncMode          string `json:"sync_mode"`
}

// SinkStatus groups the storage backends present in this process.
type SinkStatus struct {
	JSONL  *JSONLStatus  `json:"jsonl,omitempty"`
	DuckDB *DuckDBStatus `json:"duckdb,omitempty"`
}

// JSONLStatus mirrors sink.JSONLStats.
type JSONLStatus struct {
	EventsAppended     int64 `json:"events_appended"`
	BytesWritten       int64 `json:"bytes_written"`
	OpenPartitions     int   `json:"open_partitions"`
	PartitionRotations int64 `json:"partition_rotations"`
}

// DuckDBStatus mirrors sink.DuckDBStats.
type DuckDBStatus struct {
	EventsReceived int64     `json:"events_received"`
	EventsFlushed  int64     `json:"events_flushed"`
	Duplicates     int64     `json:"duplicates"`
	FlushCount     int64     `json:"flush_count"`
	ErrorCount     int64     `json:"error_count"`
	LastFlushTime  time.Time `json:"last_flush_time,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	BufferSize     int       `json:"buffer_size"`
	AvgFlushMs     int64     `json:"avg_flush_ms"`
}

// DedupStatus mirrors dedup.Stats.
type DedupStatus struct {
	Keys           int       `json:"keys"`
	Suppressed     int64     `json:"suppressed"`
	Admitted       int64     `json:"admitted"`
	Expired        int64     `json:"expired"`
	LastCompaction time.Time `json:"last_compaction,omitempty"`
}

// AuditStatus mirrors audit.Stats.
type AuditStatus struct {
	Recorded int64 `json:"recorded"`
	Lost     int64 `json:"lost"`
}

// CollectorStatus mirrors collectors.Stats for one provider stream.
type CollectorStatus struct {
	Source           string `json:"source"`
	Symbols          int    `json:"symbols"`
	TradesPublished  int64  `json:"trades_published"`
	TradesRejected   int64  `json:"trades_rejected"`
	QuotesPublished  int64  `json:"quotes_published"`
	QuotesSuppressed int64  `json:"quotes_suppressed"`
	QuotesCrossed    int64  `json:"quotes_crossed"`
	DepthSnapshots   int64  `json:"depth_snapshots"`
	DepthDeltas      int64  `json:"depth_deltas"`
	DepthDropped     int64  `json:"depth_dropped"`
	GapsDetected     int64  `json:"gaps_detected"`
	StreamResets     int64  `json:"stream_resets"`
	PublishFailures  int64  `json:"publish_failures"`
}

// RateLimitStatus mirrors ratelimit.Stats.
type RateLimitStatus struct {
	Name     string `json:"name"`
	InWindow int    `json:"in_window"`
	Granted  int64  `json:"granted"`
	Recorded int64  `json:"recorded"`
}

// BackfillStatus summarizes persisted ingestion jobs. Open lists the
// non-terminal ones; completed and cancelled jobs only count.
type BackfillStatus struct {
	Jobs    int            `json:"jobs"`
	ByState map[string]int `json:"by_state,omitempty"`
	Open    []JobStatus    `json:"open,omitempty"`
}

// JobStatus is one open job's progress rollup.
type JobStatus struct {
	ID        string    `json:"id"`
	Workload  string    `json:"workload"`
	State     string    `json:"state"`
	Symbols   int       `json:"symbols"`
	Expected  int       `json:"expected"`
	Processed int       `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Writer assembles and periodically persists the status document.
type Writer struct {
	cfg     Config
	root    string
	path    string
	src     Sources
	version string
	started time.Time
	pid     int

	mu sync.Mutex
}

// NewWriter creates the writer and its _status directory under the data
// root.
func NewWriter(cfg Config, dataRoot, version string, src Sources) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dataRoot == "" {
		return nil, fmt.Errorf("status: data root must not be empty")
	}
	dir := filepath.Join(dataRoot, statusDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("status: create %s: %w", dir, err)
	}
	return &Writer{
		cfg:     cfg,
		root:    dataRoot,
		path:    filepath.Join(dir, "status.json"),
		src:     src,
		version: version,
		started: time.Now().UTC(),
		pid:     os.Getpid(),
	}, nil
}

// Path returns the status file location.
func (w *Writer) Path() string { return w.path }

// Snapshot assembles the current document from the wired sources.
func (w *Writer) Snapshot() *Document {
	now := time.Now().UTC()
	doc := &Document{
		GeneratedAt: now,
		DataRoot:    w.root,
		Process: ProcessStatus{
			Version:       w.version,
			PID:           w.pid,
			StartedAt:     w.started,
			UptimeSeconds: now.Sub(w.started).Seconds(),
		},
	}

	if w.src.Pipeline != nil {
		s := w.src.Pipeline()
		doc.Pipeline = &PipelineStatus{
			Published:          s.Published,
			Consumed:           s.Consumed,
			Recovered:          s.Recovered,
			Dropped:            s.Dropped,
			DroppedQueueFull:   s.DroppedQueueFull,
			DroppedDuplicate:   s.DroppedDuplicate,
			DroppedWALFailure:  s.DroppedWALFailure,
			DroppedSinkFailure: s.DroppedSinkFailure,
			DroppedShutdown:    s.DroppedShutdown,
			DroppedValidation:  s.DroppedValidation,
			DroppedCancelled:   s.DroppedCancelled,
			QueueDepth:         s.QueueDepth,
			QueueCapacity:      s.QueueCapacity,
			PeakQueueDepth:     s.PeakQueueDepth,
			Utilization:        s.Utilization,
			SinkDegraded:       s.SinkDegraded,
		}
	}
	if w.src.WAL != nil {
		s := w.src.WAL()
		doc.WAL = &WALStatus{
			LastAppended:      s.LastAppended,
			LastCommitted:     s.LastCommitted,
			Pending:           s.Pending,
			Segments:          s.Segments,
			ActiveSegmentSize: s.ActiveSegmentSize,
			TotalSize:         s.TotalSize,
			SyncMode:          string(s.SyncMode),
		}
	}
	if w.src.JSONL != nil || w.src.DuckDB != nil {
		doc.Sink = &SinkStatus{}
		if w.src.JSONL != nil {
			s := w.src.JSONL()
			doc.Sink.JSONL = &JSONLStatus{
				EventsAppended:     s.EventsAppended,
				BytesWritten:       s.BytesWritten,
				OpenPartitions:     s.OpenPartitions,
				PartitionRotations: s.PartitionRotations,
			}
		}
		if w.src.DuckDB != nil {
			s := w.src.DuckDB()
			doc.Sink.DuckDB = &DuckDBStatus{
				EventsReceived: s.EventsReceived,
				EventsFlushed:  s.EventsFlushed,
				Duplicates:     s.Duplicates,
				FlushCount:     s.FlushCount,
				ErrorCount:     s.ErrorCount,
				LastFlushTime:  s.LastFlushTime,
				LastError:      s.LastError,
				BufferSize:     s.BufferSize,
				AvgFlushMs:     s.AvgFlushTime.Milliseconds(),
			}
		}
	}
	if w.src.Dedup != nil {
		s := w.src.Dedup()
		doc.Dedup = &DedupStatus{
			Keys:           s.Keys,
			Suppressed:     s.Suppressed,
			Admitted:       s.Admitted,
			Expired:        s.Expired,
			LastCompaction: s.LastCompaction,
		}
	}
	if w.src.Audit != nil {
		s := w.src.Audit()
		doc.Audit = &AuditStatus{Recorded: s.Recorded, Lost: s.Lost}
	}
	if w.src.Collectors != nil {
		for _, s := range w.src.Collectors() {
			doc.Collectors = append(doc.Collectors, CollectorStatus{
				Source:           s.Source,
				Symbols:          s.Symbols,
				TradesPublished:  s.TradesPublished,
				TradesRejected:   s.TradesRejected,
				QuotesPublished:  s.QuotesPublished,
				QuotesSuppressed: s.QuotesSuppressed,
				QuotesCrossed:    s.QuotesCrossed,
				DepthSnapshots:   s.DepthSnapshots,
				DepthDeltas:      s.DepthDeltas,
				DepthDropped:     s.DepthDropped,
				GapsDetected:     s.GapsDetected,
				StreamResets:     s.StreamResets,
				PublishFailures:  s.PublishFailures,
			})
		}
	}
	if w.src.Feed != nil {
		s := w.src.Feed()
		doc.Feed = &s
	}
	if w.src.RateLimits != nil {
		for _, s := range w.src.RateLimits() {
			doc.RateLimits = append(doc.RateLimits, RateLimitStatus{
				Name:     s.Name,
				InWindow: s.InWindow,
				Granted:  s.Granted,
				Recorded: s.Recorded,
			})
		}
	}
	if w.src.Jobs != nil {
		doc.Backfill = w.jobSummary()
	}
	return doc
}

func (w *Writer) jobSummary() *BackfillStatus {
	jobs, err := w.src.Jobs()
	if err != nil {
		logging.Warn().Err(err).Msg("STATUS: Job summary unavailable")
		return nil
	}
	out := &BackfillStatus{Jobs: len(jobs), ByState: make(map[string]int)}
	for _, j := range jobs {
		out.ByState[string(j.State)]++
		if j.Terminal() {
			continue
		}
		var expected, processed int
		for _, p := range j.Progress {
			expected += p.Expected
			processed += p.Processed
		}
		out.Open = append(out.Open, JobStatus{
			ID:        j.ID,
			Workload:  string(j.Workload),
			State:     string(j.State),
			Symbols:   len(j.Symbols),
			Expected:  expected,
			Processed: processed,
			UpdatedAt: j.UpdatedAt,
		})
	}
	return out
}

// WriteOnce assembles a snapshot and atomically rewrites the status
// file.
func (w *Writer) WriteOnce() error {
	data, err := json.MarshalIndent(w.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("status: encode document: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: path is derived from the configured data root
	if err != nil {
		return fmt.Errorf("status: create %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("status: write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("status: sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("status: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("status: rename %s: %w", tmpPath, err)
	}
	return nil
}

// Run writes immediately, then on every interval tick until the context
// ends. A final snapshot is written on the way out so the file reflects
// the shutdown state.
func (w *Writer) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	if err := w.WriteOnce(); err != nil {
		logging.Warn().Err(err).Msg("STATUS: Write failed")
	}
	logging.Info().Str("path", w.path).Dur("interval", w.cfg.Interval).Msg("STATUS: Writer started")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.WriteOnce(); err != nil {
				logging.Warn().Err(err).Msg("STATUS: Final write failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := w.WriteOnce(); err != nil {
				logging.Warn().Err(err).Msg("STATUS: Write failed")
			}
		}
	}
}

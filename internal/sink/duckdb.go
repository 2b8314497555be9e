// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb sql driver
	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// duckFlushTimeout bounds every flush transaction, both timer-driven and
// batch-triggered. Flushes run on detached contexts so that caller or
// supervisor cancellation never aborts an insert mid-transaction.
const duckFlushTimeout = 30 * time.Second

// BatchInserter persists a batch of market events atomically. Implementations
// must guarantee all-or-nothing semantics: if any insert fails for a reason
// other than a key conflict, the whole batch is rolled back.
type BatchInserter interface {
	// InsertBatch inserts the batch in one transaction. Events whose key
	// already exists are skipped and counted as duplicates.
	InsertBatch(ctx context.Context, batch []*events.MarketEvent) (inserted int, duplicates int, err error)
	Close() error
}

// DuckDBSink mirrors events into a DuckDB table for analytical queries.
// Events are buffered in memory and flushed in batches, either when the
// buffer reaches BatchSize or on the FlushInterval timer once Start has been
// called. A failed batch stays in the buffer and is retried on the next
// flush.
type DuckDBSink struct {
	store BatchInserter
	cfg   DuckDBConfig

	mu     sync.Mutex
	buffer []*events.MarketEvent

	// flushMu serializes flush operations. Timer-based and batch-triggered
	// flushes would otherwise interleave and insert events out of order.
	flushMu sync.Mutex

	closed   atomic.Bool
	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	flushWg  sync.WaitGroup

	eventsReceived atomic.Int64
	eventsFlushed  atomic.Int64
	duplicates     atomic.Int64
	flushCount     atomic.Int64
	errorCount     atomic.Int64
	totalFlushTime atomic.Int64
	lastFlushTime  atomic.Value // time.Time
	lastError      atomic.Value // string
}

// DuckDBStats is a point-in-time snapshot of sink counters.
type DuckDBStats struct {
	EventsReceived int64
	EventsFlushed  int64
	Duplicates     int64
	FlushCount     int64
	ErrorCount     int64
	LastFlushTime  time.Time
	LastError      string
	BufferSize     int
	AvgFlushTime   time.Duration
}

// NewDuckDBSink wraps a BatchInserter in the buffering sink. Use OpenDuckDB
// to obtain the real store, then Start to enable timer-based flushing.
func NewDuckDBSink(store BatchInserter, cfg DuckDBConfig) (*DuckDBSink, error) {
	if store == nil {
		return nil, fmt.Errorf("batch inserter required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}

	s := &DuckDBSink{
		store:    store,
		cfg:      cfg,
		buffer:   make([]*events.MarketEvent, 0, cfg.BatchSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	s.lastFlushTime.Store(time.Time{})
	s.lastError.Store("")
	return s, nil
}

// Start begins the periodic flush timer. Safe to call multiple times. The
// context only signals shutdown; individual flushes run with their own
// bounded contexts.
func (s *DuckDBSink) Start(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("duckdb sink is closed")
	}
	if s.started.Swap(true) {
		return nil
	}

	go s.flushLoop(ctx)
	return nil
}

// Append buffers one event. If the buffer reaches BatchSize an async flush
// is triggered.
func (s *DuckDBSink) Append(e *events.MarketEvent) error {
	if s.closed.Load() {
		err := fmt.Errorf("duckdb sink is closed")
		metrics.RecordSinkAppend("duckdb", 0, err)
		return err
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	bufferSize := len(s.buffer)
	s.eventsReceived.Add(1)
	needsFlush := bufferSize >= s.cfg.BatchSize
	s.mu.Unlock()

	metrics.RecordSinkAppend("duckdb", 1, nil)
	logging.Trace().
		Str("symbol", e.Symbol).
		Str("type", e.Type).
		Int("buffer_size", bufferSize).
		Int("batch_size", s.cfg.BatchSize).
		Msg("DUCKDB: Buffered")

	if needsFlush {
		s.flushWg.Add(1)
		go func() {
			defer s.flushWg.Done()
			// Detached context: the pipeline consumer that triggered this
			// flush must not be able to cancel an in-flight transaction.
			flushCtx, cancel := context.WithTimeout(context.Background(), duckFlushTimeout)
			defer cancel()
			s.doFlush(flushCtx)
		}()
	}

	return nil
}

// Flush synchronously flushes all buffered events, waiting for in-flight
// async flushes first.
func (s *DuckDBSink) Flush() error {
	s.flushWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), duckFlushTimeout)
	defer cancel()
	return s.doFlushSync(ctx)
}

// Close stops the flush timer, flushes pending events and closes the store.
// Safe to call multiple times.
func (s *DuckDBSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.started.Load() {
		close(s.stopChan)
		<-s.doneChan
	}

	s.flushWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), duckFlushTimeout)
	defer cancel()
	flushErr := s.doFlushSync(ctx)

	closeErr := s.store.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stats returns current runtime statistics.
func (s *DuckDBSink) Stats() DuckDBStats {
	s.mu.Lock()
	bufferSize := len(s.buffer)
	s.mu.Unlock()

	var avgFlushTime time.Duration
	if count := s.flushCount.Load(); count > 0 {
		avgFlushTime = time.Duration(s.totalFlushTime.Load() / count)
	}

	var lastFlushTime time.Time
	if t, ok := s.lastFlushTime.Load().(time.Time); ok {
		lastFlushTime = t
	}
	var lastError string
	if e, ok := s.lastError.Load().(string); ok {
		lastError = e
	}

	return DuckDBStats{
		EventsReceived: s.eventsReceived.Load(),
		EventsFlushed:  s.eventsFlushed.Load(),
		Duplicates:     s.duplicates.Load(),
		FlushCount:     s.flushCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		LastFlushTime:  lastFlushTime,
		LastError:      lastError,
		BufferSize:     bufferSize,
		AvgFlushTime:   avgFlushTime,
	}
}

// flushLoop runs the periodic flush timer. The parent context is only used
// to detect shutdown; each tick flushes under a fresh bounded context.
func (s *DuckDBSink) flushLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.Background(), duckFlushTimeout)
			s.doFlush(flushCtx)
			cancel()
		}
	}
}

// doFlush performs an async flush. Errors are tracked in stats and logged.
func (s *DuckDBSink) doFlush(ctx context.Context) {
	if err := s.doFlushSync(ctx); err != nil {
		logging.Debug().Err(err).Msg("DUCKDB: Async flush error")
	}
}

// doFlushSync flushes the buffer in chunks of BatchSize. On a chunk error the
// unflushed remainder is restored to the front of the buffer for retry.
func (s *DuckDBSink) doFlushSync(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	// Take ownership of the buffer
	batch := s.buffer
	s.buffer = make([]*events.MarketEvent, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	totalFlushed := 0
	totalStart := time.Now()

	// Chunked inserts keep each transaction within the DuckDB memory limit.
	for start := 0; start < len(batch); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		chunkStart := time.Now()
		inserted, duplicates, err := s.store.InsertBatch(ctx, chunk)
		chunkElapsed := time.Since(chunkStart)

		if err != nil {
			unflushed := batch[start:]
			s.mu.Lock()
			s.buffer = append(unflushed, s.buffer...)
			s.mu.Unlock()

			s.errorCount.Add(1)
			s.lastError.Store(err.Error())
			if totalFlushed > 0 {
				s.eventsFlushed.Add(int64(totalFlushed))
				s.flushCount.Add(1)
			}
			logging.Warn().
				Err(err).
				Int("unflushed", len(unflushed)).
				Int("succeeded", totalFlushed).
				Msg("DUCKDB: Chunk insert failed, restored unflushed events")
			return fmt.Errorf("flush events (chunk %d-%d): %w", start, end, err)
		}

		totalFlushed += len(chunk)
		s.duplicates.Add(int64(duplicates))
		metrics.RecordSinkFlush("duckdb", chunkElapsed, 0)

		logging.Trace().
			Int("inserted", inserted).
			Int("duplicates", duplicates).
			Dur("elapsed", chunkElapsed).
			Msg("DUCKDB: Chunk flushed")
	}

	totalElapsed := time.Since(totalStart)
	s.eventsFlushed.Add(int64(totalFlushed))
	s.flushCount.Add(1)
	s.totalFlushTime.Add(totalElapsed.Nanoseconds())
	s.lastFlushTime.Store(time.Now())
	s.lastError.Store("")

	logging.Debug().
		Int("count", totalFlushed).
		Dur("elapsed", totalElapsed).
		Msg("DUCKDB: Flushed buffered events")
	return nil
}

// duckStore is the real BatchInserter backed by a DuckDB database file.
type duckStore struct {
	conn *sql.DB
}

// OpenDuckDB opens (creating if needed) the DuckDB database and ensures the
// market_events schema exists.
func OpenDuckDB(cfg DuckDBConfig) (BatchInserter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	store := &duckStore{conn: conn}
	if err := store.createSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("DUCKDB: Database opened")
	return store, nil
}

func (d *duckStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	queries := []string{
		`CREATE TABLE IF NOT EXISTS market_events (
			source TEXT NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			sequence UBIGINT NOT NULL,
			ts TIMESTAMP NOT NULL,
			canonical_symbol TEXT,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (source, symbol, type, sequence, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_events_symbol_ts
			ON market_events (symbol, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_market_events_type_ts
			ON market_events (type, ts)`,
	}

	for _, query := range queries {
		if _, err := d.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// InsertBatch inserts the batch in one transaction with ON CONFLICT DO
// NOTHING, so replayed events collapse onto their original rows.
func (d *duckStore) InsertBatch(ctx context.Context, batch []*events.MarketEvent) (inserted int, duplicates int, err error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Error().
					Err(rbErr).
					AnErr("original_error", err).
					Msg("DUCKDB: Transaction rollback failed")
			}
		}
	}()

	query := `INSERT INTO market_events (
		source, symbol, type, sequence, ts, canonical_symbol, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("DUCKDB: Failed to close prepared statement")
		}
	}()

	for i, e := range batch {
		payload, marshalErr := json.Marshal(e.Payload)
		if marshalErr != nil {
			err = fmt.Errorf("marshal payload %d (%s %s): %w", i, e.Type, e.Symbol, marshalErr)
			return 0, 0, err
		}

		var canonical *string
		if e.CanonicalSymbol != "" {
			canonical = &e.CanonicalSymbol
		}

		result, execErr := stmt.ExecContext(ctx,
			e.Source, e.Symbol, e.Type, e.Sequence, e.Timestamp.UTC(),
			canonical, string(payload),
		)
		if execErr != nil {
			err = fmt.Errorf("insert event %d (%s %s seq=%d): %w", i, e.Type, e.Symbol, e.Sequence, execErr)
			return 0, 0, err
		}

		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			err = fmt.Errorf("rows affected for event %d: %w", i, rowsErr)
			return 0, 0, err
		}
		if rowsAffected > 0 {
			inserted++
		} else {
			duplicates++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, duplicates, nil
}

func (d *duckStore) Close() error {
	return d.conn.Close()
}

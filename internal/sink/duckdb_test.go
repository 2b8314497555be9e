// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
)

// mockInserter implements BatchInserter for testing.
type mockInserter struct {
	mu            sync.Mutex
	events        []*events.MarketEvent
	insertErr     error
	duplicateKeys map[string]bool
	insertCalls   int
	batchSizes    []int
	closed        bool
	flushSignals  chan struct{}
}

func newMockInserter() *mockInserter {
	return &mockInserter{
		duplicateKeys: make(map[string]bool),
		flushSignals:  make(chan struct{}, 100),
	}
}

func (m *mockInserter) InsertBatch(_ context.Context, batch []*events.MarketEvent) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls++
	m.batchSizes = append(m.batchSizes, len(batch))

	if m.insertErr != nil {
		return 0, 0, m.insertErr
	}

	inserted, duplicates := 0, 0
	for _, e := range batch {
		key := e.Source + "|" + e.Symbol + "|" + e.Type
		if m.duplicateKeys[key] {
			duplicates++
			continue
		}
		m.events = append(m.events, e)
		inserted++
	}

	select {
	case m.flushSignals <- struct{}{}:
	default:
	}
	return inserted, duplicates, nil
}

func (m *mockInserter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockInserter) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

func (m *mockInserter) getEvents() []*events.MarketEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]*events.MarketEvent, len(m.events))
	copy(copied, m.events)
	return copied
}

func (m *mockInserter) getBatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]int, len(m.batchSizes))
	copy(copied, m.batchSizes)
	return copied
}

func (m *mockInserter) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockInserter) waitForFlush(timeout time.Duration) bool {
	select {
	case <-m.flushSignals:
		return true
	case <-time.After(timeout):
		return false
	}
}

func duckTestConfig() DuckDBConfig {
	cfg := DefaultDuckDBConfig()
	cfg.Path = "test.duckdb"
	cfg.BatchSize = 5
	cfg.FlushInterval = time.Hour // timer never fires unless a test starts it
	return cfg
}

func TestNewDuckDBSink(t *testing.T) {
	store := newMockInserter()
	s, err := NewDuckDBSink(store, duckTestConfig())
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	stats := s.Stats()
	if stats.EventsReceived != 0 || stats.EventsFlushed != 0 || stats.BufferSize != 0 {
		t.Errorf("initial stats = %+v, want zeroes", stats)
	}
}

func TestNewDuckDBSink_InvalidConfig(t *testing.T) {
	store := newMockInserter()

	tests := []struct {
		name    string
		store   BatchInserter
		mutate  func(*DuckDBConfig)
		wantErr string
	}{
		{
			name:    "nil store",
			store:   nil,
			mutate:  func(*DuckDBConfig) {},
			wantErr: "batch inserter required",
		},
		{
			name:    "zero batch size",
			store:   store,
			mutate:  func(c *DuckDBConfig) { c.BatchSize = 0 },
			wantErr: "batch size must be at least 1",
		},
		{
			name:    "zero flush interval",
			store:   store,
			mutate:  func(c *DuckDBConfig) { c.FlushInterval = 0 },
			wantErr: "flush interval must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := duckTestConfig()
			tt.mutate(&cfg)

			_, err := NewDuckDBSink(tt.store, cfg)
			if err == nil {
				t.Fatal("NewDuckDBSink() error = nil, want error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("NewDuckDBSink() error = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDuckDBSink_AppendBuffers(t *testing.T) {
	store := newMockInserter()
	s, err := NewDuckDBSink(store, duckTestConfig())
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	if err := s.Append(tradeAt(t, "SPY", ts, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	stats := s.Stats()
	if stats.EventsReceived != 1 {
		t.Errorf("EventsReceived = %d, want 1", stats.EventsReceived)
	}
	if stats.EventsFlushed != 0 {
		t.Errorf("EventsFlushed = %d, want 0 (not flushed yet)", stats.EventsFlushed)
	}
	if stats.BufferSize != 1 {
		t.Errorf("BufferSize = %d, want 1", stats.BufferSize)
	}
	if store.insertCalls != 0 {
		t.Errorf("insertCalls = %d, want 0", store.insertCalls)
	}
}

func TestDuckDBSink_BatchTrigger(t *testing.T) {
	store := newMockInserter()
	s, err := NewDuckDBSink(store, duckTestConfig())
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Append(tradeAt(t, "SPY", ts, seq)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if !store.waitForFlush(time.Second) {
		t.Fatal("batch flush not triggered within timeout")
	}
	// Stats are updated after InsertBatch returns; give the goroutine time.
	time.Sleep(100 * time.Millisecond)

	if got := len(store.getEvents()); got != 5 {
		t.Errorf("store events = %d, want 5", got)
	}
	stats := s.Stats()
	if stats.EventsFlushed != 5 {
		t.Errorf("EventsFlushed = %d, want 5", stats.EventsFlushed)
	}
	if stats.FlushCount != 1 {
		t.Errorf("FlushCount = %d, want 1", stats.FlushCount)
	}
	if stats.BufferSize != 0 {
		t.Errorf("BufferSize = %d, want 0", stats.BufferSize)
	}
}

func TestDuckDBSink_IntervalTrigger(t *testing.T) {
	store := newMockInserter()
	cfg := duckTestConfig()
	cfg.BatchSize = 1000
	cfg.FlushInterval = 100 * time.Millisecond

	s, err := NewDuckDBSink(store, cfg)
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Append(tradeAt(t, "SPY", ts, seq)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if !store.waitForFlush(time.Second) {
		t.Fatal("interval flush not triggered within timeout")
	}
	time.Sleep(100 * time.Millisecond)

	if got := len(store.getEvents()); got != 3 {
		t.Errorf("store events = %d, want 3", got)
	}
}

func TestDuckDBSink_FlushSynchronous(t *testing.T) {
	store := newMockInserter()
	s, err := NewDuckDBSink(store, duckTestConfig())
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Append(tradeAt(t, "SPY", ts, seq)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if got := len(store.getEvents()); got != 3 {
		t.Errorf("store events = %d, want 3", got)
	}
	if stats := s.Stats(); stats.BufferSize != 0 {
		t.Errorf("BufferSize = %d, want 0", stats.BufferSize)
	}
}

func TestDuckDBSink_ErrorRetainsBuffer(t *testing.T) {
	store := newMockInserter()
	store.setError(errors.New("disk full"))

	s, err := NewDuckDBSink(store, duckTestConfig())
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Append(tradeAt(t, "SPY", ts, seq)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if err := s.Flush(); err == nil {
		t.Fatal("Flush() error = nil, want insert error")
	}

	stats := s.Stats()
	if stats.BufferSize != 3 {
		t.Errorf("BufferSize after failed flush = %d, want 3 (events retained)", stats.BufferSize)
	}
	if stats.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", stats.ErrorCount)
	}
	if stats.LastError == "" {
		t.Error("LastError is empty, want insert error message")
	}

	// Clearing the fault lets the retained events flush on the next attempt.
	store.setError(nil)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() after recovery error = %v", err)
	}
	if got := len(store.getEvents()); got != 3 {
		t.Errorf("store events after recovery = %d, want 3", got)
	}
}

func TestDuckDBSink_ChunkedFlush(t *testing.T) {
	store := newMockInserter()
	cfg := duckTestConfig()
	cfg.BatchSize = 2

	s, err := NewDuckDBSink(store, cfg)
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	// Fill past one batch without tripping the async trigger, then flush
	// synchronously: 5 events in chunks of 2 is 3 inserts.
	s.mu.Lock()
	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 5; seq++ {
		s.buffer = append(s.buffer, tradeAt(t, "SPY", ts, seq))
	}
	s.mu.Unlock()

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	sizes := store.getBatchSizes()
	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("insert calls = %d (%v), want %d", len(sizes), sizes, len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestDuckDBSink_DuplicatesCounted(t *testing.T) {
	store := newMockInserter()
	store.duplicateKeys["alpaca|SPY|trade"] = true

	s, err := NewDuckDBSink(store, duckTestConfig())
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	if err := s.Append(tradeAt(t, "SPY", ts, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if got := s.Stats().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestDuckDBSink_Close(t *testing.T) {
	store := newMockInserter()
	cfg := duckTestConfig()
	cfg.FlushInterval = 50 * time.Millisecond

	s, err := NewDuckDBSink(store, cfg)
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	if err := s.Append(tradeAt(t, "SPY", ts, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Close performs the final flush and shuts the store.
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(store.getEvents()); got != 1 {
		t.Errorf("store events after Close = %d, want 1", got)
	}
	if !store.isClosed() {
		t.Error("store not closed")
	}

	// Idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// Appends are refused after Close.
	err = s.Append(tradeAt(t, "SPY", ts, 2))
	if err == nil {
		t.Fatal("Append() after Close error = nil, want error")
	}
	if err.Error() != "duckdb sink is closed" {
		t.Errorf("Append() error = %q, want %q", err.Error(), "duckdb sink is closed")
	}
}

func TestDuckDBSink_ConcurrentAppend(t *testing.T) {
	store := newMockInserter()
	cfg := duckTestConfig()
	cfg.BatchSize = 10

	s, err := NewDuckDBSink(store, cfg)
	if err != nil {
		t.Fatalf("NewDuckDBSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				e := tradeAt(t, "SPY", ts, uint64(g*25+i+1))
				if err := s.Append(e); err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if got := len(store.getEvents()); got != 100 {
		t.Errorf("store events = %d, want 100", got)
	}
	if got := s.Stats().EventsReceived; got != 100 {
		t.Errorf("EventsReceived = %d, want 100", got)
	}
}

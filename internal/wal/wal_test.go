// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testConfig returns a per-record-sync config so tests observe disk
// state deterministically.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.SegmentSize = minSegmentSize
	cfg.SyncMode = SyncPerRecord
	return cfg
}

func openTestWAL(t *testing.T, cfg Config) *WAL {
	t.Helper()
	w, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return w
}

func appendN(t *testing.T, w *WAL, n int, size int) []Record {
	t.Helper()
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		payload := make([]byte, size)
		copy(payload, fmt.Sprintf("event-%04d", i+1))
		rec, err := w.Append(payload)
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i+1, err)
		}
		records = append(records, rec)
	}
	return records
}

func collectUncommitted(t *testing.T, w *WAL) []Record {
	t.Helper()
	it, err := w.Uncommitted()
	if err != nil {
		t.Fatalf("Uncommitted() error = %v", err)
	}
	defer func() { _ = it.Close() }()

	var records []Record
	for it.Next() {
		records = append(records, it.Record())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error = %v", err)
	}
	return records
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing dir",
			mutate:  func(c *Config) { c.Dir = "" },
			wantErr: "WAL config error: Dir: WAL directory is required",
		},
		{
			name:    "segment size too small",
			mutate:  func(c *Config) { c.SegmentSize = 100 },
			wantErr: "WAL config error: SegmentSize: must be at least 4096 bytes",
		},
		{
			name:    "unknown sync mode",
			mutate:  func(c *Config) { c.SyncMode = "turbo" },
			wantErr: "WAL config error: SyncMode: unknown sync mode turbo",
		},
		{
			name:    "batched without batch size",
			mutate:  func(c *Config) { c.SyncMode = SyncBatched; c.BatchSize = 0 },
			wantErr: "WAL config error: BatchSize: must be at least 1",
		},
		{
			name:    "batched without max delay",
			mutate:  func(c *Config) { c.SyncMode = SyncBatched; c.MaxDelay = 0 },
			wantErr: "WAL config error: MaxDelay: must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Dir = t.TempDir()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseSyncMode(t *testing.T) {
	for _, valid := range []string{"per_record", "batched", "none"} {
		if _, err := ParseSyncMode(valid); err != nil {
			t.Errorf("ParseSyncMode(%q) error = %v", valid, err)
		}
	}
	if _, err := ParseSyncMode("turbo"); err == nil {
		t.Error("ParseSyncMode(turbo) error = nil, want error")
	}
}

func TestOpen_EmptyDir(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	stats := w.Stats()
	if stats.LastAppended != 0 || stats.LastCommitted != 0 || stats.Pending != 0 {
		t.Errorf("fresh stats = %+v, want zero sequences", stats)
	}
	if stats.Segments != 1 {
		t.Errorf("Segments = %d, want 1", stats.Segments)
	}

	if _, err := os.Stat(filepath.Join(cfg.Dir, "wal-0000000000000001.log")); err != nil {
		t.Errorf("first segment not created: %v", err)
	}
}

func TestWAL_AppendAssignsSequences(t *testing.T) {
	w := openTestWAL(t, testConfig(t))
	defer func() { _ = w.Close() }()

	records := appendN(t, w, 5, 32)
	for i, rec := range records {
		if rec.Sequence != uint64(i+1) {
			t.Errorf("record %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
	}

	stats := w.Stats()
	if stats.LastAppended != 5 {
		t.Errorf("LastAppended = %d, want 5", stats.LastAppended)
	}
	if stats.Pending != 5 {
		t.Errorf("Pending = %d, want 5", stats.Pending)
	}
	wantSize := int64(5) * recordSize(32)
	if stats.ActiveSegmentSize != wantSize {
		t.Errorf("ActiveSegmentSize = %d, want %d", stats.ActiveSegmentSize, wantSize)
	}
	if stats.TotalSize != wantSize {
		t.Errorf("TotalSize = %d, want %d", stats.TotalSize, wantSize)
	}
}

func TestWAL_AppendRejectsBadPayloads(t *testing.T) {
	w := openTestWAL(t, testConfig(t))
	defer func() { _ = w.Close() }()

	if _, err := w.Append(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Append(nil) error = %v, want ErrEmptyPayload", err)
	}
	if _, err := w.Append(make([]byte, maxPayloadLen+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Append(oversized) error = %v, want ErrPayloadTooLarge", err)
	}
	if got := w.Stats().LastAppended; got != 0 {
		t.Errorf("LastAppended = %d after rejected appends, want 0", got)
	}
}

func TestWAL_Commit(t *testing.T) {
	w := openTestWAL(t, testConfig(t))
	defer func() { _ = w.Close() }()

	appendN(t, w, 5, 32)

	if err := w.Commit(3); err != nil {
		t.Fatalf("Commit(3) error = %v", err)
	}
	if got := w.Stats().LastCommitted; got != 3 {
		t.Errorf("LastCommitted = %d, want 3", got)
	}

	// Idempotent and monotone: repeating or going backwards is a no-op.
	if err := w.Commit(3); err != nil {
		t.Errorf("Commit(3) again error = %v, want nil", err)
	}
	if err := w.Commit(1); err != nil {
		t.Errorf("Commit(1) error = %v, want nil", err)
	}
	if got := w.Stats().LastCommitted; got != 3 {
		t.Errorf("LastCommitted after no-op commits = %d, want 3", got)
	}

	if err := w.Commit(99); !errors.Is(err, ErrCommitBeyondAppend) {
		t.Errorf("Commit(99) error = %v, want ErrCommitBeyondAppend", err)
	}

	if got := w.Stats().Pending; got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
}

func TestWAL_UncommittedIteration(t *testing.T) {
	w := openTestWAL(t, testConfig(t))
	defer func() { _ = w.Close() }()

	if got := collectUncommitted(t, w); len(got) != 0 {
		t.Fatalf("uncommitted on fresh WAL = %d records, want 0", len(got))
	}

	appendN(t, w, 5, 32)
	if err := w.Commit(3); err != nil {
		t.Fatalf("Commit(3) error = %v", err)
	}

	records := collectUncommitted(t, w)
	if len(records) != 2 {
		t.Fatalf("uncommitted = %d records, want 2", len(records))
	}
	if records[0].Sequence != 4 || records[1].Sequence != 5 {
		t.Errorf("uncommitted sequences = [%d %d], want [4 5]", records[0].Sequence, records[1].Sequence)
	}
	if string(records[0].Payload[:10]) != "event-0004" {
		t.Errorf("record 4 payload prefix = %q, want event-0004", records[0].Payload[:10])
	}
}

func TestWAL_ReopenRestoresState(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	appendN(t, w, 5, 32)
	if err := w.Commit(3); err != nil {
		t.Fatalf("Commit(3) error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w = openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	stats := w.Stats()
	if stats.LastAppended != 5 {
		t.Errorf("LastAppended = %d after reopen, want 5", stats.LastAppended)
	}
	if stats.LastCommitted != 3 {
		t.Errorf("LastCommitted = %d after reopen, want 3", stats.LastCommitted)
	}

	records := collectUncommitted(t, w)
	if len(records) != 2 {
		t.Fatalf("uncommitted after reopen = %d records, want 2", len(records))
	}

	rec, err := w.Append([]byte("after-reopen"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if rec.Sequence != 6 {
		t.Errorf("post-reopen sequence = %d, want 6", rec.Sequence)
	}
}

func TestWAL_CommitPointSurvivesMarkerLoss(t *testing.T) {
	tests := []struct {
		name   string
		damage func(t *testing.T, dir string)
	}{
		{
			name: "marker removed",
			damage: func(t *testing.T, dir string) {
				t.Helper()
				if err := os.Remove(filepath.Join(dir, commitFileName)); err != nil {
					t.Fatalf("Remove() error = %v", err)
				}
			},
		},
		{
			name: "marker corrupted",
			damage: func(t *testing.T, dir string) {
				t.Helper()
				path := filepath.Join(dir, commitFileName)
				data, err := os.ReadFile(path)
				if err != nil {
					t.Fatalf("ReadFile() error = %v", err)
				}
				data[3] ^= 0xFF
				if err := os.WriteFile(path, data, 0o640); err != nil {
					t.Fatalf("WriteFile() error = %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			w := openTestWAL(t, cfg)
			appendN(t, w, 5, 32)
			if err := w.Commit(3); err != nil {
				t.Fatalf("Commit(3) error = %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			tt.damage(t, cfg.Dir)

			w = openTestWAL(t, cfg)
			defer func() { _ = w.Close() }()
			if got := w.Stats().LastCommitted; got != 3 {
				t.Errorf("LastCommitted = %d recovered from commit records, want 3", got)
			}
		})
	}
}

func TestWAL_CorruptTailRepairedOnOpen(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	appendN(t, w, 3, 32)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Simulate a torn write by appending garbage to the segment.
	path := filepath.Join(cfg.Dir, "wal-0000000000000001.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w = openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	if got := w.Stats().LastAppended; got != 3 {
		t.Errorf("LastAppended = %d after repair, want 3", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if want := int64(3) * recordSize(32); info.Size() != want {
		t.Errorf("segment size = %d after repair, want %d", info.Size(), want)
	}

	rec, err := w.Append([]byte("post-repair"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if rec.Sequence != 4 {
		t.Errorf("post-repair sequence = %d, want 4", rec.Sequence)
	}
	records := collectUncommitted(t, w)
	if len(records) != 4 {
		t.Errorf("uncommitted = %d records after repair, want 4", len(records))
	}
}

func TestWAL_MidSegmentDamageDropsTail(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	appendN(t, w, 3, 32)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Flip a payload byte inside the second record. Everything from
	// that record on is unrecoverable.
	path := filepath.Join(cfg.Dir, "wal-0000000000000001.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	data[recordSize(32)+headerSize+4] ^= 0xFF
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w = openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	if got := w.Stats().LastAppended; got != 1 {
		t.Errorf("LastAppended = %d after mid-segment damage, want 1", got)
	}
	records := collectUncommitted(t, w)
	if len(records) != 1 || records[0].Sequence != 1 {
		t.Fatalf("uncommitted = %+v, want only sequence 1", records)
	}

	rec, err := w.Append([]byte("replacement"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if rec.Sequence != 2 {
		t.Errorf("replacement sequence = %d, want 2", rec.Sequence)
	}
}

func TestWAL_SegmentRolling(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	// 1000-byte payloads against the 4096-byte minimum segment size:
	// four records fit, the fifth rolls.
	appendN(t, w, 10, 1000)

	stats := w.Stats()
	if stats.Segments != 3 {
		t.Fatalf("Segments = %d, want 3", stats.Segments)
	}
	for _, name := range []string{
		"wal-0000000000000001.log",
		"wal-0000000000000005.log",
		"wal-0000000000000009.log",
	} {
		if _, err := os.Stat(filepath.Join(cfg.Dir, name)); err != nil {
			t.Errorf("expected segment %s: %v", name, err)
		}
	}

	records := collectUncommitted(t, w)
	if len(records) != 10 {
		t.Fatalf("uncommitted across segments = %d, want 10", len(records))
	}
	for i, rec := range records {
		if rec.Sequence != uint64(i+1) {
			t.Errorf("record %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
	}
}

func TestWAL_RollingSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	appendN(t, w, 10, 1000)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w = openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	if got := w.Stats().LastAppended; got != 10 {
		t.Errorf("LastAppended = %d after reopen, want 10", got)
	}
	rec, err := w.Append(make([]byte, 1000))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if rec.Sequence != 11 {
		t.Errorf("post-reopen sequence = %d, want 11", rec.Sequence)
	}
}

func TestWAL_TruncateRemovesCommittedSegments(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	appendN(t, w, 10, 1000)
	if err := w.Commit(10); err != nil {
		t.Fatalf("Commit(10) error = %v", err)
	}
	if err := w.Truncate(10); err != nil {
		t.Fatalf("Truncate(10) error = %v", err)
	}

	stats := w.Stats()
	if stats.Segments != 1 {
		t.Errorf("Segments = %d after truncate, want 1", stats.Segments)
	}
	for _, name := range []string{
		"wal-0000000000000001.log",
		"wal-0000000000000005.log",
	} {
		if _, err := os.Stat(filepath.Join(cfg.Dir, name)); !os.IsNotExist(err) {
			t.Errorf("segment %s still present after truncate", name)
		}
	}

	// Idempotent.
	if err := w.Truncate(10); err != nil {
		t.Errorf("Truncate(10) again error = %v", err)
	}
	if got := w.Stats().Segments; got != 1 {
		t.Errorf("Segments = %d after repeat truncate, want 1", got)
	}
}

func TestWAL_TruncatePreservesUncommitted(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	appendN(t, w, 10, 1000)
	if err := w.Commit(4); err != nil {
		t.Fatalf("Commit(4) error = %v", err)
	}
	// Truncating past the commit point must clamp, never drop
	// uncommitted records.
	if err := w.Truncate(10); err != nil {
		t.Fatalf("Truncate(10) error = %v", err)
	}

	if got := w.Stats().Segments; got != 2 {
		t.Errorf("Segments = %d, want 2", got)
	}
	records := collectUncommitted(t, w)
	if len(records) != 6 {
		t.Fatalf("uncommitted = %d records after truncate, want 6", len(records))
	}
	if records[0].Sequence != 5 {
		t.Errorf("first uncommitted sequence = %d, want 5", records[0].Sequence)
	}
}

func TestWAL_ReopenAfterSegmentLoss(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	appendN(t, w, 2, 32)
	if err := w.Commit(2); err != nil {
		t.Fatalf("Commit(2) error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Lose every segment but keep the marker. The append cursor must
	// resume above the committed point so sequences are never reused.
	segments, err := listSegments(cfg.Dir)
	if err != nil {
		t.Fatalf("listSegments() error = %v", err)
	}
	for _, seg := range segments {
		if err := os.Remove(seg.Path); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	}

	w = openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	stats := w.Stats()
	if stats.LastAppended != 2 || stats.LastCommitted != 2 {
		t.Errorf("stats = %+v, want cursors at 2", stats)
	}
	rec, err := w.Append([]byte("resumed"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if rec.Sequence != 3 {
		t.Errorf("resumed sequence = %d, want 3", rec.Sequence)
	}
}

func TestWAL_BatchedSyncByCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.SegmentSize = minSegmentSize
	cfg.SyncMode = SyncBatched
	cfg.BatchSize = 3
	cfg.MaxDelay = time.Hour
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	countRecords := func() int {
		t.Helper()
		f, err := os.Open(filepath.Join(cfg.Dir, "wal-0000000000000001.log"))
		if err != nil {
			t.Fatalf("Open segment error = %v", err)
		}
		defer func() { _ = f.Close() }()
		n := 0
		if _, err := scanSegment(f, func(scannedRecord) error {
			n++
			return nil
		}); err != nil {
			t.Fatalf("scanSegment() error = %v", err)
		}
		return n
	}

	appendN(t, w, 2, 32)
	if got := countRecords(); got != 0 {
		t.Errorf("records on disk before batch threshold = %d, want 0", got)
	}

	appendN(t, w, 1, 32)
	if got := countRecords(); got != 3 {
		t.Errorf("records on disk after batch threshold = %d, want 3", got)
	}
}

func TestWAL_BatchedSyncByTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.SegmentSize = minSegmentSize
	cfg.SyncMode = SyncBatched
	cfg.BatchSize = 100
	cfg.MaxDelay = 20 * time.Millisecond
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	appendN(t, w, 3, 32)

	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.Open(filepath.Join(cfg.Dir, "wal-0000000000000001.log"))
		if err != nil {
			t.Fatalf("Open segment error = %v", err)
		}
		n := 0
		_, _ = scanSegment(f, func(scannedRecord) error {
			n++
			return nil
		})
		_ = f.Close()
		if n == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("records on disk = %d after timer window, want 3", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWAL_UncommittedSeesBufferedAppends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.SegmentSize = minSegmentSize
	cfg.SyncMode = SyncBatched
	cfg.BatchSize = 100
	cfg.MaxDelay = time.Hour
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	appendN(t, w, 3, 32)
	records := collectUncommitted(t, w)
	if len(records) != 3 {
		t.Errorf("uncommitted = %d records with appends still buffered, want 3", len(records))
	}
}

func TestWAL_Close(t *testing.T) {
	cfg := testConfig(t)
	w := openTestWAL(t, cfg)
	appendN(t, w, 2, 32)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() again error = %v, want nil", err)
	}

	if _, err := w.Append([]byte("late")); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Append() after close error = %v, want ErrWALClosed", err)
	}
	if err := w.Commit(1); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Commit() after close error = %v, want ErrWALClosed", err)
	}
	if err := w.Truncate(1); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Truncate() after close error = %v, want ErrWALClosed", err)
	}
	if _, err := w.Uncommitted(); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Uncommitted() after close error = %v, want ErrWALClosed", err)
	}
}

func TestWAL_ConcurrentAppends(t *testing.T) {
	cfg := testConfig(t)
	cfg.SyncMode = SyncBatched
	cfg.BatchSize = 16
	cfg.MaxDelay = 10 * time.Millisecond
	w := openTestWAL(t, cfg)
	defer func() { _ = w.Close() }()

	const (
		goroutines = 4
		perWorker  = 25
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				payload := []byte(fmt.Sprintf("worker-%d-event-%d", worker, i))
				if _, err := w.Append(payload); err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if got := w.Stats().LastAppended; got != goroutines*perWorker {
		t.Errorf("LastAppended = %d, want %d", got, goroutines*perWorker)
	}

	records := collectUncommitted(t, w)
	if len(records) != goroutines*perWorker {
		t.Fatalf("uncommitted = %d records, want %d", len(records), goroutines*perWorker)
	}
	seen := make(map[uint64]bool, len(records))
	for _, rec := range records {
		if seen[rec.Sequence] {
			t.Errorf("duplicate sequence %d", rec.Sequence)
		}
		seen[rec.Sequence] = true
	}
	for seq := uint64(1); seq <= goroutines*perWorker; seq++ {
		if !seen[seq] {
			t.Errorf("missing sequence %d", seq)
		}
	}
}

func BenchmarkWAL_AppendBatched(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Dir = b.TempDir()
	w, err := Open(cfg)
	if err != nil {
		b.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = w.Close() }()

	payload := make([]byte, 256)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := w.Append(payload); err != nil {
			b.Fatalf("Append() error = %v", err)
		}
	}
}

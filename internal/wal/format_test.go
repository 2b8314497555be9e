// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeRecordRoundTrip(t *testing.T) {
	var frame []byte
	frame = encodeRecord(frame, 7, recordData, []byte(`{"price":100.5}`))
	frame = encodeRecord(frame, 7, recordCommit, nil)
	frame = encodeRecord(frame, 8, recordData, []byte(`{"price":100.6}`))

	var records []scannedRecord
	valid, err := scanSegment(bytes.NewReader(frame), func(rec scannedRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("scanSegment() error = %v", err)
	}
	if valid != int64(len(frame)) {
		t.Errorf("valid bytes = %d, want %d", valid, len(frame))
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0].Sequence != 7 || records[0].Type != recordData {
		t.Errorf("record 0 = seq %d type %d, want seq 7 type %d", records[0].Sequence, records[0].Type, recordData)
	}
	if string(records[0].Payload) != `{"price":100.5}` {
		t.Errorf("record 0 payload = %q", records[0].Payload)
	}
	if records[1].Type != recordCommit || records[1].Sequence != 7 || len(records[1].Payload) != 0 {
		t.Errorf("record 1 = %+v, want empty commit for seq 7", records[1])
	}
	if records[2].Offset != recordSize(15)+recordSize(0) {
		t.Errorf("record 2 offset = %d, want %d", records[2].Offset, recordSize(15)+recordSize(0))
	}
}

func TestScanSegmentStopsAtDamage(t *testing.T) {
	clean := encodeRecord(nil, 1, recordData, []byte("first"))
	boundary := int64(len(clean))

	tests := []struct {
		name      string
		mutate    func([]byte) []byte
		wantValid int64
		wantSeen  int
	}{
		{
			name:      "truncated header",
			mutate:    func(b []byte) []byte { return append(b, 0x01, 0x02, 0x03) },
			wantValid: boundary,
			wantSeen:  1,
		},
		{
			name: "truncated payload",
			mutate: func(b []byte) []byte {
				next := encodeRecord(nil, 2, recordData, []byte("second"))
				return append(b, next[:len(next)-3]...)
			},
			wantValid: boundary,
			wantSeen:  1,
		},
		{
			name: "flipped payload byte",
			mutate: func(b []byte) []byte {
				next := encodeRecord(nil, 2, recordData, []byte("second"))
				next[headerSize] ^= 0xFF
				return append(b, next...)
			},
			wantValid: boundary,
			wantSeen:  1,
		},
		{
			name: "unknown record type",
			mutate: func(b []byte) []byte {
				next := encodeRecord(nil, 2, recordData, []byte("second"))
				next[8] = 0xEE
				return append(b, next...)
			},
			wantValid: boundary,
			wantSeen:  1,
		},
		{
			name: "implausible payload length",
			mutate: func(b []byte) []byte {
				next := encodeRecord(nil, 2, recordData, []byte("second"))
				next[9] = 0xFF
				next[10] = 0xFF
				next[11] = 0xFF
				next[12] = 0xFF
				return append(b, next...)
			},
			wantValid: boundary,
			wantSeen:  1,
		},
		{
			name: "damage hides later records",
			mutate: func(b []byte) []byte {
				bad := encodeRecord(nil, 2, recordData, []byte("second"))
				bad[headerSize] ^= 0xFF
				b = append(b, bad...)
				return encodeRecord(b, 3, recordData, []byte("third"))
			},
			wantValid: boundary,
			wantSeen:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), clean...))
			seen := 0
			valid, err := scanSegment(bytes.NewReader(data), func(rec scannedRecord) error {
				seen++
				return nil
			})
			if err != nil {
				t.Fatalf("scanSegment() error = %v", err)
			}
			if valid != tt.wantValid {
				t.Errorf("valid bytes = %d, want %d", valid, tt.wantValid)
			}
			if seen != tt.wantSeen {
				t.Errorf("records seen = %d, want %d", seen, tt.wantSeen)
			}
		})
	}
}

func TestSegmentFileName(t *testing.T) {
	if got := segmentFileName(1); got != "wal-0000000000000001.log" {
		t.Errorf("segmentFileName(1) = %q", got)
	}
	if got := segmentFileName(0xDEADBEEF); got != "wal-00000000deadbeef.log" {
		t.Errorf("segmentFileName(0xDEADBEEF) = %q", got)
	}
}

func TestParseSegmentName(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		wantSeq uint64
		wantOK  bool
	}{
		{"first segment", "wal-0000000000000001.log", 1, true},
		{"large sequence", "wal-00000000deadbeef.log", 0xDEADBEEF, true},
		{"wrong prefix", "log-0000000000000001.log", 0, false},
		{"wrong suffix", "wal-0000000000000001.txt", 0, false},
		{"short hex", "wal-0001.log", 0, false},
		{"non-hex", "wal-00000000000000zz.log", 0, false},
		{"commit marker", "wal-commit", 0, false},
		{"tmp file", "wal-commit.tmp", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, ok := parseSegmentName(tt.file)
			if ok != tt.wantOK {
				t.Fatalf("parseSegmentName(%q) ok = %v, want %v", tt.file, ok, tt.wantOK)
			}
			if seq != tt.wantSeq {
				t.Errorf("parseSegmentName(%q) seq = %d, want %d", tt.file, seq, tt.wantSeq)
			}
		})
	}
}

func TestCommitFile(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		dir := t.TempDir()
		if err := writeCommitFile(dir, 42); err != nil {
			t.Fatalf("writeCommitFile() error = %v", err)
		}
		seq, ok := readCommitFile(dir)
		if !ok {
			t.Fatal("readCommitFile() ok = false, want true")
		}
		if seq != 42 {
			t.Errorf("seq = %d, want 42", seq)
		}
	})

	t.Run("rewrite replaces", func(t *testing.T) {
		dir := t.TempDir()
		if err := writeCommitFile(dir, 10); err != nil {
			t.Fatalf("writeCommitFile() error = %v", err)
		}
		if err := writeCommitFile(dir, 20); err != nil {
			t.Fatalf("writeCommitFile() error = %v", err)
		}
		seq, ok := readCommitFile(dir)
		if !ok || seq != 20 {
			t.Errorf("readCommitFile() = (%d, %v), want (20, true)", seq, ok)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, ok := readCommitFile(t.TempDir()); ok {
			t.Error("readCommitFile() ok = true for empty dir, want false")
		}
	})

	t.Run("corrupt checksum", func(t *testing.T) {
		dir := t.TempDir()
		if err := writeCommitFile(dir, 42); err != nil {
			t.Fatalf("writeCommitFile() error = %v", err)
		}
		path := filepath.Join(dir, commitFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		data[0] ^= 0xFF
		if err := os.WriteFile(path, data, 0o640); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, ok := readCommitFile(dir); ok {
			t.Error("readCommitFile() ok = true for corrupt marker, want false")
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, commitFileName), []byte{1, 2, 3}, 0o640); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		if _, ok := readCommitFile(dir); ok {
			t.Error("readCommitFile() ok = true for short marker, want false")
		}
	})
}

func TestListSegments(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		segmentFileName(0x100),
		segmentFileName(1),
		segmentFileName(0x50),
		commitFileName,
		"unrelated.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o640); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	want := []uint64{1, 0x50, 0x100}
	for i, seg := range segments {
		if seg.StartSeq != want[i] {
			t.Errorf("segment %d start = %#x, want %#x", i, seg.StartSeq, want[i])
		}
		if seg.Size != 1 {
			t.Errorf("segment %d size = %d, want 1", i, seg.Size)
		}
	}
}

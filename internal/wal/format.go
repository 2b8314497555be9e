// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Record types stored in segment files.
const (
	// recordData carries a serialized market event.
	recordData byte = 1

	// recordCommit marks the sequence in its header as committed. The
	// payload is empty. Commit records let recovery rebuild the commit
	// point when the commit marker file is lost or corrupt.
	recordCommit byte = 2
)

// headerSize is the fixed record header length:
// sequence:u64 | recordType:u8 | payloadLen:u32 | crc32c:u32, little-endian.
const headerSize = 8 + 1 + 4 + 4

// maxPayloadLen rejects absurd lengths read from a damaged header
// before any allocation happens.
const maxPayloadLen = 16 * 1024 * 1024

// castagnoli is the CRC-32C table shared by all checksum sites.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// recordChecksum covers the record type byte and the payload. The
// sequence and length are implicitly covered because a mismatch there
// desynchronizes the scan and fails the next checksum.
func recordChecksum(recordType byte, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, []byte{recordType})
	return crc32.Update(crc, castagnoli, payload)
}

// encodeRecord appends the framed record to dst and returns the result.
func encodeRecord(dst []byte, sequence uint64, recordType byte, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], sequence)
	hdr[8] = recordType
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(payload))) //nolint:gosec // G115: bounded by maxPayloadLen
	binary.LittleEndian.PutUint32(hdr[13:17], recordChecksum(recordType, payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// recordSize returns the framed length of a payload.
func recordSize(payloadLen int) int64 {
	return int64(headerSize + payloadLen)
}

// scannedRecord is one record produced by scanSegment.
type scannedRecord struct {
	Sequence uint64
	Type     byte
	Payload  []byte
	// Offset is the byte offset of the record header within the segment.
	Offset int64
}

// segmentScanner pulls framed records off a segment stream one at a
// time. A short read, a checksum mismatch, or an implausible header
// stops the scan at the last valid boundary; everything past that
// point is unreachable garbage from an interrupted write.
type segmentScanner struct {
	r        io.Reader
	consumed int64
}

func newSegmentScanner(r io.Reader) *segmentScanner {
	return &segmentScanner{r: r}
}

// next returns the next valid record. ok is false at the end of the
// valid region; consumed then holds the clean byte count.
func (s *segmentScanner) next() (rec scannedRecord, ok bool) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		// EOF at a record boundary is the normal end of segment. A
		// partial header is a torn write; stop at the boundary.
		return scannedRecord{}, false
	}
	sequence := binary.LittleEndian.Uint64(hdr[0:8])
	recordType := hdr[8]
	payloadLen := binary.LittleEndian.Uint32(hdr[9:13])
	wantCRC := binary.LittleEndian.Uint32(hdr[13:17])

	if recordType != recordData && recordType != recordCommit {
		return scannedRecord{}, false
	}
	if payloadLen > maxPayloadLen {
		return scannedRecord{}, false
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return scannedRecord{}, false
	}
	if recordChecksum(recordType, payload) != wantCRC {
		return scannedRecord{}, false
	}
	rec = scannedRecord{
		Sequence: sequence,
		Type:     recordType,
		Payload:  payload,
		Offset:   s.consumed,
	}
	s.consumed += recordSize(int(payloadLen))
	return rec, true
}

// scanSegment reads every valid record from r, invoking fn for each,
// and returns the number of valid bytes consumed.
func scanSegment(r io.Reader, fn func(rec scannedRecord) error) (int64, error) {
	sc := newSegmentScanner(r)
	for {
		rec, ok := sc.next()
		if !ok {
			return sc.consumed, nil
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return sc.consumed, err
			}
		}
	}
}

// Segment file naming: wal-{startSeq:016x}.log where startSeq is the
// sequence of the first record appended to the segment.
const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"

	// commitFileName holds the last committed sequence as 8 bytes
	// little-endian followed by a CRC-32C of those bytes.
	commitFileName = "wal-commit"
)

// segmentFileName formats the file name for a segment starting at seq.
func segmentFileName(startSeq uint64) string {
	return fmt.Sprintf("%s%016x%s", segmentPrefix, startSeq, segmentSuffix)
}

// parseSegmentName extracts the start sequence from a segment file
// name. The second return is false for non-segment files.
func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	hexPart := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	if len(hexPart) != 16 {
		return 0, false
	}
	seq, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// segmentInfo describes one segment file on disk.
type segmentInfo struct {
	StartSeq uint64
	Path     string
	Size     int64
}

// listSegments returns the segments under dir sorted by start sequence.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read WAL directory: %w", err)
	}
	segments := make([]segmentInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		startSeq, ok := parseSegmentName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat segment %s: %w", entry.Name(), err)
		}
		segments = append(segments, segmentInfo{
			StartSeq: startSeq,
			Path:     filepath.Join(dir, entry.Name()),
			Size:     info.Size(),
		})
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].StartSeq < segments[j].StartSeq
	})
	return segments, nil
}

// readCommitFile loads the committed sequence from the commit marker.
// It returns ok=false when the file is missing or fails its checksum;
// the caller falls back to scanning segments for commit records.
func readCommitFile(dir string) (seq uint64, ok bool) {
	data, err := os.ReadFile(filepath.Join(dir, commitFileName)) //nolint:gosec // G304: dir comes from validated config
	if err != nil || len(data) != 12 {
		return 0, false
	}
	seq = binary.LittleEndian.Uint64(data[0:8])
	wantCRC := binary.LittleEndian.Uint32(data[8:12])
	if crc32.Checksum(data[0:8], castagnoli) != wantCRC {
		return 0, false
	}
	return seq, true
}

// writeCommitFile atomically replaces the commit marker with seq. The
// temp file is synced before the rename so a crash leaves either the
// old marker or the new one, never a torn file.
func writeCommitFile(dir string, seq uint64) error {
	var data [12]byte
	binary.LittleEndian.PutUint64(data[0:8], seq)
	binary.LittleEndian.PutUint32(data[8:12], crc32.Checksum(data[0:8], castagnoli))

	tmpPath := filepath.Join(dir, commitFileName+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: dir comes from validated config
	if err != nil {
		return fmt.Errorf("create commit marker: %w", err)
	}
	if _, err := f.Write(data[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("write commit marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync commit marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close commit marker: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, commitFileName)); err != nil {
		return fmt.Errorf("rename commit marker: %w", err)
	}
	return nil
}

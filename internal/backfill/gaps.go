// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package backfill

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/sink"
)

// maxProbeLineBytes bounds a single record line while probing stored
// partitions.
const maxProbeLineBytes = 1 << 20

// GapDetector finds (symbol, date) partitions whose stored trade file
// is missing or holds no valid record. It shares the sink's Namer so
// probes look exactly where the writer files records.
type GapDetector struct {
	root  string
	namer *sink.Namer
}

// NewGapDetector builds a detector over the sink's data root and
// naming scheme.
func NewGapDetector(root string, namer *sink.Namer) *GapDetector {
	return &GapDetector{root: root, namer: namer}
}

// Missing returns the dates in [fromDate, toDate] with no stored trade
// record for the symbol, ascending.
func (d *GapDetector) Missing(symbol, fromDate, toDate string) ([]string, error) {
	dates, err := DateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, date := range dates {
		filled, err := d.Filled(symbol, date)
		if err != nil {
			return nil, err
		}
		if !filled {
			missing = append(missing, date)
		}
	}
	return missing, nil
}

// Filled reports whether the symbol's trade partition for the date
// holds at least one decodable, valid record. Compressed and plain
// files both count, whichever the writer produced at the time.
func (d *GapDetector) Filled(symbol, date string) (bool, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return false, fmt.Errorf("backfill: bad date %q: %w", date, err)
	}

	probe := &events.MarketEvent{
		Timestamp: day,
		Type:      events.TypeTrade,
		Symbol:    symbol,
		Source:    "*",
	}
	rel := d.namer.PathFor(probe, symbol)

	// Widen the probe: an hourly stamp pins midnight only, and the
	// compression setting may have changed since the partition was
	// written.
	rel = strings.Replace(rel, day.Format("2006-01-02T15"), date+"T*", 1)
	rel = strings.TrimSuffix(strings.TrimSuffix(rel, ".gz"), ".jsonl") + ".jsonl*"

	matches, err := filepath.Glob(filepath.Join(d.root, rel))
	if err != nil {
		return false, fmt.Errorf("backfill: probe %s %s: %w", symbol, date, err)
	}
	for _, m := range matches {
		if hasValidRecord(m) {
			return true, nil
		}
	}
	return false, nil
}

// hasValidRecord scans a JSONL partition, gzip-aware by suffix, until
// one line decodes into a valid market event. A truncated tail or
// oversized line just ends the probe.
func hasValidRecord(path string) bool {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from globbing the data root
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return false
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxProbeLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e events.MarketEvent
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Validate() == nil {
			return true
		}
	}
	return false
}

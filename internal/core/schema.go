// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package core

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
)

// schemaSampleLimit caps how many partition files one sweep opens.
const schemaSampleLimit = 512

// verifyStoredSchemas spot-checks stored partition files against the
// current event schema before startup. Strict mode turns any mismatch
// into a refusal to start; otherwise mismatches are logged and capture
// proceeds.
func verifyStoredSchemas(root string, strict bool) int {
	checked, bad, err := sweepSchemas(root, schemaSampleLimit)
	if err != nil {
		logging.Error().Err(err).Str("root", root).
			Msg("CORE: Schema sweep could not read the data root")
		return ExitFileAccess
	}
	if len(bad) == 0 {
		logging.Info().Int("checked", checked).Msg("CORE: Stored partitions match the current schema")
		return ExitOK
	}
	if strict {
		logging.Error().Int("mismatched", len(bad)).Str("first", bad[0]).
			Msg("CORE: Stored partitions do not match the current schema; migrate or move them before starting")
		return ExitSchema
	}
	logging.Warn().Int("mismatched", len(bad)).Str("first", bad[0]).
		Msg("CORE: Stored partitions do not match the current schema")
	return ExitOK
}

// sweepSchemas walks the partition tree and validates the first record
// of each file, up to the limit. One record per file keeps the sweep
// proportional to the partition count rather than the stored volume.
// Internal directories (underscore-prefixed) are skipped. A missing
// root is a first boot, not an error.
func sweepSchemas(root string, limit int) (checked int, bad []string, err error) {
	if _, statErr := os.Stat(root); os.IsNotExist(statErr) {
		return 0, nil, nil
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), "_") {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".jsonl.gz") {
			return nil
		}
		checked++
		if !firstRecordValid(path) {
			bad = append(bad, path)
		}
		if checked >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return checked, bad, err
}

// firstRecordValid reports whether the first non-empty line of the
// partition file parses and validates as a market event. A file with no
// readable record makes no schema claim and passes.
func firstRecordValid(path string) bool {
	f, err := os.Open(path) //nolint:gosec // G304: paths come from walking the data root
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			// An empty or header-truncated gzip carries no record.
			return true
		}
		defer func() { _ = gz.Close() }()
		src = gz
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e events.MarketEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return false
		}
		return e.Validate() == nil
	}
	return true
}

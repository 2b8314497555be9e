// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package replay re-publishes stored JSONL event files through a
// pipeline at full speed. It reads a single file or a whole data tree,
// decoding each line back into a market event; the events keep their
// stored sequences, so a destination with a fresh dedup ledger stores
// each exactly once.
package replay

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
)

const maxLineBytes = 1 << 20

// Result counts one replay run. Failed counts lines that did not
// decode, validate, or republish; a destination with live dedup state
// suppresses records it has already seen, and those land here too.
type Result struct {
	Files  int
	Events int
	Failed int
}

// Publisher accepts replayed events. *pipeline.Pipeline satisfies it.
type Publisher interface {
	Publish(ctx context.Context, e *events.MarketEvent) error
}

// Replayer reads stored event files back into a publisher.
type Replayer struct {
	pub Publisher
}

// NewReplayer wires the replayer to its destination.
func NewReplayer(pub Publisher) (*Replayer, error) {
	if pub == nil {
		return nil, fmt.Errorf("replay: publisher must not be nil")
	}
	return &Replayer{pub: pub}, nil
}

// Replay republishes one stored file, or every event file under a
// directory tree. Operational directories under a data root (underscore
// prefixed, like _audit and _status) are left out of tree walks.
func (r *Replayer) Replay(ctx context.Context, path string) (Result, error) {
	var res Result

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("replay: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = eventFiles(path)
		if err != nil {
			return res, err
		}
		if len(files) == 0 {
			return res, fmt.Errorf("replay: no event files under %s", path)
		}
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.replayFile(ctx, file, &res); err != nil {
			return res, err
		}
	}

	logging.Info().
		Int("files", res.Files).
		Int("events", res.Events).
		Int("failed", res.Failed).
		Msg("REPLAY: Finished")
	return res, nil
}

// eventFiles collects .jsonl and .jsonl.gz files in walk order, which
// is deterministic because WalkDir visits entries lexically.
func eventFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), "_") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".jsonl") || strings.HasSuffix(d.Name(), ".jsonl.gz") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: walk %s: %w", root, err)
	}
	return files, nil
}

func (r *Replayer) replayFile(ctx context.Context, path string, res *Result) error {
	f, err := os.Open(path) //nolint:gosec // G304: replay paths come from the operator
	if err != nil {
		return fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			logging.Warn().Str("file", path).Err(err).Msg("REPLAY: Unreadable gzip file, skipped")
			return nil
		}
		defer func() { _ = gz.Close() }()
		src = gz
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	fileEvents, fileFailed := 0, 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var e events.MarketEvent
		if err := json.Unmarshal(line, &e); err != nil {
			fileFailed++
			continue
		}
		if err := e.Validate(); err != nil {
			fileFailed++
			continue
		}
		if err := r.pub.Publish(ctx, &e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fileFailed++
			continue
		}
		fileEvents++
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A crash-truncated gzip file decodes up to its last flush.
			logging.Warn().Str("file", path).Msg("REPLAY: Truncated tail, replayed what decoded")
		} else {
			return fmt.Errorf("replay: read %s: %w", path, err)
		}
	}

	res.Files++
	res.Events += fileEvents
	res.Failed += fileFailed
	logging.Debug().
		Str("file", path).
		Int("events", fileEvents).
		Int("failed", fileFailed).
		Msg("REPLAY: File replayed")
	return nil
}

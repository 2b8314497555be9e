// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package dedup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/logging"
)

// ledgerFileName is the append-only identity journal inside the dedup
// directory.
const ledgerFileName = "dedup-ledger.jsonl"

// ledgerEntry is one journal line.
type ledgerEntry struct {
	Key           string `json:"key"`
	CreatedUnixNS int64  `json:"created_unix_ns"`
}

// ledger is the durable journal behind the in-memory identity maps.
// All file I/O serializes on one mutex.
type ledger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

func openLedger(dir string) (*ledger, error) {
	path := filepath.Join(dir, ledgerFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		return nil, fmt.Errorf("open dedup ledger: %w", err)
	}
	return &ledger{
		path: path,
		file: f,
		buf:  bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// load replays the journal, invoking fn per entry. A malformed line
// ends the replay: it is either a torn final line from a crash, which
// has no successors, or damage that makes the remainder untrustworthy.
func (l *ledger) load(fn func(key string, created int64)) (loaded, malformed int, err error) {
	f, err := os.Open(l.path) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read dedup ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ledgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			malformed++
			logging.Warn().
				Err(err).
				Int("line", loaded+malformed).
				Msg("DEDUP: Malformed ledger line, stopping replay")
			return loaded, malformed, nil
		}
		fn(entry.Key, entry.CreatedUnixNS)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, malformed, fmt.Errorf("scan dedup ledger: %w", err)
	}
	return loaded, malformed, nil
}

// append journals one identity. The write is buffered; Flush makes it
// durable.
func (l *ledger) append(key string, created int64) error {
	data, err := json.Marshal(ledgerEntry{Key: key, CreatedUnixNS: created})
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("dedup ledger is closed")
	}
	if _, err := l.buf.Write(data); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l *ledger) flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("dedup ledger is closed")
	}
	return l.flushLocked()
}

func (l *ledger) flushLocked() error {
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("flush dedup ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync dedup ledger: %w", err)
	}
	return nil
}

// rewrite atomically replaces the journal with entries, dropping
// everything else. The append handle is reopened on the new file.
func (l *ledger) rewrite(entries []ledgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("dedup ledger is closed")
	}

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close dedup ledger: %w", err)
	}

	tmpPath := l.path + ".tmp"
	if err := writeLedgerFile(tmpPath, entries); err != nil {
		return l.reopen(err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return l.reopen(fmt.Errorf("replace dedup ledger: %w", err))
	}
	return l.reopen(nil)
}

// reopen restores the append handle after a rewrite, preserving cause
// when the rewrite itself failed.
func (l *ledger) reopen(cause error) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		if cause != nil {
			return fmt.Errorf("reopen dedup ledger after failed rewrite (%v): %w", cause, err)
		}
		return fmt.Errorf("reopen dedup ledger: %w", err)
	}
	l.file = f
	l.buf = bufio.NewWriterSize(f, 64*1024)
	return cause
}

func writeLedgerFile(path string, entries []ledgerEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: path is built from validated config
	if err != nil {
		return fmt.Errorf("create compacted ledger: %w", err)
	}
	buf := bufio.NewWriterSize(f, 64*1024)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("encode ledger entry: %w", err)
		}
		if _, err := buf.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("write compacted ledger: %w", err)
		}
		if err := buf.WriteByte('\n'); err != nil {
			_ = f.Close()
			return fmt.Errorf("write compacted ledger: %w", err)
		}
	}
	if err := buf.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush compacted ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync compacted ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close compacted ledger: %w", err)
	}
	return nil
}

// Close flushes and closes the journal. It is idempotent.
func (l *ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	if err := l.buf.Flush(); err != nil {
		firstErr = fmt.Errorf("flush dedup ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync dedup ledger: %w", err)
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close dedup ledger: %w", err)
	}
	return firstErr
}

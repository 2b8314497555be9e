// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package dedup suppresses events already captured within a TTL
// window. Identities live in sharded in-memory maps backed by an
// append-only JSONL ledger, so suppression survives restarts without
// rescanning the event store.
package dedup

import (
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// Config holds deduplication settings.
type Config struct {
	// Dir is the directory holding the dedup ledger.
	Dir string

	// TTL is how long an identity suppresses duplicates. An event whose
	// identity was last seen more than TTL ago is treated as new.
	TTL time.Duration

	// Shards is the number of map shards. More shards reduce lock
	// contention under concurrent publishers.
	Shards int

	// CompactInterval is how often the background compactor rewrites
	// the ledger, dropping expired identities.
	CompactInterval time.Duration
}

// DefaultConfig returns production dedup defaults. Dir must be set by
// the caller.
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		Shards:          16,
		CompactInterval: time.Hour,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return &ConfigError{Field: "Dir", Message: "ledger directory is required"}
	}
	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be positive"}
	}
	if c.Shards < 1 {
		return &ConfigError{Field: "Shards", Message: "must be at least 1"}
	}
	if c.CompactInterval <= 0 {
		return &ConfigError{Field: "CompactInterval", Message: "must be positive"}
	}
	return nil
}

// ConfigError describes an invalid dedup configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "dedup config error: " + e.Field + ": " + e.Message
}

// Stats is a point-in-time snapshot of deduplication state.
type Stats struct {
	// Keys is the number of identities currently tracked.
	Keys int

	// Suppressed counts events rejected as duplicates.
	Suppressed int64

	// Admitted counts events that passed as new.
	Admitted int64

	// Expired counts identities dropped after their TTL.
	Expired int64

	// LastCompaction is when the ledger was last rewritten.
	LastCompaction time.Time
}

type shard struct {
	mu   sync.RWMutex
	keys map[string]int64
}

// Deduper answers whether an event's identity has been seen within the
// TTL. IsDuplicate is safe for concurrent use; map lookups take only a
// shard lock while ledger appends serialize on a file lock.
type Deduper struct {
	cfg    Config
	shards []*shard

	ledger *ledger

	suppressed atomic.Int64
	admitted   atomic.Int64
	expired    atomic.Int64

	compactMu      sync.Mutex
	lastCompaction atomic.Int64

	closed atomic.Bool
}

// New loads the ledger from cfg.Dir, discarding expired identities,
// and returns a Deduper ready for lookups.
func New(cfg Config) (*Deduper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dedup directory: %w", err)
	}

	d := &Deduper{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
	}
	for i := range d.shards {
		d.shards[i] = &shard{keys: make(map[string]int64)}
	}

	led, err := openLedger(cfg.Dir)
	if err != nil {
		return nil, err
	}
	d.ledger = led

	cutoff := time.Now().Add(-cfg.TTL).UnixNano()
	loaded, skipped, err := led.load(func(key string, created int64) {
		if created < cutoff {
			return
		}
		s := d.shardFor(key)
		if existing, ok := s.keys[key]; !ok || created > existing {
			s.keys[key] = created
		}
	})
	if err != nil {
		_ = led.Close()
		return nil, err
	}

	metrics.UpdateDedupLedgerSize(int64(d.keyCount()))
	logging.Info().
		Str("dir", cfg.Dir).
		Int("loaded", loaded).
		Int("skipped", skipped).
		Dur("ttl", cfg.TTL).
		Msg("DEDUP: Ledger loaded")
	return d, nil
}

func (d *Deduper) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return d.shards[int(h.Sum32())%len(d.shards)]
}

// IsDuplicate reports whether e's identity was admitted within the
// TTL. A negative answer registers the identity, so the first caller
// wins and every later equal event within the TTL is suppressed.
func (d *Deduper) IsDuplicate(e *events.MarketEvent) bool {
	key := Key(e)
	now := time.Now().UnixNano()
	cutoff := now - d.cfg.TTL.Nanoseconds()
	s := d.shardFor(key)

	s.mu.RLock()
	created, ok := s.keys[key]
	s.mu.RUnlock()
	if ok && created >= cutoff {
		d.suppressed.Add(1)
		metrics.RecordDedupSuppressed()
		return true
	}

	s.mu.Lock()
	created, ok = s.keys[key]
	if ok && created >= cutoff {
		s.mu.Unlock()
		d.suppressed.Add(1)
		metrics.RecordDedupSuppressed()
		return true
	}
	if ok {
		// Seen, but outside the TTL. The identity is re-armed rather
		// than suppressed.
		d.expired.Add(1)
	}
	s.keys[key] = now
	s.mu.Unlock()

	d.admitted.Add(1)
	if err := d.ledger.append(key, now); err != nil {
		// The in-memory registration stands; only restart continuity
		// is degraded.
		logging.Warn().Err(err).Msg("DEDUP: Ledger append failed")
	}
	return false
}

// Flush forces buffered ledger appends to disk.
func (d *Deduper) Flush() error {
	return d.ledger.flush()
}

// Compact rewrites the ledger to only the identities still inside the
// TTL and evicts expired identities from memory. It returns the number
// of identities dropped.
func (d *Deduper) Compact() (int, error) {
	d.compactMu.Lock()
	defer d.compactMu.Unlock()
	if d.closed.Load() {
		return 0, fmt.Errorf("deduper is closed")
	}

	start := time.Now()
	cutoff := start.Add(-d.cfg.TTL).UnixNano()

	var (
		kept    []ledgerEntry
		dropped int
	)
	for _, s := range d.shards {
		s.mu.Lock()
		for key, created := range s.keys {
			if created < cutoff {
				delete(s.keys, key)
				dropped++
				continue
			}
			kept = append(kept, ledgerEntry{Key: key, CreatedUnixNS: created})
		}
		s.mu.Unlock()
	}

	if err := d.ledger.rewrite(kept); err != nil {
		return dropped, err
	}

	d.expired.Add(int64(dropped))
	d.lastCompaction.Store(start.UnixNano())
	metrics.RecordDedupCompaction(dropped)
	metrics.UpdateDedupLedgerSize(int64(len(kept)))
	logging.Debug().
		Int("kept", len(kept)).
		Int("expired", dropped).
		Dur("elapsed", time.Since(start)).
		Msg("DEDUP: Ledger compacted")
	return dropped, nil
}

func (d *Deduper) keyCount() int {
	total := 0
	for _, s := range d.shards {
		s.mu.RLock()
		total += len(s.keys)
		s.mu.RUnlock()
	}
	return total
}

// Stats returns a snapshot of deduplication counters.
func (d *Deduper) Stats() Stats {
	st := Stats{
		Keys:       d.keyCount(),
		Suppressed: d.suppressed.Load(),
		Admitted:   d.admitted.Load(),
		Expired:    d.expired.Load(),
	}
	if ns := d.lastCompaction.Load(); ns > 0 {
		st.LastCompaction = time.Unix(0, ns)
	}
	return st
}

// Close flushes and closes the ledger. It is idempotent.
func (d *Deduper) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if err := d.ledger.Close(); err != nil {
		return fmt.Errorf("close dedup ledger: %w", err)
	}
	logging.Debug().
		Int64("admitted", d.admitted.Load()).
		Int64("suppressed", d.suppressed.Load()).
		Msg("DEDUP: Closed")
	return nil
}

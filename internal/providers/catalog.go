// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/logging"
)

// CatalogConfig configures the on-disk instrument catalog cache.
type CatalogConfig struct {
	Path string        `koanf:"path"`
	TTL  time.Duration `koanf:"ttl"`
}

// DefaultCatalogConfig returns production catalog settings. Path must be
// filled in by the caller.
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{TTL: 24 * time.Hour}
}

// Validate checks the configuration for correctness.
func (c *CatalogConfig) Validate() error {
	if c.Path == "" {
		return &ConfigError{Field: "Path", Message: "must not be empty"}
	}
	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be positive"}
	}
	return nil
}

// CatalogCache persists symbol search results and the instruments they
// returned in BadgerDB with a TTL, so repeated lookups skip the upstream
// and asset class routing keeps working across restarts. Entries expire
// rather than being invalidated; listing data drifts slowly enough that
// a stale day is acceptable.
type CatalogCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewCatalogCache opens the cache database at cfg.Path.
func NewCatalogCache(cfg CatalogConfig) (*CatalogCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil // Suppress BadgerDB logs
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog cache: %w", err)
	}
	return &CatalogCache{db: db, ttl: cfg.TTL}, nil
}

// Close closes the underlying database.
func (c *CatalogCache) Close() error {
	return c.db.Close()
}

func searchKey(provider, query string) []byte {
	return []byte("search/" + provider + "/" + strings.ToLower(strings.TrimSpace(query)))
}

func instrumentKey(symbol string) []byte {
	return []byte("instrument/" + strings.ToUpper(symbol))
}

// GetSearch returns cached results for a provider and query. A missing or
// expired entry is a miss, as is an undecodable one.
func (c *CatalogCache) GetSearch(provider, query string) ([]Instrument, bool) {
	var results []Instrument
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(searchKey(provider, query))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &results)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().
				Str("provider", provider).
				Str("query", query).
				Err(err).
				Msg("CATALOG: Search cache read failed")
		}
		return nil, false
	}
	return results, true
}

// PutSearch caches search results and indexes every returned instrument
// by symbol so AssetClass can answer without another upstream call.
func (c *CatalogCache) PutSearch(provider, query string, results []Instrument) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode search results: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(searchKey(provider, query), data).WithTTL(c.ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		for _, inst := range results {
			if inst.Symbol == "" {
				continue
			}
			encoded, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("encode instrument %s: %w", inst.Symbol, err)
			}
			entry := badger.NewEntry(instrumentKey(inst.Symbol), encoded).WithTTL(c.ttl)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Instrument returns the cached instrument record for a symbol.
func (c *CatalogCache) Instrument(symbol string) (Instrument, bool) {
	var inst Instrument
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instrumentKey(symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &inst)
		})
	})
	if err != nil {
		return Instrument{}, false
	}
	return inst, true
}

// AssetClass resolves a symbol's asset class from the cache, empty when
// unknown. The signature matches the sink's resolver hook, which falls
// back to its default class on empty.
func (c *CatalogCache) AssetClass(symbol string) string {
	inst, ok := c.Instrument(symbol)
	if !ok {
		return ""
	}
	return inst.AssetClass
}

// CachedSearchProvider wraps a SymbolSearchProvider with read-through
// caching. A cache write failure degrades to uncached results.
type CachedSearchProvider struct {
	upstream SymbolSearchProvider
	cache    *CatalogCache
}

// NewCachedSearchProvider wraps upstream with the cache.
func NewCachedSearchProvider(upstream SymbolSearchProvider, cache *CatalogCache) *CachedSearchProvider {
	return &CachedSearchProvider{upstream: upstream, cache: cache}
}

// Name returns the upstream provider name.
func (p *CachedSearchProvider) Name() string { return p.upstream.Name() }

// Search consults the cache before the upstream.
func (p *CachedSearchProvider) Search(ctx context.Context, query string) ([]Instrument, error) {
	if results, ok := p.cache.GetSearch(p.upstream.Name(), query); ok {
		return results, nil
	}
	results, err := p.upstream.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := p.cache.PutSearch(p.upstream.Name(), query, results); err != nil {
		logging.Warn().
			Str("provider", p.upstream.Name()).
			Str("query", query).
			Err(err).
			Msg("CATALOG: Failed to cache search results")
	}
	return results, nil
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the provider maps: streaming factories by transport
// kind, historical providers and symbol search providers by name. It is
// populated during startup and read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	streaming  map[DataSourceKind]StreamingClientFactory
	historical map[string]HistoricalProvider
	search     map[string]SymbolSearchProvider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		streaming:  make(map[DataSourceKind]StreamingClientFactory),
		historical: make(map[string]HistoricalProvider),
		search:     make(map[string]SymbolSearchProvider),
	}
}

// RegisterStreaming installs a factory for a transport kind.
func (r *Registry) RegisterStreaming(kind DataSourceKind, f StreamingClientFactory) error {
	if f == nil {
		return fmt.Errorf("nil streaming factory for kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streaming[kind]; exists {
		return fmt.Errorf("streaming factory for kind %q already registered", kind)
	}
	r.streaming[kind] = f
	return nil
}

// RegisterHistorical installs a historical provider under its own name.
func (r *Registry) RegisterHistorical(p HistoricalProvider) error {
	if p == nil {
		return fmt.Errorf("nil historical provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.historical[p.Name()]; exists {
		return fmt.Errorf("historical provider %q already registered", p.Name())
	}
	r.historical[p.Name()] = p
	return nil
}

// RegisterSearch installs a symbol search provider under its own name.
func (r *Registry) RegisterSearch(p SymbolSearchProvider) error {
	if p == nil {
		return fmt.Errorf("nil search provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.search[p.Name()]; exists {
		return fmt.Errorf("search provider %q already registered", p.Name())
	}
	r.search[p.Name()] = p
	return nil
}

// Streaming returns the factory for a transport kind.
func (r *Registry) Streaming(kind DataSourceKind) (StreamingClientFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.streaming[kind]
	if !ok {
		return nil, fmt.Errorf("no streaming factory registered for kind %q", kind)
	}
	return f, nil
}

// Historical returns the named historical provider.
func (r *Registry) Historical(name string) (HistoricalProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.historical[name]
	return p, ok
}

// Search returns the named symbol search provider.
func (r *Registry) Search(name string) (SymbolSearchProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.search[name]
	return p, ok
}

// HistoricalByPriority returns the enabled historical providers sorted by
// ascending priority, names breaking ties. This is the default backfill
// rotation order.
func (r *Registry) HistoricalByPriority() []HistoricalProvider {
	r.mu.RLock()
	out := make([]HistoricalProvider, 0, len(r.historical))
	for _, p := range r.historical {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

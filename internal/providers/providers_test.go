// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/tabularium/internal/collectors"
)

// recordingSink captures every update delivered by a streaming client.
// Clients deliver from their own goroutines, so all access is locked.
type recordingSink struct {
	mu        sync.Mutex
	trades    []recordedTrade
	quotes    []recordedQuote
	snapshots []recordedSnapshot
	depths    []recordedDepth
	resets    []string
}

type recordedTrade struct {
	symbol string
	update collectors.TradeUpdate
}

type recordedQuote struct {
	symbol string
	update collectors.QuoteUpdate
}

type recordedSnapshot struct {
	symbol string
	update collectors.DepthSnapshot
}

type recordedDepth struct {
	symbol string
	update collectors.DepthUpdate
}

func (s *recordingSink) OnTrade(symbol string, u collectors.TradeUpdate) {
	s.mu.Lock()
	s.trades = append(s.trades, recordedTrade{symbol, u})
	s.mu.Unlock()
}

func (s *recordingSink) OnQuote(symbol string, u collectors.QuoteUpdate) {
	s.mu.Lock()
	s.quotes = append(s.quotes, recordedQuote{symbol, u})
	s.mu.Unlock()
}

func (s *recordingSink) OnDepthSnapshot(symbol string, u collectors.DepthSnapshot) {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, recordedSnapshot{symbol, u})
	s.mu.Unlock()
}

func (s *recordingSink) OnDepth(symbol string, u collectors.DepthUpdate) {
	s.mu.Lock()
	s.depths = append(s.depths, recordedDepth{symbol, u})
	s.mu.Unlock()
}

func (s *recordingSink) OnStreamReset(reason string) {
	s.mu.Lock()
	s.resets = append(s.resets, reason)
	s.mu.Unlock()
}

func (s *recordingSink) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func (s *recordingSink) quoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quotes)
}

func (s *recordingSink) depthCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.depths)
}

func (s *recordingSink) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// recordingHealth captures health reports from streaming clients.
type recordingHealth struct {
	mu     sync.Mutex
	events []HealthEvent
}

func (h *recordingHealth) ReportHealth(ev HealthEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordingHealth) states() []HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthState, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.State
	}
	return out
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

type fakeHistorical struct {
	name     string
	priority int
	enabled  bool
	bars     []BarRecord
	err      error
}

func (f *fakeHistorical) Name() string   { return f.name }
func (f *fakeHistorical) Priority() int  { return f.priority }
func (f *fakeHistorical) Enabled() bool  { return f.enabled }
func (f *fakeHistorical) FetchBars(_ context.Context, _ string, _ time.Time) ([]BarRecord, error) {
	return f.bars, f.err
}

type fakeSearch struct {
	name    string
	results []Instrument
	err     error
	calls   int
}

func (f *fakeSearch) Name() string { return f.name }
func (f *fakeSearch) Search(_ context.Context, _ string) ([]Instrument, error) {
	f.calls++
	return f.results, f.err
}

func TestCapabilitySet_Has(t *testing.T) {
	var nilSet CapabilitySet
	if nilSet.Has(CapTrades) {
		t.Error("nil set should not have trades")
	}

	set := CapabilitySet{CapTrades: true, CapDepth: false}
	if !set.Has(CapTrades) {
		t.Error("expected trades capability")
	}
	if set.Has(CapDepth) {
		t.Error("explicit false should not count as capability")
	}
	if set.Has(CapQuotes) {
		t.Error("absent capability should not count")
	}
}

func TestRegistry_Streaming(t *testing.T) {
	r := NewRegistry()

	factory := SimulatedFactory(DefaultSimulatedConfig())
	if err := r.RegisterStreaming(KindSimulated, factory); err != nil {
		t.Fatalf("RegisterStreaming failed: %v", err)
	}

	got, err := r.Streaming(KindSimulated)
	if err != nil {
		t.Fatalf("Streaming failed: %v", err)
	}
	client, err := got(&recordingSink{}, nil)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if client.Name() != "simulated" {
		t.Errorf("expected client name simulated, got %s", client.Name())
	}
}

func TestRegistry_StreamingErrors(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterStreaming(KindSimulated, nil)
	if err == nil || err.Error() != `nil streaming factory for kind "simulated"` {
		t.Errorf("unexpected nil factory error: %v", err)
	}

	factory := SimulatedFactory(DefaultSimulatedConfig())
	if err := r.RegisterStreaming(KindSimulated, factory); err != nil {
		t.Fatalf("RegisterStreaming failed: %v", err)
	}
	err = r.RegisterStreaming(KindSimulated, factory)
	if err == nil || err.Error() != `streaming factory for kind "simulated" already registered` {
		t.Errorf("unexpected duplicate error: %v", err)
	}

	_, err = r.Streaming(KindWebsocket)
	if err == nil || err.Error() != `no streaming factory registered for kind "websocket"` {
		t.Errorf("unexpected missing kind error: %v", err)
	}
}

func TestRegistry_HistoricalByPriority(t *testing.T) {
	r := NewRegistry()
	for _, p := range []*fakeHistorical{
		{name: "gamma", priority: 2, enabled: true},
		{name: "beta", priority: 1, enabled: true},
		{name: "disabled", priority: 0, enabled: false},
		{name: "alpha", priority: 1, enabled: true},
	} {
		if err := r.RegisterHistorical(p); err != nil {
			t.Fatalf("RegisterHistorical(%s) failed: %v", p.name, err)
		}
	}

	ordered := r.HistoricalByPriority()
	got := make([]string, len(ordered))
	for i, p := range ordered {
		got[i] = p.Name()
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("expected %d providers, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRegistry_HistoricalLookup(t *testing.T) {
	r := NewRegistry()
	p := &fakeHistorical{name: "alpaca", enabled: true}
	if err := r.RegisterHistorical(p); err != nil {
		t.Fatalf("RegisterHistorical failed: %v", err)
	}

	if _, ok := r.Historical("alpaca"); !ok {
		t.Error("expected to find registered provider")
	}
	if _, ok := r.Historical("unknown"); ok {
		t.Error("did not expect to find unregistered provider")
	}

	err := r.RegisterHistorical(p)
	if err == nil || err.Error() != `historical provider "alpaca" already registered` {
		t.Errorf("unexpected duplicate error: %v", err)
	}
}

func TestRegistry_Search(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterSearch(&fakeSearch{name: "catalog"}); err != nil {
		t.Fatalf("RegisterSearch failed: %v", err)
	}
	if _, ok := r.Search("catalog"); !ok {
		t.Error("expected to find registered search provider")
	}
	if _, ok := r.Search("none"); ok {
		t.Error("did not expect to find unregistered search provider")
	}
}

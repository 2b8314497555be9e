// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package replay

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/events"
)

type capturePub struct {
	mu      sync.Mutex
	events  []*events.MarketEvent
	failSym string
}

func (p *capturePub) Publish(_ context.Context, e *events.MarketEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSym != "" && e.Symbol == p.failSym {
		return errors.New("destination rejected event")
	}
	p.events = append(p.events, e)
	return nil
}

func (p *capturePub) published() []*events.MarketEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*events.MarketEvent(nil), p.events...)
}

func mkTrade(symbol string, seq uint64, ts time.Time) *events.MarketEvent {
	e := events.New("test", symbol, ts, &events.TradePayload{Price: 100.5, Size: 10, Aggressor: events.AggressorBuy})
	e.Sequence = seq
	return e
}

func mkQuote(symbol string, seq uint64, ts time.Time) *events.MarketEvent {
	e := events.New("test", symbol, ts, &events.BboQuotePayload{
		BidPrice: 99.9, BidSize: 5, AskPrice: 100.0, AskSize: 7, MidPrice: 99.95, Spread: 0.1,
	})
	e.Sequence = seq
	return e
}

func writeEvents(t *testing.T, path string, compress bool, evs ...*events.MarketEvent) {
	t.Helper()
	var buf bytes.Buffer
	for _, e := range evs {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	out := buf.Bytes()
	if compress {
		var gzBuf bytes.Buffer
		gz := gzip.NewWriter(&gzBuf)
		if _, err := gz.Write(out); err != nil {
			t.Fatalf("gzip write: %v", err)
		}
		if err := gz.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
		out = gzBuf.Bytes()
	}
	if err := os.WriteFile(path, out, 0o640); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestReplayer(t *testing.T) (*Replayer, *capturePub) {
	t.Helper()
	pub := &capturePub{}
	r, err := NewReplayer(pub)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	return r, pub
}

func TestReplaySingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	// Three valid records, then a corrupt line, a blank line, and one
	// more valid record.
	var buf bytes.Buffer
	for i, e := range []*events.MarketEvent{
		mkTrade("AAPL", 11, ts),
		mkTrade("AAPL", 12, ts.Add(time.Second)),
		mkTrade("AAPL", 13, ts.Add(2*time.Second)),
	} {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	buf.WriteString("{oops\n\n")
	data, err := json.Marshal(mkTrade("AAPL", 14, ts.Add(3*time.Second)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	buf.Write(data)
	buf.WriteByte('\n')
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, pub := newTestReplayer(t)
	res, err := r.Replay(context.Background(), path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Files != 1 || res.Events != 4 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 file, 4 events, 1 failed", res)
	}

	got := pub.published()
	if len(got) != 4 {
		t.Fatalf("published %d events, want 4", len(got))
	}
	wantSeq := []uint64{11, 12, 13, 14}
	for i, e := range got {
		if e.Sequence != wantSeq[i] {
			t.Errorf("event[%d] sequence = %d, want %d", i, e.Sequence, wantSeq[i])
		}
		if e.Source != "test" || e.Type != events.TypeTrade {
			t.Errorf("event[%d] identity lost: source=%s type=%s", i, e.Source, e.Type)
		}
	}
}

func TestReplayGzipFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl.gz")
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	writeEvents(t, path, true, mkTrade("SPY", 1, ts), mkTrade("SPY", 2, ts.Add(time.Minute)))

	r, pub := newTestReplayer(t)
	res, err := r.Replay(context.Background(), path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Files != 1 || res.Events != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(pub.published()) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.published()))
	}
}

func TestReplayTreeSkipsOperationalDirs(t *testing.T) {
	root := t.TempDir()
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	writeEvents(t, filepath.Join(root, "AAPL", "trade", "2026-03-02.jsonl"), false,
		mkTrade("AAPL", 1, ts), mkTrade("AAPL", 2, ts.Add(time.Second)))
	writeEvents(t, filepath.Join(root, "MSFT", "bboquote", "2026-03-02.jsonl"), false,
		mkQuote("MSFT", 3, ts))

	// Operational artifacts under the data root are not event files.
	if err := os.MkdirAll(filepath.Join(root, "_audit"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "_audit", "dropped_events.jsonl"), []byte("{\"reason\":\"queue_full\"}\n"), 0o640); err != nil {
		t.Fatalf("write audit: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "_status"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "_status", "status.json"), []byte("{}\n"), 0o640); err != nil {
		t.Fatalf("write status: %v", err)
	}

	r, pub := newTestReplayer(t)
	res, err := r.Replay(context.Background(), root)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Files != 2 || res.Events != 3 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 2 files, 3 events, 0 failed", res)
	}

	for _, e := range pub.published() {
		if e.Symbol != "AAPL" && e.Symbol != "MSFT" {
			t.Errorf("unexpected symbol %s replayed", e.Symbol)
		}
	}
}

func TestReplayTruncatedGzipTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl.gz")
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	line, err := json.Marshal(mkTrade("AAPL", 7, ts))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Flush emits a sync block; skipping Close leaves no footer, like a
	// crash mid-write.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(append(line, '\n')); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Flush(); err != nil {
		t.Fatalf("gzip flush: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, pub := newTestReplayer(t)
	res, err := r.Replay(context.Background(), path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Files != 1 || res.Events != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want the flushed record replayed", res)
	}
	if got := pub.published(); len(got) != 1 || got[0].Sequence != 7 {
		t.Fatalf("published = %d events", len(got))
	}
}

func TestReplayCountsRejectedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.jsonl")
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	writeEvents(t, path, false,
		mkTrade("AAPL", 1, ts),
		mkTrade("BAD", 2, ts.Add(time.Second)),
		mkTrade("AAPL", 3, ts.Add(2*time.Second)),
	)

	pub := &capturePub{failSym: "BAD"}
	r, err := NewReplayer(pub)
	if err != nil {
		t.Fatalf("NewReplayer: %v", err)
	}
	res, err := r.Replay(context.Background(), path)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Events != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 2 events and 1 failed", res)
	}
}

func TestReplayMissingPath(t *testing.T) {
	r, _ := newTestReplayer(t)
	_, err := r.Replay(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("error = %v, want not-exist", err)
	}
}

func TestReplayEmptyTree(t *testing.T) {
	r, _ := newTestReplayer(t)
	_, err := r.Replay(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("empty tree accepted")
	}
}

func TestReplayCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	writeEvents(t, path, false, mkTrade("AAPL", 1, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, pub := newTestReplayer(t)
	if _, err := r.Replay(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("Replay = %v, want context.Canceled", err)
	}
	if len(pub.published()) != 0 {
		t.Error("cancelled replay still published")
	}
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"
)

func testWSConfig(serverURL string) WSConfig {
	cfg := DefaultWSConfig()
	cfg.Name = "wstest"
	cfg.URL = "ws" + strings.TrimPrefix(serverURL, "http")
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func wsWriteJSON(t *testing.T, conn *gorillaws.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal frame: %v", err)
		return
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Logf("write frame: %v", err)
	}
}

func TestWSConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*WSConfig)
		wantErr string
	}{
		{"valid", func(c *WSConfig) {}, ""},
		{"missing name", func(c *WSConfig) { c.Name = "" }, "providers config error: Name: must not be empty"},
		{"missing url", func(c *WSConfig) { c.URL = "" }, "providers config error: URL: must not be empty"},
		{"zero pong wait", func(c *WSConfig) { c.PongWait = 0 }, "providers config error: PongWait: must be positive"},
		{"max below min", func(c *WSConfig) { c.ReconnectMax = c.ReconnectMin / 2 }, "providers config error: ReconnectMax: must be at least ReconnectMin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultWSConfig()
			cfg.Name = "wstest"
			cfg.URL = "ws://example.test/feed"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWS_SubscribeAndReceive(t *testing.T) {
	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	upgrader := gorillaws.Upgrader{}
	subFrames := make(chan wsSubscribeFrame, 16)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f wsSubscribeFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			subFrames <- f
		}

		wsWriteJSON(t, conn, wsFrame{Type: "trade", Symbol: "SPY", Ts: ts, Price: 500.25, Size: 100, Aggressor: "buy", TradeID: "T1", Venue: "NSDQ"})
		wsWriteJSON(t, conn, wsFrame{Type: "quote", Symbol: "SPY", Ts: ts, BidPrice: 500.20, BidSize: 300, AskPrice: 500.30, AskSize: 200, Venue: "NSDQ"})
		wsWriteJSON(t, conn, wsFrame{
			Type: "depth_snapshot", Symbol: "SPY", Ts: ts, Sequence: 7,
			Bids: []wsLevel{{Price: 500.20, Size: 300}},
			Asks: []wsLevel{{Price: 500.30, Size: 200}},
		})
		wsWriteJSON(t, conn, wsFrame{Type: "depth", Symbol: "SPY", Ts: ts, Position: 1, Level: 0, Side: "bid", Op: "update", Price: 500.20, Size: 150})
		wsWriteJSON(t, conn, wsFrame{Type: "heartbeat"})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &recordingSink{}
	client, err := NewWSClient(testWSConfig(server.URL), sink, nil)
	if err != nil {
		t.Fatalf("NewWSClient failed: %v", err)
	}
	subs := []Subscription{{Capability: CapTrades}, {Capability: CapQuotes}, {Capability: CapDepth, Levels: 4}}
	if err := client.Subscribe("SPY", subs); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Disconnect() }()

	waitFor(t, 5*time.Second, func() bool {
		return sink.tradeCount() >= 1 && sink.quoteCount() >= 1 &&
			sink.snapshotCount() >= 1 && sink.depthCount() >= 1
	})

	seen := map[string]wsSubscribeFrame{}
	for i := 0; i < 3; i++ {
		select {
		case f := <-subFrames:
			seen[f.Channel] = f
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscribe frames")
		}
	}
	for _, channel := range []string{"trades", "quotes", "depth"} {
		f, ok := seen[channel]
		if !ok {
			t.Fatalf("missing subscribe frame for channel %s", channel)
		}
		if f.Action != "subscribe" || f.Symbol != "SPY" {
			t.Errorf("bad subscribe frame: %+v", f)
		}
	}
	if seen["depth"].Levels != 4 {
		t.Errorf("expected depth levels 4, got %d", seen["depth"].Levels)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	trade := sink.trades[0]
	if trade.symbol != "SPY" || trade.update.Price != 500.25 || trade.update.Aggressor != "buy" || trade.update.Venue != "NSDQ" {
		t.Errorf("trade mapped incorrectly: %+v", trade)
	}
	if !trade.update.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, trade.update.Timestamp)
	}
	quote := sink.quotes[0]
	if quote.update.BidPrice != 500.20 || quote.update.AskSize != 200 {
		t.Errorf("quote mapped incorrectly: %+v", quote)
	}
	snap := sink.snapshots[0]
	if snap.update.SequenceNumber != 7 || len(snap.update.Bids) != 1 || snap.update.Bids[0].Price != 500.20 {
		t.Errorf("snapshot mapped incorrectly: %+v", snap)
	}
	depth := sink.depths[0]
	if depth.update.Position != 1 || depth.update.Side != "bid" || depth.update.Op != "update" || depth.update.Size != 150 {
		t.Errorf("delta mapped incorrectly: %+v", depth)
	}
}

func TestWS_ReconnectReplaysSubscriptions(t *testing.T) {
	upgrader := gorillaws.Upgrader{}
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if connections.Add(1) == 1 {
			// Drop the first session right after the subscribe frame.
			return
		}
		wsWriteJSON(t, conn, wsFrame{Type: "trade", Symbol: "SPY", Ts: time.Now(), Price: 42, Size: 1, TradeID: "T2"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &recordingSink{}
	client, err := NewWSClient(testWSConfig(server.URL), sink, nil)
	if err != nil {
		t.Fatalf("NewWSClient failed: %v", err)
	}
	if err := client.Subscribe("SPY", []Subscription{{Capability: CapTrades}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Disconnect() }()

	waitFor(t, 5*time.Second, func() bool { return sink.tradeCount() >= 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.resets) == 0 || sink.resets[0] != "websocket reconnect" {
		t.Errorf("expected a stream reset on reconnect, got %v", sink.resets)
	}
	if sink.trades[0].update.TradeID != "T2" {
		t.Errorf("expected the post-reconnect trade, got %+v", sink.trades[0])
	}
}

func TestWS_BadFrameTolerated(t *testing.T) {
	upgrader := gorillaws.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		_ = conn.WriteMessage(gorillaws.TextMessage, []byte("{not json"))
		wsWriteJSON(t, conn, wsFrame{Type: "trade", Symbol: "SPY", Ts: time.Now(), Price: 7, Size: 1, TradeID: "T3"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := &recordingSink{}
	client, err := NewWSClient(testWSConfig(server.URL), sink, nil)
	if err != nil {
		t.Fatalf("NewWSClient failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Disconnect() }()

	waitFor(t, 5*time.Second, func() bool { return sink.tradeCount() >= 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.trades[0].update.TradeID != "T3" {
		t.Errorf("expected the valid trade after the bad frame, got %+v", sink.trades[0])
	}
}

func TestWS_StaleFeedReportsAndReconnects(t *testing.T) {
	upgrader := gorillaws.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		// Swallow pings without the default pong reply so the client
		// read deadline expires.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testWSConfig(server.URL)
	cfg.PongWait = 100 * time.Millisecond

	health := &recordingHealth{}
	client, err := NewWSClient(cfg, &recordingSink{}, health)
	if err != nil {
		t.Fatalf("NewWSClient failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Disconnect() }()

	waitFor(t, 5*time.Second, func() bool {
		for _, state := range health.states() {
			if state == HealthStale {
				return true
			}
		}
		return false
	})
}

func TestWS_UnsupportedCapability(t *testing.T) {
	client, err := NewWSClient(testWSConfig("http://example.test"), &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("NewWSClient failed: %v", err)
	}
	if err := client.Subscribe("SPY", []Subscription{{Capability: Capability("news")}}); err == nil {
		t.Fatal("expected an error for unsupported capability")
	}
	if err := client.Subscribe("", nil); err == nil {
		t.Fatal("expected an error for empty symbol")
	}
}

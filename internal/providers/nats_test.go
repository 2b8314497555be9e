// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
)

func startNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready within timeout")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func natsPublish(t *testing.T, conn *natsgo.Conn, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.Publish(subject, data); err != nil {
		t.Fatalf("publish to %s: %v", subject, err)
	}
}

func testNATSClient(t *testing.T, ns *server.Server, sink UpdateSink) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "natsfeed"
	cfg.URL = ns.ClientURL()
	client, err := NewNATSClient(cfg, sink, nil)
	if err != nil {
		t.Fatalf("NewNATSClient failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestNATSConfigValidate(t *testing.T) {
	cfg := DefaultNATSConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}

	cfg.SubjectPrefix = ""
	err := cfg.Validate()
	if err == nil || err.Error() != "providers config error: SubjectPrefix: must not be empty" {
		t.Errorf("unexpected error: %v", err)
	}

	cfg = DefaultNATSConfig()
	cfg.MaxReconnects = -2
	err = cfg.Validate()
	if err == nil || err.Error() != "providers config error: MaxReconnects: must be -1 or greater" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNATS_SubscribeAndReceive(t *testing.T) {
	ns := startNATSServer(t)
	sink := &recordingSink{}
	client := testNATSClient(t, ns, sink)

	subs := []Subscription{{Capability: CapTrades}, {Capability: CapQuotes}, {Capability: CapDepth}}
	if err := client.Subscribe("SPY", subs); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	pub, err := natsgo.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	defer pub.Close()

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	natsPublish(t, pub, "md.SPY.trades", natsTrade{Ts: ts, Price: 500.25, Size: 100, Aggressor: "sell", TradeID: "N1", Venue: "ARCA"})
	natsPublish(t, pub, "md.SPY.quotes", natsQuote{Ts: ts, BidPrice: 500.20, BidSize: 300, AskPrice: 500.30, AskSize: 200, Venue: "ARCA"})
	natsPublish(t, pub, "md.SPY.depth", natsDepth{
		Kind: "snapshot", Ts: ts, Sequence: 3,
		Bids: []wsLevel{{Price: 500.20, Size: 300}},
		Asks: []wsLevel{{Price: 500.30, Size: 200}},
	})
	natsPublish(t, pub, "md.SPY.depth", natsDepth{Kind: "delta", Ts: ts, Position: 1, Level: 0, Side: "ask", Op: "update", Price: 500.30, Size: 250})
	if err := pub.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return sink.tradeCount() >= 1 && sink.quoteCount() >= 1 &&
			sink.snapshotCount() >= 1 && sink.depthCount() >= 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	trade := sink.trades[0]
	if trade.symbol != "SPY" || trade.update.Price != 500.25 || trade.update.Aggressor != "sell" {
		t.Errorf("trade mapped incorrectly: %+v", trade)
	}
	quote := sink.quotes[0]
	if quote.update.AskPrice != 500.30 || quote.update.BidSize != 300 {
		t.Errorf("quote mapped incorrectly: %+v", quote)
	}
	snap := sink.snapshots[0]
	if snap.update.SequenceNumber != 3 || len(snap.update.Asks) != 1 {
		t.Errorf("snapshot mapped incorrectly: %+v", snap)
	}
	depth := sink.depths[0]
	if depth.update.Side != "ask" || depth.update.Size != 250 {
		t.Errorf("delta mapped incorrectly: %+v", depth)
	}
}

func TestNATS_SymbolsAreIsolated(t *testing.T) {
	ns := startNATSServer(t)
	sink := &recordingSink{}
	client := testNATSClient(t, ns, sink)

	if err := client.Subscribe("SPY", []Subscription{{Capability: CapTrades}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	pub, err := natsgo.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	defer pub.Close()

	natsPublish(t, pub, "md.QQQ.trades", natsTrade{Ts: time.Now(), Price: 1, Size: 1})
	natsPublish(t, pub, "md.SPY.trades", natsTrade{Ts: time.Now(), Price: 2, Size: 1, TradeID: "mine"})
	if err := pub.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return sink.tradeCount() >= 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.trades) != 1 || sink.trades[0].update.TradeID != "mine" {
		t.Errorf("expected only the subscribed symbol's trade, got %+v", sink.trades)
	}
}

func TestNATS_UnknownDepthKindDropped(t *testing.T) {
	ns := startNATSServer(t)
	sink := &recordingSink{}
	client := testNATSClient(t, ns, sink)

	if err := client.Subscribe("SPY", []Subscription{{Capability: CapDepth}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	pub, err := natsgo.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	defer pub.Close()

	natsPublish(t, pub, "md.SPY.depth", natsDepth{Kind: "weird"})
	natsPublish(t, pub, "md.SPY.depth", natsDepth{
		Kind: "snapshot", Ts: time.Now(), Sequence: 1,
		Bids: []wsLevel{{Price: 10, Size: 1}},
		Asks: []wsLevel{{Price: 11, Size: 1}},
	})
	if err := pub.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return sink.snapshotCount() >= 1 })
	if got := sink.depthCount(); got != 0 {
		t.Errorf("unknown depth kind should be dropped, got %d deltas", got)
	}
}

func TestNATS_Unsubscribe(t *testing.T) {
	ns := startNATSServer(t)
	sink := &recordingSink{}
	client := testNATSClient(t, ns, sink)

	if err := client.Subscribe("SPY", []Subscription{{Capability: CapTrades}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	pub, err := natsgo.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("publisher connect failed: %v", err)
	}
	defer pub.Close()

	natsPublish(t, pub, "md.SPY.trades", natsTrade{Ts: time.Now(), Price: 1, Size: 1})
	if err := pub.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return sink.tradeCount() >= 1 })

	if err := client.Unsubscribe("SPY", nil); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	natsPublish(t, pub, "md.SPY.trades", natsTrade{Ts: time.Now(), Price: 2, Size: 1})
	if err := pub.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := sink.tradeCount(); got != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d trades", got)
	}
}

func TestNATS_SubscribeRequiresConnect(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Name = "natsfeed"
	client, err := NewNATSClient(cfg, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("NewNATSClient failed: %v", err)
	}
	err = client.Subscribe("SPY", []Subscription{{Capability: CapTrades}})
	if err == nil || err.Error() != `nats client "natsfeed" not connected` {
		t.Errorf("unexpected error: %v", err)
	}
}

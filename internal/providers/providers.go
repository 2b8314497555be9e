// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package providers connects external market-data vendors to the capture
// path. Streaming clients feed vendor updates into a collector set,
// historical providers serve backfill fetches, and search providers
// resolve symbols. A Registry holds all three kinds, populated once at
// startup and read-only afterwards.
package providers

import (
	"context"
	"time"

	"github.com/tomtom215/tabularium/internal/collectors"
)

// DataSourceKind selects a streaming transport implementation.
type DataSourceKind string

const (
	// KindWebsocket streams over a websocket tick protocol.
	KindWebsocket DataSourceKind = "websocket"
	// KindNATS consumes per-symbol subjects from a NATS server.
	KindNATS DataSourceKind = "nats"
	// KindSimulated synthesizes a deterministic feed for development.
	KindSimulated DataSourceKind = "simulated"
)

// Capability is one kind of market data a streaming client can deliver.
type Capability string

const (
	// CapTrades delivers executed trade prints.
	CapTrades Capability = "trades"
	// CapQuotes delivers best-bid-and-offer updates.
	CapQuotes Capability = "quotes"
	// CapDepth delivers level-2 book snapshots and deltas.
	CapDepth Capability = "depth"
)

// CapabilitySet exposes what a client can subscribe to as data, so
// callers never reach for type assertions.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Subscription names one data channel for one symbol. Levels applies to
// depth subscriptions only; zero means the provider default.
type Subscription struct {
	Capability Capability
	Levels     int
}

// UpdateSink receives vendor callbacks from a streaming client.
// Satisfied by *collectors.CollectorSet.
type UpdateSink interface {
	OnTrade(symbol string, u collectors.TradeUpdate)
	OnQuote(symbol string, u collectors.QuoteUpdate)
	OnDepthSnapshot(symbol string, u collectors.DepthSnapshot)
	OnDepth(symbol string, u collectors.DepthUpdate)
	OnStreamReset(reason string)
}

// HealthState classifies a streaming connection's condition.
type HealthState string

const (
	// HealthConnected means the stream is up and delivering.
	HealthConnected HealthState = "connected"
	// HealthStale means the connection is open but silent past the
	// staleness window.
	HealthStale HealthState = "stale"
	// HealthDisconnected means the connection is down.
	HealthDisconnected HealthState = "disconnected"
	// HealthError means the client hit a fault worth scoring against
	// the provider.
	HealthError HealthState = "error"
)

// HealthEvent reports a streaming client condition change.
type HealthEvent struct {
	Provider  string
	State     HealthState
	Err       error
	Latency   time.Duration
	Timestamp time.Time
}

// HealthSink receives client health transitions. Satisfied by the
// failover controller. Implementations must not block.
type HealthSink interface {
	ReportHealth(ev HealthEvent)
}

// StreamingClient is the contract every streaming transport implements.
// Connect is non-blocking; the client runs its own session goroutines
// until Disconnect or the connect context ends. Unsubscribe with a nil
// or empty what removes every channel for the symbol.
type StreamingClient interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbol string, what []Subscription) error
	Unsubscribe(symbol string, what []Subscription) error
	Capabilities() CapabilitySet
}

// StreamingClientFactory builds a client wired to the given sinks.
// Factories run lazily so credentials resolve at creation time, not at
// registration.
type StreamingClientFactory func(updates UpdateSink, health HealthSink) (StreamingClient, error)

// BarRecord is one aggregated bar returned by a historical provider.
type BarRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	VWAP       float64   `json:"vwap,omitempty"`
	TradeCount int64     `json:"trade_count,omitempty"`
}

// HistoricalProvider fetches stored market history for backfill. Priority
// orders providers when no preference is given; lower runs first.
type HistoricalProvider interface {
	Name() string
	Priority() int
	Enabled() bool
	FetchBars(ctx context.Context, symbol string, date time.Time) ([]BarRecord, error)
}

// Instrument is one tradable symbol a search provider knows about.
type Instrument struct {
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	Exchange   string `json:"exchange"`
	AssetClass string `json:"asset_class"`
	Currency   string `json:"currency"`
}

// SymbolSearchProvider resolves free-text queries to instruments.
type SymbolSearchProvider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Instrument, error)
}

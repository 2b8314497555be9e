// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package events defines the canonical market event model used across all
// providers, the pipeline, storage, and replay. Every tick that enters the
// system is normalized into a MarketEvent before anything else sees it.
package events

import (
	"time"

	"github.com/goccy/go-json"
)

// Event type constants. These are the on-disk strings used in partition paths
// and in the JSON `type` field.
const (
	// TypeTrade is an executed trade print.
	TypeTrade = "trade"
	// TypeBboQuote is a best-bid-and-offer quote update.
	TypeBboQuote = "bboquote"
	// TypeL2Snapshot is a full depth-of-book snapshot.
	TypeL2Snapshot = "l2_snapshot"
	// TypeL2Delta is an incremental depth-of-book change.
	TypeL2Delta = "l2_delta"
	// TypeIntegrity is a metadata record witnessing a detected anomaly.
	TypeIntegrity = "integrity"
)

// Aggressor constants for trade events.
const (
	// AggressorBuy indicates the buyer initiated the trade.
	AggressorBuy = "buy"
	// AggressorSell indicates the seller initiated the trade.
	AggressorSell = "sell"
	// AggressorUnknown indicates the initiating side could not be determined.
	AggressorUnknown = "unknown"
)

// Book side constants for depth events.
const (
	// SideBid is the buy side of the book.
	SideBid = "bid"
	// SideAsk is the sell side of the book.
	SideAsk = "ask"
)

// Depth operation constants for L2 delta events.
const (
	// OpInsert adds a level to the book.
	OpInsert = "insert"
	// OpUpdate changes size or attribution at an existing level.
	OpUpdate = "update"
	// OpDelete removes a level from the book.
	OpDelete = "delete"
)

// Integrity kind constants.
const (
	// IntegrityGapDetected witnesses a sequence discontinuity in a stream.
	IntegrityGapDetected = "gap_detected"
	// IntegrityReset witnesses a stream reset boundary (reconnect, failover).
	IntegrityReset = "reset"
	// IntegrityOutOfOrder witnesses an event that violated ordering or book
	// consistency (including crossed quotes).
	IntegrityOutOfOrder = "out_of_order"
	// IntegrityDuplicateSuppressed witnesses a suppressed duplicate.
	IntegrityDuplicateSuppressed = "duplicate_suppressed"
)

// MarketEvent is the canonical normalized record for everything captured.
// It is immutable once published into the pipeline: collectors build it,
// the pipeline owns it from publish until sink append + WAL commit.
type MarketEvent struct {
	// Timestamp is the venue event time, UTC, nanosecond resolution where
	// the provider delivers it.
	Timestamp time.Time `json:"timestamp"`

	// Type discriminates the payload variant. One of the Type* constants.
	Type string `json:"type"`

	// Symbol is the provider's symbol for the instrument.
	Symbol string `json:"symbol"`

	// CanonicalSymbol, when set, is the normalized symbol preferred for
	// storage partitioning and deduplication.
	CanonicalSymbol string `json:"canonical_symbol,omitempty"`

	// Source is the provider id that produced the event. Backfilled bars
	// carry a workload-tagged source so they never collide with live data.
	Source string `json:"source"`

	// Sequence is monotone within a (source, symbol) stream.
	Sequence uint64 `json:"sequence"`

	// Payload is the variant selected by Type.
	Payload Payload `json:"payload"`
}

// Payload is implemented by every event payload variant.
type Payload interface {
	// EventType returns the Type* constant the payload belongs to.
	EventType() string
}

// TradePayload carries an executed trade print.
type TradePayload struct {
	Price      float64  `json:"price"`
	Size       float64  `json:"size"`
	Aggressor  string   `json:"aggressor"` // buy, sell, unknown
	TradeID    string   `json:"trade_id,omitempty"`
	VenueMic   string   `json:"venue_mic,omitempty"` // ISO 10383 venue code
	Conditions []string `json:"conditions,omitempty"`
}

// EventType implements Payload.
func (p *TradePayload) EventType() string { return TypeTrade }

// BboQuotePayload carries a best-bid-and-offer update. MidPrice and Spread
// are derived; call Derive after setting the four quote fields.
type BboQuotePayload struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	MidPrice float64 `json:"mid_price"`
	Spread   float64 `json:"spread"`
	VenueMic string  `json:"venue_mic,omitempty"`
}

// EventType implements Payload.
func (p *BboQuotePayload) EventType() string { return TypeBboQuote }

// Derive computes MidPrice and Spread from the quote fields.
func (p *BboQuotePayload) Derive() {
	p.MidPrice = (p.BidPrice + p.AskPrice) / 2
	p.Spread = p.AskPrice - p.BidPrice
}

// Crossed reports whether the bid is strictly above the ask. A locked market
// (bid == ask) is not crossed.
func (p *BboQuotePayload) Crossed() bool {
	return p.BidPrice > p.AskPrice
}

// PriceLevel is one level of a depth snapshot.
type PriceLevel struct {
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	MarketMaker string  `json:"market_maker,omitempty"`
}

// L2SnapshotPayload carries a full book image.
type L2SnapshotPayload struct {
	SequenceNumber uint64       `json:"sequence_number"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
}

// EventType implements Payload.
func (p *L2SnapshotPayload) EventType() string { return TypeL2Snapshot }

// L2DeltaPayload carries one incremental book change.
type L2DeltaPayload struct {
	Level       int     `json:"level"`
	Side        string  `json:"side"` // bid, ask
	Op          string  `json:"op"`   // insert, update, delete
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	MarketMaker string  `json:"market_maker,omitempty"`
}

// EventType implements Payload.
func (p *L2DeltaPayload) EventType() string { return TypeL2Delta }

// IntegrityPayload witnesses a detected anomaly in a stream. Integrity events
// flow through the same pipeline and land in the same store as data events so
// gaps and resets are visible next to the data they affected.
type IntegrityPayload struct {
	Kind   string `json:"kind"` // gap_detected, reset, out_of_order, duplicate_suppressed
	Detail string `json:"detail,omitempty"`
}

// EventType implements Payload.
func (p *IntegrityPayload) EventType() string { return TypeIntegrity }

// New builds a MarketEvent with Type derived from the payload and the
// timestamp normalized to UTC. Sequence is assigned later by the collector.
func New(source, symbol string, ts time.Time, payload Payload) *MarketEvent {
	return &MarketEvent{
		Timestamp: ts.UTC(),
		Type:      payload.EventType(),
		Symbol:    symbol,
		Source:    source,
		Payload:   payload,
	}
}

// EffectiveSymbol returns CanonicalSymbol when set, else Symbol. Storage
// partitioning and dedup identity both key on the effective symbol.
func (e *MarketEvent) EffectiveSymbol() string {
	if e.CanonicalSymbol != "" {
		return e.CanonicalSymbol
	}
	return e.Symbol
}

// Validate checks structural and domain invariants and returns an error if
// validation fails.
func (e *MarketEvent) Validate() error {
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	if e.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "required"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Message: "required"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload", Message: "required"}
	}
	if e.Type != e.Payload.EventType() {
		return &ValidationError{Field: "type", Message: "does not match payload variant " + e.Payload.EventType()}
	}

	switch p := e.Payload.(type) {
	case *TradePayload:
		return p.validate()
	case *BboQuotePayload:
		return p.validate()
	case *L2SnapshotPayload:
		return p.validate()
	case *L2DeltaPayload:
		return p.validate()
	case *IntegrityPayload:
		return p.validate()
	default:
		return &ValidationError{Field: "payload", Message: "unknown payload variant"}
	}
}

func (p *TradePayload) validate() error {
	if p.Size <= 0 {
		return &ValidationError{Field: "size", Message: "must be positive"}
	}
	switch p.Aggressor {
	case AggressorBuy, AggressorSell, AggressorUnknown:
	default:
		return &ValidationError{Field: "aggressor", Message: "must be buy, sell, or unknown"}
	}
	return nil
}

func (p *BboQuotePayload) validate() error {
	// Locked markets (bid == ask) are valid; crossed books are not.
	if p.BidPrice > p.AskPrice {
		return &ValidationError{Field: "bid_price", Message: "crossed: bid above ask"}
	}
	return nil
}

func (p *L2SnapshotPayload) validate() error {
	if p.Bids == nil && p.Asks == nil {
		return &ValidationError{Field: "bids", Message: "snapshot must carry at least one side"}
	}
	return nil
}

func (p *L2DeltaPayload) validate() error {
	switch p.Side {
	case SideBid, SideAsk:
	default:
		return &ValidationError{Field: "side", Message: "must be bid or ask"}
	}
	switch p.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return &ValidationError{Field: "op", Message: "must be insert, update, or delete"}
	}
	if p.Level < 0 {
		return &ValidationError{Field: "level", Message: "must be non-negative"}
	}
	return nil
}

func (p *IntegrityPayload) validate() error {
	switch p.Kind {
	case IntegrityGapDetected, IntegrityReset, IntegrityOutOfOrder, IntegrityDuplicateSuppressed:
	default:
		return &ValidationError{Field: "kind", Message: "unknown integrity kind"}
	}
	return nil
}

// UnmarshalJSON decodes the payload variant selected by the type field.
func (e *MarketEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp       time.Time       `json:"timestamp"`
		Type            string          `json:"type"`
		Symbol          string          `json:"symbol"`
		CanonicalSymbol string          `json:"canonical_symbol"`
		Source          string          `json:"source"`
		Sequence        uint64          `json:"sequence"`
		Payload         json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Timestamp = raw.Timestamp
	e.Type = raw.Type
	e.Symbol = raw.Symbol
	e.CanonicalSymbol = raw.CanonicalSymbol
	e.Source = raw.Source
	e.Sequence = raw.Sequence

	if len(raw.Payload) == 0 {
		e.Payload = nil
		return nil
	}

	var payload Payload
	switch raw.Type {
	case TypeTrade:
		payload = &TradePayload{}
	case TypeBboQuote:
		payload = &BboQuotePayload{}
	case TypeL2Snapshot:
		payload = &L2SnapshotPayload{}
	case TypeL2Delta:
		payload = &L2DeltaPayload{}
	case TypeIntegrity:
		payload = &IntegrityPayload{}
	default:
		return &ValidationError{Field: "type", Message: "unknown event type: " + raw.Type}
	}

	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

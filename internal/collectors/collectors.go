// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package collectors normalizes vendor market-data updates into canonical
// events. A CollectorSet holds the per-symbol state machines for one
// provider stream: trades get canonical sequence numbers and inferred
// aggressor sides, quotes are change-detected and checked for crossing,
// and depth updates maintain an order book that witnesses gaps and
// inconsistencies as Integrity events.
package collectors

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
)

// Publisher accepts canonical events for durable capture. Satisfied by
// *pipeline.Pipeline.
type Publisher interface {
	TryPublish(e *events.MarketEvent) bool
}

// MicMapper translates vendor venue codes to ISO 10383 market identifier
// codes. A false second return leaves the raw vendor code on the event.
type MicMapper interface {
	MIC(venue string) (string, bool)
}

// TradeUpdate is a vendor trade print before canonicalization.
type TradeUpdate struct {
	Timestamp  time.Time
	Price      float64
	Size       float64
	Aggressor  string // empty or unrecognized means infer from the last quote
	TradeID    string
	Venue      string // raw vendor venue code
	Conditions []string
}

// QuoteUpdate is a vendor best-bid-and-offer update.
type QuoteUpdate struct {
	Timestamp time.Time
	BidPrice  float64
	BidSize   float64
	AskPrice  float64
	AskSize   float64
	Venue     string
}

// DepthSnapshot is a full vendor book image.
type DepthSnapshot struct {
	Timestamp      time.Time
	SequenceNumber uint64
	Bids           []events.PriceLevel
	Asks           []events.PriceLevel
}

// DepthUpdate is one incremental vendor book change. Position is the
// vendor's update counter and must step by at most one.
type DepthUpdate struct {
	Timestamp   time.Time
	Position    uint64
	Level       int
	Side        string
	Op          string
	Price       float64
	Size        float64
	MarketMaker string
}

// Stats is a point-in-time snapshot of collector counters.
type Stats struct {
	Source           string
	Symbols          int
	TradesPublished  int64
	TradesRejected   int64
	QuotesPublished  int64
	QuotesSuppressed int64
	QuotesCrossed    int64
	DepthSnapshots   int64
	DepthDeltas      int64
	DepthDropped     int64
	GapsDetected     int64
	StreamResets     int64
	PublishFailures  int64
}

// CollectorSet routes vendor callbacks from one streaming client to the
// per-symbol collectors, creating them lazily on first sight of a symbol.
// A single mutex serializes the callbacks so failover resets can interleave
// safely with feed delivery.
type CollectorSet struct {
	source string
	pub    Publisher
	mics   MicMapper

	mu      sync.Mutex
	symbols map[string]*symbolCollectors

	tradesPublished  atomic.Int64
	tradesRejected   atomic.Int64
	quotesPublished  atomic.Int64
	quotesSuppressed atomic.Int64
	quotesCrossed    atomic.Int64
	depthSnapshots   atomic.Int64
	depthDeltas      atomic.Int64
	depthDropped     atomic.Int64
	gapsDetected     atomic.Int64
	streamResets     atomic.Int64
	publishFailures  atomic.Int64
}

// symbolCollectors bundles the three state machines sharing one symbol's
// sequence stream.
type symbolCollectors struct {
	st     *stream
	trades *TradeCollector
	quotes *QuoteCollector
	depth  *MarketDepthCollector
}

// stream carries the per-(source, symbol) publishing state shared by the
// collectors of one symbol. Methods assume the set's mutex is held.
type stream struct {
	set    *CollectorSet
	symbol string
	seq    uint64
}

// publish assigns the next canonical sequence and offers the event to the
// pipeline. The sequence advances even when the pipeline sheds the event,
// so a drop leaves a visible gap in the stored stream.
func (st *stream) publish(ts time.Time, p events.Payload) bool {
	e := events.New(st.set.source, st.symbol, ts, p)
	st.seq++
	e.Sequence = st.seq
	if st.set.pub.TryPublish(e) {
		return true
	}
	st.set.publishFailures.Add(1)
	return false
}

func (st *stream) integrity(kind, detail string) {
	st.publish(time.Now(), &events.IntegrityPayload{Kind: kind, Detail: detail})
}

// NewCollectorSet builds the collector group for one provider stream. The
// MIC mapper may be nil, in which case events keep raw vendor venue codes.
func NewCollectorSet(source string, pub Publisher, mics MicMapper) *CollectorSet {
	return &CollectorSet{
		source:  source,
		pub:     pub,
		mics:    mics,
		symbols: make(map[string]*symbolCollectors),
	}
}

// Source returns the provider id stamped on published events.
func (s *CollectorSet) Source() string { return s.source }

// OnTrade routes a vendor trade print to the symbol's trade collector.
func (s *CollectorSet) OnTrade(symbol string, u TradeUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forSymbol(symbol).trades.onTrade(u)
}

// OnQuote routes a vendor quote update to the symbol's quote collector.
func (s *CollectorSet) OnQuote(symbol string, u QuoteUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forSymbol(symbol).quotes.onQuote(u)
}

// OnDepthSnapshot routes a full book image to the symbol's depth collector.
func (s *CollectorSet) OnDepthSnapshot(symbol string, u DepthSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forSymbol(symbol).depth.onSnapshot(u)
}

// OnDepth routes an incremental book change to the symbol's depth collector.
func (s *CollectorSet) OnDepth(symbol string, u DepthUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forSymbol(symbol).depth.onDelta(u)
}

// OnStreamReset marks a provider stream discontinuity: every tracked symbol
// gets an Integrity reset event, quote state is forgotten so the next quote
// always emits, and depth books are cleared until fresh snapshots arrive.
func (s *CollectorSet) OnStreamReset(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamResets.Add(1)
	logging.Info().
		Str("source", s.source).
		Int("symbols", len(s.symbols)).
		Str("reason", reason).
		Msg("COLLECTOR: Stream reset")
	for _, sc := range s.symbols {
		sc.quotes.forget()
		sc.depth.reset()
		sc.st.integrity(events.IntegrityReset, reason)
	}
}

// Stats returns a snapshot of the set's counters.
func (s *CollectorSet) Stats() Stats {
	s.mu.Lock()
	trackedSymbols := len(s.symbols)
	s.mu.Unlock()
	return Stats{
		Source:           s.source,
		Symbols:          trackedSymbols,
		TradesPublished:  s.tradesPublished.Load(),
		TradesRejected:   s.tradesRejected.Load(),
		QuotesPublished:  s.quotesPublished.Load(),
		QuotesSuppressed: s.quotesSuppressed.Load(),
		QuotesCrossed:    s.quotesCrossed.Load(),
		DepthSnapshots:   s.depthSnapshots.Load(),
		DepthDeltas:      s.depthDeltas.Load(),
		DepthDropped:     s.depthDropped.Load(),
		GapsDetected:     s.gapsDetected.Load(),
		StreamResets:     s.streamResets.Load(),
		PublishFailures:  s.publishFailures.Load(),
	}
}

func (s *CollectorSet) forSymbol(symbol string) *symbolCollectors {
	sc, ok := s.symbols[symbol]
	if !ok {
		st := &stream{set: s, symbol: symbol}
		quotes := &QuoteCollector{st: st}
		sc = &symbolCollectors{
			st:     st,
			trades: &TradeCollector{st: st, quotes: quotes},
			quotes: quotes,
			depth:  newMarketDepthCollector(st),
		}
		s.symbols[symbol] = sc
	}
	return sc
}

// mapVenue resolves a raw vendor venue code to a MIC, falling back to the
// raw code when no mapping is known.
func (s *CollectorSet) mapVenue(raw string) string {
	if raw == "" {
		return ""
	}
	if s.mics != nil {
		if mic, ok := s.mics.MIC(raw); ok {
			return mic
		}
	}
	return raw
}

// eventTime substitutes the local clock for vendor updates that carry no
// timestamp.
func eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package collectors

import (
	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
)

// QuoteCollector tracks the best bid and offer for one symbol and emits a
// BboQuote event only when the top of book changes. A crossed quote is
// dropped and witnessed; a locked quote (bid == ask) passes through.
type QuoteCollector struct {
	st *stream

	hasQuote bool
	bidPrice float64
	bidSize  float64
	askPrice float64
	askSize  float64
	venue    string
}

func (c *QuoteCollector) onQuote(u QuoteUpdate) {
	if u.BidPrice > u.AskPrice {
		c.st.set.quotesCrossed.Add(1)
		logging.Warn().
			Str("symbol", c.st.symbol).
			Float64("bid", u.BidPrice).
			Float64("ask", u.AskPrice).
			Msg("COLLECTOR: Crossed quote dropped")
		c.st.integrity(events.IntegrityOutOfOrder, "crossed")
		return
	}

	if c.hasQuote &&
		c.bidPrice == u.BidPrice && c.bidSize == u.BidSize &&
		c.askPrice == u.AskPrice && c.askSize == u.AskSize &&
		c.venue == u.Venue {
		c.st.set.quotesSuppressed.Add(1)
		return
	}

	c.hasQuote = true
	c.bidPrice, c.bidSize = u.BidPrice, u.BidSize
	c.askPrice, c.askSize = u.AskPrice, u.AskSize
	c.venue = u.Venue

	payload := &events.BboQuotePayload{
		BidPrice: u.BidPrice,
		BidSize:  u.BidSize,
		AskPrice: u.AskPrice,
		AskSize:  u.AskSize,
		VenueMic: c.st.set.mapVenue(u.Venue),
	}
	payload.Derive()
	if c.st.publish(eventTime(u.Timestamp), payload) {
		c.st.set.quotesPublished.Add(1)
	}
}

// inferAggressor classifies a trade price against the last good quote. At
// or above the ask the buyer lifted the offer, at or below the bid the
// seller hit it.
func (c *QuoteCollector) inferAggressor(price float64) string {
	if !c.hasQuote {
		return events.AggressorUnknown
	}
	switch {
	case price >= c.askPrice:
		return events.AggressorBuy
	case price <= c.bidPrice:
		return events.AggressorSell
	default:
		return events.AggressorUnknown
	}
}

// forget drops the stored top of book so the next update always emits.
func (c *QuoteCollector) forget() {
	c.hasQuote = false
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package collectors

import (
	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
)

// TradeCollector canonicalizes vendor trade prints into Trade events. When
// the vendor omits the aggressor side it is inferred from the symbol's last
// good quote.
type TradeCollector struct {
	st     *stream
	quotes *QuoteCollector
}

func (c *TradeCollector) onTrade(u TradeUpdate) {
	if u.Size <= 0 {
		c.st.set.tradesRejected.Add(1)
		logging.Warn().
			Str("symbol", c.st.symbol).
			Float64("price", u.Price).
			Float64("size", u.Size).
			Msg("COLLECTOR: Rejected trade with non-positive size")
		return
	}

	aggressor := u.Aggressor
	switch aggressor {
	case events.AggressorBuy, events.AggressorSell:
	default:
		aggressor = c.quotes.inferAggressor(u.Price)
	}

	payload := &events.TradePayload{
		Price:      u.Price,
		Size:       u.Size,
		Aggressor:  aggressor,
		TradeID:    u.TradeID,
		VenueMic:   c.st.set.mapVenue(u.Venue),
		Conditions: u.Conditions,
	}
	if c.st.publish(eventTime(u.Timestamp), payload) {
		c.st.set.tradesPublished.Add(1)
	}
}

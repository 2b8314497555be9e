// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package collectors

import (
	"fmt"

	"github.com/tomtom215/tabularium/internal/book"
	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// MarketDepthCollector applies vendor depth updates to a per-symbol book
// and emits L2Snapshot and L2Delta events. Vendor positions must repeat or
// step by one; a jump, or a delta the book refuses, resets the symbol and
// holds further deltas until a fresh snapshot arrives.
type MarketDepthCollector struct {
	st   *stream
	book *book.Book

	awaitingSnapshot bool
	hasPosition      bool
	lastPosition     uint64
}

func newMarketDepthCollector(st *stream) *MarketDepthCollector {
	return &MarketDepthCollector{st: st, book: book.New(), awaitingSnapshot: true}
}

func (c *MarketDepthCollector) onSnapshot(u DepthSnapshot) {
	if err := c.book.ApplySnapshot(u.Bids, u.Asks); err != nil {
		c.st.set.gapsDetected.Add(1)
		logging.Warn().
			Str("symbol", c.st.symbol).
			Err(err).
			Msg("COLLECTOR: Depth snapshot rejected")
		c.st.integrity(events.IntegrityGapDetected, "snapshot rejected: "+err.Error())
		c.awaitingSnapshot = true
		c.hasPosition = false
		return
	}

	c.awaitingSnapshot = false
	c.hasPosition = false

	// Publish the book's own copy of the levels so later caller mutations
	// of the vendor slices cannot reach the event.
	bids, asks := c.book.SnapshotLevels()
	payload := &events.L2SnapshotPayload{
		SequenceNumber: u.SequenceNumber,
		Bids:           bids,
		Asks:           asks,
	}
	if c.st.publish(eventTime(u.Timestamp), payload) {
		c.st.set.depthSnapshots.Add(1)
	}
}

func (c *MarketDepthCollector) onDelta(u DepthUpdate) {
	if c.awaitingSnapshot {
		c.st.set.depthDropped.Add(1)
		return
	}
	if c.hasPosition && u.Position != c.lastPosition && u.Position != c.lastPosition+1 {
		c.gap(fmt.Sprintf("position jumped from %d to %d", c.lastPosition, u.Position))
		return
	}
	if err := c.book.ApplyDelta(u.Op, u.Side, u.Level, u.Price, u.Size, u.MarketMaker); err != nil {
		c.gap(err.Error())
		return
	}

	c.hasPosition = true
	c.lastPosition = u.Position

	payload := &events.L2DeltaPayload{
		Level:       u.Level,
		Side:        u.Side,
		Op:          u.Op,
		Price:       u.Price,
		Size:        u.Size,
		MarketMaker: u.MarketMaker,
	}
	if c.st.publish(eventTime(u.Timestamp), payload) {
		c.st.set.depthDeltas.Add(1)
	}
}

// gap escalates a depth inconsistency: witness it, clear the book, and hold
// deltas until the next snapshot.
func (c *MarketDepthCollector) gap(detail string) {
	c.st.set.gapsDetected.Add(1)
	metrics.RecordFeedGap(c.st.set.source)
	logging.Warn().
		Str("symbol", c.st.symbol).
		Str("detail", detail).
		Msg("COLLECTOR: Depth gap detected, awaiting fresh snapshot")
	c.st.integrity(events.IntegrityGapDetected, detail)
	c.book.Reset()
	c.awaitingSnapshot = true
	c.hasPosition = false
}

// reset clears the book across a stream discontinuity.
func (c *MarketDepthCollector) reset() {
	c.book.Reset()
	c.awaitingSnapshot = true
	c.hasPosition = false
}

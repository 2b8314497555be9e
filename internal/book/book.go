// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package book maintains per-symbol L2 order books. A book is owned by the
// collector applying its deltas and is not safe for concurrent use.
package book

import (
	"fmt"

	"github.com/tomtom215/tabularium/internal/events"
)

var (
	// ErrLevelOutOfRange marks a delta whose level index does not exist
	// on the targeted side.
	ErrLevelOutOfRange = fmt.Errorf("level index out of range")

	// ErrDuplicatePrice marks an operation that would put the same price
	// on a side twice.
	ErrDuplicatePrice = fmt.Errorf("duplicate price on side")

	// ErrPriceOrdering marks an operation that would break the side's
	// sort order: bids descending, asks ascending.
	ErrPriceOrdering = fmt.Errorf("price ordering violated")
)

// Book is a two-sided price ladder. Bids are sorted descending, asks
// ascending; a price appears at most once per side.
type Book struct {
	bids []events.PriceLevel
	asks []events.PriceLevel
}

// New returns an empty book.
func New() *Book {
	return &Book{}
}

// ApplySnapshot replaces the book with a full image. The snapshot must
// already satisfy the side invariants; a violating snapshot leaves the book
// empty so the collector re-requests one.
func (b *Book) ApplySnapshot(bids, asks []events.PriceLevel) error {
	b.Reset()
	if err := validateSide(bids, true); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := validateSide(asks, false); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	b.bids = append(b.bids, bids...)
	b.asks = append(b.asks, asks...)
	return nil
}

// ApplyDelta applies one incremental change. Side is events.SideBid or
// events.SideAsk; op is events.OpInsert, events.OpUpdate or events.OpDelete.
// Level indexes are zero-based from the top of the side. A returned error
// means the book no longer matches the vendor's and the collector should
// escalate to a reset.
func (b *Book) ApplyDelta(op, side string, level int, price, size float64, marketMaker string) error {
	var levels *[]events.PriceLevel
	var descending bool
	switch side {
	case events.SideBid:
		levels = &b.bids
		descending = true
	case events.SideAsk:
		levels = &b.asks
		descending = false
	default:
		return fmt.Errorf("unknown side %q", side)
	}

	switch op {
	case events.OpInsert:
		return insertLevel(levels, descending, level, price, size, marketMaker)
	case events.OpUpdate:
		return updateLevel(*levels, descending, level, price, size, marketMaker)
	case events.OpDelete:
		return deleteLevel(levels, level)
	default:
		return fmt.Errorf("unknown op %q", op)
	}
}

func insertLevel(levels *[]events.PriceLevel, descending bool, level int, price, size float64, marketMaker string) error {
	side := *levels
	if level < 0 || level > len(side) {
		return fmt.Errorf("%w: insert at %d with depth %d", ErrLevelOutOfRange, level, len(side))
	}
	if err := checkNeighbors(side, descending, level, -1, price); err != nil {
		return err
	}
	side = append(side, events.PriceLevel{})
	copy(side[level+1:], side[level:])
	side[level] = events.PriceLevel{Price: price, Size: size, MarketMaker: marketMaker}
	*levels = side
	return nil
}

func updateLevel(side []events.PriceLevel, descending bool, level int, price, size float64, marketMaker string) error {
	if level < 0 || level >= len(side) {
		return fmt.Errorf("%w: update at %d with depth %d", ErrLevelOutOfRange, level, len(side))
	}
	if err := checkNeighbors(side, descending, level, level, price); err != nil {
		return err
	}
	side[level] = events.PriceLevel{Price: price, Size: size, MarketMaker: marketMaker}
	return nil
}

func deleteLevel(levels *[]events.PriceLevel, level int) error {
	side := *levels
	if level < 0 || level >= len(side) {
		return fmt.Errorf("%w: delete at %d with depth %d", ErrLevelOutOfRange, level, len(side))
	}
	*levels = append(side[:level], side[level+1:]...)
	return nil
}

// checkNeighbors verifies that placing price at index level keeps the side
// sorted and free of duplicates. skip is the index being replaced, or -1 for
// an insert.
func checkNeighbors(side []events.PriceLevel, descending bool, level, skip int, price float64) error {
	if prev := level - 1; prev >= 0 && prev != skip {
		if side[prev].Price == price {
			return fmt.Errorf("%w: %v at level %d", ErrDuplicatePrice, price, level)
		}
		if descending == (side[prev].Price < price) {
			return fmt.Errorf("%w: %v at level %d", ErrPriceOrdering, price, level)
		}
	}
	next := level
	if skip == level {
		next = level + 1
	}
	if next < len(side) {
		if side[next].Price == price {
			return fmt.Errorf("%w: %v at level %d", ErrDuplicatePrice, price, level)
		}
		if descending == (side[next].Price > price) {
			return fmt.Errorf("%w: %v at level %d", ErrPriceOrdering, price, level)
		}
	}
	return nil
}

func validateSide(side []events.PriceLevel, descending bool) error {
	for i := 1; i < len(side); i++ {
		if side[i].Price == side[i-1].Price {
			return fmt.Errorf("%w: %v at level %d", ErrDuplicatePrice, side[i].Price, i)
		}
		if descending == (side[i].Price > side[i-1].Price) {
			return fmt.Errorf("%w: %v at level %d", ErrPriceOrdering, side[i].Price, i)
		}
	}
	return nil
}

// SnapshotLevels returns copies of both sides, top of book first.
func (b *Book) SnapshotLevels() (bids, asks []events.PriceLevel) {
	bids = make([]events.PriceLevel, len(b.bids))
	copy(bids, b.bids)
	asks = make([]events.PriceLevel, len(b.asks))
	copy(asks, b.asks)
	return bids, asks
}

// Depth returns the number of levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

// Crossed reports whether the best bid is strictly above the best ask.
func (b *Book) Crossed() bool {
	return len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price > b.asks[0].Price
}

// Reset empties both sides.
func (b *Book) Reset() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
}

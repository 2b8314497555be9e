// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package dedup

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/tomtom215/tabularium/internal/events"
)

// Key derives the dedup identity for an event. Keys are namespaced by
// source, effective symbol and type so equal payloads from different
// feeds or instruments never collide.
//
// Identity by type:
//   - trade: hash of venue timestamp, price, size, aggressor and venue
//   - bboquote: hash of venue timestamp and the four quote fields
//   - l2_snapshot: the venue book sequence number
//   - everything else: the pipeline-assigned sequence
func Key(e *events.MarketEvent) string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(e.Source)
	b.WriteByte(':')
	b.WriteString(e.EffectiveSymbol())
	b.WriteByte(':')
	b.WriteString(e.Type)
	b.WriteByte(':')
	b.WriteString(identity(e))
	return b.String()
}

func identity(e *events.MarketEvent) string {
	switch p := e.Payload.(type) {
	case *events.TradePayload:
		return hash128(
			strconv.FormatInt(e.Timestamp.UnixNano(), 10),
			formatFloat(p.Price),
			formatFloat(p.Size),
			p.Aggressor,
			p.VenueMic,
		)
	case *events.BboQuotePayload:
		return hash128(
			strconv.FormatInt(e.Timestamp.UnixNano(), 10),
			formatFloat(p.BidPrice),
			formatFloat(p.AskPrice),
			formatFloat(p.BidSize),
			formatFloat(p.AskSize),
		)
	case *events.L2SnapshotPayload:
		return "seq:" + strconv.FormatUint(p.SequenceNumber, 10)
	default:
		return "seq:" + strconv.FormatUint(e.Sequence, 10)
	}
}

// hash128 is a 128-bit BLAKE2b digest over pipe-joined parts, hex
// encoded. FormatFloat with -1 precision keeps the identity stable
// across round trips through JSON.
func hash128(parts ...string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// Unreachable: New only fails for oversized keys.
		panic(err)
	}
	for i, part := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{'|'})
		}
		_, _ = h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import "strings"

// StaticMICTable maps vendor venue codes to ISO 10383 market identifier
// codes. Lookups are case-insensitive. Unknown venues miss, and the
// collectors keep the raw code on the event rather than dropping it.
type StaticMICTable struct {
	codes map[string]string
}

// NewStaticMICTable builds a table from vendor code to MIC.
func NewStaticMICTable(codes map[string]string) *StaticMICTable {
	normalized := make(map[string]string, len(codes))
	for venue, mic := range codes {
		normalized[strings.ToUpper(venue)] = mic
	}
	return &StaticMICTable{codes: normalized}
}

// DefaultMICTable covers the venue codes the bundled US equity feeds emit.
func DefaultMICTable() *StaticMICTable {
	return NewStaticMICTable(map[string]string{
		"NSDQ":   "XNAS",
		"NASDAQ": "XNAS",
		"NYSE":   "XNYS",
		"ARCA":   "ARCX",
		"AMEX":   "XASE",
		"BATS":   "BATS",
		"IEX":    "IEXG",
		"CBOE":   "XCBO",
	})
}

// MIC resolves a vendor venue code to its MIC.
func (t *StaticMICTable) MIC(venue string) (string, bool) {
	mic, ok := t.codes[strings.ToUpper(venue)]
	return mic, ok
}

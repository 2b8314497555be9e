// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package sink

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
)

// Policy selects the directory layout for partition files.
type Policy string

// Naming policies. The resulting layouts, with {stamp} being the date
// partition stem and dropped when the partition is none:
//
//	flat            {SYMBOL}_{type}_{stamp}.jsonl
//	by_symbol       {SYMBOL}/{type}_{stamp}.jsonl
//	by_date         {stamp}/{SYMBOL}_{type}.jsonl
//	by_type         {type}/{SYMBOL}_{stamp}.jsonl
//	by_source       {source}/{SYMBOL}_{type}_{stamp}.jsonl
//	by_asset_class  {class}/{SYMBOL}_{type}_{stamp}.jsonl
//	hierarchical    {SYMBOL}/{type}/{stamp}.jsonl
//	canonical       {source}/{SYMBOL}/{type}/{stamp}.jsonl
//
// hierarchical and canonical fall back to an "events" stem when the date
// partition is none, so the file name is never empty.
const (
	PolicyFlat         Policy = "flat"
	PolicyBySymbol     Policy = "by_symbol"
	PolicyByDate       Policy = "by_date"
	PolicyByType       Policy = "by_type"
	PolicyBySource     Policy = "by_source"
	PolicyByAssetClass Policy = "by_asset_class"
	PolicyHierarchical Policy = "hierarchical"
	PolicyCanonical    Policy = "canonical"
)

func (p Policy) valid() bool {
	switch p {
	case PolicyFlat, PolicyBySymbol, PolicyByDate, PolicyByType,
		PolicyBySource, PolicyByAssetClass, PolicyHierarchical, PolicyCanonical:
		return true
	}
	return false
}

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.valid() {
		return "", fmt.Errorf("unknown naming policy %q", s)
	}
	return p, nil
}

// DatePartition selects the file granularity within a partition directory.
type DatePartition string

// Date partitions and their file stems (always UTC):
//
//	none      no date component
//	daily     2006-01-02
//	hourly    2006-01-02T15
//	monthly   2006-01
const (
	PartitionNone    DatePartition = "none"
	PartitionDaily   DatePartition = "daily"
	PartitionHourly  DatePartition = "hourly"
	PartitionMonthly DatePartition = "monthly"
)

func (d DatePartition) valid() bool {
	switch d {
	case PartitionNone, PartitionDaily, PartitionHourly, PartitionMonthly:
		return true
	}
	return false
}

// ParseDatePartition converts a config string into a DatePartition.
func ParseDatePartition(s string) (DatePartition, error) {
	d := DatePartition(s)
	if !d.valid() {
		return "", fmt.Errorf("unknown date partition %q", s)
	}
	return d, nil
}

// DefaultAssetClass is used when no resolver is configured or the resolver
// does not know the symbol.
const DefaultAssetClass = "equity"

// AssetClassResolver maps a symbol to its asset class for by_asset_class
// layouts, e.g. "equity", "etf", "crypto". Returning "" means unknown.
type AssetClassResolver func(symbol string) string

// Namer derives partition paths from events. PathFor is a pure function of
// the event plus its effective symbol; a Namer carries only configuration
// and is safe for concurrent use.
type Namer struct {
	policy    Policy
	partition DatePartition
	compress  bool
	resolver  AssetClassResolver
}

// NewNamer builds a Namer. A nil resolver classifies every symbol as
// DefaultAssetClass.
func NewNamer(policy Policy, partition DatePartition, compress bool, resolver AssetClassResolver) *Namer {
	return &Namer{
		policy:    policy,
		partition: partition,
		compress:  compress,
		resolver:  resolver,
	}
}

// PathFor returns the partition file path for an event, relative to the data
// root. effSym is the event's effective symbol (canonical when present).
func (n *Namer) PathFor(e *events.MarketEvent, effSym string) string {
	stamp := n.stamp(e.Timestamp)

	var dirs []string
	var name []string
	switch n.policy {
	case PolicyFlat:
		name = []string{effSym, e.Type}
	case PolicyBySymbol:
		dirs = []string{effSym}
		name = []string{e.Type}
	case PolicyByDate:
		if stamp != "" {
			dirs = []string{stamp}
			stamp = ""
		}
		name = []string{effSym, e.Type}
	case PolicyByType:
		dirs = []string{e.Type}
		name = []string{effSym}
	case PolicyBySource:
		dirs = []string{e.Source}
		name = []string{effSym, e.Type}
	case PolicyByAssetClass:
		dirs = []string{n.assetClass(effSym)}
		name = []string{effSym, e.Type}
	case PolicyCanonical:
		dirs = []string{e.Source, effSym, e.Type}
	default: // PolicyHierarchical
		dirs = []string{effSym, e.Type}
	}

	if stamp != "" {
		name = append(name, stamp)
	}
	base := strings.Join(name, "_")
	if base == "" {
		base = "events"
	}

	parts := append(dirs, base+n.ext())
	return filepath.Join(parts...)
}

// Ext returns the file extension the Namer produces, including the dot.
func (n *Namer) Ext() string {
	return n.ext()
}

func (n *Namer) ext() string {
	if n.compress {
		return ".jsonl.gz"
	}
	return ".jsonl"
}

func (n *Namer) stamp(t time.Time) string {
	switch n.partition {
	case PartitionDaily:
		return t.UTC().Format("2006-01-02")
	case PartitionHourly:
		return t.UTC().Format("2006-01-02T15")
	case PartitionMonthly:
		return t.UTC().Format("2006-01")
	default:
		return ""
	}
}

func (n *Namer) assetClass(symbol string) string {
	if n.resolver != nil {
		if class := n.resolver(symbol); class != "" {
			return class
		}
	}
	return DefaultAssetClass
}

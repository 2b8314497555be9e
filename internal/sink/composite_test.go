// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package sink

import (
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
)

// fakeSink records calls and returns configured errors.
type fakeSink struct {
	appended  []*events.MarketEvent
	appendErr error
	flushErr  error
	closeErr  error
	flushes   int
	closes    int
}

func (f *fakeSink) Append(e *events.MarketEvent) error {
	f.appended = append(f.appended, e)
	return f.appendErr
}

func (f *fakeSink) Flush() error {
	f.flushes++
	return f.flushErr
}

func (f *fakeSink) Close() error {
	f.closes++
	return f.closeErr
}

func TestNewCompositeSink(t *testing.T) {
	if _, err := NewCompositeSink(); err == nil {
		t.Fatal("NewCompositeSink() with no backends error = nil, want error")
	}

	if _, err := NewCompositeSink(NamedSink{Name: "jsonl", Sink: nil}); err == nil {
		t.Fatal("NewCompositeSink() with nil backend error = nil, want error")
	}

	c, err := NewCompositeSink(NamedSink{Name: "jsonl", Sink: &fakeSink{}})
	if err != nil {
		t.Fatalf("NewCompositeSink() error = %v", err)
	}
	if c == nil {
		t.Fatal("NewCompositeSink() returned nil")
	}
}

func TestCompositeSink_FansOutInOrder(t *testing.T) {
	primary := &fakeSink{}
	secondary := &fakeSink{}
	c, err := NewCompositeSink(
		NamedSink{Name: "jsonl", Sink: primary},
		NamedSink{Name: "duckdb", Sink: secondary},
	)
	if err != nil {
		t.Fatalf("NewCompositeSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	e := tradeAt(t, "SPY", ts, 1)

	if err := c.Append(e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(primary.appended) != 1 || len(secondary.appended) != 1 {
		t.Errorf("appended primary=%d secondary=%d, want 1 and 1",
			len(primary.appended), len(secondary.appended))
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if primary.flushes != 1 || secondary.flushes != 1 {
		t.Errorf("flushes primary=%d secondary=%d, want 1 and 1", primary.flushes, secondary.flushes)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if primary.closes != 1 || secondary.closes != 1 {
		t.Errorf("closes primary=%d secondary=%d, want 1 and 1", primary.closes, secondary.closes)
	}
}

func TestCompositeSink_SecondaryFailureDoesNotHaltPrimary(t *testing.T) {
	primary := &fakeSink{}
	secondary := &fakeSink{appendErr: errors.New("duckdb down"), flushErr: errors.New("duckdb down")}
	c, err := NewCompositeSink(
		NamedSink{Name: "jsonl", Sink: primary},
		NamedSink{Name: "duckdb", Sink: secondary},
	)
	if err != nil {
		t.Fatalf("NewCompositeSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	if err := c.Append(tradeAt(t, "SPY", ts, 1)); err != nil {
		t.Errorf("Append() error = %v, want nil (secondary failure is isolated)", err)
	}
	if len(primary.appended) != 1 {
		t.Errorf("primary appended = %d, want 1", len(primary.appended))
	}

	if err := c.Flush(); err != nil {
		t.Errorf("Flush() error = %v, want nil", err)
	}

	if got := c.SecondaryErrors(); got != 2 {
		t.Errorf("SecondaryErrors() = %d, want 2", got)
	}
}

func TestCompositeSink_PrimaryFailureReturned(t *testing.T) {
	wantErr := errors.New("no space left on device")
	primary := &fakeSink{appendErr: wantErr}
	secondary := &fakeSink{}
	c, err := NewCompositeSink(
		NamedSink{Name: "jsonl", Sink: primary},
		NamedSink{Name: "duckdb", Sink: secondary},
	)
	if err != nil {
		t.Fatalf("NewCompositeSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	err = c.Append(tradeAt(t, "SPY", ts, 1))
	if !errors.Is(err, wantErr) {
		t.Errorf("Append() error = %v, want %v", err, wantErr)
	}

	// Secondaries still receive the event so the mirrors stay as complete
	// as possible; replayed events collapse on their keys.
	if len(secondary.appended) != 1 {
		t.Errorf("secondary appended = %d, want 1", len(secondary.appended))
	}
	if got := c.SecondaryErrors(); got != 0 {
		t.Errorf("SecondaryErrors() = %d, want 0", got)
	}
}

func TestCompositeSink_SingleBackend(t *testing.T) {
	primary := &fakeSink{}
	c, err := NewCompositeSink(NamedSink{Name: "jsonl", Sink: primary})
	if err != nil {
		t.Fatalf("NewCompositeSink() error = %v", err)
	}

	ts := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	if err := c.Append(tradeAt(t, "SPY", ts, 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(primary.appended) != 1 {
		t.Errorf("primary appended = %d, want 1", len(primary.appended))
	}
}

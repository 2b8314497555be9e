// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero max requests",
			mutate:  func(c *Config) { c.MaxRequests = 0 },
			wantErr: "ratelimit config error: MaxRequests: must be at least 1",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.Window = 0 },
			wantErr: "ratelimit config error: Window: must be positive",
		},
		{
			name:    "negative min delay",
			mutate:  func(c *Config) { c.MinDelay = -time.Second },
			wantErr: "ratelimit config error: MinDelay: must not be negative",
		},
		{
			name:   "zero min delay allowed",
			mutate: func(c *Config) { c.MinDelay = 0 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWaitForSlot_GrantsUpToCap(t *testing.T) {
	l, err := New("alpaca", Config{MaxRequests: 3, Window: time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.WaitForSlot(ctx); err != nil {
			t.Fatalf("grant %d: WaitForSlot() error = %v", i+1, err)
		}
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.WaitForSlot(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForSlot() over cap error = %v, want deadline exceeded", err)
	}

	stats := l.Stats()
	if stats.Granted != 3 || stats.InWindow != 3 {
		t.Errorf("stats = %+v, want 3 granted and 3 in window", stats)
	}
}

func TestWaitForSlot_SlotFreesAfterWindow(t *testing.T) {
	l, err := New("alpaca", Config{MaxRequests: 1, Window: 80 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.WaitForSlot(ctx); err != nil {
		t.Fatalf("first WaitForSlot() error = %v", err)
	}
	start := time.Now()
	if err := l.WaitForSlot(ctx); err != nil {
		t.Fatalf("second WaitForSlot() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second grant after %v, want at least ~80ms of blocking", elapsed)
	}
}

func TestWaitForSlot_RollingWindowNeverOverruns(t *testing.T) {
	const limit = 5
	window := 100 * time.Millisecond
	l, err := New("alpaca", Config{MaxRequests: limit, Window: window})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	grants := make([]time.Time, 0, 12)
	for i := 0; i < 12; i++ {
		if err := l.WaitForSlot(ctx); err != nil {
			t.Fatalf("grant %d: WaitForSlot() error = %v", i+1, err)
		}
		grants = append(grants, time.Now())
	}

	// Any limit+1 consecutive grants must span at least the window.
	for i := 0; i+limit < len(grants); i++ {
		span := grants[i+limit].Sub(grants[i])
		if span < window-5*time.Millisecond {
			t.Errorf("grants %d..%d span %v, want at least %v", i, i+limit, span, window)
		}
	}
}

func TestWaitForSlot_MinDelayPacesGrants(t *testing.T) {
	l, err := New("alpaca", Config{MaxRequests: 100, Window: time.Minute, MinDelay: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.WaitForSlot(ctx); err != nil {
			t.Fatalf("WaitForSlot() error = %v", err)
		}
	}
	// First grant is immediate, the next two wait 40ms each.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("three paced grants took %v, want at least ~80ms", elapsed)
	}
}

func TestWaitForSlot_CancelledContext(t *testing.T) {
	l, err := New("alpaca", Config{MaxRequests: 1, Window: time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.WaitForSlot(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitForSlot() error = %v, want context canceled", err)
	}
	if got := l.Stats().InWindow; got != 0 {
		t.Errorf("InWindow = %d after cancelled wait, want 0", got)
	}
}

func TestRecordRequest_ConsumesCapacity(t *testing.T) {
	l, err := New("alpaca", Config{MaxRequests: 2, Window: time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.RecordRequest()
	l.RecordRequest()

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.WaitForSlot(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForSlot() error = %v, want deadline exceeded", err)
	}

	stats := l.Stats()
	if stats.Recorded != 2 || stats.Granted != 0 {
		t.Errorf("stats = %+v, want 2 recorded and 0 granted", stats)
	}
}

func TestEvict_DropsOnlyAgedStamps(t *testing.T) {
	l := newLimiter("alpaca", Config{MaxRequests: 10, Window: time.Minute})
	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	l.stamps = []time.Time{
		base.Add(-2 * time.Minute),
		base.Add(-time.Minute), // exactly aged out
		base.Add(-30 * time.Second),
		base.Add(-time.Second),
	}

	l.evict(base)

	if len(l.stamps) != 2 {
		t.Fatalf("stamps after evict = %d, want 2", len(l.stamps))
	}
	if !l.stamps[0].Equal(base.Add(-30 * time.Second)) {
		t.Errorf("oldest surviving stamp = %v", l.stamps[0])
	}
}

func TestRegistry_LazyCreationAndOverrides(t *testing.T) {
	reg, err := NewRegistry(DefaultConfig())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	a := reg.For("alpaca")
	if b := reg.For("alpaca"); a != b {
		t.Error("For() returned a different limiter for the same name")
	}

	custom := Config{MaxRequests: 5, Window: time.Second}
	if err := reg.Configure("ibkr", custom); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got := reg.For("ibkr").cfg.MaxRequests; got != 5 {
		t.Errorf("configured MaxRequests = %d, want 5", got)
	}

	if err := reg.Configure("bad", Config{}); err == nil {
		t.Error("Configure() accepted an invalid config")
	}

	stats := reg.Stats()
	if len(stats) != 2 || stats[0].Name != "alpaca" || stats[1].Name != "ibkr" {
		t.Errorf("Stats() = %+v, want alpaca then ibkr", stats)
	}
}

func TestNewRegistry_RejectsInvalidDefaults(t *testing.T) {
	if _, err := NewRegistry(Config{}); err == nil {
		t.Fatal("NewRegistry() accepted invalid defaults")
	}
}

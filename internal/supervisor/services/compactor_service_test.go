// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

type mockCompactor struct {
	compactCount atomic.Int32
	compactErr   error
}

func (m *mockCompactor) Compact() (int, error) {
	m.compactCount.Add(1)
	if m.compactErr != nil {
		return 0, m.compactErr
	}
	return 3, nil
}

func TestCompactorServiceInterface(t *testing.T) {
	var _ suture.Service = (*CompactorService)(nil)
}

func TestNewCompactorServiceDefaultInterval(t *testing.T) {
	svc := NewCompactorService(&mockCompactor{}, 0)
	if svc.interval != time.Hour {
		t.Errorf("expected default interval 1h, got %v", svc.interval)
	}

	svc = NewCompactorService(&mockCompactor{}, -time.Minute)
	if svc.interval != time.Hour {
		t.Errorf("expected default interval 1h for negative value, got %v", svc.interval)
	}

	svc = NewCompactorService(&mockCompactor{}, 30*time.Minute)
	if svc.interval != 30*time.Minute {
		t.Errorf("expected configured interval to be kept, got %v", svc.interval)
	}
}

func TestCompactorServeCompactsOnInterval(t *testing.T) {
	compactor := &mockCompactor{}
	svc := NewCompactorService(compactor, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Serve(ctx)
	}()

	deadline := time.After(time.Second)
	for compactor.compactCount.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 compactions, got %d", compactor.compactCount.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Serve did not return after cancellation")
	}
}

func TestCompactorServeSurvivesErrors(t *testing.T) {
	compactor := &mockCompactor{compactErr: errors.New("ledger busy")}
	svc := NewCompactorService(compactor, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Serve(ctx)
	}()

	deadline := time.After(time.Second)
	for compactor.compactCount.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected compaction to keep running after errors, got %d calls", compactor.compactCount.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Serve did not return after cancellation")
	}
}

func TestCompactorServiceString(t *testing.T) {
	svc := NewCompactorService(&mockCompactor{}, time.Hour)
	if svc.String() != "dedup-compactor" {
		t.Errorf("expected 'dedup-compactor', got %q", svc.String())
	}
}

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

type mockPipeline struct {
	startCount atomic.Int32
}

func (m *mockPipeline) Start() {
	m.startCount.Add(1)
}

func TestPipelineServiceInterface(t *testing.T) {
	var _ suture.Service = (*PipelineService)(nil)
}

func TestPipelineServeStartsAndHolds(t *testing.T) {
	pipe := &mockPipeline{}
	svc := NewPipelineService(pipe)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Serve(ctx)
	}()

	// Wait for the consumer to be started
	deadline := time.After(time.Second)
	for pipe.startCount.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("pipeline was not started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Serve must hold until shutdown
	select {
	case err := <-errCh:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
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

	if got := pipe.startCount.Load(); got != 1 {
		t.Errorf("expected 1 Start call, got %d", got)
	}
}

func TestPipelineServiceString(t *testing.T) {
	svc := NewPipelineService(&mockPipeline{})
	if svc.String() != "pipeline" {
		t.Errorf("expected 'pipeline', got %q", svc.String())
	}
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package services

import (
	"context"
	"fmt"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/tabularium/internal/backfill"
)

// JobRunner matches the backfill coordinator's queue operations.
//
// Satisfied by *backfill.Coordinator.
type JobRunner interface {
	ResumePending() ([]*backfill.Job, error)
	RunPending(ctx context.Context) error
}

// BackfillService drains the backfill job queue as a supervised
// one-shot service. Once the queue is empty it returns
// suture.ErrDoNotRestart so the supervisor retires it instead of
// rerunning an empty queue forever.
//
// ResumePending is called on every Serve, not just the first: if the
// service crashes mid-job and the supervisor restarts it, the crashed
// job is sitting in the store as running and must be parked back to
// queued before RunPending will pick it up again.
type BackfillService struct {
	runner JobRunner
	name   string
}

// NewBackfillService creates a supervised wrapper around the backfill
// coordinator.
func NewBackfillService(runner JobRunner) *BackfillService {
	return &BackfillService{
		runner: runner,
		name:   "backfill",
	}
}

// Serve implements suture.Service.
func (b *BackfillService) Serve(ctx context.Context) error {
	if _, err := b.runner.ResumePending(); err != nil {
		return fmt.Errorf("backfill resume: %w", err)
	}

	if err := b.runner.RunPending(ctx); err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure. Paused jobs resume on next start.
			return ctx.Err()
		}
		return fmt.Errorf("backfill run: %w", err)
	}

	return suture.ErrDoNotRestart
}

// String implements fmt.Stringer for logging.
func (b *BackfillService) String() string {
	return b.name
}

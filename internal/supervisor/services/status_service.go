// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package services

import (
	"context"
)

// StatusRunner matches the status writer's run loop.
//
// Satisfied by *status.Writer.
type StatusRunner interface {
	Run(ctx context.Context) error
}

// StatusService runs the periodic status file writer as a supervised
// service. The writer owns its own ticker and final-write-on-shutdown
// behavior, so this wrapper is a thin delegate.
type StatusService struct {
	runner StatusRunner
	name   string
}

// NewStatusService creates a supervised wrapper around the status
// writer.
func NewStatusService(runner StatusRunner) *StatusService {
	return &StatusService{
		runner: runner,
		name:   "status-writer",
	}
}

// Serve implements suture.Service.
func (s *StatusService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer for logging.
func (s *StatusService) String() string {
	return s.name
}

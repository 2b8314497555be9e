// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package services

import (
	"context"
)

// PipelineStarter matches the pipeline's consumer lifecycle. Start is
// idempotent: calling it on an already-running pipeline is a no-op, so
// a supervisor restart of this service is harmless.
//
// Satisfied by *pipeline.Pipeline.
type PipelineStarter interface {
	Start()
}

// PipelineService runs the capture pipeline consumer as a supervised
// service.
//
// The pipeline's Close is intentionally NOT called here: closing the
// pipeline is terminal (it flushes sinks and seals the WAL), so it
// belongs to process teardown after the supervisor tree has fully
// stopped, not to a service restart cycle.
type PipelineService struct {
	pipe PipelineStarter
	name string
}

// NewPipelineService creates a supervised wrapper around the pipeline
// consumer.
func NewPipelineService(pipe PipelineStarter) *PipelineService {
	return &PipelineService{
		pipe: pipe,
		name: "pipeline",
	}
}

// Serve implements suture.Service. It starts the consumer and blocks
// until shutdown.
func (p *PipelineService) Serve(ctx context.Context) error {
	p.pipe.Start()
	<-ctx.Done()
	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (p *PipelineService) String() string {
	return p.name
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// contextKey is a private type so context values cannot collide with
// other packages.
type contextKey string

const (
	// runIDKey carries the ID of one backfill drain run. A run spans
	// every job the coordinator executes in a single invocation.
	runIDKey contextKey = "run_id"

	// jobIDKey carries the ID of the ingestion job being executed.
	jobIDKey contextKey = "job_id"
)

// NewRunID returns a fresh drain-run ID. Eight UUID characters keep log
// lines readable while staying unique enough for a process lifetime.
func NewRunID() string {
	return uuid.New().String()[:8]
}

// ContextWithRunID returns a context carrying the given drain-run ID.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// ContextWithNewRunID stamps the context with a freshly generated run ID.
//
//	ctx = logging.ContextWithNewRunID(ctx)
func ContextWithNewRunID(ctx context.Context) context.Context {
	return ContextWithRunID(ctx, NewRunID())
}

// RunIDFromContext returns the drain-run ID, or "" when absent.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithJobID returns a context carrying an ingestion job ID, so
// every log line inside the job's workers is attributable to it.
//
//	ctx = logging.ContextWithJobID(ctx, job.ID)
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext returns the ingestion job ID, or "" when absent.
func JobIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger with the context's run_id and job_id fields
// attached. Backfill workers log through this so one job's lines can be
// filtered out of an interleaved drain.
//
//	logging.Ctx(ctx).Info().Str("symbol", s).Msg("Fetching bars")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := Logger().With()
	if runID := RunIDFromContext(ctx); runID != "" {
		logCtx = logCtx.Str("run_id", runID)
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		logCtx = logCtx.Str("job_id", jobID)
	}
	logger := logCtx.Logger()
	return &logger
}

// CtxDebug starts a debug message with context fields.
func CtxDebug(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Debug()
}

// CtxInfo starts an info message with context fields.
func CtxInfo(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Info()
}

// CtxWarn starts a warn message with context fields.
func CtxWarn(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Warn()
}

// CtxError starts an error message with context fields.
func CtxError(ctx context.Context) *zerolog.Event {
	return Ctx(ctx).Error()
}

// CtxErr starts an error message with context fields and the error
// attached. Shorthand for Ctx(ctx).Err(err).
func CtxErr(ctx context.Context, err error) *zerolog.Event {
	return Ctx(ctx).Err(err)
}

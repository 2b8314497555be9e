// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package logging provides centralized zerolog-based structured logging for Tabularium.
//
// This package implements a unified logging layer using zerolog, providing
// zero-allocation structured JSON logging for production and human-readable
// console output for development.
//
// # Overview
//
// The package provides:
//   - Zero-allocation structured logging via zerolog
//   - JSON output format for production (machine-parseable)
//   - Console output format for development (human-readable)
//   - Context-aware logging with drain-run and job ID propagation
//   - slog adapter for Suture v4 integration
//   - Credential redaction for provider API keys and tokens
//
// # Quick Start
//
//	import "github.com/tomtom215/tabularium/internal/logging"
//
//	// Initialize at application startup
//	logging.Init(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Caller: false,
//	})
//
//	// Log messages with structured fields
//	logging.Info().Str("symbol", "SPY").Uint64("seq", 42).Msg("Committed batch")
//	logging.Error().Err(err).Str("provider", "alpaca").Msg("Fetch failed")
//
//	// Context-aware logging (backfill workers)
//	logging.Ctx(ctx).Info().Str("symbol", s).Msg("Fetching bars")
//
// # Log Levels
//
// Supported log levels (from most to least verbose):
//
//	trace  - Very detailed diagnostic information
//	debug  - Detailed diagnostic information
//	info   - General operational information (default)
//	warn   - Warning conditions that should be addressed
//	error  - Error conditions requiring attention
//	fatal  - Fatal errors that terminate the program
//	panic  - Panic conditions that crash the program
//
// # Structured Logging Best Practices
//
// Always terminate log chains with .Msg() or .Send():
//
//	logging.Info().Str("key", "value").Msg("message")  // Correct
//	logging.Info().Str("key", "value")                 // WRONG - log not emitted
//
// Use structured fields instead of string formatting:
//
//	// Good - structured, searchable, efficient
//	logging.Info().
//	    Str("symbol", symbol).
//	    Int("count", eventCount).
//	    Dur("elapsed", duration).
//	    Msg("Batch flushed")
//
//	// Avoid - unstructured, harder to parse
//	logging.Info().Msgf("Flushed %d events for %s in %v", eventCount, symbol, duration)
//
// # Feed Loggers
//
// Streaming clients log through the dedicated FeedLogger, which stamps
// every line with component=feed and the provider name:
//
//	feedLog := logging.NewFeedLogger("alpaca")
//	feedLog.LogConnected("wss://stream.example.test", false)
//	feedLog.LogSubscribed("SPY", "trades")
//
// # slog Adapter
//
// The package provides an slog adapter for libraries that require slog.Logger:
//
//	slogLogger := logging.NewSlogLogger()
//	// Use slogLogger with Suture or other slog-compatible libraries
//
// # Credential Redaction
//
// Provider API keys and OAuth tokens must never appear in logs:
//
//	logging.Info().
//	    Str("token", logging.SanitizeToken(tok)).
//	    Msg("Token refreshed")
//
// # Output Formats
//
// JSON Format (Production):
//
//	{"level":"info","time":"2026-01-03T10:30:00Z","message":"Pipeline starting","capacity":10000}
//
// Console Format (Development):
//
//	10:30:00 INF Pipeline starting capacity=10000
//
// # Thread Safety
//
// All exported functions are safe for concurrent use. The global logger
// is protected by sync.RWMutex for configuration changes.
//
// # Testing
//
// Create test loggers that capture output:
//
//	var buf bytes.Buffer
//	logger := logging.NewTestLogger(&buf)
//	logger.Info().Msg("test message")
//	output := buf.String()
//
// # See Also
//
//   - github.com/rs/zerolog: Underlying logging library
//   - internal/audit: Drop audit trail (uses this package internally)
package logging

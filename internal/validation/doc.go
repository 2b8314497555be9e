// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package validation provides struct validation using go-playground/validator v10.
//
// This package wraps the go-playground/validator library to provide a thread-safe
// singleton validator instance with custom validators and user-friendly error
// messages. Persisted artifacts that re-enter the process (backfill job files,
// replay manifests) are validated here before any state machine consumes them.
//
// # Overview
//
// The package provides:
//   - Thread-safe singleton validator (initialized once, cached struct info)
//   - Custom validators: symbol, rfc3339date, datasourcekind
//   - Comprehensive error translation to human-readable messages
//   - Field→message maps for reporting every problem in a rejected file at once
//   - Future v11 compatibility with WithRequiredStructEnabled
//
// # Quick Start
//
//	type JobSpec struct {
//	    Symbols  []string `validate:"required,min=1,dive,symbol"`
//	    FromDate string   `validate:"required,rfc3339date"`
//	    ToDate   string   `validate:"required,rfc3339date"`
//	}
//
//	if verr := validation.ValidateStruct(&spec); verr != nil {
//	    log.Warn().Str("reason", verr.Error()).Msg("Rejected job file")
//	    return verr
//	}
//
// # Custom Validators
//
// symbol: uppercase exchange ticker, 1-20 characters of A-Z, 0-9, dot, hyphen.
// Dots cover class shares (BRK.B); hyphens cover dual-listing notation (BF-B).
//
// rfc3339date: calendar date in yyyy-MM-dd form, matching the storage partition
// date format. Full RFC3339 timestamps are rejected; ranges are whole days.
//
// datasourcekind: one of websocket, nats, simulated, the supported streaming
// transports.
//
// # Error Translation
//
// Validator tags translate to stable messages so log lines and operator output
// do not change wording between library upgrades:
//
//	required    -> "FromDate is required"
//	symbol      -> "Symbols[0] must be an uppercase ticker symbol (A-Z, 0-9, dot, hyphen)"
//	rfc3339date -> "FromDate must be a calendar date in yyyy-MM-dd form"
//	max         -> "Retries must be at most 100"
//
// # Thread Safety
//
// GetValidator initializes the singleton exactly once via sync.Once. The
// underlying validator caches struct metadata and is safe for concurrent use
// from every goroutine.
package validation

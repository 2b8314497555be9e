// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure reasons carried by RetryableError and PermanentError. Backfill
// keys its provider rotation and retry policy off these.
const (
	// ReasonRateLimited marks a vendor 429.
	ReasonRateLimited = "rate_limited"
	// ReasonUpstream marks a vendor 5xx.
	ReasonUpstream = "upstream"
	// ReasonNetwork marks a transport-level failure.
	ReasonNetwork = "network"
	// ReasonAuth marks a rejected credential (401/403).
	ReasonAuth = "auth"
	// ReasonNotApplicable marks a request the provider cannot ever serve
	// (400/404, unknown symbol).
	ReasonNotApplicable = "not_applicable"
)

// RetryableError marks a transient provider failure worth retrying.
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	return "retryable provider error (" + e.Reason + "): " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a provider failure that retrying cannot fix.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	return "permanent provider error (" + e.Reason + "): " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying against the same
// provider.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsRateLimited reports whether err is a vendor throttle response.
func IsRateLimited(err error) bool {
	var re *RetryableError
	return errors.As(err, &re) && re.Reason == ReasonRateLimited
}

// IsAuth reports whether err is a rejected credential.
func IsAuth(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Reason == ReasonAuth
}

// IsNotApplicable reports whether the provider can never serve the
// request, such as an uncovered symbol.
func IsNotApplicable(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Reason == ReasonNotApplicable
}

// ErrorType classifies err for metrics labels.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRateLimited(err):
		return ReasonRateLimited
	case IsAuth(err):
		return ReasonAuth
	case IsNotApplicable(err):
		return ReasonNotApplicable
	case IsRetryable(err):
		return "transient"
	default:
		return "other"
	}
}

// classifyStatus maps an HTTP response status to the typed error the
// retry and rotation policies expect.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &RetryableError{Reason: ReasonRateLimited, Err: fmt.Errorf("status 429: %s", body)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &PermanentError{Reason: ReasonAuth, Err: fmt.Errorf("status %d: %s", status, body)}
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return &PermanentError{Reason: ReasonNotApplicable, Err: fmt.Errorf("status %d: %s", status, body)}
	case status >= 500:
		return &RetryableError{Reason: ReasonUpstream, Err: fmt.Errorf("status %d: %s", status, body)}
	default:
		return fmt.Errorf("unexpected status %d: %s", status, body)
	}
}

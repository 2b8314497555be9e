// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package logging

import (
	"strings"
)

// Provider credentials (API keys, OAuth tokens) must never appear in
// logs. SanitizeToken masks bearer tokens before the token source logs a
// refresh; SanitizeError strips provider error text before the backfill
// coordinator logs it, because vendor HTTP clients wrap upstream errors
// that may echo request headers back.

// SanitizeToken masks a token, showing only the first and last 4
// characters. Example: "eyJhbGciOiJSUzI1NiIsInR5cCI6..." -> "eyJh...I6"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeError removes potentially sensitive information from an error
// message. Anything credential-adjacent is replaced wholesale; the rest
// is truncated so a quoted response body cannot flood a log line.
func SanitizeError(err string) string {
	sensitivePatterns := []string{
		"password",
		"secret",
		"token",
		"api_key",
		"apikey",
		"bearer",
		"authorization",
		"cookie",
	}

	lowerErr := strings.ToLower(err)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerErr, pattern) {
			return "provider credential error"
		}
	}

	return truncateString(err, 200)
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/tabularium/internal/logging"
)

// TokenSource supplies bearer tokens for historical API calls, refreshing
// ahead of the token's exp claim. The token is never verified here; only
// the refresh schedule reads the claim, and tokens without one are cached
// until invalidated.
type TokenSource struct {
	fetch  func(ctx context.Context) (string, error)
	margin time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewTokenSource wraps a fetch function, typically an OAuth client
// credentials exchange. margin is how far ahead of expiry a refresh
// happens.
func NewTokenSource(fetch func(ctx context.Context) (string, error), margin time.Duration) *TokenSource {
	if margin <= 0 {
		margin = 30 * time.Second
	}
	return &TokenSource{fetch: fetch, margin: margin, now: time.Now}
}

// Token returns a cached bearer token, fetching a fresh one when the
// cached token is missing or inside the refresh margin.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expires.IsZero() || s.now().Add(s.margin).Before(s.expires)) {
		return s.token, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch bearer token: %w", err)
	}
	s.token = token
	s.expires = tokenExpiry(token)
	ev := logging.Debug().Str("token", logging.SanitizeToken(token))
	if !s.expires.IsZero() {
		ev = ev.Time("expires", s.expires)
	}
	ev.Msg("PROVIDER: Bearer token refreshed")
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
// Called after a 401 so a revoked token does not poison the cache for its
// remaining lifetime.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// tokenExpiry extracts the exp claim without verifying the signature.
// Opaque non-JWT tokens yield a zero time.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

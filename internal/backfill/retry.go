// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package backfill

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tomtom215/tabularium/internal/providers"
)

// RetryPolicy computes exponential backoff with symmetric jitter for
// failed fetches.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetryPolicy builds a policy from config. A zero seed draws one
// from the clock; tests pass a fixed seed for reproducible jitter.
func NewRetryPolicy(cfg Config, seed int64) *RetryPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Initial:    cfg.RetryInitial,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: cfg.RetryMultiplier,
		Jitter:     cfg.RetryJitter,
		//nolint:gosec // G404: backoff jitter needs no cryptographic randomness
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the backoff before retry number attempt, counted from
// zero: Initial * Multiplier^attempt capped at MaxDelay, spread by the
// jitter fraction in both directions.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	p.rngMu.Lock()
	jitter := d * p.Jitter * (p.rng.Float64()*2 - 1)
	p.rngMu.Unlock()

	return time.Duration(d + jitter)
}

// ShouldRetry reports whether another attempt is worth making after
// err. Permanent provider errors never retry.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return providers.IsRetryable(err)
}

// sleepCtx waits d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

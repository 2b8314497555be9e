// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package ratelimit bounds outbound request rates per provider. Each
// limiter enforces a hard cap of MaxRequests grants inside any rolling
// window plus a minimum delay between successive grants, so historical
// backfill cannot trip vendor quotas no matter how many workers fetch.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/tabularium/internal/metrics"
)

// Config holds the limits for one provider.
type Config struct {
	// MaxRequests is the grant cap within any rolling Window.
	MaxRequests int `koanf:"max_requests"`
	// Window is the rolling interval MaxRequests applies to.
	Window time.Duration `koanf:"window"`
	// MinDelay is the floor between successive grants. Zero disables
	// pacing.
	MinDelay time.Duration `koanf:"min_delay"`
}

// DefaultConfig returns conservative limits suitable for free-tier
// historical APIs.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 200,
		Window:      time.Minute,
		MinDelay:    50 * time.Millisecond,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.MaxRequests < 1 {
		return &ConfigError{Field: "MaxRequests", Message: "must be at least 1"}
	}
	if c.Window <= 0 {
		return &ConfigError{Field: "Window", Message: "must be positive"}
	}
	if c.MinDelay < 0 {
		return &ConfigError{Field: "MinDelay", Message: "must not be negative"}
	}
	return nil
}

// ConfigError describes an invalid rate limiter configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "ratelimit config error: " + e.Field + ": " + e.Message
}

// Stats is a point-in-time snapshot of one limiter.
type Stats struct {
	Name     string
	InWindow int
	Granted  int64
	Recorded int64
}

// Limiter is a sliding-window rate limiter for one provider. Grant times
// are kept exactly and evicted lazily once they age out of the window, so
// the cap holds over any rolling interval rather than per fixed bucket.
type Limiter struct {
	name  string
	cfg   Config
	pacer *rate.Limiter

	mu     sync.Mutex
	stamps []time.Time // grant times inside the window, oldest first
	now    func() time.Time

	granted  atomic.Int64
	recorded atomic.Int64
}

// New builds a limiter after validating its configuration.
func New(name string, cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newLimiter(name, cfg), nil
}

func newLimiter(name string, cfg Config) *Limiter {
	l := &Limiter{name: name, cfg: cfg, now: time.Now}
	if cfg.MinDelay > 0 {
		l.pacer = rate.NewLimiter(rate.Every(cfg.MinDelay), 1)
	}
	return l
}

// Name returns the provider this limiter covers.
func (l *Limiter) Name() string { return l.name }

// WaitForSlot blocks until the caller may issue a request, the context is
// cancelled, or its deadline passes. The window slot is reserved before
// the pacing delay, so a burst of waiters drains at MinDelay spacing
// without overrunning the window cap.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.waitWindow(ctx); err != nil {
		return err
	}
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			return err
		}
	}
	l.granted.Add(1)
	return nil
}

// RecordRequest accounts for a request issued outside WaitForSlot, such as
// a retry performed by a lower layer. It never blocks, so the window may
// transiently exceed MaxRequests; later waiters absorb the overage.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	now := l.now()
	l.evict(now)
	l.stamps = append(l.stamps, now)
	l.mu.Unlock()
	l.recorded.Add(1)
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	l.evict(l.now())
	inWindow := len(l.stamps)
	l.mu.Unlock()
	return Stats{
		Name:     l.name,
		InWindow: inWindow,
		Granted:  l.granted.Load(),
		Recorded: l.recorded.Load(),
	}
}

func (l *Limiter) waitWindow(ctx context.Context) error {
	waited := false
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)
		if len(l.stamps) < l.cfg.MaxRequests {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		if !waited {
			waited = true
			metrics.RecordRateLimitWait(l.name)
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// evict drops stamps that no longer constrain the window. Callers hold mu.
func (l *Limiter) evict(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && !l.stamps[cut].Add(l.cfg.Window).After(now) {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}

// Registry hands out one limiter per provider name, creating them lazily
// with the registry defaults.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
}

// NewRegistry builds a registry after validating the default limits.
func NewRegistry(defaults Config) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
	}, nil
}

// Configure installs provider-specific limits, replacing any existing
// limiter for the name.
func (r *Registry) Configure(name string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.limiters[name] = newLimiter(name, cfg)
	r.mu.Unlock()
	return nil
}

// For returns the limiter for a provider, creating it with the registry
// defaults on first use.
func (r *Registry) For(name string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l = newLimiter(name, r.defaults)
	r.limiters[name] = l
	return l
}

// Stats returns snapshots for every limiter, sorted by provider name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.limiters))
	for _, l := range r.limiters {
		out = append(out, l.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

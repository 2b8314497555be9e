// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/ratelimit"
)

// HTTPConfig configures one HTTP historical bar provider.
type HTTPConfig struct {
	Name             string        `koanf:"name"`
	BaseURL          string        `koanf:"base_url"`
	Priority         int           `koanf:"priority"`
	Enabled          bool          `koanf:"enabled"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

// DefaultHTTPConfig returns production defaults. Name and BaseURL must be
// filled in by the caller.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Enabled:          true,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Validate checks the configuration for correctness.
func (c *HTTPConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Message: "must not be empty"}
	}
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: "must not be empty"}
	}
	if c.Priority < 0 {
		return &ConfigError{Field: "Priority", Message: "must not be negative"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: "must be positive"}
	}
	if c.FailureThreshold < 1 {
		return &ConfigError{Field: "FailureThreshold", Message: "must be at least 1"}
	}
	if c.BreakerTimeout <= 0 {
		return &ConfigError{Field: "BreakerTimeout", Message: "must be positive"}
	}
	return nil
}

// HTTPHistoricalProvider fetches daily bar records over HTTP. Every call
// first waits for a rate limiter slot, then runs behind a circuit breaker
// so a dead upstream fails fast instead of burning the retry budget.
// Responses are classified into retryable and permanent errors; only
// network failures and 5xx responses trip the breaker.
type HTTPHistoricalProvider struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]BarRecord]
	limiter *ratelimit.Limiter
	tokens  *TokenSource
}

// NewHTTPHistoricalProvider builds a provider from configuration. limiter
// and tokens may be nil, disabling pacing and authentication respectively.
func NewHTTPHistoricalProvider(cfg HTTPConfig, limiter *ratelimit.Limiter, tokens *TokenSource) (*HTTPHistoricalProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Rejections and auth failures are upstream verdicts, not
		// upstream outages. Only transport errors and 5xx count
		// against the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var perm *PermanentError
			if errors.As(err, &perm) {
				return true
			}
			return IsRateLimited(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("PROVIDER: Circuit breaker state change")
			metrics.RecordCircuitBreakerTransition(name, from.String(), to.String())
			metrics.UpdateCircuitBreakerState(name, int(to))
		},
	}

	return &HTTPHistoricalProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]BarRecord](settings),
		limiter: limiter,
		tokens:  tokens,
	}, nil
}

// Name returns the configured provider name.
func (p *HTTPHistoricalProvider) Name() string { return p.cfg.Name }

// Priority returns the failover ordering position, lower first.
func (p *HTTPHistoricalProvider) Priority() int { return p.cfg.Priority }

// Enabled reports whether the provider participates in selection.
func (p *HTTPHistoricalProvider) Enabled() bool { return p.cfg.Enabled }

// FetchBars retrieves the bar records for one symbol and trading day.
func (p *HTTPHistoricalProvider) FetchBars(ctx context.Context, symbol string, date time.Time) ([]BarRecord, error) {
	if p.limiter != nil {
		if err := p.limiter.WaitForSlot(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	bars, err := p.breaker.Execute(func() ([]BarRecord, error) {
		return p.fetch(ctx, symbol, date)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &RetryableError{Reason: ReasonUpstream, Err: err}
	}
	metrics.RecordProviderRequest(p.cfg.Name, "fetch_bars", time.Since(start), ErrorType(err))
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (p *HTTPHistoricalProvider) fetch(ctx context.Context, symbol string, date time.Time) ([]BarRecord, error) {
	endpoint := fmt.Sprintf("%s/bars/%s?date=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"),
		url.PathEscape(symbol),
		date.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.tokens != nil {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, &RetryableError{Reason: ReasonAuth, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &RetryableError{Reason: ReasonNetwork, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized && p.tokens != nil {
			p.tokens.Invalidate()
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			metrics.RecordRateLimitHit(p.cfg.Name)
		}
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var bars []BarRecord
	if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
		return nil, fmt.Errorf("decode bars: %w", err)
	}
	return bars, nil
}

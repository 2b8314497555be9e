// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/ratelimit"
)

// SearchConfig configures one HTTP symbol search provider.
type SearchConfig struct {
	Name    string        `koanf:"name"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultSearchConfig returns production defaults. Name and BaseURL must
// be filled in by the caller.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{Timeout: 10 * time.Second}
}

// Validate checks the configuration for correctness.
func (c *SearchConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Message: "must not be empty"}
	}
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: "must not be empty"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: "must be positive"}
	}
	return nil
}

// HTTPSearchProvider queries an instrument catalog endpoint. Search is an
// interactive path, so there is no circuit breaker; the limiter alone
// keeps it inside the upstream quota.
type HTTPSearchProvider struct {
	cfg     SearchConfig
	client  *http.Client
	limiter *ratelimit.Limiter
	tokens  *TokenSource
}

// NewHTTPSearchProvider builds a search provider. limiter and tokens may
// be nil.
func NewHTTPSearchProvider(cfg SearchConfig, limiter *ratelimit.Limiter, tokens *TokenSource) (*HTTPSearchProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPSearchProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		tokens:  tokens,
	}, nil
}

// Name returns the configured provider name.
func (p *HTTPSearchProvider) Name() string { return p.cfg.Name }

// Search queries the upstream catalog for instruments matching query.
func (p *HTTPSearchProvider) Search(ctx context.Context, query string) ([]Instrument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}
	if p.limiter != nil {
		if err := p.limiter.WaitForSlot(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	results, err := p.search(ctx, query)
	metrics.RecordProviderRequest(p.cfg.Name, "search", time.Since(start), ErrorType(err))
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (p *HTTPSearchProvider) search(ctx context.Context, query string) ([]Instrument, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"),
		url.QueryEscape(query))

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

	var results []Instrument
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return results, nil
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/config"
	"github.com/tomtom215/tabularium/internal/failover"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/providers"
)

// expandSecrets resolves ${ENV_VAR} references in credential and URL
// fields at client creation time, so config files never hold raw keys.
func expandSecrets(v string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return os.Expand(v, os.Getenv)
}

// oauthTokenFetch returns a client-credentials token fetch against the
// provider's OAuth endpoint. The TokenSource drives refresh; 401s from
// the data endpoints invalidate the cached token.
func oauthTokenFetch(tokenURL, clientID, clientSecret string) func(context.Context) (string, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(ctx context.Context) (string, error) {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		}
		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		if body.AccessToken == "" {
			return "", fmt.Errorf("token endpoint returned no access_token")
		}
		return body.AccessToken, nil
	}
}

// tokenSource builds the auth source for one historical provider. A
// token URL selects the OAuth client-credentials flow; otherwise the
// configured secret (or key ID) is used as a static bearer token. Both
// empty means the provider is anonymous.
func tokenSource(pc config.HistoricalProviderConfig) *providers.TokenSource {
	keyID := expandSecrets(pc.APIKeyID)
	secret := expandSecrets(pc.APISecret)

	if pc.TokenURL != "" {
		return providers.NewTokenSource(oauthTokenFetch(pc.TokenURL, keyID, secret), 0)
	}
	bearer := secret
	if bearer == "" {
		bearer = keyID
	}
	if bearer == "" {
		return nil
	}
	return providers.NewTokenSource(func(context.Context) (string, error) {
		return bearer, nil
	}, 0)
}

// buildStreamingFactories compiles the enabled streaming provider
// configs into client factories keyed by provider name, for the
// failover controller. Each kind also registers with the registry once
// for capability discovery. The second return is the deepest book depth
// any provider was asked for.
func (a *app) buildStreamingFactories() (map[string]providers.StreamingClientFactory, int) {
	factories := make(map[string]providers.StreamingClientFactory)
	seen := make(map[providers.DataSourceKind]bool)
	depth := 0

	for _, pc := range a.cfg.Providers.Streaming {
		if !pc.Enabled {
			continue
		}

		var factory providers.StreamingClientFactory
		kind := providers.DataSourceKind(pc.Kind)
		switch kind {
		case providers.KindWebsocket:
			wcfg := providers.DefaultWSConfig()
			wcfg.Name = pc.Name
			wcfg.URL = expandSecrets(pc.URL)
			factory = providers.WSFactory(wcfg)
		case providers.KindNATS:
			ncfg := providers.DefaultNATSConfig()
			ncfg.Name = pc.Name
			if pc.URL != "" {
				ncfg.URL = expandSecrets(pc.URL)
			}
			if pc.SubjectPrefix != "" {
				ncfg.SubjectPrefix = pc.SubjectPrefix
			}
			factory = providers.NATSFactory(ncfg)
		case providers.KindSimulated:
			scfg := providers.DefaultSimulatedConfig()
			scfg.Name = pc.Name
			scfg.Seed = pc.Seed
			factory = providers.SimulatedFactory(scfg)
		default:
			logging.Warn().Str("provider", pc.Name).Str("kind", pc.Kind).
				Msg("CORE: Skipping streaming provider of unknown kind")
			continue
		}

		factories[pc.Name] = factory
		if pc.DepthLevels > depth {
			depth = pc.DepthLevels
		}
		if !seen[kind] {
			seen[kind] = true
			if err := a.registry.RegisterStreaming(kind, factory); err != nil {
				logging.Warn().Err(err).Str("kind", string(kind)).
					Msg("CORE: Streaming kind already registered")
			}
		}
		logging.Info().Str("provider", pc.Name).Str("kind", pc.Kind).
			Msg("CORE: Streaming provider configured")
	}
	return factories, depth
}

// registerHistorical wires every enabled historical provider into the
// registry, with a symbol search provider riding the same endpoint,
// limiter, and token source.
func (a *app) registerHistorical() int {
	for _, pc := range a.cfg.Providers.Historical {
		if !pc.Enabled {
			continue
		}
		tokens := tokenSource(pc)
		limiter := a.limits.For(pc.Name)

		hcfg := providers.DefaultHTTPConfig()
		hcfg.Name = pc.Name
		hcfg.BaseURL = pc.BaseURL
		hcfg.Priority = pc.Priority
		if pc.Timeout > 0 {
			hcfg.Timeout = pc.Timeout
		}
		hist, err := providers.NewHTTPHistoricalProvider(hcfg, limiter, tokens)
		if err != nil {
			logging.Error().Err(err).Str("provider", pc.Name).
				Msg("CORE: Invalid historical provider; check base_url")
			return ExitProvider
		}
		if err := a.registry.RegisterHistorical(hist); err != nil {
			logging.Error().Err(err).Str("provider", pc.Name).
				Msg("CORE: Historical provider rejected; names must be unique")
			return ExitProvider
		}

		scfg := providers.DefaultSearchConfig()
		scfg.Name = pc.Name
		scfg.BaseURL = pc.BaseURL
		if pc.Timeout > 0 {
			scfg.Timeout = pc.Timeout
		}
		search, err := providers.NewHTTPSearchProvider(scfg, limiter, tokens)
		if err != nil {
			logging.Error().Err(err).Str("provider", pc.Name).
				Msg("CORE: Invalid search provider")
			return ExitProvider
		}
		var sp providers.SymbolSearchProvider = search
		if a.catalog != nil {
			sp = providers.NewCachedSearchProvider(search, a.catalog)
		}
		if err := a.registry.RegisterSearch(sp); err != nil {
			logging.Error().Err(err).Str("provider", pc.Name).
				Msg("CORE: Search provider rejected; names must be unique")
			return ExitProvider
		}

		logging.Info().Str("provider", pc.Name).Int("priority", pc.Priority).
			Msg("CORE: Historical provider registered")
	}
	return ExitOK
}

// failoverConfig merges the configured failover rules over the package
// defaults. An unset primary falls back to the lexicographically first
// enabled streaming provider, with the rest as backups in order.
func (a *app) failoverConfig(factories map[string]providers.StreamingClientFactory) (failover.Config, int) {
	fcfg := failover.DefaultConfig()
	fc := a.cfg.Failover
	if fc.FailoverAfter > 0 {
		fcfg.FailoverAfter = fc.FailoverAfter
	}
	if fc.ErrorWindow > 0 {
		fcfg.ErrorWindow = fc.ErrorWindow
	}
	if fc.ErrorThreshold > 0 {
		fcfg.ErrorThreshold = fc.ErrorThreshold
	}
	if fc.RecoveryStable > 0 {
		fcfg.RecoveryStable = fc.RecoveryStable
	}
	if fc.EvalInterval > 0 {
		fcfg.EvalInterval = fc.EvalInterval
	}
	fcfg.Primary = fc.Primary
	fcfg.Backups = fc.Backups

	if fcfg.Primary == "" {
		names := make([]string, 0, len(factories))
		for name := range factories {
			names = append(names, name)
		}
		sort.Strings(names)
		fcfg.Primary = names[0]
		fcfg.Backups = names[1:]
		logging.Info().Str("primary", fcfg.Primary).Strs("backups", fcfg.Backups).
			Msg("CORE: Derived feed order from enabled streaming providers")
	}
	return fcfg, ExitOK
}

// subscribeUniverse queues trade, quote, and depth subscriptions for
// every configured symbol. The controller applies them when a streaming
// provider activates and replays them on every switch.
func (a *app) subscribeUniverse(depth int) {
	subs := []providers.Subscription{
		{Capability: providers.CapTrades},
		{Capability: providers.CapQuotes},
	}
	if depth > 0 {
		subs = append(subs, providers.Subscription{Capability: providers.CapDepth, Levels: depth})
	}
	for _, symbol := range a.cfg.Symbols {
		if err := a.ctrl.Subscribe(symbol, subs); err != nil {
			logging.Warn().Err(err).Str("symbol", symbol).Msg("CORE: Subscription rejected")
		}
	}
	logging.Info().Int("symbols", len(a.cfg.Symbols)).Int("depth_levels", depth).
		Msg("CORE: Capture universe subscribed")
}

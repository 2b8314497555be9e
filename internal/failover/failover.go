// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package failover switches the active streaming provider under health
// rules. One rule per run: a primary plus an ordered list of backups.
// The controller scores each provider from its health events, fails over
// when the active stream is down too long or erroring too often, and
// fails back once the primary has been continuously healthy again.
//
// Switches are make-before-break: the replacement client is connected
// and subscribed before the old one is torn down, and the collectors see
// the boundary as a stream reset so books rebuild from the new feed.
package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/providers"
)

// connectPoll is how often the controller re-checks a candidate's track
// while waiting for it to report connected.
const connectPoll = 20 * time.Millisecond

// Config holds the switching rule for one run.
type Config struct {
	// Primary is the preferred streaming provider.
	Primary string `koanf:"primary"`
	// Backups are tried in order when the active provider fails.
	Backups []string `koanf:"backups"`
	// FailoverAfter is how long the active provider may stay
	// disconnected before a switch triggers.
	FailoverAfter time.Duration `koanf:"failover_after"`
	// ErrorWindow is the observation window for the error-rate rule.
	ErrorWindow time.Duration `koanf:"error_window"`
	// ErrorThreshold is the bad-event share in (0, 1] that triggers a
	// switch.
	ErrorThreshold float64 `koanf:"error_threshold"`
	// RecoveryStable is how long the primary must stay continuously
	// healthy before failback.
	RecoveryStable time.Duration `koanf:"recovery_stable"`
	// EvalInterval is the rule evaluation cadence.
	EvalInterval time.Duration `koanf:"eval_interval"`
}

// DefaultConfig returns production switching thresholds.
func DefaultConfig() Config {
	return Config{
		FailoverAfter:  30 * time.Second,
		ErrorWindow:    time.Minute,
		ErrorThreshold: 0.5,
		RecoveryStable: 5 * time.Minute,
		EvalInterval:   5 * time.Second,
	}
}

// Validate checks the rule for consistency.
func (c Config) Validate() error {
	if c.Primary == "" {
		return &ConfigError{Field: "Primary", Message: "must not be empty"}
	}
	if c.FailoverAfter <= 0 {
		return &ConfigError{Field: "FailoverAfter", Message: "must be positive"}
	}
	if c.ErrorWindow <= 0 {
		return &ConfigError{Field: "ErrorWindow", Message: "must be positive"}
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		return &ConfigError{Field: "ErrorThreshold", Message: "must be in (0, 1]"}
	}
	if c.RecoveryStable <= 0 {
		return &ConfigError{Field: "RecoveryStable", Message: "must be positive"}
	}
	if c.EvalInterval <= 0 {
		return &ConfigError{Field: "EvalInterval", Message: "must be positive"}
	}
	seen := map[string]bool{c.Primary: true}
	for _, b := range c.Backups {
		if b == "" {
			return &ConfigError{Field: "Backups", Message: "must not contain empty names"}
		}
		if seen[b] {
			return &ConfigError{Field: "Backups", Message: fmt.Sprintf("duplicate provider %q", b)}
		}
		seen[b] = true
	}
	return nil
}

// ConfigError describes an invalid failover configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "failover config error: " + e.Field + ": " + e.Message
}

// slot is one live client instance together with its health gate.
type slot struct {
	name   string
	client providers.StreamingClient
	gate   *healthGate
}

// Controller owns the streaming session for one rule. It builds clients
// lazily from per-provider factories, feeds their updates into the shared
// collector sink, and re-homes the desired subscription table whenever
// the active provider changes.
type Controller struct {
	cfg       Config
	factories map[string]providers.StreamingClientFactory
	updates   providers.UpdateSink

	mu           sync.Mutex
	subs         map[string][]providers.Subscription
	tracks       map[string]*providerTrack
	active       *slot
	probe        *slot
	lastSwitchAt time.Time
	lastReason   string

	switches  atomic.Int64
	failbacks atomic.Int64
}

// NewController builds a controller for the rule. Every provider the
// rule names must have a factory.
func NewController(cfg Config, factories map[string]providers.StreamingClientFactory, updates providers.UpdateSink) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if updates == nil {
		return nil, fmt.Errorf("update sink must not be nil")
	}
	c := &Controller{
		cfg:       cfg,
		factories: factories,
		updates:   updates,
		subs:      make(map[string][]providers.Subscription),
		tracks:    make(map[string]*providerTrack),
	}
	for _, name := range c.ruleOrder() {
		if factories[name] == nil {
			return nil, fmt.Errorf("no streaming factory for provider %q", name)
		}
		c.tracks[name] = &providerTrack{}
	}
	return c, nil
}

// ReportHealth folds a client health event into the provider's track.
// Never blocks.
func (c *Controller) ReportHealth(ev providers.HealthEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tracks[ev.Provider]
	if t == nil {
		t = &providerTrack{}
		c.tracks[ev.Provider] = t
	}
	t.observe(ev)
	t.prune(time.Now(), c.cfg.ErrorWindow)
}

// Subscribe records the channels in the desired table and applies them
// to the active client. Subscriptions made before the controller starts
// are applied on activation.
func (c *Controller) Subscribe(symbol string, what []providers.Subscription) error {
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	c.mu.Lock()
	for _, sub := range what {
		c.subs[symbol] = mergeSubscription(c.subs[symbol], sub)
	}
	act := c.active
	c.mu.Unlock()
	if act != nil {
		return act.client.Subscribe(symbol, what)
	}
	return nil
}

// Unsubscribe removes channels from the desired table and the active
// client. A nil what removes the symbol entirely.
func (c *Controller) Unsubscribe(symbol string, what []providers.Subscription) error {
	c.mu.Lock()
	if len(what) == 0 {
		delete(c.subs, symbol)
	} else {
		drop := providers.CapabilitySet{}
		for _, sub := range what {
			drop[sub.Capability] = true
		}
		var kept []providers.Subscription
		for _, sub := range c.subs[symbol] {
			if !drop.Has(sub.Capability) {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(c.subs, symbol)
		} else {
			c.subs[symbol] = kept
		}
	}
	act := c.active
	c.mu.Unlock()
	if act != nil {
		return act.client.Unsubscribe(symbol, what)
	}
	return nil
}

// Serve runs the controller under supervision: activates the primary,
// then evaluates the rule on a ticker until the context ends.
func (c *Controller) Serve(ctx context.Context) error {
	logging.Info().
		Str("primary", c.cfg.Primary).
		Strs("backups", c.cfg.Backups).
		Dur("failover_after", c.cfg.FailoverAfter).
		Msg("FAILOVER: Controller started")

	c.switchOver(ctx, c.ruleOrder(), "startup", false)

	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.evaluate(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (c *Controller) String() string { return "failover-controller" }

// evaluate runs one pass of the switching rule.
func (c *Controller) evaluate(ctx context.Context) {
	now := time.Now()
	c.publishScores(now)

	c.mu.Lock()
	act := c.active
	var reason string
	due := false
	if act != nil {
		reason, due = c.switchDueLocked(act.name, now)
	}
	failback := act != nil && act.name != c.cfg.Primary && c.failbackDueLocked(now)
	c.mu.Unlock()

	switch {
	case act == nil:
		c.switchOver(ctx, c.ruleOrder(), "activation retry", false)
	case due:
		c.switchOver(ctx, c.candidatesAfter(act.name), reason, false)
	case failback:
		c.switchOver(ctx, []string{c.cfg.Primary}, fmt.Sprintf("primary stable for %s", c.cfg.RecoveryStable), true)
	default:
		c.ensureProbe(ctx)
	}
}

// switchDueLocked reports whether the active provider violates the rule.
// Callers hold mu.
func (c *Controller) switchDueLocked(name string, now time.Time) (string, bool) {
	t := c.tracks[name]
	if t == nil {
		return "", false
	}
	if !t.connected && !t.downSince.IsZero() {
		if down := now.Sub(t.downSince); down > c.cfg.FailoverAfter {
			return fmt.Sprintf("disconnected for %s", down.Round(time.Millisecond)), true
		}
	}
	if rate, n := t.errorRate(now, c.cfg.ErrorWindow); n >= errorRateMinSamples && rate > c.cfg.ErrorThreshold {
		return fmt.Sprintf("error rate %.2f over %s", rate, c.cfg.ErrorWindow), true
	}
	return "", false
}

// failbackDueLocked reports whether the primary has been continuously
// healthy for RecoveryStable. Callers hold mu.
func (c *Controller) failbackDueLocked(now time.Time) bool {
	t := c.tracks[c.cfg.Primary]
	return t != nil && t.connected && !t.stableSince.IsZero() &&
		now.Sub(t.stableSince) >= c.cfg.RecoveryStable
}

// switchOver tries candidates in order until one activates. The old
// client stays live until its replacement is connected and subscribed.
func (c *Controller) switchOver(ctx context.Context, candidates []string, reason string, failback bool) {
	for _, name := range candidates {
		if ctx.Err() != nil {
			return
		}
		if c.activate(ctx, name, reason, failback) {
			c.ensureProbe(ctx)
			return
		}
	}
	logging.Error().
		Strs("candidates", candidates).
		Str("reason", reason).
		Msg("FAILOVER: No candidate could be activated")
}

// activate brings up one candidate and, on success, retires the old
// client. Returns false when the candidate cannot serve.
func (c *Controller) activate(ctx context.Context, name, reason string, failback bool) bool {
	client, gate, ok := c.buildClient(ctx, name, c.updates)
	if !ok {
		return false
	}
	if !c.waitConnected(ctx, name) {
		gate.mute()
		_ = client.Disconnect()
		logging.Warn().
			Str("provider", name).
			Dur("waited", c.cfg.FailoverAfter).
			Msg("FAILOVER: Candidate did not report connected in time")
		return false
	}

	// Reset boundary before the fresh subscriptions so books rebuild
	// from the new stream's snapshots.
	c.updates.OnStreamReset("failover: " + reason)
	for _, symbol := range c.subscribedSymbols() {
		c.mu.Lock()
		what := append([]providers.Subscription(nil), c.subs[symbol]...)
		c.mu.Unlock()
		if len(what) == 0 {
			continue
		}
		if err := client.Subscribe(symbol, what); err != nil {
			gate.mute()
			_ = client.Disconnect()
			logging.Warn().
				Str("provider", name).
				Str("symbol", symbol).
				Err(err).
				Msg("FAILOVER: Candidate subscribe failed")
			return false
		}
	}

	c.mu.Lock()
	prev := c.active
	c.active = &slot{name: name, client: client, gate: gate}
	c.lastSwitchAt = time.Now()
	c.lastReason = reason
	c.mu.Unlock()

	if prev != nil {
		prev.gate.mute()
		if err := prev.client.Disconnect(); err != nil {
			logging.Warn().
				Str("provider", prev.name).
				Err(err).
				Msg("FAILOVER: Old client disconnect failed")
		}
	}

	switch {
	case failback:
		c.failbacks.Add(1)
		from := ""
		if prev != nil {
			from = prev.name
		}
		metrics.RecordFailback(from, name)
		logging.Info().
			Str("from", from).
			Str("to", name).
			Msg("FAILOVER: Failed back to primary")
	case prev != nil || name != c.cfg.Primary:
		c.switches.Add(1)
		from := c.cfg.Primary
		if prev != nil {
			from = prev.name
		}
		metrics.RecordFailover(from, name)
		logging.Warn().
			Str("from", from).
			Str("to", name).
			Str("reason", reason).
			Msg("FAILOVER: Switched provider")
	default:
		logging.Info().
			Str("provider", name).
			Int("symbols", len(c.subscribedSymbols())).
			Msg("FAILOVER: Primary active")
	}
	return true
}

// buildClient constructs and connects a client for the provider, wired
// through a fresh health gate.
func (c *Controller) buildClient(ctx context.Context, name string, updates providers.UpdateSink) (providers.StreamingClient, *healthGate, bool) {
	gate := &healthGate{ctrl: c}
	client, err := c.factories[name](updates, gate)
	if err != nil {
		logging.Warn().
			Str("provider", name).
			Err(err).
			Msg("FAILOVER: Building client failed")
		return nil, nil, false
	}
	if err := client.Connect(ctx); err != nil {
		gate.mute()
		logging.Warn().
			Str("provider", name).
			Err(err).
			Msg("FAILOVER: Connect failed")
		return nil, nil, false
	}
	return client, gate, true
}

// waitConnected polls the provider's track until it reports connected or
// FailoverAfter passes. Clients connect asynchronously, so the connect
// call returning is not proof of a live stream.
func (c *Controller) waitConnected(ctx context.Context, name string) bool {
	deadline := time.Now().Add(c.cfg.FailoverAfter)
	for {
		c.mu.Lock()
		connected := c.tracks[name] != nil && c.tracks[name].connected
		c.mu.Unlock()
		if connected {
			return true
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return false
		}
		time.Sleep(connectPoll)
	}
}

// ensureProbe keeps a subscription-less watcher on the primary while a
// backup is active, so the failback rule can observe primary recovery.
// The probe feeds health only; its updates sink discards everything.
func (c *Controller) ensureProbe(ctx context.Context) {
	c.mu.Lock()
	act := c.active
	probe := c.probe
	c.mu.Unlock()

	if act == nil || act.name == c.cfg.Primary {
		c.closeProbe()
		return
	}
	if probe != nil {
		return
	}
	client, gate, ok := c.buildClient(ctx, c.cfg.Primary, discardSink{})
	if !ok {
		return
	}
	c.mu.Lock()
	c.probe = &slot{name: c.cfg.Primary, client: client, gate: gate}
	c.mu.Unlock()
	logging.Debug().
		Str("provider", c.cfg.Primary).
		Msg("FAILOVER: Probing primary for recovery")
}

// closeProbe retires the primary watcher.
func (c *Controller) closeProbe() {
	c.mu.Lock()
	probe := c.probe
	c.probe = nil
	c.mu.Unlock()
	if probe != nil {
		probe.gate.mute()
		_ = probe.client.Disconnect()
	}
}

// shutdown tears down the live clients on context end.
func (c *Controller) shutdown() {
	c.closeProbe()
	c.mu.Lock()
	act := c.active
	c.active = nil
	c.mu.Unlock()
	if act != nil {
		act.gate.mute()
		_ = act.client.Disconnect()
	}
	logging.Info().Msg("FAILOVER: Controller stopped")
}

// publishScores exports every provider's current health score.
func (c *Controller) publishScores(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range c.tracks {
		metrics.UpdateFeedHealth(name, t.score(now, c.cfg.FailoverAfter))
	}
}

// ruleOrder returns the rule's providers, primary first.
func (c *Controller) ruleOrder() []string {
	return append([]string{c.cfg.Primary}, c.cfg.Backups...)
}

// candidatesAfter returns the rule providers rotated to start after the
// named one, excluding it. A failing backup hands off to the next backup
// and only then back around to the primary.
func (c *Controller) candidatesAfter(name string) []string {
	order := c.ruleOrder()
	idx := 0
	for i, n := range order {
		if n == name {
			idx = i
			break
		}
	}
	out := make([]string, 0, len(order)-1)
	out = append(out, order[idx+1:]...)
	out = append(out, order[:idx]...)
	return out
}

// subscribedSymbols returns the desired symbols in stable order.
func (c *Controller) subscribedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// mergeSubscription replaces an existing entry for the same capability so
// a depth re-subscribe with new levels does not leave the stale one behind.
func mergeSubscription(subs []providers.Subscription, sub providers.Subscription) []providers.Subscription {
	for i := range subs {
		if subs[i].Capability == sub.Capability {
			subs[i] = sub
			return subs
		}
	}
	return append(subs, sub)
}

// Status is a point-in-time snapshot of the controller for the status
// file and the ops surface.
type Status struct {
	Primary      string           `json:"primary"`
	Active       string           `json:"active"`
	Switches     int64            `json:"switches"`
	Failbacks    int64            `json:"failbacks"`
	LastSwitchAt time.Time        `json:"last_switch_at,omitempty"`
	LastReason   string           `json:"last_reason,omitempty"`
	Providers    []ProviderStatus `json:"providers"`
}

// ProviderStatus is one provider's health as the controller sees it.
type ProviderStatus struct {
	Name              string    `json:"name"`
	Connected         bool      `json:"connected"`
	Score             float64   `json:"score"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastConnectedAt   time.Time `json:"last_connected_at,omitempty"`
}

// Status returns the controller snapshot, providers sorted by name.
func (c *Controller) Status() Status {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Primary:      c.cfg.Primary,
		Switches:     c.switches.Load(),
		Failbacks:    c.failbacks.Load(),
		LastSwitchAt: c.lastSwitchAt,
		LastReason:   c.lastReason,
	}
	if c.active != nil {
		st.Active = c.active.name
	}
	for name, t := range c.tracks {
		st.Providers = append(st.Providers, ProviderStatus{
			Name:              name,
			Connected:         t.connected,
			Score:             t.score(now, c.cfg.FailoverAfter),
			ConsecutiveErrors: t.consecutiveErrors,
			LastConnectedAt:   t.lastConnectedAt,
		})
	}
	sort.Slice(st.Providers, func(i, j int) bool { return st.Providers[i].Name < st.Providers[j].Name })
	return st
}

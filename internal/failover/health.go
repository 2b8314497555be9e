// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package failover

import (
	"sync/atomic"
	"time"

	"github.com/tomtom215/tabularium/internal/collectors"
	"github.com/tomtom215/tabularium/internal/providers"
)

const (
	// latencyBudget is the connect latency above which a provider's
	// score starts shaving.
	latencyBudget = time.Second

	// errorScorePenalty scales how hard consecutive errors depress the
	// score: each error divides it by 1 + penalty*count.
	errorScorePenalty = 0.25

	// errorRateMinSamples is the smallest number of health events inside
	// the window before the error-rate rule fires, so a single transient
	// error cannot trip a switch on its own.
	errorRateMinSamples = 4
)

// healthPoint is one health event reduced to what the error-rate rule
// needs.
type healthPoint struct {
	at  time.Time
	bad bool
}

// providerTrack accumulates health observations for one provider.
// All access goes through the controller mutex.
type providerTrack struct {
	connected         bool
	lastConnectedAt   time.Time
	downSince         time.Time
	stableSince       time.Time
	consecutiveErrors int
	latency           time.Duration
	events            []healthPoint
}

// observe folds one health event into the track.
func (t *providerTrack) observe(ev providers.HealthEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	t.events = append(t.events, healthPoint{at: ts, bad: ev.State != providers.HealthConnected})

	switch ev.State {
	case providers.HealthConnected:
		t.connected = true
		t.lastConnectedAt = ts
		t.downSince = time.Time{}
		t.consecutiveErrors = 0
		if t.stableSince.IsZero() {
			t.stableSince = ts
		}
	case providers.HealthError:
		// An async error does not prove the stream dropped, so the
		// connected flag stands. It does end any stability streak.
		t.consecutiveErrors++
		t.stableSince = time.Time{}
		if !t.connected && t.downSince.IsZero() {
			t.downSince = ts
		}
	case providers.HealthStale, providers.HealthDisconnected:
		if t.connected || t.downSince.IsZero() {
			t.downSince = ts
		}
		t.connected = false
		t.stableSince = time.Time{}
	}
	if ev.Latency > 0 {
		t.latency = ev.Latency
	}
}

// errorRate returns the share of bad health events inside the window and
// how many events the share is based on.
func (t *providerTrack) errorRate(now time.Time, window time.Duration) (float64, int) {
	t.prune(now, window)
	total := len(t.events)
	if total == 0 {
		return 0, 0
	}
	bad := 0
	for _, p := range t.events {
		if p.bad {
			bad++
		}
	}
	return float64(bad) / float64(total), total
}

// prune drops health points older than the window.
func (t *providerTrack) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(t.events) && !t.events[cut].at.Add(window).After(now) {
		cut++
	}
	if cut > 0 {
		t.events = append(t.events[:0], t.events[cut:]...)
	}
}

// score folds connectivity, consecutive errors, and latency into [0, 1].
// Connectivity dominates: a disconnected provider decays linearly to
// zero over failoverAfter.
func (t *providerTrack) score(now time.Time, failoverAfter time.Duration) float64 {
	var s float64
	switch {
	case t.connected:
		s = 1
	case t.downSince.IsZero():
		s = 0
	default:
		down := now.Sub(t.downSince)
		s = 1 - float64(down)/float64(failoverAfter)
		if s < 0 {
			s = 0
		}
	}
	if t.consecutiveErrors > 0 {
		s /= 1 + errorScorePenalty*float64(t.consecutiveErrors)
	}
	if t.latency > latencyBudget {
		s *= float64(latencyBudget) / float64(t.latency)
	}
	return s
}

// healthGate forwards client health events to the controller until the
// client is retired. Muting keeps a replaced client's dying gasps from
// polluting the track of its successor on the same provider.
type healthGate struct {
	ctrl  *Controller
	muted atomic.Bool
}

func (g *healthGate) ReportHealth(ev providers.HealthEvent) {
	if !g.muted.Load() {
		g.ctrl.ReportHealth(ev)
	}
}

func (g *healthGate) mute() { g.muted.Store(true) }

// discardSink drops all market updates. Probe clients use it so watching
// a recovering primary never feeds data or reset boundaries into the
// live collectors.
type discardSink struct{}

func (discardSink) OnTrade(string, collectors.TradeUpdate)           {}
func (discardSink) OnQuote(string, collectors.QuoteUpdate)           {}
func (discardSink) OnDepthSnapshot(string, collectors.DepthSnapshot) {}
func (discardSink) OnDepth(string, collectors.DepthUpdate)           {}
func (discardSink) OnStreamReset(string)                             {}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/tabularium/internal/collectors"
	"github.com/tomtom215/tabularium/internal/events"
)

const defaultDepthLevels = 5

// SimulatedConfig configures the synthetic feed.
type SimulatedConfig struct {
	Name         string        `koanf:"name"`
	Seed         int64         `koanf:"seed"`
	TickInterval time.Duration `koanf:"tick_interval"`
	StartPrice   float64       `koanf:"start_price"`
}

// DefaultSimulatedConfig returns the stock synthetic feed settings.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:         "simulated",
		Seed:         1,
		TickInterval: 100 * time.Millisecond,
		StartPrice:   100.0,
	}
}

// Validate checks the configuration for correctness.
func (c *SimulatedConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Message: "must not be empty"}
	}
	if c.TickInterval <= 0 {
		return &ConfigError{Field: "TickInterval", Message: "must be positive"}
	}
	if c.StartPrice <= 0 {
		return &ConfigError{Field: "StartPrice", Message: "must be positive"}
	}
	return nil
}

// SimulatedClient generates a random walk of trades, quotes, and depth
// updates without any network dependency. Two clients built with the same
// seed and subscription set produce identical value streams, which makes
// captures reproducible in tests and demos. Symbols are walked in sorted
// order each tick so the draw sequence does not depend on map iteration.
type SimulatedClient struct {
	cfg     SimulatedConfig
	updates UpdateSink
	health  HealthSink

	mu      sync.Mutex
	rng     *rand.Rand
	symbols map[string]*simSymbol
	tradeID int64
	cancel  context.CancelFunc
	done    chan struct{}
}

type simSymbol struct {
	price        float64
	subs         CapabilitySet
	levels       int
	snapshotSent bool
	position     uint64
	seq          uint64
	bids         []events.PriceLevel
	asks         []events.PriceLevel
}

// NewSimulatedClient builds a synthetic streaming client.
func NewSimulatedClient(cfg SimulatedConfig, updates UpdateSink, health HealthSink) (*SimulatedClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if updates == nil {
		return nil, fmt.Errorf("update sink must not be nil")
	}
	return &SimulatedClient{
		cfg:     cfg,
		updates: updates,
		health:  health,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		symbols: make(map[string]*simSymbol),
	}, nil
}

// SimulatedFactory adapts a config into a StreamingClientFactory for
// registry registration under KindSimulated.
func SimulatedFactory(cfg SimulatedConfig) StreamingClientFactory {
	return func(updates UpdateSink, health HealthSink) (StreamingClient, error) {
		return NewSimulatedClient(cfg, updates, health)
	}
}

// Name returns the configured client name.
func (c *SimulatedClient) Name() string { return c.cfg.Name }

// Capabilities reports full coverage. The synthetic feed serves every
// channel the capture pipeline understands.
func (c *SimulatedClient) Capabilities() CapabilitySet {
	return CapabilitySet{CapTrades: true, CapQuotes: true, CapDepth: true}
}

// Connect starts the tick loop. It returns immediately.
func (c *SimulatedClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("simulated client %q already connected", c.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(runCtx, c.done)
	c.report(HealthConnected, nil)
	return nil
}

// Disconnect stops the tick loop and waits for it to drain.
func (c *SimulatedClient) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.report(HealthDisconnected, nil)
	return nil
}

// Subscribe adds channels for a symbol. Subscribing depth again forces a
// fresh snapshot on the next tick.
func (c *SimulatedClient) Subscribe(symbol string, what []Subscription) error {
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	caps := c.Capabilities()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.symbols[symbol]
	if s == nil {
		s = &simSymbol{
			price:  c.cfg.StartPrice,
			subs:   CapabilitySet{},
			levels: defaultDepthLevels,
		}
		c.symbols[symbol] = s
	}
	for _, sub := range what {
		if !caps.Has(sub.Capability) {
			return fmt.Errorf("capability %q not supported by %q", sub.Capability, c.cfg.Name)
		}
		s.subs[sub.Capability] = true
		if sub.Capability == CapDepth {
			if sub.Levels > 0 {
				s.levels = sub.Levels
			}
			s.snapshotSent = false
		}
	}
	return nil
}

// Unsubscribe removes the listed channels for a symbol. A nil what, or
// removing the last channel, drops the symbol entirely. Unknown symbols
// are a no-op.
func (c *SimulatedClient) Unsubscribe(symbol string, what []Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.symbols[symbol]
	if !ok {
		return nil
	}
	if len(what) == 0 {
		delete(c.symbols, symbol)
		return nil
	}
	for _, sub := range what {
		delete(s.subs, sub.Capability)
	}
	if len(s.subs) == 0 {
		delete(c.symbols, symbol)
	}
	return nil
}

func (c *SimulatedClient) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *SimulatedClient) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.symbols))
	for name := range c.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	now := time.Now()
	for _, name := range names {
		c.emit(name, c.symbols[name], now)
	}
}

func (c *SimulatedClient) emit(symbol string, s *simSymbol, now time.Time) {
	s.price += (c.rng.Float64() - 0.5) * 0.2
	if s.price < 1 {
		s.price = 1
	}
	bid := round2(s.price - 0.05)
	ask := round2(s.price + 0.05)

	if s.subs.Has(CapQuotes) {
		c.updates.OnQuote(symbol, collectors.QuoteUpdate{
			Timestamp: now,
			BidPrice:  bid,
			BidSize:   float64(100 + c.rng.Intn(900)),
			AskPrice:  ask,
			AskSize:   float64(100 + c.rng.Intn(900)),
			Venue:     "SIM",
		})
	}
	if s.subs.Has(CapTrades) {
		// Aggressor is left blank so the trade collector infers it
		// from the prevailing quote, same as a real sparse feed.
		price := ask
		if c.rng.Intn(2) == 0 {
			price = bid
		}
		c.tradeID++
		c.updates.OnTrade(symbol, collectors.TradeUpdate{
			Timestamp: now,
			Price:     price,
			Size:      float64(1 + c.rng.Intn(500)),
			TradeID:   fmt.Sprintf("sim-%d", c.tradeID),
			Venue:     "SIM",
		})
	}
	if s.subs.Has(CapDepth) {
		if !s.snapshotSent {
			s.seq++
			s.bids = c.ladder(bid, -0.1, s.levels)
			s.asks = c.ladder(ask, 0.1, s.levels)
			s.position = 0
			s.snapshotSent = true
			c.updates.OnDepthSnapshot(symbol, collectors.DepthSnapshot{
				Timestamp:      now,
				SequenceNumber: s.seq,
				Bids:           append([]events.PriceLevel(nil), s.bids...),
				Asks:           append([]events.PriceLevel(nil), s.asks...),
			})
		} else {
			side := events.SideBid
			ladder := s.bids
			if c.rng.Intn(2) == 1 {
				side = events.SideAsk
				ladder = s.asks
			}
			level := c.rng.Intn(s.levels)
			size := float64(1 + c.rng.Intn(1000))
			ladder[level].Size = size
			s.position++
			c.updates.OnDepth(symbol, collectors.DepthUpdate{
				Timestamp: now,
				Position:  s.position,
				Level:     level,
				Side:      side,
				Op:        events.OpUpdate,
				Price:     ladder[level].Price,
				Size:      size,
			})
		}
	}
}

// ladder builds one side of a book image starting at best and stepping
// away from the touch.
func (c *SimulatedClient) ladder(best, step float64, n int) []events.PriceLevel {
	levels := make([]events.PriceLevel, n)
	price := best
	for i := range levels {
		levels[i] = events.PriceLevel{Price: round2(price), Size: float64(100 + c.rng.Intn(900))}
		price += step
	}
	return levels
}

func (c *SimulatedClient) report(state HealthState, err error) {
	if c.health == nil {
		return
	}
	c.health.ReportHealth(HealthEvent{
		Provider:  c.cfg.Name,
		State:     state,
		Err:       err,
		Timestamp: time.Now(),
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

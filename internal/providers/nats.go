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

	json "github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/tabularium/internal/collectors"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// NATSConfig configures the NATS streaming client.
type NATSConfig struct {
	Name          string        `koanf:"name"`
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

// DefaultNATSConfig returns production NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Name:          "nats",
		URL:           natsgo.DefaultURL,
		SubjectPrefix: "md",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Validate checks the configuration for correctness.
func (c *NATSConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Message: "must not be empty"}
	}
	if c.URL == "" {
		return &ConfigError{Field: "URL", Message: "must not be empty"}
	}
	if c.SubjectPrefix == "" {
		return &ConfigError{Field: "SubjectPrefix", Message: "must not be empty"}
	}
	if c.ReconnectWait <= 0 {
		return &ConfigError{Field: "ReconnectWait", Message: "must be positive"}
	}
	if c.MaxReconnects < -1 {
		return &ConfigError{Field: "MaxReconnects", Message: "must be -1 or greater"}
	}
	return nil
}

// natsTrade is the trade payload on {prefix}.{symbol}.trades.
type natsTrade struct {
	Ts         time.Time `json:"ts"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Aggressor  string    `json:"aggressor"`
	TradeID    string    `json:"trade_id"`
	Venue      string    `json:"venue"`
	Conditions []string  `json:"conditions"`
}

// natsQuote is the quote payload on {prefix}.{symbol}.quotes.
type natsQuote struct {
	Ts       time.Time `json:"ts"`
	BidPrice float64   `json:"bid_price"`
	BidSize  float64   `json:"bid_size"`
	AskPrice float64   `json:"ask_price"`
	AskSize  float64   `json:"ask_size"`
	Venue    string    `json:"venue"`
}

// natsDepth carries both snapshots and deltas on {prefix}.{symbol}.depth,
// discriminated by Kind.
type natsDepth struct {
	Kind     string    `json:"kind"` // snapshot, delta
	Ts       time.Time `json:"ts"`
	Sequence uint64    `json:"sequence"`
	Bids     []wsLevel `json:"bids"`
	Asks     []wsLevel `json:"asks"`
	Position uint64    `json:"position"`
	Level    int       `json:"level"`
	Side     string    `json:"side"`
	Op       string    `json:"op"`
	Price    float64   `json:"price"`
	Size     float64   `json:"size"`
	MM       string    `json:"mm"`
}

// NATSClient consumes market data republished on a NATS bus, one subject
// per symbol and channel. The nats.go client replays subscriptions after
// a reconnect on its own; messages published while disconnected are gone,
// so every reconnect raises a stream reset.
type NATSClient struct {
	cfg     NATSConfig
	updates UpdateSink
	health  HealthSink
	log     *logging.FeedLogger

	mu   sync.Mutex
	conn *natsgo.Conn
	subs map[string]map[Capability]*natsgo.Subscription
}

// NewNATSClient builds a NATS streaming client.
func NewNATSClient(cfg NATSConfig, updates UpdateSink, health HealthSink) (*NATSClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if updates == nil {
		return nil, fmt.Errorf("update sink must not be nil")
	}
	return &NATSClient{
		cfg:     cfg,
		updates: updates,
		health:  health,
		log:     logging.NewFeedLogger(cfg.Name),
		subs:    make(map[string]map[Capability]*natsgo.Subscription),
	}, nil
}

// NATSFactory adapts a config into a StreamingClientFactory for registry
// registration under KindNATS.
func NATSFactory(cfg NATSConfig) StreamingClientFactory {
	return func(updates UpdateSink, health HealthSink) (StreamingClient, error) {
		return NewNATSClient(cfg, updates, health)
	}
}

// Name returns the configured client name.
func (c *NATSClient) Name() string { return c.cfg.Name }

// Capabilities reports full coverage. Depth granularity is set by the
// upstream publisher; Subscription.Levels is ignored here.
func (c *NATSClient) Capabilities() CapabilitySet {
	return CapabilitySet{CapTrades: true, CapQuotes: true, CapDepth: true}
}

// Connect establishes the NATS connection. With retry-on-failed-connect
// the call returns immediately even when the server is down; the
// reconnect handler reports health once the connection lands.
func (c *NATSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("nats client %q already connected", c.cfg.Name)
	}

	opts := []natsgo.Option{
		natsgo.Name("tabularium-" + c.cfg.Name),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(c.cfg.MaxReconnects),
		natsgo.ReconnectWait(c.cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			metrics.UpdateFeedConnection(c.cfg.Name, false)
			c.report(HealthDisconnected, err, 0)
			c.log.LogDisconnected(err)
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			metrics.UpdateFeedConnection(c.cfg.Name, true)
			metrics.RecordFeedReconnect(c.cfg.Name)
			c.report(HealthConnected, nil, 0)
			c.log.LogConnected(nc.ConnectedUrl(), true)
			c.updates.OnStreamReset("nats reconnect")
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, _ *natsgo.Subscription, err error) {
			c.report(HealthError, err, 0)
			c.log.Warn("nats async error", "error", err)
		}),
	}

	start := time.Now()
	conn, err := natsgo.Connect(c.cfg.URL, opts...)
	if err != nil {
		c.report(HealthError, err, 0)
		return fmt.Errorf("connect to nats at %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	if conn.IsConnected() {
		metrics.UpdateFeedConnection(c.cfg.Name, true)
		c.report(HealthConnected, nil, time.Since(start))
		c.log.LogConnected(conn.ConnectedUrl(), false)
	}
	go func() {
		<-ctx.Done()
		_ = c.Disconnect()
	}()
	return nil
}

// Disconnect drains the connection so in-flight messages finish delivery.
func (c *NATSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]map[Capability]*natsgo.Subscription)
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
	}
	metrics.UpdateFeedConnection(c.cfg.Name, false)
	c.report(HealthDisconnected, nil, 0)
	return nil
}

// Subscribe attaches handlers for a symbol's channels.
func (c *NATSClient) Subscribe(symbol string, what []Subscription) error {
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	caps := c.Capabilities()
	for _, sub := range what {
		if !caps.Has(sub.Capability) {
			return fmt.Errorf("capability %q not supported by %q", sub.Capability, c.cfg.Name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("nats client %q not connected", c.cfg.Name)
	}
	chans := c.subs[symbol]
	if chans == nil {
		chans = make(map[Capability]*natsgo.Subscription)
		c.subs[symbol] = chans
	}
	for _, sub := range what {
		if _, ok := chans[sub.Capability]; ok {
			continue
		}
		subject := fmt.Sprintf("%s.%s.%s", c.cfg.SubjectPrefix, symbol, sub.Capability)
		var handler natsgo.MsgHandler
		switch sub.Capability {
		case CapTrades:
			handler = c.tradeHandler(symbol)
		case CapQuotes:
			handler = c.quoteHandler(symbol)
		case CapDepth:
			handler = c.depthHandler(symbol)
		}
		s, err := c.conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		chans[sub.Capability] = s
		c.log.LogSubscribed(symbol, string(sub.Capability))
	}
	return nil
}

// Unsubscribe detaches the listed channels for a symbol. A nil what
// detaches every channel.
func (c *NATSClient) Unsubscribe(symbol string, what []Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.subs[symbol]
	if chans == nil {
		return nil
	}
	if len(what) == 0 {
		for _, s := range chans {
			_ = s.Unsubscribe()
		}
		delete(c.subs, symbol)
		c.log.LogUnsubscribed(symbol, "all")
		return nil
	}
	for _, sub := range what {
		if s, ok := chans[sub.Capability]; ok {
			_ = s.Unsubscribe()
			delete(chans, sub.Capability)
			c.log.LogUnsubscribed(symbol, string(sub.Capability))
		}
	}
	if len(chans) == 0 {
		delete(c.subs, symbol)
	}
	return nil
}

func (c *NATSClient) tradeHandler(symbol string) natsgo.MsgHandler {
	return func(m *natsgo.Msg) {
		var t natsTrade
		if err := json.Unmarshal(m.Data, &t); err != nil {
			c.parseFailure(m.Subject, err)
			return
		}
		metrics.RecordFeedMessage(c.cfg.Name)
		c.updates.OnTrade(symbol, collectors.TradeUpdate{
			Timestamp:  t.Ts,
			Price:      t.Price,
			Size:       t.Size,
			Aggressor:  t.Aggressor,
			TradeID:    t.TradeID,
			Venue:      t.Venue,
			Conditions: t.Conditions,
		})
	}
}

func (c *NATSClient) quoteHandler(symbol string) natsgo.MsgHandler {
	return func(m *natsgo.Msg) {
		var q natsQuote
		if err := json.Unmarshal(m.Data, &q); err != nil {
			c.parseFailure(m.Subject, err)
			return
		}
		metrics.RecordFeedMessage(c.cfg.Name)
		c.updates.OnQuote(symbol, collectors.QuoteUpdate{
			Timestamp: q.Ts,
			BidPrice:  q.BidPrice,
			BidSize:   q.BidSize,
			AskPrice:  q.AskPrice,
			AskSize:   q.AskSize,
			Venue:     q.Venue,
		})
	}
}

func (c *NATSClient) depthHandler(symbol string) natsgo.MsgHandler {
	return func(m *natsgo.Msg) {
		var d natsDepth
		if err := json.Unmarshal(m.Data, &d); err != nil {
			c.parseFailure(m.Subject, err)
			return
		}
		metrics.RecordFeedMessage(c.cfg.Name)
		switch d.Kind {
		case "snapshot":
			c.updates.OnDepthSnapshot(symbol, collectors.DepthSnapshot{
				Timestamp:      d.Ts,
				SequenceNumber: d.Sequence,
				Bids:           wsLevels(d.Bids),
				Asks:           wsLevels(d.Asks),
			})
		case "delta":
			c.updates.OnDepth(symbol, collectors.DepthUpdate{
				Timestamp:   d.Ts,
				Position:    d.Position,
				Level:       d.Level,
				Side:        d.Side,
				Op:          d.Op,
				Price:       d.Price,
				Size:        d.Size,
				MarketMaker: d.MM,
			})
		default:
			c.parseFailure(m.Subject, fmt.Errorf("unknown depth kind %q", d.Kind))
		}
	}
}

func (c *NATSClient) parseFailure(subject string, err error) {
	metrics.RecordFeedParseFailure(c.cfg.Name)
	c.log.Warn("unparseable message dropped", "subject", subject, "error", err)
}

func (c *NATSClient) report(state HealthState, err error, latency time.Duration) {
	if c.health == nil {
		return
	}
	c.health.ReportHealth(HealthEvent{
		Provider:  c.cfg.Name,
		State:     state,
		Err:       err,
		Latency:   latency,
		Timestamp: time.Now(),
	})
}

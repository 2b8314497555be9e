// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/tomtom215/tabularium/internal/collectors"
	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
)

// WSConfig configures the WebSocket streaming client.
type WSConfig struct {
	Name             string        `koanf:"name"`
	URL              string        `koanf:"url"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PongWait         time.Duration `koanf:"pong_wait"`
	WriteWait        time.Duration `koanf:"write_wait"`
	MaxMessageSize   int64         `koanf:"max_message_size"`
	ReconnectMin     time.Duration `koanf:"reconnect_min"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
}

// DefaultWSConfig returns production WebSocket settings. Name and URL
// must be filled in by the caller.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   512 * 1024,
		ReconnectMin:     time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

// Validate checks the configuration for correctness.
func (c *WSConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Message: "must not be empty"}
	}
	if c.URL == "" {
		return &ConfigError{Field: "URL", Message: "must not be empty"}
	}
	if c.HandshakeTimeout <= 0 {
		return &ConfigError{Field: "HandshakeTimeout", Message: "must be positive"}
	}
	if c.PongWait <= 0 {
		return &ConfigError{Field: "PongWait", Message: "must be positive"}
	}
	if c.WriteWait <= 0 {
		return &ConfigError{Field: "WriteWait", Message: "must be positive"}
	}
	if c.MaxMessageSize <= 0 {
		return &ConfigError{Field: "MaxMessageSize", Message: "must be positive"}
	}
	if c.ReconnectMin <= 0 {
		return &ConfigError{Field: "ReconnectMin", Message: "must be positive"}
	}
	if c.ReconnectMax < c.ReconnectMin {
		return &ConfigError{Field: "ReconnectMax", Message: "must be at least ReconnectMin"}
	}
	return nil
}

// pingPeriod must fire inside PongWait or the peer looks stale.
func (c *WSConfig) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// wsSubscribeFrame is the outbound control frame. Channel carries the
// capability name; Levels only applies to depth.
type wsSubscribeFrame struct {
	Action  string `json:"action"`
	Symbol  string `json:"symbol"`
	Channel string `json:"channel"`
	Levels  int    `json:"levels,omitempty"`
}

// wsFrame is the inbound tick frame. One flat shape covers every message
// type; unused fields stay zero.
type wsFrame struct {
	Type        string    `json:"type"`
	Symbol      string    `json:"symbol"`
	Ts          time.Time `json:"ts"`
	Price       float64   `json:"price"`
	Size        float64   `json:"size"`
	Aggressor   string    `json:"aggressor"`
	TradeID     string    `json:"trade_id"`
	Venue       string    `json:"venue"`
	Conditions  []string  `json:"conditions"`
	BidPrice    float64   `json:"bid_price"`
	BidSize     float64   `json:"bid_size"`
	AskPrice    float64   `json:"ask_price"`
	AskSize     float64   `json:"ask_size"`
	Sequence    uint64    `json:"sequence"`
	Position    uint64    `json:"position"`
	Level       int       `json:"level"`
	Side        string    `json:"side"`
	Op          string    `json:"op"`
	MarketMaker string    `json:"mm"`
	Bids        []wsLevel `json:"bids"`
	Asks        []wsLevel `json:"asks"`
}

type wsLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	MM    string  `json:"mm"`
}

// WSClient streams market data over a WebSocket speaking a flat JSON tick
// protocol. It keeps the desired subscription set and replays it after
// every reconnect, pings inside the pong window, and treats a missed read
// deadline as staleness. Reconnects back off exponentially and raise a
// stream reset so downstream books rebuild from a fresh snapshot.
type WSClient struct {
	cfg     WSConfig
	updates UpdateSink
	health  HealthSink
	log     *logging.FeedLogger

	mu       sync.Mutex
	subs     map[string][]Subscription
	conn     *gorillaws.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	sessions int
}

// NewWSClient builds a WebSocket streaming client.
func NewWSClient(cfg WSConfig, updates UpdateSink, health HealthSink) (*WSClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if updates == nil {
		return nil, fmt.Errorf("update sink must not be nil")
	}
	return &WSClient{
		cfg:     cfg,
		updates: updates,
		health:  health,
		log:     logging.NewFeedLogger(cfg.Name),
		subs:    make(map[string][]Subscription),
	}, nil
}

// WSFactory adapts a config into a StreamingClientFactory for registry
// registration under KindWebsocket.
func WSFactory(cfg WSConfig) StreamingClientFactory {
	return func(updates UpdateSink, health HealthSink) (StreamingClient, error) {
		return NewWSClient(cfg, updates, health)
	}
}

// Name returns the configured client name.
func (c *WSClient) Name() string { return c.cfg.Name }

// Capabilities reports full coverage for the tick protocol.
func (c *WSClient) Capabilities() CapabilitySet {
	return CapabilitySet{CapTrades: true, CapQuotes: true, CapDepth: true}
}

// Connect starts the session loop. It returns immediately; the first dial
// happens on the loop goroutine so a slow upstream cannot stall startup.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("websocket client %q already connected", c.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Disconnect tears down the session loop and waits for it to drain.
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	c.report(HealthDisconnected, nil, 0)
	return nil
}

// Subscribe records the desired channels for a symbol and, when a session
// is live, sends the subscribe frames immediately. A write failure is not
// an error here; the reconnect replay covers it.
func (c *WSClient) Subscribe(symbol string, what []Subscription) error {
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
	for _, sub := range what {
		c.subs[symbol] = mergeSubscription(c.subs[symbol], sub)
		c.log.LogSubscribed(symbol, string(sub.Capability))
	}
	if c.conn != nil {
		for _, sub := range what {
			c.writeFrameLocked(subscribeFrame(symbol, sub))
		}
	}
	return nil
}

// Unsubscribe drops the listed channels for a symbol and tells the
// upstream when a session is live. A nil what drops every channel.
func (c *WSClient) Unsubscribe(symbol string, what []Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(what) == 0 {
		delete(c.subs, symbol)
		c.log.LogUnsubscribed(symbol, "all")
		if c.conn != nil {
			c.writeFrameLocked(wsSubscribeFrame{Action: "unsubscribe", Symbol: symbol})
		}
		return nil
	}
	drop := CapabilitySet{}
	for _, sub := range what {
		drop[sub.Capability] = true
	}
	var kept []Subscription
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
	for _, sub := range what {
		c.log.LogUnsubscribed(symbol, string(sub.Capability))
	}
	if c.conn != nil {
		for _, sub := range what {
			c.writeFrameLocked(wsSubscribeFrame{Action: "unsubscribe", Symbol: symbol, Channel: string(sub.Capability)})
		}
	}
	return nil
}

// mergeSubscription replaces an existing entry for the same capability so
// a depth re-subscribe with new levels does not leave the stale one behind.
func mergeSubscription(subs []Subscription, sub Subscription) []Subscription {
	for i := range subs {
		if subs[i].Capability == sub.Capability {
			subs[i] = sub
			return subs
		}
	}
	return append(subs, sub)
}

func subscribeFrame(symbol string, sub Subscription) wsSubscribeFrame {
	f := wsSubscribeFrame{Action: "subscribe", Symbol: symbol, Channel: string(sub.Capability)}
	if sub.Capability == CapDepth {
		f.Levels = sub.Levels
	}
	return f
}

// run dials, serves one session, and redials with exponential backoff
// until the context ends.
func (c *WSClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	delay := c.cfg.ReconnectMin
	for {
		start := time.Now()
		dialer := gorillaws.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.report(HealthError, err, 0)
			c.log.LogDialFailed(err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.ReconnectMax {
				delay = c.cfg.ReconnectMax
			}
			continue
		}
		delay = c.cfg.ReconnectMin

		c.attach(conn, time.Since(start))
		c.session(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
	}
}

// attach installs a fresh connection, replays the subscription set, and
// raises a stream reset on every session after the first.
func (c *WSClient) attach(conn *gorillaws.Conn, latency time.Duration) {
	c.mu.Lock()
	c.conn = conn
	c.sessions++
	reconnected := c.sessions > 1
	for symbol, subs := range c.subs {
		for _, sub := range subs {
			c.writeFrameLocked(subscribeFrame(symbol, sub))
		}
	}
	c.mu.Unlock()

	metrics.UpdateFeedConnection(c.cfg.Name, true)
	c.report(HealthConnected, nil, latency)
	c.log.LogConnected(c.cfg.URL, reconnected)
	if reconnected {
		metrics.RecordFeedReconnect(c.cfg.Name)
		c.updates.OnStreamReset("websocket reconnect")
	}
}

func (c *WSClient) detach(conn *gorillaws.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	metrics.UpdateFeedConnection(c.cfg.Name, false)
}

// session reads frames until the connection dies. The pinger closes the
// connection on context end or write failure, which unblocks the read.
func (c *WSClient) session(ctx context.Context, conn *gorillaws.Conn) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pinger(pingCtx, conn)

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.report(HealthStale, err, 0)
				c.log.LogStale(c.cfg.PongWait)
			case gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway):
				c.report(HealthError, err, 0)
				c.log.Warn("websocket closed unexpectedly", "error", err)
			default:
				c.report(HealthDisconnected, err, 0)
				c.log.LogDisconnected(err)
			}
			return
		}
		// Data frames prove liveness just as well as pongs.
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handleMessage(data)
	}
}

func (c *WSClient) pinger(ctx context.Context, conn *gorillaws.Conn) {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := conn.WriteControl(gorillaws.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// writeFrameLocked sends a control frame on the current connection. The
// caller holds c.mu, which serializes all writers on the connection.
func (c *WSClient) writeFrameLocked(frame wsSubscribeFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.conn.WriteMessage(gorillaws.TextMessage, payload); err != nil {
		c.log.Warn("subscribe frame write failed",
			"action", frame.Action, "symbol", frame.Symbol, "error", err)
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.RecordFeedParseFailure(c.cfg.Name)
		c.log.Warn("unparseable frame dropped", "error", err)
		return
	}
	metrics.RecordFeedMessage(c.cfg.Name)

	switch frame.Type {
	case "trade":
		c.updates.OnTrade(frame.Symbol, collectors.TradeUpdate{
			Timestamp:  frame.Ts,
			Price:      frame.Price,
			Size:       frame.Size,
			Aggressor:  frame.Aggressor,
			TradeID:    frame.TradeID,
			Venue:      frame.Venue,
			Conditions: frame.Conditions,
		})
	case "quote":
		c.updates.OnQuote(frame.Symbol, collectors.QuoteUpdate{
			Timestamp: frame.Ts,
			BidPrice:  frame.BidPrice,
			BidSize:   frame.BidSize,
			AskPrice:  frame.AskPrice,
			AskSize:   frame.AskSize,
			Venue:     frame.Venue,
		})
	case "depth_snapshot":
		c.updates.OnDepthSnapshot(frame.Symbol, collectors.DepthSnapshot{
			Timestamp:      frame.Ts,
			SequenceNumber: frame.Sequence,
			Bids:           wsLevels(frame.Bids),
			Asks:           wsLevels(frame.Asks),
		})
	case "depth":
		c.updates.OnDepth(frame.Symbol, collectors.DepthUpdate{
			Timestamp:   frame.Ts,
			Position:    frame.Position,
			Level:       frame.Level,
			Side:        frame.Side,
			Op:          frame.Op,
			Price:       frame.Price,
			Size:        frame.Size,
			MarketMaker: frame.MarketMaker,
		})
	default:
		// Acks and heartbeats from the upstream are expected noise.
		c.log.Debug("ignoring frame type", "type", frame.Type)
	}
}

func wsLevels(in []wsLevel) []events.PriceLevel {
	out := make([]events.PriceLevel, len(in))
	for i, l := range in {
		out[i] = events.PriceLevel{Price: l.Price, Size: l.Size, MarketMaker: l.MM}
	}
	return out
}

func (c *WSClient) report(state HealthState, err error, latency time.Duration) {
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


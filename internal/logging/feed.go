// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// FeedLogger gives streaming clients one shape for connection lifecycle
// and subscription log lines. Every line carries component=feed and the
// provider name, so a multi-provider capture can be split by feed.
type FeedLogger struct {
	logger zerolog.Logger
}

// NewFeedLogger creates a logger for one streaming provider.
func NewFeedLogger(provider string) *FeedLogger {
	return NewFeedLoggerWithLogger(Logger(), provider)
}

// NewFeedLoggerWithLogger creates a FeedLogger over a caller-supplied
// logger. Tests use this to capture output.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewFeedLoggerWithLogger(logger zerolog.Logger, provider string) *FeedLogger {
	return &FeedLogger{
		logger: logger.With().Str("component", "feed").Str("provider", provider).Logger(),
	}
}

// Debug logs a debug message with alternating key/value fields.
func (f *FeedLogger) Debug(msg string, fields ...interface{}) {
	addFieldPairs(f.logger.Debug(), fields).Msg(msg)
}

// Info logs an info message with alternating key/value fields.
func (f *FeedLogger) Info(msg string, fields ...interface{}) {
	addFieldPairs(f.logger.Info(), fields).Msg(msg)
}

// Warn logs a warning with alternating key/value fields. Error values
// render through zerolog's error serializer rather than as objects.
func (f *FeedLogger) Warn(msg string, fields ...interface{}) {
	addFieldPairs(f.logger.Warn(), fields).Msg(msg)
}

// LogConnected logs a session establishment. reconnect distinguishes a
// recovered session, which downstream books observe as a stream reset.
func (f *FeedLogger) LogConnected(endpoint string, reconnect bool) {
	f.logger.Info().
		Str("endpoint", endpoint).
		Bool("reconnect", reconnect).
		Msg("feed connected")
}

// LogDisconnected logs a session loss with the cause when known.
func (f *FeedLogger) LogDisconnected(err error) {
	event := f.logger.Warn()
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("feed disconnected")
}

// LogDialFailed logs a failed connection attempt and the backoff before
// the next one.
func (f *FeedLogger) LogDialFailed(err error, retryIn time.Duration) {
	f.logger.Warn().Err(err).Dur("retry_in", retryIn).Msg("feed dial failed")
}

// LogStale logs a silence past the read deadline; the session is torn
// down and redialed.
func (f *FeedLogger) LogStale(silentFor time.Duration) {
	f.logger.Warn().Dur("silent_for", silentFor).Msg("feed stale, reconnecting")
}

// LogSubscribed logs a new subscription channel.
func (f *FeedLogger) LogSubscribed(symbol, channel string) {
	f.Info("subscribed", "symbol", symbol, "channel", channel)
}

// LogUnsubscribed logs a dropped subscription channel.
func (f *FeedLogger) LogUnsubscribed(symbol, channel string) {
	f.Info("unsubscribed", "symbol", symbol, "channel", channel)
}

// addFieldPairs adds alternating key/value pairs to an event. Non-string
// keys and odd trailing values are ignored; error values get the
// dedicated serializer so their message lands in the log line.
func addFieldPairs(event *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, ok := fields[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, fields[i+1])
	}
	return event
}

// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package ops serves the operational HTTP endpoint: /metrics (Prometheus),
// /healthz (liveness), and /statusz (the same snapshot the status file
// carries). The listener is internal tooling surface, not a public API:
// no auth, no dashboard, bind it accordingly.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/status"
)

// ConfigError describes an invalid ops endpoint configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "ops config error: " + e.Field + ": " + e.Message
}

// Config holds the operational endpoint settings.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// DefaultConfig returns production-ready ops endpoint settings.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Host:    "0.0.0.0",
		Port:    8090,
	}
}

// Validate checks the configuration. Port 0 is valid and means
// disabled.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Message: "must be between 0 and 65535"}
	}
	return nil
}

// Active reports whether the endpoint should listen at all.
func (c Config) Active() bool {
	return c.Enabled && c.Port > 0
}

// StatusSource produces the system snapshot served by /statusz.
//
// Satisfied by *status.Writer.
type StatusSource interface {
	Snapshot() *status.Document
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Server is the operational HTTP endpoint. It satisfies the supervisor
// HTTPServer wrapper contract (ListenAndServe / Shutdown).
type Server struct {
	cfg     Config
	version string
	started time.Time
	src     StatusSource
	httpSrv *http.Server
}

// NewServer builds the ops endpoint with its routes wired. The status
// source must not be nil; /statusz is the point of the listener.
func NewServer(cfg Config, version string, src StatusSource) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("ops: status source must not be nil")
	}

	s := &Server{
		cfg:     cfg,
		version: version,
		started: time.Now().UTC(),
		src:     src,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)
	r.Get("/statusz", s.handleStatusz)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe starts the listener and blocks until shutdown or
// failure.
func (s *Server) ListenAndServe() error {
	logging.Info().
		Str("addr", s.httpSrv.Addr).
		Msg("OPS: Endpoint listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleHealthz reports process liveness. It answers 200 as long as the
// process is serving; degradation detail lives in /statusz.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

// handleStatusz serves the same document the status file writer
// persists, generated fresh for each request.
func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.src.Snapshot())
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		logging.Error().Err(err).Msg("OPS: Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("OPS: Failed to write JSON response")
	}
}

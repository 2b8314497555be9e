// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package core composes the capture process from the subsystem packages.
//
// There is no dependency-injection container: Run builds each component
// explicitly, in dependency order, and wires them by hand.
//
// # Construction Order
//
//  1. Configuration: Koanf layers (defaults, YAML file, TABVLM_* environment)
//  2. Logging: zerolog, configured from the loaded settings
//  3. Metrics: Prometheus app info gauge
//  4. Sink: JSONL partitions, optional DuckDB mirror behind a composite
//  5. WAL: segmented write-ahead log (optional)
//  6. Audit: drop audit trail
//  7. Dedup: persistent identity ledger (optional)
//  8. Pipeline: bounded queue + consumer, then WAL recovery replay
//  9. Collectors: per-symbol trade/quote/depth state machines
//  10. Providers: rate limiters, registry, streaming factories, historical
//  11. Failover: primary/backup controller over the streaming factories
//  12. Backfill: job store, gap detector, coordinator
//  13. Status: periodic status.json writer
//  14. Supervisor: four-layer suture tree over the long-running services
//  15. Ops: operational HTTP endpoint (/metrics, /healthz, /statusz)
//
// # Commands
//
// The options struct selects one of three commands. "run" starts the full
// capture process under the supervisor tree and blocks until a signal.
// "backfill" resumes persisted ingestion jobs, drains them, and exits.
// "replay" republishes a stored event file or directory through the
// pipeline and exits.
//
// # Shutdown
//
// SIGINT and SIGTERM cancel the run context. The supervisor tree stops its
// services within the shutdown timeout, and only then does the pipeline
// close: closing is terminal (final flush, WAL seal), so it must come
// after every supervised service has let go of the pipeline.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tomtom215/tabularium/internal/config"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/replay"
	"github.com/tomtom215/tabularium/internal/supervisor"
	"github.com/tomtom215/tabularium/internal/supervisor/services"
)

// Version is stamped into the status file, the ops endpoint, and the
// app_info metric. Overridden at build time:
//
//	go build -ldflags "-X github.com/tomtom215/tabularium/internal/core.Version=v2.1.0"
var Version = "dev"

// Run modes. Web and desktop select an external UI surface; the capture
// process itself is identical in all three.
const (
	ModeHeadless = "headless"
	ModeWeb      = "web"
	ModeDesktop  = "desktop"
)

// Commands.
const (
	CommandRun      = "run"
	CommandBackfill = "backfill"
	CommandReplay   = "replay"
)

// Process exit codes returned by Run.
const (
	ExitOK         = 0
	ExitConfig     = 1 // invalid options or configuration
	ExitProvider   = 2 // provider wiring failed
	ExitSchema     = 3 // stored data fails schema validation in strict mode
	ExitFileAccess = 4 // data root, WAL, or job store not usable
	ExitConnection = 5 // supervised services failed beyond recovery
)

// defaultSymbol is captured when no universe is configured, so a bare
// config still produces observable output.
const defaultSymbol = "SPY"

// opsShutdownTimeout bounds draining of in-flight ops requests.
const opsShutdownTimeout = 10 * time.Second

// Options is the CLI surface mapped onto the core.
type Options struct {
	// ConfigPath is an explicit YAML config file. Empty falls back to
	// CONFIG_PATH and the default search locations.
	ConfigPath string

	// Mode is headless, web, or desktop. Empty means headless.
	Mode string

	// Port overrides the configured ops endpoint port when positive.
	Port int

	// Command is run, backfill, or replay. Empty means run.
	Command string

	// ReplayPath is the stored event file or directory for the replay
	// command.
	ReplayPath string

	// WatchConfig re-applies the logging level when the config file
	// changes. Everything else requires a restart.
	WatchConfig bool

	// ValidateSchemas spot-checks stored partition files against the
	// current event schema before starting.
	ValidateSchemas bool

	// StrictSchemas turns schema mismatches into a refusal to start.
	StrictSchemas bool
}

// normalize fills option defaults and rejects values outside the surface.
func (o *Options) normalize() error {
	if o.Mode == "" {
		o.Mode = ModeHeadless
	}
	if o.Command == "" {
		o.Command = CommandRun
	}
	switch o.Mode {
	case ModeHeadless, ModeWeb, ModeDesktop:
	default:
		return fmt.Errorf("unknown mode %q: use headless, web, or desktop", o.Mode)
	}
	switch o.Command {
	case CommandRun, CommandBackfill, CommandReplay:
	default:
		return fmt.Errorf("unknown command %q: use run, backfill, or replay", o.Command)
	}
	if o.Command == CommandReplay && o.ReplayPath == "" {
		return fmt.Errorf("replay command requires a replay path")
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("port %d out of range 0..65535", o.Port)
	}
	return nil
}

// Run builds the process described by the options and executes the
// selected command. It returns the process exit code; the caller passes
// it to os.Exit.
func Run(ctx context.Context, opts Options) int {
	if err := opts.normalize(); err != nil {
		logging.Error().Err(err).Msg("CORE: Invalid options")
		return ExitConfig
	}

	cfg, err := config.LoadWithKoanf(opts.ConfigPath)
	if err != nil {
		logging.Error().Err(err).
			Msg("CORE: Failed to load configuration; check the config file and TABVLM_* environment variables")
		return ExitConfig
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", Version).
		Str("mode", opts.Mode).
		Str("command", opts.Command).
		Str("data_root", cfg.Storage.DataRoot).
		Msg("CORE: Starting Tabularium")

	if opts.Mode != ModeHeadless {
		logging.Warn().
			Str("mode", opts.Mode).
			Msg("CORE: UI surfaces are served by a separate frontend; capture runs identically")
	}

	if opts.Port > 0 {
		cfg.Ops.Port = opts.Port
	}

	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{defaultSymbol}
		logging.Warn().
			Str("symbol", defaultSymbol).
			Msg("CORE: No symbols configured, capturing the default universe")
	}

	if opts.WatchConfig {
		watchLoggingConfig(opts.ConfigPath)
	}

	if opts.ValidateSchemas {
		if code := verifyStoredSchemas(cfg.Storage.DataRoot, opts.StrictSchemas); code != ExitOK {
			return code
		}
	}

	metrics.AppInfo.WithLabelValues(Version, runtime.Version()).Set(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchSignals(ctx, cancel)

	a, code := buildApp(cfg, opts)
	if code != ExitOK {
		if a != nil {
			a.close()
		}
		return code
	}
	defer a.close()

	switch opts.Command {
	case CommandReplay:
		return a.runReplay(ctx, opts.ReplayPath)
	case CommandBackfill:
		return a.runBackfill(ctx)
	default:
		return a.runCapture(ctx)
	}
}

// watchSignals cancels the run context on SIGINT or SIGTERM.
func watchSignals(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logging.Info().Str("signal", sig.String()).Msg("CORE: Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
}

// watchLoggingConfig re-applies the logging level whenever the config
// file changes. Running subsystems keep their construction-time settings;
// everything else needs a restart to take effect.
func watchLoggingConfig(path string) {
	if path == "" {
		logging.Warn().Msg("CORE: Config watching requires an explicit config path, skipping")
		return
	}
	err := config.WatchConfigFile(path, func() {
		cfg, err := config.LoadWithKoanf(path)
		if err != nil {
			logging.Warn().Err(err).Msg("CORE: Ignoring config change that fails validation")
			return
		}
		logging.SetLevelString(cfg.Logging.Level)
		logging.Info().Str("level", cfg.Logging.Level).Msg("CORE: Log level re-applied from changed config")
	})
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("CORE: Failed to watch config file")
	}
}

// runCapture runs the full capture process under the supervisor tree
// until the context is cancelled or the tree dies.
func (a *app) runCapture(ctx context.Context) int {
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Failed to create supervisor tree")
		return ExitConfig
	}

	tree.AddDataService(services.NewPipelineService(a.pipe))
	tree.AddDataService(services.NewFlusherService(a.pipe))
	if a.deduper != nil {
		tree.AddDataService(services.NewCompactorService(a.deduper, a.cfg.Dedup.CompactInterval))
	}
	if a.cfg.Status.Enabled {
		tree.AddDataService(services.NewStatusService(a.writer))
	}
	if a.ctrl != nil {
		tree.AddFeedService(a.ctrl)
	}
	tree.AddJobsService(services.NewBackfillService(a.coord))
	if a.ops != nil {
		tree.AddOpsService(services.NewHTTPServerService(a.ops, opsShutdownTimeout))
		logging.Info().Str("addr", a.ops.Addr()).Msg("CORE: Operational endpoint enabled")
	}

	started := time.Now()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.AppUptime.Set(time.Since(started).Seconds())
			}
		}
	}()

	logging.Info().Msg("CORE: Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	var fatal error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			fatal = err
			logging.Error().Err(err).Msg("CORE: Supervisor tree failed")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) && fatal == nil {
			fatal = err
			logging.Error().Err(err).Msg("CORE: Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("CORE: Service failed to stop within timeout")
	}

	if err := a.pipe.Close(); err != nil {
		logging.Error().Err(err).Msg("CORE: Pipeline close failed")
	}

	if fatal != nil {
		return ExitConnection
	}
	logging.Info().Msg("CORE: Stopped gracefully")
	return ExitOK
}

// runBackfill resumes persisted ingestion jobs, drains the queue, and
// exits. The feed layer is never built for this command.
func (a *app) runBackfill(ctx context.Context) int {
	a.pipe.Start()

	jobs, err := a.coord.ResumePending()
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Failed to resume persisted jobs")
		_ = a.pipe.Close()
		return ExitFileAccess
	}
	if len(jobs) == 0 {
		logging.Info().Msg("CORE: No pending ingestion jobs")
	} else {
		logging.Info().Int("jobs", len(jobs)).Msg("CORE: Draining pending ingestion jobs")
	}

	runErr := a.coord.RunPending(ctx)
	closeErr := a.pipe.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logging.Error().Err(runErr).Msg("CORE: Backfill drain failed")
		return ExitProvider
	}
	if closeErr != nil {
		logging.Error().Err(closeErr).Msg("CORE: Pipeline close failed")
		return ExitFileAccess
	}
	logging.Info().Msg("CORE: Backfill drain complete")
	return ExitOK
}

// runReplay republishes a stored event file or directory through the
// pipeline and exits.
func (a *app) runReplay(ctx context.Context, path string) int {
	a.pipe.Start()

	replayer, err := replay.NewReplayer(a.pipe)
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Failed to build replayer")
		_ = a.pipe.Close()
		return ExitConfig
	}

	res, runErr := replayer.Replay(ctx, path)
	closeErr := a.pipe.Close()

	logging.Info().
		Int("files", res.Files).
		Int("events", res.Events).
		Int("failed", res.Failed).
		Msg("CORE: Replay finished")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logging.Error().Err(runErr).Str("path", path).Msg("CORE: Replay failed")
		return ExitFileAccess
	}
	if closeErr != nil {
		logging.Error().Err(closeErr).Msg("CORE: Pipeline close failed")
		return ExitFileAccess
	}
	return ExitOK
}

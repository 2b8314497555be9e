// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package core

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/tomtom215/tabularium/internal/audit"
	"github.com/tomtom215/tabularium/internal/backfill"
	"github.com/tomtom215/tabularium/internal/collectors"
	"github.com/tomtom215/tabularium/internal/config"
	"github.com/tomtom215/tabularium/internal/dedup"
	"github.com/tomtom215/tabularium/internal/failover"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/ops"
	"github.com/tomtom215/tabularium/internal/pipeline"
	"github.com/tomtom215/tabularium/internal/providers"
	"github.com/tomtom215/tabularium/internal/ratelimit"
	"github.com/tomtom215/tabularium/internal/sink"
	"github.com/tomtom215/tabularium/internal/status"
	"github.com/tomtom215/tabularium/internal/wal"
)

// feedSource is the logical source recorded on live streamed events. It
// stays constant across provider failover so (source, symbol) sequence
// numbering remains monotone no matter which provider is active.
const feedSource = "feed"

// app holds every constructed subsystem. Fields stay nil when the
// corresponding feature is disabled or not needed by the command.
type app struct {
	cfg *config.AppConfig

	catalog *providers.CatalogCache
	jsonl   *sink.JSONLSink
	duck    *sink.DuckDBSink
	store   sink.Sink
	namer   *sink.Namer

	wal     *wal.WAL
	trail   *audit.Trail
	deduper *dedup.Deduper
	pipe    *pipeline.Pipeline

	set      *collectors.CollectorSet
	limits   *ratelimit.Registry
	registry *providers.Registry
	ctrl     *failover.Controller

	jobs  *backfill.Store
	coord *backfill.Coordinator

	writer *status.Writer
	ops    *ops.Server

	closeOnce sync.Once
}

// buildApp constructs the subsystems in dependency order. On failure it
// returns the partially built app (so the caller can release what was
// opened) and the exit code describing the failure.
func buildApp(cfg *config.AppConfig, opts Options) (*app, int) {
	a := &app{cfg: cfg}

	// The feed layer only matters for live capture. Backfill and replay
	// publish straight into the pipeline.
	needFeed := opts.Command == CommandRun
	needOps := opts.Command == CommandRun

	if code := a.buildStores(); code != ExitOK {
		return a, code
	}
	if code := a.buildDurability(); code != ExitOK {
		return a, code
	}
	if code := a.buildFeed(needFeed); code != ExitOK {
		return a, code
	}
	if code := a.buildJobs(); code != ExitOK {
		return a, code
	}
	if code := a.buildObservability(needOps); code != ExitOK {
		return a, code
	}
	return a, ExitOK
}

// buildStores opens the asset-class catalog, the JSONL partition sink,
// and the optional DuckDB mirror.
func (a *app) buildStores() int {
	root := a.cfg.Storage.DataRoot

	if a.cfg.Providers.Catalog.Enabled {
		ccfg := providers.DefaultCatalogConfig()
		ccfg.Path = deriveDir(a.cfg.Providers.Catalog.Dir, root, "_catalog")
		if a.cfg.Providers.Catalog.TTL > 0 {
			ccfg.TTL = a.cfg.Providers.Catalog.TTL
		}
		cat, err := providers.NewCatalogCache(ccfg)
		if err != nil {
			logging.Warn().Err(err).Str("path", ccfg.Path).
				Msg("CORE: Catalog cache unavailable, partitioning without asset classes")
		} else {
			a.catalog = cat
			logging.Info().Str("path", ccfg.Path).Msg("CORE: Catalog cache opened")
		}
	}

	var resolver sink.AssetClassResolver
	if a.catalog != nil {
		resolver = a.catalog.AssetClass
	}

	scfg := sink.DefaultConfig()
	scfg.Dir = root
	scfg.Compress = a.cfg.Storage.Compression
	if a.cfg.Storage.NamingPolicy != "" {
		p, err := sink.ParsePolicy(a.cfg.Storage.NamingPolicy)
		if err != nil {
			logging.Error().Err(err).Msg("CORE: Invalid storage naming policy")
			return ExitConfig
		}
		scfg.Policy = p
	}
	if a.cfg.Storage.DatePartition != "" {
		dp, err := sink.ParseDatePartition(a.cfg.Storage.DatePartition)
		if err != nil {
			logging.Error().Err(err).Msg("CORE: Invalid storage date partition")
			return ExitConfig
		}
		scfg.DatePartition = dp
	}
	if a.cfg.Storage.MaxOpenPartitions > 0 {
		scfg.MaxOpenPartitions = a.cfg.Storage.MaxOpenPartitions
	}
	if a.cfg.Storage.BufferSize > 0 {
		scfg.BufferSize = a.cfg.Storage.BufferSize
	}

	jsonl, err := sink.NewJSONLSink(scfg, resolver)
	if err != nil {
		logging.Error().Err(err).Str("dir", root).
			Msg("CORE: Failed to open partition store; check the data root exists and is writable")
		return ExitFileAccess
	}
	a.jsonl = jsonl
	a.store = jsonl
	a.namer = sink.NewNamer(scfg.Policy, scfg.DatePartition, scfg.Compress, resolver)

	if a.cfg.Storage.DuckDBEnabled {
		dcfg := sink.DefaultDuckDBConfig()
		dcfg.Path = a.cfg.Storage.DuckDBPath
		if dcfg.Path == "" {
			dcfg.Path = filepath.Join(root, "market_events.duckdb")
		}
		db, err := sink.OpenDuckDB(dcfg)
		if err != nil {
			logging.Warn().Err(err).Str("path", dcfg.Path).
				Msg("CORE: DuckDB unavailable, capturing to JSONL only")
			return ExitOK
		}
		duck, err := sink.NewDuckDBSink(db, dcfg)
		if err != nil {
			logging.Warn().Err(err).Msg("CORE: DuckDB sink rejected, capturing to JSONL only")
			return ExitOK
		}
		composite, err := sink.NewCompositeSink(
			sink.NamedSink{Name: "jsonl", Sink: jsonl},
			sink.NamedSink{Name: "duckdb", Sink: duck},
		)
		if err != nil {
			logging.Warn().Err(err).Msg("CORE: Composite sink rejected, capturing to JSONL only")
			_ = duck.Close()
			return ExitOK
		}
		a.duck = duck
		a.store = composite
		logging.Info().Str("path", dcfg.Path).Msg("CORE: DuckDB mirror enabled")
	}
	return ExitOK
}

// buildDurability opens the WAL, the drop audit trail, and the dedup
// ledger, then assembles the pipeline and replays uncommitted WAL
// records into the sink.
func (a *app) buildDurability() int {
	root := a.cfg.Storage.DataRoot

	if a.cfg.WAL.Enabled {
		wcfg := wal.DefaultConfig()
		wcfg.Dir = deriveDir(a.cfg.WAL.Dir, root, "_wal")
		if a.cfg.WAL.SegmentSize > 0 {
			wcfg.SegmentSize = a.cfg.WAL.SegmentSize
		}
		if a.cfg.WAL.SyncMode != "" {
			mode, err := wal.ParseSyncMode(a.cfg.WAL.SyncMode)
			if err != nil {
				logging.Error().Err(err).Msg("CORE: Invalid WAL sync mode")
				return ExitConfig
			}
			wcfg.SyncMode = mode
		}
		if a.cfg.WAL.SyncBatchSize > 0 {
			wcfg.BatchSize = a.cfg.WAL.SyncBatchSize
		}
		if a.cfg.WAL.SyncMaxDelay > 0 {
			wcfg.MaxDelay = a.cfg.WAL.SyncMaxDelay
		}
		w, err := wal.Open(wcfg)
		if err != nil {
			logging.Error().Err(err).Str("dir", wcfg.Dir).
				Msg("CORE: Failed to open write-ahead log; check the directory is writable")
			return ExitFileAccess
		}
		a.wal = w
	}

	acfg := audit.DefaultConfig()
	acfg.Dir = filepath.Join(root, "_audit")
	trail, err := audit.NewTrail(acfg)
	if err != nil {
		logging.Error().Err(err).Str("dir", acfg.Dir).
			Msg("CORE: Failed to open drop audit trail")
		return ExitFileAccess
	}
	a.trail = trail

	if a.cfg.Dedup.Enabled {
		dcfg := dedup.DefaultConfig()
		dcfg.Dir = deriveDir(a.cfg.Dedup.Dir, root, "_dedup")
		if a.cfg.Dedup.TTL > 0 {
			dcfg.TTL = a.cfg.Dedup.TTL
		}
		if a.cfg.Dedup.CompactInterval > 0 {
			dcfg.CompactInterval = a.cfg.Dedup.CompactInterval
		}
		d, err := dedup.New(dcfg)
		if err != nil {
			logging.Error().Err(err).Str("dir", dcfg.Dir).
				Msg("CORE: Failed to open dedup ledger")
			return ExitFileAccess
		}
		a.deduper = d
	}

	policy, err := pipeline.ParsePolicy(a.cfg.Pipeline.DropPolicy)
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Invalid pipeline drop policy")
		return ExitConfig
	}
	pcfg := pipeline.Config{
		QueueCapacity:     a.cfg.Pipeline.Capacity,
		BatchSize:         a.cfg.Pipeline.BatchSize,
		Policy:            policy,
		FlushInterval:     a.cfg.Pipeline.FlushInterval,
		FinalFlushTimeout: a.cfg.Pipeline.FinalFlushTimeout,
	}

	// Interface parameters must stay nil, not wrap nil pointers, when a
	// feature is disabled.
	var wlog pipeline.WriteAheadLog
	if a.wal != nil {
		wlog = pipeline.WrapWAL(a.wal)
	}
	var deduper pipeline.Deduper
	if a.deduper != nil {
		deduper = a.deduper
	}

	pipe, err := pipeline.New(pcfg, a.store, wlog, deduper, a.trail)
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Invalid pipeline configuration")
		return ExitConfig
	}
	a.pipe = pipe

	rec, err := pipe.Recover()
	if err != nil {
		logging.Error().Err(err).
			Msg("CORE: WAL recovery failed; inspect or move the WAL directory before restarting")
		return ExitFileAccess
	}
	if rec.TotalPending > 0 {
		logging.Info().
			Int("pending", rec.TotalPending).
			Int("recovered", rec.Recovered).
			Int("failed", rec.Failed).
			Dur("duration", rec.Duration).
			Msg("CORE: Replayed uncommitted WAL records")
	}
	return ExitOK
}

// buildFeed wires rate limiters, the provider registry, and, for the
// run command, the collector set and failover controller.
func (a *app) buildFeed(needFeed bool) int {
	def := ratelimit.Config{MaxRequests: 200, Window: time.Minute}
	if rc, ok := a.cfg.RateLimits["default"]; ok {
		def = ratelimit.Config{MaxRequests: rc.MaxRequests, Window: rc.Window, MinDelay: rc.MinDelay}
	}
	limits, err := ratelimit.NewRegistry(def)
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Invalid default rate limit")
		return ExitConfig
	}
	for name, rc := range a.cfg.RateLimits {
		if name == "default" {
			continue
		}
		cfg := ratelimit.Config{MaxRequests: rc.MaxRequests, Window: rc.Window, MinDelay: rc.MinDelay}
		if err := limits.Configure(name, cfg); err != nil {
			logging.Error().Err(err).Str("limiter", name).Msg("CORE: Invalid rate limit")
			return ExitConfig
		}
	}
	a.limits = limits

	a.registry = providers.NewRegistry()
	if code := a.registerHistorical(); code != ExitOK {
		return code
	}

	if !needFeed {
		return ExitOK
	}

	a.set = collectors.NewCollectorSet(feedSource, a.pipe, providers.DefaultMICTable())

	factories, depth := a.buildStreamingFactories()
	if len(factories) == 0 {
		logging.Warn().Msg("CORE: No streaming providers enabled, capturing backfill and replay traffic only")
		return ExitOK
	}

	fcfg, code := a.failoverConfig(factories)
	if code != ExitOK {
		return code
	}
	ctrl, err := failover.NewController(fcfg, factories, a.set)
	if err != nil {
		logging.Error().Err(err).
			Msg("CORE: Invalid failover configuration; check primary and backup provider names")
		return ExitProvider
	}
	a.ctrl = ctrl

	a.subscribeUniverse(depth)
	return ExitOK
}

// buildJobs wires the ingestion job store, the gap detector, and the
// backfill coordinator.
func (a *app) buildJobs() int {
	root := a.cfg.Storage.DataRoot

	store, err := backfill.NewStore(root)
	if err != nil {
		logging.Error().Err(err).Str("root", root).
			Msg("CORE: Failed to open ingestion job store")
		return ExitFileAccess
	}
	a.jobs = store

	detect := backfill.NewGapDetector(root, a.namer)

	bcfg := backfill.Config{
		MaxConcurrent:         a.cfg.Backfill.MaxConcurrent,
		PerProviderConcurrent: a.cfg.Backfill.PerProviderConcurrent,
		MaxRetries:            a.cfg.Backfill.MaxRetries,
		RetryInitial:          a.cfg.Backfill.RetryInitial,
		RetryMaxDelay:         a.cfg.Backfill.RetryMaxDelay,
		RetryMultiplier:       a.cfg.Backfill.RetryMultiplier,
		RetryJitter:           a.cfg.Backfill.RetryJitter,
		PreferredProviders:    a.cfg.Backfill.PreferredProviders,
	}
	coord, err := backfill.NewCoordinator(bcfg, store, a.registry, a.pipe, detect)
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Invalid backfill configuration")
		return ExitConfig
	}
	a.coord = coord
	return ExitOK
}

// buildObservability wires the status writer and, for the run command,
// the operational HTTP server. The writer is always built: the ops
// endpoint serves its snapshot even when periodic writing is disabled.
func (a *app) buildObservability(needOps bool) int {
	scfg := status.Config{Enabled: a.cfg.Status.Enabled, Interval: a.cfg.Status.Interval}
	writer, err := status.NewWriter(scfg, a.cfg.Storage.DataRoot, Version, a.statusSources())
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Failed to create status writer")
		return ExitFileAccess
	}
	a.writer = writer

	ocfg := ops.Config{Enabled: a.cfg.Ops.Enabled, Host: a.cfg.Ops.Host, Port: a.cfg.Ops.Port}
	if !needOps || !ocfg.Active() {
		logging.Info().Msg("CORE: Operational endpoint disabled")
		return ExitOK
	}
	srv, err := ops.NewServer(ocfg, Version, writer)
	if err != nil {
		logging.Error().Err(err).Msg("CORE: Invalid ops configuration")
		return ExitConfig
	}
	a.ops = srv
	return ExitOK
}

// statusSources exposes each built subsystem's stats to the status
// writer. Absent subsystems stay nil and are omitted from the document.
func (a *app) statusSources() status.Sources {
	src := status.Sources{
		Pipeline: a.pipe.Stats,
		JSONL:    a.jsonl.Stats,
		Audit:    a.trail.Stats,
	}
	if a.wal != nil {
		src.WAL = a.wal.Stats
	}
	if a.duck != nil {
		src.DuckDB = a.duck.Stats
	}
	if a.deduper != nil {
		src.Dedup = a.deduper.Stats
	}
	if a.set != nil {
		set := a.set
		src.Collectors = func() []collectors.Stats {
			return []collectors.Stats{set.Stats()}
		}
	}
	if a.ctrl != nil {
		src.Feed = a.ctrl.Status
	}
	if a.limits != nil {
		src.RateLimits = a.limits.Stats
	}
	if a.jobs != nil {
		src.Jobs = a.jobs.LoadAll
	}
	return src
}

// close releases everything buildApp opened. The pipeline close cascades
// to the trail, WAL, and sink; the dedup ledger and catalog cache are
// not pipeline-owned and close here.
func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.pipe != nil {
			if err := a.pipe.Close(); err != nil {
				logging.Warn().Err(err).Msg("CORE: Pipeline close")
			}
		} else {
			if a.trail != nil {
				_ = a.trail.Close()
			}
			if a.wal != nil {
				_ = a.wal.Close()
			}
			if a.store != nil {
				_ = a.store.Close()
			}
		}
		if a.deduper != nil {
			if err := a.deduper.Close(); err != nil {
				logging.Warn().Err(err).Msg("CORE: Dedup ledger close")
			}
		}
		if a.catalog != nil {
			if err := a.catalog.Close(); err != nil {
				logging.Warn().Err(err).Msg("CORE: Catalog cache close")
			}
		}
	})
}

// deriveDir resolves an optional configured directory against the data
// root convention {root}/{name}.
func deriveDir(configured, root, name string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(root, name)
}

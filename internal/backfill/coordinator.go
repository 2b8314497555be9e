// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package backfill executes ingestion jobs: historical range loads and
// gap fills dispatched across the registered historical providers, with
// the fetched bars republished through the capture pipeline. Jobs
// persist as JSON documents and commit after every day, so a restart
// resumes where the last run stopped.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/providers"
)

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "backfill config error: " + e.Field + ": " + e.Message
}

// Config mirrors config.BackfillConfig for the job execution engine.
type Config struct {
	MaxConcurrent         int           `koanf:"max_concurrent"`
	PerProviderConcurrent int           `koanf:"per_provider_concurrent"`
	MaxRetries            int           `koanf:"max_retries"`
	RetryInitial          time.Duration `koanf:"retry_initial"`
	RetryMaxDelay         time.Duration `koanf:"retry_max_delay"`
	RetryMultiplier       float64       `koanf:"retry_multiplier"`
	RetryJitter           float64       `koanf:"retry_jitter"`
	PreferredProviders    []string      `koanf:"preferred_providers"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:         4,
		PerProviderConcurrent: 2,
		MaxRetries:            5,
		RetryInitial:          2 * time.Second,
		RetryMaxDelay:         time.Minute,
		RetryMultiplier:       2.0,
		RetryJitter:           0.2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return &ConfigError{Field: "max_concurrent", Message: "must be at least 1"}
	}
	if c.PerProviderConcurrent < 1 || c.PerProviderConcurrent > c.MaxConcurrent {
		return &ConfigError{Field: "per_provider_concurrent", Message: "must be between 1 and max_concurrent"}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "max_retries", Message: "must not be negative"}
	}
	if c.RetryInitial <= 0 {
		return &ConfigError{Field: "retry_initial", Message: "must be positive"}
	}
	if c.RetryMaxDelay < c.RetryInitial {
		return &ConfigError{Field: "retry_max_delay", Message: "must be at least retry_initial"}
	}
	if c.RetryMultiplier < 1 {
		return &ConfigError{Field: "retry_multiplier", Message: "must be at least 1"}
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return &ConfigError{Field: "retry_jitter", Message: "must be in [0, 1]"}
	}
	return nil
}

// Publisher accepts republished market events. Publish may block on
// backpressure; *pipeline.Pipeline satisfies it.
type Publisher interface {
	Publish(ctx context.Context, e *events.MarketEvent) error
}

// pairKey identifies a (provider, symbol) combination.
type pairKey struct {
	provider string
	symbol   string
}

// Coordinator runs ingestion jobs over the registered historical
// providers, bounded by a global in-flight cap and per-provider caps.
type Coordinator struct {
	cfg    Config
	store  *Store
	reg    *providers.Registry
	pub    Publisher
	detect *GapDetector
	policy *RetryPolicy

	sem chan struct{}

	provMu  sync.Mutex
	provSem map[string]chan struct{}

	naMu sync.Mutex
	na   map[pairKey]struct{}
}

// NewCoordinator wires the job engine. detect may be nil when no
// stored-data checks are wanted; everything else is required.
func NewCoordinator(cfg Config, store *Store, reg *providers.Registry, pub Publisher, detect *GapDetector) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("backfill: store must not be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("backfill: provider registry must not be nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("backfill: publisher must not be nil")
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		pub:     pub,
		detect:  detect,
		policy:  NewRetryPolicy(cfg, 0),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		provSem: make(map[string]chan struct{}),
		na:      make(map[pairKey]struct{}),
	}, nil
}

// jobRun serializes cross-goroutine mutation of one executing job.
type jobRun struct {
	mu  sync.Mutex
	job *Job
}

// Submit persists a new job and queues it for execution.
func (c *Coordinator) Submit(j *Job) error {
	if j.State == StateDraft {
		if err := j.Transition(StateQueued); err != nil {
			return err
		}
	}
	if j.State != StateQueued {
		return fmt.Errorf("backfill: job %s is %s, not queued", j.ID, j.State)
	}
	if err := c.store.Save(j); err != nil {
		return err
	}
	logging.Info().Str("job", j.ID).Str("workload", string(j.Workload)).
		Strs("symbols", j.Symbols).Str("from", j.FromDate).Str("to", j.ToDate).
		Msg("BACKFILL: Job queued")
	return nil
}

// ResumePending loads persisted jobs and requeues the ones a restart
// can pick back up: queued jobs as-is, paused and crash-interrupted
// running jobs always, failed jobs only when a checkpoint survives so a
// permanently broken job cannot requeue itself forever. Returns every
// job now ready to run, in creation order.
func (c *Coordinator) ResumePending() ([]*Job, error) {
	jobs, err := c.store.LoadAll()
	if err != nil {
		return nil, err
	}

	var ready []*Job
	for _, j := range jobs {
		prior := j.State
		switch {
		case j.State == StateQueued:
			ready = append(ready, j)
			continue
		case j.State == StateRunning:
			// A running document with no owner is a crash leftover; park
			// it first so the lifecycle stays on the graph.
			_ = j.Transition(StatePaused)
			_ = j.Transition(StateQueued)
		case j.State == StatePaused:
			_ = j.Transition(StateQueued)
		case j.Resumable():
			_ = j.Transition(StateQueued)
		default:
			continue
		}
		if err := c.store.Save(j); err != nil {
			return nil, err
		}
		ev := logging.Info().Str("job", j.ID).Str("was", string(prior))
		if j.Checkpoint != nil {
			ev = ev.Str("last_symbol", j.Checkpoint.LastSymbol).Str("last_date", j.Checkpoint.LastDate)
		}
		ev.Msg("BACKFILL: Requeued job")
		ready = append(ready, j)
	}
	return ready, nil
}

// RunPending resumes and executes every queued job in creation order.
// Parallelism lives inside a job; jobs themselves run one at a time.
// The drain is stamped with a run ID so one invocation's log lines are
// attributable across jobs.
func (c *Coordinator) RunPending(ctx context.Context) error {
	ctx = logging.ContextWithNewRunID(ctx)
	ready, err := c.ResumePending()
	if err != nil {
		return err
	}
	for _, j := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Run(ctx, j); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logging.CtxErr(ctx, err).Str("job", j.ID).Msg("BACKFILL: Job run failed")
		}
	}
	return nil
}

// Run executes one queued job until it completes, fails, or the
// context parks it. The document is rewritten on every committed day;
// dates at or before a symbol's last committed date are skipped, which
// is what makes a resumed job fetch only the remainder.
func (c *Coordinator) Run(ctx context.Context, j *Job) error {
	ctx = logging.ContextWithJobID(ctx, j.ID)
	if err := j.Transition(StateRunning); err != nil {
		return err
	}
	if err := c.store.Save(j); err != nil {
		return err
	}

	metrics.TrackBackfillJob(true)
	start := time.Now()
	defer func() {
		metrics.TrackBackfillJob(false)
		metrics.RecordBackfillJob(time.Since(start))
	}()

	logging.CtxInfo(ctx).Str("workload", string(j.Workload)).
		Strs("symbols", j.Symbols).Str("from", j.FromDate).Str("to", j.ToDate).
		Msg("BACKFILL: Job started")

	dates, err := DateRange(j.FromDate, j.ToDate)
	if err != nil {
		return err
	}

	run := &jobRun{job: j}
	symbols := append([]string(nil), j.Symbols...)
	sort.Strings(symbols)

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		if j.Progress[symbol].State == SymbolCompleted {
			continue
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			c.runSymbol(ctx, run, symbol, dates)
		}(symbol)
	}
	wg.Wait()

	if ctx.Err() != nil {
		_ = j.Transition(StatePaused)
		logging.CtxWarn(ctx).Msg("BACKFILL: Job paused by shutdown")
		if err := c.store.Save(j); err != nil {
			return err
		}
		return ctx.Err()
	}

	if j.Complete() {
		_ = j.Transition(StateCompleted)
		logging.CtxInfo(ctx).Dur("took", time.Since(start)).Msg("BACKFILL: Job completed")
	} else {
		_ = j.Transition(StateFailed)
		for _, symbol := range symbols {
			if p := j.Progress[symbol]; p.State == SymbolFailed {
				logging.CtxError(ctx).Str("symbol", symbol).
					Int("processed", p.Processed).Int("expected", p.Expected).
					Str("error", logging.SanitizeError(p.Error)).
					Msg("BACKFILL: Symbol incomplete")
			}
		}
		logging.CtxError(ctx).Msg("BACKFILL: Job failed")
	}
	return c.store.Save(j)
}

// runSymbol walks one symbol's dates in order, committing after every
// accounted day. A failed day stops the symbol so the committed prefix
// stays contiguous.
func (c *Coordinator) runSymbol(ctx context.Context, run *jobRun, symbol string, dates []string) {
	run.mu.Lock()
	p := run.job.Progress[symbol]
	p.State = SymbolRunning
	p.Error = ""
	last := p.LastCommittedDate
	workload := run.job.Workload
	run.mu.Unlock()

	for _, date := range dates {
		if ctx.Err() != nil {
			return
		}
		// ISO dates order lexically; anything at or before the last
		// committed date was counted in a previous run.
		if last != "" && date <= last {
			continue
		}

		if workload == WorkloadGapFill && c.detect != nil {
			if filled, err := c.detect.Filled(symbol, date); err == nil && filled {
				c.commit(run, symbol, date, 0)
				last = date
				continue
			}
		}

		bars, provider, err := c.fetch(ctx, run, symbol, date)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.failSymbol(ctx, run, symbol, date, err)
			return
		}

		if err := c.publishBars(ctx, run.job, symbol, provider, bars); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.failSymbol(ctx, run, symbol, date, err)
			return
		}
		metrics.RecordBackfillRecords(len(bars))

		c.commit(run, symbol, date, len(bars))
		last = date
	}

	run.mu.Lock()
	p.State = SymbolCompleted
	run.mu.Unlock()
	c.persist(run)
	logging.CtxDebug(ctx).Str("symbol", symbol).Msg("BACKFILL: Symbol complete")
}

func (c *Coordinator) failSymbol(ctx context.Context, run *jobRun, symbol, date string, err error) {
	run.mu.Lock()
	p := run.job.Progress[symbol]
	p.State = SymbolFailed
	p.Error = date + ": " + err.Error()
	run.mu.Unlock()
	c.persist(run)
	logging.CtxError(ctx).Str("symbol", symbol).Str("date", date).
		Str("error", logging.SanitizeError(err.Error())).
		Msg("BACKFILL: Symbol failed")
}

// commit marks one day accounted for and advances the checkpoint.
// offset carries the number of records the day produced.
func (c *Coordinator) commit(run *jobRun, symbol, date string, offset int) {
	run.mu.Lock()
	p := run.job.Progress[symbol]
	p.Processed++
	p.LastCommittedDate = date
	run.job.Checkpoint = &Checkpoint{
		LastSymbol: symbol,
		LastDate:   date,
		LastOffset: offset,
		CapturedAt: time.Now().UTC(),
	}
	run.mu.Unlock()
	c.persist(run)
}

// persist rewrites the job document, logging failures rather than
// aborting the run; the next commit retries the write.
func (c *Coordinator) persist(run *jobRun) {
	run.mu.Lock()
	err := c.store.Save(run.job)
	run.mu.Unlock()
	if err != nil {
		logging.Error().Str("job", run.job.ID).Err(err).Msg("BACKFILL: Job state write failed")
	}
}

// fetch pulls one (symbol, date) of bars, walking the candidate
// providers with backoff on transient failures, rotation on rate
// limits, and sidelining of providers that reject the symbol outright.
func (c *Coordinator) fetch(ctx context.Context, run *jobRun, symbol, date string) ([]providers.BarRecord, string, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, "", fmt.Errorf("backfill: bad date %q: %w", date, err)
	}

	cands := c.candidates(run.job, symbol)
	idx := 0
	retries := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		if len(cands) == 0 {
			if lastErr != nil {
				return nil, "", fmt.Errorf("backfill: no applicable provider for %s: %w", symbol, lastErr)
			}
			return nil, "", fmt.Errorf("backfill: no applicable provider for %s", symbol)
		}
		if idx >= len(cands) {
			idx = 0
		}
		p := cands[idx]

		bars, err := c.fetchOne(ctx, p, symbol, day)
		if err == nil {
			metrics.RecordBackfillRequest(p.Name(), "ok")
			return bars, p.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = err
		metrics.RecordBackfillRequest(p.Name(), providers.ErrorType(err))

		if providers.IsAuth(err) || providers.IsNotApplicable(err) {
			// Permanent for this provider and symbol: sideline the pair
			// and move to the next candidate without burning a retry.
			c.markNotApplicable(p.Name(), symbol)
			cands = append(cands[:idx], cands[idx+1:]...)
			logging.CtxWarn(ctx).Str("provider", p.Name()).Str("symbol", symbol).
				Str("error", logging.SanitizeError(err.Error())).
				Msg("BACKFILL: Provider sidelined for symbol")
			continue
		}

		if providers.IsRateLimited(err) {
			idx++
		}

		if !c.policy.ShouldRetry(err, retries) {
			return nil, "", fmt.Errorf("backfill: fetch %s %s: %w", symbol, date, err)
		}

		delay := c.policy.Delay(retries)
		retries++
		metrics.RecordBackfillRetry()

		run.mu.Lock()
		run.job.Progress[symbol].RetryCount++
		run.job.Retry = RetryEnvelope{
			Attempt:     retries,
			NextDelay:   delay,
			NextRetryAt: time.Now().UTC().Add(delay),
		}
		run.mu.Unlock()

		logging.CtxWarn(ctx).Str("provider", p.Name()).Str("symbol", symbol).Str("date", date).
			Int("retry", retries).Dur("delay", delay).
			Str("error", logging.SanitizeError(err.Error())).
			Msg("BACKFILL: Fetch failed, backing off")

		if err := sleepCtx(ctx, delay); err != nil {
			return nil, "", err
		}
	}
}

// fetchOne performs a single bounded fetch: a slot in the global pool,
// then a slot in the provider's own pool, then the provider call.
func (c *Coordinator) fetchOne(ctx context.Context, p providers.HistoricalProvider, symbol string, day time.Time) ([]providers.BarRecord, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	slot := c.providerSlot(p.Name())
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-slot }()

	return p.FetchBars(ctx, symbol, day)
}

func (c *Coordinator) providerSlot(name string) chan struct{} {
	c.provMu.Lock()
	defer c.provMu.Unlock()
	slot, ok := c.provSem[name]
	if !ok {
		slot = make(chan struct{}, c.cfg.PerProviderConcurrent)
		c.provSem[name] = slot
	}
	return slot
}

// candidates orders the historical providers for a symbol: the job's
// own provider first, then the configured preference list, then every
// remaining enabled provider by priority. Pairs already sidelined as
// not applicable are left out.
func (c *Coordinator) candidates(j *Job, symbol string) []providers.HistoricalProvider {
	var prefer []string
	if j.Provider != "" {
		prefer = append(prefer, j.Provider)
	}
	prefer = append(prefer, c.cfg.PreferredProviders...)

	seen := make(map[string]struct{})
	var out []providers.HistoricalProvider
	add := func(p providers.HistoricalProvider) {
		if _, dup := seen[p.Name()]; dup {
			return
		}
		seen[p.Name()] = struct{}{}
		if c.isNotApplicable(p.Name(), symbol) {
			return
		}
		out = append(out, p)
	}

	for _, name := range prefer {
		if p, ok := c.reg.Historical(name); ok && p.Enabled() {
			add(p)
		}
	}
	for _, p := range c.reg.HistoricalByPriority() {
		add(p)
	}
	return out
}

func (c *Coordinator) markNotApplicable(provider, symbol string) {
	c.naMu.Lock()
	c.na[pairKey{provider, symbol}] = struct{}{}
	c.naMu.Unlock()
}

func (c *Coordinator) isNotApplicable(provider, symbol string) bool {
	c.naMu.Lock()
	_, ok := c.na[pairKey{provider, symbol}]
	c.naMu.Unlock()
	return ok
}

// publishBars republishes fetched bars as trade prints. The source
// carries the workload tag so stored records show their origin, and
// the bar timestamp doubles as the sequence, which stays strictly
// increasing per symbol across the whole range and across resumes.
func (c *Coordinator) publishBars(ctx context.Context, j *Job, symbol, provider string, bars []providers.BarRecord) error {
	source := provider + ":" + string(j.Workload)
	for i := range bars {
		bar := &bars[i]
		if bar.Volume <= 0 {
			// Nothing traded that bar; there is no print to record.
			continue
		}
		e := events.New(source, symbol, bar.Timestamp, &events.TradePayload{
			Price:     bar.Close,
			Size:      bar.Volume,
			Aggressor: events.AggressorUnknown,
		})
		e.Sequence = uint64(bar.Timestamp.Unix())
		if err := c.pub.Publish(ctx, e); err != nil {
			return fmt.Errorf("backfill: publish %s %s: %w", symbol, bar.Timestamp.Format(dateLayout), err)
		}
	}
	return nil
}

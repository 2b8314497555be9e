// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

// Package pipeline connects publishers to durable storage through a bounded
// channel. A single consumer drains the channel in batches, appending each
// event to the write-ahead log and the sink, then committing the WAL once the
// batch is flushed. Backpressure is explicit: when the channel is full the
// configured policy decides whether the new event, the oldest event, or the
// publisher itself pays the cost, and every shed event is recorded in the
// drop audit trail.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/tabularium/internal/audit"
	"github.com/tomtom215/tabularium/internal/events"
	"github.com/tomtom215/tabularium/internal/logging"
	"github.com/tomtom215/tabularium/internal/metrics"
	"github.com/tomtom215/tabularium/internal/sink"
	"github.com/tomtom215/tabularium/internal/wal"
)

var (
	// ErrPipelineClosed is returned by Publish after Close has begun.
	ErrPipelineClosed = fmt.Errorf("pipeline is closed")

	// ErrDuplicate is returned by Publish when deduplication suppresses
	// the event. The suppression is audited; callers may treat it as
	// success.
	ErrDuplicate = fmt.Errorf("duplicate event suppressed")
)

const (
	// queueWarnThreshold is the utilization at which a one-shot warning
	// fires. queueWarnClear re-arms it.
	queueWarnThreshold = 0.8
	queueWarnClear     = 0.5

	// dropOldestAttempts bounds the evict-and-retry loop so racing
	// producers cannot spin indefinitely.
	dropOldestAttempts = 4

	// closeGrace is added to FinalFlushTimeout when waiting for the
	// consumer goroutine to exit.
	closeGrace = 5 * time.Second
)

// WriteAheadLog is the durability log consumed by the pipeline. Satisfied by
// wal.WAL through WrapWAL.
type WriteAheadLog interface {
	Append(payload []byte) (wal.Record, error)
	Commit(seq uint64) error
	Truncate(seq uint64) error
	Uncommitted() (RecordIterator, error)
	Stats() wal.Stats
	Close() error
}

// RecordIterator walks uncommitted WAL records in sequence order.
type RecordIterator interface {
	Next() bool
	Record() wal.Record
	Err() error
	Close() error
}

// Deduper suppresses events already admitted within the dedup TTL.
// Satisfied by dedup.Deduper.
type Deduper interface {
	IsDuplicate(e *events.MarketEvent) bool
}

// DropRecorder receives every event the pipeline sheds. Satisfied by
// audit.Trail.
type DropRecorder interface {
	Record(e *events.MarketEvent, reason string)
	Close() error
}

// envelope carries an event through the channel together with its WAL
// sequence. A zero sequence means the consumer still has to append it.
type envelope struct {
	event  *events.MarketEvent
	walSeq uint64
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Published          int64
	Consumed           int64
	Recovered          int64
	Dropped            int64
	DroppedQueueFull   int64
	DroppedDuplicate   int64
	DroppedWALFailure  int64
	DroppedSinkFailure int64
	DroppedShutdown    int64
	DroppedValidation  int64
	DroppedCancelled   int64
	QueueDepth         int
	QueueCapacity      int
	PeakQueueDepth     int
	Utilization        float64

	// SinkDegraded reports that a sink append failed and the pipeline is
	// capturing to the WAL only. Commits are suspended so every record
	// since the failure replays at the next recovery.
	SinkDegraded bool
}

// Pipeline owns the bounded channel, the sink, the WAL, and the drop audit
// trail. All three stores are closed by Close.
type Pipeline struct {
	cfg   Config
	sink  sink.Sink
	wal   WriteAheadLog
	dedup Deduper
	trail DropRecorder
	ser   *events.Serializer

	ch       chan envelope
	stopChan chan struct{}
	doneChan chan struct{}

	// flushMu serializes consumer batches against the background flusher
	// so a flush never lands in the middle of a batch. This keeps the
	// commit watermark aligned with durable sink content.
	flushMu sync.Mutex

	// sinkedHigh is the highest WAL sequence whose event reached the
	// sink. Guarded by flushMu.
	sinkedHigh uint64

	// pendingPub holds WAL sequences appended by Publish whose events
	// are still queued. The commit watermark never passes the lowest
	// entry, otherwise a crash would skip their replay.
	pendingMu  sync.Mutex
	pendingPub map[uint64]struct{}

	started atomic.Bool
	closed  atomic.Bool

	published          atomic.Int64
	consumed           atomic.Int64
	recovered          atomic.Int64
	dropped            atomic.Int64
	droppedQueueFull   atomic.Int64
	droppedDuplicate   atomic.Int64
	droppedWALFailure  atomic.Int64
	droppedSinkFailure atomic.Int64
	droppedShutdown    atomic.Int64
	droppedValidation  atomic.Int64
	droppedCancelled   atomic.Int64

	peakDepth  atomic.Int64
	warnActive atomic.Bool
	sinkFailed atomic.Bool
}

// New builds a pipeline. The WAL, deduper, and trail may be nil when the
// corresponding feature is disabled; the sink is required.
func New(cfg Config, store sink.Sink, log WriteAheadLog, dedup Deduper, trail DropRecorder) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &ConfigError{Field: "Sink", Message: "a sink is required"}
	}
	return &Pipeline{
		cfg:        cfg,
		sink:       store,
		wal:        log,
		dedup:      dedup,
		trail:      trail,
		ser:        events.NewSerializer(),
		ch:         make(chan envelope, cfg.QueueCapacity),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		pendingPub: make(map[uint64]struct{}),
	}, nil
}

// Start launches the consumer goroutine. Safe to call once; later calls are
// no-ops.
func (p *Pipeline) Start() {
	if p.closed.Load() || !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.consume()
}

// TryPublish offers an event to the pipeline without blocking, except under
// the Wait policy. It returns false when the event was not enqueued: the
// pipeline is closed, the event is a duplicate, or the backpressure policy
// shed it. Shed and suppressed events are audited.
func (p *Pipeline) TryPublish(e *events.MarketEvent) bool {
	if e == nil || p.closed.Load() {
		return false
	}
	if p.dedup != nil && p.dedup.IsDuplicate(e) {
		p.recordDrop(e, audit.ReasonDuplicate)
		return false
	}

	env := envelope{event: e}
	select {
	case p.ch <- env:
		p.accept(e)
		return true
	default:
	}

	switch p.cfg.Policy {
	case DropOldest:
		return p.evictAndPublish(env)
	case Wait:
		select {
		case p.ch <- env:
			p.accept(e)
			return true
		case <-p.stopChan:
			return false
		}
	default:
		p.recordDrop(e, audit.ReasonQueueFull)
		return false
	}
}

// Publish enqueues an event with durability: the event is appended to the WAL
// before it enters the channel, so it survives a crash even while queued.
// Enqueueing blocks until space is available, the context is cancelled, or
// the pipeline closes. If the context is cancelled after the WAL append the
// record stays uncommitted and resurfaces at the next recovery.
func (p *Pipeline) Publish(ctx context.Context, e *events.MarketEvent) error {
	if e == nil {
		return nil
	}
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	if p.dedup != nil && p.dedup.IsDuplicate(e) {
		p.recordDrop(e, audit.ReasonDuplicate)
		return ErrDuplicate
	}

	env := envelope{event: e}
	if p.wal != nil {
		data, err := p.ser.Marshal(e)
		if err != nil {
			p.recordDrop(e, audit.ReasonValidation)
			return fmt.Errorf("serialize event: %w", err)
		}
		rec, err := p.wal.Append(data)
		if err != nil {
			// Enqueue anyway; the consumer retries the append at
			// consume time.
			logging.Warn().
				Str("symbol", e.EffectiveSymbol()).
				Err(err).
				Msg("PIPELINE: WAL append failed at publish, deferred to consumer")
		} else {
			env.walSeq = rec.Sequence
			p.registerPending(rec.Sequence)
		}
	}

	select {
	case p.ch <- env:
		p.accept(e)
		return nil
	case <-ctx.Done():
		if env.walSeq > 0 {
			// Audit the event and release its sequence so the commit
			// watermark is not pinned for the process lifetime. If a
			// crash lands before the watermark passes it, recovery
			// replays the WAL copy.
			p.clearPending(env.walSeq)
			p.recordDrop(e, audit.ReasonPublishCancelled)
			logging.Warn().
				Uint64("sequence", env.walSeq).
				Msg("PIPELINE: Publish cancelled after WAL append, record deferred to recovery")
		}
		return ctx.Err()
	case <-p.stopChan:
		return ErrPipelineClosed
	}
}

func (p *Pipeline) registerPending(seq uint64) {
	p.pendingMu.Lock()
	p.pendingPub[seq] = struct{}{}
	p.pendingMu.Unlock()
}

func (p *Pipeline) clearPending(seq uint64) {
	p.pendingMu.Lock()
	delete(p.pendingPub, seq)
	p.pendingMu.Unlock()
}

// pendingFloor returns the lowest queued pre-appended sequence, or zero when
// none are outstanding.
func (p *Pipeline) pendingFloor() uint64 {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	var floor uint64
	for seq := range p.pendingPub {
		if floor == 0 || seq < floor {
			floor = seq
		}
	}
	return floor
}

func (p *Pipeline) accept(e *events.MarketEvent) {
	p.published.Add(1)
	metrics.RecordEventPublished(e.Type)
	p.updateGauges()
}

// evictAndPublish sheds queue heads until the new event fits. Evicted events
// are audited as backpressure drops.
func (p *Pipeline) evictAndPublish(env envelope) bool {
	for attempt := 0; attempt < dropOldestAttempts; attempt++ {
		select {
		case old := <-p.ch:
			if old.walSeq > 0 {
				p.clearPending(old.walSeq)
			}
			p.recordDrop(old.event, audit.ReasonQueueFull)
		default:
		}
		select {
		case p.ch <- env:
			p.accept(env.event)
			return true
		default:
		}
	}
	p.recordDrop(env.event, audit.ReasonQueueFull)
	return false
}

func (p *Pipeline) recordDrop(e *events.MarketEvent, reason string) {
	p.dropped.Add(1)
	switch reason {
	case audit.ReasonQueueFull:
		p.droppedQueueFull.Add(1)
	case audit.ReasonDuplicate:
		p.droppedDuplicate.Add(1)
	case audit.ReasonWALFailure:
		p.droppedWALFailure.Add(1)
	case audit.ReasonSinkFailure:
		p.droppedSinkFailure.Add(1)
	case audit.ReasonShutdownLost:
		p.droppedShutdown.Add(1)
	case audit.ReasonValidation:
		p.droppedValidation.Add(1)
	case audit.ReasonPublishCancelled:
		p.droppedCancelled.Add(1)
	}
	if p.trail != nil {
		p.trail.Record(e, reason)
	}
}

func (p *Pipeline) updateGauges() {
	depth := len(p.ch)
	d64 := int64(depth)
	for {
		peak := p.peakDepth.Load()
		if d64 <= peak || p.peakDepth.CompareAndSwap(peak, d64) {
			break
		}
	}
	util := float64(depth) / float64(p.cfg.QueueCapacity)
	metrics.UpdateQueueGauges(depth, int(p.peakDepth.Load()), util)

	if util >= queueWarnThreshold {
		if p.warnActive.CompareAndSwap(false, true) {
			logging.Warn().
				Int("depth", depth).
				Int("capacity", p.cfg.QueueCapacity).
				Msg("PIPELINE: Queue above 80% utilization")
		}
	} else if util < queueWarnClear {
		p.warnActive.Store(false)
	}
}

func (p *Pipeline) consume() {
	defer close(p.doneChan)
	batch := make([]envelope, 0, p.cfg.BatchSize)
	for {
		select {
		case env := <-p.ch:
			batch = p.fillBatch(batch[:0], env)
			p.processBatch(batch)
		case <-p.stopChan:
			p.drainOnStop()
			return
		}
	}
}

// fillBatch drains immediately available events up to the batch size.
func (p *Pipeline) fillBatch(batch []envelope, first envelope) []envelope {
	batch = append(batch, first)
	for len(batch) < p.cfg.BatchSize {
		select {
		case env := <-p.ch:
			batch = append(batch, env)
		default:
			return batch
		}
	}
	return batch
}

// processBatch writes one batch through the WAL and the sink, then commits
// the WAL to the highest sequence known to be in the sink. The flush mutex
// is held for the whole batch so the flusher only ever observes batch
// boundaries. The commit never passes a Publish-appended record that is
// still queued.
func (p *Pipeline) processBatch(batch []envelope) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	start := time.Now()
	appended := 0

	for i := range batch {
		env := &batch[i]
		e := env.event

		if env.walSeq > 0 {
			p.clearPending(env.walSeq)
		} else if p.wal != nil {
			data, err := p.ser.Marshal(e)
			if err != nil {
				p.recordDrop(e, audit.ReasonValidation)
				continue
			}
			rec, err := p.wal.Append(data)
			if err != nil {
				logging.Error().
					Str("symbol", e.EffectiveSymbol()).
					Err(err).
					Msg("PIPELINE: WAL append failed, event dropped")
				p.recordDrop(e, audit.ReasonWALFailure)
				continue
			}
			env.walSeq = rec.Sequence
		}

		if p.sinkFailed.Load() {
			// WAL-only capture. The record replays at the next
			// recovery because commits are suspended.
			p.consumed.Add(1)
			continue
		}
		if err := p.sink.Append(e); err != nil {
			p.handleSinkFailure(env, err)
			continue
		}
		if env.walSeq > p.sinkedHigh {
			p.sinkedHigh = env.walSeq
		}
		appended++
		p.consumed.Add(1)
	}
	p.updateGauges()

	if p.sinkFailed.Load() {
		return
	}
	if appended > 0 {
		if err := p.sink.Flush(); err != nil {
			logging.Error().
				Err(err).
				Msg("PIPELINE: Sink flush failed, batch left uncommitted")
			return
		}
	}
	if p.wal != nil {
		target := p.sinkedHigh
		if floor := p.pendingFloor(); floor > 0 && floor <= target {
			target = floor - 1
		}
		if target > 0 {
			if err := p.wal.Commit(target); err != nil {
				logging.Error().
					Uint64("sequence", target).
					Err(err).
					Msg("PIPELINE: WAL commit failed")
			}
		}
	}
	metrics.RecordBatchFlush(time.Since(start), len(batch))
}

func (p *Pipeline) handleSinkFailure(env *envelope, err error) {
	p.recordDrop(env.event, audit.ReasonSinkFailure)
	if p.wal != nil && env.walSeq > 0 {
		if p.sinkFailed.CompareAndSwap(false, true) {
			logging.Error().
				Uint64("sequence", env.walSeq).
				Err(err).
				Msg("PIPELINE: Sink append failed, capturing to WAL only until restart")
		}
		return
	}
	logging.Error().
		Str("symbol", env.event.EffectiveSymbol()).
		Err(err).
		Msg("PIPELINE: Sink append failed, event dropped")
}

// drainOnStop processes queued events after Close, bounded by the final
// flush timeout. Events still queued when the deadline passes are audited
// as lost.
func (p *Pipeline) drainOnStop() {
	deadline := time.Now().Add(p.cfg.FinalFlushTimeout)
	batch := make([]envelope, 0, p.cfg.BatchSize)
	for {
		batch = batch[:0]
	fill:
		for len(batch) < p.cfg.BatchSize {
			select {
			case env := <-p.ch:
				batch = append(batch, env)
			default:
				break fill
			}
		}
		if len(batch) == 0 {
			return
		}
		p.processBatch(batch)
		if !time.Now().Before(deadline) {
			p.strandRemaining()
			return
		}
	}
}

// strandRemaining audits everything still in the channel as lost.
func (p *Pipeline) strandRemaining() {
	lost := 0
	for {
		select {
		case env := <-p.ch:
			if env.walSeq > 0 {
				p.clearPending(env.walSeq)
			}
			p.recordDrop(env.event, audit.ReasonShutdownLost)
			lost++
		default:
			if lost > 0 {
				logging.Warn().
					Int("events", lost).
					Dur("timeout", p.cfg.FinalFlushTimeout).
					Msg("PIPELINE: Final flush timeout expired, queued events lost")
			}
			return
		}
	}
}

// Flush flushes the sink and truncates WAL segments below the commit point.
// Called periodically by the flusher service and at any time by operators.
func (p *Pipeline) Flush() error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if !p.sinkFailed.Load() {
		if err := p.sink.Flush(); err != nil {
			return fmt.Errorf("flush sink: %w", err)
		}
	}
	if p.wal != nil {
		if err := p.wal.Truncate(p.wal.Stats().LastCommitted); err != nil {
			return fmt.Errorf("truncate WAL: %w", err)
		}
	}
	return nil
}

// Close refuses new publishes, drains the queue within the final flush
// timeout, then closes the audit trail, the WAL, and the sink. Idempotent.
func (p *Pipeline) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.stopChan)

	if p.started.Load() {
		select {
		case <-p.doneChan:
		case <-time.After(p.cfg.FinalFlushTimeout + closeGrace):
			logging.Error().Msg("PIPELINE: Consumer did not stop in time")
		}
	}
	// Publishers racing the stop signal may have won a channel send that
	// no consumer will ever drain.
	p.strandRemaining()

	var firstErr error
	if p.trail != nil {
		if err := p.trail.Close(); err != nil {
			firstErr = fmt.Errorf("close audit trail: %w", err)
		}
	}
	if p.wal != nil {
		if err := p.wal.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close WAL: %w", err)
		}
	}
	if err := p.sink.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close sink: %w", err)
	}

	logging.Info().
		Int64("published", p.published.Load()).
		Int64("consumed", p.consumed.Load()).
		Int64("dropped", p.dropped.Load()).
		Msg("PIPELINE: Closed")
	return firstErr
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	depth := len(p.ch)
	return Stats{
		Published:          p.published.Load(),
		Consumed:           p.consumed.Load(),
		Recovered:          p.recovered.Load(),
		Dropped:            p.dropped.Load(),
		DroppedQueueFull:   p.droppedQueueFull.Load(),
		DroppedDuplicate:   p.droppedDuplicate.Load(),
		DroppedWALFailure:  p.droppedWALFailure.Load(),
		DroppedSinkFailure: p.droppedSinkFailure.Load(),
		DroppedShutdown:    p.droppedShutdown.Load(),
		DroppedValidation:  p.droppedValidation.Load(),
		DroppedCancelled:   p.droppedCancelled.Load(),
		QueueDepth:         depth,
		QueueCapacity:      p.cfg.QueueCapacity,
		PeakQueueDepth:     int(p.peakDepth.Load()),
		Utilization:        float64(depth) / float64(p.cfg.QueueCapacity),
		SinkDegraded:       p.sinkFailed.Load(),
	}
}

// FlushInterval exposes the configured flusher period for the service
// wrapper.
func (p *Pipeline) FlushInterval() time.Duration {
	return p.cfg.FlushInterval
}

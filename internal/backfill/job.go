// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package backfill

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/tabularium/internal/validation"
)

// dateLayout is the calendar-day format used in job ranges, checkpoints,
// and partition stamps.
const dateLayout = "2006-01-02"

// WorkloadType classifies why a job exists.
type WorkloadType string

// Workload types. Realtime jobs patch holes behind a live feed,
// historical jobs load ranges that predate capture, and gap-fill jobs
// re-walk stored partitions and fetch only the days found missing.
const (
	WorkloadRealtime   WorkloadType = "realtime"
	WorkloadHistorical WorkloadType = "historical"
	WorkloadGapFill    WorkloadType = "gap_fill"
)

// JobState is a lifecycle state of an ingestion job.
type JobState string

// Job lifecycle states.
const (
	StateDraft     JobState = "draft"
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// transitions lists the legal next states. Completed and Cancelled are
// terminal; Paused and Failed requeue so a restart can resume them.
var transitions = map[JobState][]JobState{
	StateDraft:   {StateQueued},
	StateQueued:  {StateRunning},
	StateRunning: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:  {StateQueued},
	StateFailed:  {StateQueued},
}

// ErrBadTransition is wrapped by Transition when the lifecycle graph
// does not allow the requested move.
var ErrBadTransition = errors.New("illegal job state transition")

// SymbolState is one symbol's position within a running job.
type SymbolState string

// Per-symbol states.
const (
	SymbolPending   SymbolState = "pending"
	SymbolRunning   SymbolState = "running"
	SymbolCompleted SymbolState = "completed"
	SymbolFailed    SymbolState = "failed"
)

// SymbolProgress tracks one symbol's advance through the date range.
// Processed counts days accounted for, fetched or verified already
// stored, so a completed symbol always shows Processed == Expected.
type SymbolProgress struct {
	Expected          int         `json:"expected"`
	Processed         int         `json:"processed"`
	LastCommittedDate string      `json:"last_committed_date,omitempty"`
	State             SymbolState `json:"state"`
	RetryCount        int         `json:"retry_count"`
	Error             string      `json:"error,omitempty"`
}

// Checkpoint marks the last durably committed (symbol, date) position.
type Checkpoint struct {
	LastSymbol string    `json:"last_symbol"`
	LastDate   string    `json:"last_date"`
	LastOffset int       `json:"last_offset"`
	CapturedAt time.Time `json:"captured_at"`
}

// RetryEnvelope carries the fetch retry position across restarts.
type RetryEnvelope struct {
	Attempt     int           `json:"attempt"`
	NextDelay   time.Duration `json:"next_delay"`
	NextRetryAt time.Time     `json:"next_retry_at"`
}

// Job is one ingestion job: a symbol set crossed with an inclusive
// calendar date range, executed against historical providers. The whole
// document is rewritten on every state change so a restart sees the
// last committed position.
type Job struct {
	ID         string                     `json:"id" validate:"required,uuid4"`
	Workload   WorkloadType               `json:"workload_type" validate:"required,oneof=realtime historical gap_fill"`
	Symbols    []string                   `json:"symbols" validate:"required,min=1,dive,symbol"`
	Provider   string                     `json:"provider,omitempty"`
	FromDate   string                     `json:"from_date" validate:"required,rfc3339date"`
	ToDate     string                     `json:"to_date" validate:"required,rfc3339date"`
	State      JobState                   `json:"state" validate:"required,oneof=draft queued running paused completed failed cancelled"`
	Progress   map[string]*SymbolProgress `json:"progress" validate:"required"`
	Checkpoint *Checkpoint                `json:"checkpoint,omitempty"`
	Retry      RetryEnvelope              `json:"retry"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// NewJob builds a Draft job over the inclusive [fromDate, toDate] range.
// Every symbol starts pending with Expected set to the day count.
func NewJob(workload WorkloadType, symbols []string, provider, fromDate, toDate string) (*Job, error) {
	dates, err := DateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.NewString(),
		Workload:  workload,
		Symbols:   append([]string(nil), symbols...),
		Provider:  provider,
		FromDate:  fromDate,
		ToDate:    toDate,
		State:     StateDraft,
		Progress:  make(map[string]*SymbolProgress, len(symbols)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, s := range j.Symbols {
		j.Progress[s] = &SymbolProgress{Expected: len(dates), State: SymbolPending}
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Transition moves the job to the requested state when the lifecycle
// graph allows it.
func (j *Job) Transition(to JobState) error {
	for _, next := range transitions[j.State] {
		if next == to {
			j.State = to
			j.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, j.State, to)
}

// Resumable reports whether a restart can requeue the job from its
// checkpoint. Only paused and failed jobs qualify.
func (j *Job) Resumable() bool {
	return (j.State == StatePaused || j.State == StateFailed) && j.Checkpoint != nil
}

// Terminal reports whether the job can never run again.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateCancelled
}

// Complete reports whether every symbol accounted for its full range.
func (j *Job) Complete() bool {
	for _, s := range j.Symbols {
		p := j.Progress[s]
		if p == nil || p.Processed < p.Expected {
			return false
		}
	}
	return true
}

// Validate checks the job document shape plus the cross-field rules the
// tag language cannot express.
func (j *Job) Validate() error {
	if verr := validation.ValidateStruct(j); verr != nil {
		return verr
	}
	if _, err := DateRange(j.FromDate, j.ToDate); err != nil {
		return err
	}
	for _, s := range j.Symbols {
		if _, ok := j.Progress[s]; !ok {
			return fmt.Errorf("backfill: symbol %s has no progress entry", s)
		}
	}
	return nil
}

// DateRange expands an inclusive [from, to] calendar range into its
// days, formatted as yyyy-MM-dd.
func DateRange(fromDate, toDate string) ([]string, error) {
	from, err := time.Parse(dateLayout, fromDate)
	if err != nil {
		return nil, fmt.Errorf("backfill: bad from_date %q: %w", fromDate, err)
	}
	to, err := time.Parse(dateLayout, toDate)
	if err != nil {
		return nil, fmt.Errorf("backfill: bad to_date %q: %w", toDate, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("backfill: to_date %s before from_date %s", toDate, fromDate)
	}
	dates := make([]string, 0, int(to.Sub(from).Hours()/24)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(dateLayout))
	}
	return dates, nil
}

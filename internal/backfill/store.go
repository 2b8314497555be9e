// Tabularium - Market Data Capture and Archival
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tabularium

package backfill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/tabularium/internal/logging"
)

// jobsDirName is the directory under the data root holding one JSON
// document per ingestion job.
const jobsDirName = "ingestion-jobs"

// Store persists ingestion jobs as job_{id}.json documents, rewritten
// atomically on every state change so a crash leaves either the old
// document or the new one, never a torn file.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens the job store under dataRoot, creating the directory
// on first use.
func NewStore(dataRoot string) (*Store, error) {
	if dataRoot == "" {
		return nil, fmt.Errorf("backfill: data root must not be empty")
	}
	dir := filepath.Join(dataRoot, jobsDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("backfill: create job directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "job_"+id+".json")
}

// Save validates and atomically rewrites the job document. The temp
// file is synced before the rename.
func (s *Store) Save(j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("backfill: encode job %s: %w", j.ID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(j.ID)
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: the path component is a validated UUID
	if err != nil {
		return fmt.Errorf("backfill: create job document: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("backfill: write job document: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("backfill: sync job document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("backfill: close job document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("backfill: replace job document: %w", err)
	}
	return nil
}

// Load reads and validates one job by id.
func (s *Store) Load(id string) (*Job, error) {
	data, err := os.ReadFile(s.path(id)) //nolint:gosec // G304: the path component is the caller's job id
	if err != nil {
		return nil, fmt.Errorf("backfill: read job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("backfill: decode job %s: %w", id, err)
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("backfill: job %s: %w", id, err)
	}
	return &j, nil
}

// LoadAll returns every readable job ordered by creation time. Corrupt
// documents are skipped with a warning so one bad file cannot block
// recovery of the rest.
func (s *Store) LoadAll() ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("backfill: scan job directory: %w", err)
	}

	var jobs []*Job
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "job_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "job_"), ".json")
		j, err := s.Load(id)
		if err != nil {
			logging.Warn().Str("file", name).Err(err).Msg("BACKFILL: Skipping unreadable job document")
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// Delete removes a job document. Missing documents are not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backfill: delete job %s: %w", id, err)
	}
	return nil
}

// Copyright 2025 Baton Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint provides the durable record of which stages of which
// execution have completed, enabling a restarted process to resume
// partially-completed executions. The store is a single JSON document keyed
// by execution id, written atomically via temp file and rename.
package checkpoint

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hfield/baton/pkg/errors"
)

// DefaultTTL is how long a checkpoint stays valid. Older checkpoints are
// treated as expired and purged lazily on the next read or write.
const DefaultTTL = 24 * time.Hour

const storeFile = "checkpoints.json"

// CompletedStage is one finished stage recorded in a checkpoint.
type CompletedStage struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	CompletedAt time.Time      `json:"completed_at"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
}

// Checkpoint is the resumability record for one execution.
type Checkpoint struct {
	ExecutionID     string           `json:"execution_id"`
	WorkflowID      string           `json:"workflow_id"`
	CompletedStages []CompletedStage `json:"completed_stages"`
	LastStage       string           `json:"last_stage"`
	NextStage       string           `json:"next_stage,omitempty"`
	Artifacts       map[string]any   `json:"artifacts,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// StageDone reports whether the named stage is recorded as completed.
func (c *Checkpoint) StageDone(stageID string) bool {
	for _, s := range c.CompletedStages {
		if s.ID == stageID {
			return true
		}
	}
	return false
}

// StageUpdate carries one stage completion into Save.
type StageUpdate struct {
	StageName  string
	WorkflowID string
	Artifacts  map[string]any
	NextStage  string
}

// Store persists checkpoints beneath a directory. Construct with New and
// inject it; concurrent saves serialize on an internal mutex and the full
// document is replaced atomically, so a crash never leaves a torn store.
type Store struct {
	mu     sync.Mutex
	dir    string
	ttl    time.Duration
	onSave func()
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the checkpoint time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithOnSave registers a callback invoked after every successful save,
// typically to feed a metrics counter.
func WithOnSave(fn func()) Option {
	return func(s *Store) { s.onSave = fn }
}

// New creates a checkpoint store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:    dir,
		ttl:    DefaultTTL,
		logger: logger.With(slog.String("component", "checkpoint")),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating checkpoint directory")
	}
	return s, nil
}

// Save upserts the named stage into the execution's checkpoint and writes the
// store back atomically. Re-saving an existing stage id replaces it, so
// callers can retry without duplicating entries. Artifact maps merge with new
// keys winning on conflict. Expired checkpoints across the whole store are
// purged opportunistically.
func (s *Store) Save(executionID, stageID string, update StageUpdate) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadAll()
	s.purgeExpiredLocked(store)

	now := time.Now()
	cp, ok := store[executionID]
	if !ok {
		cp = &Checkpoint{
			ExecutionID: executionID,
			WorkflowID:  update.WorkflowID,
			Artifacts:   make(map[string]any),
			CreatedAt:   now,
		}
		store[executionID] = cp
	}

	stage := CompletedStage{
		ID:          stageID,
		Name:        update.StageName,
		CompletedAt: now,
		Artifacts:   update.Artifacts,
	}

	replaced := false
	for i := range cp.CompletedStages {
		if cp.CompletedStages[i].ID == stageID {
			cp.CompletedStages[i] = stage
			replaced = true
			break
		}
	}
	if !replaced {
		cp.CompletedStages = append(cp.CompletedStages, stage)
	}

	if cp.Artifacts == nil {
		cp.Artifacts = make(map[string]any)
	}
	for k, v := range update.Artifacts {
		cp.Artifacts[k] = v
	}

	cp.LastStage = stageID
	cp.NextStage = update.NextStage
	cp.UpdatedAt = now

	if err := s.writeAll(store); err != nil {
		return nil, err
	}
	if s.onSave != nil {
		s.onSave()
	}
	return cp, nil
}

// Load returns the checkpoint for an execution, or nil when none exists, it
// has expired, or the stored document is structurally invalid. A corrupt
// store never propagates an error to the caller.
func (s *Store) Load(executionID string) *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadAll()
	cp, ok := store[executionID]
	if !ok {
		return nil
	}
	if s.expired(cp) {
		delete(store, executionID)
		if err := s.writeAll(store); err != nil {
			s.logger.Warn("failed to persist expiry purge", slog.Any("error", err))
		}
		return nil
	}
	return cp
}

// Clear removes the checkpoint for an execution, reporting whether one
// existed. Called when an execution is known to be fully done.
func (s *Store) Clear(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadAll()
	if _, ok := store[executionID]; !ok {
		return false
	}
	delete(store, executionID)
	if err := s.writeAll(store); err != nil {
		s.logger.Warn("failed to persist checkpoint removal",
			slog.String("execution_id", executionID),
			slog.Any("error", err),
		)
	}
	return true
}

// PurgeExpired removes every expired checkpoint, returning how many fell out.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.loadAll()
	n := s.purgeExpiredLocked(store)
	if n > 0 {
		if err := s.writeAll(store); err != nil {
			s.logger.Warn("failed to persist expiry purge", slog.Any("error", err))
		}
	}
	return n
}

func (s *Store) purgeExpiredLocked(store map[string]*Checkpoint) int {
	n := 0
	for id, cp := range store {
		if s.expired(cp) {
			delete(store, id)
			n++
		}
	}
	return n
}

func (s *Store) expired(cp *Checkpoint) bool {
	ref := cp.UpdatedAt
	if ref.IsZero() {
		ref = cp.CreatedAt
	}
	return time.Since(ref) > s.ttl
}

// loadAll reads the full store, degrading to an empty document on any read
// or decode failure.
func (s *Store) loadAll() map[string]*Checkpoint {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read checkpoint store, starting empty", slog.Any("error", err))
		}
		return make(map[string]*Checkpoint)
	}

	var store map[string]*Checkpoint
	if err := json.Unmarshal(data, &store); err != nil {
		s.logger.Warn("checkpoint store is corrupt, starting empty", slog.Any("error", err))
		return make(map[string]*Checkpoint)
	}

	// Drop structurally invalid records rather than crashing a caller later.
	for id, cp := range store {
		if cp == nil || cp.ExecutionID == "" {
			delete(store, id)
		}
	}
	return store
}

// writeAll replaces the store document atomically: write a temp file in the
// same directory, fsync, then rename over the live file.
func (s *Store) writeAll(store map[string]*Checkpoint) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint store")
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoints-*.tmp")
	if err != nil {
		return &errors.StoreError{Op: "save", Key: storeFile, Cause: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &errors.StoreError{Op: "save", Key: storeFile, Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &errors.StoreError{Op: "save", Key: storeFile, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.StoreError{Op: "save", Key: storeFile, Cause: err}
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		return &errors.StoreError{Op: "save", Key: storeFile, Cause: err}
	}
	return nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, storeFile)
}

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

package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hfield/baton/internal/engine"
	"github.com/hfield/baton/internal/log"
	"github.com/hfield/baton/pkg/errors"
	"github.com/hfield/baton/pkg/workflow"
)

// CronEntryStats reports activity for one schedule.
type CronEntryStats struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	WorkflowID string    `json:"workflow_id"`
	Runs       int64     `json:"runs"`
	Errors     int64     `json:"errors"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run,omitempty"`
}

type cronEntry struct {
	name       string
	spec       string
	workflowID string
	params     map[string]any
	entryID    cron.EntryID
	runs       int64
	errs       int64
	lastRun    time.Time
}

// CronScheduler runs workflows on time schedules. Specs use the standard
// 5-field cron syntax plus @descriptors (@hourly, @daily, @every 5m).
type CronScheduler struct {
	cron    *cron.Cron
	engine  Engine
	metrics Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*cronEntry
}

// NewCronScheduler creates a cron scheduler. Call Start to begin ticking.
func NewCronScheduler(eng Engine, logger *slog.Logger, opts ...Option) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		engine:  eng,
		metrics: o.metrics,
		logger:  logger.With(slog.String("component", "cron")),
		entries: make(map[string]*cronEntry),
	}
}

// Add installs a named schedule for a workflow. Duplicate names and invalid
// specs are errors.
func (s *CronScheduler) Add(name, spec, workflowID string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "schedule " + name + " already exists",
			Suggestion: "remove the existing schedule first or pick another name",
		}
	}

	entry := &cronEntry{name: name, spec: spec, workflowID: workflowID, params: params}
	entryID, err := s.cron.AddFunc(spec, func() { s.tick(entry) })
	if err != nil {
		return &errors.ValidationError{
			Field:      "spec",
			Message:    "invalid cron spec " + spec + ": " + err.Error(),
			Suggestion: "use 5-field cron syntax or a descriptor like @daily",
		}
	}
	entry.entryID = entryID
	s.entries[name] = entry

	s.logger.Info("schedule added",
		slog.String("schedule", name),
		slog.String("spec", spec),
		slog.String(log.WorkflowKey, workflowID),
	)
	return nil
}

// Remove deletes a named schedule, reporting whether it existed.
func (s *CronScheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(entry.entryID)
	delete(s.entries, name)
	return true
}

// AutoRegisterCrons installs a schedule for every workflow declaring one in
// its metadata, named after the workflow. Returns the number installed.
func (s *CronScheduler) AutoRegisterCrons(workflows *workflow.Registry) int {
	installed := 0
	for _, wf := range workflows.List() {
		id := wf.ID()
		spec := workflow.MetadataOf(wf).Triggers.Schedule
		if spec == "" {
			continue
		}
		if err := s.Add(id, spec, id, nil); err != nil {
			s.logger.Warn("skipping cron auto-registration",
				slog.String(log.WorkflowKey, id),
				slog.String("error", err.Error()),
			)
			continue
		}
		installed++
	}
	return installed
}

// Fire runs a named schedule immediately, bypassing its timer. The scheduled
// ticks are unaffected.
func (s *CronScheduler) Fire(ctx context.Context, name string) error {
	s.mu.Lock()
	entry, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Resource: "schedule", ID: name}
	}

	_, err := s.engine.Enqueue(ctx, entry.workflowID, entry.params, engine.EnqueueOptions{
		TriggeredBy: "cron:" + name + ":manual",
	})
	s.record(entry, err)
	return err
}

// Stats returns per-schedule run counts and timing.
func (s *CronScheduler) Stats() []CronEntryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]CronEntryStats, 0, len(s.entries))
	for _, entry := range s.entries {
		stats = append(stats, CronEntryStats{
			Name:       entry.name,
			Spec:       entry.spec,
			WorkflowID: entry.workflowID,
			Runs:       entry.runs,
			Errors:     entry.errs,
			LastRun:    entry.lastRun,
			NextRun:    s.cron.Entry(entry.entryID).Next,
		})
	}
	return stats
}

// Start begins ticking schedules.
func (s *CronScheduler) Start() { s.cron.Start() }

// Stop halts ticking and waits for in-progress tick callbacks.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *CronScheduler) tick(entry *cronEntry) {
	if s.engine.IsDraining() {
		s.logger.Info("skipping scheduled run, engine draining",
			slog.String("schedule", entry.name))
		return
	}

	_, err := s.engine.Enqueue(context.Background(), entry.workflowID, entry.params, engine.EnqueueOptions{
		TriggeredBy: "cron:" + entry.name,
	})
	s.record(entry, err)

	if err != nil {
		s.logger.Warn("scheduled enqueue failed",
			slog.String("schedule", entry.name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *CronScheduler) record(entry *cronEntry, err error) {
	if s.metrics != nil {
		s.metrics.TriggerFired("cron")
	}
	s.mu.Lock()
	entry.runs++
	entry.lastRun = time.Now()
	if err != nil {
		entry.errs++
	}
	s.mu.Unlock()
}

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

// Package engine implements the workflow scheduler: a priority queue drained
// by a single dedicated worker goroutine, with durable execution records,
// lifecycle events, and crash recovery.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hfield/baton/internal/backend"
	"github.com/hfield/baton/internal/checkpoint"
	"github.com/hfield/baton/internal/engine/orchestrator"
	"github.com/hfield/baton/internal/eventbus"
	"github.com/hfield/baton/internal/log"
	"github.com/hfield/baton/pkg/errors"
	"github.com/hfield/baton/pkg/workflow"
)

// Defaults for engine configuration.
const (
	DefaultRetentionAge = 24 * time.Hour
	DefaultRetentionCap = 200
	DefaultDrainTimeout = 30 * time.Second
)

// Config controls retention and shutdown behavior.
type Config struct {
	// RetentionAge drops terminal executions older than this at recovery.
	RetentionAge time.Duration

	// RetentionCap bounds how many terminal executions recovery keeps.
	RetentionCap int

	// DrainTimeout bounds how long Stop waits for the in-flight execution.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	if c.RetentionCap <= 0 {
		c.RetentionCap = DefaultRetentionCap
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// MetricsCollector receives engine-level measurements. Implementations must
// be safe for concurrent use; a nil collector disables collection.
type MetricsCollector interface {
	ExecutionEnqueued(priority string)
	ExecutionFinished(status string, duration time.Duration)
	QueueDepth(depth int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCheckpoints attaches a checkpoint store. The store is made available to
// workflow bodies through the run context, and an execution's checkpoints are
// cleared once it completes successfully.
func WithCheckpoints(s *checkpoint.Store) Option {
	return func(e *Engine) { e.checkpoints = s }
}

// EnqueueOptions tune one Enqueue call.
type EnqueueOptions struct {
	Priority    Priority
	TriggeredBy string
}

// Stats is a snapshot of engine occupancy.
type Stats struct {
	Total     int  `json:"total"`
	Queued    int  `json:"queued"`
	Running   int  `json:"running"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
	Draining  bool `json:"draining"`
}

// Engine schedules and runs workflow executions one at a time. Construct with
// New, then Start; inject collaborators rather than reaching for globals.
type Engine struct {
	cfg         Config
	registry    *workflow.Registry
	store       backend.ExecutionStore
	bus         *eventbus.Bus
	orch        *orchestrator.Orchestrator
	metrics     MetricsCollector
	checkpoints *checkpoint.Store
	logger      *slog.Logger

	mu         sync.Mutex
	executions map[string]*Execution
	queue      priorityQueue
	inFlight   *Execution

	signal   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
	draining atomic.Bool
}

// New creates an engine and recovers persisted executions: running records
// are re-queued with their start time cleared, terminal records past the
// retention age or beyond the retention cap are dropped.
func New(cfg Config, registry *workflow.Registry, store backend.ExecutionStore, bus *eventbus.Bus, orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		bus:        bus,
		orch:       orch,
		logger:     logger.With(slog.String("component", "engine")),
		executions: make(map[string]*Execution),
		signal:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.recover(context.Background()); err != nil {
		return nil, errors.Wrap(err, "recovering executions")
	}

	return e, nil
}

// Start launches the drain worker. Safe to call once.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go e.drainLoop()

	e.mu.Lock()
	pending := e.queue.len()
	e.mu.Unlock()
	if pending > 0 {
		e.signalDrain()
	}
}

// Enqueue admits a new execution for the given workflow. It never blocks on
// execution. Unknown workflow ids and a draining engine are refused before
// anything is queued.
func (e *Engine) Enqueue(ctx context.Context, workflowID string, params map[string]any, opts EnqueueOptions) (*Execution, error) {
	if e.draining.Load() {
		return nil, &errors.AdmissionError{Op: "enqueue", Reason: "engine is draining"}
	}
	if _, err := e.registry.Get(workflowID); err != nil {
		return nil, &errors.AdmissionError{Op: "enqueue", Reason: fmt.Sprintf("unknown workflow %q", workflowID)}
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	ex := &Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Params:      params,
		Priority:    priority,
		Status:      StatusQueued,
		TriggeredBy: opts.TriggeredBy,
		EnqueuedAt:  time.Now(),
	}

	if err := e.store.CreateExecution(ctx, toRecord(ex)); err != nil {
		return nil, errors.Wrap(err, "persisting execution")
	}

	e.mu.Lock()
	e.executions[ex.ID] = ex
	e.queue.push(ex)
	depth := e.queue.len()
	e.mu.Unlock()

	e.logger.Info("execution enqueued",
		slog.String(log.ExecutionIDKey, ex.ID),
		slog.String(log.WorkflowKey, workflowID),
		slog.String("priority", string(priority)),
		slog.Int("queue_depth", depth),
	)
	if e.metrics != nil {
		e.metrics.ExecutionEnqueued(string(priority))
		e.metrics.QueueDepth(depth)
	}

	e.signalDrain()
	return ex.Snapshot(), nil
}

// Cancel cancels a queued execution. Running and terminal executions are
// refused with a typed error.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	ex, ok := e.executions[id]
	if !ok {
		e.mu.Unlock()
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if ex.Status != StatusQueued {
		status := ex.Status
		e.mu.Unlock()
		return &errors.AdmissionError{Op: "cancel", Reason: fmt.Sprintf("execution is %s, only queued executions can be cancelled", status)}
	}

	e.queue.remove(id)
	now := time.Now()
	ex.Status = StatusCancelled
	ex.CompletedAt = &now
	rec := toRecord(ex)
	e.mu.Unlock()

	e.persist(ctx, rec)
	e.emit(eventbus.ExecutionCancelled, ex)
	if e.metrics != nil {
		e.metrics.ExecutionFinished(string(StatusCancelled), 0)
	}

	e.logger.Info("execution cancelled", slog.String(log.ExecutionIDKey, id))
	e.pruneTerminal(ctx)
	return nil
}

// GetStatus returns a snapshot of one execution.
func (e *Engine) GetStatus(id string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, ok := e.executions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return ex.Snapshot(), nil
}

// ListAll returns snapshots of all known executions, newest first. A positive
// limit truncates the result.
func (e *Engine) ListAll(limit int) []*Execution {
	e.mu.Lock()
	all := make([]*Execution, 0, len(e.executions))
	for _, ex := range e.executions {
		all = append(all, ex.Snapshot())
	}
	e.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].EnqueuedAt.After(all[j].EnqueuedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// ListPending returns snapshots of queued executions in drain order.
func (e *Engine) ListPending() []*Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make([]*Execution, 0, e.queue.len())
	for _, ex := range e.queue.snapshot() {
		pending = append(pending, ex.Snapshot())
	}
	return pending
}

// Stats returns current occupancy counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Total: len(e.executions), Draining: e.draining.Load()}
	for _, ex := range e.executions {
		switch ex.Status {
		case StatusQueued:
			s.Queued++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// IsDraining reports whether the engine refuses new work.
func (e *Engine) IsDraining() bool { return e.draining.Load() }

// Stop drains the engine: no new executions start, the in-flight one is
// given until the drain timeout to finish, then the worker goroutine exits.
// Queued executions stay queued (and persisted) for the next start.
func (e *Engine) Stop(ctx context.Context) error {
	e.draining.Store(true)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(e.cfg.DrainTimeout)

	for {
		e.mu.Lock()
		idle := e.inFlight == nil
		e.mu.Unlock()
		if idle {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			e.mu.Lock()
			inFlight := e.inFlight
			e.mu.Unlock()
			if inFlight != nil {
				return fmt.Errorf("drain timeout: execution %s still running", inFlight.ID)
			}
		case <-ticker.C:
		}
	}

	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.logger.Info("engine stopped")
	return nil
}

// drainLoop is the single worker goroutine. All execution happens here, which
// makes single-flight a structural property rather than a flag to maintain.
func (e *Engine) drainLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.signal:
		}

		for {
			select {
			case <-e.stopCh:
				return
			default:
			}

			ex := e.dequeue()
			if ex == nil {
				break
			}
			e.runOne(ex)
		}
	}
}

func (e *Engine) signalDrain() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() *Execution {
	if e.draining.Load() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		ex := e.queue.pop()
		if ex == nil {
			return nil
		}
		// Cancel removes queue entries under the same lock, but stay
		// defensive about status drift.
		if ex.Status != StatusQueued {
			continue
		}
		now := time.Now()
		ex.Status = StatusRunning
		ex.StartedAt = &now
		e.inFlight = ex
		return ex
	}
}

// runOne executes a single workflow invocation end to end.
func (e *Engine) runOne(ex *Execution) {
	start := time.Now()

	e.persist(context.Background(), toRecord(ex))
	e.emit(eventbus.ExecutionStarted, ex)
	if e.metrics != nil {
		e.mu.Lock()
		depth := e.queue.len()
		e.mu.Unlock()
		e.metrics.QueueDepth(depth)
	}

	e.logger.Info("execution started",
		slog.String(log.ExecutionIDKey, ex.ID),
		slog.String(log.WorkflowKey, ex.WorkflowID),
	)

	ctx := workflow.WithStageRecorder(context.Background(), &stageAppender{engine: e, execution: ex})
	ctx = workflow.WithExecutionID(ctx, ex.ID)
	if e.checkpoints != nil {
		ctx = checkpoint.NewContext(ctx, e.checkpoints)
	}

	var (
		res *orchestrator.Result
		err error
	)
	wf, err := e.registry.Get(ex.WorkflowID)
	if err == nil {
		res, err = e.orch.Execute(ctx, wf, ex.Params, ex.ID)
	}

	now := time.Now()
	e.mu.Lock()
	ex.CompletedAt = &now
	if err != nil {
		ex.Status = StatusFailed
		ex.Error = err.Error()
	} else {
		ex.Status = StatusCompleted
		ex.Result = resultMap(res)
	}
	e.inFlight = nil
	rec := toRecord(ex)
	e.mu.Unlock()

	e.persist(context.Background(), rec)

	duration := time.Since(start)
	if err != nil {
		e.emit(eventbus.ExecutionFailed, ex)
		e.logger.Error("execution failed", log.Error(err),
			slog.String(log.ExecutionIDKey, ex.ID),
			slog.String(log.WorkflowKey, ex.WorkflowID),
			slog.Int64(log.DurationKey, duration.Milliseconds()),
		)
	} else {
		if e.checkpoints != nil {
			e.checkpoints.Clear(ex.ID)
		}
		e.emit(eventbus.ExecutionCompleted, ex)
		e.logger.Info("execution completed",
			slog.String(log.ExecutionIDKey, ex.ID),
			slog.String(log.WorkflowKey, ex.WorkflowID),
			slog.Int64(log.DurationKey, duration.Milliseconds()),
		)
	}
	if e.metrics != nil {
		e.metrics.ExecutionFinished(string(ex.Status), duration)
	}

	e.pruneTerminal(context.Background())
}

// emit publishes a lifecycle event and correlates it with the execution.
func (e *Engine) emit(eventType string, ex *Execution) {
	if e.bus == nil {
		return
	}
	event := e.bus.Emit(eventType, "engine", map[string]any{
		"execution_id": ex.ID,
		"workflow_id":  ex.WorkflowID,
		"status":       string(ex.Status),
		"priority":     string(ex.Priority),
	})

	e.mu.Lock()
	ex.EventIDs = append(ex.EventIDs, event.ID)
	e.mu.Unlock()
}

// persist upserts the execution record, logging rather than failing: the
// backend either applied the write or kept the prior value.
func (e *Engine) persist(ctx context.Context, rec *backend.ExecutionRecord) {
	if err := e.store.UpdateExecution(ctx, rec); err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			err = e.store.CreateExecution(ctx, rec)
		}
		if err != nil {
			e.logger.Error("persisting execution failed", log.Error(err),
				slog.String(log.ExecutionIDKey, rec.ID))
		}
	}
}

// recover reloads persisted executions and applies the retention policy.
func (e *Engine) recover(ctx context.Context) error {
	lister, ok := e.store.(backend.ExecutionLister)
	if !ok {
		return nil
	}

	recs, err := lister.ListExecutions(ctx, backend.ExecutionFilter{})
	if err != nil {
		return err
	}

	requeued := 0
	for _, rec := range recs {
		ex := fromRecord(rec)
		switch {
		case ex.Status == StatusRunning:
			// Interrupted mid-run by a crash or kill. Queue it again.
			ex.Status = StatusQueued
			ex.StartedAt = nil
			e.persist(ctx, toRecord(ex))
			e.executions[ex.ID] = ex
			requeued++
		default:
			e.executions[ex.ID] = ex
		}
	}

	e.pruneTerminal(ctx)

	// Rebuild the queue in priority order, FIFO within a tier.
	var pending []*Execution
	for _, ex := range e.executions {
		if ex.Status == StatusQueued {
			pending = append(pending, ex)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	for _, ex := range pending {
		e.queue.push(ex)
	}

	if requeued > 0 || len(pending) > 0 {
		e.logger.Info("recovered executions",
			slog.Int("queued", len(pending)),
			slog.Int("requeued", requeued),
		)
	}
	return nil
}

// pruneTerminal enforces the retention policy against live state: terminal
// executions older than the retention age are dropped, then at most
// RetentionCap terminal records are kept, newest first. Runs after every
// terminal transition so a long-lived daemon stays bounded between restarts.
// Pruned records are deleted from the backend when it supports deletion.
func (e *Engine) pruneTerminal(ctx context.Context) {
	cutoff := time.Now().Add(-e.cfg.RetentionAge)

	e.mu.Lock()
	var terminal []*Execution
	for _, ex := range e.executions {
		if ex.Status.Terminal() {
			terminal = append(terminal, ex)
		}
	}

	var dropped []string
	kept := terminal[:0]
	for _, ex := range terminal {
		finished := ex.EnqueuedAt
		if ex.CompletedAt != nil {
			finished = *ex.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(e.executions, ex.ID)
			dropped = append(dropped, ex.ID)
			continue
		}
		kept = append(kept, ex)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].EnqueuedAt.After(kept[j].EnqueuedAt)
	})
	for i := e.cfg.RetentionCap; i < len(kept); i++ {
		delete(e.executions, kept[i].ID)
		dropped = append(dropped, kept[i].ID)
	}
	e.mu.Unlock()

	lister, ok := e.store.(backend.ExecutionLister)
	if !ok {
		return
	}
	for _, id := range dropped {
		e.dropRecord(ctx, lister, id)
	}
}

func (e *Engine) dropRecord(ctx context.Context, lister backend.ExecutionLister, id string) {
	if err := lister.DeleteExecution(ctx, id); err != nil {
		e.logger.Warn("dropping expired execution failed",
			slog.String(log.ExecutionIDKey, id),
			slog.String("error", err.Error()),
		)
	}
}

// stageAppender feeds workflow stage records into the execution under the
// engine lock.
type stageAppender struct {
	engine    *Engine
	execution *Execution
}

func (a *stageAppender) RecordStage(stage workflow.Stage) {
	a.engine.mu.Lock()
	a.execution.Stages = append(a.execution.Stages, stage)
	a.engine.mu.Unlock()
}

func resultMap(res *orchestrator.Result) map[string]any {
	if res == nil {
		return nil
	}
	if res.Items == nil {
		return res.Output
	}
	items := make([]any, len(res.Items))
	for i, it := range res.Items {
		items[i] = map[string]any{
			"index":   it.Index,
			"success": it.Success,
			"output":  it.Output,
			"error":   it.Error,
		}
	}
	return map[string]any{
		"status":    res.Status,
		"completed": res.Completed,
		"total":     res.Total,
		"items":     items,
	}
}

func toRecord(ex *Execution) *backend.ExecutionRecord {
	rec := &backend.ExecutionRecord{
		ID:          ex.ID,
		WorkflowID:  ex.WorkflowID,
		Status:      string(ex.Status),
		Priority:    string(ex.Priority),
		TriggeredBy: ex.TriggeredBy,
		Params:      ex.Params,
		Result:      ex.Result,
		Error:       ex.Error,
		StartedAt:   ex.StartedAt,
		CompletedAt: ex.CompletedAt,
		CreatedAt:   ex.EnqueuedAt,
	}
	if c, ok := ex.Result["completed"].(int); ok {
		rec.Completed = c
	}
	if tot, ok := ex.Result["total"].(int); ok {
		rec.Total = tot
	}
	return rec
}

func fromRecord(rec *backend.ExecutionRecord) *Execution {
	return &Execution{
		ID:          rec.ID,
		WorkflowID:  rec.WorkflowID,
		Params:      rec.Params,
		Priority:    Priority(rec.Priority),
		Status:      Status(rec.Status),
		TriggeredBy: rec.TriggeredBy,
		Result:      rec.Result,
		Error:       rec.Error,
		EnqueuedAt:  rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

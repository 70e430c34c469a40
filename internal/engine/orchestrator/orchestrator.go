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

// Package orchestrator runs multi-stage workflows, fanning a declared stage
// out over a collection of items with bounded parallelism. Workflows without
// a fan-out stage get exactly one direct Run call.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/expr-lang/expr"

	"github.com/hfield/baton/internal/eventbus"
	"github.com/hfield/baton/internal/log"
	"github.com/hfield/baton/internal/semaphore"
	"github.com/hfield/baton/pkg/workflow"
)

// DefaultMaxConcurrent bounds parallel sub-workflow invocations per fan-out.
const DefaultMaxConcurrent = 5

// Aggregate status values for an orchestrated run.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Config controls orchestrator behavior.
type Config struct {
	// MaxConcurrent bounds how many fan-out items run at once.
	MaxConcurrent int
}

// Orchestrator coordinates workflow runs, including fan-out stages.
type Orchestrator struct {
	registry *workflow.Registry
	bus      *eventbus.Bus
	sem      *semaphore.Semaphore
	logger   *slog.Logger
}

// New creates an orchestrator. The bus is optional; without one, progress
// events are not emitted.
func New(registry *workflow.Registry, bus *eventbus.Bus, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		bus:      bus,
		sem:      semaphore.New(cfg.MaxConcurrent),
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// ItemResult is the outcome of one fan-out item.
type ItemResult struct {
	Index    int            `json:"index"`
	Item     any            `json:"item"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Success  bool           `json:"success"`
	Duration time.Duration  `json:"duration"`
}

// Result is the aggregate outcome of an orchestrated run.
type Result struct {
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Items     []ItemResult   `json:"items,omitempty"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Execute runs the workflow. A workflow without orchestrator metadata or
// without a declared fan-out stage gets a single direct Run call. A fan-out
// stage resolves its foreach expression against the params, runs the
// sub-workflow once per item with per-item failure isolation, and aggregates:
// completed when every item succeeded, partial when at least one failed, and
// failed only for setup errors (unresolvable collection, unknown
// sub-workflow).
func (o *Orchestrator) Execute(ctx context.Context, wf workflow.Workflow, params map[string]any, executionID string) (*Result, error) {
	start := time.Now()

	meta := workflow.MetadataOf(wf)
	fanOut := meta.FanOutStage()
	if !meta.IsOrchestrator || fanOut == nil {
		out, err := wf.Run(ctx, params)
		res := &Result{Status: StatusCompleted, Output: out, Duration: time.Since(start)}
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
		}
		return res, err
	}

	items, err := o.resolveCollection(fanOut.Foreach, params)
	if err != nil {
		return &Result{Status: StatusFailed, Error: err.Error(), Duration: time.Since(start)}, err
	}

	sub, err := o.registry.Get(fanOut.SubWorkflow)
	if err != nil {
		return &Result{Status: StatusFailed, Error: err.Error(), Duration: time.Since(start)}, err
	}

	o.logger.Info("fanning out stage",
		slog.String(log.ExecutionIDKey, executionID),
		slog.String(log.StageIDKey, fanOut.ID),
		slog.String("sub_workflow", sub.ID()),
		slog.Int("items", len(items)),
	)

	results := make([]ItemResult, len(items))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, item any) {
			defer wg.Done()

			itemStart := time.Now()
			out, err := o.runItem(ctx, sub, params, item)

			r := ItemResult{Index: idx, Item: item, Duration: time.Since(itemStart)}
			if err != nil {
				r.Error = err.Error()
			} else {
				r.Success = true
				r.Output = out
			}
			results[idx] = r

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()

			o.emitProgress(executionID, fanOut.ID, done, len(items))
		}(i, item)
	}
	wg.Wait()

	res := &Result{
		Status:   StatusCompleted,
		Items:    results,
		Total:    len(items),
		Duration: time.Since(start),
	}
	for _, r := range results {
		if r.Success {
			res.Completed++
		} else {
			res.Status = StatusPartial
		}
	}
	return res, nil
}

// runItem invokes the sub-workflow for one item under the concurrency bound,
// with panic isolation so a misbehaving item cannot take down its siblings.
func (o *Orchestrator) runItem(ctx context.Context, sub workflow.Workflow, parent map[string]any, item any) (out map[string]any, err error) {
	semErr := o.sem.Use(ctx, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sub-workflow panic: %v", r)
			}
		}()
		out, err = sub.Run(ctx, mergeParams(parent, item))
		return nil
	})
	if semErr != nil {
		return nil, semErr
	}
	return out, err
}

// resolveCollection evaluates the foreach expression against the params and
// requires the result to be a list.
func (o *Orchestrator) resolveCollection(expression string, params map[string]any) ([]any, error) {
	if expression == "" {
		return nil, fmt.Errorf("fan-out stage has no foreach expression")
	}

	env := map[string]any{"params": params}
	value, err := expr.Eval(expression, env)
	if err != nil {
		return nil, fmt.Errorf("resolving foreach %q: %w", expression, err)
	}

	if items, ok := value.([]any); ok {
		return items, nil
	}

	// Typed slices ([]string etc.) resolve too.
	rv := reflect.ValueOf(value)
	if value != nil && rv.Kind() == reflect.Slice {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}

	return nil, fmt.Errorf("foreach %q resolved to %T, want a list", expression, value)
}

func (o *Orchestrator) emitProgress(executionID, stageID string, completed, total int) {
	if o.bus == nil {
		return
	}
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}
	o.bus.Emit(eventbus.StageProgress, "orchestrator", map[string]any{
		"execution_id":     executionID,
		"stage_id":         stageID,
		"completed":        completed,
		"total":            total,
		"percent_complete": percent,
	})
}

// mergeParams combines parent params with one fan-out item. Map items merge
// key-by-key with item keys winning; anything else lands under "item".
func mergeParams(parent map[string]any, item any) map[string]any {
	merged := make(map[string]any, len(parent)+1)
	for k, v := range parent {
		merged[k] = v
	}
	if m, ok := item.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	} else {
		merged["item"] = item
	}
	return merged
}

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

// Package trigger connects external stimuli to the execution engine:
// event-type bindings on the bus, cron schedules, and a file watcher.
package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hfield/baton/internal/engine"
	"github.com/hfield/baton/internal/eventbus"
	"github.com/hfield/baton/internal/log"
	"github.com/hfield/baton/pkg/workflow"
)

// Engine is the slice of the execution engine triggers need.
type Engine interface {
	Enqueue(ctx context.Context, workflowID string, params map[string]any, opts engine.EnqueueOptions) (*engine.Execution, error)
	IsDraining() bool
}

// Metrics receives trigger-fire counts labeled by source (event, cron, file).
// A nil collector disables collection.
type Metrics interface {
	TriggerFired(source string)
}

// Option configures a trigger component.
type Option func(*options)

type options struct {
	metrics Metrics
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BindingStats reports activity for one event binding.
type BindingStats struct {
	EventType  string `json:"event_type"`
	WorkflowID string `json:"workflow_id"`
	Fires      int64  `json:"fires"`
	Errors     int64  `json:"errors"`
}

type binding struct {
	workflowID string
	sub        *eventbus.Subscription
	fires      int64
	errs       int64
}

// Registry maps event types to workflows. At most one binding is active per
// event type; registering over an existing binding replaces it with a
// warning.
type Registry struct {
	bus     *eventbus.Bus
	engine  Engine
	metrics Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	closed   bool
}

// NewRegistry creates an event-trigger registry.
func NewRegistry(bus *eventbus.Bus, eng Engine, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)
	return &Registry{
		bus:      bus,
		engine:   eng,
		metrics:  o.metrics,
		logger:   logger.With(slog.String("component", "trigger")),
		bindings: make(map[string]*binding),
	}
}

// Register binds an event type to a workflow: every event of that type
// enqueues the workflow with the event payload as params. An existing binding
// for the type is replaced atomically, with a warning.
func (r *Registry) Register(eventType, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if old, ok := r.bindings[eventType]; ok {
		r.logger.Warn("replacing event trigger",
			slog.String(log.EventKey, eventType),
			slog.String("old_workflow", old.workflowID),
			slog.String("new_workflow", workflowID),
		)
		old.sub.Unsubscribe()
	}

	b := &binding{workflowID: workflowID}
	b.sub = r.bus.Subscribe(eventType, func(ev eventbus.Event) error {
		return r.fire(b, eventType, ev)
	})
	r.bindings[eventType] = b

	r.logger.Info("event trigger registered",
		slog.String(log.EventKey, eventType),
		slog.String(log.WorkflowKey, workflowID),
	)
}

// Unregister removes the binding for an event type, reporting whether one
// existed.
func (r *Registry) Unregister(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[eventType]
	if !ok {
		return false
	}
	b.sub.Unsubscribe()
	delete(r.bindings, eventType)
	return true
}

// AutoRegister scans workflow metadata and installs a binding for every
// declared trigger event, skipping types that already have one. Returns the
// number of bindings installed.
func (r *Registry) AutoRegister(workflows *workflow.Registry) int {
	installed := 0
	for _, wf := range workflows.List() {
		id := wf.ID()
		for _, eventType := range workflow.MetadataOf(wf).Triggers.Events {
			r.mu.Lock()
			_, taken := r.bindings[eventType]
			r.mu.Unlock()
			if taken {
				r.logger.Warn("skipping auto-registration, event already bound",
					slog.String(log.EventKey, eventType),
					slog.String(log.WorkflowKey, id),
				)
				continue
			}
			r.Register(eventType, id)
			installed++
		}
	}
	return installed
}

// Stats returns per-binding fire and error counts.
func (r *Registry) Stats() []BindingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]BindingStats, 0, len(r.bindings))
	for eventType, b := range r.bindings {
		stats = append(stats, BindingStats{
			EventType:  eventType,
			WorkflowID: b.workflowID,
			Fires:      b.fires,
			Errors:     b.errs,
		})
	}
	return stats
}

// Close unsubscribes every binding.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings {
		b.sub.Unsubscribe()
	}
	r.bindings = make(map[string]*binding)
	r.closed = true
}

func (r *Registry) fire(b *binding, eventType string, ev eventbus.Event) error {
	_, err := r.engine.Enqueue(context.Background(), b.workflowID, ev.Payload, engine.EnqueueOptions{
		TriggeredBy: "event:" + eventType,
	})
	if r.metrics != nil {
		r.metrics.TriggerFired("event")
	}

	r.mu.Lock()
	b.fires++
	if err != nil {
		b.errs++
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("event trigger enqueue failed",
			slog.String(log.EventKey, eventType),
			slog.String(log.WorkflowKey, b.workflowID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

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

package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/hfield/baton/pkg/errors"
)

// Registry holds the workflows known to the engine. It is an explicitly
// constructed object; callers inject it wherever workflows are resolved.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register adds a workflow. Registering a duplicate id is an error.
func (r *Registry) Register(w Workflow) error {
	if w == nil || w.ID() == "" {
		return &errors.ValidationError{Field: "workflow", Message: "workflow must have a non-empty id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[w.ID()]; exists {
		return &errors.ValidationError{
			Field:      "workflow",
			Message:    "workflow already registered: " + w.ID(),
			Suggestion: "workflow ids must be unique within a registry",
		}
	}
	r.workflows[w.ID()] = w
	return nil
}

// Get returns the workflow with the given id.
func (r *Registry) Get(id string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w, nil
}

// List returns all registered workflows sorted by id.
func (r *Registry) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Func adapts a plain function into a Workflow. Useful for tests and for
// wiring small glue workflows without a dedicated type.
func Func(id string, fn func(ctx context.Context, params map[string]any) (map[string]any, error)) Workflow {
	return &funcWorkflow{id: id, fn: fn}
}

// FuncWithMetadata is Func plus declared metadata.
func FuncWithMetadata(id string, meta Metadata, fn func(ctx context.Context, params map[string]any) (map[string]any, error)) Workflow {
	return &funcWorkflow{id: id, fn: fn, meta: &meta}
}

type funcWorkflow struct {
	id   string
	fn   func(ctx context.Context, params map[string]any) (map[string]any, error)
	meta *Metadata
}

func (f *funcWorkflow) ID() string { return f.id }

func (f *funcWorkflow) Run(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.fn(ctx, params)
}

func (f *funcWorkflow) Metadata() Metadata {
	if f.meta == nil {
		return Metadata{}
	}
	return *f.meta
}

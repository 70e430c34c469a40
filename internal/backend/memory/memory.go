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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hfield/baton/internal/backend"
	"github.com/hfield/baton/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.ExecutionStore  = (*Backend)(nil)
	_ backend.ExecutionLister = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu         sync.RWMutex
	executions map[string]*backend.ExecutionRecord
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		executions: make(map[string]*backend.ExecutionRecord),
	}
}

// CreateExecution creates a new execution record.
func (b *Backend) CreateExecution(ctx context.Context, rec *backend.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.executions[rec.ID]; exists {
		return errors.Newf("execution already exists: %s", rec.ID)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	b.executions[rec.ID] = cloneRecord(rec)
	return nil
}

// GetExecution retrieves an execution by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*backend.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, exists := b.executions[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return cloneRecord(rec), nil
}

// UpdateExecution updates an existing execution record.
func (b *Backend) UpdateExecution(ctx context.Context, rec *backend.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.executions[rec.ID]; !exists {
		return &errors.NotFoundError{Resource: "execution", ID: rec.ID}
	}

	rec.UpdatedAt = time.Now()
	b.executions[rec.ID] = cloneRecord(rec)
	return nil
}

// ListExecutions lists executions with optional filtering, newest first.
func (b *Backend) ListExecutions(ctx context.Context, filter backend.ExecutionFilter) ([]*backend.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.ExecutionRecord
	for _, rec := range b.executions {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && rec.WorkflowID != filter.Workflow {
			continue
		}
		result = append(result, cloneRecord(rec))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

// DeleteExecution deletes an execution.
func (b *Backend) DeleteExecution(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.executions, id)
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}

func cloneRecord(rec *backend.ExecutionRecord) *backend.ExecutionRecord {
	cp := *rec
	if rec.Params != nil {
		cp.Params = make(map[string]any, len(rec.Params))
		for k, v := range rec.Params {
			cp.Params[k] = v
		}
	}
	if rec.Result != nil {
		cp.Result = make(map[string]any, len(rec.Result))
		for k, v := range rec.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}

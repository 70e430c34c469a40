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

// Package backend provides storage backends for the execution engine.
//
// The package uses interface segregation so implementations can stay
// minimal:
//
//   - ExecutionStore (core, required): CreateExecution, GetExecution, UpdateExecution
//   - ExecutionLister (optional): ListExecutions, DeleteExecution
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured
// implementations. Components should accept ExecutionStore when that is all
// they need and detect the optional capabilities with type assertions.
package backend

import (
	"context"
	"io"
	"time"
)

// ExecutionStore is the core interface for execution storage operations.
type ExecutionStore interface {
	// CreateExecution creates a new execution record.
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)

	// UpdateExecution updates an existing execution record.
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
}

// ExecutionLister is an optional interface for listing and deleting
// executions. Detect it with a type assertion:
//
//	if lister, ok := store.(ExecutionLister); ok {
//	    recs, err := lister.ListExecutions(ctx, filter)
//	}
type ExecutionLister interface {
	// ListExecutions lists executions with optional filtering, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// DeleteExecution deletes an execution by ID.
	DeleteExecution(ctx context.Context, id string) error
}

// Backend is the full interface for engine storage.
type Backend interface {
	ExecutionStore
	ExecutionLister
	io.Closer
}

// ExecutionRecord is the stored form of one workflow execution.
type ExecutionRecord struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Completed   int            `json:"completed"`
	Total       int            `json:"total"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ExecutionFilter contains filtering options for listing executions.
type ExecutionFilter struct {
	Status   string
	Workflow string
	Limit    int
	Offset   int
}

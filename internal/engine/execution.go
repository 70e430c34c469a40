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

package engine

import (
	"time"

	"github.com/hfield/baton/pkg/errors"
	"github.com/hfield/baton/pkg/workflow"
)

// Priority orders queued executions. Higher priorities drain first; within a
// priority, insertion order holds.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority validates a priority string. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", &errors.ValidationError{
		Field:      "priority",
		Message:    "unknown priority " + s,
		Suggestion: "use high, normal, or low",
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Status is an execution's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is one queued or running workflow invocation.
type Execution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	Params      map[string]any   `json:"params,omitempty"`
	Priority    Priority         `json:"priority"`
	Status      Status           `json:"status"`
	TriggeredBy string           `json:"triggered_by,omitempty"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Stages      []workflow.Stage `json:"stages,omitempty"`
	EventIDs    []string         `json:"event_ids,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Snapshot returns a deep copy safe to hand to callers while the engine keeps
// mutating the original.
func (e *Execution) Snapshot() *Execution {
	cp := *e
	if e.Params != nil {
		cp.Params = make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			cp.Params[k] = v
		}
	}
	if e.Result != nil {
		cp.Result = make(map[string]any, len(e.Result))
		for k, v := range e.Result {
			cp.Result[k] = v
		}
	}
	if e.Stages != nil {
		cp.Stages = make([]workflow.Stage, len(e.Stages))
		copy(cp.Stages, e.Stages)
	}
	if e.EventIDs != nil {
		cp.EventIDs = make([]string, len(e.EventIDs))
		copy(cp.EventIDs, e.EventIDs)
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

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
	"time"
)

// StageStatus is the progress state of one recorded stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	// StageStatusPartial marks a fan-out stage where some items failed.
	StageStatusPartial StageStatus = "partial"
)

// Stage is a named step inside an execution's progress record. Stages are
// appended by the workflow implementation itself; the engine records them but
// does not enforce ordering.
type Stage struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      StageStatus    `json:"status"`
	Actor       string         `json:"actor,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// StageRecorder receives stage records from running workflow bodies.
// The engine installs one per execution.
type StageRecorder interface {
	RecordStage(stage Stage)
}

type stageRecorderKey struct{}

// WithStageRecorder returns a context carrying the given recorder.
func WithStageRecorder(ctx context.Context, rec StageRecorder) context.Context {
	return context.WithValue(ctx, stageRecorderKey{}, rec)
}

// RecordStage appends a stage record to the execution owning ctx.
// It is a no-op when ctx carries no recorder, so workflow bodies can record
// unconditionally.
func RecordStage(ctx context.Context, stage Stage) {
	if rec, ok := ctx.Value(stageRecorderKey{}).(StageRecorder); ok {
		rec.RecordStage(stage)
	}
}

type executionIDKey struct{}

// WithExecutionID returns a context carrying the owning execution's id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionIDFromContext returns the execution id carried by ctx, or "".
func ExecutionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}

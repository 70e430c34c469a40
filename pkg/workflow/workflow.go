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

// Package workflow defines the contract between the execution engine and
// workflow implementations. A workflow is an opaque unit of business logic
// identified by a string id; the engine schedules it, the workflow runs it.
package workflow

import (
	"context"
)

// Workflow is the unit of work the engine schedules. Implementations may call
// arbitrary external collaborators from Run and record stage progress through
// the StageRecorder carried in ctx.
type Workflow interface {
	// ID returns the unique workflow identifier.
	ID() string

	// Run executes the workflow with the given parameters and returns its
	// result. Errors returned here mark the execution failed; they never
	// abort the engine's drain loop.
	Run(ctx context.Context, params map[string]any) (map[string]any, error)
}

// StageType categorizes a declared stage.
type StageType string

const (
	// StageTypeTask is an ordinary sequential stage.
	StageTypeTask StageType = "task"

	// StageTypeFanOut is a parallel fan-out stage: the engine runs the
	// declared sub-workflow once per item of a collection resolved from the
	// execution parameters.
	StageTypeFanOut StageType = "fanout"
)

// StageDef declares one stage of a workflow's topology. Stage topology is
// authored metadata, never inferred from workflow shape.
type StageDef struct {
	ID   string    `yaml:"id" json:"id"`
	Name string    `yaml:"name" json:"name"`
	Type StageType `yaml:"type" json:"type"`

	// Foreach is an expression resolving the fan-out collection against the
	// execution parameters, e.g. "params.accounts". Only meaningful for
	// StageTypeFanOut.
	Foreach string `yaml:"foreach,omitempty" json:"foreach,omitempty"`

	// SubWorkflow is the workflow id to run once per collection item.
	// Only meaningful for StageTypeFanOut.
	SubWorkflow string `yaml:"sub_workflow,omitempty" json:"sub_workflow,omitempty"`
}

// Triggers declares how a workflow is started autonomously.
type Triggers struct {
	// Events lists event types whose emission enqueues this workflow with
	// the event payload as parameters.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`

	// Schedule is a cron expression (standard 5-field format) that enqueues
	// this workflow on each tick. Empty means no schedule.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// Metadata describes a workflow's declared topology and triggers.
type Metadata struct {
	// IsOrchestrator marks a workflow whose declared stage list includes a
	// fan-out stage the engine must orchestrate. Explicit opt-in only.
	IsOrchestrator bool `yaml:"is_orchestrator" json:"is_orchestrator"`

	// Stages is the authored stage list. The engine records stage progress
	// but does not enforce ordering.
	Stages []StageDef `yaml:"stages,omitempty" json:"stages,omitempty"`

	// Triggers declares autonomous start conditions.
	Triggers Triggers `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// FanOutStage returns the first declared fan-out stage, or nil.
func (m Metadata) FanOutStage() *StageDef {
	for i := range m.Stages {
		if m.Stages[i].Type == StageTypeFanOut {
			return &m.Stages[i]
		}
	}
	return nil
}

// MetadataProvider is implemented by workflows that declare metadata.
// Workflows without it get zero-value metadata: no stages, no triggers,
// direct single-call execution.
type MetadataProvider interface {
	Metadata() Metadata
}

// MetadataOf returns w's declared metadata, or the zero value.
func MetadataOf(w Workflow) Metadata {
	if p, ok := w.(MetadataProvider); ok {
		return p.Metadata()
	}
	return Metadata{}
}

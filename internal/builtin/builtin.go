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

// Package builtin ships the workflows the daemon registers out of the box:
// a parameter echo for smoke-testing the pipeline and a shell workflow that
// hands command lines to the worker process pool.
package builtin

import (
	"context"
	"time"

	"github.com/hfield/baton/internal/procpool"
	"github.com/hfield/baton/internal/semaphore"
	"github.com/hfield/baton/pkg/errors"
	"github.com/hfield/baton/pkg/workflow"
)

// Echo returns a workflow that reflects its params back as the result.
func Echo() workflow.Workflow {
	return workflow.Func("echo", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		workflow.RecordStage(ctx, workflow.Stage{
			ID:     "echo",
			Name:   "Echo params",
			Status: workflow.StageStatusCompleted,
		})
		out := make(map[string]any, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	})
}

// Shell returns a workflow that runs a command through the process pool,
// gated by the semaphore so a burst of shell executions cannot exhaust the
// pool's acquire window.
//
// Params: command (string, required), args ([]string or []any), input
// (string), timeout (duration string).
func Shell(pool *procpool.Pool, sem *semaphore.Semaphore) workflow.Workflow {
	return workflow.Func("shell", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		command, _ := params["command"].(string)
		if command == "" {
			return nil, &errors.ValidationError{
				Field:      "command",
				Message:    "command is required",
				Suggestion: "pass the executable to run, e.g. {\"command\": \"cat\"}",
			}
		}

		args := stringSlice(params["args"])
		input, _ := params["input"].(string)

		opts := procpool.ExecOptions{Input: input}
		if raw, ok := params["timeout"].(string); ok {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:      "timeout",
					Message:    "invalid timeout " + raw,
					Suggestion: "use a Go duration like 30s or 2m",
				}
			}
			opts.Timeout = d
		}

		var res *procpool.Result
		err := sem.Use(ctx, func(ctx context.Context) error {
			var execErr error
			res, execErr = pool.Execute(ctx, command, args, opts)
			return execErr
		})
		if err != nil {
			return nil, err
		}

		workflow.RecordStage(ctx, workflow.Stage{
			ID:     "exec",
			Name:   "Run " + command,
			Status: workflow.StageStatusCompleted,
		})
		return map[string]any{
			"stdout": res.Stdout,
			"stderr": res.Stderr,
			"code":   res.Code,
		}, nil
	})
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

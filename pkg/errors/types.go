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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// AdmissionError represents a request the scheduler refuses synchronously,
// before any work is enqueued or mutated. It is never raised from inside the
// drain loop.
type AdmissionError struct {
	// Op is the operation that was refused (e.g., "enqueue", "cancel")
	Op string

	// Reason explains why the request was refused
	Reason string
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s refused: %s", e.Op, e.Reason)
}

// TimeoutError represents a bounded wait on a finite resource expiring.
// The caller that was waiting receives it; it is not fatal to the scheduler.
type TimeoutError struct {
	// Resource names the contended resource (e.g., "semaphore", "process pool")
	Resource string

	// Wait is how long the caller waited before giving up
	Wait time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %s", e.Resource, e.Wait)
}

// StoreError represents a durable storage failure. Callers are expected to
// degrade to in-memory state rather than crash on it.
type StoreError struct {
	// Op is the storage operation that failed (e.g., "save", "load")
	Op string

	// Key is the document or record key involved
	Key string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s failed for %s: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ProcessError represents an external worker process failure.
type ProcessError struct {
	// Command is the command line that failed
	Command string

	// ExitCode is the process exit code, -1 if the process was killed
	ExitCode int

	// Stderr is the captured standard error output
	Stderr string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("process %s failed", e.Command)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProcessError) Unwrap() error {
	return e.Cause
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "priority", Message: "unknown priority level"}
	assert.Equal(t, "validation failed on priority: unknown priority level", err.Error())

	err = &ValidationError{Message: "empty request"}
	assert.Equal(t, "validation failed: empty request", err.Error())
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "workflow", ID: "daily-report"}
	assert.Equal(t, "workflow not found: daily-report", err.Error())
}

func TestAdmissionError(t *testing.T) {
	err := &AdmissionError{Op: "cancel", Reason: "execution is already running"}
	assert.Equal(t, "cancel refused: execution is already running", err.Error())
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Resource: "semaphore", Wait: 60 * time.Second}
	assert.Equal(t, "timed out waiting for semaphore after 1m0s", err.Error())
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := New("disk full")
	err := &StoreError{Op: "save", Key: "exec-1", Cause: cause}
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "exec-1")
}

func TestProcessError(t *testing.T) {
	err := &ProcessError{Command: "report-gen", ExitCode: 2, Stderr: "bad flag"}
	assert.Contains(t, err.Error(), "exit 2")
	assert.Contains(t, err.Error(), "bad flag")
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	base := New("boom")
	wrapped := Wrap(base, "loading queue")
	assert.Equal(t, "loading queue: boom", wrapped.Error())
	assert.True(t, Is(wrapped, base))

	wrapped = Wrapf(base, "loading %s", "queue")
	assert.Equal(t, "loading queue: boom", wrapped.Error())
}

func TestAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", &NotFoundError{Resource: "execution", ID: "x"})

	var nf *NotFoundError
	assert.True(t, As(err, &nf))
	assert.Equal(t, "execution", nf.Resource)
}

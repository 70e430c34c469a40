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

package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfield/baton/internal/procpool"
	"github.com/hfield/baton/internal/semaphore"
	"github.com/hfield/baton/pkg/errors"
)

func TestEchoReflectsParams(t *testing.T) {
	wf := Echo()
	out, err := wf.Run(context.Background(), map[string]any{"msg": "hi", "n": 2})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["msg"])
	assert.Equal(t, 2, out["n"])
}

func TestShellRunsCommand(t *testing.T) {
	pool := procpool.New(procpool.Config{MaxProcs: 2}, nil)
	defer pool.Cleanup()
	sem := semaphore.New(2)

	wf := Shell(pool, sem)
	out, err := wf.Run(context.Background(), map[string]any{
		"command": "cat",
		"input":   "hello pool",
		"timeout": "5s",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello pool", out["stdout"])
	assert.Equal(t, 0, out["code"])
}

func TestShellValidatesParams(t *testing.T) {
	pool := procpool.New(procpool.Config{MaxProcs: 1}, nil)
	defer pool.Cleanup()
	sem := semaphore.New(1)
	wf := Shell(pool, sem)

	_, err := wf.Run(context.Background(), nil)
	var validation *errors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "command", validation.Field)

	_, err = wf.Run(context.Background(), map[string]any{"command": "cat", "timeout": "soon"})
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "timeout", validation.Field)
}

func TestShellSemaphoreBoundsConcurrency(t *testing.T) {
	pool := procpool.New(procpool.Config{MaxProcs: 4}, nil)
	defer pool.Cleanup()
	sem := semaphore.New(1, semaphore.WithAcquireTimeout(50*time.Millisecond))
	wf := Shell(pool, sem)

	require.NoError(t, sem.Acquire(context.Background()))
	defer sem.Release()

	_, err := wf.Run(context.Background(), map[string]any{"command": "cat", "input": "x"})
	var timeout *errors.TimeoutError
	assert.ErrorAs(t, err, &timeout, "held semaphore must block shell executions")
}

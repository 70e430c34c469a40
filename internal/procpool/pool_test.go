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

package procpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfield/baton/pkg/errors"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestExecuteReusesWorker(t *testing.T) {
	p := New(Config{MaxProcs: 2, IdleTimeout: 5 * time.Second}, nil)
	defer p.Cleanup()

	ctx := context.Background()

	res, err := p.Execute(ctx, "cat", nil, ExecOptions{Input: "hello", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, 0, res.Code)

	res, err = p.Execute(ctx, "cat", nil, ExecOptions{Input: "world", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "world", res.Stdout)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Spawned, "second execute should reuse the idle worker")
	assert.Equal(t, int64(1), stats.Reused)
	assert.Equal(t, 1, stats.Idle)
}

func TestAcquireSpawnsUpToMax(t *testing.T) {
	p := New(Config{MaxProcs: 2, IdleTimeout: 5 * time.Second}, nil)
	defer p.Cleanup()

	ctx := context.Background()

	h1, err := p.Acquire(ctx, "cat")
	require.NoError(t, err)
	h2, err := p.Acquire(ctx, "cat")
	require.NoError(t, err)
	assert.NotEqual(t, h1.PID(), h2.PID())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Spawned)
	assert.Equal(t, 2, stats.Active)

	p.Release(h1)
	p.Release(h2)
}

func TestAcquireTimesOutWhenFull(t *testing.T) {
	p := New(Config{MaxProcs: 1, AcquireTimeout: 50 * time.Millisecond}, nil)
	defer p.Cleanup()

	ctx := context.Background()

	h, err := p.Acquire(ctx, "cat")
	require.NoError(t, err)
	defer p.Release(h)

	_, err = p.Acquire(ctx, "cat")
	require.Error(t, err)
	var timeoutErr *errors.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p := New(Config{MaxProcs: 1, AcquireTimeout: 5 * time.Second}, nil)
	defer p.Cleanup()

	ctx := context.Background()

	h, err := p.Acquire(ctx, "cat")
	require.NoError(t, err)
	firstPID := h.PID()

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(ctx, "cat")
		if err == nil {
			got <- h2
		}
	}()

	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 1 })
	p.Release(h)

	select {
	case h2 := <-got:
		assert.Equal(t, firstPID, h2.PID(), "waiter should reuse the released worker")
		p.Release(h2)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired after release")
	}

	assert.Equal(t, int64(1), p.Stats().Reused)
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	p := New(Config{MaxProcs: 1, AcquireTimeout: 5 * time.Second}, nil)
	defer p.Cleanup()

	h, err := p.Acquire(context.Background(), "cat")
	require.NoError(t, err)
	defer p.Release(h)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "cat")
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool { return p.Stats().Waiting == 1 })
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after cancel")
	}
}

func TestIdleWorkerIsKilled(t *testing.T) {
	p := New(Config{MaxProcs: 2, IdleTimeout: 50 * time.Millisecond}, nil)
	defer p.Cleanup()

	_, err := p.Execute(context.Background(), "cat", nil, ExecOptions{Input: "ping", Timeout: 5 * time.Second})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		s := p.Stats()
		return s.Killed == 1 && s.Idle == 0
	})
}

func TestExecuteTimeoutKillsWorker(t *testing.T) {
	p := New(Config{MaxProcs: 1, KillGrace: 100 * time.Millisecond}, nil)
	defer p.Cleanup()

	// A cat with no input never produces a response line.
	_, err := p.Execute(context.Background(), "cat", nil, ExecOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	var timeoutErr *errors.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	waitFor(t, 2*time.Second, func() bool {
		s := p.Stats()
		return s.Killed == 1 && s.Active == 0 && s.Idle == 0
	})

	// The freed slot must be usable again.
	res, err := p.Execute(context.Background(), "cat", nil, ExecOptions{Input: "back", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "back", res.Stdout)
}

func TestExecuteSurfacesWorkerDeath(t *testing.T) {
	p := New(Config{MaxProcs: 1}, nil)
	defer p.Cleanup()

	res, err := p.Execute(context.Background(), "sh",
		[]string{"-c", `read line; echo "boom" >&2; exit 3`},
		ExecOptions{Input: "go", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.Nil(t, res)

	var procErr *errors.ProcessError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, 3, procErr.ExitCode)
	assert.Contains(t, procErr.Stderr, "boom")

	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestCleanupClosesPool(t *testing.T) {
	p := New(Config{MaxProcs: 2}, nil)

	h, err := p.Acquire(context.Background(), "cat")
	require.NoError(t, err)
	_ = h

	p.Cleanup()

	waitFor(t, 2*time.Second, func() bool {
		s := p.Stats()
		return s.Active == 0 && s.Idle == 0
	})

	_, err = p.Acquire(context.Background(), "cat")
	require.Error(t, err)
}

func TestReleaseDiscardsExitedWorker(t *testing.T) {
	p := New(Config{MaxProcs: 1}, nil)
	defer p.Cleanup()

	// A worker that exits without reading: by the time we release, it is dead.
	h, err := p.Acquire(context.Background(), "true")
	require.NoError(t, err)
	<-h.exited

	p.Release(h)

	s := p.Stats()
	assert.Equal(t, 0, s.Idle, "dead worker must not rejoin the idle set")

	// The slot stays serviceable: the next request spawns a fresh worker.
	res, err := p.Execute(context.Background(), "cat", nil, ExecOptions{Input: "alive", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "alive", res.Stdout)
	assert.Equal(t, int64(0), p.Stats().Reused)
}

func TestKillIsIdempotent(t *testing.T) {
	p := New(Config{MaxProcs: 1}, nil)
	defer p.Cleanup()

	h, err := p.Acquire(context.Background(), "cat")
	require.NoError(t, err)

	p.Kill(h, "test")
	p.Kill(h, "test again")

	assert.Equal(t, int64(1), p.Stats().Killed)
}

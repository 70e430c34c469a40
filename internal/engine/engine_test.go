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
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfield/baton/internal/backend"
	"github.com/hfield/baton/internal/backend/memory"
	"github.com/hfield/baton/internal/checkpoint"
	"github.com/hfield/baton/internal/engine/orchestrator"
	"github.com/hfield/baton/internal/eventbus"
	"github.com/hfield/baton/pkg/errors"
	"github.com/hfield/baton/pkg/workflow"
)

type testRig struct {
	engine   *Engine
	registry *workflow.Registry
	store    *memory.Backend
	bus      *eventbus.Bus
}

func newTestRig(t *testing.T, cfg Config, opts ...Option) *testRig {
	t.Helper()
	registry := workflow.NewRegistry()
	store := memory.New()
	bus := eventbus.New(nil)
	orch := orchestrator.New(registry, bus, nil, orchestrator.Config{})

	eng, err := New(cfg, registry, store, bus, orch, nil, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		bus.Close()
	})

	return &testRig{engine: eng, registry: registry, store: store, bus: bus}
}

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

func (r *testRig) waitSettled(t *testing.T) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		s := r.engine.Stats()
		return s.Queued == 0 && s.Running == 0
	})
}

func TestEnqueueUnknownWorkflow(t *testing.T) {
	rig := newTestRig(t, Config{})

	_, err := rig.engine.Enqueue(context.Background(), "nope", nil, EnqueueOptions{})
	var admission *errors.AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, "enqueue", admission.Op)
}

func TestPriorityOrderStableWithinTier(t *testing.T) {
	rig := newTestRig(t, Config{})

	var mu sync.Mutex
	var order []string
	record := func(tag string) workflow.Workflow {
		return workflow.Func(tag, func(ctx context.Context, params map[string]any) (map[string]any, error) {
			mu.Lock()
			order = append(order, params["tag"].(string))
			mu.Unlock()
			return nil, nil
		})
	}
	require.NoError(t, rig.registry.Register(record("wf")))

	ctx := context.Background()
	enqueue := func(tag string, p Priority) {
		_, err := rig.engine.Enqueue(ctx, "wf", map[string]any{"tag": tag}, EnqueueOptions{Priority: p})
		require.NoError(t, err)
	}

	// Engine not started yet, so the queue orders everything up front.
	enqueue("low-1", PriorityLow)
	enqueue("normal-1", PriorityNormal)
	enqueue("high-1", PriorityHigh)
	enqueue("normal-2", PriorityNormal)
	enqueue("high-2", PriorityHigh)

	rig.engine.Start()
	rig.waitSettled(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}, order)
}

func TestSingleFlightDrain(t *testing.T) {
	rig := newTestRig(t, Config{})

	var concurrent, peak int32
	wf := workflow.Func("busy", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil, nil
	})
	require.NoError(t, rig.registry.Register(wf))

	rig.engine.Start()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := rig.engine.Enqueue(ctx, "busy", nil, EnqueueOptions{})
		require.NoError(t, err)
	}

	rig.waitSettled(t)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "exactly one execution may run at a time")
	assert.Equal(t, 5, rig.engine.Stats().Completed)
}

func TestCancelQueuedExecution(t *testing.T) {
	rig := newTestRig(t, Config{})

	release := make(chan struct{})
	var ran sync.Map
	wf := workflow.Func("gated", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		ran.Store(params["n"], true)
		<-release
		return nil, nil
	})
	require.NoError(t, rig.registry.Register(wf))

	rig.engine.Start()
	ctx := context.Background()

	first, err := rig.engine.Enqueue(ctx, "gated", map[string]any{"n": 1}, EnqueueOptions{})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return rig.engine.Stats().Running == 1 })

	second, err := rig.engine.Enqueue(ctx, "gated", map[string]any{"n": 2}, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, rig.engine.Cancel(ctx, second.ID))

	// Cancelling the running execution is refused.
	err = rig.engine.Cancel(ctx, first.ID)
	var admission *errors.AdmissionError
	require.ErrorAs(t, err, &admission)

	close(release)
	rig.waitSettled(t)

	got, err := rig.engine.GetStatus(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	_, wasRun := ran.Load(2)
	assert.False(t, wasRun, "cancelled execution must never run")

	// Cancelling a terminal execution is refused too.
	err = rig.engine.Cancel(ctx, second.ID)
	require.ErrorAs(t, err, &admission)

	err = rig.engine.Cancel(ctx, "missing")
	var notFound *errors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestLifecycleEventsEmittedOncePerTransition(t *testing.T) {
	rig := newTestRig(t, Config{})

	require.NoError(t, rig.registry.Register(workflow.Func("ok", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	})))
	require.NoError(t, rig.registry.Register(workflow.Func("boom", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("exploded")
	})))

	var mu sync.Mutex
	counts := map[string]int{}
	for _, evType := range []string{eventbus.ExecutionStarted, eventbus.ExecutionCompleted, eventbus.ExecutionFailed} {
		evType := evType
		rig.bus.Subscribe(evType, func(ev eventbus.Event) error {
			mu.Lock()
			counts[evType]++
			mu.Unlock()
			return nil
		})
	}

	rig.engine.Start()
	ctx := context.Background()

	okEx, err := rig.engine.Enqueue(ctx, "ok", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = rig.engine.Enqueue(ctx, "boom", nil, EnqueueOptions{})
	require.NoError(t, err)

	rig.waitSettled(t)

	mu.Lock()
	assert.Equal(t, 2, counts[eventbus.ExecutionStarted])
	assert.Equal(t, 1, counts[eventbus.ExecutionCompleted])
	assert.Equal(t, 1, counts[eventbus.ExecutionFailed])
	mu.Unlock()

	got, err := rig.engine.GetStatus(okEx.ID)
	require.NoError(t, err)
	assert.Len(t, got.EventIDs, 2, "started + completed events correlated on the execution")
}

func TestFailedExecutionKeepsEngineDraining(t *testing.T) {
	rig := newTestRig(t, Config{})

	require.NoError(t, rig.registry.Register(workflow.Func("boom", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, errors.New("nope")
	})))
	require.NoError(t, rig.registry.Register(workflow.Func("ok", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})))

	rig.engine.Start()
	ctx := context.Background()
	_, err := rig.engine.Enqueue(ctx, "boom", nil, EnqueueOptions{})
	require.NoError(t, err)
	okEx, err := rig.engine.Enqueue(ctx, "ok", nil, EnqueueOptions{})
	require.NoError(t, err)

	rig.waitSettled(t)

	got, err := rig.engine.GetStatus(okEx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status, "a failure must not stall the queue")
}

func TestExecutionPersistedAcrossTransitions(t *testing.T) {
	rig := newTestRig(t, Config{})

	require.NoError(t, rig.registry.Register(workflow.Func("ok", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"answer": 42}, nil
	})))

	rig.engine.Start()
	ex, err := rig.engine.Enqueue(context.Background(), "ok", map[string]any{"q": "life"}, EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	rig.waitSettled(t)

	rec, err := rig.store.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), rec.Status)
	assert.Equal(t, "high", rec.Priority)
	assert.NotNil(t, rec.CompletedAt)
}

func TestRecoveryRequeuesInterruptedAndPrunesTerminal(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-25 * time.Hour)
	mk := func(id, status string, completedAt *time.Time) {
		require.NoError(t, store.CreateExecution(ctx, &backend.ExecutionRecord{
			ID: id, WorkflowID: "wf", Status: status, Priority: "normal", CompletedAt: completedAt,
		}))
	}
	started := now.Add(-time.Minute)
	require.NoError(t, store.CreateExecution(ctx, &backend.ExecutionRecord{
		ID: "interrupted", WorkflowID: "wf", Status: "running", Priority: "high", StartedAt: &started,
	}))
	mk("still-queued", "queued", nil)
	mk("fresh-done", "completed", &now)
	mk("stale-done", "completed", &old)

	registry := workflow.NewRegistry()
	orch := orchestrator.New(registry, nil, nil, orchestrator.Config{})
	eng, err := New(Config{}, registry, store, nil, orch, nil)
	require.NoError(t, err)

	stats := eng.Stats()
	assert.Equal(t, 2, stats.Queued, "interrupted run requeued alongside the queued one")
	assert.Equal(t, 1, stats.Completed)

	interrupted, err := eng.GetStatus("interrupted")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, interrupted.Status)
	assert.Nil(t, interrupted.StartedAt)

	_, err = eng.GetStatus("stale-done")
	assert.Error(t, err, "terminal records older than the retention age are dropped")
	_, err = store.GetExecution(ctx, "stale-done")
	assert.Error(t, err)
}

func TestRecoveryCapsTerminalRecords(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		done := time.Now().Add(-time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateExecution(ctx, &backend.ExecutionRecord{
			ID: string(rune('a' + i)), WorkflowID: "wf", Status: "completed",
			Priority: "normal", CompletedAt: &done,
		}))
		time.Sleep(time.Millisecond)
	}

	registry := workflow.NewRegistry()
	orch := orchestrator.New(registry, nil, nil, orchestrator.Config{})
	eng, err := New(Config{RetentionCap: 2}, registry, store, nil, orch, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, eng.Stats().Completed)
}

func TestStopDrainsInFlight(t *testing.T) {
	rig := newTestRig(t, Config{DrainTimeout: 5 * time.Second})

	release := make(chan struct{})
	require.NoError(t, rig.registry.Register(workflow.Func("slow", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		<-release
		return nil, nil
	})))

	rig.engine.Start()
	ctx := context.Background()
	ex, err := rig.engine.Enqueue(ctx, "slow", nil, EnqueueOptions{})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return rig.engine.Stats().Running == 1 })

	stopDone := make(chan error, 1)
	go func() { stopDone <- rig.engine.Stop(context.Background()) }()

	waitFor(t, time.Second, func() bool { return rig.engine.IsDraining() })

	// Draining engine refuses new work.
	_, err = rig.engine.Enqueue(ctx, "slow", nil, EnqueueOptions{})
	var admission *errors.AdmissionError
	require.ErrorAs(t, err, &admission)

	select {
	case <-stopDone:
		t.Fatal("Stop returned while an execution was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight execution finished")
	}

	got, err := rig.engine.GetStatus(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestFanOutExecutionEndToEnd(t *testing.T) {
	rig := newTestRig(t, Config{})

	var delivered sync.Map
	require.NoError(t, rig.registry.Register(workflow.Func("send-report", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		ch := params["channel"].(string)
		if ch == "pager" {
			return nil, errors.New("pager unreachable")
		}
		delivered.Store(ch, true)
		return map[string]any{"channel": ch}, nil
	})))
	require.NoError(t, rig.registry.Register(workflow.FuncWithMetadata("daily-report",
		workflow.Metadata{
			IsOrchestrator: true,
			Stages: []workflow.StageDef{
				{ID: "deliver", Name: "Deliver report", Type: workflow.StageTypeFanOut,
					Foreach: "params.channels", SubWorkflow: "send-report"},
			},
		},
		func(ctx context.Context, params map[string]any) (map[string]any, error) {
			t.Fatal("orchestrated parent must not run directly")
			return nil, nil
		},
	)))

	rig.engine.Start()
	ex, err := rig.engine.Enqueue(context.Background(), "daily-report", map[string]any{
		"channels": []any{
			map[string]any{"channel": "email"},
			map[string]any{"channel": "slack"},
			map[string]any{"channel": "pager"},
		},
	}, EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	rig.waitSettled(t)

	got, err := rig.engine.GetStatus(ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "partial", got.Result["status"], "one failed channel makes the aggregate partial")
	assert.Equal(t, 2, got.Result["completed"])
	assert.Equal(t, 3, got.Result["total"])

	_, ok := delivered.Load("email")
	assert.True(t, ok)
	_, ok = delivered.Load("slack")
	assert.True(t, ok)
}

func TestStageRecordsAppended(t *testing.T) {
	rig := newTestRig(t, Config{})

	require.NoError(t, rig.registry.Register(workflow.Func("staged", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		workflow.RecordStage(ctx, workflow.Stage{ID: "fetch", Name: "Fetch data", Status: workflow.StageStatusCompleted})
		workflow.RecordStage(ctx, workflow.Stage{ID: "render", Name: "Render", Status: workflow.StageStatusCompleted})
		return nil, nil
	})))

	rig.engine.Start()
	ex, err := rig.engine.Enqueue(context.Background(), "staged", nil, EnqueueOptions{})
	require.NoError(t, err)
	rig.waitSettled(t)

	got, err := rig.engine.GetStatus(ex.ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "fetch", got.Stages[0].ID)
	assert.Equal(t, "render", got.Stages[1].ID)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	var validation *errors.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestListPendingAndStats(t *testing.T) {
	rig := newTestRig(t, Config{})
	require.NoError(t, rig.registry.Register(workflow.Func("wf", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})))

	ctx := context.Background()
	_, err := rig.engine.Enqueue(ctx, "wf", nil, EnqueueOptions{Priority: PriorityLow})
	require.NoError(t, err)
	high, err := rig.engine.Enqueue(ctx, "wf", nil, EnqueueOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	pending := rig.engine.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID, "high priority drains first")

	s := rig.engine.Stats()
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 2, s.Total)

	all := rig.engine.ListAll(1)
	assert.Len(t, all, 1)
}

func TestRetentionCapHoldsWhileRunning(t *testing.T) {
	rig := newTestRig(t, Config{RetentionCap: 2})
	require.NoError(t, rig.registry.Register(workflow.Func("wf", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})))
	rig.engine.Start()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := rig.engine.Enqueue(ctx, "wf", nil, EnqueueOptions{})
		require.NoError(t, err)
	}
	rig.waitSettled(t)

	// Pruning runs after each terminal transition, so the cap holds without a
	// restart, in memory and in the backend alike.
	waitFor(t, 2*time.Second, func() bool {
		return rig.engine.Stats().Completed == 2
	})
	recs, err := rig.store.ListExecutions(ctx, backend.ExecutionFilter{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(recs), 2)
}

func TestCheckpointsClearedOnCompletion(t *testing.T) {
	cps, err := checkpoint.New(t.TempDir(), nil)
	require.NoError(t, err)
	rig := newTestRig(t, Config{}, WithCheckpoints(cps))

	require.NoError(t, rig.registry.Register(workflow.Func("steps", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		store, ok := checkpoint.FromContext(ctx)
		if !ok {
			return nil, errors.Newf("checkpoint store missing from run context")
		}
		id := workflow.ExecutionIDFromContext(ctx)
		if id == "" {
			return nil, errors.Newf("execution id missing from run context")
		}
		if _, err := store.Save(id, "fetch", checkpoint.StageUpdate{StageName: "fetch", WorkflowID: "steps"}); err != nil {
			return nil, err
		}
		if fail, _ := params["fail"].(bool); fail {
			return nil, errors.Newf("boom")
		}
		return nil, nil
	})))

	rig.engine.Start()
	ctx := context.Background()

	// Failed executions keep their checkpoint for a later retry.
	failed, err := rig.engine.Enqueue(ctx, "steps", map[string]any{"fail": true}, EnqueueOptions{})
	require.NoError(t, err)
	rig.waitSettled(t)
	require.NotNil(t, cps.Load(failed.ID), "checkpoint survives a failed run")

	// Completed executions have theirs cleared.
	ok, err := rig.engine.Enqueue(ctx, "steps", map[string]any{}, EnqueueOptions{})
	require.NoError(t, err)
	rig.waitSettled(t)
	assert.Nil(t, cps.Load(ok.ID), "checkpoint cleared after completion")
}

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

// Package procpool manages a bounded set of reusable external worker
// processes. Workers speak a line-oriented protocol: one request line on
// stdin, one response line on stdout. Idle workers are kept alive for reuse
// and killed after an idle timeout; a full pool blocks acquirers FIFO with a
// bounded wait.
package procpool

import (
	"bufio"
	"bytes"
	"container/list"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hfield/baton/pkg/errors"
)

// Defaults for pool configuration.
const (
	DefaultMaxProcs       = 4
	DefaultIdleTimeout    = 60 * time.Second
	DefaultAcquireTimeout = 30 * time.Second
	DefaultKillGrace      = 5 * time.Second
)

// Config controls pool sizing and timing.
type Config struct {
	// MaxProcs bounds the number of concurrently live worker processes.
	MaxProcs int

	// IdleTimeout is how long a released worker survives unused.
	IdleTimeout time.Duration

	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration

	// KillGrace is the pause between SIGTERM and SIGKILL.
	KillGrace time.Duration

	// Observer, when set, receives pool events (spawn, reuse, kill, error)
	// for metrics collection.
	Observer func(kind string)
}

func (c *Config) applyDefaults() {
	if c.MaxProcs <= 0 {
		c.MaxProcs = DefaultMaxProcs
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
}

// Handle wraps one external worker process checked in or out of the pool.
type Handle struct {
	id   string
	key  string
	cmd  *exec.Cmd
	args []string

	stdin  io.WriteCloser
	stdout *bufio.Reader

	stderrMu sync.Mutex
	stderr   bytes.Buffer

	busy      bool
	spawnedAt time.Time
	lastUsed  time.Time
	useCount  int64

	idleTimer *time.Timer
	exited    chan struct{}
	exitErr   error

	removeOnce sync.Once
}

// PID returns the worker's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// UseCount returns how many executions this worker has served.
func (h *Handle) UseCount() int64 { return h.useCount }

func (h *Handle) stderrString() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return strings.TrimSpace(h.stderr.String())
}

// Result is the outcome of one Execute call.
type Result struct {
	Stdout string
	Stderr string
	Code   int
}

// ExecOptions tune one Execute call.
type ExecOptions struct {
	// Timeout bounds the wait for the worker's response. Zero means the
	// pool's acquire timeout is used.
	Timeout time.Duration

	// Input is the request line written to the worker's stdin.
	Input string
}

// Stats is a snapshot of pool counters and occupancy.
type Stats struct {
	Spawned int64 `json:"spawned"`
	Reused  int64 `json:"reused"`
	Killed  int64 `json:"killed"`
	Errors  int64 `json:"errors"`
	Active  int   `json:"active"`
	Idle    int   `json:"idle"`
	Waiting int   `json:"waiting"`
}

// Pool is the bounded worker-process pool. Construct with New and inject it.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	handles  []*Handle
	reserved int // spawn slots claimed but not yet registered
	waiters  *list.List
	closed   bool

	spawned int64
	reused  int64
	killed  int64
	errs    int64

	logger *slog.Logger
}

// New creates a process pool.
func New(cfg Config, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		waiters: list.New(),
		logger:  logger.With(slog.String("component", "procpool")),
	}
}

// Acquire checks out a worker for the given command line. An idle worker for
// the same command is reused; below capacity a fresh one is spawned;
// otherwise the caller waits FIFO until a slot frees or the bounded wait
// expires.
func (p *Pool) Acquire(ctx context.Context, command string, args ...string) (*Handle, error) {
	key := poolKey(command, args)
	deadline := time.Now().Add(p.cfg.AcquireTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("process pool is closed")
		}

		if h := p.idleHandleLocked(key); h != nil {
			h.busy = true
			h.useCount++
			if h.idleTimer != nil {
				h.idleTimer.Stop()
				h.idleTimer = nil
			}
			p.reused++
			p.mu.Unlock()
			p.observe("reuse")
			return h, nil
		}

		if len(p.handles)+p.reserved < p.cfg.MaxProcs {
			p.reserved++
			p.mu.Unlock()
			return p.spawn(command, args, key)
		}

		// Pool full: queue FIFO behind earlier acquirers.
		wake := make(chan struct{})
		elem := p.waiters.PushBack(wake)
		p.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			p.dropWaiter(elem)
			return nil, &errors.TimeoutError{Resource: "process pool", Wait: p.cfg.AcquireTimeout}
		}
		timer := time.NewTimer(wait)

		select {
		case <-wake:
			timer.Stop()
			// Slot may be free now; retry.
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(elem)
			return nil, ctx.Err()
		case <-timer.C:
			p.dropWaiter(elem)
			return nil, &errors.TimeoutError{Resource: "process pool", Wait: p.cfg.AcquireTimeout}
		}
	}
}

// Execute acquires a worker, writes the request line to its stdin, and
// returns the worker's response line. On timeout the worker is killed
// (SIGTERM, escalating to SIGKILL) and the call fails; on worker death the
// call fails with the captured stderr and exit code. The slot is always
// returned to the pool, whether by release or by kill.
func (p *Pool) Execute(ctx context.Context, command string, args []string, opts ExecOptions) (*Result, error) {
	h, err := p.Acquire(ctx, command, args...)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	if opts.Input != "" {
		if _, err := io.WriteString(h.stdin, opts.Input+"\n"); err != nil {
			p.mu.Lock()
			p.errs++
			p.mu.Unlock()
			p.observe("error")
			p.Kill(h, "stdin write failed")
			return nil, &errors.ProcessError{Command: command, ExitCode: -1, Stderr: h.stderrString(), Cause: err}
		}
	}

	type readResult struct {
		line string
		err  error
	}
	readCh := make(chan readResult, 1)
	go func() {
		line, err := h.stdout.ReadString('\n')
		readCh <- readResult{line: strings.TrimRight(line, "\n"), err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-readCh:
		if r.err != nil {
			// Worker died mid-request. Harvest its exit code.
			<-h.exited
			code := exitCode(h.exitErr)
			stderr := h.stderrString()
			p.mu.Lock()
			p.errs++
			p.mu.Unlock()
			p.observe("error")
			p.Kill(h, "worker exited during request")
			return nil, &errors.ProcessError{Command: command, ExitCode: code, Stderr: stderr, Cause: r.err}
		}
		res := &Result{Stdout: r.line, Stderr: h.stderrString(), Code: 0}
		p.Release(h)
		return res, nil

	case <-ctx.Done():
		p.Kill(h, "context cancelled")
		return nil, ctx.Err()

	case <-timer.C:
		p.Kill(h, "execution timeout")
		return nil, &errors.TimeoutError{Resource: "process pool worker", Wait: timeout}
	}
}

func (p *Pool) observe(kind string) {
	if p.cfg.Observer != nil {
		p.cfg.Observer(kind)
	}
}

// Release checks a worker back in, arms its idle-kill timer, and wakes the
// longest-waiting acquirer if any. A worker that already exited is discarded
// instead of returning to the idle set.
func (p *Pool) Release(h *Handle) {
	select {
	case <-h.exited:
		p.Kill(h, "released after exit")
		return
	default:
	}

	p.mu.Lock()
	if !h.busy {
		p.mu.Unlock()
		return
	}
	h.busy = false
	h.lastUsed = time.Now()
	h.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() {
		p.killIdle(h)
	})
	p.wakeOneLocked()
	p.mu.Unlock()
}

// Kill terminates a worker and removes it from all bookkeeping exactly once.
// Safe against double kills and against racing the worker's own exit.
func (p *Pool) Kill(h *Handle, reason string) {
	h.removeOnce.Do(func() {
		p.logger.Debug("killing worker",
			slog.Int("pid", h.PID()),
			slog.String("command", h.key),
			slog.String("reason", reason),
		)

		p.mu.Lock()
		p.killed++
		if h.idleTimer != nil {
			h.idleTimer.Stop()
			h.idleTimer = nil
		}
		p.removeHandleLocked(h)
		p.wakeOneLocked()
		p.mu.Unlock()

		p.observe("kill")
		p.terminate(h)
	})
}

// Cleanup kills every pooled worker. Used at shutdown to avoid orphans.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	p.closed = true
	handles := make([]*Handle, len(p.handles))
	copy(handles, p.handles)
	// Fail any queued acquirers immediately.
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan struct{}))
	}
	p.waiters.Init()
	p.mu.Unlock()

	for _, h := range handles {
		p.Kill(h, "pool cleanup")
	}
}

// Stats returns a snapshot of the pool's counters and occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Spawned: p.spawned,
		Reused:  p.reused,
		Killed:  p.killed,
		Errors:  p.errs,
		Waiting: p.waiters.Len(),
	}
	for _, h := range p.handles {
		if h.busy {
			s.Active++
		} else {
			s.Idle++
		}
	}
	return s
}

// spawn starts a fresh worker. The caller holds one reserved slot.
func (p *Pool) spawn(command string, args []string, key string) (*Handle, error) {
	h := &Handle{
		id:        uuid.NewString(),
		key:       key,
		args:      args,
		busy:      true,
		useCount:  1,
		spawnedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err == nil {
		var stdout io.ReadCloser
		stdout, err = cmd.StdoutPipe()
		if err == nil {
			cmd.Stderr = &lockedWriter{h: h}
			h.stdin = stdin
			h.stdout = bufio.NewReader(stdout)
			h.cmd = cmd
			err = cmd.Start()
		}
	}

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.errs++
		p.wakeOneLocked()
		p.mu.Unlock()
		p.observe("error")
		return nil, errors.Wrapf(err, "spawning worker %s", command)
	}
	p.spawned++
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	p.observe("spawn")

	p.logger.Debug("spawned worker", slog.Int("pid", h.PID()), slog.String("command", key))

	// Reap the process and drop the handle when it exits on its own.
	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
		h.removeOnce.Do(func() {
			p.mu.Lock()
			p.removeHandleLocked(h)
			if h.idleTimer != nil {
				h.idleTimer.Stop()
				h.idleTimer = nil
			}
			p.wakeOneLocked()
			p.mu.Unlock()
		})
	}()

	return h, nil
}

// killIdle fires from an idle timer; it only kills workers still idle.
func (p *Pool) killIdle(h *Handle) {
	p.mu.Lock()
	if h.busy {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.Kill(h, "idle timeout")
}

// terminate performs the two-stage kill: SIGTERM, then SIGKILL after grace.
func (p *Pool) terminate(h *Handle) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.stdin.Close()
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.exited:
		return
	case <-time.After(p.cfg.KillGrace):
	}

	_ = h.cmd.Process.Kill()
	<-h.exited
}

func (p *Pool) idleHandleLocked(key string) *Handle {
	for _, h := range p.handles {
		if !h.busy && h.key == key {
			return h
		}
	}
	return nil
}

func (p *Pool) removeHandleLocked(h *Handle) {
	for i, cur := range p.handles {
		if cur.id == h.id {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

func (p *Pool) wakeOneLocked() {
	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	}
}

func (p *Pool) dropWaiter(elem *list.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			return
		}
	}
	// Not found: a wake raced our timeout. Pass the signal on so the freed
	// slot is not stranded.
	p.wakeOneLocked()
}

func poolKey(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// lockedWriter serializes stderr capture from the worker.
type lockedWriter struct {
	h *Handle
}

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.h.stderrMu.Lock()
	defer w.h.stderrMu.Unlock()
	// Bound the buffer so a chatty worker cannot grow memory unbounded.
	if w.h.stderr.Len() > 64*1024 {
		return len(b), nil
	}
	return w.h.stderr.Write(b)
}

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

// Package semaphore provides a counting concurrency limiter with FIFO
// granting and a bounded acquisition wait. It gates any operation that must
// not exceed N simultaneous holders, such as calls to a rate-limited API.
package semaphore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/hfield/baton/pkg/errors"
)

// DefaultAcquireTimeout bounds how long Acquire waits for a slot before
// failing. Prevents indefinite deadlock under contention.
const DefaultAcquireTimeout = 60 * time.Second

// Semaphore is a counting concurrency limiter. The number of outstanding
// holders never exceeds the configured maximum, and waiting acquirers are
// granted slots in FIFO order.
type Semaphore struct {
	mu      sync.Mutex
	max     int
	holders int
	waiters *list.List // of chan struct{}
	timeout time.Duration
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithAcquireTimeout overrides the bounded acquisition wait.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Semaphore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a semaphore admitting at most max concurrent holders.
// A max below 1 is treated as 1.
func New(max int, opts ...Option) *Semaphore {
	if max < 1 {
		max = 1
	}
	s := &Semaphore{
		max:     max,
		waiters: list.New(),
		timeout: DefaultAcquireTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire obtains a slot, blocking in FIFO order behind earlier acquirers
// when the semaphore is full. It fails with a TimeoutError when no slot is
// granted within the bounded wait, or with ctx.Err() on cancellation.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.holders < s.max && s.waiters.Len() == 0 {
		s.holders++
		s.mu.Unlock()
		return nil
	}

	grant := make(chan struct{})
	elem := s.waiters.PushBack(grant)
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		if !s.abandon(elem, grant) {
			// Grant raced the cancellation; hand the slot on.
			s.Release()
		}
		return ctx.Err()
	case <-timer.C:
		if !s.abandon(elem, grant) {
			// Grant raced the timeout; the slot is ours after all.
			return nil
		}
		return &errors.TimeoutError{Resource: "semaphore", Wait: s.timeout}
	}
}

// abandon removes a waiter from the queue. It returns false when the waiter
// was already granted a slot concurrently, in which case the caller holds it.
func (s *Semaphore) abandon(elem *list.Element, grant chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-grant:
		return false
	default:
	}
	s.waiters.Remove(elem)
	return true
}

// TryAcquire obtains a slot without waiting. Returns false when none is free
// or earlier acquirers are queued.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holders < s.max && s.waiters.Len() == 0 {
		s.holders++
		return true
	}
	return false
}

// Release frees a slot. When acquirers are waiting, ownership transfers
// directly to the longest-waiting one: the holder count stays at the maximum
// and the head of the queue is woken.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if s.holders > 0 {
		s.holders--
	}
}

// Use acquires a slot, runs fn, and always releases, even when fn fails.
func (s *Semaphore) Use(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}

// Holders returns the current number of outstanding holders.
func (s *Semaphore) Holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders
}

// Waiting returns the number of queued acquirers.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

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

// Package eventbus provides the in-process publish/subscribe mechanism that
// decouples the scheduler and workflows from their consumers. Delivery is
// synchronous and in registration order; a failing subscriber never blocks
// delivery to the others or the emitter.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Canonical lifecycle event types emitted by the engine.
const (
	ExecutionStarted   = "execution-started"
	ExecutionCompleted = "execution-completed"
	ExecutionFailed    = "execution-failed"
	ExecutionCancelled = "execution-cancelled"
	StageStarted       = "stage-started"
	StageProgress      = "stage-progress"
	StageCompleted     = "stage-completed"
	StageFailed        = "stage-failed"
)

// DefaultHistorySize bounds the in-memory event history.
const DefaultHistorySize = 500

// Event is an immutable fact broadcast on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events. A handler returning an error (or panicking) is
// logged and isolated; it cannot break delivery to other handlers.
type Handler func(event Event) error

// Subscription is the handle returned by Subscribe; call Unsubscribe to
// detach the handler.
type Subscription struct {
	id        string
	eventType string
	handler   Handler
	bus       *Bus
	once      sync.Once
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus is the in-process event bus. Construct with New and inject it; there is
// no package-level instance.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*Subscription
	history    []Event
	historyCap int
	logger     *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize overrides the bounded history capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyCap = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:       make(map[string][]*Subscription),
		historyCap: DefaultHistorySize,
		logger:     logger.With(slog.String("component", "eventbus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event type and returns its
// subscription handle. Handlers for one type are invoked in registration
// order.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		bus:       b,
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	return sub
}

// Emit constructs an immutable event, delivers it synchronously to every
// handler registered for its type, appends it to the bounded history, and
// returns it. Callers correlate with the returned event's ID.
func (b *Bus) Emit(eventType, source string, payload map[string]any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Payload:   copyPayload(payload),
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	handlers := make([]*Subscription, len(b.subs[eventType]))
	copy(handlers, b.subs[eventType])

	b.history = append(b.history, event)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	b.mu.Unlock()

	for _, sub := range handlers {
		b.deliver(sub, event)
	}

	return event
}

// deliver invokes one handler, isolating errors and panics so one bad
// subscriber cannot break the bus or the emitting call site.
func (b *Bus) deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", event.Type),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.logger.Warn("event handler failed",
			slog.String("event", event.Type),
			slog.String("event_id", event.ID),
			slog.Any("error", err),
		)
	}
}

// History returns up to limit most-recent events, newest last. An empty
// eventType matches all types; limit <= 0 means no limit.
func (b *Bus) History(eventType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, ev := range b.history {
		if eventType == "" || ev.Type == eventType {
			result = append(result, ev)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Close detaches every subscription and drops the history.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*Subscription)
	b.history = nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// copyPayload shallow-copies the payload map so emitted events cannot be
// mutated through the caller's map after the fact.
func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}

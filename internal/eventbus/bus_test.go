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

package eventbus

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.Default(), opts...)
}

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.Subscribe("ping", func(ev Event) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe("ping", func(ev Event) error {
		order = append(order, "second")
		return nil
	})

	ev := bus.Emit("ping", "test", map[string]any{"n": 1})

	assert.Equal(t, []string{"first", "second"}, order)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "test", ev.Source)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEmitIsolatesFailingListener(t *testing.T) {
	bus := newTestBus()

	var secondCalled bool
	bus.Subscribe("boom", func(ev Event) error {
		panic("listener exploded")
	})
	bus.Subscribe("boom", func(ev Event) error {
		secondCalled = true
		return nil
	})

	bus.Emit("boom", "test", nil)

	assert.True(t, secondCalled, "second listener must run despite first panicking")
	assert.Len(t, bus.History("boom", 0), 1, "event must still be recorded in history")
}

func TestEmitIsolatesErroringListener(t *testing.T) {
	bus := newTestBus()

	var calls int
	bus.Subscribe("err", func(ev Event) error { return fmt.Errorf("nope") })
	bus.Subscribe("err", func(ev Event) error { calls++; return nil })

	bus.Emit("err", "test", nil)
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var calls int
	sub := bus.Subscribe("tick", func(ev Event) error { calls++; return nil })

	bus.Emit("tick", "test", nil)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	bus.Emit("tick", "test", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount("tick"))
}

func TestHistoryBounded(t *testing.T) {
	bus := newTestBus(WithHistorySize(3))

	for i := 0; i < 5; i++ {
		bus.Emit("n", "test", map[string]any{"i": i})
	}

	events := bus.History("n", 0)
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Payload["i"])
	assert.Equal(t, 4, events[2].Payload["i"])
}

func TestHistoryFilterAndLimit(t *testing.T) {
	bus := newTestBus()
	bus.Emit("a", "test", nil)
	bus.Emit("b", "test", nil)
	bus.Emit("a", "test", nil)

	assert.Len(t, bus.History("a", 0), 2)
	assert.Len(t, bus.History("", 0), 3)
	assert.Len(t, bus.History("", 2), 2)
}

func TestPayloadCopiedOnEmit(t *testing.T) {
	bus := newTestBus()

	payload := map[string]any{"k": "v"}
	ev := bus.Emit("copy", "test", payload)
	payload["k"] = "mutated"

	assert.Equal(t, "v", ev.Payload["k"])
}

func TestClose(t *testing.T) {
	bus := newTestBus()

	var calls int
	bus.Subscribe("x", func(ev Event) error { calls++; return nil })
	bus.Close()
	bus.Emit("x", "test", nil)

	assert.Equal(t, 0, calls)
}

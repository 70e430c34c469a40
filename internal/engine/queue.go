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

// priorityQueue keeps queued executions ordered by priority tier with stable
// FIFO order inside a tier. Not safe for concurrent use; the engine guards it
// with its own mutex.
type priorityQueue struct {
	items []*Execution
}

// push inserts at the end of the execution's priority tier.
func (q *priorityQueue) push(e *Execution) {
	rank := e.Priority.rank()
	idx := len(q.items)
	for i, cur := range q.items {
		if cur.Priority.rank() > rank {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = e
}

// pop removes and returns the head, or nil when empty.
func (q *priorityQueue) pop() *Execution {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e
}

// remove drops the execution with the given id, reporting whether it was
// present.
func (q *priorityQueue) remove(id string) bool {
	for i, e := range q.items {
		if e.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *priorityQueue) len() int { return len(q.items) }

// snapshot returns the queue contents in drain order.
func (q *priorityQueue) snapshot() []*Execution {
	out := make([]*Execution, len(q.items))
	copy(out, q.items)
	return out
}

// Package queue implements the ready queue: the O(1) FIFO of tables that
// currently have both a visible schema and at least one queued job.
// It is the fast path the dispatch loop prefers over the O(n) table-list
// scan in internal/registry.
package queue

import (
	"sync"

	"github.com/loadsched/loadsched/internal/registry"
)

// ReadyQueue is a FIFO of *registry.Table guarded by its own mutex,
// separate from any Table's or Database's mutex. It implements
// registry.ReadyNotifier so a Table can push itself on the instant it
// becomes eligible, while that Table's own lock is still held by the
// caller.
type ReadyQueue struct {
	mu    sync.Mutex
	items []*registry.Table
	wake  chan struct{}
}

// New creates an empty ReadyQueue. The internal signal channel has a
// buffer of 1, which is enough since the dispatch loop only cares
// whether the channel is non-empty, not how many times it was signaled.
func New() *ReadyQueue {
	return &ReadyQueue{
		wake: make(chan struct{}, 1),
	}
}

// TryEnqueueReady implements registry.ReadyNotifier. The caller must
// already hold t's lock; this method only takes the queue's own lock, so
// lock order is always Table -> queue, never reversed.
func (q *ReadyQueue) TryEnqueueReady(t *registry.Table) {
	if !t.ReadyLocked() {
		return
	}
	t.SetInReadyQueueLocked(true)

	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head of the queue, or reports ok=false if
// the queue is currently empty. It does not block; callers that want to
// wait for work use WaitChannel.
func (q *ReadyQueue) Pop() (t *registry.Table, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t = q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Len reports the current queue depth. Used by the dispatcher's drain
// check: a non-empty queue means the run is not finished.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitChannel returns the channel the dispatch loop selects on to learn
// that the queue went from empty to non-empty. A single signal may
// correspond to multiple pushes; callers must re-check Pop in a loop.
func (q *ReadyQueue) WaitChannel() <-chan struct{} {
	return q.wake
}

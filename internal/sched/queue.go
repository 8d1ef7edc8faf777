package sched

import (
	"fmt"
	"unsafe"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// Queue is a fixed-capacity FIFO of whole T items shared between tasks.
// Its buffer and wait lists are guarded by the kernel lock, so every
// operation is atomic with respect to task switches.
type Queue[T any] struct {
	k        *Kernel
	name     string
	capacity int
	itemSize int
	buf      *circularbuffer.Queue
	senders  *prioList // tasks blocked until a slot frees
	recvs    *prioList // tasks blocked until an item arrives
}

// NewQueue allocates a queue of capacity items against the kernel heap.
func NewQueue[T any](k *Kernel, name string, capacity int) (*Queue[T], error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return newQueueLocked[T](k, name, capacity)
}

func newQueueLocked[T any](k *Kernel, name string, capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue %q: capacity must be positive, got %d", name, capacity)
	}
	var zero T
	q := &Queue[T]{
		k:        k,
		name:     name,
		capacity: capacity,
		itemSize: int(unsafe.Sizeof(zero)),
	}
	if err := k.allocLocked(queueHeaderBytes+capacity*q.itemSize, "queue "+name); err != nil {
		return nil, err
	}
	q.buf = circularbuffer.New(capacity)
	q.senders = newPrioList()
	q.recvs = newPrioList()
	return q, nil
}

func (q *Queue[T]) Name() string  { return q.name }
func (q *Queue[T]) Cap() int      { return q.capacity }
func (q *Queue[T]) ItemSize() int { return q.itemSize }

// Len returns the number of items waiting.
func (q *Queue[T]) Len() int {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	return q.buf.Size()
}

// Send appends item. If the queue is full it waits up to timeout ticks
// for a slot (NoWait fails at once, WaitForever never times out). A
// successful send wakes the highest priority waiting receiver.
func (q *Queue[T]) Send(ctx Context, item T, timeout Tick) error {
	k := q.k
	t := callerFor(ctx, timeout)

	k.mu.Lock()
	k.catchUpLocked()
	deadline := deadlineFrom(k.tick, timeout)
	for {
		if !q.buf.Full() {
			q.buf.Enqueue(item)
			k.metrics.RecordQueueDepth(q.name, q.buf.Size())
			if w := q.recvs.pop(); w != nil {
				k.wakeLocked(w)
			}
			k.mu.Unlock()
			q.afterOp(t)
			return nil
		}
		if timeout == NoWait {
			k.metrics.RecordQueueRejected(q.name, "full")
			k.mu.Unlock()
			return fmt.Errorf("queue %q: %w", q.name, ErrQueueFull)
		}
		if q.expired(deadline, timeout) || k.waitLocked(t, q.senders, deadline, timeout == WaitForever) {
			k.metrics.RecordQueueRejected(q.name, "timeout")
			k.mu.Unlock()
			return fmt.Errorf("queue %q: %w: %w", q.name, ErrQueueFull, ErrTimeout)
		}
	}
}

// Receive removes and returns the oldest item, waiting up to timeout ticks
// for one to arrive. A successful receive wakes the highest priority
// waiting sender.
func (q *Queue[T]) Receive(ctx Context, timeout Tick) (T, error) {
	return q.take(ctx, timeout, true)
}

// Peek returns the oldest item without removing it.
func (q *Queue[T]) Peek(ctx Context, timeout Tick) (T, error) {
	return q.take(ctx, timeout, false)
}

func (q *Queue[T]) take(ctx Context, timeout Tick, remove bool) (T, error) {
	var zero T
	k := q.k
	t := callerFor(ctx, timeout)

	k.mu.Lock()
	k.catchUpLocked()
	deadline := deadlineFrom(k.tick, timeout)
	for {
		if !q.buf.Empty() {
			var v any
			if remove {
				v, _ = q.buf.Dequeue()
				k.metrics.RecordQueueDepth(q.name, q.buf.Size())
				if w := q.senders.pop(); w != nil {
					k.wakeLocked(w)
				}
			} else {
				v, _ = q.buf.Peek()
				// a peek leaves the item for the next receiver in line
				if w := q.recvs.pop(); w != nil {
					k.wakeLocked(w)
				}
			}
			k.mu.Unlock()
			q.afterOp(t)
			return v.(T), nil
		}
		if timeout == NoWait {
			k.metrics.RecordQueueRejected(q.name, "empty")
			k.mu.Unlock()
			return zero, fmt.Errorf("queue %q: %w", q.name, ErrQueueEmpty)
		}
		if q.expired(deadline, timeout) || k.waitLocked(t, q.recvs, deadline, timeout == WaitForever) {
			k.metrics.RecordQueueRejected(q.name, "timeout")
			k.mu.Unlock()
			return zero, fmt.Errorf("queue %q: %w: %w", q.name, ErrQueueEmpty, ErrTimeout)
		}
	}
}

// Reset discards every item and releases all blocked senders.
func (q *Queue[T]) Reset() {
	k := q.k
	k.mu.Lock()
	defer k.mu.Unlock()
	q.buf.Clear()
	k.metrics.RecordQueueDepth(q.name, 0)
	for w := q.senders.pop(); w != nil; w = q.senders.pop() {
		k.wakeLocked(w)
	}
}

func (q *Queue[T]) expired(deadline, timeout Tick) bool {
	return timeout != WaitForever && q.k.tick >= deadline
}

// afterOp gives the caller's processor away if the operation readied a
// more urgent task; outside tasks it just wakes the dispatch loop.
func (q *Queue[T]) afterOp(t *Task) {
	if t != nil {
		q.k.preemptionPoint(t)
		return
	}
	q.k.kickLoop()
}

func deadlineFrom(now, timeout Tick) Tick {
	if timeout == WaitForever {
		return WaitForever
	}
	return now + timeout
}

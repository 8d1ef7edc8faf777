package sched

import (
	"fmt"
	"runtime"
)

// Context is the execution context a kernel call is made from. Only a
// TaskContext may block; TimerContext and ISRContext must pass NoWait.
type Context interface {
	Kernel() *Kernel
	// caller returns the task making the call (nil outside tasks) and
	// whether that call may block.
	caller() (*Task, bool)
}

// TaskContext is handed to a task body and is only valid on that task.
type TaskContext struct {
	k *Kernel
	t *Task
}

func (tc *TaskContext) Kernel() *Kernel       { return tc.k }
func (tc *TaskContext) Task() *Task           { return tc.t }
func (tc *TaskContext) caller() (*Task, bool) { return tc.t, true }

// Now returns the current tick count.
func (tc *TaskContext) Now() Tick { return tc.k.Now() }

// Delay blocks the task for the given number of ticks, relative to now.
// Delay(0) is a yield.
func (tc *TaskContext) Delay(ticks Tick) {
	k, t := tc.k, tc.t
	if ticks == 0 {
		tc.Yield()
		return
	}
	k.mu.Lock()
	k.catchUpLocked()
	if ticks == WaitForever {
		k.blockLocked(t, nil, 0, false)
	} else {
		k.blockLocked(t, nil, k.tick+ticks, true)
	}
	k.mu.Unlock()
	k.park(t)
}

// DelayUntil blocks until *last + period and advances *last to that tick,
// so a periodic loop does not drift with its own processing time. It
// reports false, without blocking, if that tick has already passed.
func (tc *TaskContext) DelayUntil(last *Tick, period Tick) bool {
	k, t := tc.k, tc.t
	k.mu.Lock()
	k.catchUpLocked()
	wake := *last + period
	*last = wake
	if wake <= k.tick {
		k.mu.Unlock()
		k.preemptionPoint(t)
		return false
	}
	k.blockLocked(t, nil, wake, true)
	k.mu.Unlock()
	k.park(t)
	return true
}

// Yield moves the task behind every other ready task of its priority.
func (tc *TaskContext) Yield() {
	k, t := tc.k, tc.t
	k.mu.Lock()
	k.catchUpLocked()
	k.readyLocked(t)
	k.mu.Unlock()
	k.park(t)
}

// Checkpoint processes pending ticks and gives up the processor only if a
// higher priority task is ready or the time slice ran out. Long loops
// that never block should call it.
func (tc *TaskContext) Checkpoint() {
	tc.k.preemptionPoint(tc.t)
}

// Suspend stops the calling task until another context resumes it.
func (tc *TaskContext) Suspend() {
	_ = tc.k.SuspendTask(tc, tc.t)
}

// TimerContext is passed to timer callbacks. Callbacks run on the timer
// service task and must not block.
type TimerContext struct {
	k *Kernel
	t *Task
}

func (c *TimerContext) Kernel() *Kernel       { return c.k }
func (c *TimerContext) Now() Tick             { return c.k.Now() }
func (c *TimerContext) caller() (*Task, bool) { return c.t, false }

// ISRContext is used from goroutines outside the kernel, the way an
// interrupt handler talks to an RTOS. Calls never block.
type ISRContext struct {
	k *Kernel
}

func (c *ISRContext) Kernel() *Kernel       { return c.k }
func (c *ISRContext) caller() (*Task, bool) { return nil, false }

// callerFor asserts that a non-zero wait only comes from a task.
func callerFor(ctx Context, timeout Tick) *Task {
	t, blockable := ctx.caller()
	if timeout != NoWait && !blockable {
		panic(fmt.Errorf("%w: requested wait of %d ticks", ErrNotBlockable, timeout))
	}
	return t
}

// park hands the processor back to the dispatch loop and waits to be
// dispatched again. The goroutine exits if the kernel stops meanwhile, or
// if the task was deleted while it ran.
func (k *Kernel) park(t *Task) {
	k.mu.Lock()
	exit := k.pendingLocked(t)
	k.mu.Unlock()
	if exit {
		runtime.Goexit()
	}
	select {
	case k.yieldCh <- t:
	case <-k.done:
		runtime.Goexit()
	}
	select {
	case <-t.resume:
	case <-k.done:
		runtime.Goexit()
	}
}

// preemptionPoint catches up on ticks and yields if the running task
// should no longer hold the processor.
func (k *Kernel) preemptionPoint(t *Task) {
	k.mu.Lock()
	k.catchUpLocked()
	if t.pendingSuspend || t.pendingDelete {
		k.mu.Unlock()
		k.park(t)
		return
	}
	if !k.shouldYieldLocked(t) {
		k.mu.Unlock()
		return
	}
	k.emitLocked(EventPreempt, t, "")
	k.readyLocked(t)
	k.mu.Unlock()
	k.park(t)
}

package sched

import (
	"errors"
	"fmt"
)

// Mutex guards a value shared between tasks. It is a binary semaphore that
// starts given. Only tasks may lock it: a timer callback or an interrupt
// context that tries panics with ErrNotBlockable.
type Mutex[T any] struct {
	name  string
	sem   *Semaphore
	owner *Task // guarded by the kernel lock
	value T
}

// NewMutex creates an unlocked mutex holding value.
func NewMutex[T any](k *Kernel, name string, value T) (*Mutex[T], error) {
	sem, err := NewCountingSemaphore(k, name, 1, 1)
	if err != nil {
		return nil, err
	}
	return &Mutex[T]{name: name, sem: sem, value: value}, nil
}

func (m *Mutex[T]) Name() string { return m.name }

// Lock waits up to timeout ticks for the mutex and returns the guarded
// value, valid until Unlock.
func (m *Mutex[T]) Lock(ctx Context, timeout Tick) (*T, error) {
	t := m.taskCaller(ctx)
	if err := m.sem.Take(ctx, timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("mutex %q: %w", m.name, ErrTimeout)
		}
		return nil, fmt.Errorf("mutex %q: %w", m.name, err)
	}
	m.setOwner(t)
	return &m.value, nil
}

// TryLock takes the mutex only if it is free right now.
func (m *Mutex[T]) TryLock(ctx Context) (*T, bool) {
	t := m.taskCaller(ctx)
	if err := m.sem.Take(ctx, NoWait); err != nil {
		return nil, false
	}
	m.setOwner(t)
	return &m.value, true
}

// Unlock releases the mutex. Only the task holding it may unlock it.
func (m *Mutex[T]) Unlock(ctx Context) error {
	t := m.taskCaller(ctx)
	k := t.k
	k.mu.Lock()
	if m.owner != t {
		k.mu.Unlock()
		return fmt.Errorf("mutex %q: %w", m.name, ErrNotOwner)
	}
	m.owner = nil
	k.mu.Unlock()
	return m.sem.Give(ctx)
}

// Owner returns the task holding the mutex, nil when unlocked.
func (m *Mutex[T]) Owner() *Task {
	k := m.sem.q.k
	k.mu.Lock()
	defer k.mu.Unlock()
	return m.owner
}

func (m *Mutex[T]) setOwner(t *Task) {
	t.k.mu.Lock()
	m.owner = t
	t.k.mu.Unlock()
}

func (m *Mutex[T]) taskCaller(ctx Context) *Task {
	t, blockable := ctx.caller()
	if !blockable {
		panic(fmt.Errorf("%w: mutex %q used outside a task", ErrNotBlockable, m.name))
	}
	return t
}

package sched

import "errors"

var (
	// ErrQueueFull is returned by a send that found no free slot.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueEmpty is returned by a receive that found nothing to take.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrTimeout is joined to the full/empty error when a blocking call ran out of time.
	ErrTimeout = errors.New("timed out")

	// ErrOutOfMemory means the kernel heap budget cannot hold another object.
	ErrOutOfMemory = errors.New("kernel heap exhausted")
	// ErrStartupFailed is returned by Start when an object could not be created beforehand.
	ErrStartupFailed = errors.New("scheduler refused to start")
	// ErrHalted is returned by Start after a task faulted.
	ErrHalted = errors.New("kernel halted")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrNotBlockable is the panic value (wrapped) when a timer callback or an
	// interrupt context asks for a non-zero wait.
	ErrNotBlockable = errors.New("blocking call from a non-blockable context")

	ErrInvalidPeriod = errors.New("timer period must be greater than zero")
	ErrSemaphoreFull = errors.New("semaphore already at its maximum count")
	ErrTaskDeleted   = errors.New("task deleted")
	ErrTimerDeleted  = errors.New("timer deleted")

	// ErrNotOwner is returned when a task unlocks a mutex it does not hold.
	ErrNotOwner = errors.New("mutex not held by caller")
)

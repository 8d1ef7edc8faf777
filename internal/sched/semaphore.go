package sched

import (
	"errors"
	"fmt"
)

// Semaphore is a counting semaphore built on a queue of empty items; a
// binary semaphore has a maximum count of one.
type Semaphore struct {
	q *Queue[struct{}]
}

// NewBinarySemaphore creates an empty (taken) binary semaphore.
func NewBinarySemaphore(k *Kernel, name string) (*Semaphore, error) {
	return NewCountingSemaphore(k, name, 1, 0)
}

// NewCountingSemaphore creates a semaphore holding initial of maxCount tokens.
func NewCountingSemaphore(k *Kernel, name string, maxCount, initial int) (*Semaphore, error) {
	if initial < 0 || initial > maxCount {
		return nil, fmt.Errorf("semaphore %q: initial count %d outside [0, %d]", name, initial, maxCount)
	}
	q, err := NewQueue[struct{}](k, name, maxCount)
	if err != nil {
		return nil, err
	}
	for range initial {
		if err := q.Send(k.ISR(), struct{}{}, NoWait); err != nil {
			return nil, err
		}
	}
	return &Semaphore{q: q}, nil
}

// Give releases one token. It never blocks and fails with ErrSemaphoreFull
// when the semaphore is already at its maximum.
func (s *Semaphore) Give(ctx Context) error {
	if err := s.q.Send(ctx, struct{}{}, NoWait); err != nil {
		if errors.Is(err, ErrQueueFull) {
			return fmt.Errorf("semaphore %q: %w", s.q.name, ErrSemaphoreFull)
		}
		return err
	}
	return nil
}

// Take acquires one token, waiting up to timeout ticks.
func (s *Semaphore) Take(ctx Context, timeout Tick) error {
	_, err := s.q.Receive(ctx, timeout)
	return err
}

// Count returns the number of tokens available.
func (s *Semaphore) Count() int { return s.q.Len() }

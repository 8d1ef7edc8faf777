// internal/sched/tickclock.go

package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tick is the kernel time unit.
type Tick uint64

const (
	// NoWait makes a queue or timer call fail instead of blocking.
	NoWait Tick = 0
	// WaitForever blocks until the condition holds.
	WaitForever Tick = ^Tick(0)
)

// Clock is a periodic tick source. Count is the number of ticks emitted so
// far; C is signalled (coalesced) whenever Count moves.
type Clock interface {
	Start()
	Stop()
	Count() uint64
	C() <-chan struct{}
}

// TickClock emits ticks from a wall-clock ticker and counts them atomically.
type TickClock struct {
	interval time.Duration
	ch       chan struct{}
	count    atomic.Uint64
	stop     chan struct{}
	once     sync.Once
}

// NewTickClock creates a clock but does not start it.
func NewTickClock(interval time.Duration) *TickClock {
	return &TickClock{
		interval: interval,
		ch:       make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start begins emitting ticks at the configured interval.
func (c *TickClock) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.ch <- struct{}{}:
				default:
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks. Safe to call twice.
func (c *TickClock) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Count returns the current tick count atomically.
func (c *TickClock) Count() uint64 {
	return c.count.Load()
}

func (c *TickClock) C() <-chan struct{} { return c.ch }

// ManualClock only moves when Advance is called. Used to drive the kernel
// tick by tick from a test or an external interrupt source.
type ManualClock struct {
	ch    chan struct{}
	count atomic.Uint64
}

func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan struct{}, 1)}
}

func (c *ManualClock) Start() {}
func (c *ManualClock) Stop()  {}

// Advance moves the clock forward by n ticks.
func (c *ManualClock) Advance(n uint64) {
	c.count.Add(n)
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *ManualClock) Count() uint64      { return c.count.Load() }
func (c *ManualClock) C() <-chan struct{} { return c.ch }

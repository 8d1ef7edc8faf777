package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// TimerCallback runs on the timer service task each time a timer expires.
type TimerCallback func(tc *TimerContext, tm *Timer)

// Timer is a software timer. Its schedule is only ever changed by the
// timer service task; the atomics let other contexts observe it.
type Timer struct {
	name       string
	id         any
	autoReload bool
	callback   TimerCallback
	svc        *TimerService

	period  atomic.Uint64
	expiry  atomic.Uint64
	active  atomic.Bool
	deleted atomic.Bool // set once a Delete command is queued

	// owned by the timer service task
	key     timerKey
	armed   bool
	retired bool
}

func (tm *Timer) Name() string     { return tm.name }
func (tm *Timer) ID() any          { return tm.id }
func (tm *Timer) AutoReload() bool { return tm.autoReload }
func (tm *Timer) Period() Tick     { return Tick(tm.period.Load()) }

// Expiry is the tick the timer fires next; meaningful only while active.
func (tm *Timer) Expiry() Tick { return Tick(tm.expiry.Load()) }

// IsActive reports whether the timer is armed.
func (tm *Timer) IsActive() bool { return tm.active.Load() }

// IsDeleted reports whether Delete was accepted. Every later command fails
// with ErrTimerDeleted.
func (tm *Timer) IsDeleted() bool { return tm.deleted.Load() }

// Start arms the timer to fire one period after the call. block bounds how
// long the caller may wait for room in the timer command queue.
func (tm *Timer) Start(ctx Context, block Tick) error {
	return tm.svc.send(ctx, timerCommand{op: opStart, timer: tm}, block)
}

// Reset re-arms the timer one period from now, whatever its state.
func (tm *Timer) Reset(ctx Context, block Tick) error {
	return tm.svc.send(ctx, timerCommand{op: opReset, timer: tm}, block)
}

// Stop disarms the timer.
func (tm *Timer) Stop(ctx Context, block Tick) error {
	return tm.svc.send(ctx, timerCommand{op: opStop, timer: tm}, block)
}

// ChangePeriod sets a new period and arms the timer from now.
func (tm *Timer) ChangePeriod(ctx Context, period, block Tick) error {
	if period == 0 {
		return fmt.Errorf("timer %q: %w", tm.name, ErrInvalidPeriod)
	}
	return tm.svc.send(ctx, timerCommand{op: opChangePeriod, timer: tm, period: period}, block)
}

// Delete disarms the timer and returns its memory to the kernel heap.
func (tm *Timer) Delete(ctx Context, block Tick) error {
	if !tm.deleted.CompareAndSwap(false, true) {
		return fmt.Errorf("timer %q: %w", tm.name, ErrTimerDeleted)
	}
	if err := tm.svc.send(ctx, timerCommand{op: opDelete, timer: tm}, block); err != nil {
		tm.deleted.Store(false)
		return err
	}
	return nil
}

type timerOp int

const (
	opStart timerOp = iota
	opReset
	opStop
	opChangePeriod
	opDelete
)

type timerCommand struct {
	op     timerOp
	timer  *Timer
	at     Tick // tick the command was issued
	period Tick
}

// timerKey orders armed timers by expiry.
type timerKey struct {
	at  Tick
	seq uint64
}

func timerCmp(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// TimerService is the timer daemon: a kernel task that owns the armed
// timer list and is fed through a command queue.
type TimerService struct {
	k      *Kernel
	policy MissedTimerPolicy
	cmds   *Queue[timerCommand]
	armed  *redblacktree.Tree
	task   *Task
	seq    uint64
}

func newTimerService(k *Kernel) *TimerService {
	return &TimerService{
		k:      k,
		policy: k.cfg.MissedTimerPolicy,
		armed:  redblacktree.NewWith(timerCmp),
	}
}

// CreateTimer returns an inactive timer. period is in ticks.
func (k *Kernel) CreateTimer(name string, period Tick, autoReload bool, id any, cb TimerCallback) (*Timer, error) {
	if period == 0 {
		return nil, fmt.Errorf("timer %q: %w", name, ErrInvalidPeriod)
	}
	if cb == nil {
		return nil, fmt.Errorf("timer %q: nil callback", name)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.timers.ensureQueueLocked(); err != nil {
		return nil, err
	}
	if err := k.allocLocked(timerBytes, "timer "+name); err != nil {
		return nil, err
	}
	tm := &Timer{
		name:       name,
		id:         id,
		autoReload: autoReload,
		callback:   cb,
		svc:        k.timers,
	}
	tm.period.Store(uint64(period))
	return tm, nil
}

// TimerTask returns the timer service task, nil before Start.
func (k *Kernel) TimerTask() *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.timers.task
}

func (s *TimerService) ensureQueueLocked() error {
	if s.cmds != nil {
		return nil
	}
	q, err := newQueueLocked[timerCommand](s.k, "timer-commands", s.k.cfg.TimerQueueLength)
	if err != nil {
		return err
	}
	s.cmds = q
	return nil
}

func (s *TimerService) startLocked() error {
	if err := s.ensureQueueLocked(); err != nil {
		return err
	}
	t, err := s.k.createTaskLocked("Tmr Svc", s.k.cfg.TimerTaskPriority, s.k.cfg.TimerTaskStack, s.run)
	if err != nil {
		return err
	}
	s.task = t
	return nil
}

func (s *TimerService) send(ctx Context, cmd timerCommand, block Tick) error {
	if cmd.op != opDelete && cmd.timer.deleted.Load() {
		return fmt.Errorf("timer %q: %w", cmd.timer.name, ErrTimerDeleted)
	}
	cmd.at = s.k.sync()
	if err := s.cmds.Send(ctx, cmd, block); err != nil {
		return fmt.Errorf("timer %q: %w", cmd.timer.name, err)
	}
	return nil
}

// run is the timer service task body.
func (s *TimerService) run(tc *TaskContext) {
	tmc := &TimerContext{k: s.k, t: tc.Task()}
	for {
		s.processExpired(tmc)

		timeout := WaitForever
		if node := s.armed.Left(); node != nil {
			next, now := node.Key.(timerKey).at, s.k.sync()
			if next <= now {
				continue
			}
			timeout = next - now
		}

		cmd, err := s.cmds.Receive(tc, timeout)
		if err != nil {
			continue
		}
		s.apply(cmd)
	}
}

func (s *TimerService) processExpired(tmc *TimerContext) {
	now := s.k.sync()
	for {
		node := s.armed.Left()
		if node == nil {
			return
		}
		key := node.Key.(timerKey)
		if key.at > now {
			return
		}
		tm := node.Value.(*Timer)
		s.disarm(tm)
		if tm.autoReload {
			s.arm(tm, nextExpiry(key.at, tm.Period(), now, s.policy))
		} else {
			tm.active.Store(false)
		}
		s.k.recordTimerFire(tm, key.at)
		tm.callback(tmc, tm)
	}
}

// nextExpiry returns the deadline following expired. Under SkipMissed it is
// the first multiple of period after now; under BurstMissed it is simply
// one period later, so late periods fire back to back.
func nextExpiry(expired, period, now Tick, policy MissedTimerPolicy) Tick {
	next := expired + period
	if policy == BurstMissed || next > now {
		return next
	}
	missed := (now - expired) / period
	return expired + (missed+1)*period
}

func (s *TimerService) apply(cmd timerCommand) {
	tm := cmd.timer
	if tm.retired {
		return
	}
	switch cmd.op {
	case opStart, opReset:
		s.disarm(tm)
		s.arm(tm, cmd.at+tm.Period())
	case opChangePeriod:
		tm.period.Store(uint64(cmd.period))
		s.disarm(tm)
		s.arm(tm, cmd.at+cmd.period)
	case opStop:
		s.disarm(tm)
		tm.active.Store(false)
	case opDelete:
		s.disarm(tm)
		tm.active.Store(false)
		tm.retired = true
		s.k.mu.Lock()
		s.k.freeLocked(timerBytes)
		s.k.mu.Unlock()
	}
}

func (s *TimerService) arm(tm *Timer, at Tick) {
	s.seq++
	tm.key = timerKey{at: at, seq: s.seq}
	tm.armed = true
	tm.expiry.Store(uint64(at))
	tm.active.Store(true)
	s.armed.Put(tm.key, tm)
}

func (s *TimerService) disarm(tm *Timer) {
	if !tm.armed {
		return
	}
	s.armed.Remove(tm.key)
	tm.armed = false
}

// sync catches up on clock ticks and returns the current tick. Used by
// contexts that do not go through a blocking call.
func (k *Kernel) sync() Tick {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.catchUpLocked()
	if k.ready.len() > 0 {
		k.kickLoop()
	}
	return k.tick
}

func (k *Kernel) recordTimerFire(tm *Timer, at Tick) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.metrics.RecordTimerFired(tm.name)
	k.emitLocked(EventTimerFire, k.current, fmt.Sprintf("%s due=%d", tm.name, at))
}

// internal/sched/scheduler.go

package sched

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/rs/zerolog"
)

// Kernel is a single-processor, priority-preemptive scheduler. Exactly one
// task goroutine runs at a time: the dispatch loop hands it the processor
// and waits until the task parks itself inside a kernel call.
type Kernel struct {
	mu         sync.Mutex         // protects everything below
	cfg        Config             // normalized configuration
	clock      Clock              // nil in virtual mode
	tick       Tick               // ticks processed so far
	seq        uint64             // insertion order for ready and wait lists
	ready      *prioList          // Ready tasks, highest priority first
	delayed    *redblacktree.Tree // Blocked tasks with a wake tick, ordered by delayKey
	tasks      map[TaskID]*Task   // all live tasks
	nextID     TaskID             // last assigned task ID
	current    *Task              // the Running task, nil while idle
	heap       heapBudget         // Config.HeapBytes accounting
	timers     *TimerService      // software timer daemon
	started    bool               // Start has been called
	startupErr error              // first creation failure before Start
	fatal      error              // first task fault, halts the loop

	yieldCh  chan *Task    // running task -> loop: processor handed back
	kick     chan struct{} // wakes the idle loop after an ISR call
	done     chan struct{} // closed when the kernel stops
	stopOnce sync.Once

	// observability
	log      zerolog.Logger
	recorder Recorder
	metrics  Metrics
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the lifecycle logger.
func WithLogger(l zerolog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithClock replaces the tick source. Ignored in virtual mode.
func WithClock(c Clock) Option {
	return func(k *Kernel) { k.clock = c }
}

// WithRecorder streams kernel events to r.
func WithRecorder(r Recorder) Option {
	return func(k *Kernel) { k.recorder = r }
}

// WithMetrics reports kernel counters to m.
func WithMetrics(m Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// New creates a kernel. Tasks, queues and timers may be created before
// Start; the scheduler itself only runs inside Start.
func New(cfg Config, opts ...Option) *Kernel {
	cfg = cfg.normalize()
	k := &Kernel{
		cfg:      cfg,
		ready:    newPrioList(),
		delayed:  redblacktree.NewWith(delayCmp),
		tasks:    make(map[TaskID]*Task),
		heap:     heapBudget{total: cfg.HeapBytes},
		yieldCh:  make(chan *Task),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      zerolog.Nop(),
		recorder: nopRecorder{},
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(k)
	}
	if cfg.Virtual {
		k.clock = nil
	} else if k.clock == nil {
		k.clock = NewTickClock(time.Duration(cfg.TickMS) * time.Millisecond)
	}
	k.timers = newTimerService(k)
	return k
}

// Config returns the normalized configuration.
func (k *Kernel) Config() Config { return k.cfg }

// ISR returns a context for calls made from outside any task.
func (k *Kernel) ISR() *ISRContext { return &ISRContext{k: k} }

// Now returns the number of ticks processed so far.
func (k *Kernel) Now() Tick {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}

// CreateTask registers a task in the Ready state. Priorities are clamped to
// [0, MaxPriorities). If it fails before Start, Start will refuse to run.
func (k *Kernel) CreateTask(name string, priority, stackSize int, fn TaskFunc) (*Task, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.createTaskLocked(name, priority, stackSize, fn)
	if err != nil {
		return nil, err
	}
	k.kickLoop()
	return t, nil
}

func (k *Kernel) createTaskLocked(name string, priority, stackSize int, fn TaskFunc) (*Task, error) {
	if fn == nil {
		return nil, fmt.Errorf("task %q: nil entry function", name)
	}
	// clamp priority within the legal region.
	if priority < 0 || priority >= k.cfg.MaxPriorities {
		clamped := min(max(priority, 0), k.cfg.MaxPriorities-1)
		k.log.Warn().Str("task", name).Int("priority", priority).Int("clamped", clamped).Msg("task priority out of range")
		priority = clamped
	}
	if stackSize < MinimalStackSize {
		stackSize = MinimalStackSize
	}

	t := &Task{
		Name:      name,
		Priority:  priority,
		StackSize: stackSize,
		k:         k,
		entry:     fn,
		resume:    make(chan struct{}, 1),
		joiners:   newPrioList(),
	}
	if err := k.allocLocked(t.stackBytes(), "task "+name); err != nil {
		return nil, err
	}
	k.nextID++
	t.ID = k.nextID
	k.tasks[t.ID] = t
	k.readyLocked(t)
	return t, nil
}

// Start creates the timer service and runs the dispatch loop. It returns
// nil once the kernel goes idle at or after Config.MaxTicks, ctx.Err() when
// ctx is cancelled, or an ErrHalted error if a task faulted. If any object
// failed to allocate beforehand no task is ever dispatched.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return ErrAlreadyStarted
	}
	if k.startupErr != nil {
		err := fmt.Errorf("%w: %w", ErrStartupFailed, k.startupErr)
		k.mu.Unlock()
		k.log.Error().Err(err).Msg("scheduler not started")
		return err
	}
	if err := k.timers.startLocked(); err != nil {
		k.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrStartupFailed, err)
		k.log.Error().Err(err).Msg("scheduler not started")
		return err
	}
	k.started = true
	k.mu.Unlock()

	if k.clock != nil {
		k.clock.Start()
		defer k.clock.Stop()
	}
	defer k.stop()

	k.log.Info().
		Bool("virtual", k.cfg.Virtual).
		Int("tick_ms", k.cfg.TickMS).
		Uint64("max_ticks", k.cfg.MaxTicks).
		Msg("scheduler started")

	err := k.loop(ctx)
	k.log.Info().Err(err).Uint64("tick", uint64(k.Now())).Msg("scheduler stopped")
	return err
}

// loop runs the main dispatch loop, which always runs the highest priority
// ready task until it hands the processor back.
func (k *Kernel) loop(ctx context.Context) error {
	var clockC <-chan struct{}
	if k.clock != nil {
		clockC = k.clock.C()
	}

	for {
		// 1) check shutdown
		if err := ctx.Err(); err != nil {
			return err
		}

		// 2) process ticks that arrived meanwhile, then check for a fault
		k.mu.Lock()
		k.catchUpLocked()
		if k.fatal != nil {
			err := k.fatal
			k.emitLocked(EventHalt, nil, err.Error())
			k.mu.Unlock()
			return err
		}

		// 3) idle case: nothing ready
		t := k.ready.pop()
		if t == nil {
			if k.cfg.MaxTicks > 0 && k.tick >= Tick(k.cfg.MaxTicks) {
				k.mu.Unlock()
				return nil
			}
			if k.clock == nil && k.fastForwardLocked() {
				k.mu.Unlock()
				continue
			}
			k.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-k.kick:
			case <-clockC:
			}
			continue
		}

		// 4) dispatch next task
		k.dispatchLocked(t)
		first := !t.started
		t.started = true
		k.mu.Unlock()

		if first {
			go k.runTask(t)
		} else {
			t.resume <- struct{}{}
		}

		// 5) wait until it parks, finishes or faults
		select {
		case <-k.yieldCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		k.mu.Lock()
		k.current = nil
		k.mu.Unlock()
	}
}

// fastForwardLocked advances virtual time to the next wake tick. It reports
// false when no task is waiting on time and MaxTicks is unbounded.
func (k *Kernel) fastForwardLocked() bool {
	limit := Tick(k.cfg.MaxTicks)
	node := k.delayed.Left()
	if node == nil {
		if limit > 0 {
			k.tick = limit
			return true
		}
		return false
	}
	at := node.Key.(delayKey).at
	if limit > 0 && at > limit {
		k.tick = limit
		return true
	}
	if at > k.tick+1 {
		k.tick = at - 1
	}
	k.tickLocked()
	return true
}

func (k *Kernel) runTask(t *Task) {
	defer func() {
		r := recover()
		if k.stopped() {
			return
		}
		k.mu.Lock()
		if r != nil {
			k.faultLocked(t, r)
		}
		k.deleteLocked(t)
		k.mu.Unlock()
		select {
		case k.yieldCh <- t:
		case <-k.done:
		}
	}()
	t.entry(&TaskContext{k: k, t: t})
}

// faultLocked records the first task panic; the loop halts on it.
func (k *Kernel) faultLocked(t *Task, r any) {
	var err error
	if e, ok := r.(error); ok {
		err = fmt.Errorf("%w: task %q: %w", ErrHalted, t.Name, e)
	} else {
		err = fmt.Errorf("%w: task %q: %v", ErrHalted, t.Name, r)
	}
	if k.fatal == nil {
		k.fatal = err
	}
	k.log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("task fault")
}

func (k *Kernel) stop() {
	k.stopOnce.Do(func() { close(k.done) })
}

func (k *Kernel) stopped() bool {
	select {
	case <-k.done:
		return true
	default:
		return false
	}
}

func (k *Kernel) kickLoop() {
	select {
	case k.kick <- struct{}{}:
	default:
	}
}

func (k *Kernel) nextSeq() uint64 {
	k.seq++
	return k.seq
}

func (k *Kernel) dispatchLocked(t *Task) {
	t.state = StateRunning
	t.sliceUsed = 0
	t.dispatches++
	k.current = t
	k.metrics.RecordContextSwitch(t.Name)
	k.emitLocked(EventDispatch, t, "")
}

// unlinkLocked takes t off whichever lists it is on.
func (k *Kernel) unlinkLocked(t *Task) {
	if t.list != nil {
		t.list.remove(t)
	}
	if t.delayed {
		k.delayed.Remove(t.delayKey)
		t.delayed = false
	}
}

// readyLocked moves t to the back of its priority band in the ready set.
func (k *Kernel) readyLocked(t *Task) {
	k.unlinkLocked(t)
	t.state = StateReady
	k.ready.push(t, k.nextSeq())
	k.emitLocked(EventEnqueue, t, "")
}

// blockLocked parks t on wl (if any) and, with a deadline, on the delayed list.
func (k *Kernel) blockLocked(t *Task, wl *prioList, at Tick, hasDeadline bool) {
	k.unlinkLocked(t)
	t.state = StateBlocked
	t.timedOut = false
	seq := k.nextSeq()
	if wl != nil {
		wl.push(t, seq)
	}
	if hasDeadline {
		t.delayKey = delayKey{at: at, seq: seq}
		t.delayed = true
		k.delayed.Put(t.delayKey, t)
	}
	k.emitLocked(EventBlock, t, "")
}

// wakeLocked readies a task taken off a wait list by a queue event.
func (k *Kernel) wakeLocked(t *Task) {
	k.emitLocked(EventWake, t, "")
	k.readyLocked(t)
	k.kickLoop()
}

// waitLocked blocks the caller on wl until woken or until the deadline
// passes. The lock is released while parked and held again on return.
func (k *Kernel) waitLocked(t *Task, wl *prioList, at Tick, forever bool) (timedOut bool) {
	k.blockLocked(t, wl, at, !forever)
	k.mu.Unlock()
	k.park(t)
	k.mu.Lock()
	return t.timedOut
}

// catchUpLocked processes every tick the clock emitted since the last call.
func (k *Kernel) catchUpLocked() {
	if k.clock == nil {
		return
	}
	for now := Tick(k.clock.Count()); k.tick < now; {
		k.tickLocked()
	}
}

// tickLocked advances time by one tick and readies every task whose wake
// tick has been reached.
func (k *Kernel) tickLocked() {
	k.tick++
	k.metrics.RecordTick(k.tick)
	k.emitLocked(EventTick, nil, "")

	for {
		node := k.delayed.Left()
		if node == nil {
			break
		}
		key := node.Key.(delayKey)
		if key.at > k.tick {
			break
		}
		t := node.Value.(*Task)
		k.delayed.Remove(key)
		t.delayed = false
		if t.list != nil {
			t.list.remove(t)
			t.timedOut = true
			k.emitLocked(EventTimeout, t, "")
		}
		k.readyLocked(t)
	}

	if k.current != nil {
		k.current.sliceUsed++
	}
}

// shouldYieldLocked: a higher priority task is ready, or an equal priority
// one is and t used up its time slice.
func (k *Kernel) shouldYieldLocked(t *Task) bool {
	best := k.ready.peek()
	if best == nil {
		return false
	}
	if best.Priority > t.Priority {
		return true
	}
	return best.Priority == t.Priority && k.cfg.SliceTicks > 0 && t.sliceUsed >= k.cfg.SliceTicks
}

// deleteLocked retires t and wakes its joiners. Deleted is final, so the
// stack charge goes back to the heap exactly once.
func (k *Kernel) deleteLocked(t *Task) {
	if t.state == StateDeleted {
		return
	}
	t.pendingSuspend, t.pendingDelete = false, false
	k.unlinkLocked(t)
	t.state = StateDeleted
	delete(k.tasks, t.ID)
	k.freeLocked(t.stackBytes())
	k.emitLocked(EventFinish, t, "")
	for w := t.joiners.pop(); w != nil; w = t.joiners.pop() {
		k.wakeLocked(w)
	}
}

// suspendLocked takes t off every list. A task pulled off a queue wait
// list sees its call time out once resumed.
func (k *Kernel) suspendLocked(t *Task) {
	if t.list != nil && t.list != k.ready {
		t.timedOut = true
	}
	t.pendingSuspend = false
	k.unlinkLocked(t)
	t.state = StateSuspended
	k.emitLocked(EventSuspend, t, "")
}

// pendingLocked applies a suspend or delete that another context asked for
// while t held the processor. It reports whether t has to exit.
func (k *Kernel) pendingLocked(t *Task) bool {
	switch {
	case t.pendingDelete:
		k.deleteLocked(t)
		return true
	case t.pendingSuspend:
		k.suspendLocked(t)
	}
	return false
}

func (k *Kernel) emitLocked(kind EventKind, t *Task, detail string) {
	ev := Event{
		Time:   time.Now(),
		Tick:   k.tick,
		Kind:   kind,
		Detail: detail,
	}
	if t != nil {
		ev.TaskID = t.ID
		ev.Task = t.Name
		ev.Priority = t.Priority
	}
	k.recorder.Record(ev)
}

// SuspendTask takes target out of scheduling until ResumeTask. A task
// suspended while waiting on a queue sees its call time out once resumed.
// Suspending an already suspended task is a no-op. When target is running
// and the caller is outside it, the suspend takes effect at target's next
// kernel call.
func (k *Kernel) SuspendTask(ctx Context, target *Task) error {
	self, blockable := ctx.caller()
	if target == self && !blockable {
		panic(fmt.Errorf("%w: timer callback suspending the timer service", ErrNotBlockable))
	}
	k.mu.Lock()
	switch {
	case target.state == StateDeleted, target.pendingDelete:
		k.mu.Unlock()
		return fmt.Errorf("suspend %q: %w", target.Name, ErrTaskDeleted)
	case target.state == StateSuspended:
		k.mu.Unlock()
		return nil
	case target.state == StateRunning && target != self:
		target.pendingSuspend = true
		k.mu.Unlock()
		return nil
	}
	k.suspendLocked(target)
	k.mu.Unlock()
	if target == self {
		k.park(self)
	}
	return nil
}

// ResumeTask makes a suspended task ready again. Resuming a task that is
// not suspended does nothing, except cancel a suspend still pending.
func (k *Kernel) ResumeTask(ctx Context, target *Task) error {
	self, _ := ctx.caller()
	k.mu.Lock()
	switch {
	case target.state == StateDeleted, target.pendingDelete:
		k.mu.Unlock()
		return fmt.Errorf("resume %q: %w", target.Name, ErrTaskDeleted)
	case target.state != StateSuspended:
		target.pendingSuspend = false
		k.mu.Unlock()
		return nil
	}
	k.readyLocked(target)
	k.kickLoop()
	k.mu.Unlock()
	if self != nil {
		k.preemptionPoint(self)
	}
	return nil
}

// DeleteTask removes target from the kernel. Deleting the calling task
// does not return. A running target deleted from outside exits at its next
// kernel call.
func (k *Kernel) DeleteTask(ctx Context, target *Task) error {
	self, blockable := ctx.caller()
	if target == self && !blockable {
		panic(fmt.Errorf("%w: timer callback deleting the timer service", ErrNotBlockable))
	}
	k.mu.Lock()
	switch {
	case target.state == StateDeleted, target.pendingDelete:
		k.mu.Unlock()
		return fmt.Errorf("delete %q: %w", target.Name, ErrTaskDeleted)
	case target.state == StateRunning && target != self:
		target.pendingDelete = true
		k.mu.Unlock()
		return nil
	}
	k.deleteLocked(target)
	k.mu.Unlock()
	if target == self {
		runtime.Goexit()
	}
	if self != nil {
		// a joiner may outrank the caller
		k.preemptionPoint(self)
	}
	return nil
}

// Join waits up to timeout ticks for t to return or be deleted. A task
// that is already gone joins at once.
func (t *Task) Join(tc *TaskContext, timeout Tick) error {
	k, self := t.k, tc.t
	if self == t {
		return fmt.Errorf("join %q: a task cannot join itself", t.Name)
	}
	k.mu.Lock()
	k.catchUpLocked()
	deadline := deadlineFrom(k.tick, timeout)
	for t.state != StateDeleted {
		expired := timeout == NoWait || (timeout != WaitForever && k.tick >= deadline)
		if expired || k.waitLocked(self, t.joiners, deadline, timeout == WaitForever) {
			k.mu.Unlock()
			return fmt.Errorf("join %q: %w", t.Name, ErrTimeout)
		}
	}
	k.mu.Unlock()
	return nil
}

// Tasks returns a snapshot of every live task ordered by ID.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]TaskInfo, 0, len(k.tasks))
	for _, t := range k.tasks {
		out = append(out, t.infoLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

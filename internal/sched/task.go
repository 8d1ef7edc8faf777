package sched

// TaskID uniquely identifies a task in the kernel.
type TaskID uint64

// TaskState is the scheduler-visible state of a task.
type TaskState int

const (
	StateReady TaskState = iota
	StateRunning
	StateBlocked
	StateSuspended
	StateDeleted
)

func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateSuspended:
		return "Suspended"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// WaitReason tells why a Blocked task is blocked.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitQueue
	WaitDelay
	WaitQueueWithTimeout
)

func (w WaitReason) String() string {
	switch w {
	case WaitQueue:
		return "queue"
	case WaitDelay:
		return "delay"
	case WaitQueueWithTimeout:
		return "queue+delay"
	default:
		return "none"
	}
}

// MinimalStackSize is the smallest stack, in words, a task is charged for.
const MinimalStackSize = 128

// TaskFunc is a task body. Returning from it deletes the task.
type TaskFunc func(tc *TaskContext)

// Task represents one schedulable unit. All fields below Priority are owned
// by the kernel and guarded by its lock.
type Task struct {
	ID        TaskID
	Name      string
	Priority  int // 0 is the idle priority, higher is more urgent
	StackSize int // in words

	k       *Kernel
	entry   TaskFunc
	state   TaskState
	started bool
	resume  chan struct{}

	list    *prioList // ready set or a wait list
	listKey prioKey

	delayed  bool
	delayKey delayKey

	timedOut   bool
	sliceUsed  int
	dispatches uint64

	// set by another context while the task holds the processor; applied
	// at its next kernel call
	pendingSuspend bool
	pendingDelete  bool

	joiners *prioList // tasks blocked in Join
}

// TaskInfo is a point-in-time copy of a task's scheduler state.
type TaskInfo struct {
	ID         TaskID     `json:"id"`
	Name       string     `json:"name"`
	Priority   int        `json:"priority"`
	State      TaskState  `json:"-"`
	StateName  string     `json:"state"`
	WaitReason WaitReason `json:"-"`
	WaitName   string     `json:"wait_reason"`
	WakeAt     Tick       `json:"wake_at,omitempty"`
	Dispatches uint64     `json:"dispatches"`
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.state
}

// infoLocked builds the snapshot; the kernel lock must be held.
func (t *Task) infoLocked() TaskInfo {
	info := TaskInfo{
		ID:         t.ID,
		Name:       t.Name,
		Priority:   t.Priority,
		State:      t.state,
		Dispatches: t.dispatches,
	}
	if t.state == StateBlocked {
		onQueue := t.list != nil && t.list != t.k.ready
		switch {
		case onQueue && t.delayed:
			info.WaitReason = WaitQueueWithTimeout
		case onQueue:
			info.WaitReason = WaitQueue
		case t.delayed:
			info.WaitReason = WaitDelay
		}
		if t.delayed {
			info.WakeAt = t.delayKey.at
		}
	}
	info.StateName = info.State.String()
	info.WaitName = info.WaitReason.String()
	return info
}

// stackBytes is what a task costs against the heap budget.
func (t *Task) stackBytes() int {
	return tcbBytes + t.StackSize*wordBytes
}

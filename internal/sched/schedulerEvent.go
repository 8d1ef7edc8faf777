// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// EventKind represents the type of kernel event
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDispatch
	EventPreempt
	EventBlock
	EventWake
	EventTimeout
	EventSuspend
	EventFinish
	EventTick
	EventTimerFire
	EventHalt
)

// Event is emitted on every tick and on key scheduler actions.
type Event struct {
	Time     time.Time
	Tick     Tick
	Kind     EventKind
	TaskID   TaskID
	Task     string
	Priority int
	Detail   string
}

func (ek EventKind) String() string {
	switch ek {
	case EventEnqueue:
		return "Enqueued"
	case EventDispatch:
		return "Dispatch"
	case EventPreempt:
		return "Preempt"
	case EventBlock:
		return "Block"
	case EventWake:
		return "Wake"
	case EventTimeout:
		return "Timeout"
	case EventSuspend:
		return "Suspend"
	case EventFinish:
		return "Finish"
	case EventTick:
		return "Tick"
	case EventTimerFire:
		return "TimerFire"
	case EventHalt:
		return "Halt"
	default:
		return "Unknown"
	}
}

// Recorder consumes kernel events. Record is called synchronously with the
// kernel lock held, so it must not call back into the kernel.
type Recorder interface {
	Record(ev Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}

// Metrics receives kernel counters. See observability/prometheus.
type Metrics interface {
	RecordTick(tick Tick)
	RecordContextSwitch(task string)
	RecordQueueDepth(queue string, depth int)
	RecordQueueRejected(queue string, reason string)
	RecordTimerFired(timer string)
	RecordHeapFree(bytes int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTick(Tick)                    {}
func (nopMetrics) RecordContextSwitch(string)         {}
func (nopMetrics) RecordQueueDepth(string, int)       {}
func (nopMetrics) RecordQueueRejected(string, string) {}
func (nopMetrics) RecordTimerFired(string)            {}
func (nopMetrics) RecordHeapFree(int)                 {}

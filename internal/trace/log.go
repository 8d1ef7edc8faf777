package trace

import (
	"strings"

	"github.com/rs/zerolog"

	"ticksched/internal/sched"
)

// LogRecorder renders kernel events through zerolog at debug level;
// halts are logged as errors.
type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(l zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: l}
}

func (r *LogRecorder) Record(ev sched.Event) {
	// ticks happen every period; leave them out of the log
	if ev.Kind == sched.EventTick {
		return
	}

	e := r.log.Debug()
	if ev.Kind == sched.EventHalt {
		e = r.log.Error()
	}
	e = e.Uint64("tick", uint64(ev.Tick))
	if ev.TaskID != 0 {
		e = e.Uint64("task_id", uint64(ev.TaskID)).Str("task", ev.Task).Int("priority", ev.Priority)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Msg("[" + center(ev.Kind.String(), 12) + "]")
}

// center pads str on both sides to width.
func center(str string, width int) string {
	if len(str) >= width {
		return str
	}
	spaces := (width - len(str)) / 2
	return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
}

// Multi fans events out to several recorders in order.
func Multi(rs ...sched.Recorder) sched.Recorder {
	return multi(rs)
}

type multi []sched.Recorder

func (m multi) Record(ev sched.Event) {
	for _, r := range m {
		r.Record(ev)
	}
}

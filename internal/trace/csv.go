// internal/trace/csv.go

package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"ticksched/internal/sched"
)

var csvHeader = []string{"timestamp", "tick", "event", "task_id", "task", "priority", "detail"}

// CSVRecorder writes one row per kernel event. Tick events are skipped for
// the brevity of output.
type CSVRecorder struct {
	mu     sync.Mutex
	closer io.Closer
	w      *csv.Writer
	err    error
}

// NewCSVRecorder creates (truncating) the file at path and writes the header.
func NewCSVRecorder(path string) (*CSVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := NewCSVWriter(f)
	r.closer = f
	if r.err != nil {
		f.Close()
		return nil, r.err
	}
	return r, nil
}

// NewCSVWriter records into w; the caller owns w.
func NewCSVWriter(w io.Writer) *CSVRecorder {
	r := &CSVRecorder{w: csv.NewWriter(w)}
	// write header
	r.w.Write(csvHeader)
	r.w.Flush()
	r.err = r.w.Error()
	return r
}

func (r *CSVRecorder) Record(ev sched.Event) {
	if ev.Kind == sched.EventTick {
		return
	}
	rec := []string{
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(ev.Tick), 10),
		ev.Kind.String(),
		strconv.FormatUint(uint64(ev.TaskID), 10),
		ev.Task,
		strconv.Itoa(ev.Priority),
		ev.Detail,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.w.Write(rec)
	r.w.Flush()
	r.err = r.w.Error()
}

// Err returns the first write error.
func (r *CSVRecorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close flushes and closes the underlying file, if this recorder opened it.
func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	if r.closer == nil {
		return r.w.Error()
	}
	if err := r.closer.Close(); err != nil {
		return fmt.Errorf("close csv trace: %w", err)
	}
	return r.w.Error()
}

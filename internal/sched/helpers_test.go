package sched

import (
	"context"
	"sync"
	"testing"
	"time"
)

// virtualConfig returns a simulated-time config that stops once idle at maxTicks.
func virtualConfig(maxTicks uint64) Config {
	cfg := DefaultConfig()
	cfg.Virtual = true
	cfg.MaxTicks = maxTicks
	return cfg
}

func run(t *testing.T, k *Kernel) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return k.Start(ctx)
}

// eventLog collects kernel events for assertions after Start returns.
type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) Record(ev Event) {
	if ev.Kind == EventTick {
		return
	}
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind, task string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Kind == kind && (task == "" || ev.Task == task) {
			n++
		}
	}
	return n
}

// trail is an ordered list of markers appended by tasks. Only one task
// runs at a time, the lock is for the race detector.
type trail struct {
	mu    sync.Mutex
	items []string
}

func (tr *trail) add(s string) {
	tr.mu.Lock()
	tr.items = append(tr.items, s)
	tr.mu.Unlock()
}

func (tr *trail) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.items...)
}

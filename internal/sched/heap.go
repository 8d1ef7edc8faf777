package sched

import "fmt"

// Approximate object sizes charged against Config.HeapBytes.
const (
	wordBytes        = 8
	tcbBytes         = 96
	queueHeaderBytes = 80
	timerBytes       = 48
)

// heapBudget tracks kernel object allocations. total == 0 means unlimited.
type heapBudget struct {
	total int
	used  int
}

func (h *heapBudget) alloc(n int, what string) error {
	if h.total > 0 && h.used+n > h.total {
		return fmt.Errorf("%w: %s needs %d bytes, %d free", ErrOutOfMemory, what, n, h.total-h.used)
	}
	h.used += n
	return nil
}

func (h *heapBudget) free(n int) {
	h.used -= n
	if h.used < 0 {
		h.used = 0
	}
}

func (h *heapBudget) available() int {
	if h.total == 0 {
		return -1
	}
	return h.total - h.used
}

// allocLocked charges n bytes. A failure before Start is remembered so the
// scheduler refuses to start.
func (k *Kernel) allocLocked(n int, what string) error {
	err := k.heap.alloc(n, what)
	if err != nil {
		if !k.started && k.startupErr == nil {
			k.startupErr = err
		}
		k.log.Error().Err(err).Str("object", what).Msg("allocation failed")
		return err
	}
	k.metrics.RecordHeapFree(k.heap.available())
	return nil
}

func (k *Kernel) freeLocked(n int) {
	k.heap.free(n)
	k.metrics.RecordHeapFree(k.heap.available())
}

// HeapFree returns the unallocated heap budget in bytes, or -1 when unlimited.
func (k *Kernel) HeapFree() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.heap.available()
}

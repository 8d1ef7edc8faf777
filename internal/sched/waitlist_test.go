package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrioList(t *testing.T) {
	l := newPrioList()
	low := &Task{Name: "low", Priority: 1}
	highA := &Task{Name: "high-a", Priority: 5}
	mid := &Task{Name: "mid", Priority: 3}
	highB := &Task{Name: "high-b", Priority: 5}

	for i, tk := range []*Task{low, highA, mid, highB} {
		l.push(tk, uint64(i+1))
	}
	require.Equal(t, 4, l.len())
	assert.Same(t, highA, l.peek())

	l.remove(mid)
	assert.Nil(t, mid.list)
	assert.Equal(t, 3, l.len())

	var order []string
	for tk := l.pop(); tk != nil; tk = l.pop() {
		order = append(order, tk.Name)
	}
	assert.Equal(t, []string{"high-a", "high-b", "low"}, order)
	assert.Nil(t, l.peek())
}

func TestPrioListRemoveForeignTask(t *testing.T) {
	a, b := newPrioList(), newPrioList()
	tk := &Task{Name: "t", Priority: 2}
	a.push(tk, 1)

	b.remove(tk)
	assert.Equal(t, 1, a.len())
	assert.Same(t, a, tk.list)
}

func TestDelayCmp(t *testing.T) {
	assert.Equal(t, -1, delayCmp(delayKey{at: 5, seq: 9}, delayKey{at: 6, seq: 1}))
	assert.Equal(t, 1, delayCmp(delayKey{at: 5, seq: 9}, delayKey{at: 5, seq: 1}))
	assert.Equal(t, 0, delayCmp(delayKey{at: 5, seq: 1}, delayKey{at: 5, seq: 1}))
}

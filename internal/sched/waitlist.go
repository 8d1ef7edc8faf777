package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// prioKey orders tasks highest priority first, then by insertion sequence.
type prioKey struct {
	priority int
	seq      uint64
}

// prioCmp implements the Comparator interface for red-black tree ordering.
func prioCmp(a, b any) int {
	ka, kb := a.(prioKey), b.(prioKey)
	switch {
	case ka.priority > kb.priority:
		return -1
	case ka.priority < kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// prioList is the ready set and the per-resource wait list. A task sits in
// at most one prioList at a time; its key is kept on the task.
type prioList struct {
	rbt *redblacktree.Tree
}

func newPrioList() *prioList {
	return &prioList{rbt: redblacktree.NewWith(prioCmp)}
}

func (l *prioList) push(t *Task, seq uint64) {
	t.listKey = prioKey{priority: t.Priority, seq: seq}
	t.list = l
	l.rbt.Put(t.listKey, t)
}

// pop removes and returns the first task, or nil.
func (l *prioList) pop() *Task {
	node := l.rbt.Left()
	if node == nil {
		return nil
	}
	t := node.Value.(*Task)
	l.rbt.Remove(node.Key)
	t.list = nil
	return t
}

func (l *prioList) peek() *Task {
	node := l.rbt.Left()
	if node == nil {
		return nil
	}
	return node.Value.(*Task)
}

func (l *prioList) remove(t *Task) {
	if t.list != l {
		return
	}
	l.rbt.Remove(t.listKey)
	t.list = nil
}

func (l *prioList) len() int { return l.rbt.Size() }

// delayKey orders blocked tasks by wake tick.
type delayKey struct {
	at  Tick
	seq uint64
}

func delayCmp(a, b any) int {
	ka, kb := a.(delayKey), b.(delayKey)
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

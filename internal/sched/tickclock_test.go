package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickClock(t *testing.T) {
	c := NewTickClock(time.Millisecond)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool { return c.Count() >= 3 }, 2*time.Second, time.Millisecond)

	select {
	case <-c.C():
	case <-time.After(time.Second):
		t.Fatal("no tick signalled")
	}

	c.Stop()
	assert.NotPanics(t, c.Stop)
}

func TestManualClock(t *testing.T) {
	c := NewManualClock()
	assert.Equal(t, uint64(0), c.Count())

	c.Advance(5)
	c.Advance(2)
	assert.Equal(t, uint64(7), c.Count())

	select {
	case <-c.C():
	default:
		t.Fatal("advance did not signal")
	}
	select {
	case <-c.C():
		t.Fatal("signals should coalesce")
	default:
	}
}

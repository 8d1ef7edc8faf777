package job

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksched/internal/sched"
)

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) Message(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *memSink) count(line string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		if l == line {
			n++
		}
	}
	return n
}

func newKernel(maxTicks uint64) *sched.Kernel {
	cfg := sched.DefaultConfig()
	cfg.Virtual = true
	cfg.MaxTicks = maxTicks
	return sched.New(cfg)
}

func start(t *testing.T, k *sched.Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Start(ctx))
}

func TestDemoRun(t *testing.T) {
	k := newKernel(20000)
	sink := &memSink{}
	d, err := Setup(k, DefaultDemoConfig(), sink, zerolog.Nop())
	require.NoError(t, err)

	start(t, k)

	s := d.Stats()
	assert.Equal(t, sched.Tick(20000), s.Tick)
	assert.Equal(t, uint64(100), s.SentFromTask)
	assert.Equal(t, uint64(10), s.SentFromTimer)
	assert.Zero(t, s.Dropped)
	assert.Equal(t, s.SentFromTask, s.ReceivedFromTask)
	assert.Equal(t, s.SentFromTimer, s.ReceivedFromTimer)
	assert.Zero(t, s.Unexpected)

	assert.Equal(t, 100, sink.count(MsgFromTask))
	assert.Equal(t, 10, sink.count(MsgFromTimer))
	assert.Zero(t, sink.count(MsgUnexpected))
	assert.Equal(t, sched.Tick(22000), s.TimerExpiry)
}

func TestDemoStimulusPushesTimer(t *testing.T) {
	k := newKernel(5000)
	sink := &memSink{}
	d, err := Setup(k, DefaultDemoConfig(), sink, zerolog.Nop())
	require.NoError(t, err)

	_, err = k.CreateTask("button", 3, 0, func(tc *sched.TaskContext) {
		tc.Delay(1500)
		assert.NoError(t, d.Stimulus())
	})
	require.NoError(t, err)

	start(t, k)

	s := d.Stats()
	assert.Equal(t, uint64(1), s.Stimuli)
	assert.Equal(t, uint64(1), s.SentFromTimer, "the timer fires at 3500 instead of 2000 and 4000")
	assert.Equal(t, sched.Tick(5500), s.TimerExpiry)
	assert.Equal(t, uint64(25), s.SentFromTask)
}

func TestDemoUnexpectedValue(t *testing.T) {
	k := newKernel(10)
	sink := &memSink{}
	d, err := Setup(k, DefaultDemoConfig(), sink, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.queue.Send(k.ISR(), 7, sched.NoWait))

	start(t, k)

	assert.Equal(t, []string{MsgUnexpected}, sink.lines)
	assert.Equal(t, uint64(1), d.Stats().Unexpected)
}

func TestDemoDropsWhenQueueFull(t *testing.T) {
	k := newKernel(1000)
	sink := &memSink{}
	d, err := Setup(k, DefaultDemoConfig(), sink, zerolog.Nop())
	require.NoError(t, err)

	// keep the consumer away from the queue
	require.NoError(t, k.SuspendTask(k.ISR(), d.rx))

	start(t, k)

	s := d.Stats()
	assert.Equal(t, uint64(2), s.SentFromTask, "sends at 200 and 400 fill the queue")
	assert.Equal(t, uint64(3), s.Dropped, "sends at 600, 800 and 1000 are dropped")
	assert.Zero(t, s.ReceivedFromTask)
	assert.Empty(t, sink.lines)
}

func TestSetupFailsOnSmallHeap(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.Virtual = true
	cfg.HeapBytes = 1000
	k := sched.New(cfg)

	_, err := Setup(k, DefaultDemoConfig(), &memSink{}, zerolog.Nop())
	require.ErrorIs(t, err, sched.ErrOutOfMemory)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, k.Start(ctx), sched.ErrStartupFailed)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink(&buf)
	s.Message(MsgFromTask)
	s.Message(MsgFromTimer)
	assert.Equal(t, []string{MsgFromTask, MsgFromTimer}, strings.Split(strings.TrimSpace(buf.String()), "\n"))
}

func TestDemoConfigDefaults(t *testing.T) {
	assert.Equal(t, DefaultDemoConfig(), DemoConfig{}.withDefaults())

	custom := DemoConfig{QueueLength: 8, TxPeriodMS: 50}.withDefaults()
	assert.Equal(t, 8, custom.QueueLength)
	assert.Equal(t, 50, custom.TxPeriodMS)
	assert.Equal(t, 2000, custom.TimerPeriodMS)
}

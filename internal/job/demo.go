// Package job is the demonstration workload: a periodic producer task and
// an auto-reload software timer feeding one consumer task through a queue.
package job

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"ticksched/internal/sched"
)

// Values carried on the demo queue.
const (
	ValueFromTask  uint32 = 100
	ValueFromTimer uint32 = 200
)

// Lines printed by the consumer.
const (
	MsgFromTask   = "Message received from task"
	MsgFromTimer  = "Message received from software timer"
	MsgUnexpected = "Unexpected message"
)

// DemoConfig sizes the workload. Zero fields take the defaults.
type DemoConfig struct {
	QueueLength   int `yaml:"queue_length"`
	RxPriority    int `yaml:"rx_priority"`
	TxPriority    int `yaml:"tx_priority"`
	TxPeriodMS    int `yaml:"tx_period_ms"`
	TimerPeriodMS int `yaml:"timer_period_ms"`
	StackSize     int `yaml:"stack_size"`
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		QueueLength:   2,
		RxPriority:    2,
		TxPriority:    1,
		TxPeriodMS:    200,
		TimerPeriodMS: 2000,
		StackSize:     sched.MinimalStackSize,
	}
}

func (c DemoConfig) withDefaults() DemoConfig {
	d := DefaultDemoConfig()
	if c.QueueLength <= 0 {
		c.QueueLength = d.QueueLength
	}
	if c.RxPriority <= 0 {
		c.RxPriority = d.RxPriority
	}
	if c.TxPriority <= 0 {
		c.TxPriority = d.TxPriority
	}
	if c.TxPeriodMS <= 0 {
		c.TxPeriodMS = d.TxPeriodMS
	}
	if c.TimerPeriodMS <= 0 {
		c.TimerPeriodMS = d.TimerPeriodMS
	}
	if c.StackSize <= 0 {
		c.StackSize = d.StackSize
	}
	return c
}

// Sink receives every line the consumer prints.
type Sink interface {
	Message(line string)
}

// ConsoleSink writes one line per message.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (s *ConsoleSink) Message(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

// Stats is a snapshot of the demo counters.
type Stats struct {
	Tick              sched.Tick `json:"tick"`
	SentFromTask      uint64     `json:"sent_from_task"`
	SentFromTimer     uint64     `json:"sent_from_timer"`
	Dropped           uint64     `json:"dropped"`
	ReceivedFromTask  uint64     `json:"received_from_task"`
	ReceivedFromTimer uint64     `json:"received_from_timer"`
	Unexpected        uint64     `json:"unexpected"`
	Stimuli           uint64     `json:"stimuli"`
	TimerExpiry       sched.Tick `json:"timer_expiry"`
	HeapFree          int        `json:"heap_free"`
}

// Demo owns the workload's kernel objects.
type Demo struct {
	k     *sched.Kernel
	cfg   DemoConfig
	sink  Sink
	log   zerolog.Logger
	queue *sched.Queue[uint32]
	timer *sched.Timer
	rx    *sched.Task
	tx    *sched.Task

	sentTask   atomic.Uint64
	sentTimer  atomic.Uint64
	dropped    atomic.Uint64
	recvTask   atomic.Uint64
	recvTimer  atomic.Uint64
	unexpected atomic.Uint64
	stimuli    atomic.Uint64
}

// Setup creates the queue, both tasks and the timer, and starts the timer
// so its first period counts from tick zero. Call it before k.Start.
func Setup(k *sched.Kernel, cfg DemoConfig, sink Sink, log zerolog.Logger) (*Demo, error) {
	cfg = cfg.withDefaults()
	d := &Demo{k: k, cfg: cfg, sink: sink, log: log}

	var err error
	if d.queue, err = sched.NewQueue[uint32](k, "demo", cfg.QueueLength); err != nil {
		return nil, fmt.Errorf("create demo queue: %w", err)
	}
	if d.rx, err = k.CreateTask("Rx", cfg.RxPriority, cfg.StackSize, d.receive); err != nil {
		return nil, fmt.Errorf("create rx task: %w", err)
	}
	if d.tx, err = k.CreateTask("Tx", cfg.TxPriority, cfg.StackSize, d.transmit); err != nil {
		return nil, fmt.Errorf("create tx task: %w", err)
	}
	period := k.Config().MsToTicks(cfg.TimerPeriodMS)
	if d.timer, err = k.CreateTimer("AutoReload", period, true, 0, d.onTimer); err != nil {
		return nil, fmt.Errorf("create timer: %w", err)
	}
	if err := d.timer.Start(k.ISR(), sched.NoWait); err != nil {
		return nil, fmt.Errorf("start timer: %w", err)
	}
	return d, nil
}

// transmit sends ValueFromTask once per TxPeriodMS without drifting.
func (d *Demo) transmit(tc *sched.TaskContext) {
	period := d.k.Config().MsToTicks(d.cfg.TxPeriodMS)
	last := tc.Now()
	for {
		tc.DelayUntil(&last, period)
		if err := d.queue.Send(tc, ValueFromTask, sched.NoWait); err != nil {
			d.dropped.Add(1)
			d.log.Warn().Err(err).Msg("tx send dropped")
			continue
		}
		d.sentTask.Add(1)
	}
}

func (d *Demo) onTimer(tc *sched.TimerContext, _ *sched.Timer) {
	if err := d.queue.Send(tc, ValueFromTimer, sched.NoWait); err != nil {
		d.dropped.Add(1)
		d.log.Warn().Err(err).Msg("timer send dropped")
		return
	}
	d.sentTimer.Add(1)
}

func (d *Demo) receive(tc *sched.TaskContext) {
	for {
		v, err := d.queue.Receive(tc, sched.WaitForever)
		if err != nil {
			continue
		}
		switch v {
		case ValueFromTask:
			d.recvTask.Add(1)
			d.sink.Message(MsgFromTask)
		case ValueFromTimer:
			d.recvTimer.Add(1)
			d.sink.Message(MsgFromTimer)
		default:
			d.unexpected.Add(1)
			d.sink.Message(MsgUnexpected)
		}
	}
}

// Stimulus is the external event: it resets the timer from outside any
// task, pushing its next expiry one full period out.
func (d *Demo) Stimulus() error {
	if err := d.timer.Reset(d.k.ISR(), sched.NoWait); err != nil {
		return err
	}
	d.stimuli.Add(1)
	return nil
}

func (d *Demo) Timer() *sched.Timer { return d.timer }

func (d *Demo) Stats() Stats {
	return Stats{
		Tick:              d.k.Now(),
		SentFromTask:      d.sentTask.Load(),
		SentFromTimer:     d.sentTimer.Load(),
		Dropped:           d.dropped.Load(),
		ReceivedFromTask:  d.recvTask.Load(),
		ReceivedFromTimer: d.recvTimer.Load(),
		Unexpected:        d.unexpected.Load(),
		Stimuli:           d.stimuli.Load(),
		TimerExpiry:       d.timer.Expiry(),
		HeapFree:          d.k.HeapFree(),
	}
}

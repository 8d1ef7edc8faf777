package sched

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	yaml "github.com/goccy/go-yaml"
)

// EnvPrefix is prepended to every environment override, e.g. TICKSCHED_TICK_MS.
const EnvPrefix = "TICKSCHED_"

// MissedTimerPolicy decides what an auto-reload timer does when its
// service task observes it more than one period late.
type MissedTimerPolicy string

const (
	// SkipMissed fires once and advances the deadline past the current tick.
	SkipMissed MissedTimerPolicy = "skip"
	// BurstMissed fires once for every period that elapsed.
	BurstMissed MissedTimerPolicy = "burst"
)

// Config mirrors config.yml
type Config struct {
	TickMS            int               `yaml:"tick_ms" env:"TICK_MS"`                         // 1 (by default)
	SliceTicks        int               `yaml:"slice_ticks" env:"SLICE_TICKS"`                 // 5 (by default)
	Virtual           bool              `yaml:"virtual" env:"VIRTUAL"`                         // simulated time, fast-forwards when idle
	MaxPriorities     int               `yaml:"max_priorities" env:"MAX_PRIORITIES"`           // 7 (by default), priorities are 0..MaxPriorities-1
	HeapBytes         int               `yaml:"heap_bytes" env:"HEAP_BYTES"`                   // 0 = unlimited
	TimerTaskPriority int               `yaml:"timer_task_priority" env:"TIMER_TASK_PRIORITY"` // -1 = highest
	TimerQueueLength  int               `yaml:"timer_queue_length" env:"TIMER_QUEUE_LENGTH"`
	TimerTaskStack    int               `yaml:"timer_task_stack" env:"TIMER_TASK_STACK"`
	MissedTimerPolicy MissedTimerPolicy `yaml:"missed_timer_policy" env:"MISSED_TIMER_POLICY"`
	MaxTicks          uint64            `yaml:"max_ticks" env:"MAX_TICKS"` // 0 = run until cancelled
}

// DefaultConfig is used when no configuration file is found.
func DefaultConfig() Config {
	return Config{
		TickMS:            1,
		SliceTicks:        5,
		MaxPriorities:     7,
		HeapBytes:         64 * 1024,
		TimerTaskPriority: -1,
		TimerQueueLength:  10,
		TimerTaskStack:    256,
		MissedTimerPolicy: SkipMissed,
	}
}

// Load reads YAML, applies TICKSCHED_* environment overrides and clamps the
// result. An empty path or a missing file means defaults plus environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	return cfg.normalize(), nil
}

// normalize applies the sanity clamps.
func (c Config) normalize() Config {
	if c.TickMS <= 0 {
		c.TickMS = 1
	}
	if c.SliceTicks < 0 {
		c.SliceTicks = 0
	}
	if c.MaxPriorities <= 0 {
		c.MaxPriorities = 7
	}
	if c.HeapBytes < 0 {
		c.HeapBytes = 0
	}
	if c.TimerTaskPriority < 0 || c.TimerTaskPriority >= c.MaxPriorities {
		c.TimerTaskPriority = c.MaxPriorities - 1
	}
	if c.TimerQueueLength <= 0 {
		c.TimerQueueLength = 10
	}
	if c.TimerTaskStack <= 0 {
		c.TimerTaskStack = MinimalStackSize
	}
	if c.MissedTimerPolicy != BurstMissed {
		c.MissedTimerPolicy = SkipMissed
	}
	return c
}

// MsToTicks converts milliseconds to ticks, rounding down but never to zero
// for a non-zero duration.
func (c Config) MsToTicks(ms int) Tick {
	if ms <= 0 {
		return 0
	}
	c = c.normalize()
	t := Tick(ms / c.TickMS)
	if t == 0 {
		t = 1
	}
	return t
}

package prometheus

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"ticksched/internal/sched"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// ConstLabels are attached to every collector, e.g. a run identifier.
	ConstLabels prom.Labels
}

// MetricsExporter adapts sched.Metrics to Prometheus collectors.
type MetricsExporter struct {
	ticks         prom.Gauge
	contextSwitch *prom.CounterVec
	queueDepth    *prom.GaugeVec
	queueRejected *prom.CounterVec
	timerFiredTot *prom.CounterVec
	heapFreeBytes prom.Gauge
}

var _ sched.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for sched.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "ticksched"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	ticks := prom.NewGauge(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "ticks",
		Help:        "Kernel ticks processed.",
		ConstLabels: opts.ConstLabels,
	})
	switchVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "context_switches_total",
		Help:        "Times each task was dispatched.",
		ConstLabels: opts.ConstLabels,
	}, []string{"task"})
	depthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Items currently held by a queue.",
		ConstLabels: opts.ConstLabels,
	}, []string{"queue"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "queue_rejected_total",
		Help:        "Queue operations that failed, by reason.",
		ConstLabels: opts.ConstLabels,
	}, []string{"queue", "reason"})
	firedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace:   namespace,
		Name:        "timer_fired_total",
		Help:        "Software timer expiries.",
		ConstLabels: opts.ConstLabels,
	}, []string{"timer"})
	heapFree := prom.NewGauge(prom.GaugeOpts{
		Namespace:   namespace,
		Name:        "heap_free_bytes",
		Help:        "Unallocated kernel heap, -1 when unlimited.",
		ConstLabels: opts.ConstLabels,
	})

	var err error
	if ticks, err = registerCollector(reg, ticks); err != nil {
		return nil, err
	}
	if switchVec, err = registerCollector(reg, switchVec); err != nil {
		return nil, err
	}
	if depthVec, err = registerCollector(reg, depthVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if firedVec, err = registerCollector(reg, firedVec); err != nil {
		return nil, err
	}
	if heapFree, err = registerCollector(reg, heapFree); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		ticks:         ticks,
		contextSwitch: switchVec,
		queueDepth:    depthVec,
		queueRejected: rejectedVec,
		timerFiredTot: firedVec,
		heapFreeBytes: heapFree,
	}, nil
}

// RecordTick records the current tick count.
func (m *MetricsExporter) RecordTick(tick sched.Tick) {
	if m == nil {
		return
	}
	m.ticks.Set(float64(tick))
}

// RecordContextSwitch counts a dispatch of task.
func (m *MetricsExporter) RecordContextSwitch(task string) {
	if m == nil {
		return
	}
	m.contextSwitch.WithLabelValues(normalizeLabel(task, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(queue, "unknown")).Set(float64(depth))
}

// RecordQueueRejected records a failed send or receive.
func (m *MetricsExporter) RecordQueueRejected(queue string, reason string) {
	if m == nil {
		return
	}
	m.queueRejected.WithLabelValues(normalizeLabel(queue, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func (m *MetricsExporter) RecordTimerFired(timer string) {
	if m == nil {
		return
	}
	m.timerFiredTot.WithLabelValues(normalizeLabel(timer, "unknown")).Inc()
}

func (m *MetricsExporter) RecordHeapFree(bytes int) {
	if m == nil {
		return
	}
	m.heapFreeBytes.Set(float64(bytes))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}

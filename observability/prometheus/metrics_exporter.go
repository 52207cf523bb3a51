// Package prometheus adapts isopool's pool-level counters to Prometheus
// collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// PoolMetrics is the set of recording calls a metrics backend implements.
// The core package never calls it; callers report through it themselves.
// MetricsExporter is the Prometheus-backed implementation, and a nil
// *MetricsExporter ignores every call.
type PoolMetrics interface {
	RecordTaskDuration(pool string, method string, duration time.Duration)
	RecordWorkerCrash(pool string)
	RecordCleanupOutcome(pool string, outcome string)
	RecordQueueDepth(pool string, depth int)
	RecordWorkerCount(pool string, total, busy int)
	RecordTaskRejected(pool string, reason string)
}

// MetricsExporter adapts PoolMetrics to Prometheus collectors, following
// the shape of the teacher's core.Metrics adapter but generalized from
// per-runner task metrics to per-pool worker/queue/cleanup metrics.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	workerCrashTotal    *prom.CounterVec
	cleanupOutcomeTotal *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	workersTotal        *prom.GaugeVec
	workersBusy         *prom.GaugeVec
}

var _ PoolMetrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for
// PoolMetrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "isopool"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds, from dispatch to terminal response.",
		Buckets:   buckets,
	}, []string{"pool", "method"})
	crashVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_crash_total",
		Help:      "Total number of worker crashes.",
	}, []string{"pool"})
	cleanupVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_outcome_total",
		Help:      "Outcomes of the cancellation/cleanup handshake (ack, timeout).",
	}, []string{"pool", "outcome"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected tasks.",
	}, []string{"pool", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current pending task count.",
	}, []string{"pool"})
	workersTotalVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_total",
		Help:      "Current worker count.",
	}, []string{"pool"})
	workersBusyVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Current busy worker count.",
	}, []string{"pool"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if crashVec, err = registerCollector(reg, crashVec); err != nil {
		return nil, err
	}
	if cleanupVec, err = registerCollector(reg, cleanupVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}
	if workersTotalVec, err = registerCollector(reg, workersTotalVec); err != nil {
		return nil, err
	}
	if workersBusyVec, err = registerCollector(reg, workersBusyVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		workerCrashTotal:    crashVec,
		cleanupOutcomeTotal: cleanupVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
		workersTotal:        workersTotalVec,
		workersBusy:         workersBusyVec,
	}, nil
}

func (m *MetricsExporter) RecordTaskDuration(pool, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(method, "unknown")).Observe(duration.Seconds())
}

func (m *MetricsExporter) RecordWorkerCrash(pool string) {
	if m == nil {
		return
	}
	m.workerCrashTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

func (m *MetricsExporter) RecordCleanupOutcome(pool, outcome string) {
	if m == nil {
		return
	}
	m.cleanupOutcomeTotal.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(outcome, "unknown")).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(pool string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(depth))
}

func (m *MetricsExporter) RecordWorkerCount(pool string, total, busy int) {
	if m == nil {
		return
	}
	m.workersTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(total))
	m.workersBusy.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(busy))
}

func (m *MetricsExporter) RecordTaskRejected(pool, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(reason, "unknown")).Inc()
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

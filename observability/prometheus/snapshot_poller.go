package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/isopool/isopool/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports Pool.Stats() snapshots into
// Prometheus gauges, for callers who'd rather poll than thread counters
// through every dispatch path.
type SnapshotPoller struct {
	interval time.Duration

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	poolPending *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolTotal   *prom.GaugeVec
	poolIdle    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	poolPending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "isopool",
		Name:      "pool_pending_tasks",
		Help:      "Queued (not yet dispatched) tasks per pool.",
	}, []string{"pool"})
	poolActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "isopool",
		Name:      "pool_active_tasks",
		Help:      "In-flight tasks per pool.",
	}, []string{"pool"})
	poolTotal := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "isopool",
		Name:      "pool_workers_total",
		Help:      "Total worker count per pool.",
	}, []string{"pool"})
	poolIdle := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "isopool",
		Name:      "pool_workers_idle",
		Help:      "Idle worker count per pool.",
	}, []string{"pool"})

	var err error
	if poolPending, err = registerCollector(reg, poolPending); err != nil {
		return nil, err
	}
	if poolActive, err = registerCollector(reg, poolActive); err != nil {
		return nil, err
	}
	if poolTotal, err = registerCollector(reg, poolTotal); err != nil {
		return nil, err
	}
	if poolIdle, err = registerCollector(reg, poolIdle); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:    interval,
		pools:       make(map[string]PoolSnapshotProvider),
		poolPending: poolPending,
		poolActive:  poolActive,
		poolTotal:   poolTotal,
		poolIdle:    poolIdle,
	}, nil
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolPending.WithLabelValues(name).Set(float64(stats.PendingTasks))
		p.poolActive.WithLabelValues(name).Set(float64(stats.ActiveTasks))
		p.poolTotal.WithLabelValues(name).Set(float64(stats.TotalWorkers))
		p.poolIdle.WithLabelValues(name).Set(float64(stats.IdleWorkers))
	}
}

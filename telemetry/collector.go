package telemetry

import (
	"sync"
	"time"
)

// PoolStatsProvider is implemented by the connection pool so the collector
// can publish gauges without the pool depending on collection cadence.
type PoolStatsProvider interface {
	ConnectionCount() int
	WaiterCount() int
}

// BreakerStatsProvider exposes the current breaker state as a number
// (0=closed, 1=open, 2=half_open).
type BreakerStatsProvider interface {
	StateValue() float64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	pool     PoolStatsProvider
	breaker  BreakerStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(pool PoolStatsProvider, breaker BreakerStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		pool:     pool,
		breaker:  breaker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.pool != nil {
		ConnectionsActive.Set(float64(mc.pool.ConnectionCount()))
		PoolWaiters.Set(float64(mc.pool.WaiterCount()))
	}
	if mc.breaker != nil {
		BreakerState.Set(mc.breaker.StateValue())
	}
}

package telemetry

import (
	"sync"
	"time"
)

// LagProvider reports per-pipe cursor lag behind the change log head
type LagProvider interface {
	Lag() map[string]uint64
}

// LagCollector periodically samples pipe lag and updates the lag gauge
type LagCollector struct {
	provider LagProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLagCollector creates a new lag collector
func NewLagCollector(provider LagProvider, interval time.Duration) *LagCollector {
	return &LagCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (lc *LagCollector) Start() {
	lc.wg.Add(1)
	go lc.collectLoop()
}

// Stop stops the collector
func (lc *LagCollector) Stop() {
	close(lc.stopCh)
	lc.wg.Wait()
}

func (lc *LagCollector) collectLoop() {
	defer lc.wg.Done()

	ticker := time.NewTicker(lc.interval)
	defer ticker.Stop()

	lc.collect()

	for {
		select {
		case <-ticker.C:
			lc.collect()
		case <-lc.stopCh:
			return
		}
	}
}

func (lc *LagCollector) collect() {
	if lc.provider == nil {
		return
	}

	for pipe, lag := range lc.provider.Lag() {
		PipeLagRecords.With(pipe).Set(float64(lag))
	}
}

package metrics

import "time"

// StatsProvider is implemented by the coordinator so Collector can poll
// gauges without metrics importing coordinator (which itself imports
// metrics to record counters/histograms inline).
type StatsProvider interface {
	StorageDirCount() int
	DocumentsLoadedByKind() map[string]int
}

// Collector periodically samples gauge-style stats from the running
// coordinator. Counter and histogram metrics are recorded inline by the
// components that own the event (coordinator, sync, deletion, cache),
// not here.
type Collector struct {
	provider StatsProvider
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(provider StatsProvider) *Collector {
	return &Collector{
		provider: provider,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	StorageDirsTotal.Set(float64(c.provider.StorageDirCount()))
	for kind, count := range c.provider.DocumentsLoadedByKind() {
		DocumentsLoaded.WithLabelValues(kind).Set(float64(count))
	}
}

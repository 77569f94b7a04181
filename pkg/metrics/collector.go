package metrics

import (
	"time"
)

// ControllerStat is a point-in-time view of one managed controller.
type ControllerStat struct {
	Kind    string
	State   string
	Entries int
}

// Source provides daemon state snapshots for the collector. Implemented by
// the service layer so this package stays import-cycle free.
type Source interface {
	ControllerStats() []ControllerStat
	QueueDepth() int
}

// Collector collects metrics from the daemon
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectControllerMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectControllerMetrics() {
	stats := c.source.ControllerStats()

	counts := make(map[[2]string]int)
	entries := 0
	for _, stat := range stats {
		counts[[2]string{stat.Kind, stat.State}]++
		entries += stat.Entries
	}

	// Reset so label pairs for vacated states do not go stale
	ControllersTotal.Reset()
	for key, count := range counts {
		ControllersTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
	DLPEEntries.Set(float64(entries))
}

func (c *Collector) collectQueueMetrics() {
	WorkerQueueDepth.Set(float64(c.source.QueueDepth()))
}

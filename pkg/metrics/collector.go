package metrics

import "time"

// Snapshot is a point-in-time count of platform-wide state, used by the
// periodic Collector to populate gauges that are cheaper to poll than to
// update on every mutation.
type Snapshot struct {
	ActorsByState   map[string]int
	EpoxyLogDepth   map[string]int // replica_id -> instance count
	RunnerSlotsUsed map[string]int
	RunnerSlotsCap  map[string]int
	RouteCacheSize  int
}

// Snapshotter produces a Snapshot on demand. Implemented by the pegboard and
// epoxy packages' in-memory indexes; kept as an interface here so pkg/metrics
// never imports its callers.
type Snapshotter interface {
	MetricsSnapshot() Snapshot
}

// Collector periodically polls a Snapshotter and republishes its counts as
// gauges, standing in for per-mutation updates on state that changes too
// often to instrument directly (alloc index size, log depth).
type Collector struct {
	source   Snapshotter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector that polls source every interval.
func NewCollector(source Snapshotter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{source: source, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the poll loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop halts the poll loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.MetricsSnapshot()

	for state, n := range snap.ActorsByState {
		ActorsTotal.WithLabelValues(state).Set(float64(n))
	}
	for replicaID, n := range snap.EpoxyLogDepth {
		EpoxyLogDepth.WithLabelValues(replicaID, "total").Set(float64(n))
	}
	for name, n := range snap.RunnerSlotsUsed {
		RunnerSlotsUsed.WithLabelValues(name).Set(float64(n))
	}
	for name, n := range snap.RunnerSlotsCap {
		RunnerSlotsTotal.WithLabelValues(name).Set(float64(n))
	}
	GuardRoutesCacheSize.Set(float64(snap.RouteCacheSize))
}

package metrics

import "time"

// RaftStatsSource is implemented by the index so the collector can poll
// its raft state without this package importing it directly.
type RaftStatsSource interface {
	IsLeader() bool
	Stats() (appliedIndex uint64, peers int)
}

// Collector polls raft state periodically and reflects it into the
// gauges above; everything else is updated inline by the components
// that own it (index commits, cache hits/misses, and so on).
type Collector struct {
	source RaftStatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source RaftStatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
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
	if c.source == nil {
		return
	}
	if c.source.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	appliedIndex, peers := c.source.Stats()
	RaftAppliedIndex.Set(float64(appliedIndex))
	RaftPeers.Set(float64(peers))
}

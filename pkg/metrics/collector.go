package metrics

import (
	"time"

	"github.com/coveynet/covey/pkg/cluster"
)

// Collector samples gauges that have no event source: the peer table
// size, the remembered return paths, and the live client session count.
type Collector struct {
	cluster *cluster.Connector
	nodes   *cluster.StaticNodes
	stopCh  chan struct{}
}

// NewCollector creates a collector for the given connector and peer
// table. Either may be nil; nil sources are skipped.
func NewCollector(conn *cluster.Connector, nodes *cluster.StaticNodes) *Collector {
	return &Collector{
		cluster: conn,
		nodes:   nodes,
		stopCh:  make(chan struct{}),
	}
}

// Start begins sampling every 15 seconds.
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
	if c.nodes != nil {
		ClusterPeers.Set(float64(c.nodes.Len()))
	}
	if c.cluster != nil {
		ViaEntries.Set(float64(c.cluster.ViaEntries()))
		SessionsActive.WithLabelValues(TransportClient).Set(float64(c.cluster.Endpoint().Sessions()))
	}
}

package metrics

import (
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/storage"
)

// Collector periodically samples the store's node and task tables into the
// NodesTotal/TasksTotal gauges. It exists because Prometheus gauges need an
// active poke to reflect state nobody incremented via a counter.
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector over store, sampling every
// interval.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	return &Collector{store: store, interval: interval, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectTaskMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}

	counts := map[model.NodeStatus]int{model.NodeOnline: 0, model.NodeOffline: 0}
	for _, node := range nodes {
		counts[node.Status]++
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	counts := make(map[model.Status]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

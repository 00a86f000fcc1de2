package claphost

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaban/claphost/graph"
	"github.com/shaban/claphost/host"
)

var (
	nodeLabels = []string{"path", "kind"}

	descProcessed = prometheus.NewDesc(
		"claphost_node_processed_blocks_total",
		"Blocks a node produced output for.",
		nodeLabels, nil,
	)
	descSilenced = prometheus.NewDesc(
		"claphost_node_silenced_blocks_total",
		"Blocks a node answered with silence.",
		nodeLabels, nil,
	)
	descOverloads = prometheus.NewDesc(
		"claphost_node_overloads_total",
		"Out of range output detections.",
		nodeLabels, nil,
	)
	descMisses = prometheus.NewDesc(
		"claphost_bridge_misses_total",
		"Blocks a bridged plugin did not deliver in time.",
		nodeLabels, nil,
	)
	descDropped = prometheus.NewDesc(
		"claphost_node_dropped_events_total",
		"Events dropped because a queue was full.",
		nodeLabels, nil,
	)
	descStatus = prometheus.NewDesc(
		"claphost_node_status",
		"Lifecycle status of a node, one series per status.",
		[]string{"path", "kind", "status"}, nil,
	)
	descBlocks = prometheus.NewDesc(
		"claphost_driver_blocks_total",
		"Blocks rendered by the driver.",
		nil, nil,
	)
	descInvalid = prometheus.NewDesc(
		"claphost_driver_invalid_blocks_total",
		"Blocks the master did not produce.",
		nil, nil,
	)
	descLate = prometheus.NewDesc(
		"claphost_driver_late_blocks_total",
		"Realtime blocks that missed their deadline.",
		nil, nil,
	)
)

var statuses = []host.Status{
	host.Inactive, host.OnError, host.OnHold, host.Starting,
	host.Running, host.StopRequested, host.Stopping,
}

// Collector exposes the processing tree as Prometheus metrics. Every
// scrape walks the tree; node counters are read atomically.
type Collector struct {
	engine *Engine
}

var _ prometheus.Collector = &Collector{}

// NewCollector returns a collector for engine.
func NewCollector(engine *Engine) *Collector {
	return &Collector{engine: engine}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descProcessed
	ch <- descSilenced
	ch <- descOverloads
	ch <- descMisses
	ch <- descDropped
	ch <- descStatus
	ch <- descBlocks
	ch <- descInvalid
	ch <- descLate
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	graph.Walk(c.engine.master, func(path string, n graph.Node) {
		st := n.Stats()
		kind := n.Kind()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), path, kind)
		}
		counter(descProcessed, st.Processed)
		counter(descSilenced, st.Silenced)
		counter(descOverloads, st.Overloads)
		if kind == graph.KindRemote {
			counter(descMisses, st.Misses)
		}
		counter(descDropped, st.Dropped)
		for _, s := range statuses {
			v := 0.0
			if s.String() == st.Status {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(descStatus, prometheus.GaugeValue, v, path, kind, s.String())
		}
	})

	d := c.engine.driver
	ch <- prometheus.MustNewConstMetric(descBlocks, prometheus.CounterValue, float64(d.Blocks()))
	ch <- prometheus.MustNewConstMetric(descInvalid, prometheus.CounterValue, float64(d.Invalid()))
	ch <- prometheus.MustNewConstMetric(descLate, prometheus.CounterValue, float64(d.Late()))
}

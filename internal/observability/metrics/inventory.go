package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descPlugins = prometheus.NewDesc(
		namespace+"_plugins",
		"Registered plugins.",
		nil, nil,
	)
	descServices = prometheus.NewDesc(
		namespace+"_services",
		"Registered services by health status.",
		[]string{"health"}, nil,
	)
	descEdges = prometheus.NewDesc(
		namespace+"_dependency_edges",
		"depends_on edges in the current topology.",
		nil, nil,
	)
)

// Inventory 是拓扑层面的汇总计数。
type Inventory struct {
	Plugins           int
	Services          int
	HealthyServices   int
	UnhealthyServices int
	Edges             int
}

// InventorySource 在每次采集时提供最新计数。
type InventorySource func(ctx context.Context) (Inventory, error)

type inventoryCollector struct {
	source  InventorySource
	timeout time.Duration
}

var _ prometheus.Collector = &inventoryCollector{}

// NewInventoryCollector 创建按需计算拓扑计数的采集器。
func NewInventoryCollector(source InventorySource) prometheus.Collector {
	return &inventoryCollector{source: source, timeout: 5 * time.Second}
}

// Describe implements the prometheus.Collector interface.
func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPlugins
	ch <- descServices
	ch <- descEdges
}

// Collect implements the prometheus.Collector interface.
func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	inv, err := c.source(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(descPlugins, prometheus.GaugeValue, float64(inv.Plugins))
	ch <- prometheus.MustNewConstMetric(descServices, prometheus.GaugeValue, float64(inv.HealthyServices), "healthy")
	ch <- prometheus.MustNewConstMetric(descServices, prometheus.GaugeValue, float64(inv.UnhealthyServices), "unhealthy")
	ch <- prometheus.MustNewConstMetric(descServices, prometheus.GaugeValue,
		float64(inv.Services-inv.HealthyServices-inv.UnhealthyServices), "unknown")
	ch <- prometheus.MustNewConstMetric(descEdges, prometheus.GaugeValue, float64(inv.Edges))
}

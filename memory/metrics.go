package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/arsenal/gpuheap/gpu"
)

// Collector exports a manager's arena and allocation statistics, labelled by heap kind
type Collector struct {
	manager *Manager

	arenas             *prometheus.Desc
	heapBytes          *prometheus.Desc
	allocations        *prometheus.Desc
	allocatedBytes     *prometheus.Desc
	insufficientMemory *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a collector for the manager. Metric names are prefixed with namespace.
func NewCollector(manager *Manager, namespace string) *Collector {
	labels := []string{"kind"}
	return &Collector{
		manager: manager,
		arenas: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory", "arenas"),
			"Number of live arenas",
			labels, nil),
		heapBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory", "heap_bytes"),
			"Total size of the heaps backing live arenas",
			labels, nil),
		allocations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory", "allocations"),
			"Number of live allocations",
			labels, nil),
		allocatedBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory", "allocated_bytes"),
			"Heap bytes reserved by live allocations, including buddy rounding",
			labels, nil),
		insufficientMemory: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory", "insufficient_memory_total"),
			"Number of allocation requests that failed with insufficient memory",
			labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.arenas
	ch <- c.heapBytes
	ch <- c.allocations
	ch <- c.allocatedBytes
	ch <- c.insufficientMemory
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, kind := range gpu.HeapKinds {
		kindStats := c.manager.HeapStatistics(kind)
		label := kind.String()

		ch <- prometheus.MustNewConstMetric(c.arenas, prometheus.GaugeValue, float64(kindStats.HeapCount), label)
		ch <- prometheus.MustNewConstMetric(c.heapBytes, prometheus.GaugeValue, float64(kindStats.HeapBytes), label)
		ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(kindStats.AllocationCount), label)
		ch <- prometheus.MustNewConstMetric(c.allocatedBytes, prometheus.GaugeValue, float64(kindStats.AllocationBytes), label)
		ch <- prometheus.MustNewConstMetric(c.insufficientMemory, prometheus.CounterValue, float64(c.manager.InsufficientMemoryCount(kind)), label)
	}
}

// Package diagnostics exports keystone's read-only snapshots: heap budgets, bindless slot pool
// occupancy and descriptor pool usage. It reads through small interfaces so it can report on a
// Context or on the individual subsystems.
package diagnostics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/keystone/bindless"
	"github.com/vkngwrapper/keystone/descriptors"
	"github.com/vkngwrapper/keystone/memutils"
)

type BudgetSource interface {
	SnapshotBudgets() []memutils.HeapBudget
	CurrentFrameIndex() int
}

type SlotSource interface {
	Stats() []bindless.PoolStats
}

type DescriptorSource interface {
	Stats() descriptors.Stats
}

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Budgets     BudgetSource
	Slots       SlotSource
	Descriptors DescriptorSource
}

var (
	heapBudgetDesc      = prometheus.NewDesc("keystone_heap_budget_bytes", "Bytes the process may use on the heap", []string{"heap"}, nil)
	heapUsageDesc       = prometheus.NewDesc("keystone_heap_usage_bytes", "Bytes the process is estimated to use on the heap", []string{"heap"}, nil)
	heapBlockBytesDesc  = prometheus.NewDesc("keystone_heap_block_bytes", "Bytes of device memory objects allocated on the heap", []string{"heap"}, nil)
	heapAllocBytesDesc  = prometheus.NewDesc("keystone_heap_allocation_bytes", "Bytes of buffers and images bound on the heap", []string{"heap"}, nil)
	heapBlocksDesc      = prometheus.NewDesc("keystone_heap_blocks", "Device memory objects allocated on the heap", []string{"heap"}, nil)
	heapAllocationsDesc = prometheus.NewDesc("keystone_heap_allocations", "Buffers and images bound on the heap", []string{"heap"}, nil)
	frameIndexDesc      = prometheus.NewDesc("keystone_frame_index", "Frame number the allocator was last told about", nil, nil)

	slotsDesc         = prometheus.NewDesc("keystone_bindless_slots", "Bindless slots by state", []string{"pool", "state"}, nil)
	slotHighWaterDesc = prometheus.NewDesc("keystone_bindless_slot_high_water", "Most bindless slots ever live at once", []string{"pool"}, nil)
	slotCapacityDesc  = prometheus.NewDesc("keystone_bindless_slot_capacity", "Bindless slots the pool can hold", []string{"pool"}, nil)

	descriptorPoolsDesc = prometheus.NewDesc("keystone_descriptor_pools", "Descriptor pools by state", []string{"state"}, nil)
	descriptorSetsDesc  = prometheus.NewDesc("keystone_descriptor_sets_allocated", "Descriptor sets allocated since the pools were last cleared", nil, nil)
	descriptorGrowDesc  = prometheus.NewDesc("keystone_descriptor_pools_created_total", "Descriptor pools created", nil, nil)
)

// Collector is a prometheus.Collector over Sources
type Collector struct {
	sources Sources
}

var _ prometheus.Collector = &Collector{}

func NewCollector(sources Sources) *Collector {
	return &Collector{sources: sources}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	if c.sources.Budgets != nil {
		for _, desc := range []*prometheus.Desc{heapBudgetDesc, heapUsageDesc, heapBlockBytesDesc, heapAllocBytesDesc, heapBlocksDesc, heapAllocationsDesc, frameIndexDesc} {
			descs <- desc
		}
	}
	if c.sources.Slots != nil {
		descs <- slotsDesc
		descs <- slotHighWaterDesc
		descs <- slotCapacityDesc
	}
	if c.sources.Descriptors != nil {
		descs <- descriptorPoolsDesc
		descs <- descriptorSetsDesc
		descs <- descriptorGrowDesc
	}
}

func gauge(desc *prometheus.Desc, value int, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value), labels...)
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	if c.sources.Budgets != nil {
		for index, budget := range c.sources.Budgets.SnapshotBudgets() {
			heap := strconv.Itoa(index)
			metrics <- gauge(heapBudgetDesc, budget.Budget, heap)
			metrics <- gauge(heapUsageDesc, budget.Usage, heap)
			metrics <- gauge(heapBlockBytesDesc, budget.BlockBytes, heap)
			metrics <- gauge(heapAllocBytesDesc, budget.AllocationBytes, heap)
			metrics <- gauge(heapBlocksDesc, budget.BlockCount, heap)
			metrics <- gauge(heapAllocationsDesc, budget.AllocationCount, heap)
		}
		metrics <- gauge(frameIndexDesc, c.sources.Budgets.CurrentFrameIndex())
	}

	if c.sources.Slots != nil {
		for _, pool := range c.sources.Slots.Stats() {
			name := pool.Pool.String()
			metrics <- gauge(slotsDesc, pool.Live, name, "live")
			metrics <- gauge(slotsDesc, pool.Free, name, "free")
			metrics <- gauge(slotHighWaterDesc, pool.HighWater, name)
			metrics <- gauge(slotCapacityDesc, pool.Capacity, name)
		}
	}

	if c.sources.Descriptors != nil {
		stats := c.sources.Descriptors.Stats()
		metrics <- gauge(descriptorPoolsDesc, stats.ReadyPools, "ready")
		metrics <- gauge(descriptorPoolsDesc, stats.FullPools, "full")
		metrics <- gauge(descriptorSetsDesc, stats.AllocatedSets)
		metrics <- prometheus.MustNewConstMetric(descriptorGrowDesc, prometheus.CounterValue, float64(stats.PoolsCreated))
	}
}

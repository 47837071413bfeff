package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics counts device memory blocks and the allocations placed inside them
type Statistics struct {
	// BlockCount is the number of device memory objects
	BlockCount int
	// AllocationCount is the number of buffers and images bound to those objects
	AllocationCount int
	// BlockBytes is the total size of the device memory objects
	BlockBytes int
	// AllocationBytes is the total size of the bound buffers and images
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

func (s *Statistics) WriteJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

// HeapBudget is a read-only snapshot of one physical memory heap
type HeapBudget struct {
	Statistics
	// Usage is the number of bytes the process is estimated to be using on this heap
	Usage int
	// Budget is the number of bytes the process may use on this heap before the driver
	// starts to evict or fail allocations
	Budget int
}

func (b *HeapBudget) WriteJson(json *jwriter.ObjectState) {
	b.Statistics.WriteJson(json)
	json.Name("UsageBytes").Int(b.Usage)
	json.Name("BudgetBytes").Int(b.Budget)
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
	s.AllocationSizeMin = min(s.AllocationSizeMin, other.AllocationSizeMin)
	s.AllocationSizeMax = max(s.AllocationSizeMax, other.AllocationSizeMax)
}

func (s *DetailedStatistics) WriteJson(json *jwriter.ObjectState) {
	s.Statistics.WriteJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}

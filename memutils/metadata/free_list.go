package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/keystone/memutils"
)

type region struct {
	offset   int
	size     int
	free     bool
	allocTyp uint32
	userData any
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps every region of the block,
// allocated or free, in a single offset-sorted list. Adjacent free regions are always merged, so
// the list never holds two free regions next to each other.
//
// Allocation handles are the offset of the allocation within the block.
type FreeListBlockMetadata struct {
	size                  int
	allocationGranularity int
	granularityCheck      GranularityCheck

	regions         []region
	allocationCount int
	freeCount       int
	sumFreeSize     int
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates metadata for a block. If the memory system does not have
// granularity requirements, allocationGranularity should be 1 and granularityCheck nil.
func NewFreeListBlockMetadata(allocationGranularity int, granularityCheck GranularityCheck) *FreeListBlockMetadata {
	if allocationGranularity < 1 {
		allocationGranularity = 1
	}

	return &FreeListBlockMetadata{
		allocationGranularity: allocationGranularity,
		granularityCheck:      granularityCheck,
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	m.size = size
	m.regions = append(m.regions[:0], region{offset: 0, size: size, free: true})
	m.allocationCount = 0
	m.freeCount = 1
	m.sumFreeSize = size
}

func (m *FreeListBlockMetadata) Size() int { return m.size }

func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocationCount }

func (m *FreeListBlockMetadata) FreeRegionsCount() int { return m.freeCount }

func (m *FreeListBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

func (m *FreeListBlockMetadata) IsEmpty() bool { return m.allocationCount == 0 }

func (m *FreeListBlockMetadata) Validate() error {
	offset := 0
	freeSize := 0
	freeCount := 0
	allocCount := 0
	prevFree := false

	for i, r := range m.regions {
		if r.offset != offset {
			return errors.Newf("region %d begins at offset %d but previous region ended at %d", i, r.offset, offset)
		}
		if r.size <= 0 {
			return errors.Newf("region %d has non-positive size %d", i, r.size)
		}

		if r.free {
			if prevFree {
				return errors.Newf("region %d is free and follows a free region", i)
			}
			freeSize += r.size
			freeCount++
		} else {
			allocCount++
		}

		prevFree = r.free
		offset += r.size
	}

	if offset != m.size {
		return errors.Newf("regions cover %d bytes of a %d byte block", offset, m.size)
	}
	if freeSize != m.sumFreeSize {
		return errors.Newf("free regions sum to %d bytes but %d bytes are recorded", freeSize, m.sumFreeSize)
	}
	if freeCount != m.freeCount {
		return errors.Newf("found %d free regions but %d are recorded", freeCount, m.freeCount)
	}
	if allocCount != m.allocationCount {
		return errors.Newf("found %d allocations but %d are recorded", allocCount, m.allocationCount)
	}

	return nil
}

func (m *FreeListBlockMetadata) conflicts(allocType uint32, neighbor region) bool {
	if m.allocationGranularity <= 1 || m.granularityCheck == nil || neighbor.free {
		return false
	}

	return m.granularityCheck(allocType, neighbor.allocTyp)
}

func (m *FreeListBlockMetadata) samePage(lowerEnd, upperOffset int) bool {
	granularity := uint(m.allocationGranularity)
	lastPage := memutils.AlignDown(lowerEnd-1, granularity)
	firstPage := memutils.AlignDown(upperOffset, granularity)
	return lastPage == firstPage
}

// fit returns the aligned offset that allocSize would occupy in region i, or -1 if it does not fit
func (m *FreeListBlockMetadata) fit(i int, allocSize int, allocAlignment uint, allocType uint32) int {
	r := m.regions[i]
	offset := memutils.AlignUp(r.offset, allocAlignment)

	if i > 0 && m.conflicts(allocType, m.regions[i-1]) {
		prev := m.regions[i-1]
		if m.samePage(prev.offset+prev.size, offset) {
			offset = memutils.AlignUp(offset, uint(m.allocationGranularity))
		}
	}

	end := offset + allocSize
	if end > r.offset+r.size {
		return -1
	}

	if i+1 < len(m.regions) && m.conflicts(allocType, m.regions[i+1]) {
		if m.samePage(end, m.regions[i+1].offset) {
			return -1
		}
	}

	return offset
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, allocType uint32, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.Newf("invalid allocation size %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}

	if allocSize > m.sumFreeSize {
		return false, AllocationRequest{}, nil
	}

	best := AllocationRequest{regionIndex: -1}
	bestSize := 0

	for i := range m.regions {
		r := m.regions[i]
		if !r.free || r.size < allocSize {
			continue
		}

		offset := m.fit(i, allocSize, allocAlignment, allocType)
		if offset < 0 {
			continue
		}

		if strategy == AllocationStrategyMinOffset {
			return true, AllocationRequest{Offset: offset, Size: allocSize, regionIndex: i}, nil
		}

		if best.regionIndex < 0 || r.size < bestSize {
			best = AllocationRequest{Offset: offset, Size: allocSize, regionIndex: i}
			bestSize = r.size
		}
	}

	return best.regionIndex >= 0, best, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) (BlockAllocationHandle, error) {
	i := request.regionIndex
	if i < 0 || i >= len(m.regions) {
		return NoAllocation, errors.New("allocation request does not refer to a region of this block")
	}

	r := m.regions[i]
	if !r.free || request.Offset < r.offset || request.Offset+request.Size > r.offset+r.size {
		return NoAllocation, errors.Newf("allocation request at offset %d no longer fits its region", request.Offset)
	}

	replacement := make([]region, 0, 3)
	m.freeCount--
	m.sumFreeSize -= r.size

	if padding := request.Offset - r.offset; padding > 0 {
		replacement = append(replacement, region{offset: r.offset, size: padding, free: true})
		m.freeCount++
		m.sumFreeSize += padding
	}

	replacement = append(replacement, region{
		offset:   request.Offset,
		size:     request.Size,
		allocTyp: allocType,
		userData: userData,
	})

	if tail := r.offset + r.size - (request.Offset + request.Size); tail > 0 {
		replacement = append(replacement, region{offset: request.Offset + request.Size, size: tail, free: true})
		m.freeCount++
		m.sumFreeSize += tail
	}

	m.regions = append(m.regions[:i], append(replacement, m.regions[i+1:]...)...)
	m.allocationCount++

	memutils.DebugValidate(m)
	return BlockAllocationHandle(request.Offset), nil
}

func (m *FreeListBlockMetadata) find(allocHandle BlockAllocationHandle) (int, error) {
	offset := int(allocHandle)
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].offset >= offset
	})

	if i >= len(m.regions) || m.regions[i].offset != offset || m.regions[i].free {
		return -1, errors.Newf("no live allocation with handle %d", allocHandle)
	}
	return i, nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	i, err := m.find(allocHandle)
	if err != nil {
		return err
	}

	m.allocationCount--
	m.regions[i] = region{offset: m.regions[i].offset, size: m.regions[i].size, free: true}
	m.freeCount++
	m.sumFreeSize += m.regions[i].size

	// Merge with the following region, then with the preceding one
	if i+1 < len(m.regions) && m.regions[i+1].free {
		m.regions[i].size += m.regions[i+1].size
		m.regions = append(m.regions[:i+1], m.regions[i+2:]...)
		m.freeCount--
	}
	if i > 0 && m.regions[i-1].free {
		m.regions[i-1].size += m.regions[i].size
		m.regions = append(m.regions[:i], m.regions[i+1:]...)
		m.freeCount--
	}

	memutils.DebugValidate(m)
	return nil
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	i, err := m.find(allocHandle)
	if err != nil {
		return 0, err
	}
	return m.regions[i].offset, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	i, err := m.find(allocHandle)
	if err != nil {
		return nil, err
	}
	return m.regions[i].userData, nil
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for _, r := range m.regions {
		handle := BlockAllocationHandle(r.offset)
		if r.free {
			handle = NoAllocation
		}

		if err := handleBlock(handle, r.offset, r.size, r.userData, r.free); err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for _, r := range m.regions {
		if r.free {
			stats.AddUnusedRange(r.size)
		} else {
			stats.AddAllocation(r.size)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.size - m.sumFreeSize
}

func (m *FreeListBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.sumFreeSize)
	json.Name("Allocations").Int(m.allocationCount)
	json.Name("UnusedRanges").Int(m.freeCount)
}

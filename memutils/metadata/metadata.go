package metadata

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/keystone/memutils"
)

// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// AllocationStrategy chooses between the free regions able to hold a new allocation
type AllocationStrategy uint32

const (
	// AllocationStrategyMinOffset chooses the lowest offset that fits. This is the default.
	AllocationStrategyMinOffset AllocationStrategy = iota
	// AllocationStrategyMinMemory chooses the smallest free region that fits, which keeps large
	// regions intact for large allocations at the expense of a full scan
	AllocationStrategyMinMemory
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinOffset: "MinOffset",
	AllocationStrategyMinMemory: "MinMemory",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}

// GranularityCheck reports whether two allocation types may not share a granularity page. The
// memory system consuming the metadata decides what the allocation types mean.
type GranularityCheck func(allocType, neighborType uint32) bool

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where the
// metadata intends to place an allocation. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	Offset int
	Size   int

	regionIndex int
}

// BlockMetadata tracks the suballocations of a single large block of memory
type BlockMetadata interface {
	Init(size int)
	Size() int

	Validate() error
	AllocationCount() int
	FreeRegionsCount() int
	SumFreeSize() int
	IsEmpty() bool

	CreateAllocationRequest(allocSize int, allocAlignment uint, allocType uint32, strategy AllocationStrategy) (bool, AllocationRequest, error)
	Alloc(request AllocationRequest, allocType uint32, userData any) (BlockAllocationHandle, error)
	Free(allocHandle BlockAllocationHandle) error

	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	AddStatistics(stats *memutils.Statistics)
	BlockJsonData(json jwriter.ObjectState)
}

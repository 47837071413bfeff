package memory

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/memory/internal/heap"
	"github.com/vkngwrapper/keystone/memutils/metadata"
)

type allocationKind uint32

const (
	allocationKindBlock allocationKind = iota + 1
	allocationKindDedicated
)

var allocationKindMapping = map[allocationKind]string{
	allocationKindBlock:     "Block",
	allocationKindDedicated: "Dedicated",
}

func (k allocationKind) String() string {
	return allocationKindMapping[k]
}

// suballocationType identifies what a suballocation holds, for buffer-image granularity checks
type suballocationType uint32

const (
	suballocationBuffer suballocationType = iota + 1
	suballocationImageLinear
	suballocationImageOptimal
)

var suballocationTypeMapping = map[suballocationType]string{
	suballocationBuffer:       "Buffer",
	suballocationImageLinear:  "ImageLinear",
	suballocationImageOptimal: "ImageOptimal",
}

func (t suballocationType) String() string {
	return suballocationTypeMapping[t]
}

// granularityConflict reports whether two suballocation types must live on different
// bufferImageGranularity pages: linear resources may not share a page with optimal images
func granularityConflict(allocType, neighborType uint32) bool {
	a, b := suballocationType(allocType), suballocationType(neighborType)
	if a > b {
		a, b = b, a
	}

	return b == suballocationImageOptimal && a != suballocationImageOptimal
}

// Allocation is a range of device memory backing one buffer or image. It is either a
// suballocation of a larger memory block or a dedicated memory object of its own. An Allocation
// is freed exactly once, by Allocator.DestroyBuffer or Allocator.DestroyImage.
type Allocation struct {
	allocator *Allocator

	kind            allocationKind
	suballocType    suballocationType
	size            int
	alignment       uint
	memoryTypeIndex int
	frameIndex      int
	name            string

	memory      *heap.SynchronizedMemory
	offset      int
	block       *deviceMemoryBlock
	blockHandle metadata.BlockAllocationHandle

	persistentMap bool
	mapCount      int
	freed         bool

	prevDedicated *Allocation
	nextDedicated *Allocation
}

func (a *Allocation) Size() int { return a.size }

func (a *Allocation) Offset() int { return a.offset }

func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

func (a *Allocation) Memory() hal.Memory { return a.memory.Memory() }

func (a *Allocation) IsDedicated() bool { return a.kind == allocationKindDedicated }

// FrameIndex is the allocator's current frame index when the allocation was made
func (a *Allocation) FrameIndex() int { return a.frameIndex }

func (a *Allocation) Name() string { return a.name }

func (a *Allocation) SetName(name string) { a.name = name }

// MappedData returns the persistent host pointer to the start of the allocation, or nil if the
// allocation is not currently mapped
func (a *Allocation) MappedData() unsafe.Pointer {
	if a.mapCount == 0 && !a.persistentMap {
		return nil
	}

	data := a.memory.MappedData()
	if data == nil {
		return nil
	}

	return unsafe.Add(data, a.offset)
}

func (a *Allocation) mapReferences() int {
	references := a.mapCount
	if a.persistentMap {
		references++
	}
	return references
}

func (a *Allocation) mapMemory() (unsafe.Pointer, error) {
	if a.mapCount == 0xffffffff {
		return nil, errors.New("allocation mapped too many times simultaneously")
	}

	data, err := a.memory.Map(1)
	if err != nil {
		return nil, err
	}

	a.mapCount++
	return unsafe.Add(data, a.offset), nil
}

func (a *Allocation) unmapMemory() error {
	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that was not previously mapped")
	}

	err := a.memory.Unmap(1)
	if err != nil {
		return err
	}

	a.mapCount--
	return nil
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocType.String())
	json.Name("Kind").String(a.kind.String())
	json.Name("Size").Int(a.size)
	json.Name("Offset").Int(a.offset)
	json.Name("MemoryType").Int(a.memoryTypeIndex)
	json.Name("FrameIndex").Int(a.frameIndex)
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

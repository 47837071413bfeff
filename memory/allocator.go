package memory

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/internal/utils"
	"github.com/vkngwrapper/keystone/memory/internal/heap"
	"github.com/vkngwrapper/keystone/memutils"
	"golang.org/x/exp/slog"
)

// Allocator places buffers and images in device memory. Small resources are suballocated from
// large per-memory-type blocks; large ones get a memory object of their own.
type Allocator struct {
	logger       *slog.Logger
	device       hal.Device
	deviceMemory *heap.DeviceMemoryProperties
	useMutex     bool

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32

	memoryBlockLists     [common.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [common.MaxMemoryTypes]*dedicatedAllocationList

	currentFrameIndex atomic.Uint32

	budgetMutex utils.OptionalRWMutex
	budgets     []memutils.HeapBudget
}

func (a *Allocator) findMemoryPreferences(
	flags allocationCreateFlags,
	deviceAccess bool,
) (requiredFlags, preferredFlags, notPreferredFlags core1_0.MemoryPropertyFlags) {
	isIntegratedGPU := a.deviceMemory.IsIntegratedGPU()

	hostAccessSequentialWrite := flags&createHostAccessSequentialWrite != 0
	hostAccessRandom := flags&createHostAccessRandom != 0
	hostAccessAllowTransferInstead := flags&createHostAccessAllowTransferInstead != 0

	if hostAccessRandom {
		// Other CPU-accessible memory
		requiredFlags |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached
	} else if hostAccessSequentialWrite {
		// Uncached write-combined memory
		notPreferredFlags |= core1_0.MemoryPropertyHostCached

		if !isIntegratedGPU && deviceAccess && hostAccessAllowTransferInstead {
			// Sequential write against memory that lives on the device, transfers are allowed so it
			// doesn't have to be host visible
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible
		} else {
			// CPU must have write access
			requiredFlags |= core1_0.MemoryPropertyHostVisible

			if deviceAccess {
				preferredFlags |= core1_0.MemoryPropertyDeviceLocal
			} else {
				// No direct GPU access needed
				notPreferredFlags |= core1_0.MemoryPropertyDeviceLocal
			}
		}
	} else {
		// No CPU access required
		preferredFlags |= core1_0.MemoryPropertyDeviceLocal
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	flags allocationCreateFlags,
	deviceAccess bool,
) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(flags, deviceAccess)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		memTypeFlags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&memTypeFlags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^memTypeFlags
		presentNotPreferredFlags := notPreferredFlags & memTypeFlags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Mark(
			errors.Newf("no memory type among bits %b has the required properties %s", memoryTypeBits, requiredFlags),
			hal.ErrOutOfDeviceMemory,
		)
	}

	return bestMemoryTypeIndex, nil
}

// allocateMemory finds the best memory type for the requirements and allocates from it, moving
// on to the next best type whenever an allocation fails
func (a *Allocator) allocateMemory(
	requirements core1_0.MemoryRequirements,
	flags allocationCreateFlags,
	deviceAccess bool,
	allocType suballocationType,
	name string,
) (*Allocation, error) {
	if requirements.Size < 1 {
		return nil, errors.Newf("invalid memory requirement size %d", requirements.Size)
	}
	memutils.DebugCheckPow2(uint(requirements.Alignment), "requirements.Alignment")

	memoryTypeBits := requirements.MemoryTypeBits
	memTypeIndex, err := a.findMemoryTypeIndex(memoryTypeBits, flags, deviceAccess)
	if err != nil {
		return nil, err
	}

	for {
		alloc := &Allocation{allocator: a, name: name, frameIndex: a.CurrentFrameIndex()}
		allocErr := a.allocateMemoryOfType(requirements.Size, uint(requirements.Alignment), flags, memTypeIndex, allocType, alloc)
		if allocErr == nil {
			return alloc, nil
		}

		// Remove old memTypeIndex from list of possibilities and find a new one
		memoryTypeBits &= ^(1 << memTypeIndex)
		memTypeIndex, err = a.findMemoryTypeIndex(memoryTypeBits, flags, deviceAccess)
		if err != nil {
			// No other matching memory type index could be found, return the last allocation error
			return nil, allocErr
		}
	}
}

func (a *Allocator) allocateMemoryOfType(
	size int,
	alignment uint,
	flags allocationCreateFlags,
	memTypeIndex int,
	allocType suballocationType,
	outAlloc *Allocation,
) error {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::allocateMemoryOfType",
		slog.Int("MemoryTypeIndex", memTypeIndex),
		slog.Int("AllocationSize", size),
		slog.Int("FrameIndex", outAlloc.frameIndex),
	)

	blockList := a.memoryBlockLists[memTypeIndex]
	if blockList == nil {
		return errors.Newf("memory type %d is not in use by the allocator", memTypeIndex)
	}

	// Heuristic: allocate dedicated memory if requested size is greater than half of preferred block size
	dedicated := flags&createDedicatedMemory != 0 || size > blockList.preferredBlockSize/2

	var err error
	if !dedicated {
		err = blockList.Allocate(size, alignment, allocType, outAlloc)
		if err != nil && !errors.Is(err, hal.ErrOutOfDeviceMemory) {
			return err
		}
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Block allocation failed, trying dedicated memory", slog.Any("error", err))
		}
	}

	if dedicated || err != nil {
		err = a.allocateDedicatedMemory(size, memTypeIndex, allocType, outAlloc)
		if err != nil {
			return err
		}
	}

	if flags&createMapped != 0 && a.deviceMemory.IsMemoryTypeHostVisible(memTypeIndex) {
		_, err = outAlloc.memory.Map(1)
		if err != nil {
			freeErr := a.freeMemory(outAlloc)
			if freeErr != nil {
				panic(errors.CombineErrors(err, freeErr))
			}
			return err
		}
		outAlloc.persistentMap = true
	}

	return nil
}

func (a *Allocator) allocateDedicatedMemory(
	size int,
	memTypeIndex int,
	allocType suballocationType,
	outAlloc *Allocation,
) error {
	memory, err := a.deviceMemory.AllocateDeviceMemory(memTypeIndex, size)
	if err != nil {
		return err
	}

	outAlloc.kind = allocationKindDedicated
	outAlloc.suballocType = allocType
	outAlloc.size = size
	outAlloc.alignment = 1
	outAlloc.memoryTypeIndex = memTypeIndex
	outAlloc.memory = memory
	outAlloc.offset = 0

	a.dedicatedAllocations[memTypeIndex].Register(outAlloc)

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)
	a.deviceMemory.AddAllocation(heapIndex, size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated DedicatedMemory",
		slog.Int("MemoryTypeIndex", memTypeIndex),
		slog.Int("Size", size),
	)
	return nil
}

func (a *Allocator) freeMemory(alloc *Allocation) error {
	if alloc.freed {
		err := errors.AssertionFailedf("allocation %q freed twice", alloc.name)
		memutils.DebugFail(err)
		return err
	}

	if references := alloc.mapReferences(); references > 0 {
		err := alloc.memory.Unmap(references)
		if err != nil {
			return err
		}
		alloc.persistentMap = false
		alloc.mapCount = 0
	}

	switch alloc.kind {
	case allocationKindBlock:
		err := a.memoryBlockLists[alloc.memoryTypeIndex].Free(alloc)
		if err != nil {
			return err
		}
	case allocationKindDedicated:
		a.dedicatedAllocations[alloc.memoryTypeIndex].Unregister(alloc)
		a.deviceMemory.FreeDeviceMemory(alloc.memory)

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex)
		a.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	default:
		return errors.AssertionFailedf("allocation has unknown kind %d", alloc.kind)
	}

	alloc.freed = true
	alloc.memory = nil
	alloc.block = nil
	return nil
}

// CreateBuffer creates a buffer of capacity bytes and binds it to newly allocated memory. Usage
// is validated first: an invalid combination fails with ErrInvalidUsageCombination before anything
// is created or allocated.
func (a *Allocator) CreateBuffer(capacity int, usage BufferUsageFlags) (hal.Buffer, *Allocation, error) {
	return a.createBuffer(capacity, usage, "")
}

func (a *Allocator) createBuffer(capacity int, usage BufferUsageFlags, name string) (hal.Buffer, *Allocation, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::CreateBuffer",
		slog.Int("Capacity", capacity),
		slog.String("Usage", usage.String()),
	)

	err := usage.Validate()
	if err != nil {
		return nil, nil, err
	}

	if capacity < 1 {
		return nil, nil, errors.Newf("invalid buffer capacity %d", capacity)
	}

	buffer, err := a.device.CreateBuffer(hal.BufferCreateInfo{Size: capacity, Usage: usage.NativeUsage()})
	if err != nil {
		return nil, nil, err
	}

	alloc, err := a.allocateMemory(buffer.MemoryRequirements(), usage.createFlags(), usage.deviceAccess(), suballocationBuffer, name)
	if err != nil {
		buffer.Destroy()
		return nil, nil, err
	}

	err = buffer.Bind(alloc.memory.Memory(), alloc.offset)
	if err != nil {
		buffer.Destroy()
		freeErr := a.freeMemory(alloc)
		if freeErr != nil {
			panic(errors.CombineErrors(err, freeErr))
		}
		return nil, nil, err
	}

	a.refreshBudgets()
	return buffer, alloc, nil
}

// DestroyBuffer destroys a buffer and frees its memory. The caller guarantees the GPU is done
// with the buffer.
func (a *Allocator) DestroyBuffer(buffer hal.Buffer, alloc *Allocation) error {
	a.logger.Debug("Allocator::DestroyBuffer")

	if alloc == nil || alloc.freed {
		err := errors.AssertionFailedf("buffer destroyed with a nil or already freed allocation")
		memutils.DebugFail(err)
		return err
	}

	if buffer != nil {
		buffer.Destroy()
	}

	err := a.freeMemory(alloc)
	if err != nil {
		return err
	}

	a.refreshBudgets()
	return nil
}

// CreateImage creates an image and binds it to newly allocated device-local memory
func (a *Allocator) CreateImage(descriptor ImageDescriptor) (hal.Image, *Allocation, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::CreateImage",
		slog.Int("Width", descriptor.Extent.Width),
		slog.Int("Height", descriptor.Extent.Height),
		slog.String("Usage", descriptor.Usage.String()),
	)

	info, err := descriptor.createInfo()
	if err != nil {
		return nil, nil, err
	}

	image, err := a.device.CreateImage(info)
	if err != nil {
		return nil, nil, err
	}

	allocType := suballocationImageOptimal
	if info.Tiling == core1_0.ImageTilingLinear {
		allocType = suballocationImageLinear
	}

	alloc, err := a.allocateMemory(image.MemoryRequirements(), 0, true, allocType, descriptor.Name)
	if err != nil {
		image.Destroy()
		return nil, nil, err
	}

	err = image.Bind(alloc.memory.Memory(), alloc.offset)
	if err != nil {
		image.Destroy()
		freeErr := a.freeMemory(alloc)
		if freeErr != nil {
			panic(errors.CombineErrors(err, freeErr))
		}
		return nil, nil, err
	}

	a.refreshBudgets()
	return image, alloc, nil
}

func (a *Allocator) DestroyImage(image hal.Image, alloc *Allocation) error {
	a.logger.Debug("Allocator::DestroyImage")

	if alloc == nil || alloc.freed {
		err := errors.AssertionFailedf("image destroyed with a nil or already freed allocation")
		memutils.DebugFail(err)
		return err
	}

	if image != nil {
		image.Destroy()
	}

	err := a.freeMemory(alloc)
	if err != nil {
		return err
	}

	a.refreshBudgets()
	return nil
}

// IsMappable reports whether the allocation lives in host-visible memory
func (a *Allocator) IsMappable(alloc *Allocation) bool {
	return a.deviceMemory.IsMemoryTypeHostVisible(alloc.memoryTypeIndex)
}

// Map returns a host pointer to the start of the allocation. Every successful Map must be
// balanced by an Unmap. Allocations in memory that is not host visible fail with ErrNotMappable.
func (a *Allocator) Map(alloc *Allocation) (unsafe.Pointer, error) {
	if !a.IsMappable(alloc) {
		return nil, errors.Wrapf(ErrNotMappable, "memory type %d", alloc.memoryTypeIndex)
	}

	return alloc.mapMemory()
}

// Unmap releases a reference taken by Map. Non-coherent memory is flushed first.
func (a *Allocator) Unmap(alloc *Allocation) error {
	err := a.Flush(alloc, 0, alloc.size)
	if err != nil {
		return err
	}

	return alloc.unmapMemory()
}

// Flush makes host writes to a range of the allocation visible to the device. It is a no-op on
// coherent memory.
func (a *Allocator) Flush(alloc *Allocation, offset, size int) error {
	return a.deviceMemory.FlushOrInvalidate(alloc.memory, alloc.offset+offset, size, heap.CacheOperationFlush)
}

// Invalidate makes device writes to a range of the allocation visible to the host. It is a no-op
// on coherent memory.
func (a *Allocator) Invalidate(alloc *Allocation, offset, size int) error {
	return a.deviceMemory.FlushOrInvalidate(alloc.memory, alloc.offset+offset, size, heap.CacheOperationInvalidate)
}

// SetCurrentFrameIndex records the frame the renderer is working on. Allocations remember the
// frame they were made in.
func (a *Allocator) SetCurrentFrameIndex(frameIndex int) {
	a.currentFrameIndex.Store(uint32(frameIndex))

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::SetCurrentFrameIndex", slog.Int("FrameIndex", frameIndex))
	a.refreshBudgets()
}

func (a *Allocator) CurrentFrameIndex() int {
	return int(a.currentFrameIndex.Load())
}

func (a *Allocator) refreshBudgets() {
	a.budgetMutex.Lock()
	defer a.budgetMutex.Unlock()

	a.deviceMemory.HeapBudgets(a.budgets)
}

// SnapshotBudgets returns a copy of the per-heap budgets as of the last allocation, free or frame
// index change
func (a *Allocator) SnapshotBudgets() []memutils.HeapBudget {
	a.budgetMutex.RLock()
	defer a.budgetMutex.RUnlock()

	return append([]memutils.HeapBudget(nil), a.budgets...)
}

// MemoryProperties returns the memory types and heaps of the device
func (a *Allocator) MemoryProperties() hal.MemoryProperties {
	return a.device.MemoryProperties()
}

// CalculateStatistics fills statistics for every memory type and heap plus the total
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	stats.Total.Clear()
	stats.MemoryTypes = make([]memutils.DetailedStatistics, a.deviceMemory.MemoryTypeCount())
	stats.MemoryHeaps = make([]memutils.DetailedStatistics, a.deviceMemory.MemoryHeapCount())
	for i := range stats.MemoryTypes {
		stats.MemoryTypes[i].Clear()
	}
	for i := range stats.MemoryHeaps {
		stats.MemoryHeaps[i].Clear()
	}

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		if a.memoryBlockLists[memTypeIndex] == nil {
			continue
		}

		a.memoryBlockLists[memTypeIndex].AddDetailedStatistics(&stats.MemoryTypes[memTypeIndex])
		a.dedicatedAllocations[memTypeIndex].AddDetailedStatistics(&stats.MemoryTypes[memTypeIndex])

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[memTypeIndex])
		stats.Total.AddDetailedStatistics(&stats.MemoryTypes[memTypeIndex])
	}
}

// AllocatorStatistics is filled by Allocator.CalculateStatistics
type AllocatorStatistics struct {
	MemoryTypes []memutils.DetailedStatistics
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// BuildStatsString returns a JSON document describing the allocator's heaps, memory types and,
// when detailedMap is set, every block and suballocation
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)
	budgets := a.SnapshotBudgets()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("CurrentFrameIndex").Int(a.CurrentFrameIndex())

	totalState := objState.Name("Total").Object()
	stats.Total.WriteJson(&totalState)
	totalState.End()

	heapsState := objState.Name("MemoryHeaps").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heapInfo := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapState := heapsState.Name(heapName(heapIndex)).Object()
		heapState.Name("Flags").String(heapInfo.Flags.String())
		heapState.Name("Size").Int(heapInfo.Size)

		budgetState := heapState.Name("Budget").Object()
		budgets[heapIndex].WriteJson(&budgetState)
		budgetState.End()

		statsState := heapState.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].WriteJson(&statsState)
		statsState.End()

		typesState := heapState.Name("MemoryPools").Object()
		for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex) != heapIndex {
				continue
			}

			typeState := typesState.Name(typeName(memTypeIndex)).Object()
			typeState.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags.String())

			typeStatsState := typeState.Name("Stats").Object()
			stats.MemoryTypes[memTypeIndex].WriteJson(&typeStatsState)
			typeStatsState.End()

			if detailedMap && a.memoryBlockLists[memTypeIndex] != nil {
				blocksState := typeState.Name("Blocks").Object()
				a.memoryBlockLists[memTypeIndex].PrintDetailedMap(&blocksState)
				blocksState.End()

				a.dedicatedAllocations[memTypeIndex].BuildStatsString(&typeState)
			}

			typeState.End()
		}
		typesState.End()
		heapState.End()
	}
	heapsState.End()

	objState.End()
	return string(writer.Bytes())
}

func heapName(heapIndex int) string {
	return fmt.Sprintf("Heap %d", heapIndex)
}

func typeName(memTypeIndex int) string {
	return fmt.Sprintf("Type %d", memTypeIndex)
}

package memory

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/internal/utils"
	"github.com/vkngwrapper/keystone/memory/internal/heap"
	"github.com/vkngwrapper/keystone/memutils"
	"github.com/vkngwrapper/keystone/memutils/metadata"
	"golang.org/x/exp/slog"
)

const maxNewBlockSizeShift = 3

// memoryBlockList holds every block of a single memory type
type memoryBlockList struct {
	logger       *slog.Logger
	deviceMemory *heap.DeviceMemoryProperties

	memoryTypeIndex        int
	preferredBlockSize     int
	granularity            int
	minAllocationAlignment uint
	strategy               metadata.AllocationStrategy

	mutex       utils.OptionalRWMutex
	blocks      []*deviceMemoryBlock
	nextBlockID int
}

func newMemoryBlockList(
	logger *slog.Logger,
	deviceMemory *heap.DeviceMemoryProperties,
	useMutex bool,
	memoryTypeIndex int,
	preferredBlockSize int,
	strategy metadata.AllocationStrategy,
) *memoryBlockList {
	return &memoryBlockList{
		logger:                 logger,
		deviceMemory:           deviceMemory,
		memoryTypeIndex:        memoryTypeIndex,
		preferredBlockSize:     preferredBlockSize,
		granularity:            deviceMemory.CalculateBufferImageGranularity(),
		minAllocationAlignment: deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex),
		strategy:               strategy,
		mutex:                  utils.OptionalRWMutex{UseMutex: useMutex},
	}
}

func (l *memoryBlockList) Validate() error {
	for _, block := range l.blocks {
		if block == nil {
			return errors.New("a nil block was found in this block list")
		}
		if err := block.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) BlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks)
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for _, block := range l.blocks {
		result = max(result, block.metadata.Size())
		if result >= l.preferredBlockSize {
			break
		}
	}
	return result
}

// Allocate places size bytes in an existing block or, failing that, a new one. The returned
// error is marked with hal.ErrOutOfDeviceMemory when no block could hold the allocation.
func (l *memoryBlockList) Allocate(size int, alignment uint, allocType suballocationType, outAlloc *Allocation) error {
	alignment = memutils.MaxAlignment(alignment, l.minAllocationAlignment)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	// Early reject: requested allocation size is larger than maximum block size for this block list
	if size > l.preferredBlockSize {
		return errors.Mark(errors.Newf("allocation of %d bytes is larger than the %d byte block size", size, l.preferredBlockSize), hal.ErrOutOfDeviceMemory)
	}

	// 1. Search existing blocks
	for _, block := range l.blocks {
		success, err := l.allocFromBlock(block, size, alignment, allocType, outAlloc)
		if err != nil {
			return err
		} else if success {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", block.id))
			return nil
		}
	}

	// 2. Try to create a new block
	newBlockSize := l.preferredBlockSize
	newBlockSizeShift := 0
	maxExistingBlockSize := l.calcMaxBlockSize()

	for i := 0; i < maxNewBlockSizeShift; i++ {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
			newBlockSize = smallerNewBlockSize
			newBlockSizeShift++
		} else {
			break
		}
	}

	block, err := l.createBlock(newBlockSize)
	for err != nil && newBlockSizeShift < maxNewBlockSizeShift {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize < size {
			break
		}

		newBlockSize = smallerNewBlockSize
		newBlockSizeShift++
		block, err = l.createBlock(newBlockSize)
	}
	if err != nil {
		return err
	}

	success, err := l.allocFromBlock(block, size, alignment, allocType, outAlloc)
	if err != nil {
		return err
	} else if !success {
		panic(fmt.Sprintf("created block %d of size %d to hold an allocation of size %d but the allocation did not fit", block.id, block.metadata.Size(), size))
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block", slog.Int("block.id", block.id), slog.Int("block.size", newBlockSize))
	return nil
}

func (l *memoryBlockList) createBlock(blockSize int) (*deviceMemoryBlock, error) {
	memory, err := l.deviceMemory.AllocateDeviceMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return nil, err
	}

	block := newDeviceMemoryBlock(l.nextBlockID, l.memoryTypeIndex, memory, l.granularity)
	l.nextBlockID++
	l.blocks = append(l.blocks, block)

	return block, nil
}

func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, allocType suballocationType, outAlloc *Allocation) (bool, error) {
	success, request, err := block.metadata.CreateAllocationRequest(size, alignment, uint32(allocType), l.strategy)
	if err != nil || !success {
		return false, err
	}

	handle, err := block.metadata.Alloc(request, uint32(allocType), outAlloc)
	if err != nil {
		return false, err
	}

	outAlloc.kind = allocationKindBlock
	outAlloc.suballocType = allocType
	outAlloc.size = size
	outAlloc.alignment = alignment
	outAlloc.memoryTypeIndex = l.memoryTypeIndex
	outAlloc.memory = block.memory
	outAlloc.offset = request.Offset
	outAlloc.block = block
	outAlloc.blockHandle = handle

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, size)

	memutils.DebugValidate(block)
	return true, nil
}

// Free returns an allocation to its block. At most one empty block is kept for reuse; any other
// block that becomes empty is released to the device.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	blockToDelete, err := l.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.destroy(l.deviceMemory)
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
	}

	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (*deviceMemoryBlock, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.block
	err := block.metadata.Free(alloc.blockHandle)
	if err != nil {
		return nil, err
	}
	memutils.DebugValidate(block)

	if !block.metadata.IsEmpty() {
		return nil, nil
	}

	for _, other := range l.blocks {
		if other != block && other.metadata.IsEmpty() {
			l.removeBlock(block)
			return block, nil
		}
	}

	return nil, nil
}

func (l *memoryBlockList) removeBlock(block *deviceMemoryBlock) {
	for i, candidate := range l.blocks {
		if candidate == block {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			return
		}
	}
}

// Destroy releases every block. Every allocation must already have been freed.
func (l *memoryBlockList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, block := range l.blocks {
		if err := block.destroy(l.deviceMemory); err != nil {
			return err
		}
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		objState := json.Name(fmt.Sprintf("%d", block.id)).Object()
		objState.Name("MapRefCount").Int(block.memory.References())
		block.metadata.BlockJsonData(objState)

		suballocations := objState.Name("Suballocations").Array()
		err := block.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			region := suballocations.Object()
			defer region.End()

			if free {
				region.Name("Type").String("Free")
				region.Name("Offset").Int(offset)
				region.Name("Size").Int(size)
				return nil
			}

			alloc, ok := userData.(*Allocation)
			if !ok {
				return errors.Newf("suballocation at offset %d has no allocation", offset)
			}
			alloc.printParameters(&region)
			return nil
		})
		if err != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelError, "Allocator::PrintDetailedMap", slog.Any("error", err))
		}
		suballocations.End()
		objState.End()
	}
}

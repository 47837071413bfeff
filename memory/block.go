package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/memory/internal/heap"
	"github.com/vkngwrapper/keystone/memutils"
	"github.com/vkngwrapper/keystone/memutils/metadata"
)

// deviceMemoryBlock is a single memory object that suballocations are carved out of
type deviceMemoryBlock struct {
	id              int
	memoryTypeIndex int
	memory          *heap.SynchronizedMemory
	metadata        metadata.BlockMetadata
}

func newDeviceMemoryBlock(id, memoryTypeIndex int, memory *heap.SynchronizedMemory, granularity int) *deviceMemoryBlock {
	blockMetadata := metadata.NewFreeListBlockMetadata(granularity, granularityConflict)
	blockMetadata.Init(memory.Memory().Size())

	return &deviceMemoryBlock{
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		memory:          memory,
		metadata:        blockMetadata,
	}
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.Newf("block %d has no memory", b.id)
	}
	if b.metadata.Size() != b.memory.Memory().Size() {
		return errors.Newf("block %d metadata size %d does not match its memory size %d", b.id, b.metadata.Size(), b.memory.Memory().Size())
	}

	return b.metadata.Validate()
}

func (b *deviceMemoryBlock) destroy(deviceMemory *heap.DeviceMemoryProperties) error {
	if !b.metadata.IsEmpty() {
		return errors.Newf("attempted to destroy block %d while it still holds %d allocations", b.id, b.metadata.AllocationCount())
	}

	memutils.DebugValidate(b)
	deviceMemory.FreeDeviceMemory(b.memory)
	b.memory = nil
	return nil
}

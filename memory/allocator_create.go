package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/internal/utils"
	"github.com/vkngwrapper/keystone/memory/internal/heap"
	"github.com/vkngwrapper/keystone/memutils"
	"github.com/vkngwrapper/keystone/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// UseMutex makes the allocator's internal structures safe for concurrent use. Leave it false
	// only when every call happens from a single goroutine.
	UseMutex bool
	// PreferredLargeHeapBlockSize is the block size used on heaps larger than 1GiB. Defaults to
	// 256MiB when 0.
	PreferredLargeHeapBlockSize int
	// HeapSizeLimits caps the bytes allocated from each heap. It is either empty or has one entry
	// per heap, where 0 means no limit.
	HeapSizeLimits []int
	// Strategy chooses between free ranges inside a block. Defaults to the lowest offset.
	Strategy metadata.AllocationStrategy
}

const defaultLargeHeapBlockSize int = 256 * 1024 * 1024

// New creates an allocator for a device
func New(logger *slog.Logger, device hal.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("memory.New requires a logger")
	}

	deviceMemory, err := heap.NewDeviceMemoryProperties(options.UseMutex, device, options.HeapSizeLimits)
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:       logger,
		device:       device,
		deviceMemory: deviceMemory,
		useMutex:     options.UseMutex,
		budgetMutex:  utils.OptionalRWMutex{UseMutex: options.UseMutex},

		preferredLargeHeapBlockSize: options.PreferredLargeHeapBlockSize,
	}

	if allocator.preferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	}
	if allocator.preferredLargeHeapBlockSize < 0 {
		return nil, errors.Newf("memory.CreateOptions.PreferredLargeHeapBlockSize must not be negative, got %d", options.PreferredLargeHeapBlockSize)
	}

	allocator.globalMemoryTypeBits = deviceMemory.CalculateGlobalMemoryTypeBits()

	memTypeCount := deviceMemory.MemoryTypeCount()
	for memTypeIndex := 0; memTypeIndex < memTypeCount; memTypeIndex++ {
		if allocator.globalMemoryTypeBits&(1<<memTypeIndex) == 0 {
			continue
		}

		preferredBlockSize := allocator.calculatePreferredBlockSize(memTypeIndex)
		allocator.memoryBlockLists[memTypeIndex] = newMemoryBlockList(
			logger,
			deviceMemory,
			options.UseMutex,
			memTypeIndex,
			preferredBlockSize,
			options.Strategy,
		)
		allocator.dedicatedAllocations[memTypeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[memTypeIndex].Init(options.UseMutex)
	}

	allocator.budgets = make([]memutils.HeapBudget, deviceMemory.MemoryHeapCount())
	allocator.refreshBudgets()

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::New",
		slog.Int("memoryTypes", memTypeCount),
		slog.Int("memoryHeaps", deviceMemory.MemoryHeapCount()),
	)

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= heap.SmallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

// Destroy releases the memory blocks the allocator holds. Every buffer and image must have been
// destroyed first.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		if a.dedicatedAllocations[memTypeIndex] != nil && !a.dedicatedAllocations[memTypeIndex].IsEmpty() {
			return errors.Newf("memory type %d still has dedicated allocations that were never freed", memTypeIndex)
		}
	}

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		if a.memoryBlockLists[memTypeIndex] == nil {
			continue
		}

		err := a.memoryBlockLists[memTypeIndex].Destroy()
		if err != nil {
			return errors.Wrapf(err, "memory type %d", memTypeIndex)
		}
	}

	return nil
}

package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/memutils"
)

// DeviceMemoryProperties wraps the device's memory properties and keeps per-heap accounting of the
// memory objects allocated through it
type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of user allocations that have been doled out for use: dedicated allocations plus
	// block suballocations
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of user allocations that have been doled out for use
	allocationBytes [common.MaxMemoryHeaps]int64

	// Whether the SynchronizedMemory objects created from this object should use a mutex to control access
	useMutex    bool
	memoryCount uint32
	heapLimits  []int

	device           hal.Device
	memoryProperties hal.MemoryProperties
}

func NewDeviceMemoryProperties(
	useMutex bool,
	device hal.Device,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := &DeviceMemoryProperties{
		useMutex:         useMutex,
		device:           device,
		memoryProperties: device.MemoryProperties(),
	}

	err := memutils.CheckPow2(deviceProperties.memoryProperties.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceProperties.memoryProperties.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := deviceProperties.MemoryHeapCount()
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("device reports %d memory heaps, more than the maximum %d", heapCount, common.MaxMemoryHeaps)
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("memory.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of device heaps")
	}

	if heapLimitCount == 0 {
		heapSizeLimits = make([]int, heapCount)
	}
	deviceProperties.heapLimits = heapSizeLimits

	return deviceProperties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

// MemoryTypeMinimumAlignment is the non-coherent atom size for host-visible, non-coherent memory
// and 1 for everything else
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		alignment := uint(m.memoryProperties.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Mark(
				errors.Newf("heap %d size limit of %d bytes would be exceeded by %d more bytes", heapIndex, maxAllocatable, allocationSize),
				hal.ErrOutOfDeviceMemory,
			)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory allocates a new memory object, enforcing the device's maximum allocation
// count and any heap size limit
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem *SynchronizedMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newDeviceCount) > m.memoryProperties.MaxMemoryAllocationCount {
		return nil, errors.Mark(
			errors.Newf("device allows at most %d memory objects", m.memoryProperties.MaxMemoryAllocationCount),
			hal.ErrTooManyObjects,
		)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	heapLimit := m.heapLimits[heapIndex]
	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		maxSize := heapLimit
		heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
		if heapSize < heapLimit {
			maxSize = heapSize
		}
		err = m.addBlockAllocationWithBudget(heapIndex, size, maxSize)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	deviceMemory, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, err
	}

	mem = &SynchronizedMemory{
		memory: deviceMemory,
	}
	mem.mapMutex.UseMutex = m.useMutex
	return mem, nil
}

func (m *DeviceMemoryProperties) FreeDeviceMemory(memory *SynchronizedMemory) {
	memoryType := memory.memory.MemoryTypeIndex()
	size := memory.memory.Size()

	memory.free()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudgets fills budgets with the current statistics of every heap. Usage and budget come
// from the device when it implements hal.BudgetReporter; otherwise usage is the block bytes
// allocated and the budget is 80% of the heap size.
func (m *DeviceMemoryProperties) HeapBudgets(budgets []memutils.HeapBudget) {
	var reported []hal.HeapUsage
	if reporter, ok := m.device.(hal.BudgetReporter); ok {
		reported = reporter.HeapBudgets()
	}

	for heapIndex := 0; heapIndex < len(budgets); heapIndex++ {
		budgets[heapIndex].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[heapIndex].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[heapIndex].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[heapIndex].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		if heapIndex < len(reported) {
			budgets[heapIndex].Usage = reported[heapIndex].Usage
			budgets[heapIndex].Budget = reported[heapIndex].Budget
			continue
		}

		budgets[heapIndex].Usage = budgets[heapIndex].Statistics.BlockBytes
		budgets[heapIndex].Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
	}
}

type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = make(map[CacheOperation]string)

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func init() {
	cacheOperationMapping[CacheOperationFlush] = "CacheOperationFlush"
	cacheOperationMapping[CacheOperationInvalidate] = "CacheOperationInvalidate"
}

// FlushOrInvalidate applies a cache operation to a range of non-coherent memory. The range is
// widened to the non-coherent atom size and clamped to the memory object.
func (m *DeviceMemoryProperties) FlushOrInvalidate(memory *SynchronizedMemory, offset, size int, operation CacheOperation) error {
	if size == 0 || !m.IsMemoryTypeHostNonCoherent(memory.memory.MemoryTypeIndex()) {
		return nil
	}

	atom := uint(m.memoryProperties.NonCoherentAtomSize)
	start := memutils.AlignDown(offset, atom)
	end := min(memutils.AlignUp(offset+size, atom), memory.memory.Size())

	switch operation {
	case CacheOperationFlush:
		return memory.memory.Flush(start, end-start)
	case CacheOperationInvalidate:
		return memory.memory.Invalidate(start, end-start)
	}

	return errors.Newf("attempted to carry out invalid cache operation %s", operation.String())
}

const (
	SmallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	memTypeCount := len(m.memoryProperties.MemoryTypes)
	for memoryTypeIndex := 0; memoryTypeIndex < memTypeCount; memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	granularity := m.memoryProperties.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return granularity
}

func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

func (m *DeviceMemoryProperties) IsIntegratedGPU() bool {
	return m.memoryProperties.DeviceType == core1_0.PhysicalDeviceTypeIntegratedGPU
}

package memory

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"golang.org/x/exp/slog"
)

func TestCreateDestroyBufferRestoresBudget(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		DeviceOptions:    simulated.DiscreteGPU(),
		AllocatorOptions: CreateOptions{UseMutex: true},
	})

	before := allocator.SnapshotBudgets()

	buffer, alloc, err := allocator.CreateBuffer(1000, BufferUsageUniform)
	require.NoError(t, err)
	heapIndex := heapOf(t, allocator, alloc)

	during := allocator.SnapshotBudgets()
	require.Equal(t, before[heapIndex].AllocationCount+1, during[heapIndex].AllocationCount)
	require.GreaterOrEqual(t, during[heapIndex].AllocationBytes, before[heapIndex].AllocationBytes+1000)
	require.Equal(t, 1, during[heapIndex].BlockCount)

	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))

	after := allocator.SnapshotBudgets()
	require.Equal(t, before[heapIndex].AllocationCount, after[heapIndex].AllocationCount)
	require.Equal(t, before[heapIndex].AllocationBytes, after[heapIndex].AllocationBytes)
}

func TestSnapshotBudgetsIsACopy(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	snapshot := allocator.SnapshotBudgets()
	require.Len(t, snapshot, 2)
	snapshot[0].AllocationCount = 100

	require.Equal(t, 0, allocator.SnapshotBudgets()[0].AllocationCount)
}

// budgetlessDevice hides the simulated device's hal.BudgetReporter implementation
type budgetlessDevice struct {
	hal.Device
}

func TestBudgetFallsBackToHeapFraction(t *testing.T) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	allocator, err := New(slog.New(slog.NewTextHandler(io.Discard)), budgetlessDevice{device}, CreateOptions{})
	require.NoError(t, err)

	buffer, alloc, err := allocator.CreateBuffer(1000, BufferUsageStorage)
	require.NoError(t, err)

	budgets := allocator.SnapshotBudgets()
	require.Equal(t, 64*1024*1024*8/10, budgets[0].Budget)
	require.Equal(t, budgets[0].BlockBytes, budgets[0].Usage)
	require.Equal(t, 1024*1024, budgets[0].Usage)

	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
}

func TestBudgetReportedByDevice(t *testing.T) {
	options := simulated.DiscreteGPU()
	options.HeapBudgets = []hal.HeapUsage{{Usage: 100, Budget: 1500}, {Usage: 200, Budget: 2500}}
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: options})

	budgets := allocator.SnapshotBudgets()
	require.Equal(t, 100, budgets[0].Usage)
	require.Equal(t, 1500, budgets[0].Budget)
	require.Equal(t, 2500, budgets[1].Budget)
}

func TestUsageRejection(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})
	before := allocator.SnapshotBudgets()

	for _, usage := range []BufferUsageFlags{
		BufferUsageUniform | BufferUsageStorage,
		BufferUsageTransferSrc | BufferUsageVertex,
		BufferUsageUniform | BufferUsageIndex,
		BufferUsageHostReadback | BufferUsageUniform,
		0,
	} {
		buffer, alloc, err := allocator.CreateBuffer(256, usage)
		require.ErrorIs(t, err, ErrInvalidUsageCombination, usage.String())
		require.Nil(t, buffer)
		require.Nil(t, alloc)
	}

	require.Equal(t, before, allocator.SnapshotBudgets())
	require.Equal(t, 0, device.LiveObjects().Memory)
	require.Equal(t, 0, device.LiveObjects().Buffers)
}

func TestUsageValidate(t *testing.T) {
	require.NoError(t, (BufferUsageStorage | BufferUsageVertex | BufferUsageIndex | BufferUsageTransferDst).Validate())
	require.NoError(t, (BufferUsageUniform | BufferUsageDeviceLocal).Validate())
	require.NoError(t, (BufferUsageHostReadback | BufferUsageTransferDst).Validate())
	require.NoError(t, BufferUsageDeviceLocal.Validate())
	require.Equal(t, "Uniform|Storage", (BufferUsageUniform | BufferUsageStorage).String())
}

func TestPlacement(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	testCases := map[string]struct {
		usage      BufferUsageFlags
		memoryType int
		mappable   bool
	}{
		"GPUOnly":    {BufferUsageStorage | BufferUsageVertex, 0, false},
		"Staging":    {BufferUsageTransferSrc, 1, true},
		"Uniform":    {BufferUsageUniform, 1, true},
		"Readback":   {BufferUsageHostReadback, 2, true},
		"NoReBAR":    {BufferUsageUniform | BufferUsageDeviceLocal, 0, false},
		"DeviceOnly": {BufferUsageDeviceLocal, 0, false},
		"Vertex":     {BufferUsageVertex | BufferUsageDeviceLocal, 0, false},
		"Storage":    {BufferUsageStorage | BufferUsageDeviceLocal, 0, false},
	}

	for name, testCase := range testCases {
		testCase := testCase
		t.Run(name, func(t *testing.T) {
			buffer, alloc, err := allocator.CreateBuffer(512, testCase.usage)
			require.NoError(t, err)
			defer func() {
				require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
			}()

			require.Equal(t, testCase.memoryType, alloc.MemoryTypeIndex())
			require.Equal(t, testCase.mappable, allocator.IsMappable(alloc))
		})
	}
}

func TestPlacementPrefersResizableBAR(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: rebarGPU()})

	for _, usage := range []BufferUsageFlags{
		BufferUsageUniform | BufferUsageDeviceLocal,
		BufferUsageVertex | BufferUsageDeviceLocal,
		BufferUsageIndex | BufferUsageDeviceLocal,
		BufferUsageStorage | BufferUsageDeviceLocal,
		BufferUsageDeviceLocal,
	} {
		usage := usage
		t.Run(usage.String(), func(t *testing.T) {
			buffer, alloc, err := allocator.CreateBuffer(512, usage)
			require.NoError(t, err)

			require.Equal(t, 3, alloc.MemoryTypeIndex())
			require.True(t, allocator.IsMappable(alloc))
			require.NotNil(t, alloc.MappedData())

			require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
		})
	}

	// Without DeviceLocal there are no host hints, so GPU-only usage stays off the BAR
	buffer, alloc, err := allocator.CreateBuffer(512, BufferUsageVertex)
	require.NoError(t, err)
	require.Equal(t, 0, alloc.MemoryTypeIndex())
	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
}

func TestPlacementIntegratedGPU(t *testing.T) {
	options := simulated.DiscreteGPU()
	options.DeviceType = core1_0.PhysicalDeviceTypeIntegratedGPU
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: options})

	// No host-assisted transfer on integrated GPUs: host-written memory is required
	buffer, alloc, err := allocator.CreateBuffer(512, BufferUsageUniform|BufferUsageDeviceLocal)
	require.NoError(t, err)
	require.True(t, allocator.IsMappable(alloc))
	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
}

func TestFallbackToNextMemoryType(t *testing.T) {
	options := simulated.DiscreteGPU()
	options.MemoryTypes = []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
	}

	_, allocator := readyAllocator(t, AllocatorSetup{
		DeviceOptions:    options,
		AllocatorOptions: CreateOptions{HeapSizeLimits: []int{1024, 0}},
	})

	buffer, alloc, err := allocator.CreateBuffer(2048, BufferUsageTransferSrc)
	require.NoError(t, err)
	require.Equal(t, 1, alloc.MemoryTypeIndex())
	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
}

func TestOutOfDeviceMemory(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{
		DeviceOptions:    simulated.DiscreteGPU(),
		AllocatorOptions: CreateOptions{HeapSizeLimits: []int{4096, 4096}},
	})

	_, _, err := allocator.CreateBuffer(8192, BufferUsageStorage)
	require.True(t, errors.Is(err, ErrOutOfDeviceMemory))
	require.Equal(t, 0, device.LiveObjects().Buffers)
	require.Equal(t, 0, device.LiveObjects().Memory)
}

func TestLargeRequestsAreDedicated(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	// 64MiB heap: 8MiB blocks, so anything over 4MiB gets its own memory
	buffer, alloc, err := allocator.CreateBuffer(5*1024*1024, BufferUsageStorage)
	require.NoError(t, err)
	require.True(t, alloc.IsDedicated())
	require.Equal(t, 0, alloc.Offset())

	small, smallAlloc, err := allocator.CreateBuffer(1024, BufferUsageStorage)
	require.NoError(t, err)
	require.False(t, smallAlloc.IsDedicated())
	require.Equal(t, 2, device.LiveObjects().Memory)

	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
	require.Equal(t, 1, device.LiveObjects().Memory)
	require.NoError(t, allocator.DestroyBuffer(small, smallAlloc))
}

func TestSuballocationsShareABlock(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	first, firstAlloc, err := allocator.CreateBuffer(1000, BufferUsageStorage)
	require.NoError(t, err)
	second, secondAlloc, err := allocator.CreateBuffer(1000, BufferUsageStorage)
	require.NoError(t, err)

	require.Equal(t, 1, device.LiveObjects().Memory)
	require.Equal(t, firstAlloc.Memory(), secondAlloc.Memory())
	require.Equal(t, 0, firstAlloc.Offset())
	// Buffers are aligned to 256 by the simulated device
	require.Equal(t, 1024, secondAlloc.Offset())

	require.NoError(t, allocator.DestroyBuffer(first, firstAlloc))
	require.NoError(t, allocator.DestroyBuffer(second, secondAlloc))

	// The last empty block is kept for reuse until the allocator is destroyed
	require.Equal(t, 1, device.LiveObjects().Memory)
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveObjects().Memory)
}

func TestDoubleDestroy(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	buffer, alloc, err := allocator.CreateBuffer(1000, BufferUsageStorage)
	require.NoError(t, err)
	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))

	if memutilsDebugChecks {
		require.Panics(t, func() { _ = allocator.DestroyBuffer(nil, alloc) })
		return
	}
	require.Error(t, allocator.DestroyBuffer(nil, alloc))
}

func TestCreateImage(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	image, err := NewImage(allocator, ImageDescriptor{
		Name:   "albedo",
		Format: core1_0.FormatR8G8B8A8SRGB,
		Extent: core1_0.Extent3D{Width: 64, Height: 64},
		Usage:  core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst,
	})
	require.NoError(t, err)

	require.Equal(t, 0, image.Allocation().MemoryTypeIndex())
	require.Equal(t, "albedo", image.Allocation().Name())
	info := image.Handle().(*simulated.Image).Info()
	require.Equal(t, core1_0.ImageType2D, info.ImageType)
	require.Equal(t, 1, info.Extent.Depth)
	require.Equal(t, 1, info.MipLevels)

	require.NoError(t, image.Destroy())
	require.NoError(t, image.Destroy())
	require.Equal(t, 0, device.LiveObjects().Images)

	_, err = NewImage(allocator, ImageDescriptor{Extent: core1_0.Extent3D{Width: 1, Height: 1}})
	require.Error(t, err)
}

func TestSetCurrentFrameIndex(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	allocator.SetCurrentFrameIndex(2)
	require.Equal(t, 2, allocator.CurrentFrameIndex())

	buffer, alloc, err := allocator.CreateBuffer(1000, BufferUsageStorage)
	require.NoError(t, err)
	require.Equal(t, 2, alloc.FrameIndex())

	stats := allocator.BuildStatsString(true)
	require.Contains(t, stats, `"CurrentFrameIndex":2`)
	require.Contains(t, stats, `"Suballocations"`)
	require.Contains(t, stats, `"FrameIndex":2`)

	require.NoError(t, allocator.DestroyBuffer(buffer, alloc))
}

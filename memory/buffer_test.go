package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/keystone/hal/simulated"
)

func TestBufferLazyUploadAndGrow(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	buffer, err := NewBuffer(allocator, "staging", 0, BufferUsageTransferSrc)
	require.NoError(t, err)
	require.Nil(t, buffer.Handle())
	require.Equal(t, 0, device.LiveObjects().Buffers)

	first := []byte("0123456789abcdef")
	require.NoError(t, buffer.Upload(0, first))
	require.Equal(t, len(first), buffer.Capacity())
	require.Equal(t, first, buffer.Handle().(*simulated.Buffer).Contents())

	handle := buffer.Handle()
	second := []byte("the second upload grows it")
	require.NoError(t, buffer.Upload(len(first), second))
	require.NotEqual(t, handle, buffer.Handle())
	require.Equal(t, len(first)+len(second), buffer.Capacity())
	require.Equal(t, "staging", buffer.Name())
	require.Equal(t, "staging", buffer.Allocation().Name())
	require.Equal(t, BufferUsageTransferSrc, buffer.Usage())
	require.Equal(t, 1, device.LiveObjects().Buffers)

	contents := buffer.Handle().(*simulated.Buffer).Contents()
	require.Equal(t, second, contents[len(first):])

	// Smaller uploads never shrink the buffer
	require.NoError(t, buffer.Upload(0, []byte("x")))
	require.Equal(t, len(first)+len(second), buffer.Capacity())

	require.NoError(t, buffer.Destroy())
	require.Nil(t, buffer.Handle())
	require.Equal(t, 0, device.LiveObjects().Buffers)
}

func TestBufferUploadDeviceOnly(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	buffer, err := NewBuffer(allocator, "vertices", 1024, BufferUsageVertex|BufferUsageTransferDst)
	require.NoError(t, err)
	require.False(t, buffer.IsMappable())

	err = buffer.Upload(0, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrNotMappable)
	require.Nil(t, buffer.Map())

	require.NoError(t, buffer.Destroy())
}

func TestBufferUploadWithoutResizableBAR(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	buffer, err := NewBuffer(allocator, "constants", 256, BufferUsageUniform|BufferUsageDeviceLocal)
	require.NoError(t, err)

	// Device local memory was chosen over host-visible memory, so the upload has to go through a
	// staging copy instead
	require.False(t, buffer.IsMappable())
	require.ErrorIs(t, buffer.Upload(0, []byte{1}), ErrNotMappable)
	require.NoError(t, buffer.Destroy())
}

func TestBufferUploadDeviceLocalVertices(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: rebarGPU()})

	buffer, err := NewBuffer(allocator, "vertices", 0, BufferUsageVertex|BufferUsageDeviceLocal)
	require.NoError(t, err)
	require.True(t, buffer.IsMappable())

	require.NoError(t, buffer.Upload(4, []byte{1, 2, 3, 4}))
	require.True(t, buffer.IsMappable())
	require.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4}, buffer.Handle().(*simulated.Buffer).Contents()[:8])

	require.NoError(t, buffer.Destroy())
}

func TestBufferMap(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: rebarGPU()})

	buffer, err := NewBuffer(allocator, "constants", 256, BufferUsageUniform|BufferUsageDeviceLocal)
	require.NoError(t, err)

	mapped := buffer.Map()
	require.NotNil(t, mapped)

	*(*uint32)(mapped) = 0xdeadbeef
	require.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, buffer.Handle().(*simulated.Buffer).Contents()[:4])

	require.NoError(t, buffer.Destroy())
}

func TestNewBufferRejectsUsage(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	_, err := NewBuffer(allocator, "bad", 0, BufferUsageUniform|BufferUsageStorage)
	require.ErrorIs(t, err, ErrInvalidUsageCombination)
}

func TestAllocatorMapUnmap(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{DeviceOptions: simulated.DiscreteGPU()})

	deviceBuffer, deviceAlloc, err := allocator.CreateBuffer(256, BufferUsageStorage)
	require.NoError(t, err)
	_, err = allocator.Map(deviceAlloc)
	require.ErrorIs(t, err, ErrNotMappable)

	hostBuffer, hostAlloc, err := allocator.CreateBuffer(256, BufferUsageHostReadback)
	require.NoError(t, err)

	persistent := hostAlloc.MappedData()
	require.NotNil(t, persistent)

	data, err := allocator.Map(hostAlloc)
	require.NoError(t, err)
	require.Equal(t, uintptr(persistent), uintptr(data))

	require.NoError(t, allocator.Unmap(hostAlloc))
	require.Error(t, allocator.Unmap(hostAlloc))
	require.Equal(t, persistent, hostAlloc.MappedData())

	// Both host allocations live in the same block and share one native mapping
	secondBuffer, secondAlloc, err := allocator.CreateBuffer(256, BufferUsageHostReadback)
	require.NoError(t, err)
	require.Equal(t, hostAlloc.Memory(), secondAlloc.Memory())
	require.Equal(t, uintptr(256), uintptr(secondAlloc.MappedData())-uintptr(persistent))
	require.True(t, hostAlloc.Memory().(*simulated.Memory).Mapped())

	require.NoError(t, allocator.DestroyBuffer(secondBuffer, secondAlloc))
	require.NoError(t, allocator.DestroyBuffer(hostBuffer, hostAlloc))
	require.NoError(t, allocator.DestroyBuffer(deviceBuffer, deviceAlloc))
}

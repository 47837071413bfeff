package memory

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"golang.org/x/exp/slog"
)

type AllocatorSetup struct {
	DeviceOptions    simulated.DeviceOptions
	AllocatorOptions CreateOptions
}

func readyAllocator(t *testing.T, setup AllocatorSetup) (*simulated.Device, *Allocator) {
	device, err := simulated.NewDevice(setup.DeviceOptions)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard))
	allocator, err := New(logger, device, setup.AllocatorOptions)
	require.NoError(t, err)

	return device, allocator
}

// rebarGPU is a discrete GPU that also exposes its device heap to the host
func rebarGPU() simulated.DeviceOptions {
	options := simulated.DiscreteGPU()
	options.MemoryTypes = append(options.MemoryTypes, core1_0.MemoryType{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		HeapIndex:     0,
	})
	return options
}

func heapOf(t *testing.T, allocator *Allocator, alloc *Allocation) int {
	require.NotNil(t, alloc)
	return allocator.MemoryProperties().MemoryTypes[alloc.MemoryTypeIndex()].HeapIndex
}

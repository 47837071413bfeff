package descriptors

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

func readyAllocator(t *testing.T, options Options) (*simulated.Device, *Allocator) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	allocator, err := New(slog.New(slog.NewTextHandler(io.Discard)), device, options)
	require.NoError(t, err)
	t.Cleanup(allocator.DestroyPools)

	return device, allocator
}

func uniformLayout(t *testing.T, device *simulated.Device, count int) hal.DescriptorSetLayout {
	layout, err := device.CreateDescriptorSetLayout([]hal.DescriptorBinding{
		{Binding: 0, Type: core1_0.DescriptorTypeUniformBuffer, Count: count, Stages: core1_0.StageVertex},
	})
	require.NoError(t, err)
	t.Cleanup(layout.Destroy)

	return layout
}

func TestAllocatorGrowsWhenPoolIsFull(t *testing.T) {
	device, allocator := readyAllocator(t, Options{InitialSets: 2})
	layout := uniformLayout(t, device, 1)

	for i := 0; i < 2; i++ {
		_, err := allocator.Allocate(layout)
		require.NoError(t, err)
	}
	require.Equal(t, Stats{ReadyPools: 1, NextPoolSets: 2, AllocatedSets: 2, PoolsCreated: 1}, allocator.Stats())

	_, err := allocator.Allocate(layout)
	require.NoError(t, err)
	require.Equal(t, Stats{ReadyPools: 1, FullPools: 1, NextPoolSets: 3, AllocatedSets: 3, PoolsCreated: 2}, allocator.Stats())

	for i := 0; i < 3; i++ {
		_, err := allocator.Allocate(layout)
		require.NoError(t, err)
	}

	stats := allocator.Stats()
	require.Equal(t, 3, stats.PoolsCreated)
	require.Equal(t, 4, stats.NextPoolSets)
	require.Equal(t, 2, stats.FullPools)
	require.Equal(t, 3, device.LiveObjects().DescriptorPools)
}

func TestAllocatorRetriesOnlyOnce(t *testing.T) {
	device, allocator := readyAllocator(t, Options{InitialSets: 2})
	huge := uniformLayout(t, device, 100)

	_, err := allocator.Allocate(huge)
	require.True(t, errors.Is(err, hal.ErrOutOfPoolMemory))

	stats := allocator.Stats()
	require.Equal(t, 2, stats.PoolsCreated)
	require.Equal(t, 1, stats.GrowthFailures)
	require.Equal(t, 0, stats.AllocatedSets)

	// The pool that failed the retry is still usable for smaller sets
	_, err = allocator.Allocate(uniformLayout(t, device, 1))
	require.NoError(t, err)
	require.Equal(t, 2, allocator.Stats().PoolsCreated)
}

func TestAllocatorGrowthIsCapped(t *testing.T) {
	device, allocator := readyAllocator(t, Options{InitialSets: 4000})
	layout := uniformLayout(t, device, 1)

	for i := 0; i < 4001; i++ {
		_, err := allocator.Allocate(layout)
		require.NoError(t, err)
	}

	require.Equal(t, DefaultMaxSetsPerPool, allocator.Stats().NextPoolSets)
}

func TestClearPoolsReusesPools(t *testing.T) {
	device, allocator := readyAllocator(t, Options{InitialSets: 1})
	layout := uniformLayout(t, device, 1)

	first, err := allocator.Allocate(layout)
	require.NoError(t, err)
	_, err = allocator.Allocate(layout)
	require.NoError(t, err)
	require.Equal(t, 2, allocator.Stats().PoolsCreated)

	require.NoError(t, allocator.ClearPools())
	require.Equal(t, Stats{ReadyPools: 2, NextPoolSets: 1, PoolsCreated: 2}, allocator.Stats())

	// Sets from before the clear are gone
	err = device.WriteDescriptors([]hal.DescriptorWrite{{
		Set:    first,
		Type:   core1_0.DescriptorTypeUniformBuffer,
		Images: []hal.ImageDescriptor{{}},
	}})
	require.Error(t, err)

	for i := 0; i < 2; i++ {
		_, err := allocator.Allocate(layout)
		require.NoError(t, err)
	}
	require.Equal(t, 2, allocator.Stats().PoolsCreated)
}

func TestDestroyPools(t *testing.T) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	allocator, err := New(slog.New(slog.NewTextHandler(io.Discard)), device, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, device.LiveObjects().DescriptorPools)

	allocator.DestroyPools()
	require.Equal(t, 0, device.LiveObjects().DescriptorPools)
}

func TestInvalidOptions(t *testing.T) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	_, err = New(logger, device, Options{InitialSets: 5000})
	require.Error(t, err)
	_, err = New(logger, device, Options{GrowthFactor: 0.5})
	require.Error(t, err)
	_, err = New(logger, device, Options{Ratios: []PoolRatio{{Type: core1_0.DescriptorTypeStorageImage}}})
	require.Error(t, err)
	require.Equal(t, 0, device.LiveObjects().DescriptorPools)
}

package timeline

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/hal/mocks"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"go.uber.org/mock/gomock"
)

func TestRegistryNeverReusesIDs(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := NewRegistry(hal.NoTimeout)

	first := registry.Register(mocks.NewMockTimeline(ctrl))
	registry.Unregister(first)
	second := registry.Register(mocks.NewMockTimeline(ctrl))

	require.NotEqual(t, ID(0), first)
	require.NotEqual(t, first, second)
	require.Equal(t, 1, registry.Count())

	_, ok := registry.Lookup(first)
	require.False(t, ok)
	_, ok = registry.Lookup(second)
	require.True(t, ok)
}

func TestZeroSyncPointIsSatisfied(t *testing.T) {
	var point SyncPoint

	require.True(t, point.IsZero())
	require.NoError(t, point.Wait())

	resolved, err := point.Resolved()
	require.NoError(t, err)
	require.True(t, resolved)
}

func TestUnregisteredSyncPointIsSatisfied(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := NewRegistry(hal.NoTimeout)

	// No calls are expected on the timeline once it is unregistered
	timeline := mocks.NewMockTimeline(ctrl)
	id := registry.Register(timeline)
	point := registry.Point(id, 10, core1_0.PipelineStageTransfer)
	registry.Unregister(id)

	require.NoError(t, point.Wait())
	resolved, err := point.Resolved()
	require.NoError(t, err)
	require.True(t, resolved)
}

func TestSyncPointResolved(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := NewRegistry(hal.NoTimeout)

	timeline := mocks.NewMockTimeline(ctrl)
	id := registry.Register(timeline)

	timeline.EXPECT().Value().Return(uint64(1), nil)
	resolved, err := registry.Point(id, 2, 0).Resolved()
	require.NoError(t, err)
	require.False(t, resolved)

	timeline.EXPECT().Value().Return(uint64(2), nil)
	resolved, err = registry.Point(id, 2, 0).Resolved()
	require.NoError(t, err)
	require.True(t, resolved)
}

func TestSyncPointWaitUsesRegistryTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := NewRegistry(50 * time.Millisecond)

	timeline := mocks.NewMockTimeline(ctrl)
	id := registry.Register(timeline)

	timeline.EXPECT().Wait(uint64(3), 50*time.Millisecond).Return(errors.Mark(errors.New("timed out"), hal.ErrTimeout))

	err := registry.Point(id, 3, 0).Wait()
	require.True(t, errors.Is(err, hal.ErrDeviceLost))
	require.True(t, hal.IsFatal(err))
}

func TestSyncPointWaitBlocksUntilSignaled(t *testing.T) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	halTimeline, err := device.CreateTimeline(0)
	require.NoError(t, err)

	registry := NewRegistry(hal.NoTimeout)
	point := registry.Point(registry.Register(halTimeline), 1, 0)

	done := make(chan error)
	go func() {
		done <- point.Wait()
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the timeline was signaled")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, halTimeline.(*simulated.Timeline).Signal(1))
	require.NoError(t, <-done)
}

func TestLater(t *testing.T) {
	registry := NewRegistry(hal.NoTimeout)

	a := registry.Point(1, 5, 0)
	b := registry.Point(1, 7, 0)
	c := registry.Point(2, 9, 0)

	require.Equal(t, b, Later(a, b))
	require.Equal(t, b, Later(b, a))
	require.Equal(t, a, Later(a, c))
	require.Equal(t, a, Later(SyncPoint{}, a))
	require.Equal(t, a, Later(a, SyncPoint{}))
}

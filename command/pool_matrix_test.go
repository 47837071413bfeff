package command

import (
	"fmt"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/hal/mocks"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"go.uber.org/mock/gomock"
)

func TestResetAllRecyclesFrameBuffers(t *testing.T) {
	setup := defaultSetup()
	clock := &recordingClock{}
	setup.Clock = clock
	device, matrix := readyMatrix(t, setup)

	first, err := matrix.Allocate(0, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	other, err := matrix.Allocate(1, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	recordEmpty(t, first)
	_, err = first.Submit(nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, matrix.ResetAll(0))
	require.Equal(t, []int{1}, clock.frames)
	require.Equal(t, StateInitial, first.State())

	again, err := matrix.Allocate(0, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, uint64(1), again.Counter())

	// Frame 1 was not reset, so its buffer is still in use and a new one is allocated
	fresh, err := matrix.Allocate(1, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.NotSame(t, other, fresh)

	require.NoError(t, matrix.ResetAll(1))
	require.NoError(t, matrix.ResetAll(0))
	require.Equal(t, []int{1, 2, 3}, clock.frames)
	require.Equal(t, 3, matrix.FrameNumber())
	require.Equal(t, 2, device.LiveObjects().CommandPools)
}

func TestResetAllWaitsForTheGPU(t *testing.T) {
	device, matrix := readyMatrix(t, manualClockSetup())

	buffer, err := matrix.Allocate(0, 0, hal.QueueCompute, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	recordEmpty(t, buffer)
	point, err := buffer.Submit(nil, nil, nil)
	require.NoError(t, err)

	reset := make(chan error, 1)
	go func() {
		reset <- matrix.ResetAll(0)
	}()

	require.Never(t, func() bool { return len(reset) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.True(t, device.Step())

	select {
	case err := <-reset:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reset did not return once the frame's work completed")
	}

	resolved, err := point.Resolved()
	require.NoError(t, err)
	require.True(t, resolved)
	require.Equal(t, 1, buffer.cell.native.(*simulated.CommandPool).Resets())
}

func TestResetAllWhileRecordingPanics(t *testing.T) {
	_, matrix := readyMatrix(t, defaultSetup())

	buffer, err := matrix.Allocate(0, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.NoError(t, buffer.Begin(BeginInfo{}))

	require.Panics(t, func() { _ = matrix.ResetAll(0) })
}

func TestFreeForgetsTimeline(t *testing.T) {
	device, matrix := readyMatrix(t, defaultSetup())

	buffer, err := matrix.Allocate(0, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	recordEmpty(t, buffer)
	point, err := buffer.Submit(nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, device.LiveObjects().Timelines)

	require.NoError(t, matrix.Free(buffer))
	require.Equal(t, 0, device.LiveObjects().Timelines)
	require.Equal(t, 0, matrix.Registry().Count())

	_, ok := point.Timeline()
	require.False(t, ok)
	require.NoError(t, point.Wait())

	require.Panics(t, func() { _ = matrix.Free(buffer) })
}

func TestCellsAreIndependent(t *testing.T) {
	setup := defaultSetup()
	setup.Options = Options{FramesInFlight: 3, MaxThreads: 4}
	device, matrix := readyMatrix(t, setup)

	var wait sync.WaitGroup
	errs := make([]error, 4)
	for thread := 0; thread < 4; thread++ {
		wait.Add(1)
		go func(thread int) {
			defer wait.Done()

			for frame := 0; frame < 3; frame++ {
				buffer, err := matrix.Allocate(frame, thread, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
				if err != nil {
					errs[thread] = err
					return
				}
				if buffer.Frame() != frame || buffer.Thread() != thread {
					errs[thread] = fmt.Errorf("buffer from cell (%d, %d) handed out for (%d, %d)", buffer.Frame(), buffer.Thread(), frame, thread)
					return
				}
			}
		}(thread)
	}
	wait.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 12, device.LiveObjects().CommandPools)

	require.Panics(t, func() { _, _ = matrix.Allocate(3, 0, hal.QueueGeneral, hal.CommandBufferLevelPrimary) })
	require.Panics(t, func() { _, _ = matrix.Allocate(0, 4, hal.QueueGeneral, hal.CommandBufferLevelPrimary) })
}

func TestDestroyReleasesEverything(t *testing.T) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	matrix, err := NewPoolMatrix(discardLogger(), device, nil, Options{})
	require.NoError(t, err)

	for _, kind := range hal.QueueKinds {
		_, err := matrix.Allocate(1, 0, kind, hal.CommandBufferLevelPrimary)
		require.NoError(t, err)
	}
	require.Equal(t, 3, device.LiveObjects().Timelines)

	matrix.Destroy()
	require.Equal(t, simulated.Objects{}, device.LiveObjects())
}

func TestInvalidOptions(t *testing.T) {
	device, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	_, err = NewPoolMatrix(discardLogger(), device, nil, Options{MaxThreads: -1})
	require.Error(t, err)
	_, err = NewPoolMatrix(nil, device, nil, Options{})
	require.Error(t, err)
}

func TestSharedQueues(t *testing.T) {
	options := simulated.DiscreteGPU()
	options.DedicatedQueues = false
	device, err := simulated.NewDevice(options)
	require.NoError(t, err)

	queues := NewQueueSet(device)
	require.True(t, queues.Shared(hal.QueueGeneral, hal.QueueTransfer))
	require.True(t, queues.Shared(hal.QueueCompute, hal.QueueTransfer))
	require.NoError(t, queues.WaitIdle())

	dedicated, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)
	require.False(t, NewQueueSet(dedicated).Shared(hal.QueueGeneral, hal.QueueCompute))
}

func TestThreadSlotsAreStable(t *testing.T) {
	slots := NewThreadSlots[string](2)

	first, err := slots.Slot("render")
	require.NoError(t, err)
	second, err := slots.Slot("stream")
	require.NoError(t, err)
	again, err := slots.Slot("render")
	require.NoError(t, err)

	require.Equal(t, 0, first)
	require.Equal(t, 1, second)
	require.Equal(t, first, again)

	_, err = slots.Slot("audio")
	require.True(t, errors.Is(err, ErrTooManyThreads))
	require.Equal(t, 2, slots.Count())
}

func TestThreadSlotsConcurrent(t *testing.T) {
	slots := NewThreadSlots[int](8)

	var wait sync.WaitGroup
	results := make([][]int, 8)
	for worker := 0; worker < 8; worker++ {
		wait.Add(1)
		go func(worker int) {
			defer wait.Done()
			for key := 0; key < 8; key++ {
				slot, err := slots.Slot(key)
				if err == nil {
					results[worker] = append(results[worker], slot)
				}
			}
		}(worker)
	}
	wait.Wait()

	for worker := 1; worker < 8; worker++ {
		require.Equal(t, results[0], results[worker])
	}

	seen := make(map[int]bool)
	for _, slot := range results[0] {
		require.False(t, seen[slot])
		seen[slot] = true
	}
	require.Len(t, seen, 8)
}

func TestImmediateRecyclesFailedBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	sim, err := simulated.NewDevice(simulated.DiscreteGPU())
	require.NoError(t, err)

	queue := mocks.NewMockQueue(ctrl)
	matrix := readyMatrixOn(t, &queueDevice{Device: sim, queue: queue}, defaultSetup())

	queue.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(errors.New("driver said no")).Times(2)

	for i := 0; i < 2; i++ {
		err = matrix.Immediate(hal.QueueTransfer, nil, func(buffer *CommandBuffer) {})
		require.True(t, errors.Is(err, ErrDeviceLost))

		cell := matrix.immediate[hal.QueueTransfer]
		require.Empty(t, cell.active)
		require.Len(t, cell.recycled[hal.CommandBufferLevelPrimary], 1)
	}
}

func TestImmediateWaitsForCompletion(t *testing.T) {
	device, matrix := readyMatrix(t, defaultSetup())

	src, err := device.CreateBuffer(hal.BufferCreateInfo{Size: 4, Usage: core1_0.BufferUsageTransferSrc})
	require.NoError(t, err)
	dst, err := device.CreateBuffer(hal.BufferCreateInfo{Size: 4, Usage: core1_0.BufferUsageTransferDst})
	require.NoError(t, err)

	memory, err := device.AllocateMemory(1, 512)
	require.NoError(t, err)
	require.NoError(t, src.Bind(memory, 0))
	require.NoError(t, dst.Bind(memory, 256))

	data, err := memory.Map()
	require.NoError(t, err)
	copy(unsafe.Slice((*byte)(data), 4), []byte{1, 2, 3, 4})
	memory.Unmap()

	for i := 0; i < 2; i++ {
		err = matrix.Immediate(hal.QueueTransfer, nil, func(buffer *CommandBuffer) {
			buffer.CopyBuffer(src, dst, core1_0.BufferCopy{Size: 4})
		})
		require.NoError(t, err)
	}

	require.Equal(t, []byte{1, 2, 3, 4}, dst.(*simulated.Buffer).Contents())
	require.Equal(t, 0, device.Pending())
	require.Equal(t, 1, device.LiveObjects().CommandPools)
	require.Equal(t, 1, device.LiveObjects().Timelines)

	src.Destroy()
	dst.Destroy()
	memory.Free()
}

package keystone

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/command"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"github.com/vkngwrapper/keystone/memory"
)

func TestRecordRunsEveryThread(t *testing.T) {
	setup := defaultSetup()
	setup.Options.MaxThreads = 3
	_, ctx := readyContext(t, setup)

	frame, err := ctx.BeginFrame()
	require.NoError(t, err)

	var mutex sync.Mutex
	buffers := make(map[int]*command.CommandBuffer)
	err = frame.Record(context.Background(), 3, func(ctx context.Context, thread int) error {
		buffer, err := frame.Allocate(thread, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
		if err != nil {
			return err
		}
		err = buffer.Begin(command.BeginInfo{OneTimeSubmit: true})
		if err != nil {
			return err
		}
		buffer.Draw(3, 1, 0, 0)

		mutex.Lock()
		defer mutex.Unlock()
		buffers[thread] = buffer
		return buffer.End()
	})
	require.NoError(t, err)
	require.Len(t, buffers, 3)

	for thread, buffer := range buffers {
		require.Equal(t, thread, buffer.Thread())
		require.Equal(t, frame.Index(), buffer.Frame())
		require.Equal(t, command.StateExecutable, buffer.State())
	}
}

func TestRecordReturnsFirstError(t *testing.T) {
	setup := defaultSetup()
	setup.Options.MaxThreads = 2
	_, ctx := readyContext(t, setup)

	frame, err := ctx.BeginFrame()
	require.NoError(t, err)

	failure := errors.New("shadow pass failed")
	err = frame.Record(context.Background(), 2, func(ctx context.Context, thread int) error {
		if thread == 1 {
			return failure
		}
		<-ctx.Done()
		return nil
	})
	require.ErrorIs(t, err, failure)

	err = frame.Record(context.Background(), 3, func(ctx context.Context, thread int) error { return nil })
	require.ErrorIs(t, err, command.ErrTooManyThreads)
}

func TestRenderFinishedFollowsGraphicsSubmissions(t *testing.T) {
	_, ctx := readyContext(t, manualClockSetup())

	frame, err := ctx.BeginFrame()
	require.NoError(t, err)
	require.True(t, frame.RenderFinished().IsZero())

	compute, err := frame.Allocate(0, hal.QueueCompute, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.NoError(t, compute.Begin(command.BeginInfo{OneTimeSubmit: true}))
	compute.Dispatch(8, 8, 1)
	require.NoError(t, compute.End())
	computePoint, err := frame.Submit(compute)
	require.NoError(t, err)
	require.Equal(t, computePoint, frame.RenderFinished())

	graphics, err := frame.Allocate(0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.NoError(t, graphics.Begin(command.BeginInfo{OneTimeSubmit: true}))
	graphics.Draw(3, 1, 0, 0)
	require.NoError(t, graphics.End())
	graphicsPoint, err := frame.Submit(graphics, computePoint)
	require.NoError(t, err)
	require.Equal(t, graphicsPoint, frame.RenderFinished())
	require.Equal(t, hal.QueueGeneral.SignalStages(), graphicsPoint.Stage)

	presenter := &recordingPresenter{}
	require.NoError(t, frame.Present(presenter))
	require.Equal(t, []int{0}, presenter.frames)
	require.Len(t, presenter.points, 1)
	require.Equal(t, graphicsPoint, presenter.points[0])
}

func TestSubmitWaitsOnImageAcquired(t *testing.T) {
	device, ctx := readyContext(t, manualClockSetup())

	acquire, err := device.CreateTimeline(0)
	require.NoError(t, err)
	defer acquire.Destroy()
	acquireID := ctx.Timelines().Register(acquire)
	defer ctx.Timelines().Unregister(acquireID)

	frame, err := ctx.BeginFrame()
	require.NoError(t, err)
	frame.SetImageAcquired(ctx.Timelines().Point(acquireID, 1, core1_0.PipelineStageColorAttachmentOutput))

	buffer, err := frame.Allocate(0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.NoError(t, buffer.Begin(command.BeginInfo{OneTimeSubmit: true}))
	require.NoError(t, buffer.End())
	point, err := frame.Submit(buffer, frame.ImageAcquired())
	require.NoError(t, err)

	submissions := device.Submissions()
	require.Len(t, submissions, 1)
	require.Len(t, submissions[0].Waits, 1)
	require.Equal(t, uint64(1), submissions[0].Waits[0].Value)
	require.Equal(t, core1_0.PipelineStageColorAttachmentOutput, submissions[0].Waits[0].Stage)

	// The submission cannot run until the swapchain signals the acquire
	require.False(t, device.Step())
	resolved, err := point.Resolved()
	require.NoError(t, err)
	require.False(t, resolved)

	require.NoError(t, acquire.(*simulated.Timeline).Signal(1))
	require.True(t, device.Step())
	require.NoError(t, point.Wait())
}

func TestSubmitOtherFramesBufferPanics(t *testing.T) {
	_, ctx := readyContext(t, defaultSetup())

	first, err := ctx.BeginFrame()
	require.NoError(t, err)
	second, err := ctx.BeginFrame()
	require.NoError(t, err)

	buffer, err := first.Allocate(0, hal.QueueGeneral, hal.CommandBufferLevelPrimary)
	require.NoError(t, err)
	require.NoError(t, buffer.Begin(command.BeginInfo{}))
	require.NoError(t, buffer.End())

	require.Panics(t, func() {
		_, _ = second.Submit(buffer)
	})
}

func TestImmediateUploadThroughStaging(t *testing.T) {
	device, ctx := readyContext(t, defaultSetup())

	vertices, err := memory.NewBuffer(ctx.Allocator(), "vertices", 0, memory.BufferUsageVertex)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, vertices.Destroy())
	}()

	data := []byte("three vertices worth of data")
	require.NoError(t, ctx.ImmediateUpload(vertices, 16, data))
	require.False(t, vertices.IsMappable())
	require.Equal(t, 16+len(data), vertices.Capacity())

	contents := vertices.Handle().(*simulated.Buffer).Contents()
	require.Equal(t, data, contents[16:16+len(data)])

	// The staging buffer is gone once the upload returns
	require.Equal(t, 1, device.LiveObjects().Buffers)

	submissions := device.Submissions()
	require.Len(t, submissions, 1)
	require.Equal(t, hal.QueueTransfer, submissions[0].Queue)
}

func TestImmediateUploadMappable(t *testing.T) {
	device, ctx := readyContext(t, defaultSetup())

	constants, err := memory.NewBuffer(ctx.Allocator(), "constants", 64, memory.BufferUsageUniform)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, constants.Destroy())
	}()

	require.NoError(t, ctx.ImmediateUpload(constants, 0, []byte{1, 2, 3, 4}))
	require.Equal(t, []byte{1, 2, 3, 4}, constants.Handle().(*simulated.Buffer).Contents()[:4])
	require.Empty(t, device.Submissions())

	require.NoError(t, ctx.ImmediateUpload(constants, 0, nil))
	require.Error(t, ctx.ImmediateUpload(constants, -1, []byte{1}))
}

package keystone

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/command"
	"github.com/vkngwrapper/keystone/descriptors"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/timeline"
	"golang.org/x/sync/errgroup"
)

// Presenter is the swapchain side of the frame loop. Present queues the image of frame for display
// once renderFinished is reached.
type Presenter interface {
	Present(frame int, renderFinished timeline.SyncPoint) error
}

// Frame is one frame slot between ResetAll and the next ResetAll of the same slot
type Frame struct {
	context *Context
	index   int

	mutex          sync.Mutex
	number         int
	imageAcquired  timeline.SyncPoint
	renderFinished timeline.SyncPoint
}

func (f *Frame) reset(number int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.number = number
	f.imageAcquired = timeline.SyncPoint{}
	f.renderFinished = timeline.SyncPoint{}
}

// Index is the frame slot, in [0, FramesInFlight)
func (f *Frame) Index() int { return f.index }

// Number is the running frame number the slot was last reset at
func (f *Frame) Number() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.number
}

// Allocate returns a command buffer from this frame's cell for thread and kind
func (f *Frame) Allocate(thread int, kind hal.QueueKind, level hal.CommandBufferLevel) (*command.CommandBuffer, error) {
	return f.context.matrix.Allocate(f.index, thread, kind, level)
}

// Descriptors is the descriptor allocator cleared whenever this frame slot is reset
func (f *Frame) Descriptors() *descriptors.Allocator {
	return f.context.descriptors[f.index]
}

// BindlessSet is this frame's replica of the bindless tables
func (f *Frame) BindlessSet() hal.DescriptorSet {
	return f.context.slots.Set(f.index)
}

// SetImageAcquired records the SyncPoint the swapchain signals once the frame's image is ready
func (f *Frame) SetImageAcquired(point timeline.SyncPoint) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.imageAcquired = point
}

func (f *Frame) ImageAcquired() timeline.SyncPoint {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.imageAcquired
}

// Submit submits a primary buffer recorded for this frame. Graphics submissions move the frame's
// RenderFinished point forward.
func (f *Frame) Submit(buffer *command.CommandBuffer, waits ...timeline.SyncPoint) (timeline.SyncPoint, error) {
	if buffer.Frame() != f.index {
		panic(errors.AssertionFailedf("command buffer of frame %d submitted on frame %d", buffer.Frame(), f.index))
	}

	point, err := buffer.Submit(waits, nil, nil)
	if err != nil {
		return timeline.SyncPoint{}, err
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.renderFinished.IsZero() || buffer.Kind() == hal.QueueGeneral {
		f.renderFinished = timeline.Later(point, f.renderFinished)
	}
	return point, nil
}

// RenderFinished is the SyncPoint of the frame's last graphics submission. A frame without
// graphics work reports its first submission instead.
func (f *Frame) RenderFinished() timeline.SyncPoint {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.renderFinished
}

// Record runs fn once per recording thread in parallel and returns the first error. Each call
// owns the cells of its thread index, so fn needs no locking to allocate and record.
func (f *Frame) Record(ctx context.Context, threads int, fn func(ctx context.Context, thread int) error) error {
	maxThreads := f.context.options.MaxThreads
	if threads < 0 || threads > maxThreads {
		return errors.Wrapf(command.ErrTooManyThreads, "%d recording threads requested, %d allowed", threads, maxThreads)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for thread := 0; thread < threads; thread++ {
		thread := thread
		group.Go(func() error {
			return fn(groupCtx, thread)
		})
	}
	return group.Wait()
}

// Present hands the frame to the swapchain
func (f *Frame) Present(presenter Presenter) error {
	return presenter.Present(f.index, f.RenderFinished())
}

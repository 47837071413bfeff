package command

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/timeline"
	"golang.org/x/exp/slog"
)

// CommandBuffer wraps a native buffer with the bookkeeping that makes re-recording safe. Every
// primary buffer owns a timeline; each submission signals the next value on it and Begin will not
// return until the GPU has reached the value of the previous submission.
//
// A CommandBuffer is used by one goroutine at a time.
type CommandBuffer struct {
	logger   *slog.Logger
	cell     *poolCell
	native   hal.CommandBuffer
	level    hal.CommandBufferLevel
	kind     hal.QueueKind
	queues   *QueueSet
	registry *timeline.Registry

	timeline   hal.Timeline
	timelineID timeline.ID
	counter    uint64

	state State
	// last is the SyncPoint that must resolve before the native buffer may be touched again. For
	// secondaries it is a point on the timeline of the primary that executed them.
	last        timeline.SyncPoint
	secondaries []*CommandBuffer
}

func (b *CommandBuffer) State() State { return b.state }

func (b *CommandBuffer) Level() hal.CommandBufferLevel { return b.level }

func (b *CommandBuffer) Kind() hal.QueueKind { return b.kind }

func (b *CommandBuffer) Native() hal.CommandBuffer { return b.native }

// Counter is the timeline value signalled by the most recent submission
func (b *CommandBuffer) Counter() uint64 { return b.counter }

// TimelineID is the registry ID of the buffer's own timeline. Secondary buffers have none.
func (b *CommandBuffer) TimelineID() timeline.ID { return b.timelineID }

// LastSubmission is the SyncPoint of the most recent submission involving the buffer
func (b *CommandBuffer) LastSubmission() timeline.SyncPoint { return b.last }

// Frame and Thread name the pool matrix cell the buffer came from
func (b *CommandBuffer) Frame() int { return b.cell.frame }

func (b *CommandBuffer) Thread() int { return b.cell.thread }

// waitIdle blocks until the GPU is done with the buffer's most recent submission
func (b *CommandBuffer) waitIdle() error {
	if b.state != StatePending {
		return nil
	}

	err := b.last.Wait()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s command buffer waiting on %s", b.kind, b.last), ErrDeviceLost)
	}

	b.state = StateInitial
	return nil
}

// Begin starts recording. A buffer whose previous submission is still executing blocks until it
// finishes.
func (b *CommandBuffer) Begin(info BeginInfo) error {
	if b.state == StateRecording || b.state == StateExecutable {
		panic(errors.AssertionFailedf("command buffer begun in state %s", b.state))
	}
	if b.level == hal.CommandBufferLevelSecondary && info.Inheritance == nil {
		return errors.WithStack(ErrMissingInheritanceInfo)
	}

	err := b.waitIdle()
	if err != nil {
		return err
	}

	err = b.native.Begin(info.native(b.level))
	if err != nil {
		return errors.Wrapf(err, "begin %s %s command buffer", b.level, b.kind)
	}

	b.secondaries = b.secondaries[:0]
	b.state = StateRecording
	return nil
}

func (b *CommandBuffer) End() error {
	if b.state != StateRecording {
		panic(errors.AssertionFailedf("command buffer ended in state %s", b.state))
	}

	err := b.native.End()
	if err != nil {
		return errors.Wrapf(err, "end %s %s command buffer", b.level, b.kind)
	}

	b.state = StateExecutable
	return nil
}

func timelineWaits(points []timeline.SyncPoint) []hal.TimelineWait {
	waits := make([]hal.TimelineWait, 0, len(points))
	for _, point := range points {
		// An unregistered timeline belongs to a buffer that was freed after its work completed
		tl, ok := point.Timeline()
		if !ok {
			continue
		}

		stage := point.Stage
		if stage == 0 {
			stage = core1_0.PipelineStageAllCommands
		}
		waits = append(waits, hal.TimelineWait{Timeline: tl, Value: point.Value, Stage: stage})
	}
	return waits
}

// Submit hands the recorded work to the buffer's queue and returns the SyncPoint reached when it
// completes. The submission does not start executing until every wait point has resolved; the
// CPU never blocks on them. Each signal point's timeline is advanced to its value along with the
// buffer's own. Signal points must not name a command buffer's timeline.
func (b *CommandBuffer) Submit(waits []timeline.SyncPoint, signals []timeline.SyncPoint, fence hal.Fence) (timeline.SyncPoint, error) {
	if b.level != hal.CommandBufferLevelPrimary {
		panic(errors.AssertionFailedf("secondary command buffers cannot be submitted"))
	}
	if b.state != StateExecutable {
		panic(errors.AssertionFailedf("command buffer submitted in state %s", b.state))
	}

	for _, point := range signals {
		if point.Owned() {
			panic(errors.AssertionFailedf("signal %s targets a command buffer timeline", point))
		}
	}

	next := b.counter + 1
	info := hal.SubmitInfo{
		CommandBuffers: []hal.CommandBuffer{b.native},
		Waits:          timelineWaits(waits),
		Signals:        []hal.TimelineSignal{{Timeline: b.timeline, Value: next}},
	}
	for _, point := range signals {
		tl, ok := point.Timeline()
		if !ok {
			continue
		}
		info.Signals = append(info.Signals, hal.TimelineSignal{Timeline: tl, Value: point.Value})
	}

	err := b.queues.Submit(b.kind, []hal.SubmitInfo{info}, fence)
	if err != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "CommandBuffer::Submit",
			slog.String("Queue", b.kind.String()),
			slog.Any("error", err),
		)
		return timeline.SyncPoint{}, errors.Mark(errors.Wrapf(err, "submit to %s queue", b.kind), ErrDeviceLost)
	}

	b.counter = next
	b.state = StatePending
	b.last = b.registry.Point(b.timelineID, next, b.kind.SignalStages())

	for _, secondary := range b.secondaries {
		secondary.state = StatePending
		secondary.last = b.last
	}
	b.secondaries = b.secondaries[:0]

	return b.last, nil
}

func (b *CommandBuffer) checkRecording(operation string) {
	if b.state != StateRecording {
		panic(errors.AssertionFailedf("%s recorded in state %s", operation, b.state))
	}
}

func (b *CommandBuffer) PipelineBarrier(barrier hal.Barrier) {
	b.checkRecording("PipelineBarrier")
	b.native.PipelineBarrier(barrier)
}

func (b *CommandBuffer) CopyBuffer(src, dst hal.Buffer, regions ...core1_0.BufferCopy) {
	b.checkRecording("CopyBuffer")
	b.native.CopyBuffer(src, dst, regions)
}

func (b *CommandBuffer) BindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline hal.Pipeline) {
	b.checkRecording("BindPipeline")
	b.native.BindPipeline(bindPoint, pipeline)
}

func (b *CommandBuffer) BindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout hal.PipelineLayout, firstSet int, sets ...hal.DescriptorSet) {
	b.checkRecording("BindDescriptorSets")
	b.native.BindDescriptorSets(bindPoint, layout, firstSet, sets)
}

func (b *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	b.checkRecording("Draw")
	b.native.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

func (b *CommandBuffer) Dispatch(groupCountX, groupCountY, groupCountZ int) {
	b.checkRecording("Dispatch")
	b.native.Dispatch(groupCountX, groupCountY, groupCountZ)
}

// ExecuteCommands records the execution of finished secondary buffers. The secondaries become
// pending along with this buffer's next submission.
func (b *CommandBuffer) ExecuteCommands(secondaries ...*CommandBuffer) {
	b.checkRecording("ExecuteCommands")

	natives := make([]hal.CommandBuffer, 0, len(secondaries))
	for _, secondary := range secondaries {
		if secondary.level != hal.CommandBufferLevelSecondary {
			panic(errors.AssertionFailedf("primary command buffer passed to ExecuteCommands"))
		}
		if secondary.state != StateExecutable {
			panic(errors.AssertionFailedf("secondary command buffer executed in state %s", secondary.state))
		}
		natives = append(natives, secondary.native)
	}

	b.native.ExecuteCommands(natives)
	b.secondaries = append(b.secondaries, secondaries...)
}

// Package command records and submits GPU work. Buffers come from a PoolMatrix holding one native
// pool per (frame slot, recording thread, queue kind) so that threads recording the same frame
// never share a pool.
package command

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/timeline"
	"golang.org/x/exp/slog"
)

// FrameClock is told the running frame number each time a frame slot is reset. The memory
// allocator implements it.
type FrameClock interface {
	SetCurrentFrameIndex(frameIndex int)
}

type poolCell struct {
	mutex  sync.Mutex
	frame  int
	thread int
	kind   hal.QueueKind

	native   hal.CommandPool
	active   []*CommandBuffer
	recycled [2][]*CommandBuffer
}

type PoolMatrix struct {
	logger   *slog.Logger
	device   hal.Device
	queues   *QueueSet
	registry *timeline.Registry
	clock    FrameClock
	options  Options

	cells       []*poolCell
	frameNumber int

	immediateMutex sync.Mutex
	immediate      [hal.QueueKindCount]*poolCell
}

func NewPoolMatrix(logger *slog.Logger, device hal.Device, clock FrameClock, options Options) (*PoolMatrix, error) {
	if logger == nil {
		return nil, errors.New("command.NewPoolMatrix requires a logger")
	}

	err := options.setDefaults()
	if err != nil {
		return nil, err
	}

	matrix := &PoolMatrix{
		logger:   logger,
		device:   device,
		queues:   NewQueueSet(device),
		registry: timeline.NewRegistry(options.WaitTimeout),
		clock:    clock,
		options:  options,
		cells:    make([]*poolCell, options.FramesInFlight*options.MaxThreads*hal.QueueKindCount),
	}

	for frame := 0; frame < options.FramesInFlight; frame++ {
		for thread := 0; thread < options.MaxThreads; thread++ {
			for _, kind := range hal.QueueKinds {
				matrix.cells[matrix.cellIndex(frame, thread, kind)] = &poolCell{frame: frame, thread: thread, kind: kind}
			}
		}
	}

	for _, kind := range hal.QueueKinds {
		matrix.immediate[kind] = &poolCell{frame: -1, thread: -1, kind: kind}
	}

	return matrix, nil
}

func (m *PoolMatrix) cellIndex(frame, thread int, kind hal.QueueKind) int {
	return (frame*m.options.MaxThreads+thread)*hal.QueueKindCount + int(kind)
}

func (m *PoolMatrix) cell(frame, thread int, kind hal.QueueKind) *poolCell {
	if frame < 0 || frame >= m.options.FramesInFlight {
		panic(errors.AssertionFailedf("frame %d outside of %d frames in flight", frame, m.options.FramesInFlight))
	}
	if thread < 0 || thread >= m.options.MaxThreads {
		panic(errors.AssertionFailedf("thread %d outside of %d recording threads", thread, m.options.MaxThreads))
	}
	if kind < 0 || kind >= hal.QueueKindCount {
		panic(errors.AssertionFailedf("unknown queue kind %d", int(kind)))
	}

	return m.cells[m.cellIndex(frame, thread, kind)]
}

func (m *PoolMatrix) Options() Options { return m.options }

func (m *PoolMatrix) Queues() *QueueSet { return m.queues }

// Registry resolves the SyncPoints of every buffer the matrix hands out
func (m *PoolMatrix) Registry() *timeline.Registry { return m.registry }

// FrameNumber is the number of ResetAll calls so far
func (m *PoolMatrix) FrameNumber() int { return m.frameNumber }

// Allocate returns a command buffer in the Initial state from the (frame, thread, kind) cell.
// Buffers recycled by the cell's last reset are reused before new ones are allocated.
func (m *PoolMatrix) Allocate(frame, thread int, kind hal.QueueKind, level hal.CommandBufferLevel) (*CommandBuffer, error) {
	cell := m.cell(frame, thread, kind)

	cell.mutex.Lock()
	defer cell.mutex.Unlock()

	return m.allocateLocked(cell, level)
}

func (m *PoolMatrix) allocateLocked(cell *poolCell, level hal.CommandBufferLevel) (*CommandBuffer, error) {
	if cell.native == nil {
		native, err := m.device.CreateCommandPool(cell.kind)
		if err != nil {
			return nil, errors.Wrapf(err, "command pool for frame %d thread %d queue %s", cell.frame, cell.thread, cell.kind)
		}
		cell.native = native

		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "PoolMatrix::CreatePool",
			slog.Int("Frame", cell.frame),
			slog.Int("Thread", cell.thread),
			slog.String("Queue", cell.kind.String()),
		)
	}

	if n := len(cell.recycled[level]); n > 0 {
		buffer := cell.recycled[level][n-1]
		cell.recycled[level] = cell.recycled[level][:n-1]
		cell.active = append(cell.active, buffer)
		return buffer, nil
	}

	natives, err := cell.native.Allocate(level, 1)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %s command buffer", level)
	}

	buffer := &CommandBuffer{
		logger:   m.logger,
		cell:     cell,
		native:   natives[0],
		level:    level,
		kind:     cell.kind,
		queues:   m.queues,
		registry: m.registry,
	}

	if level == hal.CommandBufferLevelPrimary {
		buffer.timeline, err = m.device.CreateTimeline(0)
		if err != nil {
			cell.native.Free(natives)
			return nil, errors.Wrap(err, "command buffer timeline")
		}
		buffer.timelineID = m.registry.RegisterOwned(buffer.timeline)
	}

	cell.active = append(cell.active, buffer)
	return buffer, nil
}

// Immediate records a one-shot primary buffer on a pool kept apart from the frame cells, submits
// it and blocks until the GPU has executed it. It is meant for uploads outside of the frame loop;
// every call stalls the calling goroutine.
func (m *PoolMatrix) Immediate(kind hal.QueueKind, waits []timeline.SyncPoint, record func(buffer *CommandBuffer)) error {
	if kind < 0 || kind >= hal.QueueKindCount {
		panic(errors.AssertionFailedf("unknown queue kind %d", int(kind)))
	}

	m.immediateMutex.Lock()
	defer m.immediateMutex.Unlock()

	cell := m.immediate[kind]
	cell.mutex.Lock()
	defer cell.mutex.Unlock()

	buffer, err := m.allocateLocked(cell, hal.CommandBufferLevelPrimary)
	if err != nil {
		return err
	}

	// A failed one-shot buffer goes back to the cell instead of staying active
	recycle := func(err error) error {
		if buffer.state == StateRecording {
			buffer.state = StateExecutable
		}
		return errors.CombineErrors(err, m.resetLocked(cell))
	}

	err = buffer.Begin(BeginInfo{OneTimeSubmit: true})
	if err != nil {
		return recycle(err)
	}
	record(buffer)
	err = buffer.End()
	if err != nil {
		return recycle(err)
	}

	point, err := buffer.Submit(waits, nil, nil)
	if err != nil {
		return recycle(err)
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "PoolMatrix::Immediate",
		slog.String("Queue", kind.String()),
		slog.String("SyncPoint", point.String()),
	)

	// Waiting here leaves the cell with nothing pending, so it can be reset right away
	err = buffer.waitIdle()
	if err != nil {
		return err
	}
	return m.resetLocked(cell)
}

func removeBuffer(buffers []*CommandBuffer, buffer *CommandBuffer) ([]*CommandBuffer, bool) {
	for i, candidate := range buffers {
		if candidate == buffer {
			return append(buffers[:i], buffers[i+1:]...), true
		}
	}
	return buffers, false
}

// Free waits for the buffer's last submission, then returns it to its native pool. SyncPoints on
// the buffer's timeline are satisfied from then on.
func (m *PoolMatrix) Free(buffer *CommandBuffer) error {
	err := buffer.waitIdle()
	if err != nil {
		return err
	}

	cell := buffer.cell
	cell.mutex.Lock()
	defer cell.mutex.Unlock()

	var found bool
	cell.active, found = removeBuffer(cell.active, buffer)
	if !found {
		cell.recycled[buffer.level], found = removeBuffer(cell.recycled[buffer.level], buffer)
	}
	if !found {
		panic(errors.AssertionFailedf("command buffer freed twice or freed to the wrong matrix"))
	}

	m.destroyBuffer(buffer)
	cell.native.Free([]hal.CommandBuffer{buffer.native})
	return nil
}

func (m *PoolMatrix) destroyBuffer(buffer *CommandBuffer) {
	if buffer.timeline != nil {
		m.registry.Unregister(buffer.timelineID)
		buffer.timeline.Destroy()
		buffer.timeline = nil
	}
}

// ResetAll recycles every buffer allocated from frame's cells since they were last reset. It waits
// for each buffer's last submission, which only blocks if the GPU is a full frame cycle behind,
// and then tells the frame clock a new frame has started.
func (m *PoolMatrix) ResetAll(frame int) error {
	for thread := 0; thread < m.options.MaxThreads; thread++ {
		for _, kind := range hal.QueueKinds {
			err := m.resetCell(m.cell(frame, thread, kind))
			if err != nil {
				return err
			}
		}
	}

	m.frameNumber++
	if m.clock != nil {
		m.clock.SetCurrentFrameIndex(m.frameNumber)
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "PoolMatrix::ResetAll",
		slog.Int("Frame", frame),
		slog.Int("FrameNumber", m.frameNumber),
	)
	return nil
}

func (m *PoolMatrix) resetCell(cell *poolCell) error {
	cell.mutex.Lock()
	defer cell.mutex.Unlock()

	return m.resetLocked(cell)
}

func (m *PoolMatrix) resetLocked(cell *poolCell) error {
	if cell.native == nil || len(cell.active) == 0 {
		return nil
	}

	for _, buffer := range cell.active {
		err := buffer.waitIdle()
		if err != nil {
			return err
		}
		if buffer.state == StateRecording {
			panic(errors.AssertionFailedf("frame %d reset while a %s buffer is still recording", cell.frame, cell.kind))
		}
	}

	err := cell.native.Reset()
	if err != nil {
		return errors.Wrapf(err, "reset command pool for frame %d thread %d queue %s", cell.frame, cell.thread, cell.kind)
	}

	for _, buffer := range cell.active {
		buffer.state = StateInitial
		buffer.secondaries = buffer.secondaries[:0]
		cell.recycled[buffer.level] = append(cell.recycled[buffer.level], buffer)
	}
	cell.active = cell.active[:0]
	return nil
}

// Destroy frees every pool in the matrix. The device must be idle.
func (m *PoolMatrix) Destroy() {
	cells := append(append([]*poolCell(nil), m.cells...), m.immediate[:]...)
	for _, cell := range cells {
		cell.mutex.Lock()
		if cell.native != nil {
			for _, buffers := range [][]*CommandBuffer{cell.active, cell.recycled[0], cell.recycled[1]} {
				for _, buffer := range buffers {
					m.destroyBuffer(buffer)
				}
			}
			cell.native.Destroy()
			cell.native = nil
		}
		cell.active = nil
		cell.recycled = [2][]*CommandBuffer{}
		cell.mutex.Unlock()
	}
}

package simulated

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
)

type bufferState int

const (
	bufferInitial bufferState = iota
	bufferRecording
	bufferExecutable
)

func (s bufferState) String() string {
	switch s {
	case bufferInitial:
		return "Initial"
	case bufferRecording:
		return "Recording"
	case bufferExecutable:
		return "Executable"
	}
	return fmt.Sprintf("bufferState(%d)", int(s))
}

type CommandPool struct {
	device    *Device
	kind      hal.QueueKind
	buffers   map[*CommandBuffer]struct{}
	resets    int
	destroyed bool
}

var _ hal.CommandPool = &CommandPool{}

func (d *Device) CreateCommandPool(kind hal.QueueKind) (hal.CommandPool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return nil, errors.Mark(errors.New("create command pool on lost device"), hal.ErrDeviceLost)
	}

	d.objects.CommandPools++
	return &CommandPool{device: d, kind: kind, buffers: make(map[*CommandBuffer]struct{})}, nil
}

func (p *CommandPool) Kind() hal.QueueKind { return p.kind }

// Resets returns how many times the pool has been reset
func (p *CommandPool) Resets() int {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	return p.resets
}

func (p *CommandPool) Allocate(level hal.CommandBufferLevel, count int) ([]hal.CommandBuffer, error) {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	buffers := make([]hal.CommandBuffer, 0, count)
	for i := 0; i < count; i++ {
		buffer := &CommandBuffer{pool: p, level: level}
		p.buffers[buffer] = struct{}{}
		buffers = append(buffers, buffer)
	}

	return buffers, nil
}

func (p *CommandPool) Free(buffers []hal.CommandBuffer) {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	for _, buffer := range buffers {
		simBuffer := buffer.(*CommandBuffer)
		if simBuffer.pending > 0 {
			panic("simulated command buffer freed while pending execution")
		}
		delete(p.buffers, simBuffer)
	}
}

func (p *CommandPool) Reset() error {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	for buffer := range p.buffers {
		if buffer.pending > 0 {
			return errors.New("command pool reset while one of its buffers is pending execution")
		}
	}

	for buffer := range p.buffers {
		buffer.state = bufferInitial
		buffer.commands = nil
	}
	p.resets++
	return nil
}

func (p *CommandPool) Destroy() {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		panic("simulated command pool destroyed twice")
	}
	p.destroyed = true
	p.device.objects.CommandPools--
}

// Command is one recorded operation. Name is the operation, Args its parameters.
type Command struct {
	Name string
	Args []any

	run func()
}

type CommandBuffer struct {
	pool     *CommandPool
	level    hal.CommandBufferLevel
	state    bufferState
	pending  int
	begins   int
	commands []Command
}

var _ hal.CommandBuffer = &CommandBuffer{}

func (b *CommandBuffer) Level() hal.CommandBufferLevel { return b.level }

func (b *CommandBuffer) Begin(info hal.BeginInfo) error {
	b.pool.device.mutex.Lock()
	defer b.pool.device.mutex.Unlock()

	if b.pending > 0 {
		return errors.New("command buffer begun while pending execution")
	}
	if b.level == hal.CommandBufferLevelSecondary && info.Inheritance == nil {
		return errors.New("secondary command buffer begun without inheritance info")
	}

	b.state = bufferRecording
	b.commands = nil
	b.begins++
	return nil
}

func (b *CommandBuffer) End() error {
	b.pool.device.mutex.Lock()
	defer b.pool.device.mutex.Unlock()

	if b.state != bufferRecording {
		return errors.Newf("command buffer ended in state %s", b.state)
	}

	b.state = bufferExecutable
	return nil
}

// Begins returns how many times recording was started on the buffer
func (b *CommandBuffer) Begins() int {
	b.pool.device.mutex.Lock()
	defer b.pool.device.mutex.Unlock()

	return b.begins
}

// Commands returns the operations recorded since the last Begin
func (b *CommandBuffer) Commands() []Command {
	b.pool.device.mutex.Lock()
	defer b.pool.device.mutex.Unlock()

	return append([]Command(nil), b.commands...)
}

func (b *CommandBuffer) record(name string, run func(), args ...any) {
	b.pool.device.mutex.Lock()
	defer b.pool.device.mutex.Unlock()

	if b.state != bufferRecording {
		panic(fmt.Sprintf("%s recorded outside of Begin/End", name))
	}
	b.commands = append(b.commands, Command{Name: name, Args: args, run: run})
}

// execute runs on the simulated GPU with the device mutex held
func (b *CommandBuffer) execute() {
	for _, command := range b.commands {
		if command.run != nil {
			command.run()
		}
	}
	if b.pending > 0 {
		b.pending--
	}
}

func (b *CommandBuffer) PipelineBarrier(barrier hal.Barrier) {
	b.record("PipelineBarrier", nil, barrier)
}

func (b *CommandBuffer) CopyBuffer(src, dst hal.Buffer, regions []core1_0.BufferCopy) {
	srcBuffer := src.(*Buffer)
	dstBuffer := dst.(*Buffer)

	b.record("CopyBuffer", func() {
		from := srcBuffer.contentsLocked()
		to := dstBuffer.contentsLocked()
		for _, region := range regions {
			copy(to[region.DstOffset:region.DstOffset+region.Size], from[region.SrcOffset:region.SrcOffset+region.Size])
		}
	}, src, dst, regions)
}

func (b *CommandBuffer) BindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline hal.Pipeline) {
	b.record("BindPipeline", nil, bindPoint, pipeline)
}

func (b *CommandBuffer) BindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout hal.PipelineLayout, firstSet int, sets []hal.DescriptorSet) {
	b.record("BindDescriptorSets", nil, bindPoint, layout, firstSet, sets)
}

func (b *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	b.record("Draw", nil, vertexCount, instanceCount, firstVertex, firstInstance)
}

func (b *CommandBuffer) Dispatch(groupCountX, groupCountY, groupCountZ int) {
	b.record("Dispatch", nil, groupCountX, groupCountY, groupCountZ)
}

func (b *CommandBuffer) ExecuteCommands(buffers []hal.CommandBuffer) {
	secondaries := make([]*CommandBuffer, 0, len(buffers))
	for _, buffer := range buffers {
		secondaries = append(secondaries, buffer.(*CommandBuffer))
	}

	b.record("ExecuteCommands", func() {
		for _, secondary := range secondaries {
			for _, command := range secondary.commands {
				if command.run != nil {
					command.run()
				}
			}
		}
	}, len(buffers))
}

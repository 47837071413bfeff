package simulated

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/memutils"
)

type Memory struct {
	device    *Device
	typeIndex int
	size      int
	data      []byte
	mapped    bool
	freed     bool
}

var _ hal.Memory = &Memory{}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (hal.Memory, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return nil, errors.Mark(errors.New("allocate memory on lost device"), hal.ErrDeviceLost)
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.options.MemoryTypes) {
		return nil, errors.Newf("memory type index %d out of range", memoryTypeIndex)
	}
	if size < 1 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}
	if d.objects.Memory >= d.options.MaxMemoryAllocationCount {
		return nil, errors.Mark(errors.Newf("more than %d memory objects", d.options.MaxMemoryAllocationCount), hal.ErrTooManyObjects)
	}

	heapIndex := d.options.MemoryTypes[memoryTypeIndex].HeapIndex
	if d.heapUsage[heapIndex]+size > d.options.MemoryHeaps[heapIndex].Size {
		return nil, errors.Mark(errors.Newf("heap %d cannot fit %d more bytes", heapIndex, size), hal.ErrOutOfDeviceMemory)
	}

	d.heapUsage[heapIndex] += size
	d.objects.Memory++

	return &Memory{device: d, typeIndex: memoryTypeIndex, size: size}, nil
}

func (m *Memory) Size() int { return m.size }

func (m *Memory) MemoryTypeIndex() int { return m.typeIndex }

func (m *Memory) hostVisible() bool {
	return m.device.options.MemoryTypes[m.typeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

// bytes materializes the backing store on first use
func (m *Memory) bytes() []byte {
	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	return m.data
}

func (m *Memory) Map() (unsafe.Pointer, error) {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	if m.freed {
		return nil, errors.New("map of freed memory")
	}
	if !m.hostVisible() {
		return nil, errors.Mark(errors.Newf("memory type %d is not host visible", m.typeIndex), hal.ErrNotHostVisible)
	}
	if m.mapped {
		return nil, errors.New("memory is already mapped")
	}

	m.mapped = true
	return unsafe.Pointer(&m.bytes()[0]), nil
}

func (m *Memory) Unmap() {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	m.mapped = false
}

func (m *Memory) Mapped() bool {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	return m.mapped
}

func (m *Memory) checkRange(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > m.size {
		return errors.Newf("range [%d, %d) is outside of a %d byte memory object", offset, offset+size, m.size)
	}
	atom := uint(m.device.options.NonCoherentAtomSize)
	if memutils.AlignDown(offset, atom) != offset {
		return errors.Newf("offset %d is not a multiple of the non-coherent atom size %d", offset, atom)
	}
	return nil
}

func (m *Memory) Flush(offset, size int) error {
	return m.checkRange(offset, size)
}

func (m *Memory) Invalidate(offset, size int) error {
	return m.checkRange(offset, size)
}

func (m *Memory) Free() {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	if m.freed {
		panic("simulated memory freed twice")
	}

	m.freed = true
	m.device.objects.Memory--
	m.device.heapUsage[m.device.options.MemoryTypes[m.typeIndex].HeapIndex] -= m.size
}

type binding struct {
	memory *Memory
	offset int
}

func (b *binding) bind(device *Device, reqs core1_0.MemoryRequirements, memory hal.Memory, offset int) error {
	simMemory, ok := memory.(*Memory)
	if !ok || simMemory.device != device {
		return errors.New("memory was not allocated by this simulated device")
	}
	if b.memory != nil {
		return errors.New("resource is already bound to memory")
	}
	if reqs.MemoryTypeBits&(1<<simMemory.typeIndex) == 0 {
		return errors.Newf("memory type %d is not allowed by the resource", simMemory.typeIndex)
	}
	if offset%reqs.Alignment != 0 {
		return errors.Newf("offset %d is not aligned to %d", offset, reqs.Alignment)
	}
	if offset+reqs.Size > simMemory.size {
		return errors.Newf("resource of %d bytes at offset %d overruns a %d byte memory object", reqs.Size, offset, simMemory.size)
	}

	b.memory = simMemory
	b.offset = offset
	return nil
}

type Buffer struct {
	binding
	device    *Device
	info      hal.BufferCreateInfo
	destroyed bool
}

var _ hal.Buffer = &Buffer{}

func (d *Device) CreateBuffer(info hal.BufferCreateInfo) (hal.Buffer, error) {
	if info.Size < 1 {
		return nil, errors.Newf("invalid buffer size %d", info.Size)
	}
	if info.Usage == 0 {
		return nil, errors.New("buffer usage must not be empty")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.objects.Buffers++
	return &Buffer{device: d, info: info}, nil
}

func (b *Buffer) Info() hal.BufferCreateInfo { return b.info }

func (b *Buffer) MemoryRequirements() core1_0.MemoryRequirements {
	return core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(b.info.Size, 4),
		Alignment:      b.device.options.BufferAlignment,
		MemoryTypeBits: uint32(1)<<len(b.device.options.MemoryTypes) - 1,
	}
}

func (b *Buffer) Bind(memory hal.Memory, offset int) error {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	return b.bind(b.device, b.MemoryRequirements(), memory, offset)
}

// Contents returns the bytes currently backing the buffer
func (b *Buffer) Contents() []byte {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	return append([]byte(nil), b.contentsLocked()...)
}

func (b *Buffer) contentsLocked() []byte {
	if b.memory == nil {
		return nil
	}
	return b.memory.bytes()[b.offset : b.offset+b.info.Size]
}

func (b *Buffer) Destroy() {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.destroyed {
		panic("simulated buffer destroyed twice")
	}
	b.destroyed = true
	b.device.objects.Buffers--
}

type Image struct {
	binding
	device    *Device
	info      hal.ImageCreateInfo
	destroyed bool
}

var _ hal.Image = &Image{}

func (d *Device) CreateImage(info hal.ImageCreateInfo) (hal.Image, error) {
	if info.Extent.Width < 1 || info.Extent.Height < 1 || info.Extent.Depth < 1 {
		return nil, errors.Newf("invalid image extent %dx%dx%d", info.Extent.Width, info.Extent.Height, info.Extent.Depth)
	}
	if info.MipLevels < 1 || info.ArrayLayers < 1 {
		return nil, errors.New("image requires at least one mip level and array layer")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.objects.Images++
	return &Image{device: d, info: info}, nil
}

func (i *Image) Info() hal.ImageCreateInfo { return i.info }

func (i *Image) MemoryRequirements() core1_0.MemoryRequirements {
	size := 0
	width, height, depth := i.info.Extent.Width, i.info.Extent.Height, i.info.Extent.Depth
	for level := 0; level < i.info.MipLevels; level++ {
		size += width * height * depth * 4
		width = max(width/2, 1)
		height = max(height/2, 1)
		depth = max(depth/2, 1)
	}

	return core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(size*i.info.ArrayLayers, uint(i.device.options.ImageAlignment)),
		Alignment:      i.device.options.ImageAlignment,
		MemoryTypeBits: uint32(1)<<len(i.device.options.MemoryTypes) - 1,
	}
}

func (i *Image) Bind(memory hal.Memory, offset int) error {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	return i.bind(i.device, i.MemoryRequirements(), memory, offset)
}

func (i *Image) Destroy() {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	if i.destroyed {
		panic("simulated image destroyed twice")
	}
	i.destroyed = true
	i.device.objects.Images--
}

package hal

import (
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// NoTimeout waits forever
const NoTimeout = time.Duration(1<<63 - 1)

// Device is the hardware interface the rest of keystone is written against. Objects it returns
// are not safe for concurrent use unless noted; Queue submission in particular must be
// externally synchronized.
type Device interface {
	Identity() DeviceIdentity
	MemoryProperties() MemoryProperties

	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)
	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	CreateImage(info ImageCreateInfo) (Image, error)

	CreateTimeline(initialValue uint64) (Timeline, error)
	CreateFence(signaled bool) (Fence, error)
	Queue(kind QueueKind) Queue
	CreateCommandPool(kind QueueKind) (CommandPool, error)

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayout, error)
	CreateDescriptorPool(info DescriptorPoolCreateInfo) (DescriptorPool, error)
	WriteDescriptors(writes []DescriptorWrite) error

	WaitIdle() error
	Destroy()
}

// BudgetReporter is implemented by devices able to report driver-side heap usage and budget
type BudgetReporter interface {
	HeapBudgets() []HeapUsage
}

type HeapUsage struct {
	Usage  int
	Budget int
}

// DeviceIdentity is what persisted device-specific blobs are keyed on
type DeviceIdentity struct {
	VendorID          uint32
	DeviceID          uint32
	DeviceName        string
	PipelineCacheUUID uuid.UUID
}

type MemoryProperties struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	DeviceType               core1_0.PhysicalDeviceType
	BufferImageGranularity   int
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int
}

type Memory interface {
	Size() int
	MemoryTypeIndex() int
	Map() (unsafe.Pointer, error)
	Unmap()
	Flush(offset, size int) error
	Invalidate(offset, size int) error
	Free()
}

type BufferCreateInfo struct {
	Size  int
	Usage core1_0.BufferUsageFlags
}

type ImageCreateInfo struct {
	ImageType   core1_0.ImageType
	Format      core1_0.Format
	Extent      core1_0.Extent3D
	MipLevels   int
	ArrayLayers int
	Samples     core1_0.SampleCountFlags
	Tiling      core1_0.ImageTiling
	Usage       core1_0.ImageUsageFlags
}

type Buffer interface {
	MemoryRequirements() core1_0.MemoryRequirements
	Bind(memory Memory, offset int) error
	Destroy()
}

type Image interface {
	MemoryRequirements() core1_0.MemoryRequirements
	Bind(memory Memory, offset int) error
	Destroy()
}

// Timeline is a monotonically increasing GPU-visible counter
type Timeline interface {
	Value() (uint64, error)
	// Wait blocks until the counter reaches value. It returns ErrTimeout if timeout elapses first.
	Wait(value uint64, timeout time.Duration) error
	Destroy()
}

type Fence interface {
	Wait(timeout time.Duration) error
	Signaled() (bool, error)
	Reset() error
	Destroy()
}

type TimelineWait struct {
	Timeline Timeline
	Value    uint64
	Stage    core1_0.PipelineStageFlags
}

type TimelineSignal struct {
	Timeline Timeline
	Value    uint64
}

type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	Waits          []TimelineWait
	Signals        []TimelineSignal
}

type Queue interface {
	Kind() QueueKind
	FamilyIndex() int
	Submit(submits []SubmitInfo, fence Fence) error
	WaitIdle() error
}

type CommandPool interface {
	Kind() QueueKind
	Allocate(level CommandBufferLevel, count int) ([]CommandBuffer, error)
	Free(buffers []CommandBuffer)
	// Reset returns every buffer allocated from the pool to its initial state. No buffer from the
	// pool may be pending execution.
	Reset() error
	Destroy()
}

// Pipeline, PipelineLayout, RenderPass, Framebuffer, ImageView and Sampler are created outside of
// keystone and passed through to the backend untouched.
type (
	Pipeline       interface{}
	PipelineLayout interface{}
	RenderPass     interface{}
	Framebuffer    interface{}
	ImageView      interface{}
	Sampler        interface{}
)

type InheritanceInfo struct {
	RenderPass           RenderPass
	Subpass              int
	Framebuffer          Framebuffer
	OcclusionQueryEnable bool
}

type BeginInfo struct {
	OneTimeSubmit bool
	Inheritance   *InheritanceInfo
}

type MemoryBarrier struct {
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
}

type BufferBarrier struct {
	Buffer    Buffer
	SrcAccess core1_0.AccessFlags
	DstAccess core1_0.AccessFlags
	Offset    int
	Size      int
}

type ImageBarrier struct {
	Image          Image
	SrcAccess      core1_0.AccessFlags
	DstAccess      core1_0.AccessFlags
	OldLayout      core1_0.ImageLayout
	NewLayout      core1_0.ImageLayout
	Aspect         core1_0.ImageAspectFlags
	BaseMipLevel   int
	LevelCount     int
	BaseArrayLayer int
	LayerCount     int
}

type Barrier struct {
	SrcStage core1_0.PipelineStageFlags
	DstStage core1_0.PipelineStageFlags
	Memory   []MemoryBarrier
	Buffers  []BufferBarrier
	Images   []ImageBarrier
}

// CommandBuffer is a native command buffer. Recording methods are only valid between Begin and End.
type CommandBuffer interface {
	Level() CommandBufferLevel
	Begin(info BeginInfo) error
	End() error

	PipelineBarrier(barrier Barrier)
	CopyBuffer(src, dst Buffer, regions []core1_0.BufferCopy)
	BindPipeline(bindPoint core1_0.PipelineBindPoint, pipeline Pipeline)
	BindDescriptorSets(bindPoint core1_0.PipelineBindPoint, layout PipelineLayout, firstSet int, sets []DescriptorSet)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance int)
	Dispatch(groupCountX, groupCountY, groupCountZ int)
	ExecuteCommands(buffers []CommandBuffer)
}

type DescriptorBinding struct {
	Binding int
	Type    core1_0.DescriptorType
	Count   int
	Stages  core1_0.ShaderStageFlags
	// PartiallyBound allows elements of the binding that are never written to remain unset
	PartiallyBound bool
}

type DescriptorSetLayout interface {
	Destroy()
}

type DescriptorPoolCreateInfo struct {
	MaxSets   int
	PoolSizes []core1_0.DescriptorPoolSize
}

type DescriptorPool interface {
	// Allocate returns an error marked with ErrOutOfPoolMemory when the pool cannot serve the request
	Allocate(layouts []DescriptorSetLayout) ([]DescriptorSet, error)
	Reset() error
	Destroy()
}

type DescriptorSet interface {
	Layout() DescriptorSetLayout
}

type ImageDescriptor struct {
	View    ImageView
	Sampler Sampler
	Layout  core1_0.ImageLayout
}

type DescriptorWrite struct {
	Set          DescriptorSet
	Binding      int
	ArrayElement int
	Type         core1_0.DescriptorType
	Images       []ImageDescriptor
}

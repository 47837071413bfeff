package simulated

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
)

// DeviceOptions describes the hardware the simulated device pretends to be
type DeviceOptions struct {
	Identity    hal.DeviceIdentity
	DeviceType  core1_0.PhysicalDeviceType
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	BufferImageGranularity   int
	NonCoherentAtomSize      int
	MaxMemoryAllocationCount int
	// BufferAlignment and ImageAlignment are reported in memory requirements. They default to 256 and 4096.
	BufferAlignment int
	ImageAlignment  int

	// HeapBudgets, when set, makes the device report driver budgets through hal.BudgetReporter
	HeapBudgets []hal.HeapUsage

	// ManualClock holds every submission until Step or Drain is called. Otherwise a submission
	// executes as soon as the timelines it waits on reach their values.
	ManualClock bool
	// DedicatedQueues gives compute and transfer work their own queues. Otherwise both are
	// routed to the general queue.
	DedicatedQueues bool
}

// DiscreteGPU returns options for a small discrete GPU: a device-local heap, a host heap, and a
// device-local host-visible type (resizable BAR) on the device heap
func DiscreteGPU() DeviceOptions {
	return DeviceOptions{
		DeviceType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 64 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 64 * 1024 * 1024},
		},
		BufferImageGranularity:   1,
		NonCoherentAtomSize:      1,
		MaxMemoryAllocationCount: 4096,
		DedicatedQueues:          true,
	}
}

type Objects struct {
	Memory          int
	Buffers         int
	Images          int
	Timelines       int
	Fences          int
	CommandPools    int
	DescriptorPools int
	Layouts         int
}

type Device struct {
	options DeviceOptions

	mutex sync.Mutex
	cond  *sync.Cond

	lost      bool
	destroyed bool
	heapUsage []int
	objects   Objects

	queues         [hal.QueueKindCount]*Queue
	nextTimelineID int
	submissions    []SubmissionRecord
	writes         []hal.DescriptorWrite
}

var _ hal.Device = &Device{}

func NewDevice(options DeviceOptions) (*Device, error) {
	if len(options.MemoryTypes) == 0 || len(options.MemoryHeaps) == 0 {
		return nil, errors.New("simulated device requires at least one memory type and heap")
	}

	for i, memType := range options.MemoryTypes {
		if memType.HeapIndex < 0 || memType.HeapIndex >= len(options.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to missing heap %d", i, memType.HeapIndex)
		}
	}

	if options.HeapBudgets != nil && len(options.HeapBudgets) != len(options.MemoryHeaps) {
		return nil, errors.New("simulated device HeapBudgets length does not match the heap count")
	}

	if options.BufferAlignment == 0 {
		options.BufferAlignment = 256
	}
	if options.ImageAlignment == 0 {
		options.ImageAlignment = 4096
	}
	if options.BufferImageGranularity == 0 {
		options.BufferImageGranularity = 1
	}
	if options.NonCoherentAtomSize == 0 {
		options.NonCoherentAtomSize = 1
	}
	if options.MaxMemoryAllocationCount == 0 {
		options.MaxMemoryAllocationCount = 4096
	}

	device := &Device{
		options:   options,
		heapUsage: make([]int, len(options.MemoryHeaps)),
	}
	device.cond = sync.NewCond(&device.mutex)

	device.queues[hal.QueueGeneral] = &Queue{device: device, kind: hal.QueueGeneral, family: 0}
	if options.DedicatedQueues {
		device.queues[hal.QueueCompute] = &Queue{device: device, kind: hal.QueueCompute, family: 1}
		device.queues[hal.QueueTransfer] = &Queue{device: device, kind: hal.QueueTransfer, family: 2}
	} else {
		device.queues[hal.QueueCompute] = device.queues[hal.QueueGeneral]
		device.queues[hal.QueueTransfer] = device.queues[hal.QueueGeneral]
	}

	return device, nil
}

func (d *Device) Identity() hal.DeviceIdentity {
	return d.options.Identity
}

func (d *Device) MemoryProperties() hal.MemoryProperties {
	return hal.MemoryProperties{
		MemoryTypes:              append([]core1_0.MemoryType(nil), d.options.MemoryTypes...),
		MemoryHeaps:              append([]core1_0.MemoryHeap(nil), d.options.MemoryHeaps...),
		DeviceType:               d.options.DeviceType,
		BufferImageGranularity:   d.options.BufferImageGranularity,
		NonCoherentAtomSize:      d.options.NonCoherentAtomSize,
		MaxMemoryAllocationCount: d.options.MaxMemoryAllocationCount,
	}
}

// HeapBudgets reports the configured budgets, or heap usage against full heap size when none
// were configured
func (d *Device) HeapBudgets() []hal.HeapUsage {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	budgets := make([]hal.HeapUsage, len(d.options.MemoryHeaps))
	for i := range budgets {
		if d.options.HeapBudgets != nil {
			budgets[i] = d.options.HeapBudgets[i]
			continue
		}

		budgets[i] = hal.HeapUsage{Usage: d.heapUsage[i], Budget: d.options.MemoryHeaps[i].Size}
	}

	return budgets
}

func (d *Device) Queue(kind hal.QueueKind) hal.Queue {
	return d.queues[kind]
}

func (d *Device) WaitIdle() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		if d.lost {
			return errors.Mark(errors.New("wait idle on lost device"), hal.ErrDeviceLost)
		}

		d.pumpLocked(true)
		if !d.hasPendingLocked() {
			return nil
		}

		// Whatever is left waits on a timeline only the host can signal
		d.cond.Wait()
	}
}

func (d *Device) Destroy() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.destroyed = true
}

// LoseDevice simulates a device loss: every pending and future wait and submission fails with
// hal.ErrDeviceLost
func (d *Device) LoseDevice() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lost = true
	d.cond.Broadcast()
}

// Step executes the oldest runnable submission of the first queue that has one. It returns
// false if nothing could run.
func (d *Device) Step() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.stepLocked()
}

// Drain executes submissions until none are runnable and returns how many ran
func (d *Device) Drain() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.pumpLocked(true)
}

// Pending returns the number of submitted batches the GPU has not executed yet
func (d *Device) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	count := 0
	for _, queue := range d.distinctQueues() {
		count += len(queue.pending)
	}
	return count
}

// LiveObjects counts objects that were created and not yet destroyed
func (d *Device) LiveObjects() Objects {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.objects
}

// Submissions returns every batch submitted so far, in submission order
func (d *Device) Submissions() []SubmissionRecord {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]SubmissionRecord(nil), d.submissions...)
}

// DescriptorWrites returns every descriptor write performed so far
func (d *Device) DescriptorWrites() []hal.DescriptorWrite {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]hal.DescriptorWrite(nil), d.writes...)
}

func (d *Device) distinctQueues() []*Queue {
	if !d.options.DedicatedQueues {
		return []*Queue{d.queues[hal.QueueGeneral]}
	}

	return d.queues[:]
}

func (d *Device) hasPendingLocked() bool {
	for _, queue := range d.distinctQueues() {
		if len(queue.pending) > 0 {
			return true
		}
	}
	return false
}

func (d *Device) stepLocked() bool {
	if d.lost {
		return false
	}

	for _, queue := range d.distinctQueues() {
		if len(queue.pending) == 0 {
			continue
		}

		head := queue.pending[0]
		if !head.runnable() {
			continue
		}

		queue.pending = queue.pending[1:]
		head.execute()
		d.cond.Broadcast()
		return true
	}

	return false
}

// pumpLocked runs submissions until none are runnable. In manual clock mode it only runs when
// force is set.
func (d *Device) pumpLocked(force bool) int {
	if d.options.ManualClock && !force {
		return 0
	}

	count := 0
	for d.stepLocked() {
		count++
	}
	return count
}

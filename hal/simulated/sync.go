package simulated

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
)

// waitLocked blocks on the device condition until done returns true, the device is lost, or
// timeout elapses. The device mutex must be held.
func (d *Device) waitLocked(done func() bool, timeout time.Duration) error {
	if done() {
		return nil
	}

	var timedOut bool
	if timeout != hal.NoTimeout {
		timer := time.AfterFunc(timeout, func() {
			d.mutex.Lock()
			defer d.mutex.Unlock()

			timedOut = true
			d.cond.Broadcast()
		})
		defer timer.Stop()
	}

	for !done() {
		if d.lost {
			return errors.Mark(errors.New("wait on lost device"), hal.ErrDeviceLost)
		}
		if timedOut {
			return errors.Mark(errors.Newf("wait did not complete within %s", timeout), hal.ErrTimeout)
		}

		d.cond.Wait()
	}

	return nil
}

type Timeline struct {
	device    *Device
	id        int
	value     uint64
	destroyed bool
}

var _ hal.Timeline = &Timeline{}

func (d *Device) CreateTimeline(initialValue uint64) (hal.Timeline, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextTimelineID++
	d.objects.Timelines++
	return &Timeline{device: d, id: d.nextTimelineID, value: initialValue}, nil
}

func (t *Timeline) ID() int { return t.id }

func (t *Timeline) Value() (uint64, error) {
	t.device.mutex.Lock()
	defer t.device.mutex.Unlock()

	if t.device.lost {
		return t.value, errors.Mark(errors.New("timeline read on lost device"), hal.ErrDeviceLost)
	}
	return t.value, nil
}

func (t *Timeline) Wait(value uint64, timeout time.Duration) error {
	t.device.mutex.Lock()
	defer t.device.mutex.Unlock()

	return t.device.waitLocked(func() bool { return t.value >= value }, timeout)
}

// Signal advances the timeline from the host, as a swapchain acquire or an external producer would
func (t *Timeline) Signal(value uint64) error {
	t.device.mutex.Lock()
	defer t.device.mutex.Unlock()

	if value < t.value {
		return errors.Newf("timeline %d cannot move backwards from %d to %d", t.id, t.value, value)
	}

	t.value = value
	t.device.cond.Broadcast()
	t.device.pumpLocked(false)
	return nil
}

func (t *Timeline) Destroy() {
	t.device.mutex.Lock()
	defer t.device.mutex.Unlock()

	if t.destroyed {
		panic("simulated timeline destroyed twice")
	}
	t.destroyed = true
	t.device.objects.Timelines--
}

type Fence struct {
	device    *Device
	signaled  bool
	destroyed bool
}

var _ hal.Fence = &Fence{}

func (d *Device) CreateFence(signaled bool) (hal.Fence, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.objects.Fences++
	return &Fence{device: d, signaled: signaled}, nil
}

func (f *Fence) Wait(timeout time.Duration) error {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	return f.device.waitLocked(func() bool { return f.signaled }, timeout)
}

func (f *Fence) Signaled() (bool, error) {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	return f.signaled, nil
}

func (f *Fence) Reset() error {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	f.signaled = false
	return nil
}

func (f *Fence) Destroy() {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.destroyed {
		panic("simulated fence destroyed twice")
	}
	f.destroyed = true
	f.device.objects.Fences--
}

// SubmissionRecord is what a queue saw for one submitted batch
type SubmissionRecord struct {
	Queue          hal.QueueKind
	CommandBuffers int
	Waits          []hal.TimelineWait
	Signals        []hal.TimelineSignal
}

type submission struct {
	info  hal.SubmitInfo
	fence *Fence
}

func (s *submission) runnable() bool {
	for _, wait := range s.info.Waits {
		if wait.Timeline.(*Timeline).value < wait.Value {
			return false
		}
	}
	return true
}

func (s *submission) execute() {
	for _, buffer := range s.info.CommandBuffers {
		buffer.(*CommandBuffer).execute()
	}

	for _, signal := range s.info.Signals {
		timeline := signal.Timeline.(*Timeline)
		if signal.Value > timeline.value {
			timeline.value = signal.Value
		}
	}

	if s.fence != nil {
		s.fence.signaled = true
	}
}

type Queue struct {
	device  *Device
	kind    hal.QueueKind
	family  int
	pending []*submission
}

var _ hal.Queue = &Queue{}

func (q *Queue) Kind() hal.QueueKind { return q.kind }

func (q *Queue) FamilyIndex() int { return q.family }

func (q *Queue) Submit(submits []hal.SubmitInfo, fence hal.Fence) error {
	q.device.mutex.Lock()
	defer q.device.mutex.Unlock()

	if q.device.lost {
		return errors.Mark(errors.New("submit on lost device"), hal.ErrDeviceLost)
	}

	var simFence *Fence
	if fence != nil {
		simFence = fence.(*Fence)
		if simFence.signaled {
			return errors.New("submitted with a fence that is already signaled")
		}
	}

	for i, info := range submits {
		for _, buffer := range info.CommandBuffers {
			simBuffer, ok := buffer.(*CommandBuffer)
			if !ok || simBuffer.pool.device != q.device {
				return errors.New("command buffer was not allocated by this simulated device")
			}
			if simBuffer.level != hal.CommandBufferLevelPrimary {
				return errors.New("secondary command buffers cannot be submitted to a queue")
			}
			if simBuffer.state != bufferExecutable {
				return errors.Newf("command buffer submitted in state %s", simBuffer.state)
			}
		}
		for _, wait := range info.Waits {
			if _, ok := wait.Timeline.(*Timeline); !ok {
				return errors.New("wait timeline was not created by this simulated device")
			}
		}
		for _, signal := range info.Signals {
			if _, ok := signal.Timeline.(*Timeline); !ok {
				return errors.New("signal timeline was not created by this simulated device")
			}
		}

		sub := &submission{info: info}
		if i == len(submits)-1 {
			sub.fence = simFence
		}

		for _, buffer := range info.CommandBuffers {
			buffer.(*CommandBuffer).pending++
		}

		q.pending = append(q.pending, sub)
		q.device.submissions = append(q.device.submissions, SubmissionRecord{
			Queue:          q.kind,
			CommandBuffers: len(info.CommandBuffers),
			Waits:          append([]hal.TimelineWait(nil), info.Waits...),
			Signals:        append([]hal.TimelineSignal(nil), info.Signals...),
		})
	}

	q.device.pumpLocked(false)
	return nil
}

func (q *Queue) WaitIdle() error {
	q.device.mutex.Lock()
	defer q.device.mutex.Unlock()

	q.device.pumpLocked(true)
	return q.device.waitLocked(func() bool { return len(q.pending) == 0 }, hal.NoTimeout)
}

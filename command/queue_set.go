package command

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
)

type lockedQueue struct {
	mutex sync.Mutex
	queue hal.Queue
}

// QueueSet serializes submission to each of a device's queues. Queue kinds the device routes to
// the same native queue share a lock.
type QueueSet struct {
	queues [hal.QueueKindCount]*lockedQueue
}

func NewQueueSet(device hal.Device) *QueueSet {
	set := &QueueSet{}

	for _, kind := range hal.QueueKinds {
		queue := device.Queue(kind)
		for _, earlier := range hal.QueueKinds[:kind] {
			if set.queues[earlier].queue == queue {
				set.queues[kind] = set.queues[earlier]
				break
			}
		}

		if set.queues[kind] == nil {
			set.queues[kind] = &lockedQueue{queue: queue}
		}
	}

	return set
}

func (s *QueueSet) Queue(kind hal.QueueKind) hal.Queue {
	return s.queues[kind].queue
}

// Shared reports whether two queue kinds submit to the same native queue
func (s *QueueSet) Shared(a, b hal.QueueKind) bool {
	return s.queues[a] == s.queues[b]
}

func (s *QueueSet) Submit(kind hal.QueueKind, submits []hal.SubmitInfo, fence hal.Fence) error {
	locked := s.queues[kind]
	locked.mutex.Lock()
	defer locked.mutex.Unlock()

	return locked.queue.Submit(submits, fence)
}

func (s *QueueSet) sharedWithEarlier(kind hal.QueueKind) bool {
	for _, earlier := range hal.QueueKinds[:kind] {
		if s.Shared(earlier, kind) {
			return true
		}
	}
	return false
}

// WaitIdle waits for every distinct queue to drain
func (s *QueueSet) WaitIdle() error {
	var err error
	for _, kind := range hal.QueueKinds {
		locked := s.queues[kind]
		if s.sharedWithEarlier(kind) {
			continue
		}

		locked.mutex.Lock()
		err = errors.CombineErrors(err, locked.queue.WaitIdle())
		locked.mutex.Unlock()
	}

	return err
}

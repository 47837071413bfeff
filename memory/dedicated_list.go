package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/keystone/internal/utils"
	"github.com/vkngwrapper/keystone/memutils"
)

// dedicatedAllocationList is an intrusive linked list of the allocations of one memory type that
// own their memory object
type dedicatedAllocationList struct {
	mutex utils.OptionalRWMutex

	count              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *dedicatedAllocationList) Validate() error {
	declaredCount := l.count
	actualCount := 0

	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicated {
		actualCount++
	}

	if declaredCount != actualCount {
		return errors.Newf("the listed number of dedicated allocations in the list (%d) does not match the actual number of allocations (%d)", declaredCount, actualCount)
	}

	return nil
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextDedicated {
		stats.BlockCount++
		stats.BlockBytes += item.size
		stats.AllocationCount++
		stats.AllocationBytes += item.size
	}
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextDedicated {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *dedicatedAllocationList) BuildStatsString(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := json.Name("DedicatedAllocations").Array()
	defer s.End()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicated {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.count == 0 {
		l.allocationListHead = alloc
		l.allocationListTail = alloc
		alloc.prevDedicated = nil
		alloc.nextDedicated = nil
		l.count = 1
		return
	}

	alloc.prevDedicated = l.allocationListTail
	alloc.nextDedicated = nil
	l.allocationListTail.nextDedicated = alloc
	l.allocationListTail = alloc
	l.count++
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if alloc.prevDedicated != nil {
		alloc.prevDedicated.nextDedicated = alloc.nextDedicated
	} else {
		l.allocationListHead = alloc.nextDedicated
	}

	if alloc.nextDedicated != nil {
		alloc.nextDedicated.prevDedicated = alloc.prevDedicated
	} else {
		l.allocationListTail = alloc.prevDedicated
	}

	alloc.prevDedicated = nil
	alloc.nextDedicated = nil
	l.count--
}

// Package timeline resolves SyncPoints. A SyncPoint names a timeline by ID instead of holding it,
// so a SyncPoint can outlive the command buffer that produced it: once the timeline is
// unregistered, every SyncPoint on it counts as satisfied.
package timeline

import (
	"sync"
	"time"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
)

// ID identifies a registered timeline. IDs are never reused. The zero ID is never assigned.
type ID uint64

type entry struct {
	timeline hal.Timeline
	owned    bool
}

type Registry struct {
	mutex     sync.RWMutex
	timelines *swiss.Map[ID, entry]
	nextID    ID

	waitTimeout time.Duration
}

// NewRegistry creates an empty registry. CPU waits on its SyncPoints give up after waitTimeout;
// pass hal.NoTimeout to wait forever.
func NewRegistry(waitTimeout time.Duration) *Registry {
	if waitTimeout <= 0 {
		waitTimeout = hal.NoTimeout
	}

	return &Registry{
		timelines:   swiss.NewMap[ID, entry](64),
		waitTimeout: waitTimeout,
	}
}

func (r *Registry) WaitTimeout() time.Duration { return r.waitTimeout }

func (r *Registry) Register(timeline hal.Timeline) ID {
	return r.register(timeline, false)
}

// RegisterOwned registers a timeline that only its owner may signal, such as a command buffer's
// per-submission counter. Owned timelines are rejected as extra signal targets.
func (r *Registry) RegisterOwned(timeline hal.Timeline) ID {
	return r.register(timeline, true)
}

func (r *Registry) register(timeline hal.Timeline, owned bool) ID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nextID++
	r.timelines.Put(r.nextID, entry{timeline: timeline, owned: owned})
	return r.nextID
}

// Unregister forgets a timeline. It does not destroy it.
func (r *Registry) Unregister(id ID) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.timelines.Delete(id)
}

func (r *Registry) Lookup(id ID) (hal.Timeline, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.timelines.Get(id)
	return e.timeline, ok
}

// Owned reports whether id was registered with RegisterOwned and is still registered
func (r *Registry) Owned(id ID) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.timelines.Get(id)
	return ok && e.owned
}

func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.timelines.Count()
}

// Point returns the SyncPoint reached when timeline id's counter equals value
func (r *Registry) Point(id ID, value uint64, stage core1_0.PipelineStageFlags) SyncPoint {
	return SyncPoint{ID: id, Value: value, Stage: stage, registry: r}
}

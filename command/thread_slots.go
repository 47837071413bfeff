package command

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// ThreadSlots maps worker keys to small dense indices, stable for the life of the table. Go does
// not expose goroutine identity, so workers name themselves: a worker ID, a name, anything
// comparable.
type ThreadSlots[K comparable] struct {
	mutex    sync.RWMutex
	slots    *swiss.Map[K, int]
	maxSlots int
}

func NewThreadSlots[K comparable](maxSlots int) *ThreadSlots[K] {
	return &ThreadSlots[K]{
		slots:    swiss.NewMap[K, int](uint32(maxSlots)),
		maxSlots: maxSlots,
	}
}

// Slot returns the index assigned to key, assigning the next free one on first use
func (t *ThreadSlots[K]) Slot(key K) (int, error) {
	t.mutex.RLock()
	slot, ok := t.slots.Get(key)
	t.mutex.RUnlock()
	if ok {
		return slot, nil
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	slot, ok = t.slots.Get(key)
	if ok {
		return slot, nil
	}

	slot = t.slots.Count()
	if slot >= t.maxSlots {
		return 0, errors.Wrapf(ErrTooManyThreads, "all %d thread slots are taken", t.maxSlots)
	}

	t.slots.Put(key, slot)
	return slot, nil
}

func (t *ThreadSlots[K]) Count() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.slots.Count()
}

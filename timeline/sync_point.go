package timeline

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
)

// SyncPoint is a (timeline, value, stage) triple: the work it names is done once the timeline's
// counter reaches Value, and consumers on another queue may start at Stage. The zero SyncPoint is
// always satisfied.
type SyncPoint struct {
	ID    ID
	Value uint64
	Stage core1_0.PipelineStageFlags

	registry *Registry
}

func (p SyncPoint) String() string {
	return fmt.Sprintf("SyncPoint(%d@%d)", p.ID, p.Value)
}

// IsZero reports whether the SyncPoint names no work at all
func (p SyncPoint) IsZero() bool {
	return p.ID == 0 || p.registry == nil
}

// Owned reports whether the SyncPoint is on a timeline only its owner may signal
func (p SyncPoint) Owned() bool {
	return !p.IsZero() && p.registry.Owned(p.ID)
}

// Timeline returns the registered timeline the SyncPoint is on. It returns false if there is none,
// in which case the SyncPoint is satisfied.
func (p SyncPoint) Timeline() (hal.Timeline, bool) {
	if p.IsZero() {
		return nil, false
	}

	return p.registry.Lookup(p.ID)
}

// Resolved reports whether the GPU has reached the SyncPoint without blocking
func (p SyncPoint) Resolved() (bool, error) {
	timeline, ok := p.Timeline()
	if !ok {
		return true, nil
	}

	value, err := timeline.Value()
	if err != nil {
		return false, err
	}

	return value >= p.Value, nil
}

// Wait blocks the calling goroutine until the GPU reaches the SyncPoint. A wait that runs out the
// registry's timeout is treated as a lost device.
func (p SyncPoint) Wait() error {
	timeline, ok := p.Timeline()
	if !ok {
		return nil
	}

	err := timeline.Wait(p.Value, p.registry.waitTimeout)
	if errors.Is(err, hal.ErrTimeout) {
		return errors.Mark(errors.Wrapf(err, "waiting on %s", p), hal.ErrDeviceLost)
	}
	return err
}

// Later returns whichever of two SyncPoints on the same timeline comes last. SyncPoints on
// different timelines are not ordered, so a is returned.
func Later(a, b SyncPoint) SyncPoint {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.ID != b.ID {
		return a
	}
	if b.Value > a.Value {
		return b
	}
	return a
}

package keystone

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/bindless"
	"github.com/vkngwrapper/keystone/descriptors"
	"github.com/vkngwrapper/keystone/memory"
)

// ReleasePolicy decides how released resources are kept away from in-flight GPU work
type ReleasePolicy int

const (
	// ReleaseDeferred parks released resources and slots until the frame slot they were released in
	// is next reset, by which time every command buffer of that frame has completed
	ReleaseDeferred ReleasePolicy = iota
	// ReleaseAfterIdle waits for the whole device to go idle and releases immediately
	ReleaseAfterIdle
)

func (p ReleasePolicy) String() string {
	switch p {
	case ReleaseDeferred:
		return "Deferred"
	case ReleaseAfterIdle:
		return "AfterIdle"
	}

	return fmt.Sprintf("ReleasePolicy(%d)", int(p))
}

type Options struct {
	// FramesInFlight is how many frames the CPU may record ahead of the GPU. Defaults to 2.
	FramesInFlight int
	// MaxThreads is the number of recording threads per frame. Defaults to 1.
	MaxThreads int
	// WaitTimeout bounds every CPU wait on the GPU. A wait that runs out is reported as a lost
	// device. Zero waits forever.
	WaitTimeout   time.Duration
	ReleasePolicy ReleasePolicy

	Memory memory.CreateOptions
	// Bindless.FramesInFlight is ignored; the tables are replicated once per frame in flight
	Bindless    bindless.Options
	Descriptors descriptors.Options
}

func (o *Options) setDefaults() error {
	if o.FramesInFlight == 0 {
		o.FramesInFlight = 2
	}
	if o.MaxThreads == 0 {
		o.MaxThreads = 1
	}

	if o.FramesInFlight < 0 {
		return errors.Newf("keystone.Options.FramesInFlight must be positive, got %d", o.FramesInFlight)
	}
	if o.MaxThreads < 0 {
		return errors.Newf("keystone.Options.MaxThreads must be positive, got %d", o.MaxThreads)
	}
	if o.ReleasePolicy != ReleaseDeferred && o.ReleasePolicy != ReleaseAfterIdle {
		return errors.Newf("unknown release policy %s", o.ReleasePolicy)
	}

	o.Bindless.FramesInFlight = o.FramesInFlight
	return nil
}

package command

import (
	"time"

	"github.com/cockroachdb/errors"
)

type Options struct {
	// FramesInFlight is the number of frame slots the matrix holds pools for. Defaults to 2.
	FramesInFlight int
	// MaxThreads is the number of recording threads per frame. Defaults to 1.
	MaxThreads int
	// WaitTimeout bounds CPU waits on submissions. Zero waits forever.
	WaitTimeout time.Duration
}

func (o *Options) setDefaults() error {
	if o.FramesInFlight == 0 {
		o.FramesInFlight = 2
	}
	if o.MaxThreads == 0 {
		o.MaxThreads = 1
	}

	if o.FramesInFlight < 0 {
		return errors.Newf("command.Options.FramesInFlight must be positive, got %d", o.FramesInFlight)
	}
	if o.MaxThreads < 0 {
		return errors.Newf("command.Options.MaxThreads must be positive, got %d", o.MaxThreads)
	}
	if o.WaitTimeout < 0 {
		return errors.Newf("command.Options.WaitTimeout must not be negative, got %s", o.WaitTimeout)
	}

	return nil
}

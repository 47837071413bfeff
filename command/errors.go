package command

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
)

var (
	ErrMissingInheritanceInfo = errors.New("secondary command buffers must be begun with inheritance info")
	ErrTooManyThreads         = errors.New("no free thread slot")
	// ErrDeviceLost marks submission and wait failures. It is fatal to the device session. The
	// mark is only visible to cockroachdb errors.Is or hal.IsFatal, not to the standard library.
	ErrDeviceLost = hal.ErrDeviceLost
)

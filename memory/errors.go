package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
)

var ErrInvalidUsageCombination = errors.New("invalid buffer usage combination")

// ErrNotMappable is returned when host access is requested for memory that is not host visible
var ErrNotMappable = errors.New("allocation is not host visible")

// ErrOutOfDeviceMemory is hal.ErrOutOfDeviceMemory. It is fatal for the resource being created.
var ErrOutOfDeviceMemory = hal.ErrOutOfDeviceMemory

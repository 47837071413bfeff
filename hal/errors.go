package hal

import "github.com/cockroachdb/errors"

// Backends mark native failures with these sentinels so callers can classify them with errors.Is
var (
	ErrDeviceLost        = errors.New("device lost")
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfHostMemory   = errors.New("out of host memory")
	ErrOutOfPoolMemory   = errors.New("descriptor pool exhausted")
	ErrTooManyObjects    = errors.New("too many objects")
	ErrTimeout           = errors.New("wait timed out")
	ErrNotHostVisible    = errors.New("memory is not host visible")
)

// IsFatal reports whether err ends the current device session
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrOutOfDeviceMemory) || errors.Is(err, ErrOutOfHostMemory)
}

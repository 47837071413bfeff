package keystone

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/command"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/memory"
)

// ImmediateUpload writes data into dst at offset, growing dst if needed. Host-visible buffers are
// written directly; anything else goes through a staging buffer and a transfer submission that
// is waited on before returning. Growing a buffer the GPU may still read is the caller's problem.
func (c *Context) ImmediateUpload(dst *memory.Buffer, offset int, data []byte) (err error) {
	if offset < 0 {
		return errors.Newf("invalid upload offset %d", offset)
	}
	if len(data) == 0 {
		return nil
	}

	err = dst.Grow(offset + len(data))
	if err != nil {
		return err
	}

	if dst.IsMappable() {
		err = dst.Upload(offset, data)
		if !errors.Is(err, memory.ErrNotMappable) {
			return err
		}
	}

	staging, err := memory.NewBuffer(c.allocator, dst.Name()+" staging", len(data), memory.BufferUsageTransferSrc)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, staging.Destroy())
	}()

	err = staging.Upload(0, data)
	if err != nil {
		return err
	}

	return c.matrix.Immediate(hal.QueueTransfer, nil, func(buffer *command.CommandBuffer) {
		buffer.CopyBuffer(staging.Handle(), dst.Handle(), core1_0.BufferCopy{
			DstOffset: offset,
			Size:      len(data),
		})
	})
}

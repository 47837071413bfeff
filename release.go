package keystone

import (
	"context"

	"github.com/vkngwrapper/keystone/bindless"
	"github.com/vkngwrapper/keystone/memory"
	"golang.org/x/exp/slog"
)

// Defer runs release once the GPU can no longer be using anything recorded in the current frame.
// Under ReleaseAfterIdle it waits for the device and runs release before returning.
func (c *Context) Defer(release func() error) error {
	if c.options.ReleasePolicy == ReleaseAfterIdle {
		err := c.device.WaitIdle()
		if err != nil {
			return err
		}
		return release()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.deferred[c.currentFrame] = append(c.deferred[c.currentFrame], release)
	return nil
}

// PendingReleases is the number of releases queued for a frame slot
func (c *Context) PendingReleases(frame int) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.deferred[frame])
}

func (c *Context) ReleaseBuffer(buffer *memory.Buffer) error {
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "Context::ReleaseBuffer",
		slog.String("Name", buffer.Name()),
		slog.Int("Capacity", buffer.Capacity()),
	)
	return c.Defer(buffer.Destroy)
}

func (c *Context) ReleaseImage(image *memory.Image) error {
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "Context::ReleaseImage",
		slog.String("Name", image.Name()),
	)
	return c.Defer(image.Destroy)
}

// ReleaseSlot returns a bindless slot to its pool once the frames that may still sample it have
// completed. Releasing a slot that is not live fails with bindless.ErrDoubleFree.
func (c *Context) ReleaseSlot(kind bindless.PoolKind, index uint32) error {
	if c.options.ReleasePolicy == ReleaseAfterIdle {
		err := c.device.WaitIdle()
		if err != nil {
			return err
		}
		return c.slots.ReleaseSlot(kind, index)
	}

	return c.slots.RetireSlot(kind, index, c.CurrentFrame())
}

package memory

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/hal"
	"golang.org/x/exp/slog"
)

// Buffer is a device buffer together with the memory backing it. A Buffer created with zero
// capacity has no native buffer until the first Upload. Growth destroys and recreates the native
// buffer with the same usage and name, so capacity never shrinks.
//
// The owner must make sure the GPU no longer reads the buffer before growing or destroying it.
type Buffer struct {
	allocator *Allocator
	name      string
	usage     BufferUsageFlags
	capacity  int

	handle     hal.Buffer
	allocation *Allocation
}

// NewBuffer creates a buffer of capacity bytes. Usage is validated even when capacity is zero.
func NewBuffer(allocator *Allocator, name string, capacity int, usage BufferUsageFlags) (*Buffer, error) {
	err := usage.Validate()
	if err != nil {
		return nil, err
	}
	if capacity < 0 {
		return nil, errors.Newf("invalid buffer capacity %d", capacity)
	}

	buffer := &Buffer{
		allocator: allocator,
		name:      name,
		usage:     usage,
	}

	if capacity > 0 {
		err = buffer.recreate(capacity)
		if err != nil {
			return nil, err
		}
	}

	return buffer, nil
}

func (b *Buffer) Name() string { return b.name }

func (b *Buffer) Usage() BufferUsageFlags { return b.usage }

func (b *Buffer) Capacity() int { return b.capacity }

// Handle returns the native buffer, or nil if the buffer has not been materialized yet
func (b *Buffer) Handle() hal.Buffer { return b.handle }

func (b *Buffer) Allocation() *Allocation { return b.allocation }

func (b *Buffer) recreate(capacity int) error {
	handle, allocation, err := b.allocator.createBuffer(capacity, b.usage, b.name)
	if err != nil {
		return errors.Wrapf(err, "buffer %q", b.name)
	}

	if b.handle != nil {
		err = b.allocator.DestroyBuffer(b.handle, b.allocation)
		if err != nil {
			destroyErr := b.allocator.DestroyBuffer(handle, allocation)
			return errors.CombineErrors(err, destroyErr)
		}
	}

	b.handle = handle
	b.allocation = allocation
	b.capacity = capacity
	return nil
}

// Grow makes sure the buffer holds at least capacity bytes. Existing contents are not preserved.
func (b *Buffer) Grow(capacity int) error {
	if capacity <= b.capacity {
		return nil
	}

	b.allocator.logger.LogAttrs(context.Background(), slog.LevelDebug, "Buffer::Grow",
		slog.String("Name", b.name),
		slog.Int("From", b.capacity),
		slog.Int("To", capacity),
	)
	return b.recreate(capacity)
}

// IsMappable reports whether the buffer can be written through a host pointer. A buffer that has
// not been materialized reports whether its usage may be placed in host-visible memory.
func (b *Buffer) IsMappable() bool {
	if b.allocation == nil {
		return b.usage.mayMap()
	}
	return b.allocator.IsMappable(b.allocation)
}

// Upload copies data into the buffer at offset, creating or growing the buffer as needed. The
// buffer must have been placed in host-visible memory, otherwise Upload fails with ErrNotMappable.
func (b *Buffer) Upload(offset int, data []byte) (err error) {
	if offset < 0 {
		return errors.Newf("invalid upload offset %d", offset)
	}
	if len(data) == 0 {
		return nil
	}
	if !b.usage.mayMap() {
		return errors.Wrapf(ErrNotMappable, "buffer %q has usage %s", b.name, b.usage)
	}

	err = b.Grow(offset + len(data))
	if err != nil {
		return err
	}

	if !b.allocator.IsMappable(b.allocation) {
		return errors.Wrapf(ErrNotMappable, "buffer %q was placed in memory type %d", b.name, b.allocation.memoryTypeIndex)
	}

	mapped := b.allocation.MappedData()
	if mapped == nil {
		mapped, err = b.allocator.Map(b.allocation)
		if err != nil {
			return err
		}
		defer func() {
			unmapErr := b.allocator.Unmap(b.allocation)
			if unmapErr != nil {
				err = errors.CombineErrors(err, unmapErr)
			}
		}()
	}

	copy(unsafe.Slice((*byte)(unsafe.Add(mapped, offset)), len(data)), data)
	return b.allocator.Flush(b.allocation, offset, len(data))
}

// Map returns the persistent host pointer of the buffer. It logs a warning and returns nil if
// the buffer is not host visible or not materialized.
func (b *Buffer) Map() unsafe.Pointer {
	if b.allocation == nil || b.allocation.MappedData() == nil {
		b.allocator.logger.LogAttrs(context.Background(), slog.LevelWarn, "returning nil on map of unmapped buffer", slog.String("Name", b.name))
		return nil
	}

	return b.allocation.MappedData()
}

// Destroy releases the native buffer and its memory. It is a no-op on a buffer that was never
// materialized.
func (b *Buffer) Destroy() error {
	if b.handle == nil {
		return nil
	}

	err := b.allocator.DestroyBuffer(b.handle, b.allocation)
	b.handle = nil
	b.allocation = nil
	b.capacity = 0
	return err
}

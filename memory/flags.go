package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// BufferUsageFlags describes how a buffer is going to be used. It decides both the native usage
// bits and where in memory the buffer is placed.
type BufferUsageFlags int32

var bufferUsageFlagsMapping = common.NewFlagStringMapping[BufferUsageFlags]()

func (f BufferUsageFlags) Register(str string) {
	bufferUsageFlagsMapping.Register(f, str)
}
func (f BufferUsageFlags) String() string {
	return bufferUsageFlagsMapping.FlagsToString(f)
}

const (
	// BufferUsageTransferSrc marks a staging buffer: written sequentially by the host and copied
	// from by the GPU
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	// BufferUsageTransferDst allows the buffer to be the destination of a copy
	BufferUsageTransferDst
	// BufferUsageUniform is a host-written uniform buffer, persistently mapped
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageIndirect
	// BufferUsageDeviceLocal asks for device-local placement. Combined with a host-written usage it
	// prefers memory that is both device local and host visible, and falls back to plain device
	// memory when nothing like that exists.
	BufferUsageDeviceLocal
	// BufferUsageHostReadback is a buffer the host reads back in random order, placed in
	// host-cached memory
	BufferUsageHostReadback

	gpuOnlyUsage = BufferUsageStorage | BufferUsageVertex | BufferUsageIndex
	hostWriteUsage = BufferUsageTransferSrc | BufferUsageUniform
)

func init() {
	BufferUsageTransferSrc.Register("TransferSrc")
	BufferUsageTransferDst.Register("TransferDst")
	BufferUsageUniform.Register("Uniform")
	BufferUsageStorage.Register("Storage")
	BufferUsageVertex.Register("Vertex")
	BufferUsageIndex.Register("Index")
	BufferUsageIndirect.Register("Indirect")
	BufferUsageDeviceLocal.Register("DeviceLocal")
	BufferUsageHostReadback.Register("HostReadback")
}

// Validate rejects usage combinations that have no consistent memory placement
func (f BufferUsageFlags) Validate() error {
	if f == 0 {
		return errors.Wrap(ErrInvalidUsageCombination, "buffer usage must not be empty")
	}

	if f&hostWriteUsage != 0 && f&gpuOnlyUsage != 0 {
		return errors.Wrapf(ErrInvalidUsageCombination, "usage %s combines host-written and gpu-only usage", f)
	}

	if f&BufferUsageHostReadback != 0 && f&BufferUsageUniform != 0 {
		return errors.Wrapf(ErrInvalidUsageCombination, "usage %s combines random and sequential host access", f)
	}

	return nil
}

func (f BufferUsageFlags) hostAccess() bool {
	return f&(hostWriteUsage|BufferUsageHostReadback) != 0
}

// mayMap reports whether a buffer with this usage can end up in host-visible memory
func (f BufferUsageFlags) mayMap() bool {
	return f.createFlags()&createMapped != 0
}

func (f BufferUsageFlags) deviceAccess() bool {
	if f&BufferUsageDeviceLocal != 0 {
		return true
	}
	return f&^(BufferUsageTransferSrc|BufferUsageTransferDst|BufferUsageHostReadback) != 0
}

// NativeUsage converts the usage to the device's buffer usage bits
func (f BufferUsageFlags) NativeUsage() core1_0.BufferUsageFlags {
	var usage core1_0.BufferUsageFlags

	if f&BufferUsageTransferSrc != 0 {
		usage |= core1_0.BufferUsageTransferSrc
	}
	// Buffers the host may not be able to write directly are filled by a staging copy
	if f&(BufferUsageTransferDst|BufferUsageHostReadback|BufferUsageDeviceLocal) != 0 || !f.hostAccess() {
		usage |= core1_0.BufferUsageTransferDst
	}
	if f&BufferUsageUniform != 0 {
		usage |= core1_0.BufferUsageUniformBuffer
	}
	if f&BufferUsageStorage != 0 {
		usage |= core1_0.BufferUsageStorageBuffer
	}
	if f&BufferUsageVertex != 0 {
		usage |= core1_0.BufferUsageVertexBuffer
	}
	if f&BufferUsageIndex != 0 {
		usage |= core1_0.BufferUsageIndexBuffer
	}
	if f&BufferUsageIndirect != 0 {
		usage |= core1_0.BufferUsageIndirectBuffer
	}
	return usage
}

// allocationCreateFlags are the host-access hints fed into memory type selection
type allocationCreateFlags int32

const (
	createMapped allocationCreateFlags = 1 << iota
	createHostAccessSequentialWrite
	createHostAccessRandom
	createHostAccessAllowTransferInstead
	createDedicatedMemory
)

func (f BufferUsageFlags) createFlags() allocationCreateFlags {
	var flags allocationCreateFlags

	if f&hostWriteUsage != 0 {
		flags |= createHostAccessSequentialWrite | createMapped
	}
	if f&BufferUsageHostReadback != 0 {
		flags |= createHostAccessRandom | createMapped
	}
	// Device-local resources take host-visible device memory when there is any, otherwise they
	// are filled through a transfer
	if f&BufferUsageDeviceLocal != 0 && flags&createHostAccessRandom == 0 {
		flags |= createHostAccessSequentialWrite | createHostAccessAllowTransferInstead | createMapped
	}

	return flags
}

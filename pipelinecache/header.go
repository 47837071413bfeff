// Package pipelinecache persists compiled pipeline blobs between runs. A blob is only handed back
// to the driver if it was written by the same vendor, device and driver cache UUID; anything else
// is a silent miss and the pipelines are compiled again.
package pipelinecache

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/keystone/hal"
)

const (
	HeaderSize = 32
	// HeaderVersionOne is the only header version drivers write
	HeaderVersionOne = 1
)

var ErrInvalidHeader = errors.New("invalid pipeline cache header")

// Header is the fixed prefix drivers write in front of pipeline cache data
type Header struct {
	Length   uint32
	Version  uint32
	VendorID uint32
	DeviceID uint32
	UUID     uuid.UUID
}

func HeaderFor(identity hal.DeviceIdentity) Header {
	return Header{
		Length:   HeaderSize,
		Version:  HeaderVersionOne,
		VendorID: identity.VendorID,
		DeviceID: identity.DeviceID,
		UUID:     identity.PipelineCacheUUID,
	}
}

func (h Header) String() string {
	return fmt.Sprintf("pipeline cache v%d vendor %#x device %#x uuid %s", h.Version, h.VendorID, h.DeviceID, h.UUID)
}

func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errors.Wrapf(ErrInvalidHeader, "%d bytes is shorter than the %d byte header", len(data), HeaderSize)
	}

	header := Header{
		Length:   binary.LittleEndian.Uint32(data[0:4]),
		Version:  binary.LittleEndian.Uint32(data[4:8]),
		VendorID: binary.LittleEndian.Uint32(data[8:12]),
		DeviceID: binary.LittleEndian.Uint32(data[12:16]),
	}
	copy(header.UUID[:], data[16:32])

	if header.Length < HeaderSize || int(header.Length) > len(data) {
		return Header{}, errors.Wrapf(ErrInvalidHeader, "header length %d in %d bytes of data", header.Length, len(data))
	}
	if header.Version != HeaderVersionOne {
		return Header{}, errors.Wrapf(ErrInvalidHeader, "unknown header version %d", header.Version)
	}

	return header, nil
}

// Matches reports whether data with this header may be handed to the device
func (h Header) Matches(identity hal.DeviceIdentity) bool {
	return h.VendorID == identity.VendorID &&
		h.DeviceID == identity.DeviceID &&
		h.UUID == identity.PipelineCacheUUID
}

// AppendBinary writes the header in its on-disk layout
func (h Header) AppendBinary(data []byte) []byte {
	data = binary.LittleEndian.AppendUint32(data, h.Length)
	data = binary.LittleEndian.AppendUint32(data, h.Version)
	data = binary.LittleEndian.AppendUint32(data, h.VendorID)
	data = binary.LittleEndian.AppendUint32(data, h.DeviceID)
	return append(data, h.UUID[:]...)
}

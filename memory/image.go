package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
)

// ImageDescriptor describes an image to create. Zero values of ImageType, MipLevels,
// ArrayLayers, Samples and Tiling default to a 2D, single-sampled, optimally tiled image with one
// mip and one layer. 1D images cannot be described.
type ImageDescriptor struct {
	Name        string
	ImageType   core1_0.ImageType
	Format      core1_0.Format
	Extent      core1_0.Extent3D
	MipLevels   int
	ArrayLayers int
	Samples     core1_0.SampleCountFlags
	Tiling      core1_0.ImageTiling
	Usage       core1_0.ImageUsageFlags
}

func (d ImageDescriptor) createInfo() (hal.ImageCreateInfo, error) {
	info := hal.ImageCreateInfo{
		ImageType:   d.ImageType,
		Format:      d.Format,
		Extent:      d.Extent,
		MipLevels:   d.MipLevels,
		ArrayLayers: d.ArrayLayers,
		Samples:     d.Samples,
		Tiling:      d.Tiling,
		Usage:       d.Usage,
	}

	if info.ImageType == 0 {
		info.ImageType = core1_0.ImageType2D
	}
	if info.Extent.Depth == 0 {
		info.Extent.Depth = 1
	}
	if info.MipLevels == 0 {
		info.MipLevels = 1
	}
	if info.ArrayLayers == 0 {
		info.ArrayLayers = 1
	}
	if info.Samples == 0 {
		info.Samples = core1_0.Samples1
	}

	if info.Usage == 0 {
		return info, errors.New("image usage must not be empty")
	}
	if info.Extent.Width < 1 || info.Extent.Height < 1 {
		return info, errors.Newf("invalid image extent %dx%d", info.Extent.Width, info.Extent.Height)
	}

	return info, nil
}

// Image is a device image together with the memory backing it
type Image struct {
	allocator  *Allocator
	descriptor ImageDescriptor

	handle     hal.Image
	allocation *Allocation
}

func NewImage(allocator *Allocator, descriptor ImageDescriptor) (*Image, error) {
	handle, allocation, err := allocator.CreateImage(descriptor)
	if err != nil {
		return nil, errors.Wrapf(err, "image %q", descriptor.Name)
	}

	return &Image{
		allocator:  allocator,
		descriptor: descriptor,
		handle:     handle,
		allocation: allocation,
	}, nil
}

func (i *Image) Name() string { return i.descriptor.Name }

func (i *Image) Descriptor() ImageDescriptor { return i.descriptor }

func (i *Image) Handle() hal.Image { return i.handle }

func (i *Image) Allocation() *Allocation { return i.allocation }

func (i *Image) Destroy() error {
	if i.handle == nil {
		return nil
	}

	err := i.allocator.DestroyImage(i.handle, i.allocation)
	i.handle = nil
	i.allocation = nil
	return err
}

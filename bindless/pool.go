package bindless

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// PoolKind selects one of the registry's independent slot pools
type PoolKind int

const (
	// PoolTextures holds sampled textures, combined with their sampler
	PoolTextures PoolKind = iota
	// PoolStorageImages holds images written by shaders
	PoolStorageImages

	PoolKindCount = 2
)

var PoolKinds = [PoolKindCount]PoolKind{PoolTextures, PoolStorageImages}

func (k PoolKind) String() string {
	switch k {
	case PoolTextures:
		return "Textures"
	case PoolStorageImages:
		return "StorageImages"
	}

	return fmt.Sprintf("PoolKind(%d)", int(k))
}

// Binding is the descriptor set binding the pool's table occupies
func (k PoolKind) Binding() int {
	switch k {
	case PoolTextures:
		return 0
	case PoolStorageImages:
		return 1
	}

	panic(fmt.Sprintf("unknown pool kind %d", int(k)))
}

func (k PoolKind) DescriptorType() core1_0.DescriptorType {
	switch k {
	case PoolTextures:
		return core1_0.DescriptorTypeCombinedImageSampler
	case PoolStorageImages:
		return core1_0.DescriptorTypeStorageImage
	}

	panic(fmt.Sprintf("unknown pool kind %d", int(k)))
}

// SlotPool hands out dense indices into a bindless table. Released indices are reused most
// recent first before the pool grows, so the table stays as large as the peak number of live
// slots, not the total number ever allocated. Every index below NextFresh is either free or live,
// never both.
//
// SlotPool is not safe for concurrent use.
type SlotPool struct {
	capacity  uint32
	nextFresh uint32
	free      []uint32
	live      *roaring.Bitmap
	highWater uint32
}

func NewSlotPool(capacity uint32) *SlotPool {
	return &SlotPool{
		capacity: capacity,
		live:     roaring.New(),
	}
}

func (p *SlotPool) Capacity() uint32 { return p.capacity }

// NextFresh is the lowest index that has never been handed out
func (p *SlotPool) NextFresh() uint32 { return p.nextFresh }

func (p *SlotPool) Live() int { return int(p.live.GetCardinality()) }

func (p *SlotPool) Free() int { return len(p.free) }

// HighWater is the largest number of slots that were ever live at once
func (p *SlotPool) HighWater() uint32 { return p.highWater }

func (p *SlotPool) IsLive(index uint32) bool {
	return p.live.Contains(index)
}

func (p *SlotPool) Allocate() (uint32, error) {
	var index uint32

	if n := len(p.free); n > 0 {
		index = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.nextFresh >= p.capacity {
			return 0, errors.Wrapf(ErrSlotPoolExhausted, "all %d slots are live", p.capacity)
		}
		index = p.nextFresh
		p.nextFresh++
	}

	if !p.live.CheckedAdd(index) {
		panic(fmt.Sprintf("slot %d was handed out while already live", index))
	}

	p.highWater = max(p.highWater, uint32(p.live.GetCardinality()))
	return index, nil
}

func (p *SlotPool) Release(index uint32) error {
	if !p.live.CheckedRemove(index) {
		return errors.Wrapf(ErrDoubleFree, "slot %d is not live", index)
	}

	p.free = append(p.free, index)
	return nil
}

func (p *SlotPool) Validate() error {
	if uint64(len(p.free))+p.live.GetCardinality() != uint64(p.nextFresh) {
		return errors.Newf("%d free and %d live slots do not account for the %d slots handed out",
			len(p.free), p.live.GetCardinality(), p.nextFresh)
	}

	for _, index := range p.free {
		if p.live.Contains(index) {
			return errors.Newf("slot %d is both free and live", index)
		}
		if index >= p.nextFresh {
			return errors.Newf("free slot %d was never handed out", index)
		}
	}

	return nil
}

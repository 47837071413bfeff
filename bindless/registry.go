// Package bindless hands out indices into the descriptor tables shaders use to reach textures and
// storage images by number instead of by binding.
package bindless

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/memutils"
	"golang.org/x/exp/slog"
)

const DefaultCapacity = 65536

type Options struct {
	// FramesInFlight is the number of table replicas. Defaults to 2.
	FramesInFlight int
	// TextureCapacity and StorageImageCapacity bound each pool. They default to DefaultCapacity.
	TextureCapacity      uint32
	StorageImageCapacity uint32
}

// SlotDescriptor is the resource a slot points at. Storage images ignore Sampler.
type SlotDescriptor struct {
	View    hal.ImageView
	Sampler hal.Sampler
	Layout  core1_0.ImageLayout
}

type retiredSlot struct {
	pool  PoolKind
	index uint32
}

// PoolStats describes one pool for diagnostics
type PoolStats struct {
	Pool      PoolKind
	Live      int
	Free      int
	HighWater int
	Capacity  int
}

// Registry owns both slot pools and the descriptor table they index. The table is replicated
// once per frame in flight; every write goes to all replicas because any frame may sample any
// slot written earlier.
type Registry struct {
	logger *slog.Logger
	device hal.Device

	mutex   sync.Mutex
	pools   [PoolKindCount]*SlotPool
	retired [][]retiredSlot
	// parked holds every retired slot of a pool, whichever frame it was retired in
	parked [PoolKindCount]*roaring.Bitmap

	layout         hal.DescriptorSetLayout
	descriptorPool hal.DescriptorPool
	sets           []hal.DescriptorSet
}

func New(logger *slog.Logger, device hal.Device, options Options) (*Registry, error) {
	if options.FramesInFlight == 0 {
		options.FramesInFlight = 2
	}
	if options.TextureCapacity == 0 {
		options.TextureCapacity = DefaultCapacity
	}
	if options.StorageImageCapacity == 0 {
		options.StorageImageCapacity = DefaultCapacity
	}
	if options.FramesInFlight < 0 {
		return nil, errors.Newf("bindless.Options.FramesInFlight must be positive, got %d", options.FramesInFlight)
	}

	registry := &Registry{
		logger:  logger,
		device:  device,
		retired: make([][]retiredSlot, options.FramesInFlight),
	}
	registry.pools[PoolTextures] = NewSlotPool(options.TextureCapacity)
	registry.pools[PoolStorageImages] = NewSlotPool(options.StorageImageCapacity)
	for _, kind := range PoolKinds {
		registry.parked[kind] = roaring.New()
	}

	var bindings []hal.DescriptorBinding
	var poolSizes []core1_0.DescriptorPoolSize
	for _, kind := range PoolKinds {
		capacity := int(registry.pools[kind].Capacity())
		bindings = append(bindings, hal.DescriptorBinding{
			Binding:        kind.Binding(),
			Type:           kind.DescriptorType(),
			Count:          capacity,
			Stages:         core1_0.StageVertex | core1_0.StageFragment | core1_0.StageCompute,
			PartiallyBound: true,
		})
		poolSizes = append(poolSizes, core1_0.DescriptorPoolSize{
			Type:            kind.DescriptorType(),
			DescriptorCount: capacity * options.FramesInFlight,
		})
	}

	var err error
	registry.layout, err = device.CreateDescriptorSetLayout(bindings)
	if err != nil {
		return nil, errors.Wrap(err, "bindless descriptor set layout")
	}

	registry.descriptorPool, err = device.CreateDescriptorPool(hal.DescriptorPoolCreateInfo{
		MaxSets:   options.FramesInFlight,
		PoolSizes: poolSizes,
	})
	if err != nil {
		registry.layout.Destroy()
		return nil, errors.Wrap(err, "bindless descriptor pool")
	}

	layouts := make([]hal.DescriptorSetLayout, options.FramesInFlight)
	for i := range layouts {
		layouts[i] = registry.layout
	}
	registry.sets, err = registry.descriptorPool.Allocate(layouts)
	if err != nil {
		registry.descriptorPool.Destroy()
		registry.layout.Destroy()
		return nil, errors.Wrap(err, "bindless descriptor sets")
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::New",
		slog.Int("FramesInFlight", options.FramesInFlight),
		slog.Int("TextureCapacity", int(options.TextureCapacity)),
		slog.Int("StorageImageCapacity", int(options.StorageImageCapacity)),
	)
	return registry, nil
}

func (r *Registry) pool(kind PoolKind) *SlotPool {
	if kind < 0 || kind >= PoolKindCount {
		panic(errors.AssertionFailedf("unknown pool kind %d", int(kind)))
	}
	return r.pools[kind]
}

// Layout is the descriptor set layout shaders declare for the bindless tables
func (r *Registry) Layout() hal.DescriptorSetLayout { return r.layout }

// Set returns the table replica frame binds
func (r *Registry) Set(frame int) hal.DescriptorSet { return r.sets[frame] }

func (r *Registry) FramesInFlight() int { return len(r.sets) }

func (r *Registry) AllocateSlot(kind PoolKind) (uint32, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	index, err := r.pool(kind).Allocate()
	if err != nil {
		return 0, errors.Wrapf(err, "pool %s", kind)
	}

	return index, nil
}

// ReleaseSlot returns a slot to its pool immediately. The caller guarantees no pending GPU work
// samples the slot. Releasing a slot that is not live fails with ErrDoubleFree, and panics in
// debug_keystone builds.
func (r *Registry) ReleaseSlot(kind PoolKind, index uint32) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.parked[kind].Contains(index) {
		err := errors.Wrapf(ErrDoubleFree, "pool %s slot %d released while retired", kind, index)
		memutils.DebugFail(err)
		return err
	}

	return r.releaseLocked(kind, index)
}

func (r *Registry) releaseLocked(kind PoolKind, index uint32) error {
	err := r.pool(kind).Release(index)
	if err != nil {
		err = errors.Wrapf(err, "pool %s", kind)
		memutils.DebugFail(err)
		return err
	}

	memutils.DebugValidate(r.pools[kind])
	return nil
}

// RetireSlot parks a slot until frame's slot is next reset and the GPU is known to be done with
// it. The slot stays live, and is not reused, until ReclaimFrame runs for the frame.
func (r *Registry) RetireSlot(kind PoolKind, index uint32, frame int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.pool(kind).IsLive(index) {
		err := errors.Wrapf(ErrDoubleFree, "pool %s slot %d retired while not live", kind, index)
		memutils.DebugFail(err)
		return err
	}

	if !r.parked[kind].CheckedAdd(index) {
		err := errors.Wrapf(ErrDoubleFree, "pool %s slot %d retired twice", kind, index)
		memutils.DebugFail(err)
		return err
	}

	r.retired[frame] = append(r.retired[frame], retiredSlot{pool: kind, index: index})
	return nil
}

// ReclaimFrame releases every slot retired during frame. It must only be called once all of
// frame's submissions have resolved.
func (r *Registry) ReclaimFrame(frame int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var err error
	for _, retired := range r.retired[frame] {
		r.parked[retired.pool].Remove(retired.index)
		err = errors.CombineErrors(err, r.releaseLocked(retired.pool, retired.index))
	}

	if len(r.retired[frame]) > 0 {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::ReclaimFrame",
			slog.Int("Frame", frame),
			slog.Int("Slots", len(r.retired[frame])),
		)
	}
	r.retired[frame] = r.retired[frame][:0]
	return err
}

// WriteSlot points a live slot at a resource in every table replica
func (r *Registry) WriteSlot(kind PoolKind, index uint32, descriptor SlotDescriptor) error {
	r.mutex.Lock()
	live := r.pool(kind).IsLive(index)
	r.mutex.Unlock()

	if !live {
		return errors.Wrapf(ErrSlotNotLive, "pool %s slot %d", kind, index)
	}

	image := hal.ImageDescriptor{
		View:    descriptor.View,
		Sampler: descriptor.Sampler,
		Layout:  descriptor.Layout,
	}
	if kind == PoolStorageImages {
		image.Sampler = nil
	}

	writes := make([]hal.DescriptorWrite, 0, len(r.sets))
	for _, set := range r.sets {
		writes = append(writes, hal.DescriptorWrite{
			Set:          set,
			Binding:      kind.Binding(),
			ArrayElement: int(index),
			Type:         kind.DescriptorType(),
			Images:       []hal.ImageDescriptor{image},
		})
	}

	return r.device.WriteDescriptors(writes)
}

func (r *Registry) Stats() []PoolStats {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	stats := make([]PoolStats, 0, PoolKindCount)
	for _, kind := range PoolKinds {
		pool := r.pools[kind]
		stats = append(stats, PoolStats{
			Pool:      kind,
			Live:      pool.Live(),
			Free:      pool.Free(),
			HighWater: int(pool.HighWater()),
			Capacity:  int(pool.Capacity()),
		})
	}
	return stats
}

// Destroy releases the descriptor objects. The device must be idle.
func (r *Registry) Destroy() {
	r.descriptorPool.Destroy()
	r.layout.Destroy()
}

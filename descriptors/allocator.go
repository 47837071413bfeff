// Package descriptors allocates short-lived descriptor sets from a list of pools that grows on
// demand. Sets are never freed one by one; the whole allocator is cleared once the frame that
// used them has retired.
package descriptors

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
	"golang.org/x/exp/slog"
)

const (
	DefaultInitialSets    = 64
	DefaultMaxSetsPerPool = 4092
	DefaultGrowthFactor   = 1.5
)

// PoolRatio is how many descriptors of a type each pool reserves per set
type PoolRatio struct {
	Type  core1_0.DescriptorType
	Ratio float64
}

// DefaultRatios covers the descriptor types a pass usually binds outside of the bindless tables
var DefaultRatios = []PoolRatio{
	{Type: core1_0.DescriptorTypeUniformBuffer, Ratio: 2},
	{Type: core1_0.DescriptorTypeStorageBuffer, Ratio: 2},
	{Type: core1_0.DescriptorTypeCombinedImageSampler, Ratio: 2},
	{Type: core1_0.DescriptorTypeStorageImage, Ratio: 1},
}

type Options struct {
	// InitialSets sizes the first pool. Defaults to DefaultInitialSets.
	InitialSets int
	// Ratios defaults to DefaultRatios
	Ratios []PoolRatio
	// MaxSetsPerPool caps pool growth. Defaults to DefaultMaxSetsPerPool.
	MaxSetsPerPool int
	// GrowthFactor multiplies the set count of each new pool. Defaults to DefaultGrowthFactor.
	GrowthFactor float64
}

func (o *Options) setDefaults() error {
	if o.InitialSets == 0 {
		o.InitialSets = DefaultInitialSets
	}
	if o.MaxSetsPerPool == 0 {
		o.MaxSetsPerPool = DefaultMaxSetsPerPool
	}
	if o.GrowthFactor == 0 {
		o.GrowthFactor = DefaultGrowthFactor
	}
	if o.Ratios == nil {
		o.Ratios = DefaultRatios
	}

	if o.InitialSets < 0 || o.MaxSetsPerPool < 0 {
		return errors.Newf("descriptors.Options set counts must be positive, got %d initial and %d max", o.InitialSets, o.MaxSetsPerPool)
	}
	if o.InitialSets > o.MaxSetsPerPool {
		return errors.Newf("descriptors.Options.InitialSets %d exceeds MaxSetsPerPool %d", o.InitialSets, o.MaxSetsPerPool)
	}
	if o.GrowthFactor < 1 {
		return errors.Newf("descriptors.Options.GrowthFactor must be at least 1, got %v", o.GrowthFactor)
	}
	for _, ratio := range o.Ratios {
		if ratio.Ratio <= 0 {
			return errors.Newf("descriptors.Options ratio for descriptor type %d must be positive", ratio.Type)
		}
	}

	return nil
}

type Stats struct {
	ReadyPools     int
	FullPools      int
	NextPoolSets   int
	AllocatedSets  int
	PoolsCreated   int
	GrowthFailures int
}

// Allocator hands out descriptor sets. It is safe for concurrent use.
type Allocator struct {
	logger  *slog.Logger
	device  hal.Device
	options Options

	mutex        sync.Mutex
	ready        []hal.DescriptorPool
	full         []hal.DescriptorPool
	nextPoolSets int

	allocatedSets  int
	poolsCreated   int
	growthFailures int
}

func New(logger *slog.Logger, device hal.Device, options Options) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("descriptors.New requires a logger")
	}

	err := options.setDefaults()
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:       logger,
		device:       device,
		options:      options,
		nextPoolSets: options.InitialSets,
	}

	pool, err := allocator.createPool(options.InitialSets)
	if err != nil {
		return nil, err
	}
	allocator.ready = append(allocator.ready, pool)

	return allocator, nil
}

func (a *Allocator) createPool(sets int) (hal.DescriptorPool, error) {
	sizes := make([]core1_0.DescriptorPoolSize, 0, len(a.options.Ratios))
	for _, ratio := range a.options.Ratios {
		sizes = append(sizes, core1_0.DescriptorPoolSize{
			Type:            ratio.Type,
			DescriptorCount: max(int(ratio.Ratio*float64(sets)), 1),
		})
	}

	pool, err := a.device.CreateDescriptorPool(hal.DescriptorPoolCreateInfo{
		MaxSets:   sets,
		PoolSizes: sizes,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "descriptor pool with %d sets", sets)
	}

	a.poolsCreated++
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "DescriptorAllocator::CreatePool",
		slog.Int("Sets", sets),
		slog.Int("PoolsCreated", a.poolsCreated),
	)
	return pool, nil
}

// acquirePool pops a ready pool or creates one. Every pool created after the first is larger than
// the last, up to MaxSetsPerPool.
func (a *Allocator) acquirePool() (hal.DescriptorPool, error) {
	if n := len(a.ready); n > 0 {
		pool := a.ready[n-1]
		a.ready = a.ready[:n-1]
		return pool, nil
	}

	a.nextPoolSets = min(int(float64(a.nextPoolSets)*a.options.GrowthFactor), a.options.MaxSetsPerPool)
	pool, err := a.createPool(a.nextPoolSets)
	if err != nil {
		return nil, err
	}

	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "DescriptorAllocator::Grow",
		slog.Int("Sets", a.nextPoolSets),
		slog.Int("FullPools", len(a.full)),
	)
	return pool, nil
}

// Allocate returns a set with the given layout. When the current pool is exhausted it is retired
// until the next ClearPools and the allocation is retried once in a fresh, larger pool.
func (a *Allocator) Allocate(layout hal.DescriptorSetLayout) (hal.DescriptorSet, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	pool, err := a.acquirePool()
	if err != nil {
		return nil, err
	}

	sets, err := pool.Allocate([]hal.DescriptorSetLayout{layout})
	if errors.Is(err, hal.ErrOutOfPoolMemory) {
		a.full = append(a.full, pool)

		pool, err = a.acquirePool()
		if err != nil {
			return nil, err
		}

		sets, err = pool.Allocate([]hal.DescriptorSetLayout{layout})
	}
	if err != nil {
		a.growthFailures++
		a.ready = append(a.ready, pool)
		return nil, errors.Wrap(err, "allocate descriptor set")
	}

	a.ready = append(a.ready, pool)
	a.allocatedSets++
	return sets[0], nil
}

// ClearPools resets every pool, invalidating every set handed out so far. The GPU must be done
// with all of them.
func (a *Allocator) ClearPools() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ready = append(a.ready, a.full...)
	a.full = a.full[:0]

	var err error
	for _, pool := range a.ready {
		err = errors.CombineErrors(err, pool.Reset())
	}

	a.allocatedSets = 0
	return err
}

// DestroyPools destroys every pool. The allocator may be used again afterwards.
func (a *Allocator) DestroyPools() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, pool := range a.ready {
		pool.Destroy()
	}
	for _, pool := range a.full {
		pool.Destroy()
	}

	a.ready = nil
	a.full = nil
	a.allocatedSets = 0
	a.nextPoolSets = a.options.InitialSets
}

func (a *Allocator) Stats() Stats {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return Stats{
		ReadyPools:     len(a.ready),
		FullPools:      len(a.full),
		NextPoolSets:   a.nextPoolSets,
		AllocatedSets:  a.allocatedSets,
		PoolsCreated:   a.poolsCreated,
		GrowthFailures: a.growthFailures,
	}
}

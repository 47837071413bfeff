package simulated

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/keystone/hal"
)

type DescriptorSetLayout struct {
	device    *Device
	bindings  *swiss.Map[int, hal.DescriptorBinding]
	destroyed bool
}

var _ hal.DescriptorSetLayout = &DescriptorSetLayout{}

func (d *Device) CreateDescriptorSetLayout(bindings []hal.DescriptorBinding) (hal.DescriptorSetLayout, error) {
	layout := &DescriptorSetLayout{device: d, bindings: swiss.NewMap[int, hal.DescriptorBinding](uint32(len(bindings)))}
	for _, binding := range bindings {
		if binding.Count < 1 {
			return nil, errors.Newf("binding %d has descriptor count %d", binding.Binding, binding.Count)
		}
		if layout.bindings.Has(binding.Binding) {
			return nil, errors.Newf("binding %d declared twice", binding.Binding)
		}
		layout.bindings.Put(binding.Binding, binding)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.objects.Layouts++
	return layout, nil
}

func (l *DescriptorSetLayout) Destroy() {
	l.device.mutex.Lock()
	defer l.device.mutex.Unlock()

	if l.destroyed {
		panic("simulated descriptor set layout destroyed twice")
	}
	l.destroyed = true
	l.device.objects.Layouts--
}

type DescriptorPool struct {
	device     *Device
	info       hal.DescriptorPoolCreateInfo
	sets       int
	used       map[core1_0.DescriptorType]int
	generation int
	destroyed  bool
}

var _ hal.DescriptorPool = &DescriptorPool{}

func (d *Device) CreateDescriptorPool(info hal.DescriptorPoolCreateInfo) (hal.DescriptorPool, error) {
	if info.MaxSets < 1 {
		return nil, errors.Newf("descriptor pool requires at least one set, got %d", info.MaxSets)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.objects.DescriptorPools++
	return &DescriptorPool{device: d, info: info, used: make(map[core1_0.DescriptorType]int)}, nil
}

func (p *DescriptorPool) MaxSets() int { return p.info.MaxSets }

func (p *DescriptorPool) capacity(descriptorType core1_0.DescriptorType) int {
	total := 0
	for _, size := range p.info.PoolSizes {
		if size.Type == descriptorType {
			total += size.DescriptorCount
		}
	}
	return total
}

func (p *DescriptorPool) Allocate(layouts []hal.DescriptorSetLayout) ([]hal.DescriptorSet, error) {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.sets+len(layouts) > p.info.MaxSets {
		return nil, errors.Mark(errors.Newf("pool holds %d of %d sets", p.sets, p.info.MaxSets), hal.ErrOutOfPoolMemory)
	}

	needed := make(map[core1_0.DescriptorType]int)
	for _, layout := range layouts {
		simLayout := layout.(*DescriptorSetLayout)
		simLayout.bindings.Iter(func(_ int, binding hal.DescriptorBinding) bool {
			needed[binding.Type] += binding.Count
			return false
		})
	}

	for descriptorType, count := range needed {
		if p.used[descriptorType]+count > p.capacity(descriptorType) {
			return nil, errors.Mark(errors.Newf("pool cannot fit %d more descriptors of type %d", count, descriptorType), hal.ErrOutOfPoolMemory)
		}
	}

	for descriptorType, count := range needed {
		p.used[descriptorType] += count
	}
	p.sets += len(layouts)

	sets := make([]hal.DescriptorSet, 0, len(layouts))
	for _, layout := range layouts {
		sets = append(sets, &DescriptorSet{
			pool:       p,
			layout:     layout.(*DescriptorSetLayout),
			generation: p.generation,
			contents:   swiss.NewMap[descriptorKey, hal.ImageDescriptor](8),
		})
	}
	return sets, nil
}

func (p *DescriptorPool) Reset() error {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	p.sets = 0
	p.used = make(map[core1_0.DescriptorType]int)
	p.generation++
	return nil
}

func (p *DescriptorPool) Destroy() {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		panic("simulated descriptor pool destroyed twice")
	}
	p.destroyed = true
	p.device.objects.DescriptorPools--
}

type descriptorKey struct {
	binding int
	element int
}

type DescriptorSet struct {
	pool       *DescriptorPool
	layout     *DescriptorSetLayout
	generation int
	contents   *swiss.Map[descriptorKey, hal.ImageDescriptor]
}

var _ hal.DescriptorSet = &DescriptorSet{}

func (s *DescriptorSet) Layout() hal.DescriptorSetLayout { return s.layout }

// Image returns the descriptor written to an element of a binding
func (s *DescriptorSet) Image(binding, element int) (hal.ImageDescriptor, bool) {
	s.pool.device.mutex.Lock()
	defer s.pool.device.mutex.Unlock()

	return s.contents.Get(descriptorKey{binding: binding, element: element})
}

func (d *Device) WriteDescriptors(writes []hal.DescriptorWrite) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, write := range writes {
		set, ok := write.Set.(*DescriptorSet)
		if !ok || set.pool.device != d {
			return errors.New("descriptor set was not allocated by this simulated device")
		}
		if set.generation != set.pool.generation {
			return errors.New("descriptor set was written after its pool was reset")
		}

		binding, ok := set.layout.bindings.Get(write.Binding)
		if !ok {
			return errors.Newf("layout has no binding %d", write.Binding)
		}
		if binding.Type != write.Type {
			return errors.Newf("binding %d holds descriptor type %d, not %d", write.Binding, binding.Type, write.Type)
		}
		if write.ArrayElement < 0 || write.ArrayElement+len(write.Images) > binding.Count {
			return errors.Newf("elements [%d, %d) are outside of binding %d with %d elements",
				write.ArrayElement, write.ArrayElement+len(write.Images), write.Binding, binding.Count)
		}

		for i, image := range write.Images {
			set.contents.Put(descriptorKey{binding: write.Binding, element: write.ArrayElement + i}, image)
		}
		d.writes = append(d.writes, write)
	}

	return nil
}

package keystone

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/keystone/bindless"
	"github.com/vkngwrapper/keystone/command"
	"github.com/vkngwrapper/keystone/descriptors"
	"github.com/vkngwrapper/keystone/diagnostics"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/memory"
	"github.com/vkngwrapper/keystone/pipelinecache"
	"github.com/vkngwrapper/keystone/timeline"
	"golang.org/x/exp/slog"
)

// Context is everything keystone keeps for one device. AcquireFrameSlot, ResetAll and BeginFrame
// must be called from the goroutine driving the frame loop; the rest is safe for concurrent use.
type Context struct {
	logger  *slog.Logger
	device  hal.Device
	options Options

	allocator   *memory.Allocator
	slots       *bindless.Registry
	matrix      *command.PoolMatrix
	descriptors []*descriptors.Allocator
	threads     *command.ThreadSlots[string]

	mutex        sync.Mutex
	nextFrame    int
	currentFrame int
	frames       []*Frame
	deferred     [][]func() error
}

// New builds a Context on a device. The logger is shared with every subsystem.
func New(logger *slog.Logger, device hal.Device, options Options) (_ *Context, err error) {
	if logger == nil {
		return nil, errors.New("keystone.New requires a logger")
	}

	err = options.setDefaults()
	if err != nil {
		return nil, err
	}

	c := &Context{
		logger:   logger,
		device:   device,
		options:  options,
		threads:  command.NewThreadSlots[string](options.MaxThreads),
		frames:   make([]*Frame, options.FramesInFlight),
		deferred: make([][]func() error, options.FramesInFlight),
	}
	defer func() {
		if err != nil {
			c.destroySubsystems()
		}
	}()

	c.allocator, err = memory.New(logger, device, options.Memory)
	if err != nil {
		return nil, err
	}

	c.slots, err = bindless.New(logger, device, options.Bindless)
	if err != nil {
		return nil, err
	}

	c.matrix, err = command.NewPoolMatrix(logger, device, c.allocator, command.Options{
		FramesInFlight: options.FramesInFlight,
		MaxThreads:     options.MaxThreads,
		WaitTimeout:    options.WaitTimeout,
	})
	if err != nil {
		return nil, err
	}

	for frame := 0; frame < options.FramesInFlight; frame++ {
		allocator, err := descriptors.New(logger, device, options.Descriptors)
		if err != nil {
			return nil, errors.Wrapf(err, "descriptor allocator for frame %d", frame)
		}
		c.descriptors = append(c.descriptors, allocator)
		c.frames[frame] = &Frame{context: c, index: frame}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Context::New",
		slog.Int("FramesInFlight", options.FramesInFlight),
		slog.Int("MaxThreads", options.MaxThreads),
		slog.String("ReleasePolicy", options.ReleasePolicy.String()),
	)
	return c, nil
}

func (c *Context) Options() Options { return c.options }

func (c *Context) Device() hal.Device { return c.device }

func (c *Context) Allocator() *memory.Allocator { return c.allocator }

func (c *Context) Slots() *bindless.Registry { return c.slots }

func (c *Context) Matrix() *command.PoolMatrix { return c.matrix }

// Timelines resolves every SyncPoint handed out by the Context
func (c *Context) Timelines() *timeline.Registry { return c.matrix.Registry() }

// FrameNumber is the number of frame slots reset so far
func (c *Context) FrameNumber() int { return c.matrix.FrameNumber() }

// CurrentFrame is the frame slot returned by the last AcquireFrameSlot
func (c *Context) CurrentFrame() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.currentFrame
}

// AcquireFrameSlot returns the next frame slot, round robin over FramesInFlight
func (c *Context) AcquireFrameSlot() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	frame := c.nextFrame
	c.nextFrame = (frame + 1) % c.options.FramesInFlight
	c.currentFrame = frame
	return frame
}

// ResetAll prepares a frame slot to be recorded again. It waits for the GPU to finish the work
// the slot recorded last cycle, then recycles its command buffers and descriptor sets and
// carries out the releases queued while the slot was last current.
func (c *Context) ResetAll(frame int) error {
	if frame < 0 || frame >= c.options.FramesInFlight {
		panic(errors.AssertionFailedf("frame %d out of range, %d frames in flight", frame, c.options.FramesInFlight))
	}

	err := c.matrix.ResetAll(frame)
	if err != nil {
		return err
	}

	err = c.descriptors[frame].ClearPools()
	if err != nil {
		return err
	}

	c.mutex.Lock()
	pending := c.deferred[frame]
	c.deferred[frame] = nil
	c.mutex.Unlock()

	err = runReleases(pending)
	err = errors.CombineErrors(err, c.slots.ReclaimFrame(frame))

	c.frames[frame].reset(c.matrix.FrameNumber())

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "Context::ResetAll",
		slog.Int("Frame", frame),
		slog.Int("Released", len(pending)),
	)
	return err
}

// BeginFrame acquires the next frame slot and resets it
func (c *Context) BeginFrame() (*Frame, error) {
	frame := c.AcquireFrameSlot()

	err := c.ResetAll(frame)
	if err != nil {
		return nil, err
	}

	return c.frames[frame], nil
}

// Frame returns the state of a frame slot
func (c *Context) Frame(frame int) *Frame {
	return c.frames[frame]
}

// ThreadSlot maps a recording worker to its dense thread index
func (c *Context) ThreadSlot(worker string) (int, error) {
	return c.threads.Slot(worker)
}

// WaitIdle blocks until the device has finished every submission
func (c *Context) WaitIdle() error {
	return c.device.WaitIdle()
}

// Diagnostics gathers the heap budgets, slot pools and descriptor pools into one collector
func (c *Context) Diagnostics() *diagnostics.Collector {
	return diagnostics.NewCollector(diagnostics.Sources{
		Budgets:     c.allocator,
		Slots:       c.slots,
		Descriptors: frameDescriptors(c.descriptors),
	})
}

// LoadPipelineCache reads a pipeline cache blob written for this device. It returns nil when there
// is no usable blob.
func (c *Context) LoadPipelineCache(path string) ([]byte, error) {
	return pipelinecache.Load(c.logger, path, c.device.Identity())
}

func (c *Context) StorePipelineCache(path string, data []byte) error {
	return pipelinecache.Store(path, data)
}

// Destroy waits for the device to go idle, carries out every queued release and destroys every
// subsystem. Allocations still alive at this point are reported as an error. Destroying a Context
// twice is a no-op.
func (c *Context) Destroy() error {
	if c.allocator == nil {
		return nil
	}

	err := c.device.WaitIdle()
	if hal.IsFatal(err) {
		// Nothing is running on a lost device, so everything can be torn down
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, "Context::Destroy on lost device",
			slog.String("Error", err.Error()),
		)
		err = nil
	}
	if err != nil {
		return err
	}

	c.mutex.Lock()
	deferred := c.deferred
	c.deferred = make([][]func() error, c.options.FramesInFlight)
	c.mutex.Unlock()

	var releaseErr error
	for frame, pending := range deferred {
		releaseErr = errors.CombineErrors(releaseErr, runReleases(pending))
		releaseErr = errors.CombineErrors(releaseErr, c.slots.ReclaimFrame(frame))
	}

	destroyErr := c.destroySubsystems()
	if destroyErr != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelError, "Context::Destroy leaked resources",
			slog.String("Error", destroyErr.Error()),
		)
	}

	return errors.CombineErrors(releaseErr, destroyErr)
}

func (c *Context) destroySubsystems() error {
	for _, allocator := range c.descriptors {
		allocator.DestroyPools()
	}
	c.descriptors = nil

	if c.matrix != nil {
		c.matrix.Destroy()
		c.matrix = nil
	}

	if c.slots != nil {
		c.slots.Destroy()
		c.slots = nil
	}

	if c.allocator != nil {
		err := c.allocator.Destroy()
		c.allocator = nil
		return err
	}

	return nil
}

func runReleases(releases []func() error) error {
	var err error
	for _, release := range releases {
		err = errors.CombineErrors(err, release())
	}
	return err
}

// frameDescriptors sums the statistics of every frame's descriptor allocator
type frameDescriptors []*descriptors.Allocator

func (f frameDescriptors) Stats() descriptors.Stats {
	var total descriptors.Stats
	for _, allocator := range f {
		stats := allocator.Stats()
		total.ReadyPools += stats.ReadyPools
		total.FullPools += stats.FullPools
		total.NextPoolSets = max(total.NextPoolSets, stats.NextPoolSets)
		total.AllocatedSets += stats.AllocatedSets
		total.PoolsCreated += stats.PoolsCreated
		total.GrowthFailures += stats.GrowthFailures
	}
	return total
}

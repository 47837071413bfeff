package command

import (
	"fmt"

	"github.com/vkngwrapper/keystone/hal"
)

// State is where a CommandBuffer is in its record/submit cycle
type State int

const (
	StateInitial State = iota
	StateRecording
	StateExecutable
	// StatePending buffers have been submitted and the GPU may still be consuming them
	StatePending
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateRecording:
		return "Recording"
	case StateExecutable:
		return "Executable"
	case StatePending:
		return "Pending"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Inheritance is the render pass state a secondary buffer executes within
type Inheritance struct {
	RenderPass           hal.RenderPass
	Subpass              int
	Framebuffer          hal.Framebuffer
	OcclusionQueryEnable bool
}

type BeginInfo struct {
	OneTimeSubmit bool
	// Inheritance is required for secondary buffers and ignored for primaries
	Inheritance *Inheritance
}

func (i BeginInfo) native(level hal.CommandBufferLevel) hal.BeginInfo {
	info := hal.BeginInfo{OneTimeSubmit: i.OneTimeSubmit}
	if level == hal.CommandBufferLevelSecondary && i.Inheritance != nil {
		info.Inheritance = &hal.InheritanceInfo{
			RenderPass:           i.Inheritance.RenderPass,
			Subpass:              i.Inheritance.Subpass,
			Framebuffer:          i.Inheritance.Framebuffer,
			OcclusionQueryEnable: i.Inheritance.OcclusionQueryEnable,
		}
	}
	return info
}

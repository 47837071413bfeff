package hal

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// QueueKind is the category of GPU work a command buffer targets
type QueueKind int

const (
	QueueGeneral QueueKind = iota
	QueueCompute
	QueueTransfer

	QueueKindCount = 3
)

// QueueKinds lists every QueueKind in index order
var QueueKinds = [QueueKindCount]QueueKind{QueueGeneral, QueueCompute, QueueTransfer}

func (k QueueKind) String() string {
	switch k {
	case QueueGeneral:
		return "General"
	case QueueCompute:
		return "Compute"
	case QueueTransfer:
		return "Transfer"
	}

	return fmt.Sprintf("QueueKind(%d)", int(k))
}

// SignalStages is the stage mask a submission on this kind of queue signals. General queues
// over-approximate with every stage a downstream consumer is likely to wait on.
func (k QueueKind) SignalStages() core1_0.PipelineStageFlags {
	switch k {
	case QueueGeneral:
		return core1_0.PipelineStageTransfer | core1_0.PipelineStageComputeShader | core1_0.PipelineStageColorAttachmentOutput
	case QueueCompute:
		return core1_0.PipelineStageComputeShader
	case QueueTransfer:
		return core1_0.PipelineStageTransfer
	}

	panic(fmt.Sprintf("unknown queue kind %d", int(k)))
}

// CapabilityFlags are the queue family flags a queue must carry to serve this kind
func (k QueueKind) CapabilityFlags() core1_0.QueueFlags {
	switch k {
	case QueueGeneral:
		return core1_0.QueueGraphics | core1_0.QueueCompute | core1_0.QueueTransfer
	case QueueCompute:
		return core1_0.QueueCompute
	case QueueTransfer:
		return core1_0.QueueTransfer
	}

	panic(fmt.Sprintf("unknown queue kind %d", int(k)))
}

// CommandBufferLevel distinguishes buffers submitted to a queue from buffers executed by another buffer
type CommandBufferLevel int

const (
	CommandBufferLevelPrimary CommandBufferLevel = iota
	CommandBufferLevelSecondary
)

func (l CommandBufferLevel) String() string {
	switch l {
	case CommandBufferLevelPrimary:
		return "Primary"
	case CommandBufferLevelSecondary:
		return "Secondary"
	}

	return fmt.Sprintf("CommandBufferLevel(%d)", int(l))
}

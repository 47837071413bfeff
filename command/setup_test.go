package command

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/keystone/hal"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"golang.org/x/exp/slog"
)

type MatrixSetup struct {
	DeviceOptions simulated.DeviceOptions
	Options       Options
	Clock         FrameClock
}

func defaultSetup() MatrixSetup {
	return MatrixSetup{DeviceOptions: simulated.DiscreteGPU()}
}

func manualClockSetup() MatrixSetup {
	setup := defaultSetup()
	setup.DeviceOptions.ManualClock = true
	return setup
}

func readyMatrix(t *testing.T, setup MatrixSetup) (*simulated.Device, *PoolMatrix) {
	device, err := simulated.NewDevice(setup.DeviceOptions)
	require.NoError(t, err)

	return device, readyMatrixOn(t, device, setup)
}

func readyMatrixOn(t *testing.T, device hal.Device, setup MatrixSetup) *PoolMatrix {
	matrix, err := NewPoolMatrix(discardLogger(), device, setup.Clock, setup.Options)
	require.NoError(t, err)
	t.Cleanup(matrix.Destroy)

	return matrix
}

func recordEmpty(t *testing.T, buffer *CommandBuffer) {
	require.NoError(t, buffer.Begin(BeginInfo{OneTimeSubmit: true}))
	require.NoError(t, buffer.End())
}

// queueDevice routes every queue kind to one replacement queue
type queueDevice struct {
	*simulated.Device
	queue hal.Queue
}

func (d *queueDevice) Queue(kind hal.QueueKind) hal.Queue {
	return d.queue
}

type recordingClock struct {
	frames []int
}

func (c *recordingClock) SetCurrentFrameIndex(frameIndex int) {
	c.frames = append(c.frames, frameIndex)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

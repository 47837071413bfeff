package keystone

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/keystone/hal/simulated"
	"github.com/vkngwrapper/keystone/timeline"
	"golang.org/x/exp/slog"
)

type ContextSetup struct {
	DeviceOptions simulated.DeviceOptions
	Options       Options
}

func defaultSetup() ContextSetup {
	return ContextSetup{DeviceOptions: simulated.DiscreteGPU()}
}

func manualClockSetup() ContextSetup {
	setup := defaultSetup()
	setup.DeviceOptions.ManualClock = true
	return setup
}

func readyContext(t *testing.T, setup ContextSetup) (*simulated.Device, *Context) {
	device, err := simulated.NewDevice(setup.DeviceOptions)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard))
	ctx, err := New(logger, device, setup.Options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ctx.Destroy())
	})

	return device, ctx
}

type recordingPresenter struct {
	frames []int
	points []timeline.SyncPoint
}

func (p *recordingPresenter) Present(frame int, renderFinished timeline.SyncPoint) error {
	p.frames = append(p.frames, frame)
	p.points = append(p.points, renderFinished)
	return nil
}

package device

import (
	"context"
	"testing"
	"time"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newController() *SimulatedController {
	return NewSimulatedController([]DeviceSpec{
		{ID: "dev-1", Name: "Intel RealSense D435"},
		{ID: "dev-2"},
	}, zap.NewNop().Sugar())
}

func TestSimulatedController_Discovery(t *testing.T) {
	ctx := context.Background()
	c := newController()

	devices, err := c.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	dev, err := c.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Intel RealSense D435", dev.Name)
	assert.NotEmpty(t, dev.SerialNumber)

	_, err = c.GetDevice(ctx, "dev-9")
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
}

func TestSimulatedController_StartStopAndSubscribe(t *testing.T) {
	ctx := context.Background()
	c := newController()

	profile := domain.DefaultProfile("dev-1", domain.StreamTypeColor)
	require.NoError(t, c.StartOrReconfigure(ctx, "dev-1", []domain.StreamProfile{profile}))

	ch, cancel, err := c.Subscribe("dev-1", domain.StreamTypeColor)
	require.NoError(t, err)
	defer cancel()

	select {
	case frame, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, domain.DeviceID("dev-1"), frame.DeviceID)
		assert.Equal(t, domain.StreamTypeColor, frame.StreamType)
		assert.NotEmpty(t, frame.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within deadline")
	}

	// Depth was never configured.
	_, _, err = c.Subscribe("dev-1", domain.StreamTypeDepth)
	assert.Error(t, err)

	require.NoError(t, c.Stop(ctx, "dev-1"))
	// The subscriber channel drains and closes after stop.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after stop")
		}
	}
}

func TestSimulatedController_ReconfigureReplacesSet(t *testing.T) {
	ctx := context.Background()
	c := newController()

	color := domain.DefaultProfile("dev-1", domain.StreamTypeColor)
	depth := domain.DefaultProfile("dev-1", domain.StreamTypeDepth)

	require.NoError(t, c.StartOrReconfigure(ctx, "dev-1", []domain.StreamProfile{color}))
	colorCh, cancelColor, err := c.Subscribe("dev-1", domain.StreamTypeColor)
	require.NoError(t, err)
	defer cancelColor()

	// Declarative replace: depth only, color must be torn down.
	require.NoError(t, c.StartOrReconfigure(ctx, "dev-1", []domain.StreamProfile{depth}))

	_, _, err = c.Subscribe("dev-1", domain.StreamTypeColor)
	assert.Error(t, err)
	_, cancelDepth, err := c.Subscribe("dev-1", domain.StreamTypeDepth)
	require.NoError(t, err)
	defer cancelDepth()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-colorCh:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("color channel not closed after reconfigure")
		}
	}
}

func TestSimulatedController_InvalidProfileRejected(t *testing.T) {
	ctx := context.Background()
	c := newController()

	bad := domain.DefaultProfile("dev-1", domain.StreamTypeColor)
	bad.Framerate = 0

	err := c.StartOrReconfigure(ctx, "dev-1", []domain.StreamProfile{bad})
	assert.Error(t, err)

	err = c.StartOrReconfigure(ctx, "dev-1", nil)
	assert.Error(t, err)
}

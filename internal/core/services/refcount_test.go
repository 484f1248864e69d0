package services

import (
	"context"
	"sync"
	"testing"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

func newCounter(dev *MockDeviceController) *StreamReferenceCounter {
	return NewStreamReferenceCounter(dev, ports.NopMetricsSink{}, zap.NewNop().Sugar())
}

func TestStreamReferenceCounter_Acquire(t *testing.T) {
	ctx := context.Background()
	deviceID := domain.DeviceID("dev-1")

	t.Run("first reference starts the device with the full set", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.MatchedBy(func(ps []domain.StreamProfile) bool {
			return len(ps) == 1 && ps[0].StreamType == domain.StreamTypeColor
		})).Return(nil)

		err := counter.Acquire(ctx, deviceID, domain.StreamTypeColor)

		assert.NoError(t, err)
		refs := counter.References()
		assert.Len(t, refs, 1)
		assert.Equal(t, 1, refs[0].ReferenceCount)
		assert.True(t, counter.DeviceState(deviceID).Running)
		dev.AssertExpectations(t)
	})

	t.Run("second reference to the same type does not touch the device", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeDepth))
		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeDepth))

		dev.AssertNumberOfCalls(t, "StartOrReconfigure", 1)
		refs := counter.References()
		assert.Len(t, refs, 1)
		assert.Equal(t, 2, refs[0].ReferenceCount)
	})

	t.Run("new type reconfigures with the complete set", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeDepth))

		dev.AssertNumberOfCalls(t, "StartOrReconfigure", 2)
		last := dev.Calls[len(dev.Calls)-1].Arguments.Get(2).([]domain.StreamProfile)
		assert.Len(t, last, 2)
		assert.ElementsMatch(t,
			[]domain.StreamType{domain.StreamTypeColor, domain.StreamTypeDepth},
			[]domain.StreamType{last[0].StreamType, last[1].StreamType})
	})

	t.Run("device failure rolls the count back", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(assert.AnError)

		err := counter.Acquire(ctx, deviceID, domain.StreamTypeColor)

		assert.ErrorIs(t, err, domain.ErrStreamStartFailed)
		assert.Empty(t, counter.References())
		assert.False(t, counter.DeviceState(deviceID).Running)
	})

	t.Run("invalid stream type is rejected", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		err := counter.Acquire(ctx, deviceID, domain.StreamType("thermal"))

		assert.ErrorIs(t, err, domain.ErrInvalidStreamType)
		dev.AssertNotCalled(t, "StartOrReconfigure")
	})
}

func TestStreamReferenceCounter_Release(t *testing.T) {
	ctx := context.Background()
	deviceID := domain.DeviceID("dev-1")

	t.Run("non-final release leaves the device alone", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		counter.Release(ctx, deviceID, domain.StreamTypeColor)

		dev.AssertNumberOfCalls(t, "StartOrReconfigure", 1)
		dev.AssertNotCalled(t, "Stop")
		refs := counter.References()
		assert.Len(t, refs, 1)
		assert.Equal(t, 1, refs[0].ReferenceCount)
	})

	t.Run("final release of one type reconfigures with the remainder", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeDepth))
		counter.Release(ctx, deviceID, domain.StreamTypeColor)

		dev.AssertNumberOfCalls(t, "StartOrReconfigure", 3)
		dev.AssertNotCalled(t, "Stop")
		last := dev.Calls[len(dev.Calls)-1].Arguments.Get(2).([]domain.StreamProfile)
		assert.Len(t, last, 1)
		assert.Equal(t, domain.StreamTypeDepth, last[0].StreamType)
	})

	t.Run("final release of the last type stops the device", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)
		dev.On("Stop", mock.Anything, deviceID).Return(nil)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		counter.Release(ctx, deviceID, domain.StreamTypeColor)

		dev.AssertCalled(t, "Stop", mock.Anything, deviceID)
		assert.Empty(t, counter.References())
		assert.False(t, counter.DeviceState(deviceID).Running)
	})

	t.Run("release is floored at zero", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)
		dev.On("Stop", mock.Anything, deviceID).Return(nil)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		counter.Release(ctx, deviceID, domain.StreamTypeColor)
		counter.Release(ctx, deviceID, domain.StreamTypeColor)
		counter.Release(ctx, deviceID, domain.StreamTypeDepth)

		dev.AssertNumberOfCalls(t, "Stop", 1)
		assert.Empty(t, counter.References())
	})

	t.Run("release of an unknown device is a no-op", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		counter.Release(ctx, domain.DeviceID("nope"), domain.StreamTypeColor)

		dev.AssertNotCalled(t, "Stop")
		dev.AssertNotCalled(t, "StartOrReconfigure")
	})

	t.Run("stop failure does not resurrect the count", func(t *testing.T) {
		dev := new(MockDeviceController)
		counter := newCounter(dev)

		dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)
		dev.On("Stop", mock.Anything, deviceID).Return(assert.AnError)

		assert.NoError(t, counter.Acquire(ctx, deviceID, domain.StreamTypeColor))
		counter.Release(ctx, deviceID, domain.StreamTypeColor)

		assert.Empty(t, counter.References())
		assert.False(t, counter.DeviceState(deviceID).Running)
	})
}

func TestStreamReferenceCounter_ConcurrentAcquireRelease(t *testing.T) {
	ctx := context.Background()
	deviceID := domain.DeviceID("dev-1")
	dev := new(MockDeviceController)
	counter := newCounter(dev)

	dev.On("StartOrReconfigure", mock.Anything, deviceID, mock.Anything).Return(nil)
	dev.On("Stop", mock.Anything, deviceID).Return(nil)

	// Many goroutines hammer the same device across both stream types. Every
	// acquire is paired with a release, so whatever the interleaving the
	// counts must come back to zero and the device must end up stopped.
	const workers = 8
	const iterations = 100
	types := []domain.StreamType{domain.StreamTypeColor, domain.StreamTypeDepth}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				st := types[(w+i)%len(types)]
				if err := counter.Acquire(ctx, deviceID, st); err != nil {
					continue
				}
				counter.Release(ctx, deviceID, st)
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, counter.References())
	assert.False(t, counter.DeviceState(deviceID).Running)
}

func TestStreamReferenceCounter_DeviceStates(t *testing.T) {
	ctx := context.Background()
	dev := new(MockDeviceController)
	counter := newCounter(dev)

	dev.On("StartOrReconfigure", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	assert.NoError(t, counter.Acquire(ctx, "dev-1", domain.StreamTypeColor))
	assert.NoError(t, counter.Acquire(ctx, "dev-1", domain.StreamTypeDepth))
	assert.NoError(t, counter.Acquire(ctx, "dev-2", domain.StreamTypeInfrared1))

	states := counter.DeviceStates()
	assert.Len(t, states, 2)
	assert.Equal(t, domain.DeviceID("dev-1"), states[0].DeviceID)
	assert.Equal(t, []domain.StreamType{domain.StreamTypeColor, domain.StreamTypeDepth}, states[0].ActiveStreams)
	assert.Equal(t, domain.DeviceID("dev-2"), states[1].DeviceID)
	assert.True(t, states[0].Running)
	assert.True(t, states[1].Running)
}

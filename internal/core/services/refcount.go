package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"

	"go.uber.org/zap"
)

// deviceStreams holds the reference-counter state for one device. Its mutex
// serializes every acquire/release touching the device, including the device
// collaborator call made while holding it, so the declarative config is never
// computed from a stale view of the active set.
type deviceStreams struct {
	mu       sync.Mutex
	counts   map[domain.StreamType]int
	profiles map[domain.StreamType]domain.StreamProfile
	running  bool
}

// StreamReferenceCounter maintains per-(device, stream type) reference counts
// and translates count transitions into device configuration commands. Every
// transition recomputes the full desired stream-type set for the device and
// issues one configuration call with the complete set.
type StreamReferenceCounter struct {
	device  ports.DeviceController
	metrics ports.MetricsSink

	mu      sync.Mutex
	devices map[domain.DeviceID]*deviceStreams

	logger *zap.SugaredLogger
}

func NewStreamReferenceCounter(device ports.DeviceController, metrics ports.MetricsSink, logger *zap.SugaredLogger) *StreamReferenceCounter {
	if metrics == nil {
		metrics = ports.NopMetricsSink{}
	}
	return &StreamReferenceCounter{
		device:  device,
		metrics: metrics,
		devices: make(map[domain.DeviceID]*deviceStreams),
		logger:  logger,
	}
}

func (c *StreamReferenceCounter) deviceStreams(id domain.DeviceID) *deviceStreams {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.devices[id]
	if !ok {
		st = &deviceStreams{
			counts:   make(map[domain.StreamType]int),
			profiles: make(map[domain.StreamType]domain.StreamProfile),
		}
		c.devices[id] = st
	}
	return st
}

// Acquire increments the reference count for (id, t). The first reference for
// a stream type recomputes the device configuration and starts or
// reconfigures the device; if that fails the increment is rolled back and the
// error is returned wrapped in domain.ErrStreamStartFailed. No retries happen
// here: retry policy belongs to the caller.
func (c *StreamReferenceCounter) Acquire(ctx context.Context, id domain.DeviceID, t domain.StreamType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStreamType, t)
	}

	st := c.deviceStreams(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.counts[t]++
	if st.counts[t] > 1 {
		c.metrics.SetStreamReferences(id, t, st.counts[t])
		c.logger.Debugw("stream reference acquired",
			"device_id", id, "stream_type", t, "count", st.counts[t])
		return nil
	}

	// First reference: the stream type joins the device's active set.
	st.profiles[t] = domain.DefaultProfile(id, t)
	if err := c.applyLocked(ctx, id, st); err != nil {
		delete(st.counts, t)
		delete(st.profiles, t)
		c.metrics.SetStreamReferences(id, t, 0)
		return fmt.Errorf("%w: %v", domain.ErrStreamStartFailed, err)
	}

	c.metrics.SetStreamReferences(id, t, 1)
	c.logger.Infow("stream type activated",
		"device_id", id, "stream_type", t, "active_streams", len(st.counts))
	return nil
}

// Release decrements the reference count for (id, t), floored at zero;
// releasing an unreferenced stream type is a no-op so duplicate cleanup calls
// are harmless. When a count reaches zero the device is reconfigured with the
// remaining types, or stopped when none remain. Stop/reconfigure failure is
// logged but never resurrects the count: the in-memory model is the source of
// truth for intent.
func (c *StreamReferenceCounter) Release(ctx context.Context, id domain.DeviceID, t domain.StreamType) {
	c.mu.Lock()
	st, ok := c.devices[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n, ok := st.counts[t]
	if !ok || n == 0 {
		return
	}
	n--
	if n > 0 {
		st.counts[t] = n
		c.metrics.SetStreamReferences(id, t, n)
		c.logger.Debugw("stream reference released",
			"device_id", id, "stream_type", t, "count", n)
		return
	}

	delete(st.counts, t)
	delete(st.profiles, t)
	c.metrics.SetStreamReferences(id, t, 0)

	if len(st.counts) == 0 {
		if st.running {
			if err := c.device.Stop(ctx, id); err != nil {
				c.logger.Warnw("failed to stop device stream",
					"device_id", id, "error", fmt.Errorf("%w: %v", domain.ErrStreamStopFailed, err))
			}
			st.running = false
			c.metrics.SetDeviceStreaming(id, false)
			c.logger.Infow("device stream stopped", "device_id", id)
		}
		return
	}

	if err := c.applyLocked(ctx, id, st); err != nil {
		c.logger.Warnw("failed to reconfigure device after release",
			"device_id", id, "stream_type", t, "error", err)
	}
	c.logger.Infow("stream type deactivated",
		"device_id", id, "stream_type", t, "active_streams", len(st.counts))
}

// applyLocked pushes the full current profile set to the device. Caller holds
// st.mu.
func (c *StreamReferenceCounter) applyLocked(ctx context.Context, id domain.DeviceID, st *deviceStreams) error {
	profiles := make([]domain.StreamProfile, 0, len(st.profiles))
	for _, p := range st.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].StreamType < profiles[j].StreamType
	})

	if err := c.device.StartOrReconfigure(ctx, id, profiles); err != nil {
		return err
	}
	if !st.running {
		st.running = true
		c.metrics.SetDeviceStreaming(id, true)
	}
	return nil
}

// References returns a snapshot of all non-zero reference counts.
func (c *StreamReferenceCounter) References() []domain.StreamReference {
	c.mu.Lock()
	devices := make(map[domain.DeviceID]*deviceStreams, len(c.devices))
	for id, st := range c.devices {
		devices[id] = st
	}
	c.mu.Unlock()

	var refs []domain.StreamReference
	for id, st := range devices {
		st.mu.Lock()
		for t, n := range st.counts {
			refs = append(refs, domain.StreamReference{
				DeviceID:       id,
				StreamType:     t,
				ReferenceCount: n,
			})
		}
		st.mu.Unlock()
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].DeviceID != refs[j].DeviceID {
			return refs[i].DeviceID < refs[j].DeviceID
		}
		return refs[i].StreamType < refs[j].StreamType
	})
	return refs
}

// DeviceState returns the active stream-type set and running flag for one
// device.
func (c *StreamReferenceCounter) DeviceState(id domain.DeviceID) domain.DeviceStreamState {
	c.mu.Lock()
	st, ok := c.devices[id]
	c.mu.Unlock()

	state := domain.DeviceStreamState{DeviceID: id, ActiveStreams: []domain.StreamType{}}
	if !ok {
		return state
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for t := range st.counts {
		state.ActiveStreams = append(state.ActiveStreams, t)
	}
	sort.Slice(state.ActiveStreams, func(i, j int) bool {
		return state.ActiveStreams[i] < state.ActiveStreams[j]
	})
	state.Running = st.running
	return state
}

// DeviceStates returns the state of every device the counter has seen with a
// non-empty active set.
func (c *StreamReferenceCounter) DeviceStates() []domain.DeviceStreamState {
	c.mu.Lock()
	ids := make([]domain.DeviceID, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var states []domain.DeviceStreamState
	for _, id := range ids {
		state := c.DeviceState(id)
		if len(state.ActiveStreams) > 0 || state.Running {
			states = append(states, state)
		}
	}
	return states
}
